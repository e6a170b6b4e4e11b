package main

import (
	"fmt"
	"runtime"

	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/danmuck/flydragon/internal/status"
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version)
				return
			}
			fmt.Fprintf(out, "flydragon %s (%s)\n", version, commit)
			fmt.Fprintf(out, "  api:        %s\n", status.Version)
			fmt.Fprintf(out, "  protocol:   token=%s port=%d\n", protocol.HandshakeToken, protocol.DefaultPort)
			fmt.Fprintf(out, "  go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version")
	return cmd
}

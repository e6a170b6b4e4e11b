package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/flydragon/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	verbose    bool
	configPath string
	envPath    string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 0, or -1 for any error or panic.
func run(args []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "flydragon: panic: %v\n", r)
			code = -1
		}
	}()
	root := rootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flydragon: %v\n", err)
		return -1
	}
	return 0
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "flydragon",
		Short: "Peer-to-peer image and fixation messaging over TCP",
		Long: `flydragon runs a station that exchanges icons, frames and fixation
points with peers using the flying dragon wire protocol.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(opts.envPath, cmd.Flags().Changed("env")); err != nil {
				return err
			}
			if opts.verbose {
				logging.ConfigureVerbose()
			} else {
				logging.ConfigureRuntime()
			}
			return nil
		},
	}
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "flydragon.toml", "config file")
	cmd.PersistentFlags().StringVar(&opts.envPath, "env", ".env", "dotenv file loaded before logging is configured")

	cmd.AddCommand(
		serveCmd(opts),
		connectCmd(opts),
		configgenCmd(),
		versionCmd(),
	)
	return cmd
}

// loadEnv reads path into the environment. A missing default file is
// fine; a missing file the user asked for is not.
func loadEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env %s: %w", path, err)
	}
	return nil
}

package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/flydragon/internal/config"
	"github.com/spf13/cobra"
)

func configgenCmd() *cobra.Command {
	var (
		kind     string
		output   string
		force    bool
		validate string
	)
	cmd := &cobra.Command{
		Use:   "configgen",
		Short: "Write a starter config or validate an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if validate != "" {
				if err := config.Check(validate); err != nil {
					return err
				}
				fmt.Fprintf(out, "validated %s\n", validate)
				return nil
			}
			if output == "" || output == "-" {
				tmpl, err := config.Template(kind)
				if err != nil {
					return err
				}
				fmt.Fprint(out, tmpl)
				return nil
			}
			if err := config.WriteTemplate(output, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s config template to %s\n", kind, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "station", "template kind: "+strings.Join(config.Kinds, "|"))
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (stdout when empty)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().StringVar(&validate, "validate", "", "strictly validate the config at this path instead")
	return cmd
}

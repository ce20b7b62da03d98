package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/kbsync/internal/config"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Configuration helpers"}

	var (
		fromEnv     bool
		exportPath  string
		showSecrets bool
	)
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				cfg    config.Config
				origin string
				err    error
			)
			switch {
			case exportPath != "":
				cfg, err = config.ExportEnv(g.lookup, exportPath)
				origin = config.OriginEnvironment
				if err == nil {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "exported environment configuration to %s\n", exportPath)
				}
			case fromEnv:
				cfg, err = config.FromEnv(g.lookup)
				origin = config.OriginEnvironment
			default:
				cfg, origin, err = config.Resolve(g.configPath, g.lookup)
			}
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = cfg.Redacted()
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "# source: %s\n", origin)
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	printCmd.Flags().BoolVar(&fromEnv, "from-env", false, "ignore config files and read environment variables only")
	printCmd.Flags().StringVar(&exportPath, "export", "", "also write the environment configuration to this file")
	printCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print API keys and passwords unmasked")

	configCmd.AddCommand(printCmd)
	return configCmd
}

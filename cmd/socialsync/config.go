package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/socialsync/internal/session"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "example",
		Short: "Print an annotated example config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := session.ExampleConfig()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config after defaults and overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server: %s\n", cfg.Server)
			fmt.Fprintf(out, "user_id: %s\n", cfg.UserID)
			fmt.Fprintf(out, "transport: %s\n", cfg.Transport)
			fmt.Fprintf(out, "credentials: %s\n", cfg.Credentials)
			fmt.Fprintf(out, "reconnect.delays: %v\n", cfg.Reconnect.Delays)
			fmt.Fprintf(out, "voting.discovery_delays: %v\n", cfg.Voting.DiscoveryDelays)
			return nil
		},
	})
	return cmd
}

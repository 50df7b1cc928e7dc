package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/socialsync/pkg/httpclient"
)

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in and print a bearer token",
		Long: `Sign in with your user id. The printed token can be passed with --token
or SOCIALSYNC_TOKEN to skip signing in on later commands.`,
		RunE: runLogin,
	}
}

func apiClient() (*httpclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := httpclient.NewClient(httpclient.Config{
		ServerURL:   cfg.Server,
		UserID:      cfg.UserID,
		DisplayName: cfg.DisplayName,
		Timeout:     timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return client, nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Signing in to %s...\n", client.BaseURL())
	resp, err := client.Login(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ Signed in as %s (expires %s)\n", resp.UserID, resp.ExpiresAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Token: %s\n", resp.Token)
	fmt.Fprintf(out, "\nSave it for later commands:\n")
	fmt.Fprintf(out, "  export SOCIALSYNC_TOKEN=\"%s\"\n", resp.Token)
	return nil
}

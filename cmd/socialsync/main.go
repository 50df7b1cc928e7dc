package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/socialsync/internal/logging"
	"github.com/rmacdonaldsmith/socialsync/internal/notice"
	"github.com/rmacdonaldsmith/socialsync/internal/session"
)

var (
	// Global flags
	configPath string
	serverURL  string
	userID     string
	token      string
	transport  string
	logLevel   string
	timeout    time.Duration
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "socialsync",
		Short: "Social state sync command line client",
		Long: `socialsync connects to the social hubs of a backend and keeps the
notification feed, group chat and group voting state of one user in sync.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Backend URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "User id to sign in as (overrides config)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Pre-issued bearer token (overrides config)")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "Hub transport: websocket, sse or grpc (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Time to wait for hub state")

	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newFeedCommand())
	rootCmd.AddCommand(newDecisionCommand("accept", true))
	rootCmd.AddCommand(newDecisionCommand("reject", false))
	rootCmd.AddCommand(newReadCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newVotesCommand())
	return rootCmd
}

// loadConfig reads --config, or starts from an empty config, and applies
// the flag overrides.
func loadConfig() (session.Config, error) {
	var cfg session.Config
	if configPath != "" {
		loaded, err := session.Load(configPath)
		if err != nil {
			return session.Config{}, err
		}
		cfg = *loaded
	} else {
		cfg.ApplyEnv()
	}

	if serverURL != "" {
		cfg.Server = serverURL
	}
	if userID != "" {
		cfg.UserID = userID
	}
	if token != "" {
		cfg.Token = token
	}
	if transport != "" {
		cfg.Transport = transport
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cfg.Server == "" {
		cfg.Server = "http://localhost:8080"
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return session.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newSession builds an unstarted session. Notices are printed to stderr.
func newSession(cmd *cobra.Command) (*session.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
	return session.New(cfg, session.Options{
		Logger: logger,
		Notifier: notice.Func(func(n notice.Notice) {
			fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  %s: %s\n", n.Source, n.Message)
		}),
	})
}

// startSession signs in and connects the notification hubs, closing s on
// failure.
func startSession(cmd *cobra.Command, s *session.Session) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		s.Close()
		return err
	}
	return nil
}

// interruptContext is cancelled on Ctrl+C.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// waitUntil polls cond until it holds or the global timeout elapses.
func waitUntil(ctx context.Context, cond func() bool) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rmacdonaldsmith/socialsync/internal/devhub"
	"github.com/rmacdonaldsmith/socialsync/internal/logging"
)

const (
	// Application info
	appName    = "socialsync-devhub"
	appVersion = "0.1.0"
)

type options struct {
	addr      string
	grpcAddr  string
	lag       time.Duration
	dbPath    string
	secret    string
	logLevel  string
	logFormat string
	seed      string
}

func main() {
	var opts options
	fs := flag.NewFlagSet(appName, flag.ExitOnError)
	showVersion := registerFlags(fs, &opts)
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("🚀 Starting %s v%s", appName, appVersion)
	log.Printf("🔌 HTTP Listen: %s", opts.addr)
	if opts.grpcAddr != "" {
		log.Printf("🔗 gRPC Listen: %s", opts.grpcAddr)
	}
	if opts.lag > 0 {
		log.Printf("🐢 Voting write lag: %s", opts.lag)
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	server, err := devhub.NewServer(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to create hub: %v", err)
	}

	if opts.seed != "" {
		if err := seed(server.World(), opts.seed); err != nil {
			log.Fatalf("❌ Failed to seed group: %v", err)
		}
		log.Printf("🌱 Seeded group: %s", opts.seed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, server)

	go func() {
		if err := server.Start(); err != nil {
			log.Printf("❌ Server error: %v", err)
			cancel()
		}
	}()

	log.Printf("✅ %s started successfully!", appName)
	log.Printf("💡 Use Ctrl+C to shutdown gracefully")

	<-ctx.Done()
	log.Printf("👋 %s stopped", appName)
}

func registerFlags(fs *flag.FlagSet, opts *options) *bool {
	fs.StringVar(&opts.addr, "addr", ":8080", "HTTP listen address for REST, WebSocket and SSE")
	fs.StringVar(&opts.grpcAddr, "grpc-addr", "", "gRPC listen address (disabled when empty)")
	fs.DurationVar(&opts.lag, "lag", 0, "Delay before voting writes become readable")
	fs.StringVar(&opts.dbPath, "db", "", "SQLite file for the vote store (in memory when empty)")
	fs.StringVar(&opts.secret, "secret", "", "JWT signing secret")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	fs.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	fs.StringVar(&opts.seed, "seed", "", "Create a group at startup: id:admin[,member...]")
	return fs.Bool("version", false, "Show version and exit")
}

func buildConfig(opts options) (devhub.Config, error) {
	if opts.lag < 0 {
		return devhub.Config{}, fmt.Errorf("lag must not be negative")
	}
	switch opts.logFormat {
	case "text", "json":
	default:
		return devhub.Config{}, fmt.Errorf("unknown log format %q", opts.logFormat)
	}
	cfg := devhub.Config{
		Addr:         opts.addr,
		GRPCAddr:     opts.grpcAddr,
		SecretKey:    opts.secret,
		WriteLag:     opts.lag,
		DatabasePath: opts.dbPath,
		Logger:       logging.New(logging.Config{Level: opts.logLevel, Format: opts.logFormat}),
	}
	cfg.SetDefaults()
	return cfg, nil
}

// seed creates the group described by def, "id:admin[,member...]".
func seed(world *devhub.World, def string) error {
	id, users, ok := strings.Cut(def, ":")
	if !ok || id == "" || users == "" {
		return fmt.Errorf("seed %q: want id:admin[,member...]", def)
	}
	ids := strings.Split(users, ",")
	req := devhub.CreateGroupRequest{ID: id, Name: id, AdminID: ids[0]}
	for _, u := range ids[1:] {
		if u = strings.TrimSpace(u); u != "" {
			req.Members = append(req.Members, devhub.Member{UserID: u, DisplayName: u})
		}
	}
	return world.CreateGroup(req)
}

// setupGracefulShutdown configures signal handling for graceful shutdown
func setupGracefulShutdown(cancel context.CancelFunc, server *devhub.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		sig := <-sigChan
		log.Printf("🛑 Received signal %v, shutting down gracefully...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			log.Printf("⚠️  Error during graceful stop: %v", err)
		}
		cancel()
	}()
}

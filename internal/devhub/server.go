package devhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/rmacdonaldsmith/socialsync/internal/logging"
)

// Config holds dev hub configuration.
type Config struct {
	// Addr is the HTTP listen address serving REST, WebSocket and SSE.
	Addr string
	// GRPCAddr enables the gRPC hub transport when set.
	GRPCAddr  string
	SecretKey string
	TokenTTL  time.Duration
	// WriteLag delays the visibility of voting writes to reproduce a
	// read side that trails its events.
	WriteLag time.Duration
	// DatabasePath is the SQLite file of the vote store; empty keeps it in
	// memory.
	DatabasePath  string
	SendQueueSize int
	KeepAlive     time.Duration
	HistoryLimit  int
	Logger        *slog.Logger
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.SecretKey == "" {
		c.SecretKey = "socialsync-devhub-secret-key-change-in-production"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
}

// Server is a development backend for the social hubs. It speaks the hub
// protocol over WebSocket, SSE and gRPC, serves the voting read side and
// exposes /dev endpoints that inject server-side changes.
type Server struct {
	cfg    Config
	logger *slog.Logger

	auth   *JWTAuth
	mw     *Middleware
	world  *World
	router *Router
	chat   *ChatLog
	votes  *VoteStore

	// Voting sessions are known here before their rows are readable.
	mu       sync.Mutex
	sessions map[string]string // session id -> group id

	http *http.Server
	grpc *grpc.Server
}

// NewServer creates a dev hub and opens its vote store.
func NewServer(cfg Config) (*Server, error) {
	cfg.SetDefaults()
	logger := logging.OrDefault(cfg.Logger).With("component", "devhub")

	votes, err := OpenVoteStore(cfg.DatabasePath, cfg.WriteLag)
	if err != nil {
		return nil, err
	}

	auth := NewJWTAuth(cfg.SecretKey, cfg.TokenTTL)
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		auth:     auth,
		mw:       NewMiddleware(auth, logger),
		world:    NewWorld(),
		router:   NewRouter(),
		chat:     NewChatLog(0),
		votes:    votes,
		sessions: make(map[string]string),
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(s.hubServiceDesc(), nil)
	return s, nil
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.mw.Recovery(s.mw.Logging(s.mw.CORS(s.setupRoutes())))
}

// Start serves HTTP, and gRPC when GRPCAddr is set, until Stop.
func (s *Server) Start() error {
	errCh := make(chan error, 2)
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		go func() { errCh <- s.ServeGRPC(lis) }()
	}
	go func() {
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return <-errCh
}

// ServeGRPC serves the gRPC hub transport on lis.
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.logger.Info("grpc hub listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop gracefully stops both servers and closes every hub connection.
func (s *Server) Stop(ctx context.Context) error {
	for _, p := range s.router.all() {
		s.closePeer(p)
	}
	s.grpc.Stop()
	err := s.http.Shutdown(ctx)
	if cerr := s.votes.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the vote store. It is used when the server was only
// mounted through Handler.
func (s *Server) Close() error {
	for _, p := range s.router.all() {
		s.closePeer(p)
	}
	s.grpc.Stop()
	return s.votes.Close()
}

func (s *Server) World() *World            { return s.world }
func (s *Server) Votes() *VoteStore        { return s.votes }
func (s *Server) Router() *Router          { return s.router }
func (s *Server) Auth() *JWTAuth           { return s.auth }
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Authentication endpoints (no auth required)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/session", s.handleSessionLogin)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Voting read side (auth required)
	mux.HandleFunc("GET /api/v1/groups/{id}/voting/active", s.mw.AuthRequired(s.handleActiveVoting))
	mux.HandleFunc("GET /api/v1/voting/{id}/results", s.mw.AuthRequired(s.handleVotingResults))

	// Hubs authenticate per connection
	mux.HandleFunc("/hubs/", s.handleHub)

	// Development injection
	mux.HandleFunc("POST /dev/groups", s.handleCreateGroup)
	mux.HandleFunc("POST /dev/groups/{id}/members", s.handleAddMember)
	mux.HandleFunc("POST /dev/groups/{id}/members/remove", s.handleRemoveMember)
	mux.HandleFunc("POST /dev/groups/{id}/voting/start", s.handleStartVoting)
	mux.HandleFunc("POST /dev/voting/{id}/votes", s.handleCastVote)
	mux.HandleFunc("POST /dev/voting/{id}/close", s.handleCloseVoting)
	mux.HandleFunc("POST /dev/users/{userID}/notices", s.handleAddNotice)
	mux.HandleFunc("DELETE /dev/users/{userID}/notices/{id}", s.handleRemoveNotice)
	mux.HandleFunc("POST /dev/users/{userID}/friend-requests", s.handleAddFriendRequest)
	mux.HandleFunc("POST /dev/users/{userID}/drop", s.handleDropUser)

	// Root endpoint with API info
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return mux
}

// handleHub dispatches a hub request to its transport.
func (s *Server) handleHub(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()
	switch {
	case strings.HasSuffix(path, "/stream") && r.Method == http.MethodGet:
		s.serveSSE(w, r, strings.TrimSuffix(path, "/stream"))
	case strings.HasSuffix(path, "/invoke") && r.Method == http.MethodPost:
		s.serveSSEInvoke(w, r, strings.TrimSuffix(path, "/invoke"))
	case r.Method == http.MethodGet:
		s.serveWebSocket(w, r)
	default:
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"service": "socialsync-devhub",
		"hubs": []string{
			"/hubs/notifications",
			"/hubs/friend-requests",
			"/hubs/groups/{id}/chat",
			"/hubs/groups/{id}/voting",
		},
		"transports": []string{"websocket", "sse", "grpc"},
		"endpoints": map[string]string{
			"login":          "POST /api/v1/auth/login",
			"session":        "POST /api/v1/auth/session",
			"health":         "GET /api/v1/health",
			"active_voting":  "GET /api/v1/groups/{id}/voting/active",
			"voting_results": "GET /api/v1/voting/{id}/results",
		},
	}, http.StatusOK)
}

// Package controlplane exposes the orchestrator's local HTTP surface: the
// state snapshot, the live event stream over WebSocket, and operator
// commands. Everything leaving on the wire passes through the redactor.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ralphd/ralphd/internal/bus"
	"github.com/ralphd/ralphd/internal/logging"
	"github.com/ralphd/ralphd/internal/redact"
)

const (
	// DefaultReplayLast is how many buffered events a new stream client
	// receives when the query does not say.
	DefaultReplayLast = 100
	// MaxReplayLast caps the client-requested replay.
	MaxReplayLast = 1000
)

// Config holds control plane server configuration.
type Config struct {
	// Host is the interface to bind to; loopback unless explicitly widened.
	Host string `yaml:"host"`
	// Port is the TCP port to listen on.
	Port int `yaml:"port"`
	// Token is the bearer token required on every route.
	Token string `yaml:"token"`
	// ReplayLastDefault overrides DefaultReplayLast when positive.
	ReplayLastDefault int `yaml:"replayLastDefault"`
	// ReplayLastMax overrides MaxReplayLast when positive.
	ReplayLastMax int `yaml:"replayLastMax"`
	// ExposeRawOpencodeEvents streams raw worker tool events too. They are
	// noisy and large, so they are filtered by default.
	ExposeRawOpencodeEvents bool `yaml:"exposeRawOpencodeEvents"`
}

// SnapshotFunc produces the current orchestrator state for GET /v1/state.
// The result is marshaled and redacted by the server.
type SnapshotFunc func(ctx context.Context) (any, error)

// Error is a typed command failure the server maps onto an HTTP status and
// error envelope.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Errorf builds a typed command failure.
func Errorf(status int, code, format string, args ...any) *Error {
	return &Error{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Server is the control plane HTTP server. Safe for concurrent use.
type Server struct {
	cfg      Config
	bus      *bus.Bus
	snapshot SnapshotFunc
	handlers Handlers
	homeDir  string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// Option adjusts server construction.
type Option func(*Server)

// WithHomeDir sets the home directory collapsed to "~" in redacted output.
func WithHomeDir(dir string) Option {
	return func(s *Server) { s.homeDir = dir }
}

// NewServer creates a control plane server. The server is not started until
// Start is called.
func NewServer(cfg Config, b *bus.Bus, snapshot SnapshotFunc, handlers Handlers, opts ...Option) *Server {
	if cfg.ReplayLastDefault <= 0 {
		cfg.ReplayLastDefault = DefaultReplayLast
	}
	if cfg.ReplayLastMax <= 0 {
		cfg.ReplayLastMax = MaxReplayLast
	}
	s := &Server{
		cfg:      cfg,
		bus:      b,
		snapshot: snapshot,
		handlers: handlers,
		logger:   logging.WithComponent("controlplane"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table. Exposed for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/state", s.withAuth(s.handleState))
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/commands/", s.withAuth(s.handleCommand))
	mux.HandleFunc("/healthz", s.withAuth(s.handleHealthz))
	return mux
}

// Start starts the server and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info("control plane starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// withAuth wraps a handler with bearer auth. Failures get a 401 with a
// WWW-Authenticate challenge.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.authenticate(r); !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "snapshot failed")
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "snapshot not serializable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(s.redacted(string(raw))))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// redacted passes wire output through the redactor.
func (s *Server) redacted(text string) string {
	return redact.SensitiveText(text, redact.Options{HomeDir: s.homeDir})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

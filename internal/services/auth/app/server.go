// Package app wires the auth service: storage, challenge codec, ceremonies,
// and the HTTP transport, owned by a single server lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avelyne/keyfold.id/internal/platform/id"
	"github.com/avelyne/keyfold.id/internal/services/auth/api/rest"
	"github.com/avelyne/keyfold.id/internal/services/auth/ceremony"
	"github.com/avelyne/keyfold.id/internal/services/auth/challenge"
	"github.com/avelyne/keyfold.id/internal/services/auth/identity"
	"github.com/avelyne/keyfold.id/internal/services/auth/relyingparty"
	authsqlite "github.com/avelyne/keyfold.id/internal/services/auth/storage/sqlite"
	"github.com/avelyne/keyfold.id/internal/services/auth/token"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// challengeCleanupInterval controls how often expired burn records are
// dropped from storage.
const challengeCleanupInterval = 5 * time.Minute

// Server hosts the auth HTTP service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *authsqlite.Store
}

// New creates a configured auth server listening on addr.
func New(addr string) (*Server, error) {
	store, err := openAuthStore()
	if err != nil {
		return nil, err
	}

	challengeConfig, err := challenge.LoadConfigFromEnv()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	codec, err := challenge.NewCodec(challengeConfig)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	resolver := identity.NewResolver(store).WithIDGenerator(id.NewID)

	tokenConfig, err := token.LoadConfigFromEnv()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	issuer := token.NewIssuer(tokenConfig)

	rpConfig, err := relyingparty.LoadConfigFromEnv()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	service, err := ceremony.NewService(rpConfig, resolver, store, store, codec, issuer)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	rest.NewServer(service).RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: otelhttp.NewHandler(mux, "keyfold.auth")},
		store:      store,
	}, nil
}

// Addr returns the listener address for the auth server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an auth server until the context ends.
func Run(ctx context.Context, addr string) error {
	server, err := New(addr)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the auth server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.startChallengeCleanup(serverCtx, challengeCleanupInterval)

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return handleErr(<-serveErr)
	case err := <-serveErr:
		return handleErr(err)
	}
}

// startChallengeCleanup drops expired challenge burn records on a ticker so
// the single-use table does not accumulate past token expiry.
func (s *Server) startChallengeCleanup(ctx context.Context, interval time.Duration) {
	if s == nil || s.store == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.DeleteExpiredChallenges(ctx, time.Now().UTC()); err != nil {
					log.Printf("cleanup expired challenges: %v", err)
				}
			}
		}
	}()
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close auth store: %v", err)
	}
}

func openAuthStore() (*authsqlite.Store, error) {
	path := strings.TrimSpace(os.Getenv("KEYFOLD_AUTH_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "auth.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create auth db dir: %w", err)
	}
	return authsqlite.Open(path)
}

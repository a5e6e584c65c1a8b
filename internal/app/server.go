// Package app assembles the passkey service: storage, ceremonies, sessions,
// and the HTTP surface.
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
	"time"

	"github.com/billvog/passkeys-example/internal/api"
	"github.com/billvog/passkeys-example/internal/ceremony"
	"github.com/billvog/passkeys-example/internal/challenge"
	"github.com/billvog/passkeys-example/internal/platform/config"
	"github.com/billvog/passkeys-example/internal/platform/otel"
	"github.com/billvog/passkeys-example/internal/session"
	"github.com/billvog/passkeys-example/internal/storage/sqlite"
)

// Config holds the service configuration, loaded from the environment.
type Config struct {
	HTTPAddr      string        `env:"PASSKEYS_HTTP_ADDR" envDefault:"localhost:8080"`
	DBPath        string        `env:"PASSKEYS_DB_PATH" envDefault:"data/passkeys.db"`
	RPID          string        `env:"PASSKEYS_RP_ID" envDefault:"localhost"`
	RPName        string        `env:"PASSKEYS_RP_DISPLAY_NAME" envDefault:"webauthn-demo"`
	RPOrigins     []string      `env:"PASSKEYS_RP_ORIGINS" envDefault:"http://localhost:5173"`
	ChallengeTTL  time.Duration `env:"PASSKEYS_CHALLENGE_TTL" envDefault:"5m"`
	SessionTTL    time.Duration `env:"PASSKEYS_SESSION_TTL" envDefault:"1h"`
	JWTAuthSecret string        `env:"PASSKEYS_JWT_AUTH_SECRET"`
}

// LoadConfig reads service configuration from the environment. A missing
// signing secret is a fatal startup condition, reported here.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.JWTAuthSecret == "" {
		return Config{}, fmt.Errorf("PASSKEYS_JWT_AUTH_SECRET is required")
	}
	return cfg, nil
}

// Server hosts the passkey HTTP service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
}

// New creates a configured server listening on the configured address.
func New(cfg Config) (*Server, error) {
	if cfg.JWTAuthSecret == "" {
		return nil, fmt.Errorf("session signing secret is required")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	issuer, err := session.NewIssuer([]byte(cfg.JWTAuthSecret), cfg.SessionTTL)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ceremonyCfg := ceremony.Config{
		RPID:    cfg.RPID,
		RPName:  cfg.RPName,
		Origins: cfg.RPOrigins,
	}
	stores := ceremony.Stores{
		Challenges:  challenge.NewStore(cfg.ChallengeTTL),
		Credentials: store,
		Sessions:    issuer,
	}
	registration, err := ceremony.NewRegistration(ceremonyCfg, stores)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	assertion, err := ceremony.NewAssertion(ceremonyCfg, stores)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	handler := api.New(registration, assertion, issuer, store, store, cfg.RPOrigins)
	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: handler.Routes()},
		store:      store,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	otelShutdown, err := otel.Setup(ctx, "passkeys-server")
	if err != nil {
		return fmt.Errorf("setup otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Printf("shutdown otel: %v", err)
		}
	}()

	log.Printf("passkeys server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

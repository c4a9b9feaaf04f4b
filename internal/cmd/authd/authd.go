// Package authd parses auth server flags and runs the server.
package authd

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/avelyne/keyfold.id/internal/platform/config"
	"github.com/avelyne/keyfold.id/internal/platform/otel"
	authapp "github.com/avelyne/keyfold.id/internal/services/auth/app"
)

// Config holds auth command configuration.
type Config struct {
	Addr string `env:"KEYFOLD_AUTH_ADDR" envDefault:"localhost:8080"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "auth HTTP server address")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the auth server.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "authd")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	return authapp.Run(ctx, cfg.Addr)
}

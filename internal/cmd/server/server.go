// Package server parses configuration for the passkeys server command and
// runs it.
package server

import (
	"context"
	"flag"

	"github.com/billvog/passkeys-example/internal/app"
)

// Config holds server command configuration.
type Config struct {
	app app.Config
}

// ParseConfig loads configuration from the environment and applies flag
// overrides.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	appCfg, err := app.LoadConfig()
	if err != nil {
		return Config{}, err
	}

	fs.StringVar(&appCfg.HTTPAddr, "http-addr", appCfg.HTTPAddr, "The HTTP server address")
	fs.StringVar(&appCfg.DBPath, "db-path", appCfg.DBPath, "Path to the SQLite database file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return Config{app: appCfg}, nil
}

// Run starts the passkeys server.
func Run(ctx context.Context, cfg Config) error {
	return app.Run(ctx, cfg.app)
}

// Command keygate is an API key gateway that authenticates and rate limits
// requests before forwarding them to an LLM provider.
//
// Usage:
//
//	keygate serve
//	keygate keys create --principal team-a --permission chat --permission usage
//	keygate keys revoke <id>
//	keygate token issue --subject ops
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/johnrirwin/keygate/internal/config"
	"github.com/johnrirwin/keygate/internal/database"
	"github.com/johnrirwin/keygate/internal/logging"
)

// CLI defines the command-line interface. Settings come from the
// environment (and .env); flags only select the action.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the HTTP and gRPC gateway."`
	Migrate MigrateCmd `cmd:"" help:"Create or update the database schema."`
	Keys    KeysCmd    `cmd:"" help:"Manage API keys."`
	Token   TokenCmd   `cmd:"" help:"Issue operator tokens for the admin API."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	LogLevel string `help:"Override LOG_LEVEL (debug, info, warn, error)."`
}

// app is the state shared by every command.
type app struct {
	cfg    config.Config
	logger *logging.Logger
}

func (c *CLI) load() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if c.LogLevel != "" {
		cfg.LogLevel = logging.ParseLevel(c.LogLevel)
	}
	cfg.Tracing.Version = version()
	return &app{cfg: cfg, logger: logging.New(cfg.LogLevel)}, nil
}

// openDB opens and migrates the key database.
func (a *app) openDB(ctx context.Context) (*database.DB, error) {
	db, err := database.Open(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// MigrateCmd applies the schema.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}
	db, err := a.openDB(context.Background())
	if err != nil {
		return err
	}
	defer db.Close()
	a.logger.Info("Schema is up to date", logging.WithField("driver", string(db.Dialect())))
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("keygate %s\n", version())
	return nil
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "dev"
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("keygate"),
		kong.Description("API key authentication and rate limiting in front of an LLM provider."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

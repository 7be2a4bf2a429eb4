// Package veil builds the command line of the identity provider.
package veil

import (
	"context"
	"fmt"
	"time"

	platformcmd "github.com/louisbranch/veil/internal/platform/cmd"
	"github.com/louisbranch/veil/internal/platform/logging"
	"github.com/louisbranch/veil/internal/platform/otel"
	server "github.com/louisbranch/veil/internal/services/auth/app"
	"github.com/louisbranch/veil/internal/services/auth/oauth"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// Config holds settings shared by every command.
type Config struct {
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT"    envDefault:"json"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	OTelDisabled bool   `env:"OTEL_DISABLED"`
	Server       server.Config
}

// App returns the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:  "veil",
		Usage: "Identity provider that shares pseudonymous user data with clients",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			statsCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP surface and gRPC health server",
		Action: func(c *cli.Context) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			oauthConfig, err := oauth.LoadConfigFromEnv()
			if err != nil {
				return err
			}
			return platformcmd.RunWithTelemetry(c.Context, platformcmd.ServiceAuth, platformcmd.RunOptions{
				Telemetry: otel.Config{Endpoint: cfg.OTelEndpoint, Disabled: cfg.OTelDisabled},
				Logger:    logger,
			}, func(ctx context.Context) error {
				return server.Run(ctx, cfg.Server, oauthConfig, logger)
			})
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(c *cli.Context) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			store, err := server.OpenStore(c.Context, cfg.Server.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info("database up to date", zap.String("path", cfg.Server.DBPath))
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print user and grant counts",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "since",
				Usage: "only count users created within this window",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			store, err := server.OpenStore(c.Context, cfg.Server.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var since *time.Time
			if window := c.Duration("since"); window > 0 {
				cutoff := time.Now().UTC().Add(-window)
				since = &cutoff
			}
			stats, err := store.GetStatistics(c.Context, since)
			if err != nil {
				return fmt.Errorf("read statistics: %w", err)
			}
			_, err = fmt.Fprintf(c.App.Writer, "users: %d\ntest_users: %d\ngrants: %d\nmappings: %d\n",
				stats.UserCount, stats.TestUserCount, stats.GrantCount, stats.MappingCount)
			return err
		},
	}
}

func load() (Config, *zap.Logger, error) {
	var cfg Config
	if err := platformcmd.ParseConfig(&cfg); err != nil {
		return Config{}, nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: platformcmd.ServiceAuth})
	if err != nil {
		return Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}

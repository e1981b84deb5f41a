package main

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kneutral-org/deadbolt/internal/config"
	"github.com/kneutral-org/deadbolt/internal/lock"
	"github.com/kneutral-org/deadbolt/internal/logging"
)

const serviceName = "deadbolt"

// app holds what the commands share. Zero writers mean the process's own.
type app struct {
	defaults *config.Config
	lockOpts []lock.AdvisoryLockOption
	stdout   io.Writer
	stderr   io.Writer
}

func (a *app) command() *cli.Command {
	d := a.defaults
	return &cli.Command{
		Name:      serviceName,
		Usage:     "run commands under a PostgreSQL advisory lock",
		Version:   Version,
		ArgsUsage: "<command> [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "server host", Value: d.Host},
			&cli.IntFlag{Name: "port", Usage: "server port", Value: d.Port},
			&cli.StringFlag{Name: "database", Aliases: []string{"d"}, Usage: "database name", Value: d.Database},
			&cli.StringFlag{Name: "user", Aliases: []string{"U"}, Usage: "user to connect as", Value: d.User},
			&cli.StringFlag{Name: "password", Usage: "password (defaults to $PGPASSWORD)"},
			&cli.Int64Flag{Name: "lock-id", Aliases: []string{"k"}, Usage: "advisory lock key", Value: d.LockID},
			&cli.StringFlag{Name: "log-level", Usage: "log level", Value: d.LogLevel},
			&cli.StringFlag{Name: "log-format", Usage: "log format (json or pretty)", Value: d.LogFormat},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve /metrics and /health on this address", Value: d.MetricsAddr},
			&cli.DurationFlag{Name: "connect-timeout", Usage: "timeout for opening a session", Value: d.ConnectTimeout},
			&cli.DurationFlag{Name: "release-timeout", Usage: "timeout for unlocking and closing the session", Value: d.ReleaseTimeout},
			&cli.DurationFlag{Name: "health-check-interval", Usage: "how often a leader checks its session", Value: d.HealthCheckInterval},
			&cli.DurationFlag{Name: "retry-backoff", Usage: "wait before campaigning again", Value: d.RetryBackoff},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "hold the lock while running a command",
				ArgsUsage: "[--] <command> [args...]",
				Action:    a.runAction,
			},
			{
				Name:      "elect",
				Usage:     "run a command only while leader",
				ArgsUsage: "[--] <command> [args...]",
				Action:    a.electAction,
			},
		},
	}
}

// loadConfig merges flags over the environment defaults.
func (a *app) loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := *a.defaults
	cfg.Host = cmd.String("host")
	cfg.Port = cmd.Int("port")
	cfg.Database = cmd.String("database")
	cfg.User = cmd.String("user")
	if cmd.IsSet("password") {
		cfg.Password = cmd.String("password")
	}
	cfg.LockID = cmd.Int64("lock-id")
	cfg.LogLevel = cmd.String("log-level")
	cfg.LogFormat = cmd.String("log-format")
	cfg.MetricsAddr = cmd.String("metrics-addr")
	cfg.ConnectTimeout = cmd.Duration("connect-timeout")
	cfg.ReleaseTimeout = cmd.Duration("release-timeout")
	cfg.HealthCheckInterval = cmd.Duration("health-check-interval")
	cfg.RetryBackoff = cmd.Duration("retry-backoff")

	if err := cfg.Validate(); err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	return &cfg, nil
}

// commandArgs returns the command line to supervise.
func commandArgs(cmd *cli.Command) ([]string, error) {
	args := cmd.Args().Slice()
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return nil, &usageError{msg: "missing command to run"}
	}
	return args, nil
}

// setup parses the shared flags and builds the logger and the lock.
func (a *app) setup(cmd *cli.Command) (*config.Config, []string, zerolog.Logger, *lock.AdvisoryLock, error) {
	args, err := commandArgs(cmd)
	if err != nil {
		return nil, nil, zerolog.Nop(), nil, err
	}
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, nil, zerolog.Nop(), nil, err
	}

	logger := a.newLogger(cfg)
	logger.Debug().Interface("config", cfg.Redacted()).Strs("command", args).Msg("starting")

	opts := []lock.AdvisoryLockOption{
		lock.WithPort(cfg.Port),
		lock.WithUser(cfg.User),
		lock.WithPassword(cfg.Password),
		lock.WithLogger(logger),
		lock.WithConnectTimeout(cfg.ConnectTimeout),
		lock.WithReleaseTimeout(cfg.ReleaseTimeout),
	}
	opts = append(opts, a.lockOpts...)

	return cfg, args, logger, lock.NewAdvisoryLock(cfg.LockID, cfg.Host, cfg.Database, opts...), nil
}

func (a *app) runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, args, logger, l, err := a.setup(cmd)
	if err != nil {
		return err
	}

	ctx = logging.ContextWithLogger(ctx, logger)
	status := func() map[string]any {
		return map[string]any{"locked": l.IsLocked()}
	}

	return a.withMetrics(ctx, cfg.MetricsAddr, logger, status, func(ctx context.Context) error {
		code := 0
		err := l.With(ctx, func(ctx context.Context) error {
			var err error
			code, err = a.runChild(ctx, args)
			return err
		})
		if code != 0 {
			if err != nil {
				logger.Error().Err(err).Int("exitCode", code).Msg("command failed")
			}
			return &exitError{code: code}
		}
		return err
	})
}

func (a *app) electAction(ctx context.Context, cmd *cli.Command) error {
	cfg, args, logger, l, err := a.setup(cmd)
	if err != nil {
		return err
	}
	logger = logging.LeaderLogger(logger, cfg.LockID)
	ctx = logging.ContextWithLogger(ctx, logger)

	sup := newSupervisor(ctx, args, a.runChild, logger)
	elector := lock.NewLeaderElector(l, logger,
		lock.WithRenewalRate(cfg.HealthCheckInterval),
		lock.WithRetryBackoff(cfg.RetryBackoff),
		lock.WithOnBecomeLeader(sup.start),
		lock.WithOnLoseLeader(sup.stop),
	)

	status := func() map[string]any {
		return map[string]any{"leader": elector.IsLeader()}
	}

	return a.withMetrics(ctx, cfg.MetricsAddr, logger, status, func(ctx context.Context) error {
		elector.Start(ctx)

		code := 0
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
		case code = <-sup.exited:
			logger.Info().Int("exitCode", code).Msg("command exited, stepping down")
		}
		elector.Stop(ctx)

		if code != 0 {
			return &exitError{code: code}
		}
		return nil
	})
}

func (a *app) newLogger(cfg *config.Config) zerolog.Logger {
	if a.stderr != nil {
		return logging.New(a.stderr, serviceName, cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.LogFormat == logging.FormatPretty {
		return logging.NewPrettyLogger(serviceName, cfg.LogLevel)
	}
	return logging.NewLogger(serviceName, cfg.LogLevel)
}

func (a *app) outWriter() io.Writer {
	if a.stdout != nil {
		return a.stdout
	}
	return os.Stdout
}

func (a *app) errWriter() io.Writer {
	if a.stderr != nil {
		return a.stderr
	}
	return os.Stderr
}

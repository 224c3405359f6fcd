package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/dentaloffice/cmd/billingctl/cli"
	"github.com/odyssey-erp/dentaloffice/internal/app"
	"github.com/odyssey-erp/dentaloffice/internal/platform/cache"
	"github.com/odyssey-erp/dentaloffice/internal/platform/db"
	"github.com/odyssey-erp/dentaloffice/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(connect, os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	var exitErr *cli.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		stop()
		os.Exit(exitErr.Code)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "billingctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*cli.Runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLoggerTo(cfg, os.Stderr).With(slog.String("component", "billingctl"))

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2, MaxConnLifetime: cfg.PGMaxConnLife})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		_ = redisClient.Close()
		pool.Close()
		return nil, err
	}

	settlement := app.NewBilling(cfg, pool, redisClient, logger, nil)
	return &cli.Runtime{
		Jobs:    jobsCLI,
		Settler: settlement.Service,
		Scanner: jobs.NewIntegrityScanJob(settlement.Repository, logger, nil),
		Close: func() {
			if err := jobsCLI.Close(); err != nil {
				logger.Warn("jobs cli close", slog.Any("error", err))
			}
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
			pool.Close()
		},
	}, nil
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/odyssey-rbac/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-rbac/internal/app"
	"github.com/odyssey-erp/odyssey-rbac/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-rbac/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/roles"
	"github.com/odyssey-erp/odyssey-rbac/internal/users"
	"github.com/odyssey-erp/odyssey-rbac/jobs"
	"github.com/odyssey-erp/odyssey-rbac/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	env := cli.Environment{
		OpenRBAC: func(ctx context.Context) (*cli.RBACOpsCLI, func(), error) {
			pool, err := db.New(ctx, cfg.PGDSN)
			if err != nil {
				return nil, nil, err
			}
			closers := []func(){pool.Close}

			// Seeding must invalidate cached decisions held by running API nodes.
			var decisions *rbac.DecisionCache
			if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
				logger.Warn("redis unavailable, cache will not be bumped", slog.Any("error", err))
			} else {
				decisions = rbac.NewDecisionCache(client, cfg.RBACCacheTTL)
				closers = append(closers, func() { _ = client.Close() })
			}

			// Seed events go through the queue so the worker audits them.
			var publisher rbac.Publisher
			if client, err := jobs.NewClient(jobs.RedisOpt(cfg.RedisAddr)); err != nil {
				logger.Warn("job client unavailable, events will not be audited", slog.Any("error", err))
			} else {
				publisher = client
				closers = append(closers, func() { _ = client.Close() })
			}

			rbacService := rbac.NewService(rbac.NewRepository(pool), rbac.ServiceConfig{
				Directory: users.NewRepository(pool),
				Cache:     decisions,
				Logger:    logger,
			})
			rolesService := roles.NewService(roles.NewRepository(pool), roles.Config{
				Cache:     decisions,
				Publisher: publisher,
				Logger:    logger,
			})
			ops, err := cli.NewRBACOpsCLI(rolesService, rbacService)
			closeAll := func() {
				for i := len(closers) - 1; i >= 0; i-- {
					closers[i]()
				}
			}
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			return ops, closeAll, nil
		},
		Migrate: func(ctx context.Context) ([]string, error) {
			pool, err := db.New(ctx, cfg.PGDSN)
			if err != nil {
				return nil, err
			}
			defer pool.Close()
			return migrations.Up(ctx, pool)
		},
		OpenJobs: func(context.Context) (*cli.JobsCLI, error) {
			return cli.NewJobsCLI(cfg.RedisAddr), nil
		},
	}

	code := cli.Execute(ctx, cli.NewRootCommand(env), os.Args[1:])
	stop()
	os.Exit(code)
}

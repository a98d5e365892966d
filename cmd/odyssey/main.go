package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-rbac/internal/app"
	"github.com/odyssey-erp/odyssey-rbac/internal/audit"
	"github.com/odyssey-erp/odyssey-rbac/internal/auth"
	"github.com/odyssey-erp/odyssey-rbac/internal/observability"
	"github.com/odyssey-erp/odyssey-rbac/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-rbac/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/roles"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
	"github.com/odyssey-erp/odyssey-rbac/internal/users"
	"github.com/odyssey-erp/odyssey-rbac/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// The decision cache is optional: without Redis every check hits Postgres.
	var decisions *rbac.DecisionCache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, decision cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		decisions = rbac.NewDecisionCache(redisClient, cfg.RBACCacheTTL)
	}

	redisOpts := jobs.RedisOpt(cfg.RedisAddr)
	publisher, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	usersRepo := users.NewRepository(dbpool)

	rbacService := rbac.NewService(rbac.NewRepository(dbpool), rbac.ServiceConfig{
		Directory: usersRepo,
		Cache:     decisions,
		Publisher: publisher,
		Approvals: shared.NewApprovalRecorder(dbpool, logger),
		Metrics:   metrics,
		Logger:    logger,
	})
	rbacMiddleware := rbac.Middleware{Checker: rbacService, Logger: logger}
	rbacHandler := rbac.NewHandler(logger, rbacService, rbacMiddleware, shared.NewIdempotencyStore(dbpool), cfg.RBACRateLimit)

	rolesService := roles.NewService(roles.NewRepository(dbpool), roles.Config{
		Cache:     decisions,
		Publisher: publisher,
		Logger:    logger,
	})
	rolesHandler := roles.NewHandler(logger, rolesService, rbacMiddleware, rbacService)

	usersHandler := users.NewHandler(logger, users.NewService(usersRepo, rbacService), rbacMiddleware)
	auditHandler := audit.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), rbacMiddleware)

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)
	authHandler := auth.NewHandler(logger, auth.NewService(auth.NewRepository(dbpool), tokens))

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Tokens:       tokens,
		AuthHandler:  authHandler,
		RBACHandler:  rbacHandler,
		RolesHandler: rolesHandler,
		UsersHandler: usersHandler,
		AuditHandler: auditHandler,
		JobHandler:   jobHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

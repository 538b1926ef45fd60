package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/javaos74/uipath-mcp-server/internal/api"
	"github.com/javaos74/uipath-mcp-server/internal/auth"
	"github.com/javaos74/uipath-mcp-server/internal/config"
	"github.com/javaos74/uipath-mcp-server/internal/database"
	"github.com/javaos74/uipath-mcp-server/internal/dispatcher"
	"github.com/javaos74/uipath-mcp-server/internal/handlers"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/manager"
	"github.com/javaos74/uipath-mcp-server/internal/metrics"
	"github.com/javaos74/uipath-mcp-server/internal/uipath"
)

var (
	configPath = flag.String("config", "config/config.dev.yaml", "path to config file")
)

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	// 从环境变量覆盖配置
	config.LoadConfigFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	logger.Info("Starting UiPath MCP Server with config: %s:%d", cfg.Server.Host, cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 创建数据库服务
	db, err := database.NewDatabaseService(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to create database service: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database: %v", err)
	}

	// UiPath 客户端，OAuth 刷新后的令牌写回用户表
	client := uipath.New(cfg.UiPath)
	client.SetTokenObserver(func(ctx context.Context, userID int64, accessToken string) {
		if err := db.UpdateUserAccessToken(ctx, userID, accessToken); err != nil {
			logger.Warn("Failed to persist refreshed token for user %d: %v", userID, err)
		}
	})

	// 内置工具注册表
	registry := handlers.NewToolHandlerRegistry(handlers.BuiltinModules(client, cfg.Builtin)...)
	if cfg.Builtin.Enabled() {
		n, err := handlers.RegisterBuiltinTools(ctx, db, registry.Discover(), handlers.BuiltinToolsVersion)
		if err != nil {
			logger.Fatal("Failed to register builtin tools: %v", err)
		}
		if n > 0 {
			logger.Info("Registered %d builtin tools (catalog version %d)", n, handlers.BuiltinToolsVersion)
		}
	}

	m := metrics.New()
	disp := dispatcher.New(client, registry, cfg.UiPath, dispatcher.WithObserver(m))

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	authorizer := auth.NewAuthorizer(jwtService, db)

	// 创建会话管理器
	sessionManager := manager.NewSessionManager(db, authorizer, disp, cfg.Session, manager.WithObserver(m))
	sessionManager.StartReaper(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// 健康检查（不需要认证）
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			logger.Warn("Health check failed: %v", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", m.Handler())

	api.New(db, client, sessionManager).Mount(r, authorizer.RequireUser)
	r.Route("/mcp", sessionManager.Routes)

	addr := cfg.Server.GetServerAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		// 先关闭会话，事件流随之结束，Shutdown 才不会被长连接拖住
		sessionManager.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Server.ShutdownTimeout))
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server failed: %v", err)
	}
	logger.Info("Server stopped")
}

func shutdownTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"chatflow/internal/api"
	"chatflow/internal/auth"
	"chatflow/internal/chat"
	"chatflow/internal/config"
	"chatflow/internal/limit"
	"chatflow/internal/redis"
	"chatflow/internal/service/account"
	"chatflow/internal/service/ai"
	"chatflow/internal/service/history"
	"chatflow/internal/storage"
	"chatflow/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CHATFLOW_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger, closeLog := config.SetupLogger(cfg.BasicConfig.LogFile, slog.LevelInfo)
	defer closeLog()
	slog.SetDefault(logger)

	dbType := os.Getenv("CHATFLOW_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	secret := os.Getenv("CHATFLOW_JWT_SECRET")
	tokenTTL := time.Duration(cfg.BasicConfig.TokenTTLHours) * time.Hour
	authService, err := auth.NewService(secret, tokenTTL)
	if err != nil {
		logger.Error("init auth service", "error", err)
		os.Exit(1)
	}

	accountService := account.NewService(db)
	historyService := history.NewService(db)

	window := time.Duration(cfg.BasicConfig.RateLimitSeconds) * time.Second
	if cfg.BasicConfig.RateLimitSeconds == 0 {
		window = 30 * time.Second
	}
	policy := limit.Policy{Window: window}
	var limiter limit.Limiter = limit.NewMemoryLimiter(policy)
	if cfg.Redis.Host != "" {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			logger.Error("create redis client", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = limit.NewRedisLimiter(policy, rdb)
	}

	provider := cfg.BasicConfig.Provider
	var generator chat.Generator
	genService, err := ai.NewService(context.Background(), provider, cfg.Providers[provider], cfg.BasicConfig.Model)
	if err != nil {
		// Keep serving; sends surface the configuration failure as a
		// scoped error instead of taking the whole app down.
		logger.Error("generation client unavailable", "provider", provider, "error", err)
		generator = ai.Unavailable{Err: err}
	} else {
		generator = genService
	}

	hub := ws.NewHub(logger)
	orchestrator := chat.New(historyService, generator, hub, limiter, logger)
	socketHandler := ws.NewHandler(authService, hub, orchestrator, logger)
	handlers := api.NewHandler(accountService, historyService, authService, socketHandler)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":5000"
	}
	logger.Info("server listening", "addr", addr, "provider", provider)
	if err := router.Run(addr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

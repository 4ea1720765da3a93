package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/api/handlers"
	"github.com/audit-agent/backend/internal/cache/redis"
	"github.com/audit-agent/backend/internal/category"
	"github.com/audit-agent/backend/internal/engine"
	"github.com/audit-agent/backend/internal/ingestion"
	"github.com/audit-agent/backend/internal/intent"
	"github.com/audit-agent/backend/internal/llm"
	"github.com/audit-agent/backend/internal/metrics"
	"github.com/audit-agent/backend/internal/middleware/ratelimit"
	"github.com/audit-agent/backend/internal/middleware/security"
	"github.com/audit-agent/backend/internal/middleware/validation"
	"github.com/audit-agent/backend/internal/query"
	"github.com/audit-agent/backend/internal/storage/sqlite"
	"github.com/audit-agent/backend/pkg/config"
	appLogger "github.com/audit-agent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Audit Query Agent API Server")

	metrics.Init()

	store, err := sqlite.NewClient(cfg.SQLite.Path, cfg.Engine.MembershipLimit)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer store.Close()

	err = store.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var turnCache engine.TurnCache
	var categoryCache category.Cache
	var invalidator handlers.TurnInvalidator
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, caching disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			turnCache = redisClient
			categoryCache = redisClient
			invalidator = redisClient
		}
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.TimeoutSec,
	)

	extractor := intent.NewExtractor(llmClient, nil)
	resolver := category.NewResolver(store, llmClient, categoryCache)
	executor := query.NewExecutor(store, cfg.Engine.ScanCap)
	eng := engine.NewEngine(store, extractor, resolver, executor, turnCache, cfg.Engine.DisplayCap)
	importer := ingestion.NewImporter(store)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))

	rateLimiter := ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()})
	defer rateLimiter.Stop()

	chatHandler := handlers.NewChatHandler(eng, cfg.Engine.HistoryLimit)
	findingsHandler := handlers.NewFindingsHandler(importer, store, invalidator)
	wsHandler := handlers.NewWebSocketHandler(eng)

	api := app.Group("/api/v1")
	api.Use(rateLimiter.Middleware())
	api.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	api.Post("/chat", chatHandler.HandleChat)
	api.Post("/chat/export", chatHandler.HandleExport)
	api.Get("/chat/history", chatHandler.GetHistory)

	api.Post("/findings/import", findingsHandler.ImportFindings)
	api.Get("/findings/stats", findingsHandler.GetStats)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/ready", func(c *fiber.Ctx) error {
		if err := store.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/stemsplit/api/internal/admission"
	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/handler"
	"github.com/stemsplit/api/internal/middleware"
	"github.com/stemsplit/api/internal/mixcache"
	"github.com/stemsplit/api/internal/registry"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/internal/stage"
	"github.com/stemsplit/api/internal/storage"
	ws "github.com/stemsplit/api/internal/websocket"
	"github.com/stemsplit/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Local storage
	store, err := storage.NewLocal(cfg.Storage.UploadsDir(), cfg.Storage.ResultsDir())
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// External engines
	downloader := client.NewYtDlpClient(cfg.Engines.YtDlpPath)
	transcoder := client.NewFFmpegClient(cfg.Engines.FFmpegPath, cfg.Engines.FFprobePath)
	separator := client.NewSeparatorClient(&cfg.Separator)

	var objects client.StorageClient
	if cfg.R2.Enabled() {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 not available, artifacts stay local: %v", err)
		} else {
			objects = r2Client
		}
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Core
	jobs := registry.New(cfg.Jobs.TTL())
	jobs.Subscribe(hub.Observe)
	slots := admission.New(cfg.Jobs.MaxConcurrent)

	// Initialize services
	jobService := service.NewJobService(jobs, slots, store, service.Pipeline{
		Acquirer:  stage.NewAcquirer(downloader, transcoder, cfg.Jobs.MaxDurationSeconds),
		Separator: stage.NewSeparator(separator, transcoder),
		Merger:    stage.NewMerger(transcoder),
	}, cfg.Jobs.StageTimeoutDuration())
	if objects != nil {
		jobService.WithPublishing(asynqClient)
	}
	mixService := service.NewMixService(jobs, mixcache.New(), store, stage.NewMixer(transcoder))

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService, validate, cfg.Jobs.MaxUploadMB)
	mixHandler := handler.NewMixHandler(mixService, validate)
	healthHandler := handler.NewHealthHandler(store, slots, redisClient, separator, map[string]string{
		"ytdlp":   cfg.Engines.YtDlpPath,
		"ffmpeg":  cfg.Engines.FFmpegPath,
		"ffprobe": cfg.Engines.FFprobePath,
	})

	// Initialize middleware
	rateLimiter := middleware.NewRateLimiter(redisClient, cfg.RateLimit.Enabled)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    cfg.Server.BodyLimitMB * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,HEAD,POST,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Range",
		ExposeHeaders: "Content-Range,Content-Length,Accept-Ranges,Retry-After",
	}))

	// Health check
	app.Get("/health", healthHandler.Check)

	// API routes
	handler.Register(app.Group("/api/v1"), handler.Routes{
		Jobs:        jobHandler,
		Mixes:       mixHandler,
		Limiter:     rateLimiter,
		JobsPerHour: cfg.RateLimit.JobsPerHour,
		MixPerHour:  cfg.RateLimit.MixPerHour,
	})

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		job, err := jobs.Get(jobID)
		if err != nil {
			c.WriteJSON(fiber.Map{"type": "error", "jobId": jobID, "error": fiber.Map{"code": "NOT_FOUND", "message": "Job not found"}})
			c.Close()
			return
		}
		initial, _ := ws.Message(job)
		hub.HandleConnection(c, jobID, initial)
	}))

	// Start Asynq worker server and scheduler
	workerServer := worker.NewServer(redisOpt, cfg.Server.LogLevel)
	mux := worker.NewServeMux(
		worker.NewCleanupWorker(jobService, mixService, objects),
		worker.NewPublishWorker(jobService, objects),
	)
	if err := workerServer.Start(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}

	scheduler, err := worker.NewScheduler(redisOpt, cfg.Jobs.CleanupCron, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to schedule cleanup: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Printf("Asynq scheduler error: %v", err)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		scheduler.Shutdown()
		workerServer.Shutdown()
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s (max %d concurrent jobs)", addr, slots.Capacity())
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}

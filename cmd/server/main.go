package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/auth"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/client"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/config"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/engine"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/handler"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/middleware"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/service"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/store"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/worker"
)

// @title          Source Library Jobs API
// @version        1.0
// @description    Batch job orchestration for scanned-page AI pipelines.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load .env for local development; production uses real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize external clients
	visionClient := client.NewVisionClient(&cfg.Vision)
	batchClient := client.NewBatchClient(&cfg.Batch)
	imagingClient := client.NewImagingClient(&cfg.Imaging)

	// Initialize R2 client (page scans and derived crops live there)
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		var err error
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		}
	} else {
		log.Println("Warning: R2 storage not configured; pipelines that read page scans will fail")
	}
	var storage client.StorageClient
	if r2Client != nil {
		storage = r2Client
	}

	// Initialize OIDC JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize stores
	jobStore := store.NewRedisJobStore(redisClient)
	pageStore := store.NewRedisPageStore(redisClient)

	// Initialize the orchestration engine
	dispatcher := engine.NewAsynqDispatcher(asynqClient)
	engineCfg := engine.Config{
		ChunkSizeSequential: cfg.Engine.ChunkSizeSequential,
		ChunkSizeParallel:   cfg.Engine.ChunkSizeParallel,
		Concurrency:         cfg.Engine.Concurrency,
		PrepareGroupSize:    cfg.Engine.PrepareGroupSize,
		ProviderBatchLimit:  cfg.Engine.ProviderBatchLimit,
		BatchPollDelay:      time.Duration(cfg.Engine.BatchPollDelay) * time.Second,
	}

	processors := map[model.JobType]engine.Processor{
		model.JobTypeRecognition:    engine.NewRecognitionProcessor(pageStore, visionClient, storage),
		model.JobTypeTranslation:    engine.NewTranslationProcessor(pageStore, visionClient),
		model.JobTypeCropGeneration: engine.NewCropProcessor(pageStore, imagingClient, storage),
		model.JobTypeSplitDetection: engine.NewSplitProcessor(pageStore, imagingClient, storage),
	}

	batchPipeline := engine.NewBatchPipeline(jobStore, jobStore, pageStore, batchClient, storage, dispatcher, engineCfg)
	eng := engine.New(jobStore, pageStore, dispatcher, processors, batchPipeline, engineCfg)

	stalenessThreshold := time.Duration(cfg.Engine.StalenessThreshold) * time.Minute
	monitor := engine.NewMonitor(jobStore, dispatcher, stalenessThreshold)

	// Initialize services
	jobService := service.NewJobService(jobStore, jobStore, dispatcher, monitor, stalenessThreshold)
	workflowService := service.NewWorkflowService(engine.NewWorkflowManager(jobStore, pageStore))

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService, validate)
	workflowHandler := handler.NewWorkflowHandler(workflowService, validate)

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		// Direct mode: auth is handled by the backend itself
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"vision":  visionClient.IsConfigured(),
				"batch":   batchClient.IsConfigured(),
				"imaging": imagingClient.IsConfigured(),
				"r2":      r2Client != nil,
				"auth":    jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	// Job routes; static paths before the :jobId wildcard
	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.JobsLimit(cfg.RateLimit.JobsPerHour), jobHandler.Create)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/stats/batch", jobHandler.BatchSummary)
	jobs.Get("/stale", jobHandler.Stale)
	jobs.Post("/stale/resume", jobHandler.ResumeStale)
	jobs.Get("/:jobId", jobHandler.Get)
	jobs.Delete("/:jobId", jobHandler.Delete)
	jobs.Post("/:jobId/advance", jobHandler.Advance)
	jobs.Post("/:jobId/pause", jobHandler.Pause)
	jobs.Post("/:jobId/resume", jobHandler.Resume)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)
	jobs.Post("/:jobId/retry", jobHandler.Retry)

	// Workflow checkpoint routes
	jobs.Get("/:jobId/workflow", workflowHandler.Get)
	jobs.Put("/:jobId/workflow", workflowHandler.Save)
	jobs.Get("/:jobId/workflow/remaining", workflowHandler.Remaining)
	workflowLimit := rateLimiter.WorkflowLimit(cfg.RateLimit.WorkflowPerMin)
	jobs.Post("/:jobId/workflow/chunk", workflowLimit, workflowHandler.RecordChunk)
	jobs.Post("/:jobId/workflow/advance", workflowLimit, workflowHandler.Advance)
	jobs.Post("/:jobId/workflow/retry-failed", workflowLimit, workflowHandler.RetryFailed)

	// Start Asynq worker server
	go startWorkerServer(cfg, eng)

	// Start the staleness sweeper
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go monitor.Run(sweepCtx, time.Duration(cfg.Engine.SweepInterval)*time.Minute)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		stopSweeper()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, eng *engine.Engine) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				engine.QueueJobs: 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	chunkWorker := worker.NewChunkWorker(eng, time.Duration(cfg.Engine.InvocationBudget)*time.Second)

	mux := asynq.NewServeMux()
	mux.HandleFunc(engine.TaskTypeChunk, chunkWorker.ProcessTask)
	mux.HandleFunc(engine.TaskTypeBatchTick, chunkWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
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

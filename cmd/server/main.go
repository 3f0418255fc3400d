package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oscesim/internal/config"
	"oscesim/internal/database"
	"oscesim/internal/handlers"
	"oscesim/internal/jobs"
	"oscesim/internal/logging"
	"oscesim/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting OSCE Simulation Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s)", cfg.Port)

	// MongoDB is optional: without it sessions live in memory only and cases
	// come from the JSON library directory.
	var mongoDB *database.MongoDB
	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		db, err := database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Printf("⚠️ Failed to connect to MongoDB: %v (running without durable store)", err)
		} else {
			mongoDB = db
			defer mongoDB.Close(context.Background())
			if err := mongoDB.Initialize(context.Background()); err != nil {
				log.Printf("⚠️ Failed to ensure indexes: %v", err)
			}
			log.Println("✅ MongoDB connected successfully")
		}
	} else {
		log.Println("⚠️ MONGODB_URI not set - session persistence disabled")
	}

	// Metrics
	services.InitMetrics()

	// Case layer
	caseCache := services.NewCaseCache(cfg.CaseCacheTTL)
	caseService := services.NewCaseService(mongoDB, caseCache, cfg.CaseLibraryDir)
	defer caseService.Close()
	if err := caseService.WatchLibrary(); err != nil {
		log.Printf("⚠️ Case library watch disabled: %v", err)
	}

	// Session layer
	var sessionRepo services.SessionRepository
	if mongoDB != nil {
		sessionRepo = services.NewMongoSessionRepository(mongoDB)
	}
	sessionStore := services.NewSessionStore(sessionRepo, cfg.SessionCacheTTL)

	// Stage gate, with optional YAML policy overrides
	gatePolicy := services.DefaultGatePolicy()
	if cfg.GatePolicyFile != "" {
		loaded, err := services.LoadGatePolicy(cfg.GatePolicyFile)
		if err != nil {
			log.Fatalf("❌ Failed to load gate policy: %v", err)
		}
		gatePolicy = loaded
		log.Printf("✅ Gate policy loaded from %s", cfg.GatePolicyFile)
	}
	stageGate := services.NewStageGate(gatePolicy, sessionStore)

	// Generative responder
	if cfg.ResponderBaseURL == "" {
		log.Fatal("❌ RESPONDER_BASE_URL environment variable is required")
	}
	responder := services.NewOpenAIResponder(cfg.ResponderBaseURL, cfg.ResponderAPIKey, cfg.ResponderModel)

	encounterService := services.NewEncounterService(caseService, sessionStore, stageGate, responder, cfg.PassMarkPercent)

	// Background jobs
	jobScheduler := jobs.NewJobScheduler()
	jobScheduler.Register("cache-eviction", jobs.NewCacheEvictionJob(caseCache, sessionStore, cfg.CacheEvictionInterval))
	jobScheduler.Register("session-flush", jobs.NewSessionFlushJob(sessionStore, cfg.SessionFlushInterval))
	jobScheduler.Start()

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "OSCE Simulation Server v1.0",
		ReadTimeout:  300 * time.Second, // responder turns can be slow on local models
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  300 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("oscesim")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-User-ID",
		AllowCredentials: allowedOrigins != "*",
	}))

	app.Use("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
	}))

	// Handlers and routes
	healthHandler := handlers.NewHealthHandler(mongoDB, sessionStore, caseCache)
	encounterHandler := handlers.NewEncounterHandler(encounterService)

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api")
	api.Post("/encounters", encounterHandler.Start)
	api.Get("/encounters/:id", encounterHandler.Get)
	api.Post("/encounters/:id/utterances", encounterHandler.Utterance)
	api.Post("/encounters/:id/actions", encounterHandler.Action)
	api.Post("/encounters/:id/stage", encounterHandler.Stage)
	api.Post("/encounters/:id/complete", encounterHandler.Complete)

	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("🩺 Encounter API: http://localhost:%s/api/encounters", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop background jobs before the final flush so no sweep races it
		jobScheduler.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		flushed, failed := sessionStore.FlushDirty(ctx)
		log.Printf("💾 Final session flush: %d flushed, %d failed", flushed, failed)

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/verigate/backend/internal/captcha"
	"github.com/verigate/backend/internal/config"
	"github.com/verigate/backend/internal/database"
	"github.com/verigate/backend/internal/handlers"
	"github.com/verigate/backend/internal/metrics"
	"github.com/verigate/backend/internal/middleware"
	"github.com/verigate/backend/internal/push"
	"github.com/verigate/backend/internal/rate"
	"github.com/verigate/backend/internal/registration"
	"github.com/verigate/backend/internal/services"
	"github.com/verigate/backend/internal/storage"
	"github.com/verigate/backend/pkg/logger"
	"github.com/verigate/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureServiceToken(cfg.ServiceToken.Secret, cfg.ServiceToken.TTL)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	telemetry, err := metrics.NewProvider(context.Background(), cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		log.Fatalf("telemetry initialization failed: %v", err)
	}
	telemetry.SetGlobal()

	recorder, err := metrics.NewRecorder(otel.Meter("verigate/verification"))
	if err != nil {
		log.Fatalf("metrics initialization failed: %v", err)
	}

	var uploader services.Uploader
	if cfg.Audit.ExportEnabled {
		storageClient, err := storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := storageClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
		uploader = storageClient
	}

	auditService := services.NewAuditService(db, uploader, cfg.Audit.QueueSize)
	if cfg.Audit.ExportEnabled {
		auditService.StartExporter(cfg.Audit.ExportInterval)
	}

	sessionHandler := handlers.NewSessionHandler(handlers.SessionDeps{
		Authority: registration.NewClient(cfg.Registration.URL, cfg.Registration.Timeout),
		Store:     services.NewSessionStore(db, cfg.Store.Timeout),
		Recovery:  services.NewRecoveryService(db, cfg.Store.Timeout),
		Audit:     auditService,
		Push: push.NewGatewaySender(push.Config{
			GatewayURL:   cfg.Push.GatewayURL,
			Timeout:      cfg.Push.Timeout,
			ClientID:     cfg.Push.ClientID,
			ClientSecret: cfg.Push.ClientSecret,
			TokenURL:     cfg.Push.TokenURL,
		}),
		PushLimiter: rate.New(redisClient, "rate:pushchallenge", rate.Rule{
			Attempts: cfg.RateLimit.PushChallenge.Attempts,
			Window:   cfg.RateLimit.PushChallenge.Window,
		}),
		Captcha: captcha.NewHTTPAssessor(captcha.Config{
			URL:     cfg.Captcha.URL,
			Timeout: cfg.Captcha.Timeout,
		}),
		CaptchaLimiter: rate.New(redisClient, "rate:captcha", rate.Rule{
			Attempts: cfg.RateLimit.Captcha.Attempts,
			Window:   cfg.RateLimit.Captcha.Window,
		}),
		CaptchaConfig: cfg.Captcha,
		Metrics:       recorder,
	})
	metaHandler := handlers.NewMetaHandler(db)

	app := fiber.New(fiber.Config{BodyLimit: cfg.Server.BodyLimitMB * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", metaHandler.Health)
	app.Get("/version", metaHandler.Version)

	app.Post("/session", sessionHandler.CreateSession)
	app.Get("/session/:id", sessionHandler.GetSession)
	app.Patch("/session/:id", sessionHandler.UpdateSession)
	app.Post("/session/:id/code", sessionHandler.RequestCode)
	app.Put("/session/:id/code", sessionHandler.VerifyCode)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":          cfg.Server.Port,
		"address":       listenAddr,
		"body_limit_mb": cfg.Server.BodyLimitMB,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown failed: %v", err)
		}
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}

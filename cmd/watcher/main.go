package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tkazusa/sagemaker-distributed-training/cmd"
	"github.com/tkazusa/sagemaker-distributed-training/internal/database"
	"github.com/tkazusa/sagemaker-distributed-training/internal/launcher"
	"github.com/tkazusa/sagemaker-distributed-training/internal/messaging"
	"github.com/tkazusa/sagemaker-distributed-training/internal/training"
)

type WatcherConfig struct {
	PlatformURL  string        `env:"PLATFORM_API_URL,notEmpty,required"`
	DatabaseURL  string        `env:"DATABASE_URL" envDefault:"launcher.db"`
	RabbitMQURL  string        `env:"RABBITMQ_URL,notEmpty,required"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	HealthPort   string        `env:"HEALTH_PORT" envDefault:"8002"`
}

// The watcher reconciles the job ledger against the platform on a timer
// and publishes lifecycle events for anything that changed. It is the only
// long-running process in this repository; jobs themselves run remotely.
func main() {
	log.Println("Starting job watcher...")

	cmd.LoadEnvFile()

	var cfg WatcherConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open job ledger: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	platform := training.NewClient(cfg.PlatformURL)
	l := launcher.NewLauncher(db, platform, nil, publisher)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    ":" + cfg.HealthPort,
		Handler: r,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", cfg.HealthPort, err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	log.Printf("Watcher running, syncing every %s. Press Ctrl+C to exit.", cfg.SyncInterval)

	for {
		select {
		case <-ctx.Done():
			log.Println("Shutting down watcher...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Fatalf("Server forced to shutdown: %v", err)
			}
			log.Println("Watcher stopped.")
			os.Exit(0)
		case <-ticker.C:
			if err := l.SyncJobs(ctx); err != nil {
				slog.Error("error syncing jobs", "error", err)
			}
		}
	}
}

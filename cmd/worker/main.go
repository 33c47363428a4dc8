package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/campaign-engine/internal/campaign"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/dispatch"

	_ "github.com/lib/pq"
)

func main() {
	log.Println("Starting Campaign Engine dispatch worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database connection
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	store := campaign.NewStore(db)
	templates := campaign.NewTemplateService()
	transport := dispatch.NewHTTPTransport(cfg.Transport.APIURL, cfg.Transport.APIKey, cfg.Transport.Timeout())

	var limiter dispatch.RateLimiter
	if cfg.Redis.Enabled {
		redisLimiter, err := dispatch.NewRedisRateLimiterFromURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
		log.Println("Redis rate limiter initialized")
	}

	coordinator := dispatch.NewCoordinator(store, transport, templates, limiter, cfg.Dispatch.SendTimeout())

	scheduler := dispatch.NewScheduler(store, coordinator, cfg.Scheduler.Interval())
	scheduler.Start()

	log.Println("Worker running...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	scheduler.Stop()
	log.Println("Worker stopped")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/weblisite/newsletterfy-sub000/internal/api"
	"github.com/weblisite/newsletterfy-sub000/internal/config"
	"github.com/weblisite/newsletterfy-sub000/internal/dispatch"
	"github.com/weblisite/newsletterfy-sub000/internal/pkg/distlock"
	"github.com/weblisite/newsletterfy-sub000/internal/provider"
	"github.com/weblisite/newsletterfy-sub000/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log.Println("Starting Newsletterfy dispatcher...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()
	log.Println("Connected to database")

	// Redis is optional; without it the tick lock falls back to postgres
	// advisory locks.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis unavailable (%v), using postgres advisory locks", err)
			redisClient = nil
		}
		cancel()
	}

	sparkpost := provider.NewSparkPost(provider.SparkPostConfig{
		APIKey:  cfg.Providers.SparkPost.APIKey,
		BaseURL: cfg.Providers.SparkPost.BaseURL,
	})
	ses := provider.NewSES(provider.SESConfig{
		AccessKey: cfg.Providers.SES.AccessKey,
		SecretKey: cfg.Providers.SES.SecretKey,
		Region:    cfg.Providers.SES.Region,
	})

	manager, err := provider.NewManager(st, st, cfg.Providers.FallbackOrder, sparkpost, ses)
	if err != nil {
		log.Fatalf("Failed to create provider manager: %v", err)
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := manager.Initialize(initCtx); err != nil {
		// Providers can be fixed and re-initialized at runtime; keep the
		// dispatcher up so the admin API stays reachable.
		log.Printf("Warning: provider initialization failed: %v", err)
	}
	cancel()

	loop := dispatch.New(st, st, st, manager, dispatch.Config{
		TickInterval:  time.Duration(cfg.Dispatch.TickIntervalSeconds) * time.Second,
		TickTimeout:   time.Duration(cfg.Dispatch.TickTimeoutSeconds) * time.Second,
		BatchSize:     cfg.Dispatch.BatchSize,
		SendingDomain: cfg.Mail.SendingDomain,
	})
	loop.SetTickLock(distlock.New(redisClient, st.DB(), "dispatch-tick",
		time.Duration(cfg.Dispatch.TickIntervalSeconds)*time.Second))

	if err := loop.Start(); err != nil {
		log.Fatalf("Failed to start dispatch loop: %v", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.Router(api.NewHandlers(manager), cfg.Server.AllowedOrigins),
	}
	go func() {
		log.Printf("Admin API listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin API server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	loop.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Admin API shutdown error: %v", err)
	}
	log.Println("Dispatcher stopped")
}

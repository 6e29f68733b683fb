package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tracel/backend/internal/aggregate"
	"github.com/tracel/backend/internal/ai"
	"github.com/tracel/backend/internal/alerts"
	"github.com/tracel/backend/internal/api"
	"github.com/tracel/backend/internal/baseline"
	"github.com/tracel/backend/internal/bcast"
	"github.com/tracel/backend/internal/config"
	"github.com/tracel/backend/internal/events"
	"github.com/tracel/backend/internal/export"
	"github.com/tracel/backend/internal/geo"
	"github.com/tracel/backend/internal/identity"
	"github.com/tracel/backend/internal/infra"
	"github.com/tracel/backend/internal/pipeline"
	"github.com/tracel/backend/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	log.Printf("🚀 Tracel backend starting on port %s", cfg.Server.Port)

	ctx := context.Background()
	bus := events.NewEventBus()

	geoTable := geo.NewTable(cfg.Geo.TablePath)
	log.Printf("🌍 geo table ready (%d prefixes)", geoTable.Size())

	scorer := ai.NewClient(ai.Config{
		URL:              cfg.AI.URL,
		Timeout:          cfg.AI.Timeout(),
		BreakerThreshold: cfg.AI.BreakerThreshold,
	})
	if cfg.AI.URL == "" {
		log.Println("⚠️ AI_URL not set, all traffic will flow unscored")
	}

	store, err := storage.Open(ctx, cfg.Storage, cfg.Contact.MemoryCapacity)
	if err != nil {
		log.Fatalf("❌ storage: %v", err)
	}

	// Aggregates run uncached unless Redis is configured and reachable.
	var cache aggregate.Cache
	var redisCache *infra.RedisCache
	if cfg.Redis.URL != "" {
		rc, err := infra.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			log.Printf("⚠️ redis cache unavailable, aggregates run uncached: %v", err)
		} else {
			cache = rc
			redisCache = rc
		}
	}
	aggregates := aggregate.NewService(store, cache)

	mgr := pipeline.NewManager(pipeline.Config{
		IdleTimeout: cfg.Pipeline.OwnerIdleTimeout(),
	}, pipeline.Deps{
		Geo:    geoTable,
		Scorer: scorer,
		Baselines: baseline.NewEngine(baseline.Config{
			Window:    cfg.Baseline.Window,
			WarmupMin: cfg.Baseline.WarmupMin,
			K:         cfg.Baseline.K,
		}),
		Store: store,
		Bus:   bus,
	})

	// The hub drives pipeline lifecycle through its presence hooks, and the
	// manager broadcasts through the hub; bind after both exist.
	hub := bcast.NewHub(cfg.Broadcast.SubBackpressureLimit, mgr)
	mgr.BindBroadcaster(hub)

	resolver := identity.NewResolver(cfg.Identity)

	socket := bcast.NewSocketServer(hub, resolver, mgr)
	socket.Start()
	feed := bcast.NewFeedServer(hub, resolver, cfg.Server.AllowedOrigins)

	var notifier *alerts.Notifier
	if cfg.Alerts.WebhookURL != "" {
		notifier = alerts.NewNotifier(alerts.Config{
			WebhookURL:    cfg.Alerts.WebhookURL,
			WebhookSecret: cfg.Alerts.WebhookSecret,
		}, bus)
	}

	var exporter *export.Exporter
	if cfg.Export.Project != "" && cfg.Export.Topic != "" {
		exporter, err = export.NewExporter(ctx, cfg.Export.Project, cfg.Export.Topic, bus)
		if err != nil {
			log.Fatalf("❌ threat export: %v", err)
		}
		log.Printf("📤 threat export to %s", exporter.TopicPath())
	}

	apiServer := api.NewServer(api.Config{
		AllowedOrigins:         cfg.Server.AllowedOrigins,
		RateLimitPerMin:        cfg.Server.RateLimitPerMin,
		RateLimitEnabled:       cfg.Server.RateLimitEnabled,
		ContactRateLimitPerMin: cfg.Contact.RateLimitPerMin,
	}, api.Deps{
		Resolver:   resolver,
		Store:      store,
		Aggregates: aggregates,
		AI:         scorer,
		Sessions:   mgr,
		Bus:        bus,
		Socket:     socket.Handler(),
		Feed:       feed.Handle,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      apiServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown (Cloud Run sends SIGTERM).
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace())
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ server shutdown: %v", err)
		}
	}()

	log.Printf("📊 health check: http://localhost:%s/health", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("❌ server failed: %v", err)
	}

	// Drain order: stop producing before flushing consumers, storage last.
	if err := socket.Close(); err != nil {
		log.Printf("⚠️ socket close: %v", err)
	}
	hub.Close()
	mgr.Close()
	if notifier != nil {
		notifier.Shutdown()
	}
	if exporter != nil {
		exporter.Close()
	}
	store.Close()
	if redisCache != nil {
		redisCache.Close()
	}

	log.Println("Server stopped")
}

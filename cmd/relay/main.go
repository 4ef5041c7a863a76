package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"livesync/internal/api"
	"livesync/internal/config"
	"livesync/internal/db"
	"livesync/internal/discovery"
	"livesync/internal/relay"
	"livesync/internal/repository"
	"livesync/internal/telemetry"
	"livesync/internal/transport/cable"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function wires the relay together:
1. Tracing first, so everything after it is traced
2. Persistence (postgres, or in-memory when no database is reachable)
3. The hub loop, the HTTP router and the websocket endpoint
4. Optional mDNS advertisement for clients on the LAN
5. Shutdown in reverse order on SIGINT/SIGTERM
*/

// store is everything the relay binary needs from persistence. Both the
// gorm repositories and the in-memory store satisfy it.
type store interface {
	relay.Store
	api.DocumentStore
	api.HistoryStore
}

func main() {
	log.Printf("🚀 Starting livesync relay %s...", telemetry.Version)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("livesync-relay", cfg.JaegerEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = telemetry.Noop
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize persistence
	var st store
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Printf("⚠️  %v (continuing with in-memory storage)", err)
		st = relay.NewMemoryStore()
	} else {
		defer database.Close()
		st = repository.NewStore(database.DB)
	}

	// Start the hub
	// Learning: The hub loop owns room membership; connections talk to it over channels
	hub := relay.NewHub(st, relay.Options{Secret: []byte(cfg.JWTSecret)})
	hub.Start()
	if cfg.JWTSecret == "" {
		log.Println("⚠️  JWT_SECRET not set, subscriptions are not authenticated")
	}

	// Initialize handlers with dependency injection
	handler := api.NewHandler(hub, st, st, relay.NewHandler(hub))
	router := api.SetupRoutes(handler)

	// Configure HTTP server
	// Learning: no WriteTimeout, it would cut off long-lived websocket connections
	addr := cfg.RelayAddr()
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Advertise over mDNS so `livesync watch --discover` can find us
	if cfg.Advertise {
		port, _ := strconv.Atoi(cfg.ServerPort)
		ad, err := discovery.Advertise(port, cable.Path)
		if err != nil {
			log.Printf("⚠️  Failed to advertise relay: %v", err)
		} else {
			defer ad.Shutdown()
		}
	}

	// Start HTTP server in a goroutine
	go func() {
		log.Printf("🌐 Relay listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    %s                        - Cable websocket", cable.Path)
		log.Printf("   GET    /api/health                   - Relay stats")
		log.Printf("   POST   /api/documents                - Create document")
		log.Printf("   GET    /api/documents                - List documents")
		log.Printf("   GET    /api/documents/:id            - Document sync state")
		log.Printf("   GET    /api/documents/:id/operations - Operation log (?since=)")
		log.Printf("   GET    /api/documents/:id/versions   - Named versions")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down relay...")

	// Close websockets first; server.Shutdown does not wait for hijacked connections
	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	log.Println("✓ Relay shutdown complete")
}

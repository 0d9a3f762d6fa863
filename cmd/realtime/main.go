package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"atelier/realtime/internal/app"
	"atelier/realtime/internal/config"
	"atelier/realtime/internal/notify"
	"atelier/realtime/internal/presence"
	"atelier/realtime/internal/store"
	docsync "atelier/realtime/internal/sync"
	"atelier/realtime/internal/util"
	"atelier/realtime/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var presenceStore *presence.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		nodeID := util.NewID("node")
		presenceStore, err = presence.NewStore(cfg.RedisURL, nodeID, cfg.AwarenessTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer presenceStore.Close()
		log.Printf("Presence registry on Redis, node %s", nodeID)
	} else {
		log.Printf("Presence registry disabled (REDIS_URL empty)")
	}

	hub := ws.NewHub(ws.Conf{
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.DeliveryTimeout,
	})
	registry := docsync.NewRegistry(docsync.Conf{
		AwarenessTTL: cfg.AwarenessTTL,
		SweepEvery:   cfg.SweepEvery,
	})
	defer registry.Close()

	// A lost transport binding cascades: the connection leaves its document
	// sessions, and the user goes offline once their last binding is gone.
	hub.OnRemove(func(connID, userID string) {
		registry.Leave(connID)
		if presenceStore != nil && !hub.UserOnline(userID) {
			offCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := presenceStore.Offline(offCtx, userID); err != nil {
				log.Printf("presence offline failed for %s: %v", userID, err)
			}
		}
	})

	notifications := notify.NewService(dataStore, hub)

	var consumer *notify.Consumer
	if strings.TrimSpace(cfg.NATSURL) != "" {
		consumer, err = notify.StartConsumer(cfg.NATSURL, cfg.EventSubject, cfg.EventQueue, notifications)
		if err != nil {
			log.Fatalf("nats connection failed: %v", err)
		}
		defer consumer.Close()
	} else {
		log.Printf("NATS consumer disabled (NATS_URL empty); events arrive over HTTP only")
	}

	service := app.NewService([]byte(cfg.JWTSecret), cfg.EventToken, db, presenceStore, notifications, registry, hub)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Atelier realtime listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Closing the hub drains every websocket with a close frame; session and
	// presence cleanup rides the OnRemove cascade during Shutdown already,
	// this catches whatever is left.
	hub.Close()
}

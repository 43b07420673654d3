package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/livecodehub/backend/internal/api"
	"github.com/livecodehub/backend/internal/auth"
	"github.com/livecodehub/backend/internal/coalesce"
	"github.com/livecodehub/backend/internal/config"
	"github.com/livecodehub/backend/internal/db"
	"github.com/livecodehub/backend/internal/events"
	"github.com/livecodehub/backend/internal/metrics"
	"github.com/livecodehub/backend/internal/presence"
	"github.com/livecodehub/backend/internal/session"
	"github.com/livecodehub/backend/internal/ws"
)

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	// Redis backs the token revocation list. Optional: without it tokens
	// are honored until expiry.
	var redisClient *redis.Client
	if cfg.Auth.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Auth.Redis.Address,
			Password: cfg.Auth.Redis.Password,
			DB:       cfg.Auth.Redis.DB,
			PoolSize: cfg.Auth.Redis.PoolSize,
		})
		ping := func() error {
			return redisClient.Ping(context.Background()).Err()
		}
		if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Printf("Connected to Redis at %s", cfg.Auth.Redis.Address)
	}

	var verifier auth.Verifier
	if cfg.Auth.Enabled {
		verifier = auth.NewJWTVerifier(cfg.Auth.JWTSecret, redisClient)
		log.Println("JWT authentication is ENABLED")
	} else {
		log.Println("JWT authentication is DISABLED")
	}

	hub := ws.NewHub()

	coalescer := coalesce.New(database, coalesce.Config{
		Window: cfg.Session.DebounceWindow(),
	})
	coalescer.OnSaved(func(roomID, savedBy string, at time.Time) {
		hub.Publish(roomID, events.CodeSaved, events.CodeSavedPayload{
			Timestamp: at.UTC(),
			SavedBy:   savedBy,
		}, "")
	})
	coalescer.OnError(func(roomID, message string) {
		hub.Publish(roomID, events.Error, events.ErrorPayload{
			Message: message,
			RoomID:  roomID,
		}, "")
	})
	defer coalescer.Close()

	presenceStore := presence.NewStore()

	sweeper := presence.NewSweeper(presenceStore, presence.SweeperConfig{
		Interval: cfg.Session.SweepInterval(),
		MaxAge:   cfg.Session.CursorTTL(),
	}, func(roomID, userID string) {
		metrics.CursorsEvicted.Inc()
		hub.Publish(roomID, events.CursorRemoved, events.CursorRemovedPayload{
			UserID: userID,
		}, "")
	})
	sweeper.Start()
	defer sweeper.Stop()

	sessions := session.NewManager(database, hub, coalescer, presenceStore, session.Config{
		MaxDocumentSize: cfg.Session.MaxDocumentSize,
		CursorTTL:       cfg.Session.CursorTTL(),
	})
	go sessions.Run()
	defer sessions.Stop()

	gateway := ws.NewGateway(hub, sessions, verifier, ws.GatewayConfig{
		AuthEnabled:       cfg.Auth.Enabled,
		SendBufferSize:    cfg.Session.SendBufferSize,
		MessagesPerSecond: cfg.Session.MessagesPerSecond,
		MessageBurst:      cfg.Session.MessageBurst,
	})

	apiHandler := api.New(hub, database, presenceStore)

	router := mux.NewRouter()
	router.HandleFunc("/ws", gateway.ServeWS)
	apiHandler.Routes(router)

	if cfg.Metrics.Enabled {
		metrics.Serve(fmt.Sprintf(":%d", cfg.Metrics.Port))
	}

	handler := corsMiddleware(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Printf("🚀 LiveCodeHub server starting on :%d", cfg.Server.Port)
	log.Printf("📁 Database: %s", cfg.Database.Path)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws?token={jwt}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Rooms:     GET/POST /api/rooms")
	log.Println("  - Room:      GET/DELETE /api/rooms/{id}")
	log.Println("  - Join:      POST /api/rooms/{id}/join")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

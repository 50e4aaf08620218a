// chatserver is the venue chat backend: WebSocket sessions, the REST chat
// surface, and the NATS event feed, over one Postgres or SQLite database.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/auth"
	"github.com/venueops/chatcore/internal/httpapi"
	"github.com/venueops/chatcore/internal/messaging"
	"github.com/venueops/chatcore/internal/presence"
	"github.com/venueops/chatcore/internal/ratelimit"
	"github.com/venueops/chatcore/internal/router"
	"github.com/venueops/chatcore/internal/session"
	"github.com/venueops/chatcore/internal/store"
	"github.com/venueops/chatcore/internal/unread"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "chatserver").Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	listenAddr := envString("LISTEN_ADDR", ":8080")
	dbDriver := envString("DB_DRIVER", store.DriverSQLite)
	dbURL := envString("DATABASE_URL", "chat.db")
	authSecret := os.Getenv("AUTH_SECRET")
	if authSecret == "" {
		log.Fatal().Msg("AUTH_SECRET is required")
	}

	sessionCfg := session.DefaultConfig()
	if n := envInt("MAX_SESSIONS", 0); n > 0 {
		sessionCfg.MaxSessions = n
	}
	if d := envDuration("WRITE_TIMEOUT", 0); d > 0 {
		sessionCfg.WriteTimeout = d
	}

	heartbeatCfg := session.DefaultHeartbeatConfig()
	if d := envDuration("HEARTBEAT_INTERVAL", 0); d > 0 {
		heartbeatCfg.Interval = d
	}

	routerCfg := router.DefaultConfig()
	if d := envDuration("TYPING_TTL", 0); d > 0 {
		routerCfg.TypingTTL = d
	}

	presenceGrace := envDuration("PRESENCE_GRACE", presence.DefaultGrace)

	// --- Store ---
	st, err := store.Open(dbDriver, dbURL)
	if err != nil {
		log.Fatal().Err(err).Str("driver", dbDriver).Msg("failed to open store")
	}
	defer st.Close()
	tracker := unread.NewTracker(st.DB())

	// --- Rate limiting: Redis when configured, in-process otherwise ---
	var limiter ratelimit.Allower
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", addr).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb, log)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, using in-process rate limiting")
		limiter = ratelimit.NewLocalLimiter()
	}

	// --- NATS feed (optional) ---
	var feed *messaging.Feed
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsCfg := messaging.DefaultConfig()
		natsCfg.URL = natsURL
		feed, err = messaging.Connect(natsCfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer feed.Close()
	} else {
		log.Warn().Msg("NATS_URL not set, event feed disabled")
	}

	// --- Core wiring ---
	verifier := auth.NewTokenVerifier(authSecret)
	registry := presence.NewRegistry(presenceGrace, log)
	registry.SetTransitionHook(feed.PublishPresence)
	manager := session.NewManager(sessionCfg, registry, log)

	rt := router.New(routerCfg, st, manager, limiter, auth.AllowAll{}, feed, log)
	manager.SetFrameHandler(func(s *session.Session, data []byte) {
		rt.HandleFrame(s.User, s.ID, data)
	})
	manager.SetDisconnectHandler(func(s *session.Session) {
		rt.ClearUser(s.User.ID)
	})

	stopHeartbeat := make(chan struct{})
	manager.StartHeartbeat(heartbeatCfg, stopHeartbeat)

	api := httpapi.NewServer(st, tracker, registry, manager, verifier, limiter, log)
	srv := &http.Server{
		Addr:    listenAddr,
		Handler: api.Router(),
	}

	log.Info().
		Str("listen_addr", listenAddr).
		Str("db_driver", dbDriver).
		Int("max_sessions", sessionCfg.MaxSessions).
		Dur("heartbeat_interval", heartbeatCfg.Interval).
		Dur("presence_grace", presenceGrace).
		Msg("chatserver starting")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	close(stopHeartbeat)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	manager.Shutdown()
	log.Info().Msg("chatserver stopped")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/block"
	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/config"
	"github.com/whisper/dmchat/internal/events"
	"github.com/whisper/dmchat/internal/fanout"
	"github.com/whisper/dmchat/internal/httpapi"
	"github.com/whisper/dmchat/internal/messaging"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/ratelimit"
	"github.com/whisper/dmchat/internal/realtime"
	"github.com/whisper/dmchat/internal/session"
	"github.com/whisper/dmchat/internal/store"
	"github.com/whisper/dmchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	checks := map[string]httpapi.HealthCheck{}

	// --- PostgreSQL ---
	var (
		chats    chat.ChatStore
		messages chat.MessageStore
		db       *sql.DB
	)
	if cfg.DB.URL != "" {
		db, err = store.Open(ctx, cfg.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		if cfg.RunMigrations {
			logger.Info().Msg("running database migrations...")
			if err := store.Migrate(db); err != nil {
				logger.Fatal().Err(err).Msg("migration failed")
			}
			logger.Info().Msg("migrations completed")
		}
		chats, messages = store.NewChats(db), store.NewMessages(db)
		checks["postgres"] = db.PingContext
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		mem := store.NewMemory()
		chats, messages = mem, mem
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
	}

	// --- Redis ---
	var (
		blocks   chat.BlockChecker = block.AllowAll{}
		throttle chat.Throttle
		sessions *session.Store
		limiter  *ratelimit.Limiter
	)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := pingRedis(ctx, rdb); err != nil {
		if !cfg.IsDevelopment() {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connection failed")
		}
		logger.Warn().Err(err).Msg("redis unavailable: block policy, rate limits and sessions disabled")
		_ = rdb.Close()
		rdb = nil
	} else {
		blocks = block.NewStore(rdb)
		limiter = ratelimit.NewLimiter(rdb, cfg.MessageRate, logger)
		throttle = limiter
		sessions = session.NewStore(rdb, cfg.ServerName)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	}

	// --- NATS ---
	var (
		bus        fanout.Bus
		natsClient *messaging.NATSClient
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		bus = natsClient
		checks["nats"] = natsClient.Ping
	}
	hub := fanout.NewHub(bus, logger)
	if natsClient != nil {
		if err := natsClient.SubscribeRooms(hub.Deliver); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe failed")
		}
	}

	// --- Kafka ---
	var (
		sink     chat.EventSink
		producer *events.Producer
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer = events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		sink = producer
	}

	svc := chat.NewService(chat.Deps{
		Chats:     chats,
		Messages:  messages,
		Blocks:    blocks,
		Publisher: hub,
		Throttle:  throttle,
		Events:    sink,
		Observer:  metrics.Observer{},
		Logger:    logger,
	})

	// --- Socket transport ---
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	dispatcher := ws.NewDispatcher(dispatchCtx, logger)

	var (
		sessionStore ws.SessionStore
		rooms        realtime.RoomRecorder
	)
	if sessions != nil {
		sessionStore, rooms = sessions, sessions
	}
	handlers := realtime.New(svc, hub, rooms, logger)
	handlers.Register(dispatcher)

	socket := ws.NewServer(cfg.WS, sessionStore, dispatcher.Dispatch, logger)
	socket.SetOnConnect(handlers.OnConnect)
	socket.SetOnDisconnect(handlers.OnDisconnect)
	if limiter != nil {
		socket.SetConnectLimiter(limiter)
	}
	socket.Start()

	deps := httpapi.Deps{
		Service:        svc,
		Socket:         socket,
		Checks:         checks,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}
	if sessions != nil {
		deps.Presence = sessions
	}
	router := httpapi.NewRouter(deps)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("env", cfg.Env).
			Str("server", cfg.ServerName).
			Bool("postgres", db != nil).
			Bool("redis", rdb != nil).
			Bool("nats", natsClient != nil).
			Bool("kafka", producer != nil).
			Msg("starting chat server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	stopDispatch()
	if err := socket.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("socket shutdown")
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error().Err(err).Msg("kafka producer close")
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("server", cfg.ServerName).Logger()
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

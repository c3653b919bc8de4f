package main

import (
	"context"
	"errors"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Tyrowin/roomchat/internal/notify"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/ratelimit"
	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/internal/store/jsonfile"
	storesqlite "github.com/Tyrowin/roomchat/internal/store/sqlite"
)

const startupTimeout = 10 * time.Second

func main() {
	cfg := server.NewConfigFromEnv()
	setupLogging(cfg)

	log.Info().Str("version", cfg.AppVersion).Msg("Starting room chat server")

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	db, sqliteBackend := openDatabase(ctx, cfg)

	files, err := jsonfile.New(cfg.MessagesDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.MessagesDir).Msg("Failed to prepare message directory")
	}
	backends := []store.Backend{}
	if sqliteBackend != nil {
		backends = append(backends, sqliteBackend)
	}
	backends = append(backends, files)
	messages := store.NewChain(cfg.StoreRetryInterval, backends...)

	roomsFile := room.NewFile(cfg.RoomsFile)
	seed, err := roomsFile.Load()
	if err != nil {
		log.Fatal().Err(err).Str("path", roomsFile.Path()).Msg("Failed to load rooms")
	}
	limiter, redisClient := attemptLimiter(ctx, cfg)
	rooms := room.NewRegistry(seed, roomsFile, limiter)
	log.Info().Int("rooms", len(rooms.List())).Str("path", roomsFile.Path()).Msg("Rooms loaded")

	streams := notify.NewStreams(cfg.NotifyHeartbeat)
	var subs *notify.SubscriptionStore
	var pusher *notify.Pusher
	if db != nil {
		subs = notify.NewSubscriptionStore(db)
		if err := subs.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate push subscriptions")
		}
		if cfg.VAPID.Enabled() {
			pusher = notify.NewPusher(subs, notify.NewWebPushSender(cfg.VAPID, nil))
			log.Info().Msg("Web Push enabled")
		}
	}
	dispatcher := notify.NewDispatcher(streams, pusher)

	hub := server.NewHub(server.HubDeps{
		Config:   cfg,
		Rooms:    rooms,
		Store:    messages,
		Presence: presence.NewTracker(),
		Notifier: dispatcher,
	})
	server.StartHub(hub)

	handlers := server.NewHandlers(server.HandlerDeps{
		Config:        cfg,
		Hub:           hub,
		Rooms:         rooms,
		Store:         messages,
		Watermarks:    notify.NewWatermarks(messages),
		Streams:       streams,
		Subscriptions: subs,
		StorageHealth: messages.Health,
	})
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers))

	go func() {
		if err := server.StartServer(httpServer); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return server.ShutdownServer(ctx, httpServer)
			},
			// Closing the streams also lets the HTTP shutdown finish, since
			// open event streams count as active requests.
			"chat": func(context.Context) error {
				errs := []error{hub.Shutdown(cfg.ShutdownTimeout)}
				dispatcher.Close()
				if sqliteBackend != nil {
					errs = append(errs, sqliteBackend.Close())
				}
				if redisClient != nil {
					errs = append(errs, redisClient.Close())
				}
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("Server exited")
	os.Exit(exitCode)
}

func setupLogging(cfg *server.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// openDatabase opens the SQLite database when configured. Without it messages
// go to the JSON files and push subscriptions are unavailable.
func openDatabase(ctx context.Context, cfg *server.Config) (*gorm.DB, *storesqlite.Backend) {
	if cfg.DatabasePath == "" {
		log.Warn().Msg("DATABASE_PATH is empty; using JSON message files only")
		return nil, nil
	}
	db, err := storesqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Error().Err(err).Msg("Database unavailable; using JSON message files only")
		return nil, nil
	}
	backend := storesqlite.New(db)
	if err := backend.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("Database migration failed; using JSON message files only")
		_ = backend.Close()
		return nil, nil
	}
	log.Info().Str("path", cfg.DatabasePath).Msg("Database ready")
	return db, backend
}

// attemptLimiter uses Redis when REDIS_ADDR is set and reachable, so the
// password attempt count is shared across restarts and instances.
func attemptLimiter(ctx context.Context, cfg *server.Config) (room.AttemptLimiter, *redis.Client) {
	limit := cfg.PasswordLimit
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemory(limit.MaxAttempts, limit.Window), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable; counting password attempts in memory")
		_ = client.Close()
		return ratelimit.NewMemory(limit.MaxAttempts, limit.Window), nil
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("Counting password attempts in Redis")
	return ratelimit.NewRedisWindow(client, "roomchat:pw:", limit.MaxAttempts, limit.Window), client
}

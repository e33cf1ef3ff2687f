package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	contribws "github.com/gofiber/contrib/v3/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roleplay-hub/hub/internal/cache"
	"github.com/roleplay-hub/hub/internal/character"
	"github.com/roleplay-hub/hub/internal/config"
	"github.com/roleplay-hub/hub/internal/friend"
	"github.com/roleplay-hub/hub/internal/gateway"
	"github.com/roleplay-hub/hub/internal/group"
	"github.com/roleplay-hub/hub/internal/health"
	"github.com/roleplay-hub/hub/internal/identity"
	"github.com/roleplay-hub/hub/internal/presence"
	"github.com/roleplay-hub/hub/internal/redpacket"
	"github.com/roleplay-hub/hub/internal/storage"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("hub stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("starting roleplay hub")

	ctx := context.Background()

	db, err := storage.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	if err := storage.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if pending, err := storage.PendingMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("check migration state: %w", err)
	} else if pending > 0 {
		return fmt.Errorf("%d migration(s) still pending after Migrate, refusing to start", pending)
	}
	log.Info().Msg("database migrations complete")

	rdb, err := cache.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("valkey connected")

	identityRepo := identity.NewPGRepository(db, log.Logger)
	characterRepo := character.NewPGRepository(db, log.Logger)
	friendRepo := friend.NewPGRepository(db, log.Logger)
	groupRepo := group.NewPGRepository(db, log.Logger)

	identitySvc, err := identity.NewService(identityRepo, cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("build identity service: %w", err)
	}

	typing := presence.NewTypingStore(rdb)

	var locker redpacket.Locker
	if cfg.RedpacketDistributedLock {
		locker = redpacket.NewValkeyLocker(rdb)
	} else {
		locker = redpacket.NewInProcessLocker()
	}

	// The Presence Registry needs its eviction callback before the Hub that owns EvictSession exists, and the
	// friend/group/redpacket services each need the Hub as their Publisher before it is fully built. hub is
	// forward-declared so the eviction closure captures the variable, not a snapshot of its (still nil) value; it
	// is assigned once by NewHub below, then completed by AttachServices once the three services exist.
	var hub *gateway.Hub
	reg := presence.New(characterRepo, func(sessionID uuid.UUID, account string) {
		hub.EvictSession(sessionID, account)
	})

	hub = gateway.NewHub(cfg, reg, identitySvc, characterRepo, log.Logger)

	friendSvc := friend.NewService(friendRepo, characterRepo, reg, hub, cfg.MaxDirectMessageLength, log.Logger)
	groupSvc := group.NewService(groupRepo, characterRepo, reg, typing, hub, cfg.MaxGroupMessageLength, cfg.PersonaAvatarMaxBytes, log.Logger)
	redpacketSvc := redpacket.NewService(groupSvc, hub, locker, log.Logger)
	hub.AttachServices(friendSvc, groupSvc, redpacketSvc)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go runWithBackoff(subCtx, "gateway-hub", func(ctx context.Context) error {
		hub.Run(ctx)
		return ctx.Err()
	})

	app := fiber.New(fiber.Config{
		AppName: "roleplay-hub",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "an internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("unhandled error")
			}
			return c.Status(status).JSON(fiber.Map{"error": message})
		},
	})

	healthHandler := health.NewHandler(hub)
	app.Get("/", healthHandler.Health)

	app.Get("/ws", func(c fiber.Ctx) error {
		if !contribws.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return contribws.New(func(conn *contribws.Conn) {
			hub.ServeWebSocket(conn.Conn)
		})(c)
	})

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down hub")
		hub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("hub listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled
// error. If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on
// each consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

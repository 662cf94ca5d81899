package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"pairchat-backend/internal/db"
	"pairchat-backend/internal/fanout"
	"pairchat-backend/internal/handlers"
	"pairchat-backend/internal/services"
	"pairchat-backend/internal/store"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

// Server is one stateless chat instance: HTTP and socket endpoints over a
// shared store and fanout bus.
type Server struct {
	cfg     Config
	app     *fiber.App
	store   store.Store
	bus     fanout.Bus
	hub     *handlers.Hub
	svc     *services.Services
	gateway *handlers.Gateway

	// redis is closed on shutdown when the store does not own it.
	redis redis.UniversalClient

	stop     context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New connects the configured backends and builds the routes.
func New(ctx context.Context, cfg Config) (*Server, error) {
	s := &Server{cfg: cfg, hub: handlers.NewHub()}

	if err := s.connect(ctx); err != nil {
		s.closeBackends()
		return nil, err
	}

	s.svc = services.New(s.store, store.NewPartitioner(cfg.Partitions))
	s.gateway = handlers.NewGateway(cfg.InstanceID, s.svc, s.hub, s.bus)
	s.app = s.routes()
	return s, nil
}

func (s *Server) connect(ctx context.Context) error {
	needRedis := s.cfg.StoreBackend == BackendRedis || s.cfg.FanoutBackend == BackendRedis
	if needRedis {
		client, err := db.ConnectRedis(ctx, db.RedisConfig{Addrs: s.cfg.RedisAddrs, Password: s.cfg.RedisPassword})
		if err != nil {
			return err
		}
		s.redis = client
	}

	switch s.cfg.StoreBackend {
	case BackendMemory:
		s.store = store.NewMemoryStore()
	case BackendRedis:
		s.store = store.NewRedisStore(s.redis)
	case BackendPostgres:
		pool, err := db.Connect(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		pg := store.NewPostgresStore(pool)
		s.store = pg
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", s.cfg.StoreBackend)
	}

	switch s.cfg.FanoutBackend {
	case BackendLocal:
		s.bus = fanout.NewLocalBus()
	case BackendRedis:
		s.bus = fanout.NewRedisBus(s.redis, fanout.DefaultRedisChannel)
	case BackendNATS:
		bus, err := fanout.NewNATSBus(ctx, fanout.NATSConfig{URL: s.cfg.NATSURL, InstanceID: s.cfg.InstanceID})
		if err != nil {
			return err
		}
		s.bus = bus
	default:
		return fmt.Errorf("unknown FANOUT_BACKEND %q", s.cfg.FanoutBackend)
	}

	log.Printf("[app] Instance %s using store=%s fanout=%s partitions=%d",
		s.cfg.InstanceID, s.cfg.StoreBackend, s.cfg.FanoutBackend, s.cfg.Partitions)
	return nil
}

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	// Middleware
	app.Use(logger.New())
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: s.cfg.CORSOrigins}))

	var tokens *services.TokenIssuer
	if s.cfg.JWTSecret != "" {
		tokens = services.NewTokenIssuer(s.cfg.JWTSecret)
	}

	// Routes
	api := app.Group("/api")
	api.Get("/", handlers.IndexHandler)
	api.Post("/check_username", handlers.CheckUsernameHandler(s.svc.Presence, tokens))
	api.Post("/verify_room_access", handlers.VerifyRoomAccessHandler(s.svc.Rooms))

	// Health Check
	app.Get("/health", handlers.HealthHandler(s.cfg.InstanceID, s.store, s.hub))

	// WebSocket Route
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", handlers.AuthMiddleware(tokens))
	app.Get("/ws", s.gateway.WebSocketHandler())

	return app
}

// Start subscribes to the fanout bus and starts reconciling stranded users.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.stop = context.WithCancel(ctx)
	if err := s.gateway.Start(ctx); err != nil {
		return fmt.Errorf("subscribe to fanout: %w", err)
	}

	s.reconcile(ctx)
	if s.cfg.ReconcileInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.cfg.ReconcileInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.reconcile(ctx)
				}
			}
		}()
	}
	return nil
}

func (s *Server) reconcile(ctx context.Context) {
	repaired, err := s.svc.Rooms.Reconcile(ctx)
	if err != nil {
		log.Printf("[app] Reconcile failed: %v", err)
		return
	}
	if repaired > 0 {
		log.Printf("[app] Reconcile returned %d user(s) to the lobby", repaired)
	}
}

// Listener serves on ln until Shutdown.
func (s *Server) Listener(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Listen serves on the configured port until Shutdown.
func (s *Server) Listen() error {
	return s.app.Listen(":" + s.cfg.Port)
}

// Shutdown stops accepting connections, lets open sockets clean up and then
// releases the bus and store.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.app.ShutdownWithContext(ctx)
		if s.stop != nil {
			s.stop()
		}
		s.wg.Wait()
		s.closeBackends()
	})
	return err
}

func (s *Server) closeBackends() {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			log.Printf("[app] Error closing fanout: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("[app] Error closing store: %v", err)
		}
	}
	if s.redis != nil && s.cfg.StoreBackend != BackendRedis {
		if err := s.redis.Close(); err != nil {
			log.Printf("[app] Error closing redis: %v", err)
		}
	}
}

func Run() {
	cfg := LoadConfig()

	ctx := context.Background()
	srv, err := New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	// Start Server
	go func() {
		log.Printf("[app] Listening on :%s", cfg.Port)
		if err := srv.Listen(); err != nil {
			log.Panic(err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"pairchat": func(ctx context.Context) error {
				log.Println("Gracefully shutting down...")
				return srv.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Server shutdown complete, exit code %d", exitCode)
	os.Exit(exitCode)
}

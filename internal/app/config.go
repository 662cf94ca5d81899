package app

import (
	"time"

	"pairchat-backend/internal/db"
	"pairchat-backend/internal/store"
	"pairchat-backend/internal/utils"

	"github.com/google/uuid"
)

// Store and fanout backends selectable by STORE_BACKEND and FANOUT_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendNATS     = "nats"
)

type Config struct {
	Port       string
	InstanceID string
	Partitions int

	StoreBackend  string
	RedisAddrs    []string
	RedisPassword string
	DatabaseURL   string

	FanoutBackend string
	NATSURL       string

	// JWTSecret enables name-claim tokens when set.
	JWTSecret   string
	CORSOrigins string

	ReconcileInterval time.Duration
	ShutdownTimeout   time.Duration
}

// LoadConfig reads the configuration from the environment (and .env).
func LoadConfig() Config {
	_ = utils.LoadEnv()

	cfg := Config{
		Port:              utils.GetEnv("PORT", "3001"),
		InstanceID:        utils.GetEnv("INSTANCE_ID", ""),
		Partitions:        utils.GetEnvInt("NUM_PARTITIONS", store.DefaultPartitions),
		StoreBackend:      utils.GetEnv("STORE_BACKEND", BackendMemory),
		RedisAddrs:        utils.GetEnvList("REDIS_ADDRS", []string{"localhost:6379"}),
		RedisPassword:     utils.GetEnv("REDIS_PASSWORD", ""),
		FanoutBackend:     utils.GetEnv("FANOUT_BACKEND", BackendLocal),
		NATSURL:           utils.GetEnv("NATS_URL", "nats://localhost:4222"),
		JWTSecret:         utils.GetEnv("JWT_SECRET", ""),
		CORSOrigins:       utils.GetEnv("CORS_ORIGINS", "*"),
		ReconcileInterval: utils.GetEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ShutdownTimeout:   utils.GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if cfg.StoreBackend == BackendPostgres {
		cfg.DatabaseURL = db.PostgresURL()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	return cfg
}

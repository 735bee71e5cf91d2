package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/clustercore/sumagent/internal/logging"
)

// AgentConfig holds top-level agent identity and storage settings.
type AgentConfig struct {
	SelfEndpoint   string
	MasterEndpoint string
	CheckpointDir  string
	TransportKind  string // "grpc" or "websocket"
	LeaderChannel  string
	MetricsAddr    string
}

// RedisConfig holds Redis connection configuration for leader detection.
type RedisConfig struct {
	Host       string
	Port       int
	Password   string
	DB         int
	TLSEnabled bool
}

// PostgresConfig holds database connection configuration for the
// acknowledged-update audit store.
type PostgresConfig struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Config is the fully resolved configuration for the agent binary.
type Config struct {
	Agent    AgentConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Logging  logging.Config
}

// FlagPointers holds pointers to flag values for every configuration
// section. Convert to Config via ToConfig after flag.Parse().
type FlagPointers struct {
	selfEndpoint   *string
	masterEndpoint *string
	checkpointDir  *string
	transportKind  *string
	leaderChannel  *string
	metricsAddr    *string

	redisHost     *string
	redisPort     *int
	redisPassword *string
	redisDB       *int
	redisTLS      *bool

	pgEnabled  *bool
	pgHost     *string
	pgPort     *int
	pgUser     *string
	pgPassword *string
	pgDatabase *string
	pgSSLMode  *string
	pgMaxConns *int

	logging *logging.FlagPointers
}

// RegisterFlags registers every configuration flag. Must be called before
// flag.Parse(); call ToConfig() afterward.
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		selfEndpoint: flag.String("self-endpoint",
			GetEnv("SUMAGENT_SELF_ENDPOINT", ""),
			"Address this agent advertises to the master for status delivery"),
		masterEndpoint: flag.String("master-endpoint",
			GetEnv("SUMAGENT_MASTER_ENDPOINT", ""),
			"Initial master endpoint to send status updates to"),
		checkpointDir: flag.String("checkpoint-dir",
			GetEnv("SUMAGENT_CHECKPOINT_DIR", "/var/lib/sumagent/streams"),
			"Directory holding per-task durable update-stream logs"),
		transportKind: flag.String("transport",
			GetEnv("SUMAGENT_TRANSPORT", "grpc"),
			"Master transport implementation: grpc or websocket"),
		leaderChannel: flag.String("leader-channel",
			GetEnv("SUMAGENT_LEADER_CHANNEL", "sumagent:master-changed"),
			"Redis pub/sub channel announcing master endpoint changes"),
		metricsAddr: flag.String("metrics-addr",
			GetEnv("SUMAGENT_METRICS_ADDR", ":9090"),
			"Listen address for the Prometheus metrics endpoint"),

		redisHost: flag.String("redis-host",
			GetEnv("SUMAGENT_REDIS_HOST", "localhost"),
			"Redis host"),
		redisPort: flag.Int("redis-port",
			GetEnvInt("SUMAGENT_REDIS_PORT", 6379),
			"Redis port"),
		redisPassword: flag.String("redis-password",
			GetEnvOrConfig("SUMAGENT_REDIS_PASSWORD", "redis_password", ""),
			"Redis password"),
		redisDB: flag.Int("redis-db-number",
			GetEnvInt("SUMAGENT_REDIS_DB_NUMBER", 0),
			"Redis database number to connect to"),
		redisTLS: flag.Bool("redis-tls-enable",
			GetEnvBool("SUMAGENT_REDIS_TLS_ENABLE", false),
			"Enable TLS for the Redis connection"),

		pgEnabled: flag.Bool("audit-store-enable",
			GetEnvBool("SUMAGENT_AUDIT_STORE_ENABLE", false),
			"Enable the best-effort Postgres audit store for acknowledged updates"),
		pgHost: flag.String("postgres-host",
			GetEnv("SUMAGENT_POSTGRES_HOST", "localhost"),
			"PostgreSQL host"),
		pgPort: flag.Int("postgres-port",
			GetEnvInt("SUMAGENT_POSTGRES_PORT", 5432),
			"PostgreSQL port"),
		pgUser: flag.String("postgres-user",
			GetEnv("SUMAGENT_POSTGRES_USER", "sumagent"),
			"PostgreSQL user"),
		pgPassword: flag.String("postgres-password",
			GetEnvOrConfig("SUMAGENT_POSTGRES_PASSWORD", "postgres_password", ""),
			"PostgreSQL password"),
		pgDatabase: flag.String("postgres-database",
			GetEnv("SUMAGENT_POSTGRES_DATABASE", "sumagent"),
			"PostgreSQL database name"),
		pgSSLMode: flag.String("postgres-sslmode",
			GetEnv("SUMAGENT_POSTGRES_SSLMODE", "disable"),
			"PostgreSQL sslmode"),
		pgMaxConns: flag.Int("postgres-max-conns",
			GetEnvInt("SUMAGENT_POSTGRES_MAX_CONNS", 10),
			"Maximum PostgreSQL pool connections"),

		logging: logging.RegisterFlags(),
	}
}

// ToConfig converts flag pointers to a fully resolved Config. Must be
// called after flag.Parse().
func (f *FlagPointers) ToConfig() Config {
	return Config{
		Agent: AgentConfig{
			SelfEndpoint:   *f.selfEndpoint,
			MasterEndpoint: *f.masterEndpoint,
			CheckpointDir:  *f.checkpointDir,
			TransportKind:  *f.transportKind,
			LeaderChannel:  *f.leaderChannel,
			MetricsAddr:    *f.metricsAddr,
		},
		Redis: RedisConfig{
			Host:       *f.redisHost,
			Port:       *f.redisPort,
			Password:   *f.redisPassword,
			DB:         *f.redisDB,
			TLSEnabled: *f.redisTLS,
		},
		Postgres: PostgresConfig{
			Enabled:         *f.pgEnabled,
			Host:            *f.pgHost,
			Port:            *f.pgPort,
			User:            *f.pgUser,
			Password:        *f.pgPassword,
			Database:        *f.pgDatabase,
			SSLMode:         *f.pgSSLMode,
			MaxConns:        int32(*f.pgMaxConns),
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
		},
		Logging: f.logging.ToConfig(),
	}
}

// ConnectionString builds a PostgreSQL connection string from the config.
func (c PostgresConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password,
		c.Host, c.Port,
		c.Database, c.SSLMode,
	)
}

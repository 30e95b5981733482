package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Config represents the entitystore process configuration
type Config struct {
	Server     ServerConfig           `mapstructure:"server"`
	Database   DatabaseConfig         `mapstructure:"database"`
	Shards     map[string]ShardConfig `mapstructure:"shards"`
	Redis      RedisConfig            `mapstructure:"redis"`
	Router     RouterConfig           `mapstructure:"router"`
	Indexing   SchedulerConfig        `mapstructure:"indexing"`
	Linking    SchedulerConfig        `mapstructure:"linking"`
	Expiration SchedulerConfig        `mapstructure:"expiration"`
	HardDelete SchedulerConfig        `mapstructure:"hard_delete"`
	Leases     LeaseConfig            `mapstructure:"leases"`
	Deletion   DeletionConfig         `mapstructure:"deletion"`
	Metrics    MetricsConfig          `mapstructure:"metrics"`
	Health     HealthConfig           `mapstructure:"health"`
	Logging    LoggingConfig          `mapstructure:"logging"`
}

// ServerConfig identifies this process among the workers sharing the store
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LeaseOwner returns a lease owner unique to this process. NodeID is often
// left at its default, so the pid and a random instance suffix are appended.
// Call it once per process and reuse the result.
func (s ServerConfig) LeaseOwner() string {
	return fmt.Sprintf("%s-%d-%s", s.NodeID, os.Getpid(), uuid.NewString()[:8])
}

// DatabaseConfig represents the PostgreSQL entity set metadata store
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the pgx connection string for the metadata database
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s pool_max_conns=%d pool_min_conns=%d",
		d.Host, d.Port, d.User, d.Password, d.Database, d.MaxConnections, d.MinConnections,
	)
}

// ShardConfig describes one physical data source an entity set can live on
type ShardConfig struct {
	Backend        string `mapstructure:"backend"`
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// RedisConfig represents the Redis lease and job queue store
type RedisConfig struct {
	Backend      string `mapstructure:"backend"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RouterConfig sizes the entity set to shard cache
type RouterConfig struct {
	CacheSize    int           `mapstructure:"cache_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	VirtualNodes int           `mapstructure:"virtual_nodes"`
}

// SchedulerConfig is shared by every reconciliation scheduler
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Period        time.Duration `mapstructure:"period"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
}

// LeaseConfig controls the expired lease scavenger
type LeaseConfig struct {
	ScavengePeriod time.Duration `mapstructure:"scavenge_period"`
}

// DeletionConfig controls the deletion orchestrator
type DeletionConfig struct {
	SyncThreshold int           `mapstructure:"sync_threshold"`
	JobPollPeriod time.Duration `mapstructure:"job_poll_period"`
	// JobReclaimAfter is how long a taken job may go without a state update
	// before another runner requeues it.
	JobReclaimAfter time.Duration `mapstructure:"job_reclaim_after"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig represents the liveness/readiness listener
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if !isValidBackend(c.Database.Backend) {
		return errors.New("database.backend must be one of: postgres, memory")
	}
	if c.Database.Backend == BackendPostgres {
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	}
	if len(c.Shards) == 0 {
		return errors.New("at least one shard must be configured")
	}
	for name, shard := range c.Shards {
		if !isValidBackend(shard.Backend) {
			return fmt.Errorf("shards.%s.backend must be one of: postgres, memory", name)
		}
		if shard.Backend == BackendPostgres && shard.DSN == "" {
			return fmt.Errorf("shards.%s.dsn is required", name)
		}
	}
	if c.Redis.Backend != BackendRedis && c.Redis.Backend != BackendMemory {
		return errors.New("redis.backend must be one of: redis, memory")
	}
	if c.Redis.Backend == BackendRedis && c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Router.CacheSize <= 0 {
		return errors.New("router.cache_size must be positive")
	}
	if c.Router.CacheTTL <= 0 {
		return errors.New("router.cache_ttl must be positive")
	}
	if c.Router.VirtualNodes <= 0 {
		return errors.New("router.virtual_nodes must be positive")
	}
	schedulers := map[string]SchedulerConfig{
		"indexing":    c.Indexing,
		"linking":     c.Linking,
		"expiration":  c.Expiration,
		"hard_delete": c.HardDelete,
	}
	for name, s := range schedulers {
		if err := s.validate(name); err != nil {
			return err
		}
	}
	if c.Leases.ScavengePeriod <= 0 {
		return errors.New("leases.scavenge_period must be positive")
	}
	if c.Deletion.SyncThreshold <= 0 {
		return errors.New("deletion.sync_threshold must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

func (s SchedulerConfig) validate(name string) error {
	if !s.Enabled {
		return nil
	}
	if s.Period <= 0 {
		return fmt.Errorf("%s.period must be positive", name)
	}
	if s.LeaseDuration <= 0 {
		return fmt.Errorf("%s.lease_duration must be positive", name)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("%s.batch_size must be positive", name)
	}
	if s.Workers <= 0 {
		return fmt.Errorf("%s.workers must be positive", name)
	}
	return nil
}

// Supported storage backends
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

func isValidBackend(backend string) bool {
	switch backend {
	case BackendPostgres, BackendMemory:
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "entitystore-1",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Backend:         BackendPostgres,
			Host:            "localhost",
			Port:            5432,
			Database:        "entitystore",
			User:            "entitystore",
			Password:        "",
			MaxConnections:  50,
			MinConnections:  5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Shards: map[string]ShardConfig{
			"default": {
				Backend:        BackendPostgres,
				DSN:            "postgres://entitystore@localhost:5432/entitystore",
				MaxConnections: 50,
			},
		},
		Redis: RedisConfig{
			Backend:      BackendRedis,
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			MaxRetries:   3,
			PoolSize:     100,
			MinIdleConns: 10,
		},
		Router: RouterConfig{
			CacheSize:    10000,
			CacheTTL:     5 * time.Minute,
			VirtualNodes: 150,
		},
		Indexing: SchedulerConfig{
			Enabled:       true,
			Period:        30 * time.Second,
			LeaseDuration: 10 * time.Minute,
			BatchSize:     1000,
			Workers:       8,
		},
		Linking: SchedulerConfig{
			Enabled:       true,
			Period:        30 * time.Second,
			LeaseDuration: 10 * time.Minute,
			BatchSize:     1000,
			Workers:       4,
		},
		Expiration: SchedulerConfig{
			Enabled:       true,
			Period:        time.Minute,
			LeaseDuration: 10 * time.Minute,
			BatchSize:     10000,
			Workers:       4,
		},
		HardDelete: SchedulerConfig{
			Enabled:       true,
			Period:        time.Minute,
			LeaseDuration: 10 * time.Minute,
			BatchSize:     1000,
			Workers:       4,
		},
		Leases: LeaseConfig{
			ScavengePeriod: 30 * time.Second,
		},
		Deletion: DeletionConfig{
			SyncThreshold:   10000,
			JobPollPeriod:   time.Second,
			JobReclaimAfter: 30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

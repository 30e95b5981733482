package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// The config file is optional; defaults and environment variables still apply
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		if v.IsSet("shards") {
			cfg.Shards = nil
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("ENTITYSTORE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}

	// Database configuration
	if backend := os.Getenv("DATABASE_BACKEND"); backend != "" {
		cfg.Database.Backend = backend
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = p
		}
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}

	// Redis configuration
	if backend := os.Getenv("REDIS_BACKEND"); backend != "" {
		cfg.Redis.Backend = backend
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}

	// Scheduler switches
	overrideBool("INDEXING_ENABLED", &cfg.Indexing.Enabled)
	overrideBool("LINKING_ENABLED", &cfg.Linking.Enabled)
	overrideBool("EXPIRATION_ENABLED", &cfg.Expiration.Enabled)
	overrideBool("HARD_DELETE_ENABLED", &cfg.HardDelete.Enabled)
	overrideDuration("INDEXING_PERIOD", &cfg.Indexing.Period)

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func overrideBool(name string, target *bool) {
	if raw := os.Getenv(name); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			*target = b
		}
	}
}

func overrideDuration(name string, target *time.Duration) {
	if raw := os.Getenv(name); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			*target = d
		}
	}
}

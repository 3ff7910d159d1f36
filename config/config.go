// Copyright 2026 The Postkit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads engine and database configuration from YAML files
// and environment variables using Viper. Environment variables override
// file values and are prefixed with POSTKIT_ (e.g. POSTKIT_DATABASE_HOST).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the complete configuration for the authorization engine and
// its backing database.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// EngineConfig holds the engine knobs.
type EngineConfig struct {
	// MaxIdentifierLength rejects longer type/id/permission strings.
	MaxIdentifierLength int `mapstructure:"max_identifier_length"`

	// GroupMembershipRelations are the relations that form the transitive
	// group-membership graph.
	GroupMembershipRelations []string `mapstructure:"group_membership_relations"`

	// DefaultHierarchyScope is the namespace SetHierarchy writes into when
	// the session does not specify one.
	DefaultHierarchyScope string `mapstructure:"default_hierarchy_scope"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is "json" or "text".
	Format string `mapstructure:"format"`
}

// Load loads configuration from the given file path and the environment.
// An empty path falls back to config.yaml in ./config, the working
// directory, or /etc/postkit. A missing file is not an error when all
// values come from environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/postkit")
	}

	v.SetEnvPrefix("POSTKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postkit")
	v.SetDefault("database.database", "postkit")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)

	v.SetDefault("engine.max_identifier_length", 1024)
	v.SetDefault("engine.group_membership_relations", []string{"member", "admin", "owner"})
	v.SetDefault("engine.default_hierarchy_scope", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host cannot be empty")
	}
	if c.Database.Database == "" {
		return errors.New("database.database cannot be empty")
	}
	if c.Engine.MaxIdentifierLength <= 0 {
		return errors.New("engine.max_identifier_length must be positive")
	}
	if len(c.Engine.GroupMembershipRelations) == 0 {
		return errors.New("engine.group_membership_relations cannot be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

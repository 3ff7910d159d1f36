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

// Package main provides the operational CLI for the authorization engine.
//
// The CLI covers the maintenance tasks a deployment schedules out of band:
//   - ensure-partitions: create upcoming monthly audit partitions
//   - drop-partitions:   drop audit partitions outside the retention window
//   - cleanup-expired:   reclaim storage for expired grants
//   - verify:            scan a namespace for integrity issues
//   - stats:             print namespace statistics
//
// Database settings come from config.yaml or POSTKIT_-prefixed environment
// variables; see the config package.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/postkit/postkit-core/authz"
	"github.com/postkit/postkit-core/config"
	"github.com/postkit/postkit-core/store/postgres"
)

var (
	cfg     *config.Config
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "postkit-admin",
	Short: "Maintenance tooling for the Postkit authorization engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded
		setupLogging(cfg.Logging)
		return nil
	},
}

func setupLogging(lc config.LoggingConfig) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// openEngine connects to the database and wires the engine over it. The
// returned close function releases the pool.
func openEngine(ctx context.Context) (*authz.Service, func(), error) {
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := authz.Options{
		MaxIdentifierLength:      cfg.Engine.MaxIdentifierLength,
		GroupMembershipRelations: cfg.Engine.GroupMembershipRelations,
		DefaultHierarchyScope:    cfg.Engine.DefaultHierarchyScope,
	}
	svc := authz.NewService(
		postgres.NewTupleRepository(db, opts.GroupMembershipRelations),
		postgres.NewHierarchyRepository(db),
		postgres.NewAuditRepository(db),
		opts,
	)
	return svc, db.Close, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.AddCommand(ensurePartitionsCmd, dropPartitionsCmd, cleanupExpiredCmd, verifyCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

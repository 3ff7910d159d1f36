// Copyright 2026 The Postkit Authors
// SPDX-License-Identifier: MIT

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
)

// SetupTestDB creates a connection to the test database and runs migrations.
func SetupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("TEST_DB_PORT")
	if port == "" {
		port = "5434" // Default port in docker-compose.test.yml
	}

	cfg := Config{
		Host:         host,
		Port:         port,
		User:         "postkit",
		Password:     "postkit_test_password",
		Database:     "postkit_test",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 10,
	}

	ctx := context.Background()
	db, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	// Clean up before starting (in case previous run failed badly)
	tables := []string{
		"audit_events",
		"permission_hierarchy",
		"tuples",
	}
	for _, table := range tables {
		// Use IF EXISTS semantics: tables may not exist on first run
		_, _ = db.pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
	}

	// Run initial schema
	if err := db.Migrate(ctx, InitialSchema); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		tables := []string{
			"audit_events",
			"permission_hierarchy",
			"tuples",
		}
		for _, table := range tables {
			_, _ = db.pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		}
		db.Close()
	}

	return db, cleanup
}

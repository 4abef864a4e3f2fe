// Package dbtest opens the MySQL test database for store tests. Tests are
// skipped when MYSQL_TEST_HOST is unset or the server is unreachable.
package dbtest

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"elibrary-backend/internal/platform/config"
	"elibrary-backend/internal/platform/db"
)

func Open(t *testing.T) *sqlx.DB {
	t.Helper()

	host := os.Getenv("MYSQL_TEST_HOST")
	if host == "" {
		t.Skip("MYSQL_TEST_HOST not set, skipping MySQL-backed test")
	}
	port, _ := strconv.Atoi(envDef("MYSQL_TEST_PORT", "3306"))
	cfg := config.DatabaseConfig{
		Host:     host,
		Port:     port,
		Username: envDef("MYSQL_TEST_USER", "root"),
		Password: os.Getenv("MYSQL_TEST_PASSWORD"),
		DBName:   envDef("MYSQL_TEST_DB", "elibrary_test"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := db.Connect(ctx, cfg)
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Reset empties the given tables.
func Reset(t *testing.T, conn *sqlx.DB, tables ...string) {
	t.Helper()
	for _, tbl := range tables {
		if _, err := conn.Exec("DELETE FROM " + tbl); err != nil {
			t.Fatalf("reset %s: %v", tbl, err)
		}
	}
}

func envDef(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

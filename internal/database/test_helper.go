//go:build integration

package database

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// SetupTestDB creates a connection to the test database and runs migrations.
// The test database (ailightning_test) is created by docker-compose.
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := Config{
		Host:            "localhost",
		Port:            "5432",
		User:            "postgres",
		Password:        "postgres",
		DB:              "ailightning_test",
		SslMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5,
		MaxConnIdleTime: 1,
	}

	db, err := NewDB(cfg)
	require.NoError(t, err, "Failed to connect to test database")

	// Resolve the migrations directory relative to this file.
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	projectRoot := filepath.Join(dir, "../..")
	migrationsPath := filepath.Join(projectRoot, "migrations")
	db.migrationPath = "file://" + migrationsPath

	err = db.RunMigrations()
	require.NoError(t, err, "Failed to run migrations on test database")

	return db
}

// CleanupTestDB truncates all tables to ensure clean state between tests
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Truncate in reverse order due to foreign keys
	tables := []string{"ledger_transactions", "invoices", "sessions", "nodes", "users"}
	for _, table := range tables {
		query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		_, err := db.pool.Exec(ctx, query)
		require.NoError(t, err, "Failed to truncate table %s", table)
	}
}

// CreateTestUser inserts a user with the given balance and returns it.
func CreateTestUser(t *testing.T, db *DB, username string, balanceSats int64) *User {
	t.Helper()

	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		CreatedAt:    time.Now().UTC(),
	}

	repo := NewUserRepository(db)
	require.NoError(t, repo.Create(context.Background(), user))

	if balanceSats > 0 {
		_, err := db.pool.Exec(context.Background(),
			`UPDATE users SET balance_sats = $2 WHERE id = $1`, user.ID, balanceSats)
		require.NoError(t, err)
		user.BalanceSats = balanceSats
	}

	return user
}

// CreateTestNode inserts an online node owned by the user and returns it.
func CreateTestNode(t *testing.T, db *DB, ownerID string, pricePerMinute int64) *Node {
	t.Helper()

	now := time.Now().UTC()
	node := &Node{
		ID:          "node-" + uuid.New().String()[:8],
		Name:        "test node",
		OwnerUserID: ownerID,
		Address:     "http://127.0.0.1:9100",
		Hardware: Hardware{
			CPU:   "test-cpu",
			RAMMb: 32768,
			GPUs:  []GPU{{Model: "test-gpu", VRAMMb: 24576}},
		},
		Models: []ModelDescriptor{{
			ID:            "llama-3.1-8b-q4",
			Name:          "Llama 3.1 8B Q4",
			ContextLength: 8192,
		}},
		PricePerMinuteSats:  pricePerMinute,
		Status:              Online,
		HardwareFingerprint: uuid.New().String(),
		LastHeartbeatAt:     now,
		CreatedAt:           now,
	}

	repo := NewNodeRepository(db)
	require.NoError(t, repo.Create(context.Background(), node))
	return node
}

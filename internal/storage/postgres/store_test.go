package postgres

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog/catalogtest"
)

// setupTestDB starts PostgreSQL in a container and applies migrations.
func setupTestDB(t *testing.T) Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		tcpostgres.WithDatabase("custody_test"),
		tcpostgres.WithUsername("custody"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	p, _ := strconv.Atoi(port.Port())

	cfg := Config{Host: host, Port: p, Name: "custody_test", User: "custody", Password: "test-password", SSLMode: "disable"}
	if err := Migrate(cfg, testLogger()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func resetTables(t *testing.T, s *Store) {
	t.Helper()
	// TRUNCATE does not fire row-level triggers.
	if _, err := s.pool.Exec(context.Background(), `TRUNCATE custody_events, evidence_records`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

// TestStore runs the shared catalog suite against PostgreSQL.
func TestStore(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()

	catalogtest.Run(t, func(t *testing.T) catalog.Store {
		pool, err := Connect(ctx, cfg, testLogger())
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		s := New(pool, testLogger())
		resetTables(t, s)
		return s
	})
}

// TestStore_EventsAreAppendOnly checks the trigger that forbids edits.
func TestStore_EventsAreAppendOnly(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()

	pool, err := Connect(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s := New(pool, testLogger())
	defer s.Close()

	rec := catalogtest.Record("bafy-ao", "FIR-1", 0)
	if _, _, err := s.InsertIfAbsent(ctx, rec, catalogtest.Event(rec.CID, 1, model.EventIngested)); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}

	if _, err := pool.Exec(ctx, `UPDATE custody_events SET actor = 'forger' WHERE cid = $1`, rec.CID); err == nil {
		t.Error("UPDATE on custody_events must be rejected")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM custody_events WHERE cid = $1`, rec.CID); err == nil {
		t.Error("DELETE on custody_events must be rejected")
	}
}

// TestMigrate_Idempotent checks that a second run is a no-op.
func TestMigrate_Idempotent(t *testing.T) {
	cfg := setupTestDB(t)
	if err := Migrate(cfg, testLogger()); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
}

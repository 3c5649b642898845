package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// TestBuildWhere_Default checks that failed records are excluded by default.
func TestBuildWhere_Default(t *testing.T) {
	where, args := buildWhere(catalog.Filter{}, 1)
	if where != "WHERE status <> $1" {
		t.Errorf("where = %q", where)
	}
	if len(args) != 1 || args[0] != string(model.StatusFailed) {
		t.Errorf("args = %v", args)
	}
}

// TestBuildWhere_IncludeFailed checks that no status condition remains.
func TestBuildWhere_IncludeFailed(t *testing.T) {
	where, args := buildWhere(catalog.Filter{IncludeFailed: true}, 1)
	if where != "" || len(args) != 0 {
		t.Errorf("where = %q, args = %v", where, args)
	}
}

// TestBuildWhere_AllFilters checks numbering and argument order.
func TestBuildWhere_AllFilters(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	f := catalog.Filter{
		CaseNumber: "FIR_1%",
		CasePrefix: true,
		UploadedBy: "officer-1",
		From:       &from,
		To:         &to,
		MimeType:   "image/png",
		Status:     model.StatusConfirmed,
	}
	where, args := buildWhere(f, 3)

	for _, part := range []string{
		`case_number LIKE $3 ESCAPE '\'`,
		"uploaded_by = $4",
		"ingested_at >= $5",
		"ingested_at <= $6",
		"mime_type = $7",
		"status = $8",
	} {
		if !strings.Contains(where, part) {
			t.Errorf("where = %q, missing %q", where, part)
		}
	}
	if len(args) != 6 {
		t.Fatalf("expected 6 args, got %d", len(args))
	}
	if args[0] != `FIR\_1\%%` {
		t.Errorf("prefix pattern = %v", args[0])
	}
}

// TestBuildOrderBy checks the whitelist.
func TestBuildOrderBy(t *testing.T) {
	if got := buildOrderBy("asc"); got != "ORDER BY ingested_at ASC, cid ASC" {
		t.Errorf("asc: %q", got)
	}
	for _, in := range []string{"desc", "", "1; DROP TABLE evidence_records"} {
		if got := buildOrderBy(in); got != "ORDER BY ingested_at DESC, cid ASC" {
			t.Errorf("%q: %q", in, got)
		}
	}
}

// TestConfig_URLs checks DSN and migration URL construction.
func TestConfig_URLs(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, Name: "custody", User: "cs", Password: "p@ss word"}
	if got := cfg.DSN(); got != "postgres://cs:p%40ss%20word@db:5432/custody?sslmode=disable" {
		t.Errorf("DSN = %q", got)
	}
	if got := cfg.MigrateURL(); !strings.HasPrefix(got, "pgx5://") {
		t.Errorf("MigrateURL = %q", got)
	}
}

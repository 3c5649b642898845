package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `cid, case_number, file_name, mime_type, size_bytes,
	uploaded_by, ingested_at, status, pin_ref, updated_at`

const eventColumns = `cid, sequence, prev_hash, hash, kind, actor, ts, detail`

// Store implements catalog.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ catalog.Store = (*Store)(nil)

// New wraps an open pool. The store owns the pool and closes it in Close.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With(slog.String("component", "postgres-catalog")),
	}
}

// Pool exposes the pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// InsertIfAbsent inserts rec and genesis in one transaction.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *model.EvidenceRecord, genesis *model.CustodyEvent) (bool, *model.EvidenceRecord, error) {
	inserted := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO evidence_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (cid) DO NOTHING`,
			rec.CID, rec.CaseNumber, rec.FileName, rec.MimeType, rec.SizeBytes,
			rec.UploadedBy, rec.IngestedAt, string(rec.Status), rec.PinRef, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true
		return insertEvent(ctx, tx, genesis)
	})
	if err != nil {
		return false, nil, err
	}
	if inserted {
		return true, nil, nil
	}

	existing, err := getRecord(ctx, s.pool, rec.CID)
	if err != nil {
		return false, nil, fmt.Errorf("read existing record: %w", err)
	}
	return false, existing, nil
}

// Get returns the record or catalog.ErrNotFound.
func (s *Store) Get(ctx context.Context, cid string) (*model.EvidenceRecord, error) {
	return getRecord(ctx, s.pool, cid)
}

// Query runs a filtered, sorted, paged search.
func (s *Store) Query(ctx context.Context, f catalog.Filter) ([]*model.EvidenceRecord, int, error) {
	f = f.Normalized()
	where, args := buildWhere(f, 1)
	argNum := len(args) + 1

	dataQuery := fmt.Sprintf(`SELECT %s FROM evidence_records %s %s LIMIT $%d OFFSET $%d`,
		recordColumns, where, buildOrderBy(f.SortOrder), argNum, argNum+1)

	rows, err := s.pool.Query(ctx, dataQuery, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	result := []*model.EvidenceRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate records: %w", err)
	}

	var total int
	countWhere, countArgs := buildWhere(f, 1)
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM evidence_records `+countWhere, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}
	return result, total, nil
}

// ListCIDs pages through CIDs in byte order.
func (s *Store) ListCIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = catalog.MaxLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT cid FROM evidence_records WHERE cid > $1 ORDER BY cid LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list cids: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CountByStatus groups records by status.
func (s *Store) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM evidence_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

// BindCase is a compare-and-set on case_number plus the event, in one
// transaction.
func (s *Store) BindCase(ctx context.Context, cid, from, to string, ev *model.CustodyEvent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE evidence_records SET case_number = $3, updated_at = $4
			WHERE cid = $1 AND case_number = $2`,
			cid, from, to, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("bind case: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrConflict(ctx, tx, cid)
		}
		return insertEvent(ctx, tx, ev)
	})
}

// UpdateStatus is a compare-and-set on status plus the event, in one
// transaction.
func (s *Store) UpdateStatus(ctx context.Context, ch catalog.StatusChange, ev *model.CustodyEvent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE evidence_records
			SET status = $3,
			    pin_ref = CASE WHEN $4 = '' THEN pin_ref ELSE $4 END,
			    updated_at = $5
			WHERE cid = $1 AND status = $2`,
			ch.CID, string(ch.From), string(ch.To), ch.PinRef, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrConflict(ctx, tx, ch.CID)
		}
		return insertEvent(ctx, tx, ev)
	})
}

// AppendEvent inserts ev on its own.
func (s *Store) AppendEvent(ctx context.Context, ev *model.CustodyEvent) error {
	return insertEvent(ctx, s.pool, ev)
}

// Events returns the chain ordered by sequence.
func (s *Store) Events(ctx context.Context, cid string) ([]*model.CustodyEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM custody_events WHERE cid = $1 ORDER BY sequence`, cid)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []*model.CustodyEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if len(events) == 0 {
		if _, err := getRecord(ctx, s.pool, cid); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// LastEvent returns the head of the chain.
func (s *Store) LastEvent(ctx context.Context, cid string) (*model.CustodyEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM custody_events WHERE cid = $1 ORDER BY sequence DESC LIMIT 1`, cid)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("load chain head: %w", err)
	}
	return ev, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func getRecord(ctx context.Context, db DBTX, cid string) (*model.EvidenceRecord, error) {
	row := db.QueryRow(ctx, `SELECT `+recordColumns+` FROM evidence_records WHERE cid = $1`, cid)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func insertEvent(ctx context.Context, db DBTX, ev *model.CustodyEvent) error {
	detail := ev.Detail
	if detail == nil {
		detail = map[string]string{}
	}
	_, err := db.Exec(ctx, `
		INSERT INTO custody_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.CID, ev.Sequence, ev.PrevHash, ev.Hash, string(ev.Kind), ev.Actor, ev.Timestamp, detail)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case codeUniqueViolation:
				return catalog.ErrSequenceConflict
			case codeForeignKeyViolation:
				return catalog.ErrNotFound
			}
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func missingOrConflict(ctx context.Context, db DBTX, cid string) error {
	var one int
	err := db.QueryRow(ctx, `SELECT 1 FROM evidence_records WHERE cid = $1`, cid).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	return catalog.ErrConflict
}

func scanRecord(row pgx.Row) (*model.EvidenceRecord, error) {
	var (
		rec    model.EvidenceRecord
		status string
	)
	if err := row.Scan(
		&rec.CID, &rec.CaseNumber, &rec.FileName, &rec.MimeType, &rec.SizeBytes,
		&rec.UploadedBy, &rec.IngestedAt, &status, &rec.PinRef, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = model.Status(status)
	rec.IngestedAt = rec.IngestedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func scanEvent(row pgx.Row) (*model.CustodyEvent, error) {
	var (
		ev   model.CustodyEvent
		kind string
	)
	if err := row.Scan(&ev.CID, &ev.Sequence, &ev.PrevHash, &ev.Hash, &kind, &ev.Actor, &ev.Timestamp, &ev.Detail); err != nil {
		return nil, err
	}
	ev.Kind = model.EventKind(kind)
	ev.Timestamp = ev.Timestamp.UTC()
	if len(ev.Detail) == 0 {
		ev.Detail = nil
	}
	return &ev, nil
}

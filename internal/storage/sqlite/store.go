// Package sqlite is a single-file catalog on SQLite through gorm and the
// pure-Go glebarez driver, for deployments without a PostgreSQL server.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// Store implements catalog.Store on SQLite.
type Store struct {
	db     *gorm.DB
	path   string
	logger *slog.Logger
}

var _ catalog.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := gorm.Open(gsqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}
	// SQLite has a single writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&recordRow{}, &eventRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite database: %w", err)
	}

	s := &Store{db: db, path: path, logger: log.With(slog.String("component", "sqlite-catalog"))}
	s.logger.Info("SQLite catalog opened", slog.String("path", path))
	return s, nil
}

// InsertIfAbsent inserts rec and genesis in one transaction.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *model.EvidenceRecord, genesis *model.CustodyEvent) (bool, *model.EvidenceRecord, error) {
	var existing *model.EvidenceRecord
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(toRecordRow(rec))
		if res.Error != nil {
			return fmt.Errorf("insert record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var row recordRow
			if err := tx.Where("cid = ?", rec.CID).First(&row).Error; err != nil {
				return fmt.Errorf("read existing record: %w", err)
			}
			existing = row.toModel()
			return nil
		}
		inserted = true
		return insertEvent(tx, genesis)
	})
	if err != nil {
		return false, nil, err
	}
	return inserted, existing, nil
}

// Get returns the record or catalog.ErrNotFound.
func (s *Store) Get(ctx context.Context, cid string) (*model.EvidenceRecord, error) {
	return getRecord(s.db.WithContext(ctx), cid)
}

// Query runs a filtered, sorted, paged search.
func (s *Store) Query(ctx context.Context, f catalog.Filter) ([]*model.EvidenceRecord, int, error) {
	f = f.Normalized()
	var total int64
	if err := applyFilter(s.db.WithContext(ctx).Model(&recordRow{}), f).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	order := "ingested_at_us DESC, cid ASC"
	if f.SortOrder == catalog.SortAsc {
		order = "ingested_at_us ASC, cid ASC"
	}
	var rows []recordRow
	q := applyFilter(s.db.WithContext(ctx).Model(&recordRow{}), f)
	if err := q.Order(order).Limit(f.Limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("search records: %w", err)
	}

	out := make([]*model.EvidenceRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, int(total), nil
}

func applyFilter(q *gorm.DB, f catalog.Filter) *gorm.DB {
	if f.CaseNumber != "" {
		if f.CasePrefix {
			// LIKE is case-insensitive in SQLite; compare the prefix exactly.
			q = q.Where("substr(case_number, 1, length(?)) = ?", f.CaseNumber, f.CaseNumber)
		} else {
			q = q.Where("case_number = ?", f.CaseNumber)
		}
	}
	if f.UploadedBy != "" {
		q = q.Where("uploaded_by = ?", f.UploadedBy)
	}
	if f.From != nil {
		q = q.Where("ingested_at_us >= ?", f.From.UnixMicro())
	}
	if f.To != nil {
		q = q.Where("ingested_at_us <= ?", f.To.UnixMicro())
	}
	if f.MimeType != "" {
		q = q.Where("mime_type = ?", f.MimeType)
	}
	switch {
	case f.Status != "":
		q = q.Where("status = ?", string(f.Status))
	case !f.IncludeFailed:
		q = q.Where("status <> ?", string(model.StatusFailed))
	}
	return q
}

// ListCIDs pages through CIDs in byte order.
func (s *Store) ListCIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = catalog.MaxLimit
	}
	var cids []string
	err := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("cid > ?", after).Order("cid ASC").Limit(limit).
		Pluck("cid", &cids).Error
	if err != nil {
		return nil, fmt.Errorf("list cids: %w", err)
	}
	return cids, nil
}

// CountByStatus groups records by status.
func (s *Store) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := s.db.WithContext(ctx).Model(&recordRow{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	counts := make(map[model.Status]int, len(rows))
	for _, r := range rows {
		counts[model.Status(r.Status)] = r.N
	}
	return counts, nil
}

// BindCase is a compare-and-set on case_number plus the event.
func (s *Store) BindCase(ctx context.Context, cid, from, to string, ev *model.CustodyEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&recordRow{}).
			Where("cid = ? AND case_number = ?", cid, from).
			Updates(map[string]any{"case_number": to, "updated_at_us": ev.Timestamp.UnixMicro()})
		if res.Error != nil {
			return fmt.Errorf("bind case: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return missingOrConflict(tx, cid)
		}
		return insertEvent(tx, ev)
	})
}

// UpdateStatus is a compare-and-set on status plus the event.
func (s *Store) UpdateStatus(ctx context.Context, ch catalog.StatusChange, ev *model.CustodyEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"status": string(ch.To), "updated_at_us": ev.Timestamp.UnixMicro()}
		if ch.PinRef != "" {
			updates["pin_ref"] = ch.PinRef
		}
		res := tx.Model(&recordRow{}).
			Where("cid = ? AND status = ?", ch.CID, string(ch.From)).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return missingOrConflict(tx, ch.CID)
		}
		return insertEvent(tx, ev)
	})
}

// AppendEvent inserts ev after checking the record exists.
func (s *Store) AppendEvent(ctx context.Context, ev *model.CustodyEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getRecord(tx, ev.CID); err != nil {
			return err
		}
		return insertEvent(tx, ev)
	})
}

// Events returns the chain ordered by sequence.
func (s *Store) Events(ctx context.Context, cid string) ([]*model.CustodyEvent, error) {
	db := s.db.WithContext(ctx)
	var rows []eventRow
	if err := db.Where("cid = ?", cid).Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(rows) == 0 {
		if _, err := getRecord(db, cid); err != nil {
			return nil, err
		}
	}
	out := make([]*model.CustodyEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("decode event %s/%d: %w", cid, rows[i].Sequence, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// LastEvent returns the head of the chain.
func (s *Store) LastEvent(ctx context.Context, cid string) (*model.CustodyEvent, error) {
	var row eventRow
	err := s.db.WithContext(ctx).Where("cid = ?", cid).Order("sequence DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("load chain head: %w", err)
	}
	return row.toModel()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database instance: %w", err)
	}
	return sqlDB.Close()
}

func getRecord(db *gorm.DB, cid string) (*model.EvidenceRecord, error) {
	var row recordRow
	if err := db.Where("cid = ?", cid).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return row.toModel(), nil
}

func insertEvent(tx *gorm.DB, ev *model.CustodyEvent) error {
	row, err := toEventRow(ev)
	if err != nil {
		return fmt.Errorf("encode event detail: %w", err)
	}
	if err := tx.Create(row).Error; err != nil {
		if isDuplicate(err) {
			return catalog.ErrSequenceConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func missingOrConflict(tx *gorm.DB, cid string) error {
	var n int64
	if err := tx.Model(&recordRow{}).Where("cid = ?", cid).Count(&n).Error; err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	if n == 0 {
		return catalog.ErrNotFound
	}
	return catalog.ErrConflict
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package sqlite

import (
	"encoding/json"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
)

// recordRow is the evidence_records table. Times are stored as Unix
// microseconds so range filters and ordering compare integers.
type recordRow struct {
	CID          string `gorm:"column:cid;primaryKey"`
	CaseNumber   string `gorm:"column:case_number;not null;index"`
	FileName     string `gorm:"column:file_name;not null"`
	MimeType     string `gorm:"column:mime_type;not null"`
	SizeBytes    int64  `gorm:"column:size_bytes;not null"`
	UploadedBy   string `gorm:"column:uploaded_by;not null;index"`
	IngestedAtUS int64  `gorm:"column:ingested_at_us;not null;index"`
	Status       string `gorm:"column:status;not null;index"`
	PinRef       string `gorm:"column:pin_ref;not null"`
	UpdatedAtUS  int64  `gorm:"column:updated_at_us;not null"`
}

func (recordRow) TableName() string { return "evidence_records" }

// eventRow is the custody_events table.
type eventRow struct {
	CID      string `gorm:"column:cid;primaryKey"`
	Sequence int64  `gorm:"column:sequence;primaryKey;autoIncrement:false"`
	PrevHash string `gorm:"column:prev_hash;not null"`
	Hash     string `gorm:"column:hash;not null"`
	Kind     string `gorm:"column:kind;not null"`
	Actor    string `gorm:"column:actor;not null"`
	TSUS     int64  `gorm:"column:ts_us;not null"`
	Detail   string `gorm:"column:detail;not null"`
}

func (eventRow) TableName() string { return "custody_events" }

func toRecordRow(r *model.EvidenceRecord) *recordRow {
	return &recordRow{
		CID:          r.CID,
		CaseNumber:   r.CaseNumber,
		FileName:     r.FileName,
		MimeType:     r.MimeType,
		SizeBytes:    r.SizeBytes,
		UploadedBy:   r.UploadedBy,
		IngestedAtUS: r.IngestedAt.UnixMicro(),
		Status:       string(r.Status),
		PinRef:       r.PinRef,
		UpdatedAtUS:  r.UpdatedAt.UnixMicro(),
	}
}

func (row *recordRow) toModel() *model.EvidenceRecord {
	return &model.EvidenceRecord{
		CID:        row.CID,
		CaseNumber: row.CaseNumber,
		FileName:   row.FileName,
		MimeType:   row.MimeType,
		SizeBytes:  row.SizeBytes,
		UploadedBy: row.UploadedBy,
		IngestedAt: time.UnixMicro(row.IngestedAtUS).UTC(),
		Status:     model.Status(row.Status),
		PinRef:     row.PinRef,
		UpdatedAt:  time.UnixMicro(row.UpdatedAtUS).UTC(),
	}
}

func toEventRow(ev *model.CustodyEvent) (*eventRow, error) {
	detail := []byte("{}")
	if len(ev.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(ev.Detail); err != nil {
			return nil, err
		}
	}
	return &eventRow{
		CID:      ev.CID,
		Sequence: ev.Sequence,
		PrevHash: ev.PrevHash,
		Hash:     ev.Hash,
		Kind:     string(ev.Kind),
		Actor:    ev.Actor,
		TSUS:     ev.Timestamp.UnixMicro(),
		Detail:   string(detail),
	}, nil
}

func (row *eventRow) toModel() (*model.CustodyEvent, error) {
	ev := &model.CustodyEvent{
		CID:       row.CID,
		Sequence:  row.Sequence,
		PrevHash:  row.PrevHash,
		Hash:      row.Hash,
		Kind:      model.EventKind(row.Kind),
		Actor:     row.Actor,
		Timestamp: time.UnixMicro(row.TSUS).UTC(),
	}
	if row.Detail != "" && row.Detail != "{}" {
		if err := json.Unmarshal([]byte(row.Detail), &ev.Detail); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// Package ingest is the state machine of a single ingest run.
//
//	Hashing → DedupCheck → Pinning → Committing → Confirmed
//	                 └──────────────────────────→ Confirmed (duplicate)
//	Hashing, DedupCheck, Pinning, Committing → Failed
//
// Confirmed and Failed are terminal. A Flow is safe for concurrent use.
package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
)

// Stage is a pipeline stage.
type Stage string

const (
	StageHashing    Stage = "Hashing"
	StageDedupCheck Stage = "DedupCheck"
	StagePinning    Stage = "Pinning"
	StageCommitting Stage = "Committing"
	StageConfirmed  Stage = "Confirmed"
	StageFailed     Stage = "Failed"
)

// validTransitions is the transition matrix: current stage → allowed targets.
var validTransitions = map[Stage]map[Stage]bool{
	StageHashing:    {StageDedupCheck: true, StageFailed: true},
	StageDedupCheck: {StagePinning: true, StageConfirmed: true, StageFailed: true},
	StagePinning:    {StageCommitting: true, StageFailed: true},
	StageCommitting: {StageConfirmed: true, StageFailed: true},
	StageConfirmed:  {},
	StageFailed:     {},
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	return s == StageConfirmed || s == StageFailed
}

// Status maps a stage to the externally visible record status.
func (s Stage) Status() model.Status {
	switch s {
	case StageConfirmed:
		return model.StatusConfirmed
	case StageFailed:
		return model.StatusFailed
	default:
		return model.StatusPending
	}
}

// TransitionRecord is one entry of a flow's history.
type TransitionRecord struct {
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Flow tracks the stage of one ingest run for one CID.
type Flow struct {
	mu      sync.RWMutex
	cid     string
	current Stage
	code    string
	message string
	history []TransitionRecord
	started time.Time
	updated time.Time
}

// NewFlow returns a flow positioned at Hashing.
func NewFlow(cid string) *Flow {
	now := time.Now().UTC()
	return &Flow{
		cid:     cid,
		current: StageHashing,
		started: now,
		updated: now,
	}
}

// CID returns the content identifier the flow belongs to.
func (f *Flow) CID() string {
	return f.cid
}

// Stage returns the current stage.
func (f *Flow) Stage() Stage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// CanAdvance reports whether moving to target is allowed.
func (f *Flow) CanAdvance(target Stage) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return validTransitions[f.current][target]
}

// Advance moves the flow to target or returns a *TransitionError.
// Advancing to the current stage is a no-op.
func (f *Flow) Advance(target Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advanceLocked(target)
}

// Fail moves the flow to Failed and records a machine-readable code.
func (f *Flow) Fail(code, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.advanceLocked(StageFailed); err != nil {
		return err
	}
	f.code = code
	f.message = message
	return nil
}

func (f *Flow) advanceLocked(target Stage) error {
	if target == f.current {
		return nil
	}
	if _, ok := validTransitions[target]; !ok {
		return &TransitionError{
			Code:    "INVALID_STAGE",
			Message: fmt.Sprintf("unknown stage %q", target),
		}
	}
	if !validTransitions[f.current][target] {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("transition %s → %s is not allowed", f.current, target),
		}
	}

	now := time.Now().UTC()
	f.history = append(f.history, TransitionRecord{From: f.current, To: target, Timestamp: now})
	f.current = target
	f.updated = now
	return nil
}

// History returns a copy of the transitions taken so far.
func (f *Flow) History() []TransitionRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]TransitionRecord, len(f.history))
	copy(out, f.history)
	return out
}

// Snapshot returns the externally visible state of the flow.
func (f *Flow) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Snapshot{
		CID:       f.cid,
		Stage:     f.current,
		Status:    f.current.Status(),
		Code:      f.code,
		Message:   f.message,
		StartedAt: f.started,
		UpdatedAt: f.updated,
	}
}

// Snapshot is a point-in-time view of a flow.
type Snapshot struct {
	CID       string       `json:"cid"`
	Stage     Stage        `json:"stage"`
	Status    model.Status `json:"status"`
	Code      string       `json:"code,omitempty"`
	Message   string       `json:"message,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TransitionError is returned for disallowed stage changes.
type TransitionError struct {
	Code    string
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

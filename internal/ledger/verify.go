package ledger

import (
	"context"
	"fmt"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
)

// VerifyResult is the outcome of a chain audit.
type VerifyResult struct {
	CID    string `json:"cid"`
	Valid  bool   `json:"valid"`
	Length int    `json:"length"`
	Head   string `json:"head,omitempty"`
	// BrokenAt is the sequence of the first event whose linkage or hash
	// does not check out. Zero when the chain is intact.
	BrokenAt int64 `json:"broken_at,omitempty"`
	// FailedAt is the sequence of an unresolved VerificationFailed event.
	FailedAt int64                 `json:"failed_at,omitempty"`
	Reason   string                `json:"reason,omitempty"`
	Events   []*model.CustodyEvent `json:"events,omitempty"`
}

// Verify loads and checks the chain of cid.
func (l *Ledger) Verify(ctx context.Context, cid string) (*VerifyResult, error) {
	events, err := l.store.Events(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("load chain %s: %w", cid, err)
	}
	return VerifyEvents(cid, events), nil
}

// VerifyEvents checks sequence continuity, linkage and every hash of
// events, which must be ordered by sequence. It also flags an integrity
// failure that no later Repinned event resolved.
func VerifyEvents(cid string, events []*model.CustodyEvent) *VerifyResult {
	res := &VerifyResult{CID: cid, Length: len(events), Events: events}
	if len(events) == 0 {
		res.Reason = "chain is empty"
		return res
	}

	expectedSeq := int64(1)
	prevHash := ZeroHash
	var failedAt int64
	for _, ev := range events {
		reason := checkLink(cid, ev, expectedSeq, prevHash)
		if reason != "" {
			res.BrokenAt = ev.Sequence
			if res.BrokenAt == 0 {
				res.BrokenAt = expectedSeq
			}
			res.Reason = reason
			return res
		}
		switch ev.Kind {
		case model.EventVerificationFailed:
			if failedAt == 0 {
				failedAt = ev.Sequence
			}
		case model.EventRepinned:
			failedAt = 0
		}
		prevHash = ev.Hash
		expectedSeq++
	}

	res.Head = prevHash
	if failedAt != 0 {
		res.FailedAt = failedAt
		res.Reason = fmt.Sprintf("content verification failed at seq %d", failedAt)
		return res
	}
	res.Valid = true
	return res
}

func checkLink(cid string, ev *model.CustodyEvent, expectedSeq int64, prevHash string) string {
	switch {
	case ev.CID != cid:
		return fmt.Sprintf("cid mismatch at seq %d", ev.Sequence)
	case ev.Sequence != expectedSeq:
		return fmt.Sprintf("seq mismatch: expected %d got %d", expectedSeq, ev.Sequence)
	case expectedSeq == 1 && ev.Kind != model.EventIngested:
		return fmt.Sprintf("first event is %s, expected %s", ev.Kind, model.EventIngested)
	case !ev.Kind.Valid():
		return fmt.Sprintf("unknown event kind %q at seq %d", ev.Kind, ev.Sequence)
	case ev.PrevHash != prevHash:
		return fmt.Sprintf("prev hash mismatch at seq %d", ev.Sequence)
	case ev.Timestamp.IsZero():
		return fmt.Sprintf("missing timestamp at seq %d", ev.Sequence)
	case ComputeHash(ev) != ev.Hash:
		return fmt.Sprintf("hash mismatch at seq %d", ev.Sequence)
	}
	return ""
}

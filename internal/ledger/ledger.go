// Package ledger receives completion records, the only message a session
// sends outward. Recorders are the persistence collaborator: what a
// leaderboard does with the records is not this module's concern.
package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/jigsync/internal/model"
)

// Record describes one completed round.
type Record struct {
	SessionID      string           `json:"sessionId"`
	WinnerID       string           `json:"winnerId"`
	WinnerName     string           `json:"winnerName,omitempty"`
	WinnerScore    int              `json:"winnerScore"`
	ElapsedSeconds int64            `json:"elapsedSeconds"`
	Difficulty     model.Difficulty `json:"difficulty"`
	CompletedAt    int64            `json:"completedAt"`
}

// Recorder accepts completion records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Discard drops every record.
type Discard struct{}

// Record implements Recorder.
func (Discard) Record(context.Context, Record) error { return nil }

// Memory keeps records in process. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory { return &Memory{} }

// Record implements Recorder.
func (m *Memory) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything recorded, in arrival order.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Multi fans a record out to several recorders. Every recorder is tried;
// errors are joined.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/skillgate/gateway/internal/core"
)

// MemoryLedger is the best-effort development backend. Single writer per
// customer partition is enforced with one mutex; insertion order within a
// partition is strict append order.
type MemoryLedger struct {
	mu     sync.RWMutex
	events []*core.UsageEvent
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Append records the event and assigns its time-ordered identifier.
func (l *MemoryLedger) Append(_ context.Context, ev *core.UsageEvent) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.EventID == "" {
		ev.EventID = NewEventID(ev.Timestamp)
	}

	cp := *ev
	l.events = append(l.events, &cp)
	return ev.EventID, nil
}

// Query returns the matching events in insertion order, up to limit.
func (l *MemoryLedger) Query(_ context.Context, f Filter, limit int) ([]*core.UsageEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*core.UsageEvent
	for _, ev := range l.events {
		if !f.Matches(ev) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Aggregate folds matching events into UTC buckets.
func (l *MemoryLedger) Aggregate(_ context.Context, f Filter, bucket Bucket) ([]Row, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return AggregateEvents(l.events, f, bucket), nil
}

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skillgate/gateway/internal/core"
	"github.com/skillgate/gateway/internal/store"
)

// FileLedger is the filesystem-backed durable ledger: one canonical JSON
// record per line, fsynced before Append returns. The full event set is
// kept in memory for reads; the file is the source of truth on restart.
type FileLedger struct {
	mu     sync.RWMutex
	log    *store.AppendLog
	events []*core.UsageEvent
}

// OpenFileLedger opens the store at path and replays the durable prefix.
func OpenFileLedger(path string) (*FileLedger, error) {
	logFile, err := store.OpenAppendLog(path)
	if err != nil {
		return nil, err
	}

	fl := &FileLedger{log: logFile}
	if err := logFile.Scan(func(record []byte) bool {
		var ev core.UsageEvent
		if err := json.Unmarshal(record, &ev); err != nil {
			slog.Warn("usage ledger: skipping unreadable record", "path", path, "err", err)
			return true
		}
		fl.events = append(fl.events, &ev)
		return true
	}); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("replay usage ledger %s: %w", path, err)
	}

	slog.Info("usage ledger opened", "path", path, "events", len(fl.events))
	return fl, nil
}

// Append persists the event durably, then makes it visible to reads.
func (l *FileLedger) Append(_ context.Context, ev *core.UsageEvent) (string, error) {
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
	record, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("encode usage event: %w", err)
	}
	if err := l.log.Append(record); err != nil {
		return "", err
	}

	l.events = append(l.events, &cp)
	return ev.EventID, nil
}

// Query returns the matching events in insertion order, up to limit.
func (l *FileLedger) Query(_ context.Context, f Filter, limit int) ([]*core.UsageEvent, error) {
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
func (l *FileLedger) Aggregate(_ context.Context, f Filter, bucket Bucket) ([]Row, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return AggregateEvents(l.events, f, bucket), nil
}

// Close releases the underlying file.
func (l *FileLedger) Close() error {
	return l.log.Close()
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skillgate/gateway/internal/core"
	"github.com/skillgate/gateway/internal/store"
)

// Filter narrows List to a subset of decision records.
type Filter struct {
	CorrelationID string
	CallerID      string
	AgentID       string
	Since         time.Time // inclusive
	Until         time.Time // exclusive
	Limit         int
}

// Log is a single-writer, hash-chained append-only log of policy
// decisions. A distinguished genesis record at index 0 anchors the chain.
// When backed by a file store every record is durable before it becomes
// visible; without one the log is in-memory (development backend).
type Log struct {
	mu       sync.RWMutex
	file     *store.AppendLog
	records  []*Record
	lastHash string

	// onAppend is invoked after a record becomes visible; used by the
	// operator denial feed. Never blocks the writer.
	onAppend func(*Record)
}

// Open creates the log. path may be empty for the in-memory backend; when
// set, the durable prefix is replayed and a genesis record is written to a
// fresh file.
func Open(path string) (*Log, error) {
	l := &Log{lastHash: GenesisHash}

	if path != "" {
		f, err := store.OpenAppendLog(path)
		if err != nil {
			return nil, err
		}
		l.file = f
		if err := f.Scan(func(record []byte) bool {
			var r Record
			if err := json.Unmarshal(record, &r); err != nil {
				slog.Warn("audit log: skipping unreadable record", "path", path, "err", err)
				return true
			}
			l.records = append(l.records, &r)
			l.lastHash = r.SelfHash
			return true
		}); err != nil {
			f.Close()
			return nil, fmt.Errorf("replay audit log %s: %w", path, err)
		}
	}

	if len(l.records) == 0 {
		if err := l.appendLocked(genesisRecord()); err != nil {
			return nil, fmt.Errorf("write audit genesis: %w", err)
		}
	}

	slog.Info("audit log opened", "path", path, "records", len(l.records))
	return l, nil
}

func genesisRecord() *Record {
	return &Record{
		DecisionID: "genesis",
		Stage:      core.StageOther,
		Action:     "genesis",
		Timestamp:  time.Now().UTC(),
	}
}

// SetAppendCallback registers a post-append observer. Must be called
// before traffic starts.
func (l *Log) SetAppendCallback(fn func(*Record)) {
	l.onAppend = fn
}

// Append chains, persists and publishes one decision record. The append is
// transactional with gate termination: if it fails the originating request
// fails closed.
func (l *Log) Append(_ context.Context, r *Record) error {
	l.mu.Lock()
	err := l.appendLocked(r)
	l.mu.Unlock()

	if err == nil && l.onAppend != nil {
		l.onAppend(r)
	}
	return err
}

func (l *Log) appendLocked(r *Record) error {
	if r.DecisionID == "" {
		r.DecisionID = "dec-" + uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.Timestamp = r.Timestamp.UTC()
	r.PrevHash = l.lastHash
	r.SelfHash = r.ChainHash(r.PrevHash)

	if l.file != nil {
		record, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode audit record: %w", err)
		}
		if err := l.file.Append(record); err != nil {
			return err
		}
	}

	l.records = append(l.records, r)
	l.lastHash = r.SelfHash
	return nil
}

// List returns matching records in insertion order. The genesis record is
// excluded from filtered reads.
func (l *Log) List(f Filter) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Record
	for i, r := range l.records {
		if i == 0 {
			continue
		}
		if f.CorrelationID != "" && r.CorrelationID != f.CorrelationID {
			continue
		}
		if f.CallerID != "" && r.CallerID != f.CallerID {
			continue
		}
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of records including genesis.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Record returns the record at index (genesis is index 0). Intended for
// verification tooling and tests.
func (l *Log) Record(i int) *Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.records) {
		return nil
	}
	cp := *l.records[i]
	return &cp
}

// Tamper overwrites the record at index i in memory. Test hook for
// integrity verification; never touches the durable file.
func (l *Log) Tamper(i int, mutate func(*Record)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= 0 && i < len(l.records) {
		mutate(l.records[i])
	}
}

// Verify walks records[from:to] (half-open; to<=0 means the full chain)
// recomputing every self_hash and checking linkage to the predecessor.
// Read-only and idempotent. Returns ok and, when not ok, the earliest
// offending index.
func (l *Log) Verify(from, to int) (bool, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from < 0 {
		from = 0
	}
	if to <= 0 || to > len(l.records) {
		to = len(l.records)
	}

	for i := from; i < to; i++ {
		r := l.records[i]

		prev := GenesisHash
		if i > 0 {
			prev = l.records[i-1].SelfHash
		}
		if r.PrevHash != prev {
			return false, i
		}
		if r.SelfHash != r.ChainHash(r.PrevHash) {
			return false, i
		}
	}
	return true, -1
}

// Close releases the durable store, if any.
func (l *Log) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

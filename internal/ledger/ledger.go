// Package ledger implements the append-only usage ledger and the bounded
// aggregation queries consumed by the gate chain.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/skillgate/gateway/internal/core"
)

// Bucket selects the UTC aggregation window.
type Bucket string

const (
	BucketDay   Bucket = "day"
	BucketMonth Bucket = "month"
)

// Filter narrows Query and Aggregate to a subset of events. Zero values
// match everything.
type Filter struct {
	CustomerID    string
	CallerID      string
	AgentID       string
	CorrelationID string
	EventTypes    []core.EventType
	Since         time.Time // inclusive
	Until         time.Time // exclusive
}

// Matches reports whether the event passes every set filter field.
func (f Filter) Matches(ev *core.UsageEvent) bool {
	if f.CustomerID != "" && ev.CustomerID != f.CustomerID {
		return false
	}
	if f.CallerID != "" && ev.CallerID != f.CallerID {
		return false
	}
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if ev.EventType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ev.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Row is one UTC bucket of aggregated usage.
type Row struct {
	BucketStart time.Time `json:"bucket_start"`
	Events      int64     `json:"events"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	CostAmount  float64   `json:"cost_amount"`
}

// Ledger records metered events and serves the bounded reads the gate
// chain depends on. Append is durable before returning on the production
// backends and atomic per event record on all of them.
type Ledger interface {
	Append(ctx context.Context, ev *core.UsageEvent) (string, error)
	Query(ctx context.Context, f Filter, limit int) ([]*core.UsageEvent, error)
	Aggregate(ctx context.Context, f Filter, bucket Bucket) ([]Row, error)
}

// NewEventID assigns a time-ordered identifier to an event.
func NewEventID(at time.Time) string {
	return fmt.Sprintf("evt-%020d-%s", at.UnixNano(), uuid.NewString()[:8])
}

// BucketStart aligns t to the start of its UTC calendar day or month.
func BucketStart(t time.Time, bucket Bucket) time.Time {
	t = t.UTC()
	switch bucket {
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// NextBucketStart returns the first instant of the following UTC window.
// For month buckets this is the budget denial's window_resets_at value.
func NextBucketStart(t time.Time, bucket Bucket) time.Time {
	start := BucketStart(t, bucket)
	if bucket == BucketMonth {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

// AggregateEvents folds matching events into half-open UTC buckets. Shared
// by the in-memory, file and Redis backends; Postgres aggregates in SQL.
func AggregateEvents(events []*core.UsageEvent, f Filter, bucket Bucket) []Row {
	byStart := make(map[time.Time]*Row)
	for _, ev := range events {
		if !f.Matches(ev) {
			continue
		}
		start := BucketStart(ev.Timestamp, bucket)
		row, ok := byStart[start]
		if !ok {
			row = &Row{BucketStart: start}
			byStart[start] = row
		}
		row.Events++
		row.TokensIn += ev.TokensIn
		row.TokensOut += ev.TokensOut
		row.CostAmount += ev.CostAmount
	}

	rows := make([]Row, 0, len(byStart))
	for _, row := range byStart {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].BucketStart.Before(rows[j].BucketStart) })
	return rows
}

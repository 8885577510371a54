package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillgate/gateway/internal/core"
)

func mustAppend(t *testing.T, l Ledger, ev *core.UsageEvent) {
	t.Helper()
	_, err := l.Append(context.Background(), ev)
	require.NoError(t, err)
}

func execEvent(customer, caller string, at time.Time, cost float64, tokens int64) *core.UsageEvent {
	return &core.UsageEvent{
		EventType:  core.EventSkillExecution,
		CustomerID: customer,
		CallerID:   caller,
		AgentID:    "marketing/v1",
		TokensIn:   tokens,
		TokensOut:  tokens,
		CostAmount: cost,
		Timestamp:  at,
	}
}

func TestBucketStart_UTCBoundaries(t *testing.T) {
	// 23:59 on the last day of January, in a non-UTC zone.
	loc := time.FixedZone("plus2", 2*3600)
	at := time.Date(2026, 2, 1, 1, 30, 0, 0, loc) // 2026-01-31T23:30Z

	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), BucketStart(at, BucketDay))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), BucketStart(at, BucketMonth))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), NextBucketStart(at, BucketMonth))
}

func TestFilter_HalfOpenWindow(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f := Filter{Since: since, Until: until}

	assert.True(t, f.Matches(execEvent("c", "u", since, 0, 0)), "since is inclusive")
	assert.False(t, f.Matches(execEvent("c", "u", until, 0, 0)), "until is exclusive")
	assert.True(t, f.Matches(execEvent("c", "u", until.Add(-time.Nanosecond), 0, 0)))
}

func TestMemoryLedger_FilterFields(t *testing.T) {
	l := NewMemoryLedger()
	at := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	mustAppend(t, l, execEvent("cust-a", "alice", at, 0.10, 100))
	mustAppend(t, l, execEvent("cust-a", "bob", at, 0.20, 200))
	mustAppend(t, l, execEvent("cust-b", "alice", at, 0.30, 300))
	mustAppend(t, l, &core.UsageEvent{
		EventType: core.EventDenial, CustomerID: "cust-a", CallerID: "alice", Timestamp: at,
	})

	byCaller, err := l.Query(context.Background(), Filter{CallerID: "alice"}, 0)
	require.NoError(t, err)
	assert.Len(t, byCaller, 3)

	execOnly, err := l.Query(context.Background(), Filter{
		CustomerID: "cust-a",
		EventTypes: []core.EventType{core.EventSkillExecution},
	}, 0)
	require.NoError(t, err)
	assert.Len(t, execOnly, 2)
}

func TestMemoryLedger_AggregateAcrossDays(t *testing.T) {
	l := NewMemoryLedger()
	day1 := time.Date(2026, 5, 10, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 5, 11, 0, 1, 0, 0, time.UTC)
	mustAppend(t, l, execEvent("cust-a", "alice", day1, 0.10, 100))
	mustAppend(t, l, execEvent("cust-a", "alice", day2, 0.20, 200))
	mustAppend(t, l, execEvent("cust-a", "alice", day2, 0.30, 300))

	rows, err := l.Aggregate(context.Background(), Filter{CustomerID: "cust-a"}, BucketDay)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(1), rows[0].Events)
	assert.Equal(t, int64(2), rows[1].Events)
	assert.InDelta(t, 0.50, rows[1].CostAmount, 1e-9)
	assert.Equal(t, int64(500), rows[1].TokensIn)

	monthly, err := l.Aggregate(context.Background(), Filter{CustomerID: "cust-a"}, BucketMonth)
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.Equal(t, int64(3), monthly[0].Events)
	assert.InDelta(t, 0.60, monthly[0].CostAmount, 1e-9)
}

func TestFileLedger_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.log")

	l, err := OpenFileLedger(path)
	require.NoError(t, err)
	at := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	mustAppend(t, l, execEvent("cust-a", "alice", at, 1.25, 50))
	mustAppend(t, l, execEvent("cust-a", "alice", at.Add(time.Hour), 0.75, 60))
	require.NoError(t, l.Close())

	reopened, err := OpenFileLedger(path)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Query(context.Background(), Filter{CustomerID: "cust-a"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.InDelta(t, 1.25, events[0].CostAmount, 1e-9)

	rows, err := reopened.Aggregate(context.Background(), Filter{}, BucketMonth)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 2.00, rows[0].CostAmount, 1e-9)
}

func TestNewEventID_TimeOrdered(t *testing.T) {
	a := NewEventID(time.Unix(100, 0))
	b := NewEventID(time.Unix(200, 0))
	assert.Less(t, a, b)
}

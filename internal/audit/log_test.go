package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillgate/gateway/internal/core"
)

func denial(correlationID string, stage core.Stage, reason core.ReasonCode) *Record {
	return &Record{
		CorrelationID: correlationID,
		CallerID:      "alice",
		CustomerID:    "cust-a",
		AgentID:       "marketing/v1",
		Stage:         stage,
		Action:        "publish",
		ReasonCode:    reason,
	}
}

func TestLog_ChainLinkage(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(context.Background(), denial("c-1", core.StageApproval, core.ReasonApprovalRequired)))
	require.NoError(t, l.Append(context.Background(), denial("c-2", core.StageTrial, core.ReasonTrialDailyCap)))

	require.Equal(t, 3, l.Len()) // genesis + 2

	genesis := l.Record(0)
	assert.Equal(t, GenesisHash, genesis.PrevHash)
	assert.Equal(t, "genesis", genesis.DecisionID)

	for i := 1; i < l.Len(); i++ {
		assert.Equal(t, l.Record(i-1).SelfHash, l.Record(i).PrevHash, "record %d links to predecessor", i)
	}

	ok, bad := l.Verify(0, 0)
	assert.True(t, ok)
	assert.Equal(t, -1, bad)
}

func TestLog_VerifyDetectsTamperedBody(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(context.Background(), denial("c", core.StageBudget, core.ReasonMonthlyBudgetExceeded)))
	}

	l.Tamper(3, func(r *Record) { r.ReasonCode = core.ReasonApprovalRequired })

	ok, bad := l.Verify(0, 0)
	assert.False(t, ok)
	assert.Equal(t, 3, bad, "earliest offending index")

	// Verification is read-only: a second pass reports the same fault.
	ok2, bad2 := l.Verify(0, 0)
	assert.False(t, ok2)
	assert.Equal(t, bad, bad2)
}

func TestLog_VerifyDetectsBrokenLinkage(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Append(context.Background(), denial("c", core.StageTrial, core.ReasonTrialDailyCap)))
	}

	l.Tamper(2, func(r *Record) {
		r.PrevHash = GenesisHash
		r.SelfHash = r.ChainHash(r.PrevHash)
	})

	ok, bad := l.Verify(0, 0)
	assert.False(t, ok)
	assert.Equal(t, 2, bad)
}

func TestLog_ListExcludesGenesisAndFilters(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(context.Background(), denial("c-1", core.StageApproval, core.ReasonApprovalRequired)))
	require.NoError(t, l.Append(context.Background(), denial("c-2", core.StageMetering, core.ReasonMeteringEnvelopeInvalid)))

	all := l.List(Filter{})
	require.Len(t, all, 2)
	for _, r := range all {
		assert.NotEqual(t, "genesis", r.DecisionID)
	}

	byCorr := l.List(Filter{CorrelationID: "c-2"})
	require.Len(t, byCorr, 1)
	assert.Equal(t, core.ReasonMeteringEnvelopeInvalid, byCorr[0].ReasonCode)
}

func TestLog_FileBackedChainSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), denial("c-1", core.StageApproval, core.ReasonApprovalRequired)))
	require.NoError(t, l.Append(context.Background(), denial("c-2", core.StageBudget, core.ReasonMonthlyBudgetExceeded)))
	lastHash := l.Record(l.Len() - 1).SelfHash
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, 3, reopened.Len())
	assert.Equal(t, lastHash, reopened.Record(reopened.Len()-1).SelfHash)

	ok, _ := reopened.Verify(0, 0)
	assert.True(t, ok)

	// The chain keeps extending from the replayed tip.
	require.NoError(t, reopened.Append(context.Background(), denial("c-3", core.StageTrial, core.ReasonTrialDailyCap)))
	assert.Equal(t, lastHash, reopened.Record(3).PrevHash)
}

func TestCanonicalBody_DeterministicDetails(t *testing.T) {
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	a := &Record{DecisionID: "d", Details: map[string]string{"b": "2", "a": "1"}, Timestamp: at}
	b := &Record{DecisionID: "d", Details: map[string]string{"a": "1", "b": "2"}, Timestamp: at}
	assert.Equal(t, a.CanonicalBody(), b.CanonicalBody())
	assert.Contains(t, a.CanonicalBody(), "a=1,b=2")
}

func TestVerifier_RunOnceAlertsOnCorruption(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Append(context.Background(), denial("c-1", core.StageApproval, core.ReasonApprovalRequired)))

	var alerted int
	v := NewVerifier(l, time.Minute, func(firstBad int, rec *Record) {
		alerted = firstBad
	})

	ok, _ := v.RunOnce()
	assert.True(t, ok)

	l.Tamper(1, func(r *Record) { r.CallerID = "mallory" })
	ok, firstBad := v.RunOnce()
	assert.False(t, ok)
	assert.Equal(t, 1, firstBad)
	assert.Equal(t, 1, alerted)
}

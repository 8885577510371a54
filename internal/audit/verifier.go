package audit

import (
	"context"
	"log/slog"
	"time"
)

// AlertFunc receives operator alerts raised by the verifier. Integrity
// faults never block traffic; they are surfaced here and nowhere else.
type AlertFunc func(firstBadIndex int, record *Record)

// Verifier periodically walks the audit chain and raises an operator alert
// on the first mismatch. Verification is read-only and idempotent.
type Verifier struct {
	log      *Log
	interval time.Duration
	alert    AlertFunc

	// onResult is an optional observation hook (metrics).
	onResult func(ok bool)
}

// NewVerifier builds a verifier over log, checking every interval.
func NewVerifier(log *Log, interval time.Duration, alert AlertFunc) *Verifier {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Verifier{log: log, interval: interval, alert: alert}
}

// SetResultHook registers a per-pass observation callback.
func (v *Verifier) SetResultHook(fn func(ok bool)) {
	v.onResult = fn
}

// RunOnce verifies the full chain and raises the alert on mismatch.
func (v *Verifier) RunOnce() (bool, int) {
	ok, firstBad := v.log.Verify(0, 0)
	if v.onResult != nil {
		v.onResult(ok)
	}
	if !ok {
		rec := v.log.Record(firstBad)
		slog.Error("audit chain integrity fault", "first_bad_index", firstBad)
		if v.alert != nil {
			v.alert(firstBad, rec)
		}
	}
	return ok, firstBad
}

// Run verifies on a fixed schedule until ctx is cancelled.
func (v *Verifier) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.RunOnce()
		case <-ctx.Done():
			return
		}
	}
}

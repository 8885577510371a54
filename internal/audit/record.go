// Package audit implements the hash-chained append-only log of policy
// decisions, its filtered reads and the out-of-band integrity verifier.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/skillgate/gateway/internal/core"
)

// GenesisHash anchors the chain: the prev_hash of the record at index 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one hash-chained policy decision. Append-only; the hash fields
// are derived, everything else is the canonical body.
type Record struct {
	DecisionID    string            `json:"decision_id"`
	CorrelationID string            `json:"correlation_id"`
	CallerID      string            `json:"caller_id"`
	CustomerID    string            `json:"customer_id"`
	AgentID       string            `json:"agent_id"`
	Stage         core.Stage        `json:"stage"`
	Action        string            `json:"action"`
	ReasonCode    core.ReasonCode   `json:"reason_code"`
	Details       map[string]string `json:"details,omitempty"`
	Path          string            `json:"path,omitempty"`
	PrevHash      string            `json:"prev_hash"`
	SelfHash      string            `json:"self_hash"`
	Timestamp     time.Time         `json:"timestamp_utc"`
}

// CanonicalBody renders the record without its hash fields in a fixed
// field order with no whitespace variation. Two implementations hashing
// the same record must produce identical bytes.
func (r *Record) CanonicalBody() string {
	var b strings.Builder
	b.WriteString(r.DecisionID)
	b.WriteByte('|')
	b.WriteString(r.CorrelationID)
	b.WriteByte('|')
	b.WriteString(r.CallerID)
	b.WriteByte('|')
	b.WriteString(r.CustomerID)
	b.WriteByte('|')
	b.WriteString(r.AgentID)
	b.WriteByte('|')
	b.WriteString(string(r.Stage))
	b.WriteByte('|')
	b.WriteString(r.Action)
	b.WriteByte('|')
	b.WriteString(string(r.ReasonCode))
	b.WriteByte('|')
	b.WriteString(canonicalDetails(r.Details))
	b.WriteByte('|')
	b.WriteString(r.Path)
	b.WriteByte('|')
	b.WriteString(r.Timestamp.UTC().Format(time.RFC3339Nano))
	return b.String()
}

// canonicalDetails renders details as key=value pairs sorted by key.
func canonicalDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, details[k]))
	}
	return strings.Join(pairs, ",")
}

// ChainHash computes self_hash = SHA-256(prev_hash || canonical(body)).
func (r *Record) ChainHash(prevHash string) string {
	sum := sha256.Sum256([]byte(prevHash + r.CanonicalBody()))
	return hex.EncodeToString(sum[:])
}

// Package metering parses and validates the trusted metering envelope: the
// set of signed X-Metering-* headers carrying authoritative token, model
// and cost counts from an upstream metering component.
package metering

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/skillgate/gateway/internal/core"
)

// Trusted metering header names. Server-only: a correct ingress strips
// them from browser-originated requests before they reach the verifier.
const (
	HeaderTimestamp = "X-Metering-Timestamp"
	HeaderTokensIn  = "X-Metering-Tokens-In"
	HeaderTokensOut = "X-Metering-Tokens-Out"
	HeaderModel     = "X-Metering-Model"
	HeaderCacheHit  = "X-Metering-Cache-Hit"
	HeaderCost      = "X-Metering-Cost"
	HeaderSignature = "X-Metering-Signature"
)

// Headers lists all seven envelope headers.
var Headers = []string{
	HeaderTimestamp, HeaderTokensIn, HeaderTokensOut, HeaderModel,
	HeaderCacheHit, HeaderCost, HeaderSignature,
}

// EnvelopeError is a verification failure with its policy reason code.
type EnvelopeError struct {
	Reason core.ReasonCode
	Msg    string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

// Verifier validates envelopes against the process-wide metering secret.
// The secret and TTL are read-only after startup.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier builds a verifier. An empty secret disables enforcement:
// caller-declared metering passes through unchanged.
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	v := &Verifier{ttl: ttl, now: time.Now}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

// SetClock overrides the verifier's clock. Test hook.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Enabled reports whether the metering secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// FormatCost renders a cost amount to six fractional digits, the canonical
// textual form used in the signature payload.
func FormatCost(cost float64) string {
	return strconv.FormatFloat(cost, 'f', 6, 64)
}

// CanonicalPayload builds the exact string the envelope signature covers.
func CanonicalPayload(ts, correlationID string, tokensIn, tokensOut int64, model string, cacheHit bool, cost float64) string {
	return strings.Join([]string{
		ts,
		correlationID,
		strconv.FormatInt(tokensIn, 10),
		strconv.FormatInt(tokensOut, 10),
		model,
		strconv.FormatBool(cacheHit),
		FormatCost(cost),
	}, "|")
}

// Sign computes the base64-url (no padding) HMAC-SHA-256 of payload under
// the configured secret. Used by server-to-server producers and tests.
func (v *Verifier) Sign(payload string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify turns the raw envelope headers into an attested metering value or
// rejects. All seven headers must be present; the signature must match the
// canonical payload in constant time; the timestamp must be within the TTL
// of server time.
func (v *Verifier) Verify(headers map[string]string, correlationID string) (*core.Metering, *EnvelopeError) {
	if !v.Enabled() {
		return nil, nil // pass-through: caller-declared metering is used
	}

	for _, name := range Headers {
		if _, ok := headers[name]; !ok {
			return nil, &EnvelopeError{
				Reason: core.ReasonMeteringEnvelopeRequired,
				Msg:    "missing header " + name,
			}
		}
	}

	ts := headers[HeaderTimestamp]
	tsSec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, &EnvelopeError{Reason: core.ReasonMeteringEnvelopeInvalid, Msg: "unparseable timestamp"}
	}
	tokensIn, err := strconv.ParseInt(headers[HeaderTokensIn], 10, 64)
	if err != nil {
		return nil, &EnvelopeError{Reason: core.ReasonMeteringEnvelopeInvalid, Msg: "unparseable tokens_in"}
	}
	tokensOut, err := strconv.ParseInt(headers[HeaderTokensOut], 10, 64)
	if err != nil {
		return nil, &EnvelopeError{Reason: core.ReasonMeteringEnvelopeInvalid, Msg: "unparseable tokens_out"}
	}
	cacheHit, err := strconv.ParseBool(headers[HeaderCacheHit])
	if err != nil {
		return nil, &EnvelopeError{Reason: core.ReasonMeteringEnvelopeInvalid, Msg: "unparseable cache_hit"}
	}
	cost, err := strconv.ParseFloat(headers[HeaderCost], 64)
	if err != nil {
		return nil, &EnvelopeError{Reason: core.ReasonMeteringEnvelopeInvalid, Msg: "unparseable cost"}
	}
	// Cost is attested at six fractional digits; round to what was signed.
	cost, _ = strconv.ParseFloat(FormatCost(cost), 64)

	model := headers[HeaderModel] // may be empty

	payload := CanonicalPayload(ts, correlationID, tokensIn, tokensOut, model, cacheHit, cost)
	want := v.Sign(payload)
	if !hmac.Equal([]byte(want), []byte(headers[HeaderSignature])) {
		return nil, &EnvelopeError{Reason: core.ReasonMeteringEnvelopeInvalid, Msg: "signature mismatch"}
	}

	age := v.now().UTC().Sub(time.Unix(tsSec, 0).UTC())
	if age < 0 {
		age = -age
	}
	if age > v.ttl {
		return nil, &EnvelopeError{Reason: core.ReasonMeteringEnvelopeExpired, Msg: "timestamp outside TTL"}
	}

	return &core.Metering{
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		Model:      model,
		CacheHit:   cacheHit,
		CostAmount: cost,
		Attested:   true,
	}, nil
}

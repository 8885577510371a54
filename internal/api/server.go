// Package api exposes the gateway over REST/JSON: the execute path, the
// spec preflight endpoints, the usage and audit read APIs and the
// operator denial feed.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skillgate/gateway/internal/audit"
	"github.com/skillgate/gateway/internal/config"
	"github.com/skillgate/gateway/internal/core"
	"github.com/skillgate/gateway/internal/gates"
	"github.com/skillgate/gateway/internal/ledger"
	"github.com/skillgate/gateway/internal/metering"
	"github.com/skillgate/gateway/internal/metrics"
	"github.com/skillgate/gateway/internal/playbook"
	"github.com/skillgate/gateway/internal/pricing"
	"github.com/skillgate/gateway/internal/spec"
)

// Server wires the compile plane, the gate chain and the record plane
// behind the HTTP surface.
type Server struct {
	registry  *spec.Registry
	cache     *spec.BundleCache
	playbooks *playbook.Registry
	plans     *config.PlanSet
	chain     *gates.Chain
	ledger    ledger.Ledger
	audit     *audit.Log
	pricing   *pricing.Table
	metrics   *metrics.Metrics
	feed      *DenialFeed

	agents map[string]*spec.AgentSpec

	// Backpressure: in-flight request count against the high-water mark,
	// plus an optional external overload hook.
	inflight   atomic.Int64
	highWater  int
	overloaded func() bool

	timeout time.Duration
	now     func() time.Time
}

// Deps carries everything the server needs. Pricing, Metrics and
// Overloaded are optional.
type Deps struct {
	Registry   *spec.Registry
	Playbooks  *playbook.Registry
	Plans      *config.PlanSet
	Chain      *gates.Chain
	Ledger     ledger.Ledger
	Audit      *audit.Log
	Pricing    *pricing.Table
	Metrics    *metrics.Metrics
	Overloaded func() bool
	HighWater  int
	Timeout    time.Duration
}

func NewServer(d Deps) *Server {
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Second
	}
	return &Server{
		registry:   d.Registry,
		cache:      spec.NewBundleCache(d.Registry, 0),
		playbooks:  d.Playbooks,
		plans:      d.Plans,
		chain:      d.Chain,
		ledger:     d.Ledger,
		audit:      d.Audit,
		pricing:    d.Pricing,
		metrics:    d.Metrics,
		feed:       NewDenialFeed(),
		agents:     make(map[string]*spec.AgentSpec),
		highWater:  d.HighWater,
		overloaded: d.Overloaded,
		timeout:    d.Timeout,
		now:        time.Now,
	}
}

// RegisterAgent installs an agent spec under its reference id. Specs are
// compiled lazily on first use and cached by content hash.
func (s *Server) RegisterAgent(id string, sp *spec.AgentSpec) {
	s.agents[id] = sp
}

// Feed returns the operator denial feed so main can hook it to the audit
// log's append callback.
func (s *Server) Feed() *DenialFeed { return s.feed }

// Router builds the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(correlationMiddleware)
	r.Use(loggingMiddleware)
	r.Use(s.shedMiddleware)

	// --- Endpoints ---

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(identityMiddleware)
	api.Use(boundaryMiddleware)
	api.Use(timeoutMiddleware(s.timeout))

	api.HandleFunc("/agents/{agent:[a-zA-Z0-9_.-]+/v[0-9]+}/skills/{skill:[a-zA-Z0-9_-]+}:execute", s.handleExecute).Methods("POST")
	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/specs/schema", s.handleSchema).Methods("GET")
	api.HandleFunc("/specs/validate", s.handleValidateSpec).Methods("POST")
	api.HandleFunc("/usage/events", s.handleUsageEvents).Methods("GET")
	api.HandleFunc("/usage/aggregate", s.handleUsageAggregate).Methods("GET")
	api.HandleFunc("/audit/decisions", s.handleAuditDecisions).Methods("GET")

	r.HandleFunc("/ws/denials", s.feed.HandleWS)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	return r
}

// --- Execute path ---

type executeRequest struct {
	IntentAction string                 `json:"intent_action,omitempty"`
	ApprovalID   string                 `json:"approval_id,omitempty"`
	DoPublish    bool                   `json:"do_publish,omitempty"`
	TrialMode    bool                   `json:"trial_mode,omitempty"`
	Inputs       map[string]interface{} `json:"inputs"`
	Metering     *declaredMetering      `json:"metering,omitempty"`
}

type declaredMetering struct {
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	Model      string  `json:"model"`
	CacheHit   bool    `json:"cache_hit"`
	CostAmount float64 `json:"cost_amount"`
}

type executeResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	Draft         *playbook.Draft `json:"draft,omitempty"`
	Published     bool            `json:"published"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cid := CorrelationID(ctx)
	caller := CallerID(ctx)
	vars := mux.Vars(r)
	agentID, skillName := vars["agent"], vars["skill"]

	outcome := "denied"
	defer func() {
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(agentID, outcome).Inc()
		}
	}()

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		outcome = "bad_request"
		writeProblem(w, cid, core.ReasonBadRequest, "malformed request body", nil)
		return
	}

	registered, ok := s.agents[agentID]
	if !ok {
		outcome = "not_found"
		s.auditReject(ctx, cid, caller, agentID, core.ReasonUnknownReferenceAgent, r.URL.Path)
		writeProblem(w, cid, core.ReasonUnknownReferenceAgent, "agent not registered",
			map[string]interface{}{"agent_id": agentID})
		return
	}

	bundle, violations := s.cache.Compile(registered)
	if len(violations) > 0 {
		outcome = "spec_invalid"
		writeProblem(w, cid, core.ReasonSpecInvalid, "agent spec failed validation",
			map[string]interface{}{"violations": violations})
		return
	}

	skillInst, active := bundle.Skill()
	if !active {
		outcome = "not_found"
		s.auditReject(ctx, cid, caller, agentID, core.ReasonUnknownReferenceAgent, r.URL.Path)
		writeProblem(w, cid, core.ReasonUnknownReferenceAgent, "skill dimension not active",
			map[string]interface{}{"agent_id": agentID})
		return
	}
	pb, ok := s.playbooks.Get(skillInst.Config.PlaybookID)
	if !ok || pb.Skill != skillName {
		outcome = "not_found"
		s.auditReject(ctx, cid, caller, agentID, core.ReasonUnknownReferenceAgent, r.URL.Path)
		writeProblem(w, cid, core.ReasonUnknownReferenceAgent, "no playbook bound for skill",
			map[string]interface{}{"agent_id": agentID, "skill": skillName})
		return
	}

	planID := r.Header.Get("X-Plan-Id")
	if planID == "" {
		planID = "trial"
	}
	plan := s.plans.Get(planID)
	if plan == nil {
		outcome = "bad_request"
		writeProblem(w, cid, core.ReasonBadRequest, "unknown plan",
			map[string]interface{}{"plan_id": planID})
		return
	}
	customerID := r.Header.Get("X-Customer-Id")
	if customerID == "" {
		customerID = caller
	}

	inv := &core.Invocation{
		CorrelationID:   cid,
		CallerID:        caller,
		CustomerID:      customerID,
		PlanID:          planID,
		AgentID:         agentID,
		SkillID:         skillName,
		IntentAction:    body.IntentAction,
		ApprovalID:      body.ApprovalID,
		DoPublish:       body.DoPublish,
		TrialMode:       body.TrialMode || planID == "trial",
		Inputs:          body.Inputs,
		EnvelopeHeaders: envelopeHeaders(r),
		ReceivedAt:      s.now().UTC(),
	}
	if m := body.Metering; m != nil {
		inv.Declared = core.Metering{
			TokensIn:   m.TokensIn,
			TokensOut:  m.TokensOut,
			Model:      m.Model,
			CacheHit:   m.CacheHit,
			CostAmount: m.CostAmount,
		}
	}
	// Impute a cost from the pricing table when the caller declared tokens
	// but no cost.
	if s.pricing != nil && inv.Declared.CostAmount == 0 && inv.Declared.Model != "" {
		if cost, ok := s.pricing.Impute(inv.Declared.Model, inv.Declared.TokensIn, inv.Declared.TokensOut); ok {
			inv.Declared.CostAmount = cost
		}
	}

	if ctx.Err() != nil {
		outcome = "deadline"
		s.auditDeadline(ctx, inv, r.URL.Path)
		writeProblem(w, cid, core.ReasonDeadline, "request deadline expired", nil)
		return
	}

	decision, err := s.chain.Run(ctx, &gates.Request{Inv: inv, Bundle: bundle, Plan: plan})
	if err != nil {
		if ctx.Err() != nil {
			outcome = "deadline"
			s.auditDeadline(ctx, inv, r.URL.Path)
			writeProblem(w, cid, core.ReasonDeadline, "request deadline expired", nil)
			return
		}
		outcome = "error"
		writeProblem(w, cid, core.ReasonInternal, "gate evaluation failed", nil)
		return
	}
	if decision != nil {
		writeProblem(w, cid, decision.ReasonCode, "request denied", decision.Details)
		return
	}

	draft, err := s.playbooks.Execute(pb, inv.Inputs)
	if err != nil {
		outcome = "bad_request"
		writeProblem(w, cid, core.ReasonBadRequest, "playbook execution failed",
			map[string]interface{}{"error": err.Error()})
		return
	}

	// The skill has run: its usage event must land even if the deadline
	// expires mid-append. Work must never occur without being recorded.
	recordCtx := context.WithoutCancel(ctx)
	effective := inv.EffectiveMetering()
	now := s.now().UTC()
	_, err = s.appendTimed(recordCtx, &core.UsageEvent{
		EventID:       ledger.NewEventID(now),
		EventType:     core.EventSkillExecution,
		CorrelationID: cid,
		CallerID:      caller,
		CustomerID:    customerID,
		AgentID:       agentID,
		Purpose:       skillInst.Config.Purpose,
		Model:         effective.Model,
		CacheHit:      effective.CacheHit,
		TokensIn:      effective.TokensIn,
		TokensOut:     effective.TokensOut,
		CostAmount:    effective.CostAmount,
		Timestamp:     now,
	})
	if err != nil {
		outcome = "error"
		writeProblem(w, cid, core.ReasonInternal, "usage ledger append failed", nil)
		return
	}

	published := false
	if core.SideEffecting(inv.IntentAction) || inv.DoPublish {
		// Cost rides on the skill_execution event; the publish_action
		// records the side effect itself.
		_, err = s.appendTimed(recordCtx, &core.UsageEvent{
			EventID:       ledger.NewEventID(s.now().UTC()),
			EventType:     core.EventPublishAction,
			CorrelationID: cid,
			CallerID:      caller,
			CustomerID:    customerID,
			AgentID:       agentID,
			Purpose:       inv.IntentAction,
			Timestamp:     s.now().UTC(),
		})
		if err != nil {
			outcome = "error"
			writeProblem(w, cid, core.ReasonInternal, "usage ledger append failed", nil)
			return
		}
		published = true
	}

	outcome = "ok"
	writeJSON(w, http.StatusOK, executeResponse{
		CorrelationID: cid,
		Status:        "ok",
		Draft:         draft,
		Published:     published,
	})
}

// appendTimed wraps ledger appends with the append-latency histogram.
func (s *Server) appendTimed(ctx context.Context, ev *core.UsageEvent) (string, error) {
	started := s.now()
	id, err := s.ledger.Append(ctx, ev)
	if s.metrics != nil {
		s.metrics.LedgerAppend.WithLabelValues("primary").Observe(s.now().Sub(started).Seconds())
	}
	return id, err
}

// auditReject writes the audit record for a pre-gate policy rejection.
func (s *Server) auditReject(ctx context.Context, cid, caller, agentID string, reason core.ReasonCode, path string) {
	s.audit.Append(context.WithoutCancel(ctx), &audit.Record{
		CorrelationID: cid,
		CallerID:      caller,
		AgentID:       agentID,
		Stage:         core.StageOther,
		Action:        "execute",
		ReasonCode:    reason,
		Path:          path,
		Timestamp:     s.now().UTC(),
	})
}

// auditDeadline records a deadline expiry if the store still accepts it.
func (s *Server) auditDeadline(ctx context.Context, inv *core.Invocation, path string) {
	s.audit.Append(context.WithoutCancel(ctx), &audit.Record{
		CorrelationID: inv.CorrelationID,
		CallerID:      inv.CallerID,
		CustomerID:    inv.CustomerID,
		AgentID:       inv.AgentID,
		Stage:         core.StageOther,
		Action:        "execute",
		ReasonCode:    core.ReasonDeadline,
		Path:          path,
		Timestamp:     s.now().UTC(),
	})
}

func envelopeHeaders(r *http.Request) map[string]string {
	out := make(map[string]string)
	for _, h := range metering.Headers {
		if vs := r.Header.Values(h); len(vs) > 0 {
			out[h] = vs[0]
		}
	}
	return out
}

// --- Spec preflight ---

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.registry.Schema())
}

func (s *Server) handleValidateSpec(w http.ResponseWriter, r *http.Request) {
	cid := CorrelationID(r.Context())

	raw, err := readBody(r)
	if err != nil {
		writeProblem(w, cid, core.ReasonBadRequest, "malformed request body", nil)
		return
	}

	// Schema preflight first for precise pointer paths, then the full
	// semantic compile.
	violations := s.registry.ValidateDocument(raw)
	if len(violations) == 0 {
		var sp spec.AgentSpec
		if err := json.Unmarshal(raw, &sp); err != nil {
			writeProblem(w, cid, core.ReasonBadRequest, "malformed agent spec", nil)
			return
		}
		violations = s.registry.Validate(&sp)
	}

	if len(violations) > 0 {
		writeProblem(w, cid, core.ReasonSpecInvalid, "agent spec failed validation",
			map[string]interface{}{"violations": violations})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "correlation_id": cid})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	type agentSummary struct {
		AgentID     string        `json:"agent_id"`
		SpecType    spec.SpecType `json:"spec_type"`
		SpecVersion string        `json:"spec_version"`
		ContentHash string        `json:"content_hash"`
	}

	out := make([]agentSummary, 0, len(s.agents))
	for id, sp := range s.agents {
		out = append(out, agentSummary{
			AgentID:     id,
			SpecType:    sp.Type,
			SpecVersion: sp.Version,
			ContentHash: spec.ContentHash(sp),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

// --- Usage and audit reads ---

func (s *Server) handleUsageEvents(w http.ResponseWriter, r *http.Request) {
	cid := CorrelationID(r.Context())
	f, limit, err := usageFilter(r)
	if err != nil {
		writeProblem(w, cid, core.ReasonBadRequest, err.Error(), nil)
		return
	}

	events, qerr := s.ledger.Query(r.Context(), f, limit)
	if qerr != nil {
		writeProblem(w, cid, core.ReasonInternal, "ledger query failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleUsageAggregate(w http.ResponseWriter, r *http.Request) {
	cid := CorrelationID(r.Context())
	f, _, err := usageFilter(r)
	if err != nil {
		writeProblem(w, cid, core.ReasonBadRequest, err.Error(), nil)
		return
	}

	bucket := ledger.BucketDay
	switch b := r.URL.Query().Get("bucket"); b {
	case "", "day":
	case "month":
		bucket = ledger.BucketMonth
	default:
		writeProblem(w, cid, core.ReasonBadRequest, "bucket must be day or month", nil)
		return
	}

	rows, aerr := s.ledger.Aggregate(r.Context(), f, bucket)
	if aerr != nil {
		writeProblem(w, cid, core.ReasonInternal, "ledger aggregate failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bucket": bucket, "rows": rows})
}

func (s *Server) handleAuditDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		CorrelationID: q.Get("correlation_id"),
		CallerID:      q.Get("caller_id"),
		AgentID:       q.Get("agent_id"),
		Limit:         intQuery(q.Get("limit"), 100),
	}
	if t, ok := timeQuery(q.Get("since")); ok {
		f.Since = t
	}
	if t, ok := timeQuery(q.Get("until")); ok {
		f.Until = t
	}

	records := s.audit.List(f)
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": records, "count": len(records)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Internal helpers ---

func usageFilter(r *http.Request) (ledger.Filter, int, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		CustomerID:    q.Get("customer_id"),
		CallerID:      q.Get("caller_id"),
		AgentID:       q.Get("agent_id"),
		CorrelationID: q.Get("correlation_id"),
	}
	if types := q.Get("event_type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			f.EventTypes = append(f.EventTypes, core.EventType(strings.TrimSpace(t)))
		}
	}
	if t, ok := timeQuery(q.Get("since")); ok {
		f.Since = t
	}
	if t, ok := timeQuery(q.Get("until")); ok {
		f.Until = t
	}
	return f, intQuery(q.Get("limit"), 100), nil
}

func intQuery(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return fallback
}

func timeQuery(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/eventlog"
)

// maxEnvelopeBytes bounds a submitted envelope, code and content included.
const maxEnvelopeBytes = 4 << 20

// handleSubmit runs one action envelope through the dispatcher.
// POST /api/v1/actions
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var env core.Envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return
	}
	if p := principalFrom(r.Context()); p != "" {
		env.ActorID = p
	}
	env.Args = normalizeArgs(env.Args)

	res := s.kernel.Submit(r.Context(), &env)
	if res.Outcome == core.CodeTooFast && res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
	respondJSON(w, httpStatus(res.Outcome), res)
}

// normalizeArgs turns json.Number values into int64 when they are whole and
// float64 otherwise, recursing into lists and objects.
func normalizeArgs(args []any) []any {
	for i, a := range args {
		args[i] = normalizeValue(a)
	}
	return args
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		return normalizeArgs(t)
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeValue(e)
		}
		return t
	}
	return v
}

// handleListEvents returns events with optional filtering
// GET /api/v1/events?action_type=&actor=&target=&outcome=&after=&since=&until=&limit=&order=
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	opts := eventlog.QueryOptions{
		ActionType: core.ActionType(query.Get("action_type")),
		Actor:      query.Get("actor"),
		Target:     query.Get("target"),
		Outcome:    core.Code(query.Get("outcome")),
		Descending: query.Get("order") == "desc",
		Limit:      100,
	}
	if after := query.Get("after"); after != "" {
		n, err := strconv.ParseInt(after, 10, 64)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "after must be a non-negative event number")
			return
		}
		opts.After = n
	}
	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = t
	}
	if until := query.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			respondError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		opts.Until = t
	}
	if limit := query.Get("limit"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be positive")
			return
		}
		opts.Limit = min(l, 1000)
	}

	events := s.kernel.Events().Query(opts)
	if events == nil {
		events = []*core.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events":      events,
		"count":       len(events),
		"last_number": s.kernel.Events().LastNumber(),
		"limit":       opts.Limit,
	})
}

// GET /api/v1/events/{number}
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "event number must be an integer")
		return
	}
	e, ok := s.kernel.Events().Get(n)
	if !ok {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// handleVerifyEvents checks the hash chain in memory and, when persisted,
// on disk.
// GET /api/v1/events/verify
func (s *Server) handleVerifyEvents(w http.ResponseWriter, r *http.Request) {
	result := map[string]interface{}{
		"verified_at":  s.kernel.Clock().Now().UTC(),
		"last_number":  s.kernel.Events().LastNumber(),
		"last_hash":    s.kernel.Events().LastHash(),
		"memory_valid": true,
	}
	valid := true

	if err := s.kernel.Events().VerifyChain(); err != nil {
		valid = false
		result["memory_valid"] = false
		addChainError(result, "memory_", err)
	}

	if s.events != nil {
		stored, err := s.events.Load(0, 0)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		result["stored_events"] = len(stored)
		result["stored_valid"] = true
		if err := eventlog.Verify(stored, eventlog.GenesisHash); err != nil {
			valid = false
			result["stored_valid"] = false
			addChainError(result, "stored_", err)
		}
	}

	result["chain_valid"] = valid
	respondJSON(w, http.StatusOK, result)
}

func addChainError(result map[string]interface{}, prefix string, err error) {
	result[prefix+"error"] = err.Error()
	var chainErr *eventlog.ChainError
	if errors.As(err, &chainErr) {
		result[prefix+"error_type"] = chainErr.Type
		result[prefix+"event_number"] = chainErr.EventNumber
	}
}

// handleGetArtifact returns artifact metadata. Content is only available
// through a read action, which the artifact's contract governs.
// GET /api/v1/artifacts/{id}
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, ok := s.kernel.Artifacts().Lookup(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "artifact not found")
		return
	}
	respondJSON(w, http.StatusOK, s.kernel.Info(a))
}

// GET /api/v1/principals/{id}
func (s *Server) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	info, err := s.kernel.PrincipalInfo(chi.URLParam(r, "id"))
	if err != nil {
		respondCode(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// GET /api/v1/supply
func (s *Server) handleGetSupply(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.kernel.SupplyInfo())
}

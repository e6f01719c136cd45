// Package eventlog provides the verifiable, append-only record of every
// action the kernel completed. Each event is hash-chained to the previous
// one, so any tampering with history is detectable.
package eventlog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/crypto/blake2b"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/logging"
)

// GenesisHash is the prev_hash of the first event.
const GenesisHash = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// Sink receives every event after it is appended, for persistence.
type Sink interface {
	WriteEvent(e *core.Event) error
}

// Config configures a Log.
type Config struct {
	Clock  clock.Clock
	Sinks  []Sink
	Logger *slog.Logger
}

// Log manages the append-only event log
type Log struct {
	clock  clock.Clock
	sinks  []Sink
	logger *slog.Logger

	mu        sync.RWMutex
	events    []*core.Event // events[i].Number == base+i+1
	base      int64
	lastHash  string
	listeners []func(*core.Event)
}

// New creates an empty log.
func New(cfg Config) *Log {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Log{
		clock:    clk,
		sinks:    cfg.Sinks,
		logger:   logging.OrDefault(cfg.Logger).With("component", "eventlog"),
		lastHash: GenesisHash,
	}
}

// OnAppend registers a function called, in order, for every appended event.
// Listeners run under the log's lock and must not append.
func (l *Log) OnAppend(fn func(*core.Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Append adds a new event with the next event number and chains its hash.
// This is the ONLY way to add events.
//
// The event is part of the log once Append returns, even if a sink failed;
// sink errors are returned so the caller can surface them.
func (l *Log) Append(action core.ActionType, actor, target string, outcome core.Code, detail map[string]any) (*core.Event, error) {
	canonical, err := normalize(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal detail: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := &core.Event{
		Number:     l.base + int64(len(l.events)) + 1,
		Timestamp:  l.clock.Now().UTC(),
		ActionType: action,
		Actor:      actor,
		Target:     target,
		Outcome:    outcome,
		Detail:     canonical,
		PrevHash:   l.lastHash,
	}
	e.Hash = ComputeHash(e)
	l.events = append(l.events, e)
	l.lastHash = e.Hash

	for _, fn := range l.listeners {
		fn(e)
	}

	var sinkErr error
	for _, s := range l.sinks {
		if err := s.WriteEvent(e); err != nil {
			l.logger.Error("event sink failed", "event_number", e.Number, "error", err)
			if sinkErr == nil {
				sinkErr = fmt.Errorf("persist event %d: %w", e.Number, err)
			}
		}
	}
	return e, sinkErr
}

// normalize round-trips detail through JSON so the hashed form is exactly
// what a reader of the persisted log sees.
func normalize(detail map[string]any) (map[string]any, error) {
	if len(detail) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ComputeHash returns the BLAKE2b-256 hash of an event's canonical form.
func ComputeHash(e *core.Event) string {
	canonical := struct {
		Number     int64          `json:"event_number"`
		Timestamp  string         `json:"timestamp"`
		ActionType string         `json:"action_type"`
		Actor      string         `json:"actor"`
		Target     string         `json:"target"`
		Outcome    string         `json:"outcome"`
		Detail     map[string]any `json:"detail"`
		PrevHash   string         `json:"prev_hash"`
	}{
		Number:     e.Number,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		ActionType: string(e.ActionType),
		Actor:      e.Actor,
		Target:     e.Target,
		Outcome:    string(e.Outcome),
		Detail:     e.Detail,
		PrevHash:   e.PrevHash,
	}
	data, _ := json.Marshal(canonical)
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// -----------------------------------------------------------------------------
// Verification
// -----------------------------------------------------------------------------

// ChainError represents a broken chain error
type ChainError struct {
	EventNumber  int64
	ExpectedHash string
	ActualHash   string
	Type         string // "chain_broken", "hash_mismatch" or "gap"
}

func (e *ChainError) Error() string {
	switch e.Type {
	case "gap":
		return fmt.Sprintf("event numbers jump at %d: expected %s, got %s", e.EventNumber, e.ExpectedHash, e.ActualHash)
	case "chain_broken":
		return fmt.Sprintf("chain broken at event %d: expected prev_hash %s, got %s",
			e.EventNumber, short(e.ExpectedHash), short(e.ActualHash))
	}
	return fmt.Sprintf("hash mismatch at event %d: expected %s, got %s",
		e.EventNumber, short(e.ExpectedHash), short(e.ActualHash))
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

// Verify checks that events are contiguous, link to prevHash and carry
// correct hashes. Returns nil if valid, or the first broken link.
func Verify(events []*core.Event, prevHash string) error {
	for i, e := range events {
		if i > 0 && e.Number != events[i-1].Number+1 {
			return &ChainError{
				EventNumber:  e.Number,
				ExpectedHash: fmt.Sprint(events[i-1].Number + 1),
				ActualHash:   fmt.Sprint(e.Number),
				Type:         "gap",
			}
		}
		if e.PrevHash != prevHash {
			return &ChainError{EventNumber: e.Number, ExpectedHash: prevHash, ActualHash: e.PrevHash, Type: "chain_broken"}
		}
		if want := ComputeHash(e); e.Hash != want {
			return &ChainError{EventNumber: e.Number, ExpectedHash: want, ActualHash: e.Hash, Type: "hash_mismatch"}
		}
		prevHash = e.Hash
	}
	return nil
}

// VerifyChain verifies the integrity of the events held in memory.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return nil
	}
	return Verify(l.events, l.events[0].PrevHash)
}

// -----------------------------------------------------------------------------
// Reading
// -----------------------------------------------------------------------------

// QueryOptions filters events
type QueryOptions struct {
	ActionType core.ActionType // Filter by action type
	Actor      string          // Filter by actor
	Target     string          // Filter by target
	Outcome    core.Code       // Filter by outcome
	After      int64           // Events with a number above this
	Since      time.Time       // Events at or after this time
	Until      time.Time       // Events at or before this time
	Limit      int             // Maximum events to return
	Descending bool            // Newest first
}

func (o QueryOptions) match(e *core.Event) bool {
	switch {
	case o.ActionType != "" && e.ActionType != o.ActionType:
		return false
	case o.Actor != "" && e.Actor != o.Actor:
		return false
	case o.Target != "" && e.Target != o.Target:
		return false
	case o.Outcome != "" && e.Outcome != o.Outcome:
		return false
	case e.Number <= o.After:
		return false
	case !o.Since.IsZero() && e.Timestamp.Before(o.Since):
		return false
	case !o.Until.IsZero() && e.Timestamp.After(o.Until):
		return false
	}
	return true
}

// Query returns events matching the given criteria in event number order.
func (l *Log) Query(opts QueryOptions) []*core.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*core.Event
	n := len(l.events)
	for i := 0; i < n; i++ {
		idx := i
		if opts.Descending {
			idx = n - 1 - i
		}
		e := l.events[idx]
		if !opts.match(e) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// Get returns the event with the given number.
func (l *Log) Get(number int64) (*core.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := number - l.base - 1
	if i < 0 || i >= int64(len(l.events)) {
		return nil, false
	}
	return l.events[i], true
}

// LastNumber returns the number of the most recent event, 0 if none.
func (l *Log) LastNumber() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + int64(len(l.events))
}

// LastHash returns the hash the next event will chain to.
func (l *Log) LastHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// Count returns the number of events held in memory.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Resume continues the log after a checkpoint: the next event gets number
// lastNumber+1 and chains to lastHash. Events already held are dropped.
func (l *Log) Resume(lastNumber int64, lastHash string) {
	if lastHash == "" {
		lastHash = GenesisHash
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	l.base = lastNumber
	l.lastHash = lastHash
}

// Summary statistics
type Summary struct {
	TotalEvents int            `json:"total_events"`
	FirstNumber int64          `json:"first_number,omitempty"`
	LastNumber  int64          `json:"last_number,omitempty"`
	FirstEvent  *time.Time     `json:"first_event,omitempty"`
	LastEvent   *time.Time     `json:"last_event,omitempty"`
	ByAction    map[string]int `json:"by_action"`
	ByActor     map[string]int `json:"by_actor"`
	ByOutcome   map[string]int `json:"by_outcome"`
	ChainValid  bool           `json:"chain_valid"`
	ChainError  string         `json:"chain_error,omitempty"`
}

// Summary returns statistics about the log
func (l *Log) Summary() *Summary {
	s := &Summary{
		ByAction:  make(map[string]int),
		ByActor:   make(map[string]int),
		ByOutcome: make(map[string]int),
	}
	l.mu.RLock()
	s.TotalEvents = len(l.events)
	if n := len(l.events); n > 0 {
		first, last := l.events[0], l.events[n-1]
		s.FirstNumber, s.LastNumber = first.Number, last.Number
		s.FirstEvent, s.LastEvent = &first.Timestamp, &last.Timestamp
	}
	for _, e := range l.events {
		s.ByAction[string(e.ActionType)]++
		s.ByActor[e.Actor]++
		s.ByOutcome[string(e.Outcome)]++
	}
	l.mu.RUnlock()

	if err := l.VerifyChain(); err != nil {
		s.ChainError = err.Error()
	} else {
		s.ChainValid = true
	}
	return s
}

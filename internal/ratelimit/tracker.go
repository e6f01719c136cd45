// Package ratelimit provides rolling-window admission control for renewable
// resources such as compute and LLM tokens.
//
// Allocation is strict: a principal can only use what it has been allocated,
// usage above the allocation within the trailing window is denied until the
// window moves on, and nothing is ever borrowed or owed.
package ratelimit

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/worldkernel/worldkernel/internal/core"
)

// Resource configures one renewable resource.
type Resource struct {
	Name    string
	Window  time.Duration
	Ceiling int64 // provider limit on the sum of all allocations, 0 means unbounded
}

// Reservation is an admitted use of a renewable resource.
type Reservation struct {
	Principal string
	Resource  string
	Amount    int64
	At        time.Time
}

// UsageRecord is one admitted use inside a window.
type UsageRecord struct {
	At     time.Time `json:"at"`
	Amount int64     `json:"amount"`
}

type key struct {
	principal string
	resource  string
}

type bucket struct {
	mu         sync.Mutex
	allocation int64
	window     []UsageRecord // ordered by At
}

// Tracker tracks renewable resource usage per principal.
type Tracker struct {
	resources map[string]Resource

	mu      sync.RWMutex // guards buckets map and allocation sums
	buckets map[key]*bucket
	totals  map[string]int64 // resource -> sum of allocations
}

// NewTracker creates a tracker for the given renewable resources.
func NewTracker(resources []Resource) (*Tracker, error) {
	t := &Tracker{
		resources: make(map[string]Resource),
		buckets:   make(map[key]*bucket),
		totals:    make(map[string]int64),
	}
	for _, r := range resources {
		if r.Window <= 0 {
			return nil, fmt.Errorf("resource %s: window must be positive", r.Name)
		}
		if _, dup := t.resources[r.Name]; dup {
			return nil, fmt.Errorf("resource %s declared twice", r.Name)
		}
		t.resources[r.Name] = r
	}
	return t, nil
}

// Tracks reports whether resource is renewable in this tracker.
func (t *Tracker) Tracks(resource string) bool {
	_, ok := t.resources[resource]
	return ok
}

// Window returns the rolling window of a resource.
func (t *Tracker) Window(resource string) time.Duration {
	return t.resources[resource].Window
}

func (t *Tracker) bucket(principal, resource string, create bool) *bucket {
	k := key{principal, resource}
	t.mu.RLock()
	b := t.buckets[k]
	t.mu.RUnlock()
	if b != nil || !create {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b = t.buckets[k]; b == nil {
		b = &bucket{}
		t.buckets[k] = b
	}
	return b
}

// prune drops usage that has left the window ending at now.
func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.window) && !b.window[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		b.window = slices.Delete(b.window, 0, i)
	}
}

func (b *bucket) used() int64 {
	var sum int64
	for _, u := range b.window {
		sum += u.Amount
	}
	return sum
}

// Reserve admits amount units of resource for principal at now, or returns
// TOO_FAST with the time until the window can admit it.
func (t *Tracker) Reserve(principal, resource string, amount int64, now time.Time) (Reservation, error) {
	res, ok := t.resources[resource]
	if !ok {
		return Reservation{}, core.Errorf(core.CodeInvalidArgs, "%s is not a renewable resource", resource)
	}
	if amount <= 0 {
		return Reservation{}, core.Errorf(core.CodeInvalidArgs, "reserve amount must be positive, got %d", amount)
	}

	b := t.bucket(principal, resource, false)
	if b == nil {
		return Reservation{}, core.Errorf(core.CodeInsufficientQuota, "%s has no %s allocation", principal, resource)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if amount > b.allocation {
		return Reservation{}, core.Errorf(core.CodeInsufficientQuota,
			"%s needs %d %s but its allocation is %d per %s", principal, amount, resource, b.allocation, res.Window)
	}

	b.prune(now, res.Window)
	used := b.used()
	if used+amount <= b.allocation {
		b.window = append(b.window, UsageRecord{At: now, Amount: amount})
		return Reservation{Principal: principal, Resource: resource, Amount: amount, At: now}, nil
	}

	// Walk the window oldest first until enough usage has expired.
	excess := used + amount - b.allocation
	var freed int64
	var retry time.Duration
	for _, u := range b.window {
		freed += u.Amount
		if freed >= excess {
			retry = u.At.Add(res.Window).Sub(now)
			break
		}
	}
	return Reservation{}, core.TooFast(retry, "%s used %d/%d %s in the last %s", principal, used, b.allocation, resource, res.Window)
}

// Cancel withdraws an admitted reservation that was never used, such as
// one half of a multi-resource charge whose other half was refused.
func (t *Tracker) Cancel(r Reservation) {
	b := t.bucket(r.Principal, r.Resource, false)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.window) - 1; i >= 0; i-- {
		if u := b.window[i]; u.At.Equal(r.At) && u.Amount == r.Amount {
			b.window = slices.Delete(b.window, i, i+1)
			return
		}
	}
}

// Usage returns units of resource used by principal within the window ending at now.
func (t *Tracker) Usage(principal, resource string, now time.Time) int64 {
	b := t.bucket(principal, resource, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, t.resources[resource].Window)
	return b.used()
}

// Allocation returns principal's per-window allocation of resource.
func (t *Tracker) Allocation(principal, resource string) int64 {
	b := t.bucket(principal, resource, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocation
}

// SetAllocation sets principal's allocation. The sum of allocations for a
// resource may never exceed its provider ceiling.
func (t *Tracker) SetAllocation(principal, resource string, amount int64) error {
	res, ok := t.resources[resource]
	if !ok {
		return core.Errorf(core.CodeInvalidArgs, "%s is not a renewable resource", resource)
	}
	if amount < 0 {
		return core.Errorf(core.CodeInvalidArgs, "allocation must not be negative")
	}
	b := t.bucket(principal, resource, true)

	t.mu.Lock()
	defer t.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	total := t.totals[resource] - b.allocation + amount
	if res.Ceiling > 0 && total > res.Ceiling {
		return core.Errorf(core.CodeInsufficientQuota,
			"%s allocations would total %d, above provider ceiling %d", resource, total, res.Ceiling)
	}
	t.totals[resource] = total
	b.allocation = amount
	return nil
}

// TransferAllocation moves amount units of allocation between principals.
// The total is unchanged so the ceiling still holds.
func (t *Tracker) TransferAllocation(from, to, resource string, amount int64) error {
	if _, ok := t.resources[resource]; !ok {
		return core.Errorf(core.CodeInvalidArgs, "%s is not a renewable resource", resource)
	}
	if amount <= 0 {
		return core.Errorf(core.CodeInvalidArgs, "transfer amount must be positive, got %d", amount)
	}
	if from == to {
		return core.Errorf(core.CodeInvalidArgs, "cannot transfer allocation to self")
	}
	src := t.bucket(from, resource, true)
	dst := t.bucket(to, resource, true)

	// Lock in ascending principal order.
	first, second := src, dst
	if to < from {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if src.allocation < amount {
		return core.Errorf(core.CodeInsufficientQuota, "%s has %d %s allocation, cannot transfer %d", from, src.allocation, resource, amount)
	}
	src.allocation -= amount
	dst.allocation += amount
	return nil
}

// -----------------------------------------------------------------------------
// Checkpointing
// -----------------------------------------------------------------------------

// WindowState is the serialized state of one principal/resource bucket.
type WindowState struct {
	Principal  string        `json:"principal"`
	Resource   string        `json:"resource"`
	Allocation int64         `json:"allocation"`
	Usage      []UsageRecord `json:"usage,omitempty"`
}

// Snapshot returns every bucket, ordered by principal then resource.
func (t *Tracker) Snapshot() []WindowState {
	t.mu.RLock()
	keys := make([]key, 0, len(t.buckets))
	for k := range t.buckets {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].principal != keys[j].principal {
			return keys[i].principal < keys[j].principal
		}
		return keys[i].resource < keys[j].resource
	})

	out := make([]WindowState, 0, len(keys))
	for _, k := range keys {
		b := t.bucket(k.principal, k.resource, false)
		b.mu.Lock()
		out = append(out, WindowState{
			Principal:  k.principal,
			Resource:   k.resource,
			Allocation: b.allocation,
			Usage:      slices.Clone(b.window),
		})
		b.mu.Unlock()
	}
	return out
}

// Restore replaces all state with a snapshot.
func (t *Tracker) Restore(states []WindowState) error {
	buckets := make(map[key]*bucket, len(states))
	totals := make(map[string]int64)
	for _, s := range states {
		res, ok := t.resources[s.Resource]
		if !ok {
			return fmt.Errorf("restore: unknown renewable resource %s", s.Resource)
		}
		totals[s.Resource] += s.Allocation
		if res.Ceiling > 0 && totals[s.Resource] > res.Ceiling {
			return fmt.Errorf("restore: %s allocations exceed ceiling %d", s.Resource, res.Ceiling)
		}
		w := slices.Clone(s.Usage)
		sort.SliceStable(w, func(i, j int) bool { return w[i].At.Before(w[j].At) })
		buckets[key{s.Principal, s.Resource}] = &bucket{allocation: s.Allocation, window: w}
	}
	t.mu.Lock()
	t.buckets = buckets
	t.totals = totals
	t.mu.Unlock()
	return nil
}

// Package artifacts provides the in-memory artifact store.
package artifacts

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/worldkernel/worldkernel/internal/core"
)

// QuotaCharger is the part of the ledger the store needs for disk accounting.
type QuotaCharger interface {
	ChargeQuota(principal, resource string, amount int64, now time.Time) error
	ReleaseQuota(principal, resource string, amount int64) error
}

type record struct {
	mu sync.Mutex
	a  *core.Artifact
}

// Store holds every artifact ever created, including tombstones.
type Store struct {
	clock  clock.Clock
	quotas QuotaCharger

	// mu guards the records map and the dependency graph. Content changes
	// only need the record lock.
	mu      sync.RWMutex
	records map[string]*record
}

// NewStore creates an empty store. Disk usage is charged to creators
// through quotas.
func NewStore(clk clock.Clock, quotas QuotaCharger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock:   clk,
		quotas:  quotas,
		records: make(map[string]*record),
	}
}

// Create validates and stores a new artifact, charging its size to the
// creator's disk quota.
func (s *Store) Create(a *core.Artifact) (*core.Artifact, error) {
	if a.ID == "" {
		return nil, core.Errorf(core.CodeInvalidArgs, "artifact id is required")
	}
	if a.CreatedBy == "" {
		return nil, core.Errorf(core.CodeInvalidArgs, "artifact %s has no creator", a.ID)
	}
	if _, err := core.ParseArtifactType(string(a.Type)); err != nil {
		return nil, err
	}
	if a.Interface != nil {
		if err := a.Interface.Validate(); err != nil {
			return nil, err
		}
	}
	if err := validatePolicy(a.Policy); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[a.ID]; exists {
		return nil, core.Errorf(core.CodeInvalidArgs, "artifact %s already exists", a.ID)
	}
	deps, err := s.checkDependencies(a.ID, a.DependsOn)
	if err != nil {
		return nil, err
	}

	if size := a.Size(); size > 0 {
		if err := s.quotas.ChargeQuota(a.CreatedBy, core.ResourceDisk, size, s.clock.Now()); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now().UTC()
	c := a.Clone()
	c.DependsOn = deps
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Deleted = false
	c.DeletedAt = nil
	s.records[c.ID] = &record{a: c}
	return c.Clone(), nil
}

// Get returns a copy of a live artifact.
func (s *Store) Get(id string) (*core.Artifact, error) {
	r, unlock, err := s.live(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.a.Clone(), nil
}

// Lookup returns a copy of any artifact, tombstones included. Deleted
// artifacts come back with their payload cleared.
func (s *Store) Lookup(id string) (*core.Artifact, bool) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.a.Clone()
	if c.Deleted {
		c.Content, c.Code = "", ""
	}
	return c, true
}

// Exists reports whether id was ever created.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// live returns the record of a non-deleted artifact with the store read
// lock and the record lock held.
func (s *Store) live(id string) (*record, func(), error) {
	s.mu.RLock()
	r, ok := s.records[id]
	if !ok {
		s.mu.RUnlock()
		return nil, nil, core.Errorf(core.CodeNotFound, "artifact %s not found", id)
	}
	r.mu.Lock()
	unlock := func() {
		r.mu.Unlock()
		s.mu.RUnlock()
	}
	if r.a.Deleted {
		unlock()
		return nil, nil, core.Errorf(core.CodeDeleted, "artifact %s was deleted", id)
	}
	return r, unlock, nil
}

// Update is a whole write of the mutable fields of an artifact. Nil fields
// are left as they are.
type Update struct {
	Content   *string
	Code      *string
	DependsOn []string
	Interface *core.Interface
	Policy    *core.Policy
}

// Replace applies an Update. Type, creator and id never change; the size
// difference is charged to or refunded to the creator.
func (s *Store) Replace(id string, u Update) (*core.Artifact, error) {
	if u.Interface != nil {
		if err := u.Interface.Validate(); err != nil {
			return nil, err
		}
	}
	if err := validatePolicy(u.Policy); err != nil {
		return nil, err
	}

	// Dependency changes need a consistent graph, so take the store lock.
	if u.DependsOn != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}

	r, ok := s.records[id]
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "artifact %s not found", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.a.Deleted {
		return nil, core.Errorf(core.CodeDeleted, "artifact %s was deleted", id)
	}

	next := r.a.Clone()
	if u.Content != nil {
		next.Content = *u.Content
	}
	if u.Code != nil {
		next.Code = *u.Code
	}
	if u.DependsOn != nil {
		deps, err := s.checkDependencies(id, u.DependsOn)
		if err != nil {
			return nil, err
		}
		next.DependsOn = deps
	}
	if u.Interface != nil {
		next.Interface = u.Interface.Clone()
	}
	if u.Policy != nil {
		next.Policy = u.Policy.Clone()
	}

	if err := s.settleDisk(r.a, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.clock.Now().UTC()
	r.a = next
	return next.Clone(), nil
}

// Edit replaces the single occurrence of old with new in the content.
func (s *Store) Edit(id, old, new string) (*core.Artifact, error) {
	if old == "" {
		return nil, core.Errorf(core.CodeInvalidArgs, "old fragment must not be empty")
	}
	r, unlock, err := s.live(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch n := strings.Count(r.a.Content, old); {
	case n == 0:
		return nil, core.Errorf(core.CodeNotFound, "fragment not found in %s", id)
	case n > 1:
		return nil, core.Errorf(core.CodeAmbiguous, "fragment occurs %d times in %s", n, id)
	}

	next := r.a.Clone()
	next.Content = strings.Replace(r.a.Content, old, new, 1)
	if err := s.settleDisk(r.a, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.clock.Now().UTC()
	r.a = next
	return next.Clone(), nil
}

// Delete tombstones an artifact and frees its disk usage. The record stays
// so references and history remain meaningful.
func (s *Store) Delete(id string) error {
	r, unlock, err := s.live(id)
	if err != nil {
		return err
	}
	defer unlock()

	if size := r.a.Size(); size > 0 {
		if err := s.quotas.ReleaseQuota(r.a.CreatedBy, core.ResourceDisk, size); err != nil {
			return err
		}
	}
	now := s.clock.Now().UTC()
	r.a.Deleted = true
	r.a.DeletedAt = &now
	r.a.UpdatedAt = now
	return nil
}

// SetAccessContract is the only way to change which contract governs an
// artifact. Callers must already have been authorized by the current one.
func (s *Store) SetAccessContract(id, contractID string) (*core.Artifact, error) {
	r, unlock, err := s.live(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, ok := s.records[contractID]; contractID != "" && !ok {
		return nil, core.Errorf(core.CodeNotFound, "contract %s not found", contractID)
	}
	r.a.AccessContractID = contractID
	r.a.UpdatedAt = s.clock.Now().UTC()
	return r.a.Clone(), nil
}

// settleDisk charges growth or refunds shrinkage between two versions.
func (s *Store) settleDisk(prev, next *core.Artifact) error {
	delta := next.Size() - prev.Size()
	switch {
	case delta > 0:
		return s.quotas.ChargeQuota(prev.CreatedBy, core.ResourceDisk, delta, s.clock.Now())
	case delta < 0:
		return s.quotas.ReleaseQuota(prev.CreatedBy, core.ResourceDisk, -delta)
	}
	return nil
}

func validatePolicy(p *core.Policy) error {
	if p != nil && p.InvokePrice < 0 {
		return core.Errorf(core.CodeInvalidArgs, "invoke price must not be negative")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Dependencies
// -----------------------------------------------------------------------------

// checkDependencies returns the deduplicated, sorted dependency list of id,
// or CYCLE_DETECTED if id would become reachable from itself. Must be
// called with s.mu held for writing.
func (s *Store) checkDependencies(id string, deps []string) ([]string, error) {
	out := slices.Clone(deps)
	sort.Strings(out)
	out = slices.Compact(out)
	for _, d := range out {
		if d == id {
			return nil, core.Errorf(core.CodeCycleDetected, "%s depends on itself", id)
		}
		if _, ok := s.records[d]; !ok {
			return nil, core.Errorf(core.CodeNotFound, "dependency %s not found", d)
		}
	}
	if path := s.findCycle(id, out); path != nil {
		return nil, core.Errorf(core.CodeCycleDetected, "dependency cycle %s", strings.Join(path, " -> "))
	}
	return out, nil
}

// findCycle walks the graph depth first from the proposed dependencies of
// id and returns the first path back to id, or nil.
func (s *Store) findCycle(id string, deps []string) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var path []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		if u == id {
			path = append(path, u)
			return true
		}
		color[u] = gray
		path = append(path, u)
		r := s.records[u]
		if r != nil {
			for _, v := range r.a.DependsOn {
				if color[v] == white && dfs(v) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[u] = black
		return false
	}

	for _, d := range deps {
		path = []string{id}
		if color[d] == white && dfs(d) {
			return path
		}
	}
	return nil
}

// Dependents lists artifacts whose depends_on names id.
func (s *Store) Dependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for rid, r := range s.records {
		r.mu.Lock()
		if slices.Contains(r.a.DependsOn, id) {
			out = append(out, rid)
		}
		r.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// -----------------------------------------------------------------------------
// Listing
// -----------------------------------------------------------------------------

// Filter selects artifacts for List.
type Filter struct {
	Type           core.ArtifactType
	CreatedBy      string
	IDPrefix       string
	IncludeDeleted bool
	Limit          int
}

// List returns copies of matching artifacts ordered by id.
func (s *Store) List(f Filter) []*core.Artifact {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		if strings.HasPrefix(id, f.IDPrefix) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var out []*core.Artifact
	for _, id := range ids {
		a, ok := s.Lookup(id)
		if !ok {
			continue
		}
		if a.Deleted && !f.IncludeDeleted {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.CreatedBy != "" && a.CreatedBy != f.CreatedBy {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of records, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// -----------------------------------------------------------------------------
// Checkpointing
// -----------------------------------------------------------------------------

// Snapshot returns every record keyed by id.
func (s *Store) Snapshot() map[string]*core.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*core.Artifact, len(s.records))
	for id, r := range s.records {
		out[id] = r.a.Clone()
	}
	return out
}

// Restore replaces the store contents without charging quota; the ledger
// snapshot already reflects disk usage.
func (s *Store) Restore(arts map[string]*core.Artifact) error {
	records := make(map[string]*record, len(arts))
	for id, a := range arts {
		if a.ID != id {
			return core.Errorf(core.CodeInvalidArgs, "restore: artifact keyed %s has id %s", id, a.ID)
		}
		if _, err := core.ParseArtifactType(string(a.Type)); err != nil {
			return err
		}
		records[id] = &record{a: a.Clone()}
	}
	for id, r := range records {
		for _, d := range r.a.DependsOn {
			if _, ok := records[d]; !ok {
				return core.Errorf(core.CodeNotFound, "restore: %s depends on missing %s", id, d)
			}
		}
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

// Package ledger owns scrip balances, resource quotas and artifact ownership.
// Every mutation is atomic: callers never read a balance, compute, and write
// it back; they ask the ledger to move value and it either happens entirely
// or not at all.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/ratelimit"
)

// Ledger holds one account per principal plus the ownership record of
// every artifact.
type Ledger struct {
	kinds map[string]core.ResourceKind
	rates *ratelimit.Tracker

	// mu guards the maps themselves. Operations hold it for reading and lock
	// individual entities; opening accounts, snapshots and restores hold it
	// for writing.
	mu       sync.RWMutex
	accounts map[string]*account
	owners   map[string]*ownership

	supplyMu sync.Mutex
	supply   int64 // endowment plus all mints
	minted   int64
	held     int64 // scrip removed from balances by open holds

	minterIssued bool
}

type account struct {
	mu      sync.Mutex
	balance int64
	quotas  map[string]int64 // remaining allocatable/depletable quota
}

type ownership struct {
	mu       sync.Mutex
	owner    string
	previous string
}

// Config configures a ledger.
type Config struct {
	// Resources maps every known resource to its kind. Renewable resources
	// must also be configured in Rates.
	Resources map[string]core.ResourceKind
	Rates     *ratelimit.Tracker
}

// New creates an empty ledger.
func New(cfg Config) (*Ledger, error) {
	l := &Ledger{
		kinds:    make(map[string]core.ResourceKind),
		rates:    cfg.Rates,
		accounts: make(map[string]*account),
		owners:   make(map[string]*ownership),
	}
	for name, kind := range cfg.Resources {
		switch kind {
		case core.ResourceDepletable, core.ResourceAllocatable:
		case core.ResourceRenewable:
			if cfg.Rates == nil || !cfg.Rates.Tracks(name) {
				return nil, fmt.Errorf("renewable resource %s is not configured in the rate tracker", name)
			}
		default:
			return nil, fmt.Errorf("resource %s: unknown kind %q", name, kind)
		}
		l.kinds[name] = kind
	}
	return l, nil
}

// Kind returns the kind of a resource.
func (l *Ledger) Kind(resource string) (core.ResourceKind, bool) {
	k, ok := l.kinds[resource]
	return k, ok
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

// Account is the public view of a ledger entry.
type Account struct {
	Balance int64            `json:"balance"`
	Quotas  map[string]int64 `json:"quotas,omitempty"`
}

// OpenAccount creates a ledger entry for a new principal. A non-zero
// opening balance is an endowment and counts toward total supply.
func (l *Ledger) OpenAccount(id string, opening Account) error {
	if id == "" {
		return core.Errorf(core.CodeInvalidArgs, "principal id is required")
	}
	if opening.Balance < 0 {
		return core.Errorf(core.CodeInvalidArgs, "opening balance must not be negative")
	}
	quotas := make(map[string]int64)
	for res, amount := range opening.Quotas {
		kind, ok := l.kinds[res]
		if !ok {
			return core.Errorf(core.CodeInvalidArgs, "unknown resource %s", res)
		}
		if amount < 0 {
			return core.Errorf(core.CodeInvalidArgs, "quota %s must not be negative", res)
		}
		if kind == core.ResourceRenewable {
			continue // allocated through the rate tracker
		}
		quotas[res] = amount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[id]; exists {
		return core.Errorf(core.CodeInvalidArgs, "principal %s already has an account", id)
	}
	for res, amount := range opening.Quotas {
		if l.kinds[res] != core.ResourceRenewable {
			continue
		}
		if err := l.rates.SetAllocation(id, res, amount); err != nil {
			return err
		}
	}
	l.accounts[id] = &account{balance: opening.Balance, quotas: quotas}

	l.supplyMu.Lock()
	l.supply += opening.Balance
	l.supplyMu.Unlock()
	return nil
}

// HasAccount reports whether id is a principal.
func (l *Ledger) HasAccount(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[id]
	return ok
}

// Principals returns all principal ids in ascending order.
func (l *Ledger) Principals() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// getAccount must be called with l.mu held.
func (l *Ledger) getAccount(id string) (*account, error) {
	a, ok := l.accounts[id]
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "principal %s not found", id)
	}
	return a, nil
}

// Balance returns the scrip balance of a principal.
func (l *Ledger) Balance(id string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, err := l.getAccount(id)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

// Quota returns the remaining quota of an allocatable or depletable
// resource, or the per-window allocation of a renewable one.
func (l *Ledger) Quota(id, resource string) (int64, error) {
	kind, ok := l.kinds[resource]
	if !ok {
		return 0, core.Errorf(core.CodeInvalidArgs, "unknown resource %s", resource)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, err := l.getAccount(id)
	if err != nil {
		return 0, err
	}
	if kind == core.ResourceRenewable {
		return l.rates.Allocation(id, resource), nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quotas[resource], nil
}

// Get returns a copy of a principal's account including renewable allocations.
func (l *Ledger) Get(id string) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, err := l.getAccount(id)
	if err != nil {
		return Account{}, err
	}
	a.mu.Lock()
	out := Account{Balance: a.balance, Quotas: make(map[string]int64, len(a.quotas))}
	for k, v := range a.quotas {
		out.Quotas[k] = v
	}
	a.mu.Unlock()
	for res, kind := range l.kinds {
		if kind == core.ResourceRenewable {
			out.Quotas[res] = l.rates.Allocation(id, res)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Scrip
// -----------------------------------------------------------------------------

// Transfer moves amount scrip from one principal to another as a single
// indivisible step.
func (l *Ledger) Transfer(from, to string, amount int64) error {
	if amount <= 0 {
		return core.Errorf(core.CodeInvalidArgs, "transfer amount must be positive, got %d", amount)
	}
	if from == to {
		return core.Errorf(core.CodeInvalidArgs, "cannot transfer to self")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, err := l.getAccount(from)
	if err != nil {
		return err
	}
	dst, err := l.getAccount(to)
	if err != nil {
		return err
	}

	unlock := lockOrdered(lockRef{accountKey(from), &src.mu}, lockRef{accountKey(to), &dst.mu})
	defer unlock()

	if src.balance < amount {
		return core.Errorf(core.CodeInsufficientFunds, "%s has %d, needs %d", from, src.balance, amount)
	}
	src.balance -= amount
	dst.balance += amount
	return nil
}

// Split moves amount from one principal to the recipients in equal shares.
// The indivisible remainder goes one unit each to the recipients in
// ascending id order. It returns what each recipient received.
func (l *Ledger) Split(from string, recipients []string, amount int64) (map[string]int64, error) {
	if amount <= 0 {
		return nil, core.Errorf(core.CodeInvalidArgs, "split amount must be positive, got %d", amount)
	}
	if len(recipients) == 0 {
		return nil, core.Errorf(core.CodeInvalidArgs, "split needs at least one recipient")
	}
	ids := append([]string(nil), recipients...)
	sort.Strings(ids)

	l.mu.RLock()
	defer l.mu.RUnlock()
	src, err := l.getAccount(from)
	if err != nil {
		return nil, err
	}
	refs := []lockRef{{accountKey(from), &src.mu}}
	dsts := make([]*account, len(ids))
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			return nil, core.Errorf(core.CodeInvalidArgs, "recipient %s listed twice", id)
		}
		a, err := l.getAccount(id)
		if err != nil {
			return nil, err
		}
		dsts[i] = a
		refs = append(refs, lockRef{accountKey(id), &a.mu})
	}

	unlock := lockOrdered(refs...)
	defer unlock()

	if src.balance < amount {
		return nil, core.Errorf(core.CodeInsufficientFunds, "%s has %d, needs %d", from, src.balance, amount)
	}
	share := amount / int64(len(ids))
	rem := amount % int64(len(ids))
	out := make(map[string]int64, len(ids))
	src.balance -= amount
	for i, id := range ids {
		n := share
		if int64(i) < rem {
			n++
		}
		dsts[i].balance += n
		out[id] += n
	}
	return out, nil
}

// Minter is the capability to create scrip. The ledger hands out exactly one.
type Minter struct {
	l *Ledger
}

// IssueMinter returns the ledger's single mint capability.
func (l *Ledger) IssueMinter() (*Minter, error) {
	l.supplyMu.Lock()
	defer l.supplyMu.Unlock()
	if l.minterIssued {
		return nil, fmt.Errorf("mint capability already issued")
	}
	l.minterIssued = true
	return &Minter{l: l}, nil
}

// Mint creates amount new scrip in the principal's account.
func (m *Minter) Mint(to string, amount int64) error {
	if amount <= 0 {
		return core.Errorf(core.CodeInvalidArgs, "mint amount must be positive, got %d", amount)
	}
	l := m.l
	l.mu.RLock()
	defer l.mu.RUnlock()
	dst, err := l.getAccount(to)
	if err != nil {
		return err
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	l.supplyMu.Lock()
	defer l.supplyMu.Unlock()
	dst.balance += amount
	l.supply += amount
	l.minted += amount
	return nil
}

// Supply returns total scrip in existence.
func (l *Ledger) Supply() int64 {
	l.supplyMu.Lock()
	defer l.supplyMu.Unlock()
	return l.supply
}

// Minted returns scrip created by the mint since genesis.
func (l *Ledger) Minted() int64 {
	l.supplyMu.Lock()
	defer l.supplyMu.Unlock()
	return l.minted
}

// Held returns scrip currently locked in open holds.
func (l *Ledger) Held() int64 {
	l.supplyMu.Lock()
	defer l.supplyMu.Unlock()
	return l.held
}

// TotalBalances sums every balance under a consistent view.
func (l *Ledger) TotalBalances() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for _, a := range l.accounts {
		sum += a.balance
	}
	return sum
}

// Hold is scrip removed from a payer's balance pending the outcome of an
// operation. It must be committed or released exactly once.
type Hold struct {
	l      *Ledger
	from   string
	amount int64

	mu   sync.Mutex
	done bool
}

// Hold debits amount from a principal into a pending hold.
func (l *Ledger) Hold(from string, amount int64) (*Hold, error) {
	if amount <= 0 {
		return nil, core.Errorf(core.CodeInvalidArgs, "hold amount must be positive, got %d", amount)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, err := l.getAccount(from)
	if err != nil {
		return nil, err
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.balance < amount {
		return nil, core.Errorf(core.CodeInsufficientFunds, "%s has %d, needs %d", from, src.balance, amount)
	}
	src.balance -= amount
	l.supplyMu.Lock()
	l.held += amount
	l.supplyMu.Unlock()
	return &Hold{l: l, from: from, amount: amount}, nil
}

// Amount returns the held scrip.
func (h *Hold) Amount() int64 { return h.amount }

// Commit pays the held scrip to a principal.
func (h *Hold) Commit(to string) error {
	return h.settle(to)
}

// Release returns the held scrip to the payer.
func (h *Hold) Release() error {
	return h.settle(h.from)
}

func (h *Hold) settle(to string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return fmt.Errorf("hold already settled")
	}
	l := h.l
	l.mu.RLock()
	defer l.mu.RUnlock()
	dst, err := l.getAccount(to)
	if err != nil {
		return err
	}
	dst.mu.Lock()
	dst.balance += h.amount
	dst.mu.Unlock()
	l.supplyMu.Lock()
	l.held -= h.amount
	l.supplyMu.Unlock()
	h.done = true
	return nil
}

// -----------------------------------------------------------------------------
// Quotas
// -----------------------------------------------------------------------------

// ChargeQuota consumes amount of a resource. Renewable resources go through
// the rate tracker and may fail with TOO_FAST.
func (l *Ledger) ChargeQuota(id, resource string, amount int64, now time.Time) error {
	if amount < 0 {
		return core.Errorf(core.CodeInvalidArgs, "charge must not be negative")
	}
	if amount == 0 {
		return nil
	}
	kind, ok := l.kinds[resource]
	if !ok {
		return core.Errorf(core.CodeInvalidArgs, "unknown resource %s", resource)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, err := l.getAccount(id)
	if err != nil {
		return err
	}
	if kind == core.ResourceRenewable {
		_, err := l.rates.Reserve(id, resource, amount, now)
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quotas[resource] < amount {
		return core.Errorf(core.CodeInsufficientQuota, "%s has %d %s left, needs %d", id, a.quotas[resource], resource, amount)
	}
	a.quotas[resource] -= amount
	return nil
}

// Charge consumes every resource in costs for one principal. Either all of
// them are charged or none are.
func (l *Ledger) Charge(id string, costs map[string]int64, now time.Time) error {
	_, err := l.ChargeReceipt(id, costs, now)
	return err
}

// Receipt records what a charge took so it can be given back when the
// action it paid for fails later.
type Receipt struct {
	l        *Ledger
	id       string
	quotas   map[string]int64
	reserved []ratelimit.Reservation
	once     sync.Once
}

// ChargeReceipt is Charge returning a receipt for the consumed resources.
// A charge of nothing returns a nil receipt, which is safe to refund.
func (l *Ledger) ChargeReceipt(id string, costs map[string]int64, now time.Time) (*Receipt, error) {
	names := make([]string, 0, len(costs))
	for res, amount := range costs {
		if amount < 0 {
			return nil, core.Errorf(core.CodeInvalidArgs, "charge of %s must not be negative", res)
		}
		if _, ok := l.kinds[res]; !ok {
			return nil, core.Errorf(core.CodeInvalidArgs, "unknown resource %s", res)
		}
		if amount > 0 {
			names = append(names, res)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	l.mu.RLock()
	defer l.mu.RUnlock()
	a, err := l.getAccount(id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, res := range names {
		if l.kinds[res] == core.ResourceRenewable {
			continue
		}
		if a.quotas[res] < costs[res] {
			return nil, core.Errorf(core.CodeInsufficientQuota, "%s has %d %s left, needs %d", id, a.quotas[res], res, costs[res])
		}
	}

	receipt := &Receipt{l: l, id: id, quotas: make(map[string]int64)}
	for _, res := range names {
		if l.kinds[res] != core.ResourceRenewable {
			continue
		}
		r, err := l.rates.Reserve(id, res, costs[res], now)
		if err != nil {
			for _, done := range receipt.reserved {
				l.rates.Cancel(done)
			}
			return nil, err
		}
		receipt.reserved = append(receipt.reserved, r)
	}

	for _, res := range names {
		if l.kinds[res] != core.ResourceRenewable {
			a.quotas[res] -= costs[res]
			receipt.quotas[res] = costs[res]
		}
	}
	return receipt, nil
}

// Refund returns everything the charge took: quota goes back to the
// account and rate reservations leave the window. Later calls do nothing.
func (r *Receipt) Refund() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		for _, res := range r.reserved {
			r.l.rates.Cancel(res)
		}
		if len(r.quotas) == 0 {
			return
		}
		r.l.mu.RLock()
		defer r.l.mu.RUnlock()
		a, err := r.l.getAccount(r.id)
		if err != nil {
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		for res, n := range r.quotas {
			a.quotas[res] += n
		}
	})
}

// ReleaseQuota gives back allocatable quota, such as disk freed by a delete.
func (l *Ledger) ReleaseQuota(id, resource string, amount int64) error {
	if amount < 0 {
		return core.Errorf(core.CodeInvalidArgs, "release must not be negative")
	}
	if amount == 0 {
		return nil
	}
	if l.kinds[resource] != core.ResourceAllocatable {
		return core.Errorf(core.CodeInvalidArgs, "%s is not an allocatable resource", resource)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, err := l.getAccount(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotas[resource] += amount
	return nil
}

// TransferQuota moves quota between principals with the same atomicity as
// a scrip transfer. For renewable resources the allocation moves.
func (l *Ledger) TransferQuota(from, to, resource string, amount int64) error {
	if amount <= 0 {
		return core.Errorf(core.CodeInvalidArgs, "transfer amount must be positive, got %d", amount)
	}
	if from == to {
		return core.Errorf(core.CodeInvalidArgs, "cannot transfer to self")
	}
	kind, ok := l.kinds[resource]
	if !ok {
		return core.Errorf(core.CodeInvalidArgs, "unknown resource %s", resource)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, err := l.getAccount(from)
	if err != nil {
		return err
	}
	dst, err := l.getAccount(to)
	if err != nil {
		return err
	}
	if kind == core.ResourceRenewable {
		return l.rates.TransferAllocation(from, to, resource, amount)
	}

	unlock := lockOrdered(lockRef{accountKey(from), &src.mu}, lockRef{accountKey(to), &dst.mu})
	defer unlock()
	if src.quotas[resource] < amount {
		return core.Errorf(core.CodeInsufficientQuota, "%s has %d %s, cannot transfer %d", from, src.quotas[resource], resource, amount)
	}
	src.quotas[resource] -= amount
	dst.quotas[resource] += amount
	return nil
}

// -----------------------------------------------------------------------------
// Ownership
// -----------------------------------------------------------------------------

// RegisterArtifact records the initial owner of a new artifact.
func (l *Ledger) RegisterArtifact(artifactID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.owners[artifactID]; exists {
		return core.Errorf(core.CodeInvalidArgs, "artifact %s already has an owner", artifactID)
	}
	l.owners[artifactID] = &ownership{owner: owner}
	return nil
}

// Owner returns the current controller of an artifact.
func (l *Ledger) Owner(artifactID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.owners[artifactID]
	if !ok {
		return "", core.Errorf(core.CodeNotFound, "no ownership record for %s", artifactID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owner, nil
}

// PreviousOwner returns who controlled the artifact before the last transfer.
func (l *Ledger) PreviousOwner(artifactID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.owners[artifactID]
	if !ok {
		return "", core.Errorf(core.CodeNotFound, "no ownership record for %s", artifactID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.previous, nil
}

// TransferOwnership hands an artifact from its current owner to a principal.
func (l *Ledger) TransferOwnership(artifactID, from, to string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.owners[artifactID]
	if !ok {
		return core.Errorf(core.CodeNotFound, "no ownership record for %s", artifactID)
	}
	if _, err := l.getAccount(to); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owner != from {
		return core.Errorf(core.CodeAccessDenied, "%s does not own %s", from, artifactID)
	}
	if from == to {
		return core.Errorf(core.CodeInvalidArgs, "%s already owns %s", to, artifactID)
	}
	o.previous = o.owner
	o.owner = to
	return nil
}

// Purchase pays price from buyer to seller and moves the artifact from its
// custodian to the buyer as one logical unit. Both halves are verified
// under the same locks before either is applied.
func (l *Ledger) Purchase(buyer, seller string, price int64, artifactID, custodian string) error {
	if price < 0 {
		return core.Errorf(core.CodeInvalidArgs, "price must not be negative")
	}
	if buyer == seller {
		return core.Errorf(core.CodeInvalidArgs, "buyer and seller are the same principal")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, err := l.getAccount(buyer)
	if err != nil {
		return err
	}
	s, err := l.getAccount(seller)
	if err != nil {
		return err
	}
	o, ok := l.owners[artifactID]
	if !ok {
		return core.Errorf(core.CodeNotFound, "no ownership record for %s", artifactID)
	}

	unlock := lockOrdered(
		lockRef{accountKey(buyer), &b.mu},
		lockRef{accountKey(seller), &s.mu},
		lockRef{ownerKey(artifactID), &o.mu},
	)
	defer unlock()

	// Phase one: verify.
	if o.owner != custodian {
		return core.Errorf(core.CodeAccessDenied, "%s is not held by %s", artifactID, custodian)
	}
	if b.balance < price {
		return core.Errorf(core.CodeInsufficientFunds, "%s has %d, needs %d", buyer, b.balance, price)
	}

	// Phase two: apply.
	b.balance -= price
	s.balance += price
	o.previous = o.owner
	o.owner = buyer
	return nil
}

// -----------------------------------------------------------------------------
// Checkpointing
// -----------------------------------------------------------------------------

// OwnerState is the serialized ownership record of one artifact.
type OwnerState struct {
	Owner    string `json:"owner"`
	Previous string `json:"previous,omitempty"`
}

// State is the serialized ledger. Renewable allocations live in the rate
// tracker snapshot.
type State struct {
	Accounts map[string]Account    `json:"accounts"`
	Owners   map[string]OwnerState `json:"owners"`
	Supply   int64                 `json:"supply"`
	Minted   int64                 `json:"minted"`
}

// Snapshot returns a consistent copy of the ledger. It fails while holds
// are open, since held scrip belongs to an operation still in flight.
func (l *Ledger) Snapshot() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.supplyMu.Lock()
	defer l.supplyMu.Unlock()
	if l.held != 0 {
		return State{}, fmt.Errorf("snapshot with %d scrip in open holds", l.held)
	}

	st := State{
		Accounts: make(map[string]Account, len(l.accounts)),
		Owners:   make(map[string]OwnerState, len(l.owners)),
		Supply:   l.supply,
		Minted:   l.minted,
	}
	for id, a := range l.accounts {
		q := make(map[string]int64, len(a.quotas))
		for k, v := range a.quotas {
			q[k] = v
		}
		st.Accounts[id] = Account{Balance: a.balance, Quotas: q}
	}
	for id, o := range l.owners {
		st.Owners[id] = OwnerState{Owner: o.owner, Previous: o.previous}
	}
	return st, nil
}

// Restore replaces the ledger with a snapshot after checking it conserves
// supply.
func (l *Ledger) Restore(st State) error {
	var sum int64
	accounts := make(map[string]*account, len(st.Accounts))
	for id, a := range st.Accounts {
		if a.Balance < 0 {
			return fmt.Errorf("restore: %s has negative balance %d", id, a.Balance)
		}
		q := make(map[string]int64, len(a.Quotas))
		for res, v := range a.Quotas {
			kind, ok := l.kinds[res]
			if !ok {
				return fmt.Errorf("restore: %s holds unknown resource %s", id, res)
			}
			if kind == core.ResourceRenewable {
				continue
			}
			if v < 0 {
				return fmt.Errorf("restore: %s has negative %s quota", id, res)
			}
			q[res] = v
		}
		accounts[id] = &account{balance: a.Balance, quotas: q}
		sum += a.Balance
	}
	if sum != st.Supply {
		return fmt.Errorf("restore: balances total %d but supply is %d", sum, st.Supply)
	}
	owners := make(map[string]*ownership, len(st.Owners))
	for id, o := range st.Owners {
		owners[id] = &ownership{owner: o.Owner, previous: o.Previous}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.supplyMu.Lock()
	defer l.supplyMu.Unlock()
	l.accounts = accounts
	l.owners = owners
	l.supply = st.Supply
	l.minted = st.Minted
	l.held = 0
	return nil
}

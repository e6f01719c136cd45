// Package kernel is the action dispatcher: the single entry point every
// action flows through.
//
// Each action is validated, attributed to a verified caller, checked by the
// governing contract, charged, applied, and recorded as exactly one event,
// in that order. A failure at any step stops the pipeline before the state
// changes and still produces an event.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/raulk/clock"

	"github.com/worldkernel/worldkernel/internal/artifacts"
	"github.com/worldkernel/worldkernel/internal/contracts"
	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/eventlog"
	"github.com/worldkernel/worldkernel/internal/executor"
	"github.com/worldkernel/worldkernel/internal/ledger"
	"github.com/worldkernel/worldkernel/internal/logging"
	"github.com/worldkernel/worldkernel/internal/metrics"
	"github.com/worldkernel/worldkernel/internal/notify"
	"github.com/worldkernel/worldkernel/internal/ratelimit"
)

// Cost is the resource charge of one action, resource name to units.
type Cost map[string]int64

// Resource configures one metered resource.
type Resource struct {
	Name    string
	Kind    core.ResourceKind
	Window  time.Duration // renewable only
	Ceiling int64         // renewable only, 0 means unbounded
}

// Config configures a Kernel.
type Config struct {
	Clock            clock.Clock
	Resources        []Resource
	ActionCosts      map[core.ActionType]Cost
	FallbackContract string
	MaxDepth         int

	InvokeTimeout     time.Duration
	MaxExecutionSteps uint64
	CodeCacheSize     int
	InboxSize         int

	Sinks   []eventlog.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	exec := executor.DefaultConfig()
	return Config{
		Resources: []Resource{
			{Name: core.ResourceDisk, Kind: core.ResourceAllocatable},
			{Name: core.ResourceCompute, Kind: core.ResourceRenewable, Window: time.Minute},
			{Name: core.ResourceLLMTokens, Kind: core.ResourceRenewable, Window: time.Minute},
		},
		ActionCosts: map[core.ActionType]Cost{
			core.ActionRead:              {},
			core.ActionWrite:             {core.ResourceCompute: 1},
			core.ActionEdit:              {core.ResourceCompute: 1},
			core.ActionDelete:            {},
			core.ActionInvoke:            {core.ResourceCompute: 1},
			core.ActionTransfer:          {},
			core.ActionTransferOwnership: {},
			core.ActionTransferQuota:     {},
			core.ActionChangeContract:    {},
		},
		FallbackContract:  core.GenesisContractFreeware,
		MaxDepth:          contracts.DefaultMaxDepth,
		InvokeTimeout:     exec.Timeout,
		MaxExecutionSteps: exec.MaxSteps,
		CodeCacheSize:     exec.CacheSize,
		InboxSize:         notify.DefaultInboxSize,
	}
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var result *multierror.Error
	known := make(map[string]core.ResourceKind)
	for _, r := range c.Resources {
		if _, dup := known[r.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("resource %s configured twice", r.Name))
		}
		known[r.Name] = r.Kind
		switch r.Kind {
		case core.ResourceDepletable, core.ResourceAllocatable:
		case core.ResourceRenewable:
			if r.Window <= 0 {
				result = multierror.Append(result, fmt.Errorf("renewable resource %s needs a positive window", r.Name))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("resource %s has unknown kind %q", r.Name, r.Kind))
		}
	}
	if _, ok := known[core.ResourceDisk]; !ok {
		result = multierror.Append(result, fmt.Errorf("resource %s must be configured", core.ResourceDisk))
	}
	for _, action := range core.ChargedActions {
		cost, ok := c.ActionCosts[action]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("no cost entry for action %s", action))
			continue
		}
		for res, amount := range cost {
			if _, ok := known[res]; !ok {
				result = multierror.Append(result, fmt.Errorf("action %s charges unknown resource %s", action, res))
			}
			if amount < 0 {
				result = multierror.Append(result, fmt.Errorf("action %s charges negative %s", action, res))
			}
		}
	}
	for action := range c.ActionCosts {
		if !slices.Contains(core.ChargedActions, action) {
			result = multierror.Append(result, fmt.Errorf("cost entry for free or unknown action %s", action))
		}
	}
	if c.FallbackContract == "" {
		result = multierror.Append(result, fmt.Errorf("fallback contract is required"))
	}
	if c.InvokeTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("invoke timeout must be positive"))
	}
	return result.ErrorOrNil()
}

// Kernel owns all world state.
type Kernel struct {
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	costs    map[core.ActionType]Cost
	kinds    map[string]core.ResourceKind
	maxDepth int

	rates     *ratelimit.Tracker
	ledger    *ledger.Ledger
	store     *artifacts.Store
	exec      *executor.Executor
	contracts *contracts.Engine
	events    *eventlog.Log
	recorder  *eventlog.Recorder
	notify    *notify.Hub

	// gate admits top-level actions concurrently and gives snapshots and
	// restores exclusive access. Nested actions never take it again.
	gate sync.RWMutex

	// locks order actions on the same entity against each other.
	locks *entityLocks

	mu       sync.RWMutex
	services map[string]Service
}

// New builds a kernel and its genesis contracts.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel config: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = contracts.DefaultMaxDepth
	}
	logger := logging.OrDefault(cfg.Logger)

	k := &Kernel{
		clock:    cfg.Clock,
		logger:   logger.With("component", "kernel"),
		metrics:  cfg.Metrics,
		costs:    make(map[core.ActionType]Cost, len(cfg.ActionCosts)),
		kinds:    make(map[string]core.ResourceKind, len(cfg.Resources)),
		maxDepth: cfg.MaxDepth,
		locks:    newEntityLocks(),
		services: make(map[string]Service),
	}
	for action, cost := range cfg.ActionCosts {
		c := make(Cost, len(cost))
		for res, n := range cost {
			c[res] = n
		}
		k.costs[action] = c
	}

	var renewable []ratelimit.Resource
	for _, r := range cfg.Resources {
		k.kinds[r.Name] = r.Kind
		if r.Kind == core.ResourceRenewable {
			renewable = append(renewable, ratelimit.Resource{Name: r.Name, Window: r.Window, Ceiling: r.Ceiling})
		}
	}
	rates, err := ratelimit.NewTracker(renewable)
	if err != nil {
		return nil, fmt.Errorf("rate tracker: %w", err)
	}
	k.rates = rates

	k.ledger, err = ledger.New(ledger.Config{Resources: k.kinds, Rates: rates})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	k.store = artifacts.NewStore(cfg.Clock, k.ledger)

	k.exec, err = executor.New(executor.Config{
		Builtins:  builtinNames(),
		CacheSize: cfg.CodeCacheSize,
		MaxSteps:  cfg.MaxExecutionSteps,
		Timeout:   cfg.InvokeTimeout,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	k.contracts, err = contracts.NewEngine(contracts.Config{
		Artifacts:        k.store,
		Ledger:           k.ledger,
		Executor:         k.exec,
		FallbackContract: cfg.FallbackContract,
		MaxDepth:         cfg.MaxDepth,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("contract engine: %w", err)
	}

	k.events = eventlog.New(eventlog.Config{Clock: cfg.Clock, Sinks: cfg.Sinks, Logger: logger})
	k.recorder = eventlog.NewRecorder(k.events)
	k.notify = notify.NewHub(cfg.Clock, cfg.InboxSize)

	if err := k.bootstrap(); err != nil {
		return nil, err
	}
	return k, nil
}

// bootstrap creates the genesis contract artifacts. Their behaviour is
// native; the artifacts make them addressable like any other contract.
func (k *Kernel) bootstrap() error {
	contracts.RegisterGenesis(k.contracts)
	ids := make([]string, 0, len(contracts.Genesis()))
	for id := range contracts.Genesis() {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := k.store.Create(&core.Artifact{
			ID:               id,
			Type:             core.TypeContract,
			CreatedBy:        core.KernelActor,
			AccessContractID: core.GenesisContractPrivate,
		}); err != nil {
			return fmt.Errorf("genesis contract %s: %w", id, err)
		}
		if err := k.ledger.RegisterArtifact(id, core.KernelActor); err != nil {
			return fmt.Errorf("genesis contract %s: %w", id, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

func (k *Kernel) Clock() clock.Clock { return k.clock }
func (k *Kernel) Ledger() *ledger.Ledger { return k.ledger }
func (k *Kernel) Artifacts() *artifacts.Store { return k.store }
func (k *Kernel) Events() *eventlog.Log { return k.events }
func (k *Kernel) Notifications() *notify.Hub { return k.notify }
func (k *Kernel) Contracts() *contracts.Engine { return k.contracts }
func (k *Kernel) Rates() *ratelimit.Tracker { return k.rates }
func (k *Kernel) Metrics() *metrics.Metrics { return k.metrics }
func (k *Kernel) Executor() *executor.Executor { return k.exec }
func (k *Kernel) Logger() *slog.Logger { return k.logger }
func (k *Kernel) MaxDepth() int { return k.maxDepth }
func (k *Kernel) Cost(a core.ActionType) Cost { return k.costs[a] }

// -----------------------------------------------------------------------------
// Principals
// -----------------------------------------------------------------------------

// Principal describes an agent created at genesis.
type Principal struct {
	ID       string
	Balance  int64
	Quotas   map[string]int64 // renewable entries are rate allocations
	Contract string           // governs the agent artifact, empty for the fallback
	Content  string
	HasLoop  bool
}

// CreatePrincipal opens an account and creates the agent artifact that
// represents it. The agent owns itself.
func (k *Kernel) CreatePrincipal(p Principal) error {
	k.gate.RLock()
	defer k.gate.RUnlock()

	if p.ID == "" {
		return core.Errorf(core.CodeInvalidArgs, "principal id is required")
	}
	if k.store.Exists(p.ID) {
		return core.Errorf(core.CodeInvalidArgs, "artifact %s already exists", p.ID)
	}
	if err := k.ledger.OpenAccount(p.ID, ledger.Account{Balance: p.Balance, Quotas: p.Quotas}); err != nil {
		return err
	}
	if _, err := k.store.Create(&core.Artifact{
		ID:               p.ID,
		Type:             core.TypeAgent,
		Content:          p.Content,
		CreatedBy:        p.ID,
		AccessContractID: p.Contract,
		HasStanding:      true,
		HasLoop:          p.HasLoop,
	}); err != nil {
		return err
	}
	if err := k.ledger.RegisterArtifact(p.ID, p.ID); err != nil {
		return err
	}
	k.metrics.SetSupply(k.ledger.Supply())
	k.logger.Info("principal created", "id", p.ID, "balance", p.Balance)
	return nil
}

// Principals returns every principal id in ascending order.
func (k *Kernel) Principals() []string {
	return k.ledger.Principals()
}

// Agents returns the principals that are not genesis services.
func (k *Kernel) Agents() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []string
	for _, id := range k.ledger.Principals() {
		if _, svc := k.services[id]; !svc {
			out = append(out, id)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Genesis services
// -----------------------------------------------------------------------------

// Service is a kernel-provided artifact whose invocation is served natively.
// Services are principals: they can hold scrip and artifacts in custody.
type Service interface {
	ID() string
	Interface() *core.Interface
	Call(ctx context.Context, caller, method string, args []any) (any, error)
}

// Stateful services carry state that must survive a checkpoint.
type Stateful interface {
	SnapshotState() (json.RawMessage, error)
	RestoreState(json.RawMessage) error
}

// RegisterService creates the genesis artifact and account for svc.
func (k *Kernel) RegisterService(svc Service) error {
	k.gate.RLock()
	defer k.gate.RUnlock()

	id := svc.ID()
	if iface := svc.Interface(); iface != nil {
		if err := iface.Validate(); err != nil {
			return fmt.Errorf("service %s: %w", id, err)
		}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.services[id]; exists {
		return fmt.Errorf("service %s already registered", id)
	}
	if err := k.ledger.OpenAccount(id, ledger.Account{}); err != nil {
		return fmt.Errorf("service %s: %w", id, err)
	}
	if _, err := k.store.Create(&core.Artifact{
		ID:               id,
		Type:             core.TypeGenesis,
		CreatedBy:        core.KernelActor,
		AccessContractID: core.GenesisContractFreeware,
		HasStanding:      true,
		Interface:        svc.Interface(),
	}); err != nil {
		return fmt.Errorf("service %s: %w", id, err)
	}
	if err := k.ledger.RegisterArtifact(id, core.KernelActor); err != nil {
		return fmt.Errorf("service %s: %w", id, err)
	}
	k.services[id] = svc
	k.logger.Info("genesis service registered", "id", id)
	return nil
}

// Service returns a registered service.
func (k *Kernel) Service(id string) (Service, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	svc, ok := k.services[id]
	return svc, ok
}

func (k *Kernel) serviceIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.services))
	for id := range k.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package contracts decides whether a caller may act on an artifact.
//
// The decision always comes from a contract artifact: the one named by the
// target's access_contract_id, or the configured fallback. The kernel holds
// no policy of its own. Contracts are either native checkers registered for
// the genesis contract ids or starlark artifacts defining
// check_permission(caller, action, target, context).
package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.starlark.net/starlark"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/executor"
	"github.com/worldkernel/worldkernel/internal/logging"
)

// EntryPoint is the function a code contract must define.
const EntryPoint = "check_permission"

// DefaultMaxDepth bounds delegation chains.
const DefaultMaxDepth = 10

// Builtins are the names the engine provides to contract code.
var Builtins = []string{"balance", "owner", "delegate", "self_id"}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
	Code    core.Code // ACCESS_DENIED or DEPTH_EXCEEDED when denied
}

// Allow returns an allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denying decision.
func Deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...), Code: core.CodeAccessDenied}
}

func depthExceeded(depth int) Decision {
	return Decision{Reason: fmt.Sprintf("depth exceeded at %d", depth), Code: core.CodeDepthExceeded}
}

// Err returns nil for an allowing decision and the matching typed error
// otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	code := d.Code
	if code == "" {
		code = core.CodeAccessDenied
	}
	return core.Errorf(code, "%s", d.Reason)
}

// Request is what the kernel asks about. Caller has already been verified.
type Request struct {
	Caller string
	Action core.ActionType
	Target string
	Extra  map[string]any // method/args for invoke, fragments for edit
}

// Context is what a contract sees.
type Context struct {
	Request
	ContractID string
	Artifact   *core.Artifact // the target, nil if it does not exist yet
	Owner      string
	Depth      int
}

// Checker is anything that can govern access.
type Checker interface {
	CheckPermission(ctx context.Context, c Context) (Decision, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, c Context) (Decision, error)

// CheckPermission calls f.
func (f CheckerFunc) CheckPermission(ctx context.Context, c Context) (Decision, error) {
	return f(ctx, c)
}

// ArtifactSource fetches artifacts, returning NOT_FOUND or DELETED errors.
type ArtifactSource interface {
	Get(id string) (*core.Artifact, error)
}

// LedgerView is the read-only ledger access given to contracts.
type LedgerView interface {
	Balance(id string) (int64, error)
	Owner(artifactID string) (string, error)
}

// Config configures an Engine.
type Config struct {
	Artifacts        ArtifactSource
	Ledger           LedgerView
	Executor         *executor.Executor
	FallbackContract string
	MaxDepth         int
	Logger           *slog.Logger
}

// Engine evaluates contracts.
type Engine struct {
	artifacts ArtifactSource
	ledger    LedgerView
	exec      *executor.Executor
	fallback  string
	maxDepth  int
	logger    *slog.Logger

	mu     sync.RWMutex
	native map[string]Checker
}

// NewEngine creates an engine. A fallback contract is required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.FallbackContract == "" {
		return nil, fmt.Errorf("fallback contract is required")
	}
	if cfg.Artifacts == nil || cfg.Ledger == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("artifacts, ledger and executor are required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Engine{
		artifacts: cfg.Artifacts,
		ledger:    cfg.Ledger,
		exec:      cfg.Executor,
		fallback:  cfg.FallbackContract,
		maxDepth:  cfg.MaxDepth,
		logger:    logging.OrDefault(cfg.Logger).With("component", "contracts"),
		native:    make(map[string]Checker),
	}, nil
}

// Register binds a native checker to a contract id.
func (e *Engine) Register(contractID string, c Checker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.native[contractID] = c
}

// MaxDepth returns the delegation bound.
func (e *Engine) MaxDepth() int { return e.maxDepth }

// Fallback returns the contract used for artifacts without one.
func (e *Engine) Fallback() string { return e.fallback }

// Governing returns the contract id that governs target.
func (e *Engine) Governing(target *core.Artifact) string {
	if target != nil && target.AccessContractID != "" {
		return target.AccessContractID
	}
	return e.fallback
}

// Check resolves the contract governing req.Target and evaluates it.
// target may be nil when the artifact does not exist yet.
func (e *Engine) Check(ctx context.Context, req Request, target *core.Artifact) Decision {
	return e.CheckAt(ctx, req, target, 0)
}

// CheckAt is Check starting from a delegation depth, for checks made on
// behalf of nested invocations.
func (e *Engine) CheckAt(ctx context.Context, req Request, target *core.Artifact, depth int) Decision {
	d := e.evaluate(ctx, e.Governing(target), req, target, depth)
	if !d.Allowed {
		e.logger.Debug("permission denied",
			"caller", req.Caller, "action", req.Action, "target", req.Target,
			"reason", d.Reason, "depth", depth)
	}
	return d
}

// CheckUnder evaluates req under a specific contract.
func (e *Engine) CheckUnder(ctx context.Context, contractID string, req Request, target *core.Artifact, depth int) Decision {
	return e.evaluate(ctx, contractID, req, target, depth)
}

func (e *Engine) evaluate(ctx context.Context, contractID string, req Request, target *core.Artifact, depth int) Decision {
	if depth > e.maxDepth {
		return depthExceeded(depth)
	}
	if err := ctx.Err(); err != nil {
		return Deny("check abandoned: %v", err)
	}

	c := Context{Request: req, ContractID: contractID, Artifact: target, Depth: depth}
	if target != nil {
		c.Owner, _ = e.ledger.Owner(target.ID)
		if c.Owner == "" {
			c.Owner = target.CreatedBy
		}
	}

	e.mu.RLock()
	native, ok := e.native[contractID]
	e.mu.RUnlock()
	if ok {
		d, err := native.CheckPermission(ctx, c)
		if err != nil {
			return fromError(contractID, err)
		}
		return d
	}

	contract, err := e.artifacts.Get(contractID)
	if err != nil {
		// An artifact being created may name itself as its contract.
		if target == nil || target.ID != contractID || core.CodeOf(err) != core.CodeNotFound {
			return Deny("contract %s unavailable: %v", contractID, err)
		}
		contract = target
	}
	if contract.Code == "" {
		return Deny("contract %s has no code", contractID)
	}
	return e.runCode(ctx, contract, c)
}

func (e *Engine) runCode(ctx context.Context, contract *core.Artifact, c Context) Decision {
	builtins := starlark.StringDict{
		"self_id":  starlark.String(contract.ID),
		"balance":  starlark.NewBuiltin("balance", e.balanceBuiltin),
		"owner":    starlark.NewBuiltin("owner", e.ownerBuiltin),
		"delegate": e.delegateBuiltin(c),
	}
	value, err := e.exec.RunValue(ctx, executor.Call{
		Code:     contract.Code,
		Function: EntryPoint,
		Args:     []any{c.Caller, string(c.Action), c.Target, contextDict(c)},
		Builtins: builtins,
		Label:    "contract:" + contract.ID,
	})
	if err != nil {
		return fromError(contract.ID, err)
	}
	return decode(contract.ID, value)
}

func fromError(contractID string, err error) Decision {
	if core.CodeOf(err) == core.CodeDepthExceeded {
		return Decision{Reason: err.Error(), Code: core.CodeDepthExceeded}
	}
	return Deny("contract %s failed: %v", contractID, err)
}

// decode accepts a bool or a (bool, reason) pair.
func decode(contractID string, v starlark.Value) Decision {
	switch v := v.(type) {
	case starlark.Bool:
		if v {
			return Allow()
		}
		return Deny("denied by %s", contractID)
	case starlark.Tuple:
		if len(v) == 2 {
			ok, isBool := v[0].(starlark.Bool)
			reason, isStr := v[1].(starlark.String)
			if isBool && isStr {
				if ok {
					return Allow()
				}
				return Deny("%s", string(reason))
			}
		}
	}
	return Deny("contract %s returned %s, want bool or (bool, reason)", contractID, v.Type())
}

func contextDict(c Context) map[string]any {
	d := map[string]any{
		"depth":    int64(c.Depth),
		"owner":    c.Owner,
		"contract": c.ContractID,
	}
	if c.Artifact != nil {
		d["target_type"] = string(c.Artifact.Type)
		d["created_by"] = c.Artifact.CreatedBy
	}
	for k, v := range c.Extra {
		d[k] = v
	}
	return d
}

func (e *Engine) balanceBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	bal, err := e.ledger.Balance(id)
	if err != nil {
		return starlark.None, nil
	}
	return starlark.MakeInt64(bal), nil
}

func (e *Engine) ownerBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	owner, err := e.ledger.Owner(id)
	if err != nil {
		return starlark.None, nil
	}
	return starlark.String(owner), nil
}

// delegateBuiltin re-evaluates the current request under another contract
// one level deeper. Running out of depth aborts the whole chain.
func (e *Engine) delegateBuiltin(c Context) *starlark.Builtin {
	return starlark.NewBuiltin("delegate", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var contractID string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "contract_id", &contractID); err != nil {
			return nil, err
		}
		d := e.evaluate(executor.Context(thread), contractID, c.Request, c.Artifact, c.Depth+1)
		if d.Code == core.CodeDepthExceeded {
			return nil, d.Err()
		}
		return starlark.Bool(d.Allowed), nil
	})
}

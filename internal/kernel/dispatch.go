package kernel

import (
	"context"
	"sort"
	"time"

	"github.com/worldkernel/worldkernel/internal/contracts"
	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/ledger"
)

// frame carries what an action inherits from the chain it belongs to.
type frame struct {
	caller string // verified caller, the payer for the whole chain
	depth  int
	minter *ledger.Minter // set only for privileged mint actions
	held   heldLocks      // entity locks the chain holds
}

// request is one action in flight.
type request struct {
	env   *core.Envelope
	frame frame
	actor *core.Artifact // the caller's own artifact, set once resolved
}

func (r *request) caller() string { return r.frame.caller }

// notifying actions publish their event to subscribers of the target.
var notifying = map[core.ActionType]bool{
	core.ActionWrite:             true,
	core.ActionEdit:              true,
	core.ActionDelete:            true,
	core.ActionChangeContract:    true,
	core.ActionTransferOwnership: true,
}

// Submit runs one top-level action. The envelope's actor must already be
// authenticated by whoever accepted it; Submit verifies the actor is a
// live principal. Every call appends exactly one event.
func (k *Kernel) Submit(ctx context.Context, env *core.Envelope) *core.Result {
	if env == nil {
		env = &core.Envelope{}
	}
	k.gate.RLock()
	defer k.gate.RUnlock()
	res, _ := k.dispatch(ctx, env, frame{caller: env.ActorID, held: heldLocks{}})
	return res
}

// dispatch runs the pipeline and records the outcome while holding the
// locks of the entities the action touches. The raw error is returned for
// nested callers that need to propagate it.
func (k *Kernel) dispatch(ctx context.Context, env *core.Envelope, f frame) (*core.Result, error) {
	start := k.clock.Now()
	if f.held == nil {
		f.held = heldLocks{}
	}
	var (
		data   any
		detail map[string]any
	)
	unlock, err := k.lock(ctx, f.held, touches(env, f.caller))
	if err == nil {
		data, detail, err = k.handle(ctx, &request{env: env, frame: f})
	}
	if f.depth > 0 {
		if detail == nil {
			detail = make(map[string]any)
		}
		detail["depth"] = f.depth
	}

	outcome := core.CodeOf(err)
	ev, logErr := k.recorder.RecordAction(env, err, detail)
	if unlock != nil {
		unlock()
	}
	if logErr != nil {
		k.logger.Error("event sink failed", "action", env.ActionType, "error", logErr)
	}
	k.metrics.ObserveAction(env.ActionType, outcome, k.clock.Since(start))
	if outcome == core.CodeInternal {
		k.logger.Error("action failed internally", "action", env.ActionType, "actor", env.ActorID, "error", err)
	}

	res := &core.Result{Outcome: outcome}
	if ev != nil {
		res.EventNumber = ev.Number
	}
	if err != nil {
		res.Error = err.Error()
		res.RetryAfter = core.RetryAfterOf(err)
		return res, err
	}
	res.Data = data
	if notifying[env.ActionType] && ev != nil {
		k.notify.Publish(ev)
	}
	return res, nil
}

func (k *Kernel) handle(ctx context.Context, r *request) (any, map[string]any, error) {
	if !r.env.ActionType.Known() {
		return nil, nil, core.Errorf(core.CodeInvalidArgs, "unknown action type %q", r.env.ActionType)
	}
	if r.frame.depth > k.maxDepth {
		return nil, nil, core.Errorf(core.CodeDepthExceeded, "action chain deeper than %d", k.maxDepth)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, core.Wrap(core.CodeTimeout, err, "action abandoned")
	}
	if err := k.resolveCaller(r); err != nil {
		return nil, nil, err
	}

	switch r.env.ActionType {
	case core.ActionRead:
		return k.read(ctx, r)
	case core.ActionWrite:
		return k.write(ctx, r)
	case core.ActionEdit:
		return k.edit(ctx, r)
	case core.ActionDelete:
		return k.delete(ctx, r)
	case core.ActionInvoke:
		return k.invoke(ctx, r)
	case core.ActionTransfer:
		return k.transfer(ctx, r)
	case core.ActionTransferOwnership:
		return k.transferOwnership(ctx, r)
	case core.ActionTransferQuota:
		return k.transferQuota(ctx, r)
	case core.ActionChangeContract:
		return k.changeContract(ctx, r)
	case core.ActionMint:
		return k.mint(ctx, r)
	case core.ActionQuery:
		return k.query(ctx, r)
	case core.ActionSubscribe:
		return k.subscribe(ctx, r)
	case core.ActionUnsubscribe:
		return k.unsubscribe(ctx, r)
	}
	return nil, nil, core.Errorf(core.CodeInternal, "no handler for %s", r.env.ActionType)
}

// resolveCaller checks the actor is a live principal entitled to act.
func (k *Kernel) resolveCaller(r *request) error {
	id := r.caller()
	if id == "" {
		return core.Errorf(core.CodeInvalidArgs, "actor_id is required")
	}
	a, err := k.store.Get(id)
	if err != nil {
		return err
	}
	if !a.HasStanding || !k.ledger.HasAccount(id) {
		return core.Errorf(core.CodeAccessDenied, "%s has no standing", id)
	}
	if a.Type == core.TypeGenesis && r.frame.minter == nil {
		return core.Errorf(core.CodeAccessDenied, "genesis service %s cannot submit actions", id)
	}
	r.actor = a
	return nil
}

// authorize asks the contract governing target. target may be an artifact
// that does not exist yet.
func (k *Kernel) authorize(ctx context.Context, r *request, action core.ActionType, target *core.Artifact, extra map[string]any) error {
	id := r.env.TargetID
	if target != nil {
		id = target.ID
	}
	d := k.contracts.Check(ctx, contracts.Request{
		Caller: r.caller(),
		Action: action,
		Target: id,
		Extra:  extra,
	}, target)
	return d.Err()
}

// charge takes the configured cost of action from the caller. Handlers
// whose state change can still fail after the charge refund the receipt.
func (k *Kernel) charge(r *request, action core.ActionType) (*ledger.Receipt, error) {
	cost, ok := k.costs[action]
	if !ok {
		return nil, core.Errorf(core.CodeInternal, "no cost entry for %s", action)
	}
	now := k.clock.Now()
	receipt, err := k.ledger.ChargeReceipt(r.caller(), cost, now)
	if core.CodeOf(err) == core.CodeTooFast {
		for _, res := range k.exhausted(r.caller(), cost, now) {
			k.metrics.RateDenied(res)
		}
	}
	return receipt, err
}

// exhausted lists the renewable resources in cost the principal cannot
// afford right now.
func (k *Kernel) exhausted(principal string, cost Cost, now time.Time) []string {
	var out []string
	for res, n := range cost {
		if k.kinds[res] != core.ResourceRenewable || n == 0 {
			continue
		}
		if k.rates.Usage(principal, res, now)+n > k.rates.Allocation(principal, res) {
			out = append(out, res)
		}
	}
	sort.Strings(out)
	return out
}

package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/worldkernel/worldkernel/internal/artifacts"
	"github.com/worldkernel/worldkernel/internal/contracts"
	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/ledger"
)

// ArtifactInfo is what the kernel reveals about an artifact without a
// read: everything except the payload.
type ArtifactInfo struct {
	ID          string            `json:"id"`
	Type        core.ArtifactType `json:"type"`
	CreatedBy   string            `json:"created_by"`
	Owner       string            `json:"owner"`
	Contract    string            `json:"access_contract_id"`
	HasStanding bool              `json:"has_standing"`
	HasLoop     bool              `json:"has_loop"`
	Executable  bool              `json:"executable"`
	Size        int64             `json:"size"`
	Interface   *core.Interface   `json:"interface,omitempty"`
	Policy      *core.Policy      `json:"policy,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Deleted     bool              `json:"deleted"`
}

// Info describes an artifact. Contract is the governing contract, so an
// artifact without one reports the fallback.
func (k *Kernel) Info(a *core.Artifact) ArtifactInfo {
	owner, err := k.ledger.Owner(a.ID)
	if err != nil {
		owner = a.CreatedBy
	}
	return ArtifactInfo{
		ID:          a.ID,
		Type:        a.Type,
		CreatedBy:   a.CreatedBy,
		Owner:       owner,
		Contract:    k.contracts.Governing(a),
		HasStanding: a.HasStanding,
		HasLoop:     a.HasLoop,
		Executable:  a.Executable(),
		Size:        a.Size(),
		Interface:   a.Interface,
		Policy:      a.Policy,
		DependsOn:   a.DependsOn,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
		Deleted:     a.Deleted,
	}
}

func (k *Kernel) target(r *request) (*core.Artifact, error) {
	if r.env.TargetID == "" {
		return nil, core.Errorf(core.CodeInvalidArgs, "target_id is required")
	}
	return k.store.Get(r.env.TargetID)
}

// principal resolves the principal receiving value.
func (k *Kernel) principal(id string) (string, error) {
	if id == "" {
		return "", core.Errorf(core.CodeInvalidArgs, "recipient_id is required")
	}
	if !k.ledger.HasAccount(id) {
		return "", core.Errorf(core.CodeNotFound, "principal %s not found", id)
	}
	return id, nil
}

// -----------------------------------------------------------------------------
// Artifacts
// -----------------------------------------------------------------------------

func (k *Kernel) read(ctx context.Context, r *request) (any, map[string]any, error) {
	a, err := k.target(r)
	if err != nil {
		return nil, nil, err
	}
	if err := k.authorize(ctx, r, core.ActionRead, a, nil); err != nil {
		return nil, nil, err
	}
	if _, err := k.charge(r, core.ActionRead); err != nil {
		return nil, nil, err
	}
	return a, nil, nil
}

func (k *Kernel) write(ctx context.Context, r *request) (any, map[string]any, error) {
	id := r.env.TargetID
	if id == "" {
		id = "art-" + uuid.NewString()
	}
	cur, exists := k.store.Lookup(id)
	if !exists {
		return k.create(ctx, r, id)
	}
	if cur.Deleted {
		return nil, nil, core.Errorf(core.CodeDeleted, "artifact %s was deleted", id)
	}
	return k.update(ctx, r, cur)
}

func (k *Kernel) create(ctx context.Context, r *request, id string) (any, map[string]any, error) {
	env := r.env
	name := env.ArtifactType
	if name == "" {
		name = string(core.TypeData)
	}
	typ, err := core.ParseArtifactType(name)
	if err != nil {
		return nil, nil, err
	}
	if typ == core.TypeGenesis {
		return nil, nil, core.Errorf(core.CodeAccessDenied, "genesis artifacts are provided by the kernel")
	}

	a := &core.Artifact{
		ID:               id,
		Type:             typ,
		CreatedBy:        r.caller(),
		AccessContractID: env.AccessContractID,
		HasStanding:      env.HasStanding,
		HasLoop:          env.HasLoop,
		Interface:        env.Interface,
		Policy:           env.Policy,
		DependsOn:        env.DependsOn,
	}
	if env.Content != nil {
		a.Content = *env.Content
	}
	if env.Code != nil {
		a.Code = *env.Code
	}
	if err := k.validateCode(a); err != nil {
		return nil, nil, err
	}
	switch {
	case a.AccessContractID == id:
		if typ != core.TypeContract {
			return nil, nil, core.Errorf(core.CodeInvalidArgs, "only a contract may govern itself")
		}
	case a.AccessContractID != "":
		if err := k.checkContract(a.AccessContractID); err != nil {
			return nil, nil, err
		}
	}

	// The prospective artifact is checked under the contract it names, with
	// the caller as its owner-to-be.
	extra := map[string]any{"creating": true, "artifact_type": string(typ)}
	if err := k.authorize(ctx, r, core.ActionWrite, a, extra); err != nil {
		return nil, nil, err
	}
	receipt, err := k.charge(r, core.ActionWrite)
	if err != nil {
		return nil, nil, err
	}

	created, err := k.store.Create(a)
	if err != nil {
		receipt.Refund()
		return nil, nil, err
	}
	if err := k.ledger.RegisterArtifact(id, r.caller()); err != nil {
		return nil, nil, core.Wrap(core.CodeInternal, err, "ownership of %s", id)
	}
	if created.HasStanding {
		if err := k.ledger.OpenAccount(id, ledger.Account{}); err != nil {
			return nil, nil, core.Wrap(core.CodeInternal, err, "account for %s", id)
		}
	}
	return k.Info(created), map[string]any{"created": true, "size": created.Size()}, nil
}

func (k *Kernel) update(ctx context.Context, r *request, cur *core.Artifact) (any, map[string]any, error) {
	env := r.env
	if env.ArtifactType != "" && core.ArtifactType(env.ArtifactType) != cur.Type {
		return nil, nil, core.Errorf(core.CodeInvalidArgs, "type of %s is %s and cannot change", cur.ID, cur.Type)
	}
	if env.AccessContractID != "" && env.AccessContractID != cur.AccessContractID {
		return nil, nil, core.Errorf(core.CodeAccessDenied, "access contract of %s changes only through change_contract", cur.ID)
	}
	if (env.HasStanding && !cur.HasStanding) || (env.HasLoop && !cur.HasLoop) {
		return nil, nil, core.Errorf(core.CodeInvalidArgs, "capability flags of %s are fixed at creation", cur.ID)
	}

	next := cur.Clone()
	if env.Content != nil {
		next.Content = *env.Content
	}
	if env.Code != nil {
		next.Code = *env.Code
	}
	if env.Interface != nil {
		next.Interface = env.Interface
	}
	if err := k.validateCode(next); err != nil {
		return nil, nil, err
	}

	if err := k.authorize(ctx, r, core.ActionWrite, cur, nil); err != nil {
		return nil, nil, err
	}
	receipt, err := k.charge(r, core.ActionWrite)
	if err != nil {
		return nil, nil, err
	}

	updated, err := k.store.Replace(cur.ID, artifacts.Update{
		Content:   env.Content,
		Code:      env.Code,
		DependsOn: env.DependsOn,
		Interface: env.Interface,
		Policy:    env.Policy,
	})
	if err != nil {
		receipt.Refund()
		return nil, nil, err
	}
	return k.Info(updated), map[string]any{"size": updated.Size()}, nil
}

// checkContract verifies id names a live contract artifact.
func (k *Kernel) checkContract(id string) error {
	contract, err := k.store.Get(id)
	if err != nil {
		return err
	}
	if contract.Type != core.TypeContract {
		return core.Errorf(core.CodeInvalidArgs, "%s is a %s, not a contract", id, contract.Type)
	}
	return nil
}

// validateCode checks code defines the entry points its type and interface
// promise.
func (k *Kernel) validateCode(a *core.Artifact) error {
	if a.Code == "" {
		return nil
	}
	required := []string{"run"}
	if a.Type == core.TypeContract {
		required = []string{contracts.EntryPoint}
	}
	if a.Interface != nil {
		for _, m := range a.Interface.Methods {
			required = append(required, m.Name)
		}
	}
	return k.exec.Validate(a.Code, required...)
}

func (k *Kernel) edit(ctx context.Context, r *request) (any, map[string]any, error) {
	a, err := k.target(r)
	if err != nil {
		return nil, nil, err
	}
	extra := map[string]any{"old_fragment": r.env.OldFragment, "new_fragment": r.env.NewFragment}
	if err := k.authorize(ctx, r, core.ActionEdit, a, extra); err != nil {
		return nil, nil, err
	}
	receipt, err := k.charge(r, core.ActionEdit)
	if err != nil {
		return nil, nil, err
	}
	edited, err := k.store.Edit(a.ID, r.env.OldFragment, r.env.NewFragment)
	if err != nil {
		receipt.Refund()
		return nil, nil, err
	}
	return k.Info(edited), map[string]any{"size": edited.Size()}, nil
}

func (k *Kernel) delete(ctx context.Context, r *request) (any, map[string]any, error) {
	a, err := k.target(r)
	if err != nil {
		return nil, nil, err
	}
	// Artifacts a genesis service holds in custody, such as escrow
	// listings, stay live until the service gives them back.
	if owner, _ := k.ledger.Owner(a.ID); owner != "" {
		if _, held := k.Service(owner); held {
			return nil, nil, core.Errorf(core.CodeAccessDenied, "%s is held by %s", a.ID, owner)
		}
	}
	if err := k.authorize(ctx, r, core.ActionDelete, a, nil); err != nil {
		return nil, nil, err
	}
	receipt, err := k.charge(r, core.ActionDelete)
	if err != nil {
		return nil, nil, err
	}
	if err := k.store.Delete(a.ID); err != nil {
		receipt.Refund()
		return nil, nil, err
	}
	detail := map[string]any{"freed": a.Size()}
	if deps := k.store.Dependents(a.ID); len(deps) > 0 {
		detail["dependents"] = deps
	}
	return nil, detail, nil
}

func (k *Kernel) changeContract(ctx context.Context, r *request) (any, map[string]any, error) {
	a, err := k.target(r)
	if err != nil {
		return nil, nil, err
	}
	next := r.env.AccessContractID
	if next == "" {
		return nil, nil, core.Errorf(core.CodeInvalidArgs, "access_contract_id is required")
	}
	if next != a.ID {
		if err := k.checkContract(next); err != nil {
			return nil, nil, err
		}
	}
	extra := map[string]any{"new_contract": next}
	if err := k.authorize(ctx, r, core.ActionChangeContract, a, extra); err != nil {
		return nil, nil, err
	}
	receipt, err := k.charge(r, core.ActionChangeContract)
	if err != nil {
		return nil, nil, err
	}
	updated, err := k.store.SetAccessContract(a.ID, next)
	if err != nil {
		receipt.Refund()
		return nil, nil, err
	}
	return k.Info(updated), map[string]any{"previous_contract": k.contracts.Governing(a), "contract": next}, nil
}

// -----------------------------------------------------------------------------
// Value
// -----------------------------------------------------------------------------

func (k *Kernel) transfer(ctx context.Context, r *request) (any, map[string]any, error) {
	to := r.env.RecipientID
	if to == "" {
		to = r.env.TargetID
	}
	to, err := k.principal(to)
	if err != nil {
		return nil, nil, err
	}
	extra := map[string]any{"amount": r.env.Amount, "recipient_id": to}
	if err := k.authorize(ctx, r, core.ActionTransfer, r.actor, extra); err != nil {
		return nil, nil, err
	}
	receipt, err := k.charge(r, core.ActionTransfer)
	if err != nil {
		return nil, nil, err
	}
	if err := k.ledger.Transfer(r.caller(), to, r.env.Amount); err != nil {
		receipt.Refund()
		return nil, nil, err
	}
	return nil, nil, nil
}

func (k *Kernel) transferOwnership(ctx context.Context, r *request) (any, map[string]any, error) {
	a, err := k.target(r)
	if err != nil {
		return nil, nil, err
	}
	to, err := k.principal(r.env.RecipientID)
	if err != nil {
		return nil, nil, err
	}
	extra := map[string]any{"recipient_id": to}
	if err := k.authorize(ctx, r, core.ActionTransferOwnership, a, extra); err != nil {
		return nil, nil, err
	}
	if owner, _ := k.ledger.Owner(a.ID); owner != r.caller() {
		return nil, nil, core.Errorf(core.CodeAccessDenied, "%s does not own %s", r.caller(), a.ID)
	}
	receipt, err := k.charge(r, core.ActionTransferOwnership)
	if err != nil {
		return nil, nil, err
	}
	if err := k.ledger.TransferOwnership(a.ID, r.caller(), to); err != nil {
		receipt.Refund()
		return nil, nil, err
	}
	return k.Info(a), map[string]any{"previous_owner": r.caller()}, nil
}

func (k *Kernel) transferQuota(ctx context.Context, r *request) (any, map[string]any, error) {
	res := r.env.Resource
	if res == "" {
		return nil, nil, core.Errorf(core.CodeInvalidArgs, "resource is required")
	}
	if _, ok := k.kinds[res]; !ok {
		return nil, nil, core.Errorf(core.CodeInvalidArgs, "unknown resource %s", res)
	}
	to, err := k.principal(r.env.RecipientID)
	if err != nil {
		return nil, nil, err
	}
	extra := map[string]any{"resource": res, "amount": r.env.Amount, "recipient_id": to}
	if err := k.authorize(ctx, r, core.ActionTransferQuota, r.actor, extra); err != nil {
		return nil, nil, err
	}
	receipt, err := k.charge(r, core.ActionTransferQuota)
	if err != nil {
		return nil, nil, err
	}
	if err := k.ledger.TransferQuota(r.caller(), to, res, r.env.Amount); err != nil {
		receipt.Refund()
		return nil, nil, err
	}
	return nil, map[string]any{"resource": res}, nil
}

func (k *Kernel) mint(_ context.Context, r *request) (any, map[string]any, error) {
	if r.frame.minter == nil {
		return nil, nil, core.Errorf(core.CodeAccessDenied, "mint is reserved for %s", core.GenesisMint)
	}
	if r.env.RecipientID == "" {
		return nil, nil, core.Errorf(core.CodeInvalidArgs, "recipient_id is required")
	}
	if err := r.frame.minter.Mint(r.env.RecipientID, r.env.Amount); err != nil {
		return nil, nil, err
	}
	supply := k.ledger.Supply()
	k.metrics.SetSupply(supply)
	return map[string]any{"supply": supply}, map[string]any{"supply": supply}, nil
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

func (k *Kernel) subscribe(ctx context.Context, r *request) (any, map[string]any, error) {
	a, err := k.target(r)
	if err != nil {
		return nil, nil, err
	}
	if err := k.authorize(ctx, r, core.ActionSubscribe, a, nil); err != nil {
		return nil, nil, err
	}
	return k.notify.Subscribe(r.caller(), a.ID), nil, nil
}

func (k *Kernel) unsubscribe(_ context.Context, r *request) (any, map[string]any, error) {
	if r.env.TargetID == "" {
		return nil, nil, core.Errorf(core.CodeInvalidArgs, "target_id is required")
	}
	return nil, nil, k.notify.Unsubscribe(r.caller(), r.env.TargetID)
}

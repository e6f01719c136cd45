// Package core defines the fundamental types for the world kernel.
// Everything an agent can touch is an Artifact; everything that happens is an Event.
package core

import (
	"slices"
	"time"
)

// -----------------------------------------------------------------------------
// ARTIFACT - The universal entity
// -----------------------------------------------------------------------------

// ArtifactType is the closed registry of artifact kinds. The kernel branches
// on it, so it is validated once at creation and never changes afterwards.
type ArtifactType string

const (
	TypeData       ArtifactType = "data"
	TypeExecutable ArtifactType = "executable"
	TypeAgent      ArtifactType = "agent"
	TypeContract   ArtifactType = "contract"
	TypeGenesis    ArtifactType = "genesis" // kernel-provided services
)

var artifactTypes = []ArtifactType{TypeData, TypeExecutable, TypeAgent, TypeContract, TypeGenesis}

// ParseArtifactType is the single validation boundary for artifact types.
func ParseArtifactType(s string) (ArtifactType, error) {
	t := ArtifactType(s)
	if !slices.Contains(artifactTypes, t) {
		return "", Errorf(CodeInvalidType, "unregistered artifact type %q", s)
	}
	return t, nil
}

// Artifact is data, executable code, a contract, or an agent.
type Artifact struct {
	ID               string       `json:"id"`
	Type             ArtifactType `json:"type"`
	Content          string       `json:"content"`
	Code             string       `json:"code,omitempty"`
	CreatedBy        string       `json:"created_by"`
	AccessContractID string       `json:"access_contract_id,omitempty"`
	HasStanding      bool         `json:"has_standing"`
	HasLoop          bool         `json:"has_loop"`
	Interface        *Interface   `json:"interface,omitempty"`
	Policy           *Policy      `json:"policy,omitempty"`
	DependsOn        []string     `json:"depends_on,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Deleted          bool         `json:"deleted"`
	DeletedAt        *time.Time   `json:"deleted_at,omitempty"`
}

// Size is the number of bytes charged against the creator's disk quota.
func (a *Artifact) Size() int64 {
	return int64(len(a.Content) + len(a.Code))
}

// Executable reports whether the artifact carries code.
func (a *Artifact) Executable() bool {
	return a.Code != ""
}

// Clone returns a deep copy safe to hand out of a store.
func (a *Artifact) Clone() *Artifact {
	c := *a
	c.DependsOn = slices.Clone(a.DependsOn)
	c.Interface = a.Interface.Clone()
	c.Policy = a.Policy.Clone()
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Policy holds structured, kernel-enforced invocation terms.
type Policy struct {
	InvokePrice int64    `json:"invoke_price,omitempty"`
	InvokeAllow []string `json:"invoke_allow,omitempty"` // empty means anyone the contract admits
}

// Clone returns a deep copy; nil stays nil.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	c := *p
	c.InvokeAllow = slices.Clone(p.InvokeAllow)
	return &c
}

// -----------------------------------------------------------------------------
// ACTIONS - What agents submit
// -----------------------------------------------------------------------------

// ActionType identifies an action envelope.
type ActionType string

const (
	ActionRead              ActionType = "read"
	ActionWrite             ActionType = "write"
	ActionEdit              ActionType = "edit"
	ActionDelete            ActionType = "delete"
	ActionInvoke            ActionType = "invoke"
	ActionTransfer          ActionType = "transfer"
	ActionTransferOwnership ActionType = "transfer_ownership"
	ActionTransferQuota     ActionType = "transfer_quota"
	ActionChangeContract    ActionType = "change_contract"
	ActionMint              ActionType = "mint"
	ActionQuery             ActionType = "query"
	ActionSubscribe         ActionType = "subscribe"
	ActionUnsubscribe       ActionType = "unsubscribe"
)

// ActionAuction labels the kernel's record of a resolved auction round.
// It is never submittable.
const ActionAuction ActionType = "auction"

// ChargedActions must have an entry in the action cost table.
var ChargedActions = []ActionType{
	ActionRead, ActionWrite, ActionEdit, ActionDelete, ActionInvoke,
	ActionTransfer, ActionTransferOwnership, ActionTransferQuota, ActionChangeContract,
}

// FreeActions never consume resources.
var FreeActions = []ActionType{ActionQuery, ActionSubscribe, ActionUnsubscribe, ActionMint}

// Known reports whether a is a registered action type.
func (a ActionType) Known() bool {
	return slices.Contains(ChargedActions, a) || slices.Contains(FreeActions, a)
}

// Envelope is the action shape any caller submits to the dispatcher.
type Envelope struct {
	ActionType  ActionType `json:"action_type"`
	ActorID     string     `json:"actor_id"`
	TargetID    string     `json:"target_id,omitempty"`
	Method      string     `json:"method,omitempty"`
	Args        []any      `json:"args,omitempty"`
	OldFragment string     `json:"old_fragment,omitempty"`
	NewFragment string     `json:"new_fragment,omitempty"`
	Amount      int64      `json:"amount,omitempty"`
	RecipientID string     `json:"recipient_id,omitempty"`

	// write
	Content          *string    `json:"content,omitempty"`
	Code             *string    `json:"code,omitempty"`
	ArtifactType     string     `json:"artifact_type,omitempty"`
	AccessContractID string     `json:"access_contract_id,omitempty"`
	DependsOn        []string   `json:"depends_on,omitempty"`
	Interface        *Interface `json:"interface,omitempty"`
	Policy           *Policy    `json:"policy,omitempty"`
	HasStanding      bool       `json:"has_standing,omitempty"`
	HasLoop          bool       `json:"has_loop,omitempty"`

	// transfer_quota
	Resource string `json:"resource,omitempty"`
}

// Result is what the dispatcher returns for every action.
type Result struct {
	EventNumber int64         `json:"event_number"`
	Outcome     Code          `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	Data        any           `json:"data,omitempty"`
}

// OK reports whether the action succeeded.
func (r *Result) OK() bool { return r.Outcome == CodeOK }

// -----------------------------------------------------------------------------
// EVENT - The append-only record of what happened
// -----------------------------------------------------------------------------

// Event is an immutable record of one completed action.
type Event struct {
	Number     int64          `json:"event_number"`
	Timestamp  time.Time      `json:"timestamp"`
	ActionType ActionType     `json:"action_type"`
	Actor      string         `json:"actor"`
	Target     string         `json:"target"`
	Outcome    Code           `json:"outcome"`
	Detail     map[string]any `json:"detail,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// -----------------------------------------------------------------------------
// RESOURCES
// -----------------------------------------------------------------------------

// ResourceKind tells the ledger how a resource behaves.
type ResourceKind string

const (
	ResourceDepletable  ResourceKind = "depletable"  // consumed, never restored
	ResourceAllocatable ResourceKind = "allocatable" // consumed, freed on release
	ResourceRenewable   ResourceKind = "renewable"   // rate limited over a rolling window
)

// Well known resource names.
const (
	ResourceDisk      = "disk"
	ResourceCompute   = "compute"
	ResourceLLMTokens = "llm_tokens"
)

// Genesis artifact ids.
const (
	GenesisEscrow            = "genesis_escrow"
	GenesisMint              = "genesis_mint"
	GenesisContractPublic    = "genesis_contract_public"
	GenesisContractFreeware  = "genesis_contract_freeware"
	GenesisContractPrivate   = "genesis_contract_private"
	GenesisContractSelfOwned = "genesis_contract_self_owned"
	KernelActor              = "kernel"
)

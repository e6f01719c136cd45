// Package escrow is the genesis trading service.
//
// A seller first hands an artifact to the escrow principal, then lists it.
// Because the escrow already holds the artifact when the listing appears,
// nobody can list what they have not relinquished and nobody can buy what
// the seller still controls. Purchase moves scrip and ownership as one unit.
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/logging"
)

// State is where a listing is in its life.
type State string

const (
	StateListed    State = "listed"
	StateSold      State = "sold"
	StateCancelled State = "cancelled"
)

// Listing is one offer to sell an artifact held in escrow.
type Listing struct {
	ArtifactID string     `json:"artifact_id"`
	Seller     string     `json:"seller"`
	Price      int64      `json:"price"`
	Buyer      string     `json:"buyer,omitempty"` // restricts who may purchase
	State      State      `json:"state"`
	SoldTo     string     `json:"sold_to,omitempty"`
	ListedAt   time.Time  `json:"listed_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// Ledger is the part of the ledger escrow settles through.
type Ledger interface {
	Owner(artifactID string) (string, error)
	PreviousOwner(artifactID string) (string, error)
	TransferOwnership(artifactID, from, to string) error
	Purchase(buyer, seller string, price int64, artifactID, custodian string) error
}

// Artifacts looks up what is for sale. Get fails with DELETED for a
// tombstone.
type Artifacts interface {
	Get(id string) (*core.Artifact, error)
}

// Config configures the escrow service.
type Config struct {
	ID        string // principal id, default genesis_escrow
	Ledger    Ledger
	Artifacts Artifacts
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Escrow holds artifacts for sale.
type Escrow struct {
	id        string
	ledger    Ledger
	artifacts Artifacts
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	listings map[string]*Listing
}

// New creates an escrow service. Register it with the kernel to make it
// invocable.
func New(cfg Config) (*Escrow, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("escrow needs a ledger")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("escrow needs an artifact store")
	}
	if cfg.ID == "" {
		cfg.ID = core.GenesisEscrow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Escrow{
		id:        cfg.ID,
		ledger:    cfg.Ledger,
		artifacts: cfg.Artifacts,
		clock:     cfg.Clock,
		logger:    logging.OrDefault(cfg.Logger).With("component", "escrow"),
		listings:  make(map[string]*Listing),
	}, nil
}

// ID returns the escrow principal id.
func (e *Escrow) ID() string { return e.id }

// Interface describes the invocable methods.
func (e *Escrow) Interface() *core.Interface {
	artifact := core.Param{Name: "artifact_id", Type: "string"}
	return &core.Interface{
		Description: "Trustless artifact trading. Transfer ownership to the escrow, then deposit to list.",
		Methods: []core.Method{
			{
				Name:        "deposit",
				Description: "List an artifact the escrow already holds on your behalf.",
				Inputs: []core.Param{
					artifact,
					{Name: "price", Type: "int"},
					{Name: "buyer", Type: "string", Optional: true},
				},
			},
			{Name: "purchase", Description: "Buy a listed artifact at its price.", Inputs: []core.Param{artifact}},
			{Name: "cancel", Description: "Withdraw your listing and take the artifact back.", Inputs: []core.Param{artifact}},
			{Name: "listing", Description: "Show one listing.", Inputs: []core.Param{artifact}},
			{Name: "listings", Description: "Show every open listing."},
		},
	}
}

// Call dispatches an invocation.
func (e *Escrow) Call(_ context.Context, caller, method string, args []any) (any, error) {
	switch method {
	case "deposit":
		id, err := core.StringArg(args, 0, "artifact_id")
		if err != nil {
			return nil, err
		}
		price, err := core.IntArg(args, 1, "price")
		if err != nil {
			return nil, err
		}
		buyer, err := core.OptionalStringArg(args, 2, "buyer")
		if err != nil {
			return nil, err
		}
		return e.Deposit(caller, id, price, buyer)
	case "purchase":
		id, err := core.StringArg(args, 0, "artifact_id")
		if err != nil {
			return nil, err
		}
		return e.Purchase(caller, id)
	case "cancel":
		id, err := core.StringArg(args, 0, "artifact_id")
		if err != nil {
			return nil, err
		}
		return e.Cancel(caller, id)
	case "listing":
		id, err := core.StringArg(args, 0, "artifact_id")
		if err != nil {
			return nil, err
		}
		return e.Listing(id)
	case "listings":
		return e.Listings(), nil
	}
	return nil, core.Errorf(core.CodeInvalidArgs, "escrow has no method %q", method)
}

// -----------------------------------------------------------------------------
// State machine
// -----------------------------------------------------------------------------

// Deposit lists an artifact. The escrow must already own it and the caller
// must be the one who handed it over.
func (e *Escrow) Deposit(seller, artifactID string, price int64, buyer string) (Listing, error) {
	if price < 0 {
		return Listing{}, core.Errorf(core.CodeInvalidArgs, "price must not be negative")
	}
	if buyer == seller {
		return Listing{}, core.Errorf(core.CodeInvalidArgs, "a seller cannot reserve a listing for itself")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.listings[artifactID]; ok && l.State == StateListed {
		return Listing{}, core.Errorf(core.CodeInvalidArgs, "%s is already listed", artifactID)
	}
	if _, err := e.artifacts.Get(artifactID); err != nil {
		return Listing{}, err
	}
	owner, err := e.ledger.Owner(artifactID)
	if err != nil {
		return Listing{}, err
	}
	if owner != e.id {
		return Listing{}, core.Errorf(core.CodeAccessDenied, "%s is not held by %s; transfer ownership first", artifactID, e.id)
	}
	prev, err := e.ledger.PreviousOwner(artifactID)
	if err != nil {
		return Listing{}, err
	}
	if prev != seller {
		return Listing{}, core.Errorf(core.CodeAccessDenied, "%s was not deposited by %s", artifactID, seller)
	}

	l := &Listing{
		ArtifactID: artifactID,
		Seller:     seller,
		Price:      price,
		Buyer:      buyer,
		State:      StateListed,
		ListedAt:   e.clock.Now().UTC(),
	}
	e.listings[artifactID] = l
	e.logger.Info("artifact listed", "artifact", artifactID, "seller", seller, "price", price)
	return *l, nil
}

// Purchase buys a listed artifact: price to the seller, artifact to the
// buyer, both or neither.
func (e *Escrow) Purchase(buyer, artifactID string) (Listing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := e.open(artifactID)
	if err != nil {
		return Listing{}, err
	}
	if buyer == l.Seller {
		return Listing{}, core.Errorf(core.CodeInvalidArgs, "%s cannot buy its own listing", buyer)
	}
	if l.Buyer != "" && l.Buyer != buyer {
		return Listing{}, core.Errorf(core.CodeAccessDenied, "%s is reserved for %s", artifactID, l.Buyer)
	}
	if _, err := e.artifacts.Get(artifactID); err != nil {
		return Listing{}, err
	}
	if err := e.ledger.Purchase(buyer, l.Seller, l.Price, artifactID, e.id); err != nil {
		return Listing{}, err
	}

	now := e.clock.Now().UTC()
	l.State = StateSold
	l.SoldTo = buyer
	l.ClosedAt = &now
	e.logger.Info("artifact sold", "artifact", artifactID, "seller", l.Seller, "buyer", buyer, "price", l.Price)
	return *l, nil
}

// Cancel withdraws a listing and returns the artifact to its seller.
func (e *Escrow) Cancel(caller, artifactID string) (Listing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := e.open(artifactID)
	if err != nil {
		return Listing{}, err
	}
	if caller != l.Seller {
		return Listing{}, core.Errorf(core.CodeAccessDenied, "only %s may cancel the listing of %s", l.Seller, artifactID)
	}
	if err := e.ledger.TransferOwnership(artifactID, e.id, l.Seller); err != nil {
		return Listing{}, err
	}

	now := e.clock.Now().UTC()
	l.State = StateCancelled
	l.ClosedAt = &now
	e.logger.Info("listing cancelled", "artifact", artifactID, "seller", l.Seller)
	return *l, nil
}

func (e *Escrow) open(artifactID string) (*Listing, error) {
	l, ok := e.listings[artifactID]
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "%s is not listed", artifactID)
	}
	if l.State != StateListed {
		return nil, core.Errorf(core.CodeInvalidArgs, "listing of %s is %s", artifactID, l.State)
	}
	return l, nil
}

// Listing returns the latest listing of an artifact, open or closed.
func (e *Escrow) Listing(artifactID string) (Listing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.listings[artifactID]
	if !ok {
		return Listing{}, core.Errorf(core.CodeNotFound, "%s has never been listed", artifactID)
	}
	return *l, nil
}

// Listings returns the open listings ordered by artifact id.
func (e *Escrow) Listings() []Listing {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Listing, 0, len(e.listings))
	for _, l := range e.listings {
		if l.State == StateListed {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out
}

// -----------------------------------------------------------------------------
// Checkpointing
// -----------------------------------------------------------------------------

// SnapshotState serializes every listing.
func (e *Escrow) SnapshotState() (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(e.listings)
}

// RestoreState replaces every listing.
func (e *Escrow) RestoreState(raw json.RawMessage) error {
	listings := make(map[string]*Listing)
	if err := json.Unmarshal(raw, &listings); err != nil {
		return fmt.Errorf("failed to decode escrow state: %w", err)
	}
	for id, l := range listings {
		if l == nil || l.ArtifactID != id {
			return fmt.Errorf("escrow state: listing keyed %s is malformed", id)
		}
		switch l.State {
		case StateListed, StateSold, StateCancelled:
		default:
			return fmt.Errorf("escrow state: listing %s has unknown state %q", id, l.State)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listings = listings
	return nil
}

package kernel

import (
	"context"
	"fmt"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/ledger"
)

// Minter is the kernel's single mint capability. Whoever holds it can
// submit privileged mint actions; nothing else can create scrip.
type Minter struct {
	k *Kernel
	m *ledger.Minter
}

// IssueMinter hands out the mint capability. It succeeds once per kernel.
func (k *Kernel) IssueMinter() (*Minter, error) {
	m, err := k.ledger.IssueMinter()
	if err != nil {
		return nil, fmt.Errorf("failed to issue minter: %w", err)
	}
	return &Minter{k: k, m: m}, nil
}

// Mint credits amount new scrip to a principal as the mint service, on
// behalf of artifactID. The action is recorded like any other.
func (m *Minter) Mint(ctx context.Context, to string, amount int64, artifactID string) *core.Result {
	k := m.k
	k.gate.RLock()
	defer k.gate.RUnlock()
	res, _ := k.dispatch(ctx, &core.Envelope{
		ActionType:  core.ActionMint,
		ActorID:     core.GenesisMint,
		TargetID:    artifactID,
		RecipientID: to,
		Amount:      amount,
	}, frame{caller: core.GenesisMint, minter: m.m, held: heldLocks{}})
	return res
}

// Record appends a kernel-originated event, such as an auction outcome
// that mints nothing.
func (k *Kernel) Record(action core.ActionType, target string, err error, detail map[string]any) (*core.Event, error) {
	k.gate.RLock()
	defer k.gate.RUnlock()
	ev, logErr := k.recorder.RecordSystem(action, target, err, detail)
	if logErr != nil {
		return ev, fmt.Errorf("failed to record %s: %w", action, logErr)
	}
	k.metrics.SystemEvent()
	return ev, nil
}

// Settle runs fn with the kernel gate held shared. Ledger moves made by a
// scheduled service inside fn land entirely before or after any snapshot.
// fn must not call back into Submit, Mint or Record.
func (k *Kernel) Settle(fn func() error) error {
	k.gate.RLock()
	defer k.gate.RUnlock()
	return fn()
}

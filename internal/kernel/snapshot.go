package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/worldkernel/worldkernel/internal/checkpoint"
)

// Snapshot waits for in-flight actions to finish, blocks new ones, and
// captures the whole world at that instant.
func (k *Kernel) Snapshot() (*checkpoint.Snapshot, error) {
	k.gate.Lock()
	defer k.gate.Unlock()

	st, err := k.ledger.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot ledger: %w", err)
	}
	snap := &checkpoint.Snapshot{
		Version:            checkpoint.Version,
		TakenAt:            k.clock.Now().UTC(),
		EventNumber:        k.events.LastNumber(),
		LastHash:           k.events.LastHash(),
		Ledger:             st.Accounts,
		Owners:             st.Owners,
		Supply:             st.Supply,
		Minted:             st.Minted,
		Artifacts:          k.store.Snapshot(),
		RateTrackerWindows: k.rates.Snapshot(),
		Subscriptions:      k.notify.Snapshot(),
		Genesis:            make(map[string]json.RawMessage),
	}
	for _, id := range k.serviceIDs() {
		svc, _ := k.Service(id)
		s, ok := svc.(Stateful)
		if !ok {
			continue
		}
		raw, err := s.SnapshotState()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot service %s: %w", id, err)
		}
		snap.Genesis[id] = raw
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("inconsistent snapshot: %w", err)
	}
	return snap, nil
}

// Restore replaces the world with snap. Services must already be
// registered; each receives its own saved state. The event log continues
// after the checkpointed event.
func (k *Kernel) Restore(snap *checkpoint.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	k.gate.Lock()
	defer k.gate.Unlock()

	if err := k.rates.Restore(snap.RateTrackerWindows); err != nil {
		return fmt.Errorf("failed to restore rate windows: %w", err)
	}
	if err := k.ledger.Restore(snap.LedgerState()); err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}
	if err := k.store.Restore(snap.Artifacts); err != nil {
		return fmt.Errorf("failed to restore artifacts: %w", err)
	}
	k.notify.Restore(snap.Subscriptions)
	k.events.Resume(snap.EventNumber, snap.LastHash)

	for _, id := range k.serviceIDs() {
		svc, _ := k.Service(id)
		s, ok := svc.(Stateful)
		if !ok {
			continue
		}
		raw, ok := snap.Genesis[id]
		if !ok {
			continue
		}
		if err := s.RestoreState(raw); err != nil {
			return fmt.Errorf("failed to restore service %s: %w", id, err)
		}
	}
	k.metrics.SetSupply(k.ledger.Supply())
	k.logger.Info("checkpoint restored", "event_number", snap.EventNumber, "artifacts", len(snap.Artifacts))
	return nil
}

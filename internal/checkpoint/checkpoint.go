// Package checkpoint defines the serialized shape of full kernel state.
//
// A checkpoint is taken while the dispatcher is quiesced, so every field
// describes the same instant. Loading one and replaying the same actions
// must behave exactly like the kernel that produced it.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/ledger"
	"github.com/worldkernel/worldkernel/internal/notify"
	"github.com/worldkernel/worldkernel/internal/ratelimit"
)

// Version is bumped whenever the shape changes incompatibly.
const Version = 1

// Snapshot is a full kernel checkpoint.
type Snapshot struct {
	Version     int       `json:"version"`
	TakenAt     time.Time `json:"taken_at"`
	EventNumber int64     `json:"event_number"`
	LastHash    string    `json:"last_hash"`

	Ledger map[string]ledger.Account    `json:"ledger"`
	Owners map[string]ledger.OwnerState `json:"owners"`
	Supply int64                        `json:"supply"`
	Minted int64                        `json:"minted"`

	Artifacts          map[string]*core.Artifact `json:"artifacts"`
	RateTrackerWindows []ratelimit.WindowState   `json:"rate_tracker_windows"`
	Subscriptions      []notify.Subscription     `json:"subscriptions,omitempty"`

	// Genesis holds the private state of each genesis service by id.
	Genesis map[string]json.RawMessage `json:"genesis,omitempty"`
}

// LedgerState returns the ledger part of the snapshot.
func (s *Snapshot) LedgerState() ledger.State {
	return ledger.State{
		Accounts: s.Ledger,
		Owners:   s.Owners,
		Supply:   s.Supply,
		Minted:   s.Minted,
	}
}

// Validate reports every inconsistency in the snapshot at once.
func (s *Snapshot) Validate() error {
	var result *multierror.Error

	if s.Version != Version {
		result = multierror.Append(result, fmt.Errorf("version %d, want %d", s.Version, Version))
	}
	if s.EventNumber < 0 {
		result = multierror.Append(result, fmt.Errorf("negative event number %d", s.EventNumber))
	}
	if s.EventNumber > 0 && s.LastHash == "" {
		result = multierror.Append(result, fmt.Errorf("event number %d without a last hash", s.EventNumber))
	}

	var sum int64
	for _, id := range sortedKeys(s.Ledger) {
		acct := s.Ledger[id]
		if acct.Balance < 0 {
			result = multierror.Append(result, fmt.Errorf("principal %s has negative balance %d", id, acct.Balance))
		}
		sum += acct.Balance
		a, ok := s.Artifacts[id]
		switch {
		case !ok:
			result = multierror.Append(result, fmt.Errorf("principal %s has no artifact", id))
		case !a.HasStanding:
			result = multierror.Append(result, fmt.Errorf("principal %s artifact has no standing", id))
		}
	}
	if sum != s.Supply {
		result = multierror.Append(result, fmt.Errorf("balances total %d but supply is %d", sum, s.Supply))
	}
	if s.Minted > s.Supply {
		result = multierror.Append(result, fmt.Errorf("minted %d exceeds supply %d", s.Minted, s.Supply))
	}

	for _, id := range sortedKeys(s.Owners) {
		if _, ok := s.Artifacts[id]; !ok {
			result = multierror.Append(result, fmt.Errorf("ownership record for unknown artifact %s", id))
		}
	}
	for _, id := range sortedKeys(s.Artifacts) {
		a := s.Artifacts[id]
		if a == nil || a.ID != id {
			result = multierror.Append(result, fmt.Errorf("artifact entry %s is malformed", id))
			continue
		}
		if _, err := core.ParseArtifactType(string(a.Type)); err != nil {
			result = multierror.Append(result, fmt.Errorf("artifact %s: %w", id, err))
		}
		if _, ok := s.Owners[id]; !ok {
			result = multierror.Append(result, fmt.Errorf("artifact %s has no owner", id))
		}
	}

	for _, w := range s.RateTrackerWindows {
		if _, ok := s.Ledger[w.Principal]; !ok {
			result = multierror.Append(result, fmt.Errorf("rate window for unknown principal %s", w.Principal))
		}
		if w.Allocation < 0 {
			result = multierror.Append(result, fmt.Errorf("negative %s allocation for %s", w.Resource, w.Principal))
		}
	}
	return result.ErrorOrNil()
}

// Marshal encodes a snapshot as indented JSON.
func Marshal(s *Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Unmarshal decodes and validates a snapshot.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return &s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

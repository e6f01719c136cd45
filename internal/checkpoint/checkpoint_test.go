package checkpoint

import (
	"strings"
	"testing"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/ledger"
	"github.com/worldkernel/worldkernel/internal/ratelimit"
)

func validSnapshot() *Snapshot {
	return &Snapshot{
		Version:     Version,
		EventNumber: 3,
		LastHash:    "abc",
		Ledger: map[string]ledger.Account{
			"alice": {Balance: 70},
			"bob":   {Balance: 30},
		},
		Owners: map[string]ledger.OwnerState{
			"alice": {Owner: "alice"},
			"bob":   {Owner: "bob"},
			"doc":   {Owner: "alice"},
		},
		Supply: 100,
		Artifacts: map[string]*core.Artifact{
			"alice": {ID: "alice", Type: core.TypeAgent, HasStanding: true},
			"bob":   {ID: "bob", Type: core.TypeAgent, HasStanding: true},
			"doc":   {ID: "doc", Type: core.TypeData},
		},
		RateTrackerWindows: []ratelimit.WindowState{{Principal: "alice", Resource: "llm_tokens", Allocation: 5}},
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validSnapshot().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	s := validSnapshot()
	s.Supply = 99
	s.LastHash = ""
	s.Owners["ghost"] = ledger.OwnerState{Owner: "alice"}
	s.Artifacts["doc"].Type = "spreadsheet"
	s.RateTrackerWindows = append(s.RateTrackerWindows, ratelimit.WindowState{Principal: "carol", Resource: "llm_tokens"})

	err := s.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"supply is 99", "without a last hash", "unknown artifact ghost", "spreadsheet", "unknown principal carol"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q:\n%v", want, err)
		}
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	data, err := Marshal(validSnapshot())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, key := range []string{`"ledger"`, `"artifacts"`, `"event_number"`, `"rate_tracker_windows"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("encoded checkpoint lacks %s", key)
		}
	}
	s, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s.LedgerState().Accounts["alice"].Balance != 70 {
		t.Errorf("decoded ledger = %+v", s.Ledger)
	}

	if _, err := Unmarshal([]byte(`{"version": 1, "supply": 5}`)); err == nil {
		t.Error("inconsistent checkpoint should be rejected")
	}
}

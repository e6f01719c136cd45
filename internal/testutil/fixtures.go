package testutil

import (
	"context"
	"testing"

	"github.com/raulk/clock"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/kernel"
	"github.com/worldkernel/worldkernel/internal/logging"
)

// Agents are the principals NewWorld creates, each with AgentBalance scrip.
var Agents = []string{"alice", "bob", "carol", "dave"}

// AgentBalance is the starting balance of every fixture agent.
const AgentBalance = 100

// World is a kernel on a mock clock with funded agents.
type World struct {
	Kernel *kernel.Kernel
	Clock  *clock.Mock
}

// NewWorld builds a kernel with the default configuration, a mock clock and
// the fixture agents. mutate, when set, adjusts the config first.
func NewWorld(t *testing.T, mutate func(*kernel.Config)) *World {
	t.Helper()
	clk := clock.NewMock()
	cfg := kernel.DefaultConfig()
	cfg.Clock = clk
	cfg.Logger = logging.Discard()
	if mutate != nil {
		mutate(&cfg)
	}
	k, err := kernel.New(cfg)
	if err != nil {
		t.Fatalf("create kernel: %v", err)
	}
	for _, id := range Agents {
		err := k.CreatePrincipal(kernel.Principal{
			ID:      id,
			Balance: AgentBalance,
			Quotas:  map[string]int64{core.ResourceDisk: 10000, core.ResourceCompute: 100},
			HasLoop: true,
		})
		if err != nil {
			t.Fatalf("create principal %s: %v", id, err)
		}
	}
	return &World{Kernel: k, Clock: clk}
}

// Submit runs env and returns its result.
func (w *World) Submit(env *core.Envelope) *core.Result {
	return w.Kernel.Submit(context.Background(), env)
}

// Write creates or replaces a data artifact and fails the test on error.
func (w *World) Write(t *testing.T, actor, id, content string) *core.Result {
	t.Helper()
	res := w.Submit(&core.Envelope{
		ActionType: core.ActionWrite,
		ActorID:    actor,
		TargetID:   id,
		Content:    &content,
	})
	if !res.OK() {
		t.Fatalf("write %s as %s: %s %s", id, actor, res.Outcome, res.Error)
	}
	return res
}

// Balance returns a principal's scrip and fails the test on error.
func (w *World) Balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := w.Kernel.Ledger().Balance(id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return b
}

package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldkernel/worldkernel/internal/checkpoint"
	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/eventlog"
	"github.com/worldkernel/worldkernel/internal/logging"
	"github.com/worldkernel/worldkernel/internal/metrics"
	"github.com/worldkernel/worldkernel/internal/notify"
)

func newTestKernel(t *testing.T, mutate ...func(*Config)) (*Kernel, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Clock = clk
	cfg.Logger = logging.Discard()
	cfg.Metrics = metrics.New()
	for _, m := range mutate {
		m(&cfg)
	}
	k, err := New(cfg)
	require.NoError(t, err)
	return k, clk
}

func addAgent(t *testing.T, k *Kernel, id string, balance int64) {
	t.Helper()
	require.NoError(t, k.CreatePrincipal(Principal{
		ID:      id,
		Balance: balance,
		Quotas: map[string]int64{
			core.ResourceDisk:      10_000,
			core.ResourceCompute:   100,
			core.ResourceLLMTokens: 100,
		},
	}))
}

func str(s string) *string { return &s }

func submit(k *Kernel, env core.Envelope) *core.Result {
	return k.Submit(context.Background(), &env)
}

func mustOK(t *testing.T, res *core.Result) *core.Result {
	t.Helper()
	require.Equal(t, core.CodeOK, res.Outcome, res.Error)
	return res
}

func writeArtifact(t *testing.T, k *Kernel, actor, id string, mutate ...func(*core.Envelope)) {
	t.Helper()
	env := core.Envelope{ActionType: core.ActionWrite, ActorID: actor, TargetID: id, Content: str("hello world")}
	for _, m := range mutate {
		m(&env)
	}
	mustOK(t, submit(k, env))
}

func balance(t *testing.T, k *Kernel, id string) int64 {
	t.Helper()
	b, err := k.Ledger().Balance(id)
	require.NoError(t, err)
	return b
}

// echoService is a hand-written genesis service.
type echoService struct {
	id    string
	fail  error
	calls int
}

func (s *echoService) ID() string                 { return s.id }
func (s *echoService) Interface() *core.Interface { return nil }

func (s *echoService) Call(_ context.Context, caller, method string, args []any) (any, error) {
	s.calls++
	if s.fail != nil {
		return nil, s.fail
	}
	return map[string]any{"caller": caller, "method": method, "args": len(args)}, nil
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing cost entry", func(c *Config) { delete(c.ActionCosts, core.ActionWrite) }, "no cost entry for action write"},
		{"cost for free action", func(c *Config) { c.ActionCosts[core.ActionQuery] = Cost{} }, "free or unknown action query"},
		{"unknown resource", func(c *Config) { c.ActionCosts[core.ActionRead] = Cost{"gpu": 1} }, "unknown resource gpu"},
		{"negative cost", func(c *Config) { c.ActionCosts[core.ActionRead] = Cost{core.ResourceCompute: -1} }, "negative compute"},
		{"no fallback", func(c *Config) { c.FallbackContract = "" }, "fallback contract is required"},
		{"no window", func(c *Config) { c.Resources[1].Window = 0 }, "needs a positive window"},
		{"bad kind", func(c *Config) { c.Resources[0].Kind = "sometimes" }, "unknown kind"},
		{"no timeout", func(c *Config) { c.InvokeTimeout = 0 }, "invoke timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			_, err = New(cfg)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestNew_CreatesGenesisContracts(t *testing.T) {
	k, _ := newTestKernel(t)
	for _, id := range []string{
		core.GenesisContractPublic, core.GenesisContractFreeware,
		core.GenesisContractPrivate, core.GenesisContractSelfOwned,
	} {
		a, err := k.Artifacts().Get(id)
		require.NoError(t, err, id)
		assert.Equal(t, core.TypeContract, a.Type)
		owner, err := k.Ledger().Owner(id)
		require.NoError(t, err)
		assert.Equal(t, core.KernelActor, owner)
	}
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

func TestTransfer_Scenario(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)

	res := mustOK(t, submit(k, core.Envelope{ActionType: core.ActionTransfer, ActorID: "A", RecipientID: "B", Amount: 30}))
	assert.Equal(t, int64(70), balance(t, k, "A"))
	assert.Equal(t, int64(80), balance(t, k, "B"))
	assert.Equal(t, int64(150), k.Ledger().Supply())

	ev, ok := k.Events().Get(res.EventNumber)
	require.True(t, ok)
	assert.Equal(t, core.ActionTransfer, ev.ActionType)
	assert.Equal(t, "A", ev.Actor)

	res = submit(k, core.Envelope{ActionType: core.ActionTransfer, ActorID: "B", RecipientID: "A", Amount: 81})
	assert.Equal(t, core.CodeInsufficientFunds, res.Outcome)
	assert.Equal(t, int64(80), balance(t, k, "B"))
}

func TestSubmit_EveryActionAppendsOneEvent(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)

	envs := []struct {
		env  core.Envelope
		want core.Code
	}{
		{core.Envelope{ActionType: "dance", ActorID: "A"}, core.CodeInvalidArgs},
		{core.Envelope{ActionType: core.ActionRead}, core.CodeInvalidArgs},
		{core.Envelope{ActionType: core.ActionRead, ActorID: "ghost", TargetID: "A"}, core.CodeNotFound},
		{core.Envelope{ActionType: core.ActionRead, ActorID: "A", TargetID: "nothing"}, core.CodeNotFound},
		{core.Envelope{ActionType: core.ActionRead, ActorID: "A", TargetID: "B"}, core.CodeOK},
		{core.Envelope{ActionType: core.ActionTransfer, ActorID: "A", RecipientID: "B", Amount: -1}, core.CodeInvalidArgs},
		{core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "x", ArtifactType: "spaceship"}, core.CodeInvalidType},
		{core.Envelope{ActionType: core.ActionQuery, ActorID: "A", Method: "supply"}, core.CodeOK},
	}
	for i, tt := range envs {
		before := k.Events().LastNumber()
		res := submit(k, tt.env)
		assert.Equal(t, tt.want, res.Outcome, "envelope %d: %s", i, res.Error)
		assert.Equal(t, before+1, k.Events().LastNumber(), "envelope %d", i)
		assert.Equal(t, before+1, res.EventNumber)

		ev, ok := k.Events().Get(res.EventNumber)
		require.True(t, ok)
		assert.Equal(t, tt.want, ev.Outcome)
	}
	require.NoError(t, k.Events().VerifyChain())
}

func TestSubmit_NilEnvelope(t *testing.T) {
	k, _ := newTestKernel(t)
	res := k.Submit(context.Background(), nil)
	assert.Equal(t, core.CodeInvalidArgs, res.Outcome)
	assert.Equal(t, int64(1), k.Events().LastNumber())
}

func TestSubmit_CancelledContextTimesOut(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := k.Submit(ctx, &core.Envelope{ActionType: core.ActionRead, ActorID: "A", TargetID: "A"})
	assert.Equal(t, core.CodeTimeout, res.Outcome)
}

// -----------------------------------------------------------------------------
// Artifacts
// -----------------------------------------------------------------------------

func TestWrite_StrangerDeniedUnderFreeware(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)
	writeArtifact(t, k, "A", "doc")

	diskBefore, err := k.Ledger().Quota("B", core.ResourceDisk)
	require.NoError(t, err)

	res := submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "B", TargetID: "doc", Content: str("mine now")})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)

	a, err := k.Artifacts().Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "hello world", a.Content)
	diskAfter, err := k.Ledger().Quota("B", core.ResourceDisk)
	require.NoError(t, err)
	assert.Equal(t, diskBefore, diskAfter)

	// Reading is open to anyone under freeware.
	res = mustOK(t, submit(k, core.Envelope{ActionType: core.ActionRead, ActorID: "B", TargetID: "doc"}))
	assert.Equal(t, "hello world", res.Data.(*core.Artifact).Content)
}

func TestWrite_GeneratesIDAndChargesDisk(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)

	res := mustOK(t, submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", Content: str("12345")}))
	info := res.Data.(ArtifactInfo)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "A", info.Owner)
	assert.Equal(t, core.GenesisContractFreeware, info.Contract)

	disk, err := k.Ledger().Quota("A", core.ResourceDisk)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000-5), disk)
}

func TestWrite_GenesisTypeIsReserved(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	res := submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "fake", ArtifactType: "genesis"})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)
}

func TestWrite_TypeAndContractAreImmutable(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	writeArtifact(t, k, "A", "doc")

	res := submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "doc", ArtifactType: "executable"})
	assert.Equal(t, core.CodeInvalidArgs, res.Outcome)

	res = submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "doc", AccessContractID: core.GenesisContractPublic})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)

	// An artifact may govern itself; without check_permission that locks
	// everyone out, owner included.
	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionChangeContract, ActorID: "A", TargetID: "doc", AccessContractID: "doc"}))
	res = submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "doc", Content: str("locked")})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)
}

func TestChangeContract(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)
	writeArtifact(t, k, "A", "doc")

	res := submit(k, core.Envelope{ActionType: core.ActionChangeContract, ActorID: "B", TargetID: "doc", AccessContractID: core.GenesisContractPublic})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)

	res = submit(k, core.Envelope{ActionType: core.ActionChangeContract, ActorID: "A", TargetID: "doc", AccessContractID: "doc-missing"})
	assert.Equal(t, core.CodeNotFound, res.Outcome)

	res = submit(k, core.Envelope{ActionType: core.ActionChangeContract, ActorID: "A", TargetID: "doc", AccessContractID: "B"})
	assert.Equal(t, core.CodeInvalidArgs, res.Outcome, "agents are not contracts")

	res = mustOK(t, submit(k, core.Envelope{ActionType: core.ActionChangeContract, ActorID: "A", TargetID: "doc", AccessContractID: core.GenesisContractPublic}))
	assert.Equal(t, core.GenesisContractPublic, res.Data.(ArtifactInfo).Contract)

	// Public lets anyone write.
	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "B", TargetID: "doc", Content: str("graffiti")}))
}

func TestCodeContractGovernsWrites(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)
	addAgent(t, k, "C", 5)

	code := "def check_permission(caller, action, target, context):\n" +
		"    if action == \"read\":\n" +
		"        return True\n" +
		"    return (balance(caller) >= 50, \"members hold 50 scrip\")\n"
	writeArtifact(t, k, "A", "club", func(e *core.Envelope) {
		e.ArtifactType = "contract"
		e.Content = nil
		e.Code = str(code)
	})
	writeArtifact(t, k, "A", "board", func(e *core.Envelope) { e.AccessContractID = "club" })

	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "B", TargetID: "board", Content: str("B was here")}))
	res := submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "C", TargetID: "board", Content: str("C was here")})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)
	assert.Contains(t, res.Error, "members hold 50 scrip")
	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionRead, ActorID: "C", TargetID: "board"}))

	res = submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "bad", ArtifactType: "contract", Code: str("def run():\n    return 1\n")})
	assert.Equal(t, core.CodeInvalidArgs, res.Outcome, "contracts must define check_permission")
}

func TestWrite_SelfGoverningContractInOneWrite(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 100)

	code := "def check_permission(caller, action, target, context):\n" +
		"    if target == self_id:\n" +
		"        return caller == \"A\"\n" +
		"    return action == \"read\"\n"
	writeArtifact(t, k, "A", "selfgov", func(e *core.Envelope) {
		e.ArtifactType = "contract"
		e.Content = nil
		e.Code = str(code)
		e.AccessContractID = "selfgov"
	})
	a, err := k.Artifacts().Get("selfgov")
	require.NoError(t, err)
	assert.Equal(t, "selfgov", a.AccessContractID)

	res := submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "B", TargetID: "selfgov", Content: str("mine now")})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)
	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "selfgov", Content: str("notes")}))

	// A contract that refuses its own creator cannot be created.
	res = submit(k, core.Envelope{
		ActionType: core.ActionWrite, ActorID: "B", TargetID: "locked", ArtifactType: "contract",
		AccessContractID: "locked", Code: str("def check_permission(caller, action, target, context):\n    return False\n"),
	})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)
	assert.False(t, k.Artifacts().Exists("locked"))

	res = submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "plain", AccessContractID: "plain", Content: str("x")})
	assert.Equal(t, core.CodeInvalidArgs, res.Outcome, "only contracts govern themselves")
}

func TestEdit(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	writeArtifact(t, k, "A", "doc", func(e *core.Envelope) { e.Content = str("one two one") })

	res := submit(k, core.Envelope{ActionType: core.ActionEdit, ActorID: "A", TargetID: "doc", OldFragment: "one", NewFragment: "1"})
	assert.Equal(t, core.CodeAmbiguous, res.Outcome)

	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionEdit, ActorID: "A", TargetID: "doc", OldFragment: "two", NewFragment: "2"}))
	a, err := k.Artifacts().Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "one 2 one", a.Content)
}

func TestDelete_TombstoneIsFinal(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	writeArtifact(t, k, "A", "doc")

	res := mustOK(t, submit(k, core.Envelope{ActionType: core.ActionDelete, ActorID: "A", TargetID: "doc"}))
	ev, _ := k.Events().Get(res.EventNumber)
	assert.EqualValues(t, len("hello world"), ev.Detail["freed"])

	disk, err := k.Ledger().Quota("A", core.ResourceDisk)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), disk)

	for _, env := range []core.Envelope{
		{ActionType: core.ActionRead, ActorID: "A", TargetID: "doc"},
		{ActionType: core.ActionWrite, ActorID: "A", TargetID: "doc", Content: str("again")},
		{ActionType: core.ActionEdit, ActorID: "A", TargetID: "doc", OldFragment: "hello", NewFragment: "bye"},
		{ActionType: core.ActionDelete, ActorID: "A", TargetID: "doc"},
	} {
		res := submit(k, env)
		assert.Equal(t, core.CodeDeleted, res.Outcome, string(env.ActionType))
	}
}

// -----------------------------------------------------------------------------
// Invoke
// -----------------------------------------------------------------------------

func TestInvoke_PriceIsPaidOnlyOnSuccess(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)

	writeArtifact(t, k, "A", "double", func(e *core.Envelope) {
		e.ArtifactType = "executable"
		e.Code = str("def run(x):\n    return x * 2\n")
		e.Policy = &core.Policy{InvokePrice: 5}
	})
	writeArtifact(t, k, "A", "broken", func(e *core.Envelope) {
		e.ArtifactType = "executable"
		e.Code = str("def run():\n    fail(\"boom\")\n")
		e.Policy = &core.Policy{InvokePrice: 5}
	})

	res := mustOK(t, submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "B", TargetID: "double", Args: []any{21}}))
	assert.EqualValues(t, 42, res.Data)
	assert.Equal(t, int64(45), balance(t, k, "B"))
	assert.Equal(t, int64(105), balance(t, k, "A"))
	ev, _ := k.Events().Get(res.EventNumber)
	assert.Equal(t, "A", ev.Detail["paid_to"])

	res = submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "B", TargetID: "broken"})
	assert.Equal(t, core.CodeExecutionError, res.Outcome)
	assert.Equal(t, int64(45), balance(t, k, "B"))
	assert.Equal(t, int64(105), balance(t, k, "A"))

	assert.Equal(t, int64(0), k.Ledger().Held())
	assert.Equal(t, int64(150), k.Ledger().Supply())
	assert.Equal(t, int64(150), k.Ledger().TotalBalances())

	addAgent(t, k, "poor", 2)
	res = submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "poor", TargetID: "double", Args: []any{1}})
	assert.Equal(t, core.CodeInsufficientFunds, res.Outcome)
}

func TestInvoke_AllowListAndInterface(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)
	addAgent(t, k, "C", 50)

	writeArtifact(t, k, "A", "greeter", func(e *core.Envelope) {
		e.ArtifactType = "executable"
		e.Code = str("def run():\n    return \"hi\"\n\ndef greet(name):\n    return \"hello \" + name\n")
		e.Interface = &core.Interface{Methods: []core.Method{
			{Name: "run"},
			{Name: "greet", Inputs: []core.Param{{Name: "name", Type: "string"}}},
		}}
		e.Policy = &core.Policy{InvokeAllow: []string{"C"}}
	})

	res := submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "B", TargetID: "greeter"})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)

	res = submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "C", TargetID: "greeter", Method: "greet", Args: []any{7}})
	assert.Equal(t, core.CodeInvalidArgs, res.Outcome)

	res = mustOK(t, submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "C", TargetID: "greeter", Method: "greet", Args: []any{"C"}}))
	assert.Equal(t, "hello C", res.Data)

	res = submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "C", TargetID: "A"})
	assert.Equal(t, core.CodeInvalidArgs, res.Outcome, "agents without code are not invocable")
}

func TestInvoke_NestedKeepsOriginalCaller(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)

	writeArtifact(t, k, "A", "inner", func(e *core.Envelope) {
		e.ArtifactType = "executable"
		e.Code = str("def run():\n    return caller\n")
		e.Policy = &core.Policy{InvokePrice: 3}
	})
	writeArtifact(t, k, "A", "outer", func(e *core.Envelope) {
		e.ArtifactType = "executable"
		e.Code = str("def run():\n    return [invoke(\"inner\"), read(\"outer-notes\")]\n")
	})
	writeArtifact(t, k, "A", "outer-notes", func(e *core.Envelope) { e.Content = str("notes") })

	res := mustOK(t, submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "B", TargetID: "outer"}))
	assert.Equal(t, []any{"B", "notes"}, res.Data)
	assert.Equal(t, int64(47), balance(t, k, "B"), "the original caller pays nested prices")

	nested := k.Events().Query(eventlog.QueryOptions{ActionType: core.ActionInvoke, Target: "inner"})
	require.Len(t, nested, 1)
	assert.Equal(t, "B", nested[0].Actor)
	assert.EqualValues(t, 1, nested[0].Detail["depth"])
}

func TestInvoke_DepthBound(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	writeArtifact(t, k, "A", "loop", func(e *core.Envelope) {
		e.ArtifactType = "executable"
		e.Code = str("def run():\n    return invoke(self_id)\n")
	})

	before := k.Events().LastNumber()
	res := submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "A", TargetID: "loop"})
	assert.Equal(t, core.CodeDepthExceeded, res.Outcome)

	// Depths 0..max run, max+1 is refused; each leaves one event.
	assert.Equal(t, before+int64(k.MaxDepth())+2, k.Events().LastNumber())
}

func TestInvoke_Timeout(t *testing.T) {
	k, _ := newTestKernel(t, func(c *Config) {
		c.InvokeTimeout = 50 * time.Millisecond
		c.MaxExecutionSteps = 0
	})
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)
	writeArtifact(t, k, "A", "spin", func(e *core.Envelope) {
		e.ArtifactType = "executable"
		e.Code = str("def run():\n    while True:\n        pass\n")
		e.Policy = &core.Policy{InvokePrice: 10}
	})

	res := submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "B", TargetID: "spin"})
	assert.Equal(t, core.CodeTimeout, res.Outcome)
	assert.Equal(t, int64(50), balance(t, k, "B"), "the price is refunded")
}

func TestInvoke_Service(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	svc := &echoService{id: "genesis_echo"}
	require.NoError(t, k.RegisterService(svc))
	assert.Error(t, k.RegisterService(svc))

	res := mustOK(t, submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "A", TargetID: "genesis_echo", Method: "ping", Args: []any{1, 2}}))
	assert.Equal(t, map[string]any{"caller": "A", "method": "ping", "args": 2}, res.Data)
	assert.Equal(t, []string{"A"}, k.Agents())

	svc.fail = errors.New("plain failure")
	res = submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "A", TargetID: "genesis_echo"})
	assert.Equal(t, core.CodeExecutionError, res.Outcome)

	svc.fail = core.Errorf(core.CodeNotFound, "no such listing")
	res = submit(k, core.Envelope{ActionType: core.ActionInvoke, ActorID: "A", TargetID: "genesis_echo"})
	assert.Equal(t, core.CodeNotFound, res.Outcome)

	res = submit(k, core.Envelope{ActionType: core.ActionRead, ActorID: "genesis_echo", TargetID: "A"})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome, "services cannot act through Submit")
}

// -----------------------------------------------------------------------------
// Rates and minting
// -----------------------------------------------------------------------------

func TestCharge_TooFastThenRecovers(t *testing.T) {
	k, clk := newTestKernel(t)
	require.NoError(t, k.CreatePrincipal(Principal{
		ID:      "A",
		Balance: 10,
		Quotas:  map[string]int64{core.ResourceDisk: 1000, core.ResourceCompute: 2},
	}))

	writeArtifact(t, k, "A", "one")
	writeArtifact(t, k, "A", "two")
	res := submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "three", Content: str("x")})
	require.Equal(t, core.CodeTooFast, res.Outcome)
	assert.Positive(t, res.RetryAfter)
	assert.False(t, k.Artifacts().Exists("three"), "a denied charge has no effect")

	clk.Add(res.RetryAfter)
	writeArtifact(t, k, "A", "three")
}

func TestCharge_FailedDiskChargeRefundsCompute(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.CreatePrincipal(Principal{
		ID:      "A",
		Balance: 10,
		Quotas:  map[string]int64{core.ResourceDisk: 5, core.ResourceCompute: 1},
	}))

	res := submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "big", Content: str("0123456789")})
	require.Equal(t, core.CodeInsufficientQuota, res.Outcome, res.Error)
	assert.False(t, k.Artifacts().Exists("big"))
	assert.Zero(t, k.Rates().Usage("A", core.ResourceCompute, k.Clock().Now()), "the compute slot is returned")

	writeArtifact(t, k, "A", "small", func(e *core.Envelope) { e.Content = str("x") })
	disk, err := k.Ledger().Quota("A", core.ResourceDisk)
	require.NoError(t, err)
	assert.Equal(t, int64(4), disk)

	// Growing past the disk quota refunds the same way.
	res = submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "A", TargetID: "small", Content: str("0123456789")})
	require.Equal(t, core.CodeInsufficientQuota, res.Outcome, res.Error)
	assert.Zero(t, k.Rates().Usage("A", core.ResourceCompute, k.Clock().Now()))
}

func TestMint_OnlyThroughMinter(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	require.NoError(t, k.RegisterService(&echoService{id: core.GenesisMint}))

	res := submit(k, core.Envelope{ActionType: core.ActionMint, ActorID: "A", RecipientID: "A", Amount: 1000})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)
	res = submit(k, core.Envelope{ActionType: core.ActionMint, ActorID: core.GenesisMint, RecipientID: "A", Amount: 1000})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)
	assert.Equal(t, int64(100), k.Ledger().Supply())

	m, err := k.IssueMinter()
	require.NoError(t, err)
	_, err = k.IssueMinter()
	assert.Error(t, err)

	res = m.Mint(context.Background(), "A", 25, "A")
	require.Equal(t, core.CodeOK, res.Outcome, res.Error)
	assert.Equal(t, int64(125), balance(t, k, "A"))
	assert.Equal(t, int64(125), k.Ledger().Supply())
	assert.Equal(t, int64(25), k.Ledger().Minted())

	ev, _ := k.Events().Get(res.EventNumber)
	assert.Equal(t, core.GenesisMint, ev.Actor)
	assert.Equal(t, core.ActionMint, ev.ActionType)

	ev, err = k.Record(core.ActionMint, "A", core.Errorf(core.CodeScoringUnavailable, "scorer down"), nil)
	require.NoError(t, err)
	assert.Equal(t, core.CodeScoringUnavailable, ev.Outcome)
	assert.Equal(t, core.KernelActor, ev.Actor)
}

func TestTransferQuota(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)

	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionTransferQuota, ActorID: "A", RecipientID: "B", Resource: core.ResourceLLMTokens, Amount: 40}))
	assert.Equal(t, int64(60), k.Rates().Allocation("A", core.ResourceLLMTokens))
	assert.Equal(t, int64(140), k.Rates().Allocation("B", core.ResourceLLMTokens))

	res := submit(k, core.Envelope{ActionType: core.ActionTransferQuota, ActorID: "A", RecipientID: "B", Resource: core.ResourceDisk, Amount: 20_000})
	assert.Equal(t, core.CodeInsufficientQuota, res.Outcome)
}

func TestTransferOwnership(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)
	writeArtifact(t, k, "A", "doc")

	res := submit(k, core.Envelope{ActionType: core.ActionTransferOwnership, ActorID: "B", TargetID: "doc", RecipientID: "B"})
	assert.Equal(t, core.CodeAccessDenied, res.Outcome)

	res = mustOK(t, submit(k, core.Envelope{ActionType: core.ActionTransferOwnership, ActorID: "A", TargetID: "doc", RecipientID: "B"}))
	assert.Equal(t, "B", res.Data.(ArtifactInfo).Owner)

	prev, err := k.Ledger().PreviousOwner("doc")
	require.NoError(t, err)
	assert.Equal(t, "A", prev)

	// The new owner may now write under freeware.
	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionWrite, ActorID: "B", TargetID: "doc", Content: str("B's")}))
}

func TestConcurrentTransfersConserveSupply(t *testing.T) {
	k, _ := newTestKernel(t)
	ids := []string{"A", "B", "C", "D"}
	for _, id := range ids {
		addAgent(t, k, id, 100)
	}

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			submit(k, core.Envelope{
				ActionType:  core.ActionTransfer,
				ActorID:     ids[i%4],
				RecipientID: ids[(i+1)%4],
				Amount:      int64(i%7 + 1),
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(400), k.Ledger().Supply())
	assert.Equal(t, int64(400), k.Ledger().TotalBalances())
	for _, id := range ids {
		assert.GreaterOrEqual(t, balance(t, k, id), int64(0))
	}
	require.NoError(t, k.Events().VerifyChain())
}

func TestConcurrentTransfers_EventOrderReplays(t *testing.T) {
	k, _ := newTestKernel(t)
	ids := []string{"A", "B", "C"}
	for _, id := range ids {
		addAgent(t, k, id, 10)
	}

	type transfer struct {
		from, to string
		amount   int64
		outcome  core.Code
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		byEv = make(map[int64]transfer)
	)
	for i := range 90 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := transfer{from: ids[i%3], to: ids[(i+1+i/3)%3], amount: int64(i%9 + 1)}
			if tr.from == tr.to {
				tr.to = ids[(i+2)%3]
			}
			res := submit(k, core.Envelope{ActionType: core.ActionTransfer, ActorID: tr.from, RecipientID: tr.to, Amount: tr.amount})
			tr.outcome = res.Outcome
			mu.Lock()
			byEv[res.EventNumber] = tr
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Replaying in event order must reproduce every outcome.
	bal := map[string]int64{"A": 10, "B": 10, "C": 10}
	for _, ev := range k.Events().Query(eventlog.QueryOptions{ActionType: core.ActionTransfer}) {
		tr, ok := byEv[ev.Number]
		require.True(t, ok, "event %d", ev.Number)
		switch tr.outcome {
		case core.CodeOK:
			require.GreaterOrEqual(t, bal[tr.from], tr.amount, "event %d overdraws %s", ev.Number, tr.from)
			bal[tr.from] -= tr.amount
			bal[tr.to] += tr.amount
		case core.CodeInsufficientFunds:
			require.Less(t, bal[tr.from], tr.amount, "event %d refused a funded transfer", ev.Number)
		}
	}
	for _, id := range ids {
		assert.Equal(t, bal[id], balance(t, k, id), id)
	}
	assert.Zero(t, k.locks.size(), "every entity lock is released")
}

func TestSubmit_WaitsForEntityLock(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 100)

	require.NoError(t, k.locks.acquire(context.Background(), "B"))
	done := make(chan *core.Result, 1)
	go func() {
		done <- submit(k, core.Envelope{ActionType: core.ActionTransfer, ActorID: "A", RecipientID: "B", Amount: 5})
	}()

	select {
	case res := <-done:
		t.Fatalf("transfer finished while B was locked: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(100), balance(t, k, "B"))

	k.locks.release("B")
	select {
	case res := <-done:
		mustOK(t, res)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not resume")
	}
	assert.Equal(t, int64(105), balance(t, k, "B"))

	// A caller that gives up while waiting fails without effect.
	require.NoError(t, k.locks.acquire(context.Background(), "B"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := k.Submit(ctx, &core.Envelope{ActionType: core.ActionTransfer, ActorID: "A", RecipientID: "B", Amount: 5})
	assert.Equal(t, core.CodeTimeout, res.Outcome)
	assert.NotZero(t, res.EventNumber, "the failure is still recorded")
	assert.Equal(t, int64(105), balance(t, k, "B"))
	k.locks.release("B")
	assert.Zero(t, k.locks.size())
}

// -----------------------------------------------------------------------------
// Query and subscriptions
// -----------------------------------------------------------------------------

func TestQuery(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)
	writeArtifact(t, k, "A", "doc")

	computeBefore := k.Rates().Usage("A", core.ResourceCompute, k.Clock().Now())

	res := mustOK(t, submit(k, core.Envelope{ActionType: core.ActionQuery, ActorID: "A", Method: "principal", TargetID: "B"}))
	p := res.Data.(PrincipalInfo)
	assert.Equal(t, int64(50), p.Balance)
	assert.Equal(t, int64(100), p.Allocations[core.ResourceCompute])

	res = mustOK(t, submit(k, core.Envelope{ActionType: core.ActionQuery, ActorID: "A", Method: "supply"}))
	assert.Equal(t, int64(150), res.Data.(SupplyInfo).Supply)

	res = mustOK(t, submit(k, core.Envelope{ActionType: core.ActionQuery, ActorID: "A", Method: "artifacts", Args: []any{map[string]any{"type": "data"}}}))
	list := res.Data.([]ArtifactInfo)
	require.Len(t, list, 1)
	assert.Equal(t, "doc", list[0].ID)

	res = mustOK(t, submit(k, core.Envelope{ActionType: core.ActionQuery, ActorID: "A", Method: "events", Args: []any{map[string]any{"actor": "A", "limit": float64(2)}}}))
	assert.Len(t, res.Data, 2)

	res = submit(k, core.Envelope{ActionType: core.ActionQuery, ActorID: "A", Method: "horoscope"})
	assert.Equal(t, core.CodeInvalidArgs, res.Outcome)

	assert.Equal(t, computeBefore, k.Rates().Usage("A", core.ResourceCompute, k.Clock().Now()), "queries are free")
}

func TestSubscribe_NotifiesOnChange(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	addAgent(t, k, "B", 50)
	writeArtifact(t, k, "A", "doc")

	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionSubscribe, ActorID: "B", TargetID: "doc"}))
	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionEdit, ActorID: "A", TargetID: "doc", OldFragment: "world", NewFragment: "there"}))
	submit(k, core.Envelope{ActionType: core.ActionEdit, ActorID: "B", TargetID: "doc", OldFragment: "there", NewFragment: "x"})

	res := mustOK(t, submit(k, core.Envelope{ActionType: core.ActionQuery, ActorID: "B", Method: "notifications"}))
	got := res.Data.([]notify.Notification)
	require.Len(t, got, 1, "failed actions do not notify")
	assert.Equal(t, core.ActionEdit, got[0].Action)
	assert.Equal(t, "A", got[0].Actor)

	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionUnsubscribe, ActorID: "B", TargetID: "doc"}))
	mustOK(t, submit(k, core.Envelope{ActionType: core.ActionDelete, ActorID: "A", TargetID: "doc"}))
	assert.Equal(t, 0, k.Notifications().Pending("B"))
}

// -----------------------------------------------------------------------------
// Checkpoints
// -----------------------------------------------------------------------------

// custodyService is a service with state that must survive checkpoints.
type custodyService struct {
	echoService
	state string
}

func (s *custodyService) SnapshotState() (json.RawMessage, error) {
	return json.Marshal(s.state)
}

func (s *custodyService) RestoreState(raw json.RawMessage) error {
	return json.Unmarshal(raw, &s.state)
}

func TestSnapshotRestore(t *testing.T) {
	build := func() (*Kernel, *custodyService) {
		k, _ := newTestKernel(t)
		svc := &custodyService{echoService: echoService{id: core.GenesisEscrow}}
		require.NoError(t, k.RegisterService(svc))
		return k, svc
	}

	k1, svc1 := build()
	addAgent(t, k1, "A", 100)
	addAgent(t, k1, "B", 50)
	writeArtifact(t, k1, "A", "doc")
	mustOK(t, submit(k1, core.Envelope{ActionType: core.ActionTransfer, ActorID: "A", RecipientID: "B", Amount: 30}))
	mustOK(t, submit(k1, core.Envelope{ActionType: core.ActionSubscribe, ActorID: "B", TargetID: "doc"}))
	svc1.state = "listed"

	snap, err := k1.Snapshot()
	require.NoError(t, err)
	raw, err := checkpoint.Marshal(snap)
	require.NoError(t, err)
	loaded, err := checkpoint.Unmarshal(raw)
	require.NoError(t, err)

	k2, svc2 := build()
	require.NoError(t, k2.Restore(loaded))

	assert.Equal(t, int64(70), balance(t, k2, "A"))
	assert.Equal(t, int64(80), balance(t, k2, "B"))
	assert.Equal(t, k1.Ledger().Supply(), k2.Ledger().Supply())
	assert.Equal(t, "listed", svc2.state)
	assert.Len(t, k2.Notifications().Subscriptions("B"), 1)
	assert.Equal(t, k1.Rates().Allocation("A", core.ResourceCompute), k2.Rates().Allocation("A", core.ResourceCompute))

	a, err := k2.Artifacts().Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "hello world", a.Content)

	res := mustOK(t, submit(k2, core.Envelope{ActionType: core.ActionRead, ActorID: "B", TargetID: "doc"}))
	assert.Equal(t, snap.EventNumber+1, res.EventNumber)
	ev, _ := k2.Events().Get(res.EventNumber)
	assert.Equal(t, snap.LastHash, ev.PrevHash)
}

func TestRestore_RejectsInvalid(t *testing.T) {
	k, _ := newTestKernel(t)
	addAgent(t, k, "A", 100)
	snap, err := k.Snapshot()
	require.NoError(t, err)
	snap.Supply = 1

	err = k.Restore(snap)
	require.Error(t, err)
	assert.Equal(t, int64(100), k.Ledger().Supply())
}

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.starlark.net/starlark"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/logging"
)

func newTestExecutor(t *testing.T, timeout time.Duration) *Executor {
	t.Helper()
	e, err := New(Config{
		Builtins:  []string{"double", "fail"},
		CacheSize: 8,
		MaxSteps:  100_000,
		Timeout:   timeout,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

var testBuiltins = starlark.StringDict{
	"double": starlark.NewBuiltin("double", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var n int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "n", &n); err != nil {
			return nil, err
		}
		return starlark.MakeInt(2 * n), nil
	}),
	"fail": starlark.NewBuiltin("fail", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return nil, core.Errorf(core.CodeInsufficientFunds, "nested charge failed")
	}),
}

func TestRun_ReturnsConvertedValues(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	code := `
def run(a, b):
    return {"sum": a + b, "items": [a, b, "x"], "half": b / 2, "double": double(a)}
`
	got, err := e.Run(context.Background(), Call{Code: code, Args: []any{float64(3), int64(4)}, Builtins: testBuiltins})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", got)
	}
	if m["sum"] != int64(7) || m["double"] != int64(6) || m["half"] != 2.0 {
		t.Errorf("result = %v", m)
	}
	if items := m["items"].([]any); len(items) != 3 || items[2] != "x" {
		t.Errorf("items = %v", items)
	}
}

func TestRun_NamedFunction(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	code := "def greet(name):\n    return 'hi ' + name\n"
	got, err := e.Run(context.Background(), Call{Code: code, Function: "greet", Args: []any{"bob"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got != "hi bob" {
		t.Errorf("got %v", got)
	}
	if _, err := e.Run(context.Background(), Call{Code: code}); !errors.Is(err, core.ErrExecution) {
		t.Errorf("missing run: want EXECUTION_ERROR, got %v", err)
	}
}

func TestRun_Failures(t *testing.T) {
	e := newTestExecutor(t, 200*time.Millisecond)

	tests := []struct {
		name string
		code string
		want error
	}{
		{"syntax", "def run(:\n", core.ErrExecution},
		{"raises", "def run():\n    fail_now = 1 // 0\n", core.ErrExecution},
		{"builtin code kept", "def run():\n    return fail()\n", core.ErrInsufficientFunds},
		{"unavailable builtin", "def run():\n    return double(1)\n", core.ErrExecution},
		{"unknown name", "def run():\n    return nothing\n", core.ErrExecution},
		{"step limit", "def run():\n    n = 0\n    for i in range(10000000):\n        n += i\n    return n\n", core.ErrExecution},
		{"bad result", "def run():\n    return lambda: 1\n", core.ErrExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builtins := starlark.StringDict{"fail": testBuiltins["fail"]}
			_, err := e.Run(context.Background(), Call{Code: tt.code, Builtins: builtins})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	e, err := New(Config{Timeout: 50 * time.Millisecond, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = e.Run(context.Background(), Call{Code: "def run():\n    while True:\n        pass\n"})
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("want TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestCompile_Caches(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	code := "def run():\n    return 1\n"
	p1, err := e.Compile(code)
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := e.Compile(code)
	if p1 != p2 {
		t.Error("same source should reuse the compiled program")
	}
}

func TestValidate(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	if err := e.Validate("def run():\n    pass\n", "run"); err != nil {
		t.Errorf("valid code: %v", err)
	}
	if err := e.Validate("x = 1\n", "run"); !errors.Is(err, core.ErrInvalidArgs) {
		t.Errorf("missing run: want INVALID_ARGS, got %v", err)
	}
	if err := e.Validate("def run(:\n", "run"); !errors.Is(err, core.ErrInvalidArgs) {
		t.Errorf("bad syntax: want INVALID_ARGS, got %v", err)
	}
}

func TestToValue_RoundTrip(t *testing.T) {
	in := map[string]any{"n": float64(2), "f": 1.5, "s": "x", "l": []any{true, nil}}
	v, err := ToValue(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := FromValue(v)
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["n"] != int64(2) || m["f"] != 1.5 || m["s"] != "x" {
		t.Errorf("round trip = %v", m)
	}
	if _, err := ToValue(make(chan int)); err == nil {
		t.Error("channels are not convertible")
	}
}

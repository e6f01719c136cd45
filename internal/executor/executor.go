// Package executor runs artifact code in a bounded starlark interpreter.
//
// Programs are compiled once per distinct source and cached. Every run gets
// a fresh thread with a step budget and a wall-clock deadline; neither can
// be exceeded by the code, however it loops.
package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"golang.org/x/crypto/blake2b"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/logging"
)

// Config configures an Executor.
type Config struct {
	// Builtins names every kernel function artifact code may reference.
	// A run supplies the implementations; names it leaves out fail when called.
	Builtins  []string
	CacheSize int
	MaxSteps  uint64
	Timeout   time.Duration
	Logger    *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize: 256,
		MaxSteps:  1_000_000,
		Timeout:   5 * time.Second,
	}
}

// Executor compiles and runs artifact code.
type Executor struct {
	builtins map[string]bool
	cache    *lru.Cache[string, *starlark.Program]
	maxSteps uint64
	timeout  time.Duration
	logger   *slog.Logger
}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	Recursion:       true,
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("executor timeout must be positive")
	}
	cache, err := lru.New[string, *starlark.Program](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("program cache: %w", err)
	}
	e := &Executor{
		builtins: make(map[string]bool),
		cache:    cache,
		maxSteps: cfg.MaxSteps,
		timeout:  cfg.Timeout,
		logger:   logging.OrDefault(cfg.Logger).With("component", "executor"),
	}
	for _, name := range cfg.Builtins {
		e.builtins[name] = true
	}
	return e, nil
}

// Timeout returns the per-run wall-clock limit.
func (e *Executor) Timeout() time.Duration { return e.timeout }

func cacheKey(code string) string {
	sum := blake2b.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Compile parses and resolves code, returning a cached program when the
// same source was seen before.
func (e *Executor) Compile(code string) (*starlark.Program, error) {
	key := cacheKey(code)
	if prog, ok := e.cache.Get(key); ok {
		return prog, nil
	}
	_, prog, err := starlark.SourceProgramOptions(fileOptions, "artifact.star", code, func(name string) bool {
		return e.builtins[name]
	})
	if err != nil {
		return nil, core.Wrap(core.CodeExecutionError, err, "compile")
	}
	e.cache.Add(key, prog)
	return prog, nil
}

// Validate checks code compiles and defines every required top-level
// function.
func (e *Executor) Validate(code string, required ...string) error {
	f, err := fileOptions.Parse("artifact.star", code, 0)
	if err != nil {
		return core.Wrap(core.CodeInvalidArgs, err, "code does not parse")
	}
	defined := make(map[string]bool)
	for _, stmt := range f.Stmts {
		if def, ok := stmt.(*syntax.DefStmt); ok {
			defined[def.Name.Name] = true
		}
	}
	var missing []string
	for _, name := range required {
		if !defined[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return core.Errorf(core.CodeInvalidArgs, "code must define %s", strings.Join(missing, ", "))
	}
	if _, err := e.Compile(code); err != nil {
		return core.Wrap(core.CodeInvalidArgs, err, "code does not compile")
	}
	return nil
}

// Call is one execution request.
type Call struct {
	Code     string
	Function string // top-level function to call, default "run"
	Args     []any
	Builtins starlark.StringDict
	Label    string // thread name, shown in logs and backtraces
}

const ctxKey = "worldkernel.context"

// Context returns the context of the run a builtin was called from.
func Context(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// Run executes code and calls the requested function with args. The
// returned value is converted to plain Go values.
//
// A run that outlives its deadline returns TIMEOUT; one that runs out of
// steps or raises returns EXECUTION_ERROR. Errors raised by builtins keep
// their code.
func (e *Executor) Run(ctx context.Context, c Call) (result any, err error) {
	value, err := e.RunValue(ctx, c)
	if err != nil {
		return nil, err
	}
	out, err := FromValue(value)
	if err != nil {
		return nil, core.Wrap(core.CodeExecutionError, err, "result")
	}
	return out, nil
}

// RunValue is Run without converting the result.
func (e *Executor) RunValue(ctx context.Context, c Call) (result starlark.Value, err error) {
	fn := c.Function
	if fn == "" {
		fn = "run"
	}
	prog, err := e.Compile(c.Code)
	if err != nil {
		return nil, err
	}

	// Nested runs inherit the tighter of the two deadlines.
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: c.Label,
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Debug("artifact print", "label", c.Label, "msg", msg)
		},
	}
	thread.SetLocal(ctxKey, ctx)
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}

	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, core.Errorf(core.CodeExecutionError, "panic in %s: %v", c.Label, r)
		}
	}()

	globals, err := prog.Init(thread, e.predeclared(c.Builtins))
	if err != nil {
		return nil, e.classify(ctx, err)
	}
	callee, ok := globals[fn]
	if !ok {
		return nil, core.Errorf(core.CodeExecutionError, "code does not define %s", fn)
	}
	if _, ok := callee.(starlark.Callable); !ok {
		return nil, core.Errorf(core.CodeExecutionError, "%s is a %s, not a function", fn, callee.Type())
	}

	args := make(starlark.Tuple, len(c.Args))
	for i, a := range c.Args {
		v, err := ToValue(a)
		if err != nil {
			return nil, core.Wrap(core.CodeInvalidArgs, err, "argument %d", i)
		}
		args[i] = v
	}

	value, err := starlark.Call(thread, callee, args, nil)
	if err != nil {
		return nil, e.classify(ctx, err)
	}
	return value, nil
}

// predeclared fills every configured builtin name, so code compiled once
// can run under any set of implementations.
func (e *Executor) predeclared(given starlark.StringDict) starlark.StringDict {
	out := make(starlark.StringDict, len(e.builtins))
	for name := range e.builtins {
		if v, ok := given[name]; ok {
			out[name] = v
			continue
		}
		out[name] = unavailable(name)
	}
	return out
}

func unavailable(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return nil, core.Errorf(core.CodeExecutionError, "%s is not available here", name)
	})
}

func (e *Executor) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.Wrap(core.CodeTimeout, err, "execution exceeded %s", e.timeout)
	}
	var kerr *core.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	var eval *starlark.EvalError
	if errors.As(err, &eval) {
		return core.Errorf(core.CodeExecutionError, "%s", eval.Backtrace())
	}
	return core.Wrap(core.CodeExecutionError, err, "execution failed")
}

// Builtins returns the configured builtin names in order.
func (e *Executor) Builtins() []string {
	out := make([]string, 0, len(e.builtins))
	for name := range e.builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

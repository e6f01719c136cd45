// Package actors drives agent loops against the kernel. Each agent runs on
// its own goroutine; a throttled agent sleeps without holding anything, so
// no actor ever blocks another.
package actors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/logging"
)

// ErrStop ends an actor's loop without error.
var ErrStop = errors.New("actor finished")

// Submitter accepts actions. *kernel.Kernel satisfies it.
type Submitter interface {
	Submit(ctx context.Context, env *core.Envelope) *core.Result
}

// Decider chooses an agent's next action. last is the result of the
// previous action, nil on the first call.
type Decider interface {
	Next(ctx context.Context, agentID string, last *core.Result) (*core.Envelope, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, agentID string, last *core.Result) (*core.Envelope, error)

// Next calls f.
func (f DeciderFunc) Next(ctx context.Context, agentID string, last *core.Result) (*core.Envelope, error) {
	return f(ctx, agentID, last)
}

// Script replays a fixed list of actions, then stops.
func Script(envs ...core.Envelope) Decider {
	var mu sync.Mutex
	i := 0
	return DeciderFunc(func(context.Context, string, *core.Result) (*core.Envelope, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(envs) {
			return nil, ErrStop
		}
		env := envs[i]
		i++
		return &env, nil
	})
}

// Config configures a Runner.
type Config struct {
	Kernel Submitter
	Clock  clock.Clock
	Pause  time.Duration // wait between actions, 0 for none
	Logger *slog.Logger
}

// Stats counts one actor's activity.
type Stats struct {
	Actions   int64 `json:"actions"`
	Failures  int64 `json:"failures"`
	Throttled int64 `json:"throttled"`
}

// Runner runs agent loops.
type Runner struct {
	kernel Submitter
	clock  clock.Clock
	pause  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	actors  map[string]Decider
	stats   map[string]*Stats
	running bool
}

// New creates a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Kernel == nil {
		return nil, fmt.Errorf("actor runner needs a kernel")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Runner{
		kernel: cfg.Kernel,
		clock:  cfg.Clock,
		pause:  cfg.Pause,
		logger: logging.OrDefault(cfg.Logger).With("component", "actors"),
		actors: make(map[string]Decider),
		stats:  make(map[string]*Stats),
	}, nil
}

// Add registers the decider for an agent. It must be called before Run.
func (r *Runner) Add(agentID string, d Decider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("cannot add %s while running", agentID)
	}
	if _, dup := r.actors[agentID]; dup {
		return fmt.Errorf("agent %s already has a decider", agentID)
	}
	r.actors[agentID] = d
	r.stats[agentID] = &Stats{}
	return nil
}

// Agents returns the registered agent ids.
func (r *Runner) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a copy of one agent's counters.
func (r *Runner) Stats(agentID string) (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[agentID]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Run drives every actor until each stops or ctx is cancelled. It returns
// the first decider error; cancellation is not an error.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("actor runner already running")
	}
	r.running = true
	actors := make(map[string]Decider, len(r.actors))
	for id, d := range r.actors {
		actors[id] = d
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for id, d := range actors {
		g.Go(func() error {
			return r.loop(gctx, id, d)
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, id string, d Decider) error {
	r.logger.Info("actor started", "agent", id)
	defer r.logger.Info("actor stopped", "agent", id)

	var last *core.Result
	for {
		if ctx.Err() != nil {
			return nil
		}
		env, err := d.Next(ctx, id, last)
		if errors.Is(err, ErrStop) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
		if env == nil {
			return nil
		}

		// An agent only ever acts as itself.
		env.ActorID = id
		last = r.kernel.Submit(ctx, env)
		r.count(id, last)

		wait := r.pause
		if last.Outcome == core.CodeTooFast && last.RetryAfter > wait {
			wait = last.RetryAfter
			r.logger.Debug("actor throttled", "agent", id, "action", env.ActionType, "retry_after", last.RetryAfter)
		}
		if wait > 0 && !r.sleep(ctx, wait) {
			return nil
		}
	}
}

func (r *Runner) count(id string, res *core.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[id]
	s.Actions++
	switch {
	case res.Outcome == core.CodeTooFast:
		s.Throttled++
	case !res.OK():
		s.Failures++
	}
}

// sleep waits on the kernel clock. It reports false if ctx ended first.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	t := r.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package kernel

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/worldkernel/worldkernel/internal/core"
)

// entityLocks orders actions that touch the same principal or artifact.
// An action holds the locks of what it touches from before its state
// change until its event is appended, so events on one entity are
// numbered in the order their effects applied.
type entityLocks struct {
	mu    sync.Mutex
	slots map[string]*entitySlot
}

type entitySlot struct {
	sem  *semaphore.Weighted
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{slots: make(map[string]*entitySlot)}
}

func (l *entityLocks) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &entitySlot{sem: semaphore.NewWeighted(1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		l.drop(key, s)
		return err
	}
	return nil
}

func (l *entityLocks) release(key string) {
	l.mu.Lock()
	s := l.slots[key]
	l.mu.Unlock()
	s.sem.Release(1)
	l.drop(key, s)
}

func (l *entityLocks) drop(key string, s *entitySlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.refs--; s.refs == 0 {
		delete(l.slots, key)
	}
}

// size is the number of entities currently locked or awaited.
func (l *entityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// heldLocks are the entities one action chain holds. A chain runs on one
// goroutine, so nested actions share it without locking.
type heldLocks map[string]bool

// touches lists what an action changes directly: the caller it charges,
// the artifact it targets and the principal it pays. An invoke leaves its
// target alone, so concurrent invocations of one artifact do not queue.
func touches(env *core.Envelope, caller string) []string {
	if env.ActionType == core.ActionQuery {
		return nil
	}
	keys := []string{caller}
	if env.TargetID != "" && env.ActionType != core.ActionInvoke {
		keys = append(keys, env.TargetID)
	}
	if env.RecipientID != "" {
		keys = append(keys, env.RecipientID)
	}
	return keys
}

// lock takes, in sorted order, every key the chain does not hold yet and
// returns the function that gives them back. Top-level chains hold nothing
// when they start, so they cannot deadlock with each other. A nested
// action that must wait is bounded by its execution deadline.
func (k *Kernel) lock(ctx context.Context, held heldLocks, keys []string) (func(), error) {
	var need []string
	for _, key := range keys {
		if key != "" && !held[key] {
			need = append(need, key)
		}
	}
	slices.Sort(need)
	need = slices.Compact(need)

	var taken []string
	unlock := func() {
		for i := len(taken) - 1; i >= 0; i-- {
			delete(held, taken[i])
			k.locks.release(taken[i])
		}
	}
	for _, key := range need {
		if err := k.locks.acquire(ctx, key); err != nil {
			unlock()
			return nil, core.Wrap(core.CodeTimeout, err, "waiting for %s", key)
		}
		held[key] = true
		taken = append(taken, key)
	}
	return unlock, nil
}

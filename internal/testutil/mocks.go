package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/worldkernel/worldkernel/internal/core"
)

// ErrScorerDown is what a failing MockScorer returns.
var ErrScorerDown = errors.New("scorer down")

// MockScorer returns a fixed score per artifact id and records calls.
type MockScorer struct {
	ScoreFunc func(ctx context.Context, a *core.Artifact) (float64, error)
	Scores    map[string]float64

	mu    sync.Mutex
	calls []string
}

// Score implements scorer.Scorer. Unknown ids fail with ErrScorerDown.
func (m *MockScorer) Score(ctx context.Context, a *core.Artifact) (float64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, a.ID)
	m.mu.Unlock()

	if m.ScoreFunc != nil {
		return m.ScoreFunc(ctx, a)
	}
	if v, ok := m.Scores[a.ID]; ok {
		return v, nil
	}
	return 0, ErrScorerDown
}

// Calls returns the artifact ids scored so far.
func (m *MockScorer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

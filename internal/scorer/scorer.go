// Package scorer rates artifacts for the mint auction. Scoring is an
// external collaborator: the kernel treats it as a function call with a
// timeout, and any failure means no currency is minted.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/worldkernel/worldkernel/internal/core"
)

// Scorer returns a non-negative quality score for an artifact.
type Scorer interface {
	Score(ctx context.Context, a *core.Artifact) (float64, error)
}

// Func adapts a function to Scorer.
type Func func(ctx context.Context, a *core.Artifact) (float64, error)

// Score calls f.
func (f Func) Score(ctx context.Context, a *core.Artifact) (float64, error) {
	return f(ctx, a)
}

// Call runs s with a timeout and maps every failure, including a panic,
// a timeout or a non-finite or negative score, to SCORING_UNAVAILABLE.
func Call(ctx context.Context, s Scorer, a *core.Artifact, timeout time.Duration) (score float64, err error) {
	if s == nil {
		return 0, core.Errorf(core.CodeScoringUnavailable, "no scorer configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		score float64
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("scorer panicked: %v", r)}
			}
		}()
		v, err := s.Score(ctx, a)
		done <- outcome{v, err}
	}()

	select {
	case <-ctx.Done():
		return 0, core.Wrap(core.CodeScoringUnavailable, ctx.Err(), "scoring %s", a.ID)
	case o := <-done:
		if o.err != nil {
			return 0, core.Wrap(core.CodeScoringUnavailable, o.err, "scoring %s", a.ID)
		}
		if math.IsNaN(o.score) || math.IsInf(o.score, 0) || o.score < 0 {
			return 0, core.Errorf(core.CodeScoringUnavailable, "scorer returned %v for %s", o.score, a.ID)
		}
		return o.score, nil
	}
}

// -----------------------------------------------------------------------------
// HTTP
// -----------------------------------------------------------------------------

// HTTPScorer posts the artifact as JSON to a URL and reads {"score": n}.
type HTTPScorer struct {
	url        string
	httpClient *http.Client
}

// NewHTTPScorer creates a scorer for url.
func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScorer{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Artifact *core.Artifact `json:"artifact"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
	Error string   `json:"error,omitempty"`
}

// Score sends a scoring request
func (s *HTTPScorer) Score(ctx context.Context, a *core.Artifact) (float64, error) {
	body, err := json.Marshal(scoreRequest{Artifact: a})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("scorer error %d: %s", resp.StatusCode, string(respBody))
	}

	var out scoreResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != "" {
		return 0, errors.New(out.Error)
	}
	if out.Score == nil {
		return 0, errors.New("response has no score")
	}
	return *out.Score, nil
}

package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/worldkernel/worldkernel/internal/core"
)

// OllamaScorer asks a local Ollama model to rate artifact content.
type OllamaScorer struct {
	baseURL    string
	model      string
	maxScore   float64
	httpClient *http.Client
}

// OllamaConfig for OllamaScorer
type OllamaConfig struct {
	BaseURL  string        // default: http://localhost:11434
	Model    string        // default: llama3.2
	MaxScore float64       // top of the rating scale, default 100
	Timeout  time.Duration // request timeout
}

// NewOllamaScorer creates an Ollama scorer
func NewOllamaScorer(cfg OllamaConfig) *OllamaScorer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}
	if cfg.MaxScore <= 0 {
		cfg.MaxScore = 100
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OllamaScorer{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		maxScore:   cfg.MaxScore,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

const ratePrompt = `You judge artifacts produced by agents in a shared economy.
Rate how useful and well made the artifact is on a scale from 0 to %g.
Reply with the number only.`

// maxPromptContent caps how much artifact content goes to the model.
const maxPromptContent = 16 << 10

var numberRe = regexp.MustCompile(`-?\d+(\.\d+)?`)

// Score rates a's content. Replies without a number, or with one outside
// the scale, are errors.
func (s *OllamaScorer) Score(ctx context.Context, a *core.Artifact) (float64, error) {
	content := a.Content
	if a.Code != "" {
		content += "\n\nCode:\n" + a.Code
	}
	if len(content) > maxPromptContent {
		content = content[:maxPromptContent]
	}
	user := fmt.Sprintf("Artifact %s (type %s):\n\n%s", a.ID, a.Type, content)

	reply, err := s.chat(ctx, ollamaChatRequest{
		Model: s.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: fmt.Sprintf(ratePrompt, s.maxScore)},
			{Role: "user", Content: user},
		},
		Options: &ollamaOptions{Temperature: 0, NumPredict: 16},
	})
	if err != nil {
		return 0, err
	}
	return parseRating(reply, s.maxScore)
}

func (s *OllamaScorer) chat(ctx context.Context, req ollamaChatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama error %d: %s", resp.StatusCode, string(respBody))
	}

	var out ollamaChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Message.Content, nil
}

func parseRating(reply string, limit float64) (float64, error) {
	m := numberRe.FindString(reply)
	if m == "" {
		return 0, errors.New("model reply has no rating")
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("bad rating %q: %w", m, err)
	}
	if v < 0 || v > limit {
		return 0, fmt.Errorf("rating %g outside 0..%g", v, limit)
	}
	return v, nil
}

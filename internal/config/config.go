// Package config handles world kernel configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/worldkernel/worldkernel/internal/contracts"
	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/executor"
	"github.com/worldkernel/worldkernel/internal/kernel"
	"github.com/worldkernel/worldkernel/internal/logging"
	"github.com/worldkernel/worldkernel/internal/notify"
	"github.com/worldkernel/worldkernel/internal/storage"
)

// Environment overrides, applied after the file.
const (
	EnvDataDir   = "WORLDKERNEL_DATA_DIR"
	EnvLogLevel  = "WORLDKERNEL_LOG_LEVEL"
	EnvScorerURL = "WORLDKERNEL_SCORER_URL"
)

// Scorer kinds.
const (
	ScorerHTTP   = "http"
	ScorerOllama = "ollama"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	Server     ServerConfig              `json:"server"`
	Logging    LoggingConfig             `json:"logging"`
	Storage    StorageConfig             `json:"storage"`
	Kernel     KernelConfig              `json:"kernel"`
	Resources  map[string]ResourceConfig `json:"resources"`
	Genesis    GenesisConfig             `json:"genesis"`
	Mint       MintConfig                `json:"mint"`
	Checkpoint CheckpointConfig          `json:"checkpoint"`
	Auth       AuthConfig                `json:"auth"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig for the process logger
type LoggingConfig struct {
	Level string `json:"level"`
	// Format is text, json or auto (json unless stderr is a terminal).
	Format   string `json:"format,omitempty"`
	JSONPath string `json:"json_path,omitempty"`
}

// StorageConfig for the SQLite database
type StorageConfig struct {
	Driver string `json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `json:"path,omitempty"`
}

// KernelConfig for the dispatcher
type KernelConfig struct {
	MaxDepth          int                         `json:"max_depth"`
	InvokeTimeout     Duration                    `json:"invoke_timeout"`
	MaxExecutionSteps uint64                      `json:"max_execution_steps"`
	FallbackContract  string                      `json:"fallback_contract"`
	ActionCosts       map[string]map[string]int64 `json:"action_costs"`
	CodeCacheSize     int                         `json:"code_cache_size"`
	InboxSize         int                         `json:"inbox_size"`
}

// ResourceConfig describes one metered resource
type ResourceConfig struct {
	Kind    core.ResourceKind `json:"kind"`
	Window  Duration          `json:"window,omitempty"`
	Ceiling int64             `json:"ceiling,omitempty"`
}

// GenesisConfig lists the agents that exist at start
type GenesisConfig struct {
	Principals []PrincipalConfig `json:"principals"`
}

// PrincipalConfig is one genesis agent. Quotas hold depletable and
// allocatable resources, Rates hold renewable allocations.
type PrincipalConfig struct {
	ID       string           `json:"id"`
	Balance  int64            `json:"balance"`
	Quotas   map[string]int64 `json:"quotas,omitempty"`
	Rates    map[string]int64 `json:"rates,omitempty"`
	Contract string           `json:"contract,omitempty"`
	Content  string           `json:"content,omitempty"`
	HasLoop  bool             `json:"has_loop,omitempty"`
}

// MintConfig for the mint auction
type MintConfig struct {
	Window    Duration `json:"window"`
	MintRatio float64  `json:"mint_ratio"`
	// Scorer is "http" (POST to ScorerURL) or "ollama" (ScorerURL is the
	// Ollama host). Empty means http when ScorerURL is set.
	Scorer        string   `json:"scorer,omitempty"`
	ScorerURL     string   `json:"scorer_url,omitempty"`
	ScorerModel   string   `json:"scorer_model,omitempty"`
	ScorerTimeout Duration `json:"scorer_timeout"`
}

// CheckpointConfig for periodic snapshots
type CheckpointConfig struct {
	Interval Duration `json:"interval"` // 0 disables periodic checkpoints
	Keep     int      `json:"keep"`
}

// AuthConfig maps API bearer tokens to principals
type AuthConfig struct {
	Tokens map[string]string `json:"tokens,omitempty"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	kd := kernel.DefaultConfig()
	ed := executor.DefaultConfig()

	costs := make(map[string]map[string]int64, len(kd.ActionCosts))
	for action, cost := range kd.ActionCosts {
		c := make(map[string]int64, len(cost))
		for res, n := range cost {
			c[res] = n
		}
		costs[string(action)] = c
	}

	return &Config{
		DataDir: filepath.Join(home, ".worldkernel"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{Driver: storage.DriverModernc},
		Kernel: KernelConfig{
			MaxDepth:          contracts.DefaultMaxDepth,
			InvokeTimeout:     Duration(ed.Timeout),
			MaxExecutionSteps: ed.MaxSteps,
			FallbackContract:  core.GenesisContractFreeware,
			ActionCosts:       costs,
			CodeCacheSize:     ed.CacheSize,
			InboxSize:         notify.DefaultInboxSize,
		},
		Resources: map[string]ResourceConfig{
			core.ResourceDisk:      {Kind: core.ResourceAllocatable},
			core.ResourceCompute:   {Kind: core.ResourceRenewable, Window: Duration(time.Minute), Ceiling: 1000},
			core.ResourceLLMTokens: {Kind: core.ResourceRenewable, Window: Duration(time.Minute), Ceiling: 100_000},
		},
		Mint: MintConfig{
			Window:        Duration(time.Minute),
			MintRatio:     1,
			ScorerTimeout: Duration(10 * time.Second),
		},
		Checkpoint: CheckpointConfig{
			Interval: Duration(5 * time.Minute),
			Keep:     10,
		},
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvScorerURL); v != "" {
		c.Mint.ScorerURL = v
	}
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Tokens grant agent identity.
	return os.WriteFile(path, data, 0600)
}

// DatabasePath returns the SQLite file, defaulting under DataDir.
func (c *Config) DatabasePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "world.db")
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		result = multierror.Append(result, err)
	}
	switch c.Logging.Format {
	case "", "auto", "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	switch c.Storage.Driver {
	case "", storage.DriverModernc, storage.DriverMattn:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.Kernel.MaxDepth < 0 {
		result = multierror.Append(result, fmt.Errorf("kernel max_depth must not be negative"))
	}
	if err := c.KernelConfig().Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	seen := make(map[string]bool)
	allocated := make(map[string]int64)
	for i, p := range c.Genesis.Principals {
		if p.ID == "" {
			result = multierror.Append(result, fmt.Errorf("genesis principal %d has no id", i))
			continue
		}
		if seen[p.ID] {
			result = multierror.Append(result, fmt.Errorf("genesis principal %s listed twice", p.ID))
		}
		seen[p.ID] = true
		if p.Balance < 0 {
			result = multierror.Append(result, fmt.Errorf("genesis principal %s has negative balance", p.ID))
		}
		for _, res := range sortedKeys(p.Quotas) {
			r, ok := c.Resources[res]
			switch {
			case !ok:
				result = multierror.Append(result, fmt.Errorf("principal %s: quota for unknown resource %s", p.ID, res))
			case r.Kind == core.ResourceRenewable:
				result = multierror.Append(result, fmt.Errorf("principal %s: %s is renewable, set it under rates", p.ID, res))
			}
			if p.Quotas[res] < 0 {
				result = multierror.Append(result, fmt.Errorf("principal %s: negative %s quota", p.ID, res))
			}
		}
		for _, res := range sortedKeys(p.Rates) {
			r, ok := c.Resources[res]
			switch {
			case !ok:
				result = multierror.Append(result, fmt.Errorf("principal %s: rate for unknown resource %s", p.ID, res))
			case r.Kind != core.ResourceRenewable:
				result = multierror.Append(result, fmt.Errorf("principal %s: %s is not renewable", p.ID, res))
			}
			if p.Rates[res] < 0 {
				result = multierror.Append(result, fmt.Errorf("principal %s: negative %s rate", p.ID, res))
			}
			allocated[res] += p.Rates[res]
		}
	}
	for _, res := range sortedKeys(allocated) {
		r := c.Resources[res]
		if r.Ceiling > 0 && allocated[res] > r.Ceiling {
			result = multierror.Append(result, fmt.Errorf("%s allocations total %d, above the ceiling %d", res, allocated[res], r.Ceiling))
		}
	}

	if c.Mint.Window <= 0 {
		result = multierror.Append(result, fmt.Errorf("mint window must be positive"))
	}
	if c.Mint.MintRatio < 0 {
		result = multierror.Append(result, fmt.Errorf("mint ratio must not be negative"))
	}
	switch c.Mint.Scorer {
	case "", ScorerHTTP, ScorerOllama:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown scorer %q", c.Mint.Scorer))
	}
	if c.Mint.Scorer == ScorerHTTP && c.Mint.ScorerURL == "" {
		result = multierror.Append(result, fmt.Errorf("http scorer needs scorer_url"))
	}
	if c.Mint.ScorerTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("scorer timeout must be positive"))
	}
	if c.Checkpoint.Interval < 0 {
		result = multierror.Append(result, fmt.Errorf("checkpoint interval must not be negative"))
	}
	if c.Checkpoint.Interval > 0 && c.Checkpoint.Keep < 1 {
		result = multierror.Append(result, fmt.Errorf("checkpoint keep must be at least 1"))
	}

	for _, token := range sortedKeys(c.Auth.Tokens) {
		id := c.Auth.Tokens[token]
		if !seen[id] {
			result = multierror.Append(result, fmt.Errorf("auth token %s... maps to unknown principal %s", redact(token), id))
		}
	}
	return result.ErrorOrNil()
}

func redact(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return token[:4]
}

// -----------------------------------------------------------------------------
// Conversion
// -----------------------------------------------------------------------------

// KernelConfig builds the dispatcher configuration. Clock, sinks, metrics
// and logger are left for the caller.
func (c *Config) KernelConfig() kernel.Config {
	kc := kernel.DefaultConfig()

	kc.Resources = kc.Resources[:0]
	for _, name := range sortedKeys(c.Resources) {
		r := c.Resources[name]
		kc.Resources = append(kc.Resources, kernel.Resource{
			Name:    name,
			Kind:    r.Kind,
			Window:  time.Duration(r.Window),
			Ceiling: r.Ceiling,
		})
	}
	kc.ActionCosts = make(map[core.ActionType]kernel.Cost, len(c.Kernel.ActionCosts))
	for action, cost := range c.Kernel.ActionCosts {
		kcost := make(kernel.Cost, len(cost))
		for res, n := range cost {
			kcost[res] = n
		}
		kc.ActionCosts[core.ActionType(action)] = kcost
	}
	kc.FallbackContract = c.Kernel.FallbackContract
	kc.MaxDepth = c.Kernel.MaxDepth
	kc.InvokeTimeout = time.Duration(c.Kernel.InvokeTimeout)
	kc.MaxExecutionSteps = c.Kernel.MaxExecutionSteps
	kc.CodeCacheSize = c.Kernel.CodeCacheSize
	kc.InboxSize = c.Kernel.InboxSize
	return kc
}

// Principals returns the genesis agents with quotas and rates merged.
func (c *Config) Principals() []kernel.Principal {
	out := make([]kernel.Principal, 0, len(c.Genesis.Principals))
	for _, p := range c.Genesis.Principals {
		quotas := make(map[string]int64, len(p.Quotas)+len(p.Rates))
		for res, n := range p.Quotas {
			quotas[res] = n
		}
		for res, n := range p.Rates {
			quotas[res] = n
		}
		out = append(out, kernel.Principal{
			ID:       p.ID,
			Balance:  p.Balance,
			Quotas:   quotas,
			Contract: p.Contract,
			Content:  p.Content,
			HasLoop:  p.HasLoop,
		})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// -----------------------------------------------------------------------------
// Duration
// -----------------------------------------------------------------------------

// Duration is a time.Duration written as a string such as "90s" in JSON.
// Plain numbers are read as nanoseconds.
type Duration time.Duration

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON reads a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or nanoseconds: %s", data)
	}
	*d = Duration(n)
	return nil
}

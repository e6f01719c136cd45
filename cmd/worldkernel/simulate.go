package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/worldkernel/worldkernel/internal/actors"
	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/kernel"
	"github.com/worldkernel/worldkernel/internal/logging"
	"github.com/worldkernel/worldkernel/internal/mint"
)

// Script lists the actions each agent takes in a simulation.
type Script struct {
	Agents map[string][]core.Envelope `json:"agents"`
	// Resolve runs one auction round after every agent has finished.
	Resolve bool `json:"resolve"`
}

// SimulationReport is what simulate prints.
type SimulationReport struct {
	Stats      map[string]actors.Stats `json:"stats"`
	Auction    *mint.Outcome           `json:"auction,omitempty"`
	Supply     kernel.SupplyInfo       `json:"supply"`
	Balances   map[string]int64        `json:"balances"`
	LastNumber int64                   `json:"last_number"`
}

func loadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	if len(s.Agents) == 0 {
		return nil, fmt.Errorf("script %s has no agents", path)
	}
	return &s, nil
}

// simulate drives the scripted agents through w concurrently and reports
// the result.
func simulate(ctx context.Context, w *world, s *Script, pause time.Duration) (*SimulationReport, error) {
	runner, err := actors.New(actors.Config{
		Kernel: w.kernel,
		Clock:  w.kernel.Clock(),
		Pause:  pause,
		Logger: w.logger,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := runner.Add(id, actors.Script(normalizeScript(s.Agents[id])...)); err != nil {
			return nil, err
		}
	}
	if err := runner.Run(ctx); err != nil {
		return nil, err
	}

	r := &SimulationReport{
		Stats:    make(map[string]actors.Stats, len(ids)),
		Balances: make(map[string]int64),
	}
	for _, id := range ids {
		r.Stats[id], _ = runner.Stats(id)
	}
	if s.Resolve {
		if r.Auction, err = w.auction.Resolve(ctx); err != nil {
			return nil, err
		}
	}
	for _, id := range w.kernel.Principals() {
		if b, err := w.kernel.Ledger().Balance(id); err == nil {
			r.Balances[id] = b
		}
	}
	r.Supply = w.kernel.SupplyInfo()
	r.LastNumber = w.kernel.Events().LastNumber()
	return r, nil
}

// normalizeScript turns whole JSON numbers in args into ints.
func normalizeScript(envs []core.Envelope) []core.Envelope {
	for i := range envs {
		for j, a := range envs[i].Args {
			if f, ok := a.(float64); ok && f == float64(int64(f)) {
				envs[i].Args[j] = int64(f)
			}
		}
	}
	return envs
}

// simulateCmd replays a script of agent actions in a scratch world
func simulateCmd(g *globals) *cobra.Command {
	var (
		persist bool
		pause   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate <script.json>",
		Short: "Run scripted agents against a world and print the outcome",
		Long: `Runs every agent in the script concurrently, one actor loop each,
against a world built from the config. By default the world lives in memory
and is discarded afterwards; --persist uses the configured database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logging.Close() }()

			s, err := loadScript(args[0])
			if err != nil {
				return err
			}
			w, err := openWorld(cfg, worldOptions{InMemory: !persist}, logger)
			if err != nil {
				return err
			}
			defer w.Close()

			r, err := simulate(cmd.Context(), w, s, pause)
			if err != nil {
				return err
			}
			if persist {
				if _, err := w.checkpoint(); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "use and checkpoint the configured database")
	cmd.Flags().DurationVar(&pause, "pause", 0, "wait between each agent's actions")
	return cmd
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/worldkernel/worldkernel/internal/checkpoint"
	"github.com/worldkernel/worldkernel/internal/config"
	"github.com/worldkernel/worldkernel/internal/eventlog"
	"github.com/worldkernel/worldkernel/internal/storage"
)

// openStore opens the configured database without building a world.
func openStore(cfg *config.Config, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.Open(storage.Config{
		Path:   cfg.DatabasePath(),
		Driver: cfg.Storage.Driver,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, nil
}

// -----------------------------------------------------------------------------
// verify
// -----------------------------------------------------------------------------

// VerifyReport is what verify prints.
type VerifyReport struct {
	Schema      int      `json:"schema"`
	Events      int      `json:"events"`
	LastNumber  int64    `json:"last_number"`
	LastHash    string   `json:"last_hash,omitempty"`
	Checkpoints int      `json:"checkpoints"`
	Valid       bool     `json:"valid"`
	Problems    []string `json:"problems,omitempty"`
}

// verifyStore checks the stored hash chain from genesis and that every
// checkpoint names an event that is in the chain.
func verifyStore(db *storage.DB) (*VerifyReport, error) {
	events, err := storage.NewEventStore(db).Load(0, 0)
	if err != nil {
		return nil, err
	}
	infos, err := storage.NewCheckpointStore(db).List()
	if err != nil {
		return nil, err
	}

	schema, err := db.SchemaVersion()
	if err != nil {
		return nil, err
	}

	r := &VerifyReport{Schema: schema, Events: len(events), Checkpoints: len(infos)}
	if n := len(events); n > 0 {
		r.LastNumber = events[n-1].Number
		r.LastHash = events[n-1].Hash
		if events[0].Number != 1 {
			r.Problems = append(r.Problems, fmt.Sprintf("log starts at event %d", events[0].Number))
		}
	}
	if err := eventlog.Verify(events, eventlog.GenesisHash); err != nil {
		r.Problems = append(r.Problems, err.Error())
	}

	byNumber := make(map[int64]string, len(events))
	for _, e := range events {
		byNumber[e.Number] = e.Hash
	}
	for _, info := range infos {
		if info.EventNumber == 0 {
			continue
		}
		hash, ok := byNumber[info.EventNumber]
		switch {
		case !ok:
			r.Problems = append(r.Problems, fmt.Sprintf("checkpoint %d: event %d is not stored", info.ID, info.EventNumber))
		case hash != info.LastHash:
			r.Problems = append(r.Problems, fmt.Sprintf("checkpoint %d: hash of event %d does not match", info.ID, info.EventNumber))
		}
	}
	r.Valid = len(r.Problems) == 0
	return r, nil
}

// verifyCmd checks the persisted event log
func verifyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the stored event log hash chain and checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			db, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			r, err := verifyStore(db)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), r); err != nil {
				return err
			}
			if !r.Valid {
				return errors.New("event log verification failed")
			}
			return nil
		},
	}
}

// -----------------------------------------------------------------------------
// checkpoint
// -----------------------------------------------------------------------------

// CheckpointSummary describes a checkpoint without its artifact payloads.
type CheckpointSummary struct {
	ID          int64            `json:"id"`
	TakenAt     time.Time        `json:"taken_at"`
	EventNumber int64            `json:"event_number"`
	LastHash    string           `json:"last_hash"`
	Supply      int64            `json:"supply"`
	Minted      int64            `json:"minted"`
	Balances    map[string]int64 `json:"balances"`
	Artifacts   int              `json:"artifacts"`
	Deleted     int              `json:"deleted"`
	Services    []string         `json:"services,omitempty"`
}

func summarize(id int64, snap *checkpoint.Snapshot) CheckpointSummary {
	s := CheckpointSummary{
		ID:          id,
		TakenAt:     snap.TakenAt,
		EventNumber: snap.EventNumber,
		LastHash:    snap.LastHash,
		Supply:      snap.Supply,
		Minted:      snap.Minted,
		Balances:    make(map[string]int64, len(snap.Ledger)),
	}
	for id, acct := range snap.Ledger {
		s.Balances[id] = acct.Balance
	}
	for _, a := range snap.Artifacts {
		if a.Deleted {
			s.Deleted++
		} else {
			s.Artifacts++
		}
	}
	for id := range snap.Genesis {
		s.Services = append(s.Services, id)
	}
	sort.Strings(s.Services)
	return s
}

// checkpointCmd inspects saved checkpoints
func checkpointCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect saved checkpoints",
	}

	var full bool
	show := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a checkpoint, the latest by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			db, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			store := storage.NewCheckpointStore(db)

			var id int64
			if len(args) == 1 {
				if id, err = strconv.ParseInt(args[0], 10, 64); err != nil {
					return fmt.Errorf("invalid checkpoint id %q", args[0])
				}
			} else {
				infos, err := store.List()
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					return storage.ErrNoCheckpoint
				}
				id = infos[0].ID
			}

			snap, err := store.Get(id)
			if err != nil {
				return err
			}
			if full {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			return printJSON(cmd.OutOrStdout(), summarize(id, snap))
		},
	}
	show.Flags().BoolVar(&full, "full", false, "print the whole snapshot")

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			db, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			infos, err := storage.NewCheckpointStore(db).List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTAKEN AT\tEVENT\tSIZE")
			for _, info := range infos {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\n", info.ID, info.TakenAt.Format(time.RFC3339), info.EventNumber, info.Size)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(show, list)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

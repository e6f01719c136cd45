package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"

	"github.com/worldkernel/worldkernel/internal/api"
	"github.com/worldkernel/worldkernel/internal/config"
	"github.com/worldkernel/worldkernel/internal/escrow"
	"github.com/worldkernel/worldkernel/internal/eventlog"
	"github.com/worldkernel/worldkernel/internal/kernel"
	"github.com/worldkernel/worldkernel/internal/metrics"
	"github.com/worldkernel/worldkernel/internal/mint"
	"github.com/worldkernel/worldkernel/internal/scheduler"
	"github.com/worldkernel/worldkernel/internal/scorer"
	"github.com/worldkernel/worldkernel/internal/storage"
)

// world is a running kernel with its persistence, genesis services and
// scheduled work.
type world struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *storage.DB
	events      *storage.EventStore
	checkpoints *storage.CheckpointStore

	kernel    *kernel.Kernel
	escrow    *escrow.Escrow
	auction   *mint.Auction
	scheduler *scheduler.Scheduler
	server    *api.Server

	restored bool
}

// worldOptions override pieces of the configured world, mostly for tests.
type worldOptions struct {
	Clock    clock.Clock
	Scorer   scorer.Scorer
	InMemory bool
}

// openWorld builds the world described by cfg. If the database holds a
// checkpoint the world resumes from it and stored events after it are
// discarded; otherwise the genesis principals are created.
func openWorld(cfg *config.Config, opts worldOptions, logger *slog.Logger) (w *world, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	db, err := storage.Open(storage.Config{
		Path:     cfg.DatabasePath(),
		InMemory: opts.InMemory,
		Driver:   cfg.Storage.Driver,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	w = &world{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		events:      storage.NewEventStore(db),
		checkpoints: storage.NewCheckpointStore(db),
	}

	kc := cfg.KernelConfig()
	kc.Clock = opts.Clock
	kc.Sinks = []eventlog.Sink{w.events}
	kc.Metrics = metrics.New()
	kc.Logger = logger
	if w.kernel, err = kernel.New(kc); err != nil {
		return nil, fmt.Errorf("failed to create kernel: %w", err)
	}

	if w.escrow, err = escrow.New(escrow.Config{Ledger: w.kernel.Ledger(), Artifacts: w.kernel.Artifacts(), Clock: opts.Clock, Logger: logger}); err != nil {
		return nil, err
	}
	if err := w.kernel.RegisterService(w.escrow); err != nil {
		return nil, fmt.Errorf("failed to register escrow: %w", err)
	}

	minter, err := w.kernel.IssueMinter()
	if err != nil {
		return nil, err
	}
	sc := opts.Scorer
	if sc == nil {
		sc = configuredScorer(cfg.Mint)
	}
	if sc == nil {
		logger.Warn("no quality scorer configured, auctions will mint nothing")
	}
	w.auction, err = mint.New(mint.Config{
		Kernel:        w.kernel,
		Minter:        minter,
		Scorer:        sc,
		Window:        time.Duration(cfg.Mint.Window),
		MintRatio:     cfg.Mint.MintRatio,
		ScorerTimeout: time.Duration(cfg.Mint.ScorerTimeout),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if err := w.kernel.RegisterService(w.auction); err != nil {
		return nil, fmt.Errorf("failed to register mint: %w", err)
	}

	if err := w.resume(); err != nil {
		return nil, err
	}

	if w.scheduler, err = scheduler.NewScheduler(scheduler.Config{Clock: opts.Clock, Logger: logger}); err != nil {
		return nil, err
	}
	if err := w.scheduler.Register(w.auction.Task()); err != nil {
		return nil, err
	}
	if every := time.Duration(cfg.Checkpoint.Interval); every > 0 {
		task := scheduler.IntervalTask("checkpoint", "Save checkpoint", every, func(ctx context.Context) error {
			_, err := w.checkpoint()
			return err
		})
		task.Description = "Snapshot the world and prune old checkpoints"
		if err := w.scheduler.Register(task); err != nil {
			return nil, err
		}
	}

	w.server, err = api.New(api.Config{
		Addr:   cfg.Server.Addr(),
		Kernel: w.kernel,
		Tokens: cfg.Auth.Tokens,
		Events: w.events,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// configuredScorer returns the scorer named by the mint config, or nil.
func configuredScorer(mc config.MintConfig) scorer.Scorer {
	timeout := time.Duration(mc.ScorerTimeout)
	switch {
	case mc.Scorer == config.ScorerOllama:
		return scorer.NewOllamaScorer(scorer.OllamaConfig{
			BaseURL: mc.ScorerURL,
			Model:   mc.ScorerModel,
			Timeout: timeout,
		})
	case mc.ScorerURL != "":
		return scorer.NewHTTPScorer(mc.ScorerURL, timeout)
	}
	return nil
}

// resume restores the latest checkpoint or creates the genesis principals.
func (w *world) resume() error {
	snap, err := w.checkpoints.Latest()
	switch {
	case errors.Is(err, storage.ErrNoCheckpoint):
		if n, err := w.events.DiscardAfter(0); err != nil {
			return err
		} else if n > 0 {
			w.logger.Warn("discarded events with no checkpoint", "events", n)
		}
		for _, p := range w.cfg.Principals() {
			if err := w.kernel.CreatePrincipal(p); err != nil {
				return fmt.Errorf("failed to create principal %s: %w", p.ID, err)
			}
		}
		w.logger.Info("genesis", "principals", len(w.cfg.Genesis.Principals))
		return nil
	case err != nil:
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := w.kernel.Restore(snap); err != nil {
		return err
	}
	n, err := w.events.DiscardAfter(snap.EventNumber)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Warn("discarded events after checkpoint", "event_number", snap.EventNumber, "events", n)
	}
	w.restored = true
	return nil
}

// checkpoint saves a snapshot and prunes old ones.
func (w *world) checkpoint() (int64, error) {
	snap, err := w.kernel.Snapshot()
	if err != nil {
		return 0, err
	}
	id, err := w.checkpoints.Save(snap)
	if err != nil {
		return 0, err
	}
	if keep := w.cfg.Checkpoint.Keep; keep > 0 {
		if _, err := w.checkpoints.Prune(keep); err != nil {
			return id, err
		}
	}
	w.logger.Info("checkpoint saved", "id", id, "event_number", snap.EventNumber)
	return id, nil
}

// run serves until ctx is cancelled or the server fails, then stops the
// scheduler and the server and takes a final checkpoint.
func (w *world) run(ctx context.Context) error {
	if err := w.scheduler.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(w.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		w.logger.Info("shutting down")
		w.scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return w.server.Stop(shutdownCtx)
	})
	serveErr := g.Wait()

	if _, err := w.checkpoint(); err != nil {
		return errors.Join(serveErr, fmt.Errorf("final checkpoint: %w", err))
	}
	return serveErr
}

func (w *world) Close() error {
	return w.db.Close()
}

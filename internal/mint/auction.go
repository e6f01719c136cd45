// Package mint is the genesis auction that creates new scrip.
//
// Agents bid scrip on an artifact during a fixed window. When the window
// closes the highest bid wins, its amount is paid out as UBI to every
// agent, and the external scorer rates the winning artifact. The score
// times the mint ratio is minted to the artifact's owner. Losing bids are
// refunded. Resolution runs on the scheduler, never on an agent's action.
package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/kernel"
	"github.com/worldkernel/worldkernel/internal/logging"
	"github.com/worldkernel/worldkernel/internal/scheduler"
	"github.com/worldkernel/worldkernel/internal/scorer"
)

// Bid is one bidder's live offer in the current round.
type Bid struct {
	Bidder     string    `json:"bidder"`
	ArtifactID string    `json:"artifact_id"`
	Amount     int64     `json:"amount"`
	PlacedAt   time.Time `json:"placed_at"`
	Seq        int64     `json:"seq"` // breaks ties, lower wins
}

// Round is an open bidding window.
type Round struct {
	Number      int64     `json:"number"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Bids        []Bid     `json:"bids"`
}

// Outcome is what a resolved round did.
type Outcome struct {
	Round      int64            `json:"round"`
	ResolvedAt time.Time        `json:"resolved_at"`
	Winner     string           `json:"winner,omitempty"`
	ArtifactID string           `json:"artifact_id,omitempty"`
	Bid        int64            `json:"bid"`
	UBI        map[string]int64 `json:"ubi,omitempty"`
	Refunds    map[string]int64 `json:"refunds,omitempty"`
	Score      *float64         `json:"score,omitempty"`
	Minted     int64            `json:"minted"`
	Recipient  string           `json:"recipient,omitempty"`
	Result     core.Code        `json:"result"`
	Error      string           `json:"error,omitempty"`
}

// Config configures the auction.
type Config struct {
	ID            string // principal id, default genesis_mint
	Kernel        *kernel.Kernel
	Minter        *kernel.Minter
	Scorer        scorer.Scorer
	Window        time.Duration
	MintRatio     float64 // 0 means the default
	ScorerTimeout time.Duration
	HistorySize   int
	Clock         clock.Clock
	Logger        *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ID:            core.GenesisMint,
		Window:        time.Minute,
		MintRatio:     1,
		ScorerTimeout: 10 * time.Second,
		HistorySize:   100,
	}
}

// Auction is the mint service.
type Auction struct {
	id        string
	k         *kernel.Kernel
	minter    *kernel.Minter
	scorer    scorer.Scorer
	window    time.Duration
	ratio     float64
	timeout   time.Duration
	histSize  int
	clock     clock.Clock
	logger    *slog.Logger
	resolveMu sync.Mutex // one resolution at a time

	mu      sync.Mutex
	round   Round
	bids    map[string]*Bid // by bidder
	seq     int64
	history []Outcome
}

// New creates the auction. Register it with the kernel before the first bid.
func New(cfg Config) (*Auction, error) {
	def := DefaultConfig()
	if cfg.Kernel == nil {
		return nil, fmt.Errorf("mint auction needs a kernel")
	}
	if cfg.Minter == nil {
		return nil, fmt.Errorf("mint auction needs the mint capability")
	}
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MintRatio == 0 {
		cfg.MintRatio = def.MintRatio
	}
	if cfg.MintRatio < 0 || math.IsNaN(cfg.MintRatio) || math.IsInf(cfg.MintRatio, 0) {
		return nil, fmt.Errorf("mint ratio must be a non-negative number, got %v", cfg.MintRatio)
	}
	if cfg.ScorerTimeout <= 0 {
		cfg.ScorerTimeout = def.ScorerTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Clock == nil {
		cfg.Clock = cfg.Kernel.Clock()
	}
	a := &Auction{
		id:       cfg.ID,
		k:        cfg.Kernel,
		minter:   cfg.Minter,
		scorer:   cfg.Scorer,
		window:   cfg.Window,
		ratio:    cfg.MintRatio,
		timeout:  cfg.ScorerTimeout,
		histSize: cfg.HistorySize,
		clock:    cfg.Clock,
		logger:   logging.OrDefault(cfg.Logger).With("component", "mint"),
		bids:     make(map[string]*Bid),
	}
	a.round = a.newRound(1)
	return a, nil
}

func (a *Auction) newRound(n int64) Round {
	now := a.clock.Now().UTC()
	return Round{Number: n, WindowStart: now, WindowEnd: now.Add(a.window)}
}

// ID returns the mint principal id.
func (a *Auction) ID() string { return a.id }

// Interface describes the invocable methods.
func (a *Auction) Interface() *core.Interface {
	return &core.Interface{
		Description: "Scrip auction. Bid on an artifact; the winning bid is paid out as UBI and the artifact's score is minted to its owner.",
		Methods: []core.Method{
			{
				Name:        "bid",
				Description: "Place or replace your bid for this round.",
				Inputs: []core.Param{
					{Name: "artifact_id", Type: "string"},
					{Name: "amount", Type: "int"},
				},
			},
			{Name: "status", Description: "Show the open round and its bids."},
			{Name: "history", Description: "Show recently resolved rounds."},
		},
	}
}

// Call dispatches an invocation.
func (a *Auction) Call(_ context.Context, caller, method string, args []any) (any, error) {
	switch method {
	case "bid":
		id, err := core.StringArg(args, 0, "artifact_id")
		if err != nil {
			return nil, err
		}
		amount, err := core.IntArg(args, 1, "amount")
		if err != nil {
			return nil, err
		}
		return a.Bid(caller, id, amount)
	case "status":
		return a.Status(), nil
	case "history":
		return a.History(), nil
	}
	return nil, core.Errorf(core.CodeInvalidArgs, "mint has no method %q", method)
}

// -----------------------------------------------------------------------------
// Bidding
// -----------------------------------------------------------------------------

// Bid places or replaces the bidder's offer. Only the difference from a
// previous bid moves, so a re-bid never needs the old amount twice.
func (a *Auction) Bid(bidder, artifactID string, amount int64) (Bid, error) {
	if amount <= 0 {
		return Bid{}, core.Errorf(core.CodeInvalidArgs, "bid must be positive, got %d", amount)
	}
	if _, err := a.k.Artifacts().Get(artifactID); err != nil {
		return Bid{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var prev int64
	if old, ok := a.bids[bidder]; ok {
		prev = old.Amount
	}
	switch {
	case amount > prev:
		if err := a.k.Ledger().Transfer(bidder, a.id, amount-prev); err != nil {
			return Bid{}, err
		}
	case amount < prev:
		if err := a.k.Ledger().Transfer(a.id, bidder, prev-amount); err != nil {
			return Bid{}, core.Wrap(core.CodeInternal, err, "refunding bid difference")
		}
	}

	a.seq++
	b := &Bid{
		Bidder:     bidder,
		ArtifactID: artifactID,
		Amount:     amount,
		PlacedAt:   a.clock.Now().UTC(),
		Seq:        a.seq,
	}
	a.bids[bidder] = b
	a.logger.Info("bid placed", "round", a.round.Number, "bidder", bidder, "artifact", artifactID, "amount", amount, "replaced", prev)
	return *b, nil
}

// Status returns the open round with bids ordered best first.
func (a *Auction) Status() Round {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.round
	r.Bids = a.rankedLocked()
	return r
}

// History returns resolved rounds, newest last.
func (a *Auction) History() []Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Outcome(nil), a.history...)
}

// rankedLocked orders bids by amount, then by who bid first.
func (a *Auction) rankedLocked() []Bid {
	out := make([]Bid, 0, len(a.bids))
	for _, b := range a.bids {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// -----------------------------------------------------------------------------
// Resolution
// -----------------------------------------------------------------------------

// Resolve closes the current round and opens the next. A round without
// bids resolves silently.
func (a *Auction) Resolve(ctx context.Context) (*Outcome, error) {
	a.resolveMu.Lock()
	defer a.resolveMu.Unlock()

	var (
		out     *Outcome
		winner  Bid
		settled bool
	)
	err := a.k.Settle(func() error {
		a.mu.Lock()
		defer a.mu.Unlock()

		ranked := a.rankedLocked()
		closing := a.round.Number
		a.round = a.newRound(closing + 1)
		a.bids = make(map[string]*Bid)
		if len(ranked) == 0 {
			return nil
		}

		out = &Outcome{Round: closing, ResolvedAt: a.clock.Now().UTC(), Refunds: make(map[string]int64)}
		winner = ranked[0]
		out.Winner, out.ArtifactID, out.Bid = winner.Bidder, winner.ArtifactID, winner.Amount

		for _, b := range ranked[1:] {
			if err := a.k.Ledger().Transfer(a.id, b.Bidder, b.Amount); err != nil {
				return fmt.Errorf("failed to refund %s: %w", b.Bidder, err)
			}
			out.Refunds[b.Bidder] += b.Amount
		}

		recipients := a.k.Agents()
		if len(recipients) == 0 {
			if err := a.k.Ledger().Transfer(a.id, winner.Bidder, winner.Amount); err != nil {
				return fmt.Errorf("failed to refund %s: %w", winner.Bidder, err)
			}
			out.Refunds[winner.Bidder] += winner.Amount
			return nil
		}
		ubi, err := a.k.Ledger().Split(a.id, recipients, winner.Amount)
		if err != nil {
			return fmt.Errorf("failed to distribute UBI: %w", err)
		}
		out.UBI = ubi
		settled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		a.logger.Debug("round closed without bids")
		return nil, nil
	}

	if settled {
		a.score(ctx, out)
	} else {
		out.Result = core.CodeOK
	}
	a.record(out)
	return out, nil
}

// score rates the winning artifact and mints the result to its owner.
func (a *Auction) score(ctx context.Context, out *Outcome) {
	fail := func(err error) {
		out.Result = core.CodeOf(err)
		out.Error = err.Error()
		a.logger.Warn("auction minted nothing", "round", out.Round, "artifact", out.ArtifactID, "error", err)
	}

	art, err := a.k.Artifacts().Get(out.ArtifactID)
	if err != nil {
		fail(core.Wrap(core.CodeScoringUnavailable, err, "winning artifact %s", out.ArtifactID))
		return
	}
	s, err := scorer.Call(ctx, a.scorer, art, a.timeout)
	if err != nil {
		fail(err)
		return
	}
	out.Score = &s

	owner, err := a.k.Ledger().Owner(out.ArtifactID)
	if err != nil {
		fail(err)
		return
	}
	out.Recipient = owner
	out.Result = core.CodeOK

	amount := int64(math.Floor(s * a.ratio))
	if amount <= 0 {
		return
	}
	res := a.minter.Mint(ctx, owner, amount, out.ArtifactID)
	if !res.OK() {
		out.Result = res.Outcome
		out.Error = res.Error
		a.logger.Error("mint refused", "round", out.Round, "recipient", owner, "amount", amount, "error", res.Error)
		return
	}
	out.Minted = amount
}

// record appends the round summary to the event log and history.
func (a *Auction) record(out *Outcome) {
	detail := map[string]any{
		"round":   out.Round,
		"winner":  out.Winner,
		"bid":     out.Bid,
		"ubi":     out.UBI,
		"refunds": out.Refunds,
		"minted":  out.Minted,
	}
	if out.Score != nil {
		detail["score"] = *out.Score
	}
	if out.Recipient != "" {
		detail["recipient"] = out.Recipient
	}
	var err error
	if out.Result != core.CodeOK {
		err = core.Errorf(out.Result, "%s", out.Error)
	}
	if _, logErr := a.k.Record(core.ActionAuction, out.ArtifactID, err, detail); logErr != nil {
		a.logger.Error("failed to record auction", "round", out.Round, "error", logErr)
	}
	a.k.Metrics().AuctionResolved(out.Result)

	a.mu.Lock()
	a.history = append(a.history, *out)
	if len(a.history) > a.histSize {
		a.history = a.history[len(a.history)-a.histSize:]
	}
	a.mu.Unlock()

	a.logger.Info("round resolved", "round", out.Round, "winner", out.Winner, "bid", out.Bid, "minted", out.Minted, "result", out.Result)
}

// Task schedules resolution at the end of every window.
func (a *Auction) Task() *scheduler.Task {
	t := scheduler.IntervalTask("mint-auction", "Resolve mint auction", a.window, func(ctx context.Context) error {
		_, err := a.Resolve(ctx)
		return err
	})
	t.Description = "Closes the bidding window, pays UBI and mints the scored amount"
	t.Timeout = a.timeout + 30*time.Second
	return t
}

// -----------------------------------------------------------------------------
// Checkpointing
// -----------------------------------------------------------------------------

type state struct {
	Round   Round     `json:"round"`
	Seq     int64     `json:"seq"`
	History []Outcome `json:"history"`
}

// SnapshotState serializes the open round and the history.
func (a *Auction) SnapshotState() (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.round
	r.Bids = a.rankedLocked()
	return json.Marshal(state{Round: r, Seq: a.seq, History: a.history})
}

// RestoreState replaces the round, its bids and the history.
func (a *Auction) RestoreState(raw json.RawMessage) error {
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("failed to decode mint state: %w", err)
	}
	if st.Round.Number < 1 {
		return fmt.Errorf("mint state: round number %d", st.Round.Number)
	}
	bids := make(map[string]*Bid, len(st.Round.Bids))
	for i := range st.Round.Bids {
		b := st.Round.Bids[i]
		if b.Bidder == "" || b.Amount <= 0 {
			return fmt.Errorf("mint state: malformed bid %+v", b)
		}
		if _, dup := bids[b.Bidder]; dup {
			return fmt.Errorf("mint state: %s bids twice", b.Bidder)
		}
		if b.Seq > st.Seq {
			return fmt.Errorf("mint state: bid sequence %d beyond %d", b.Seq, st.Seq)
		}
		bids[b.Bidder] = &b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st.Round.Bids = nil
	a.round = st.Round
	a.bids = bids
	a.seq = st.Seq
	a.history = st.History
	return nil
}

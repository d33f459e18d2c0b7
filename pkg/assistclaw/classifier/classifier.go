package classifier

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Tier is one classification strategy in the fallback chain.
type Tier interface {
	// Source identifies the tier in results, logs and metrics.
	Source() Source

	// Classify returns the tier's verdict for req. A tier that cannot answer
	// returns a *TierError so the chain can fall through.
	Classify(ctx context.Context, req Request) (*Result, error)
}

// TierConfig bounds how the chain uses a tier.
type TierConfig struct {
	// Timeout caps one call to the tier. Zero means no per-tier limit.
	Timeout time.Duration

	// MinConfidence rejects verdicts below this value so the next tier runs.
	MinConfidence float64

	// AlwaysRun tiers still run once the chain budget is spent, bounded
	// only by Timeout. Meant for the local rules tier.
	AlwaysRun bool
}

// DefaultBudget caps one Chain.Classify call, below Twilio's 10 second
// webhook ceiling.
const DefaultBudget = 8 * time.Second

// Observer receives one notification per tier attempt. Outcomes are "ok",
// "unknown", "low_confidence", "error" and "skipped".
type Observer interface {
	ObserveTier(source Source, outcome string, elapsed time.Duration)
}

type chainEntry struct {
	tier Tier
	cfg  TierConfig
}

// ChainOption customizes a Chain.
type ChainOption func(*Chain)

// WithObserver attaches an Observer to the chain.
func WithObserver(o Observer) ChainOption {
	return func(c *Chain) { c.observer = o }
}

// WithBudget bounds the time all budgeted tiers may take together. Zero or
// negative disables the limit.
func WithBudget(d time.Duration) ChainOption {
	return func(c *Chain) { c.budget = d }
}

// Chain runs tiers in order and returns the first confident, actionable
// verdict. Entities found by tiers that were passed over are kept, with
// earlier tiers taking precedence, and regex extraction fills what is left.
type Chain struct {
	tiers    []chainEntry
	observer Observer
	budget   time.Duration
	logger   *slog.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger, opts ...ChainOption) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger.With("component", "classifier"), budget: DefaultBudget}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add appends a tier. Tiers are tried in the order they were added.
func (c *Chain) Add(t Tier, cfg TierConfig) *Chain {
	c.tiers = append(c.tiers, chainEntry{tier: t, cfg: cfg})
	return c
}

// Sources lists the tiers in chain order.
func (c *Chain) Sources() []Source {
	out := make([]Source, len(c.tiers))
	for i, e := range c.tiers {
		out[i] = e.tier.Source()
	}
	return out
}

// Classify resolves text into a Result. It always returns a usable Result;
// the error is ErrAllTiersFailed when no tier answered at all, in which case
// the Result is IntentUnknown with whatever the regex extractor found.
func (c *Chain) Classify(ctx context.Context, text string, cctx Context) (Result, error) {
	req := Request{Text: strings.TrimSpace(text), Context: cctx}
	collected := Entities{}
	var passed *Result
	answered := false

	bctx := ctx
	if c.budget > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, c.budget)
		defer cancel()
	}

	for _, entry := range c.tiers {
		tctx := bctx
		if entry.cfg.AlwaysRun {
			tctx = ctx
		} else if bctx.Err() != nil {
			c.logger.Debug("classification budget spent, skipping tier", "tier", entry.tier.Source())
			c.observe(entry.tier.Source(), "skipped", 0)
			continue
		}
		res, elapsed, err := c.try(tctx, entry, req)
		if err != nil {
			c.observe(entry.tier.Source(), "error", elapsed)
			continue
		}
		answered = true
		collected.Fill(res.Entities)

		if res.Intent == IntentUnknown {
			c.observe(res.Source, "unknown", elapsed)
			if passed == nil {
				passed = res
			}
			continue
		}
		if res.Confidence < entry.cfg.MinConfidence {
			c.logger.Debug("tier below confidence threshold",
				"tier", res.Source, "intent", res.Intent,
				"confidence", res.Confidence, "min", entry.cfg.MinConfidence)
			c.observe(res.Source, "low_confidence", elapsed)
			continue
		}

		c.observe(res.Source, "ok", elapsed)
		out := Result{
			Intent:     res.Intent,
			Confidence: res.Confidence,
			Source:     res.Source,
			Entities:   collected,
		}
		out.Entities.Fill(Extract(req.Text, out.Intent, cctx))
		c.logger.Debug("message classified",
			"tier", out.Source, "intent", out.Intent, "confidence", out.Confidence)
		return out, nil
	}

	out := Result{Intent: IntentUnknown, Source: SourceRules, Entities: collected}
	if passed != nil {
		out.Source = passed.Source
		out.Confidence = passed.Confidence
	}
	out.Entities.Fill(Extract(req.Text, IntentUnknown, cctx))

	if !answered {
		c.logger.Warn("no classification tier answered", "tiers", len(c.tiers))
		return out, ErrAllTiersFailed
	}
	return out, nil
}

// try runs one tier under its own deadline.
func (c *Chain) try(ctx context.Context, entry chainEntry, req Request) (*Result, time.Duration, error) {
	src := entry.tier.Source()
	tctx := ctx
	if entry.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, entry.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := entry.tier.Classify(tctx, req)
	elapsed := time.Since(start)

	if err == nil && res == nil {
		err = newTierError(src, ErrorMalformed, errors.New("tier returned no result"))
	}
	if err != nil {
		if KindOf(err) == ErrorFatal && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			err = newTierError(src, ErrorTimeout, err)
		}
		c.logger.Warn("classification tier failed, falling back",
			"tier", src, "kind", KindOf(err).String(), "elapsed", elapsed, "error", err)
		return nil, elapsed, err
	}

	res.Source = src
	if res.Entities == nil {
		res.Entities = Entities{}
	}
	return res, elapsed, nil
}

func (c *Chain) observe(src Source, outcome string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveTier(src, outcome, elapsed)
	}
}

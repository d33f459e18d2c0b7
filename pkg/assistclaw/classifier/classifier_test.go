package classifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubTier returns a canned result or error, optionally after a delay that
// respects context cancellation.
type stubTier struct {
	src    Source
	result *Result
	err    error
	delay  time.Duration
	calls  int
}

func (s *stubTier) Source() Source { return s.src }

func (s *stubTier) Classify(ctx context.Context, _ Request) (*Result, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	r.Entities = r.Entities.Clone()
	return &r, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveTier(src Source, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, string(src)+":"+outcome)
}

func TestChainUsesFirstConfidentTier(t *testing.T) {
	t.Parallel()

	llm := &stubTier{src: SourceLLM, result: &Result{Intent: IntentSendEmail, Confidence: 0.95}}
	rules := &stubTier{src: SourceRules, result: &Result{Intent: IntentScheduleMeeting, Confidence: 0.9}}

	chain := NewChain(nil).Add(llm, TierConfig{}).Add(rules, TierConfig{})
	res, err := chain.Classify(context.Background(), "email bob", Context{})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Intent != IntentSendEmail || res.Source != SourceLLM {
		t.Errorf("got %s from %s, want send_email from llm", res.Intent, res.Source)
	}
	if rules.calls != 0 {
		t.Errorf("rules tier called %d times, want 0", rules.calls)
	}
}

func TestChainFallsBackOnFailure(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	llm := &stubTier{src: SourceLLM, err: newTierError(SourceLLM, ErrorRateLimit, errors.New("429"))}
	local := &stubTier{src: SourceLocal, err: newTierError(SourceLocal, ErrorUnavailable, errors.New("down"))}

	chain := NewChain(nil, WithObserver(obs)).
		Add(llm, TierConfig{}).
		Add(local, TierConfig{}).
		Add(NewRulesTier(), TierConfig{})

	res, err := chain.Classify(context.Background(), "Schedule a meeting with John tomorrow at 3pm", Context{})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Intent != IntentScheduleMeeting {
		t.Errorf("Intent = %q, want %q", res.Intent, IntentScheduleMeeting)
	}
	if res.Source != SourceRules {
		t.Errorf("Source = %q, want %q", res.Source, SourceRules)
	}
	if res.Entities.Get(EntityAttendee) != "John" {
		t.Errorf("attendee = %q, want John", res.Entities.Get(EntityAttendee))
	}

	want := []string{"llm:error", "local-model:error", "rule-based:ok"}
	if len(obs.outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", obs.outcomes, want)
	}
	for i := range want {
		if obs.outcomes[i] != want[i] {
			t.Errorf("outcome[%d] = %q, want %q", i, obs.outcomes[i], want[i])
		}
	}
}

func TestChainLowConfidenceFallsThrough(t *testing.T) {
	t.Parallel()

	local := &stubTier{src: SourceLocal, result: &Result{Intent: IntentSendEmail, Confidence: 0.4}}
	rules := &stubTier{src: SourceRules, result: &Result{Intent: IntentCheckCalendar, Confidence: 0.7}}

	chain := NewChain(nil).
		Add(local, TierConfig{MinConfidence: 0.65}).
		Add(rules, TierConfig{})

	res, _ := chain.Classify(context.Background(), "what do i have", Context{})
	if res.Intent != IntentCheckCalendar {
		t.Errorf("Intent = %q, want %q", res.Intent, IntentCheckCalendar)
	}
}

func TestChainTierTimeout(t *testing.T) {
	t.Parallel()

	slow := &stubTier{src: SourceLLM, delay: time.Second, result: &Result{Intent: IntentSendEmail, Confidence: 1}}
	rules := &stubTier{src: SourceRules, result: &Result{Intent: IntentCheckCalendar, Confidence: 0.9}}

	chain := NewChain(nil).
		Add(slow, TierConfig{Timeout: 20 * time.Millisecond}).
		Add(rules, TierConfig{})

	start := time.Now()
	res, err := chain.Classify(context.Background(), "anything", Context{})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Classify took %v, want the slow tier to be abandoned", elapsed)
	}
	if res.Source != SourceRules {
		t.Errorf("Source = %q, want %q", res.Source, SourceRules)
	}
}

func TestChainKeepsEntitiesFromSkippedTiers(t *testing.T) {
	t.Parallel()

	llm := &stubTier{src: SourceLLM, result: &Result{
		Intent:   IntentUnknown,
		Entities: Entities{EntityDate: "2026-10-20"},
	}}
	chain := NewChain(nil).Add(llm, TierConfig{}).Add(NewRulesTier(), TierConfig{})

	res, err := chain.Classify(context.Background(), "Schedule a meeting with John tomorrow at 3pm", Context{})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Intent != IntentScheduleMeeting {
		t.Errorf("Intent = %q, want %q", res.Intent, IntentScheduleMeeting)
	}
	if got := res.Entities.Get(EntityDate); got != "2026-10-20" {
		t.Errorf("date = %q, want the earlier tier's normalized value", got)
	}
	if got := res.Entities.Get(EntityTime); got != "3pm" {
		t.Errorf("time = %q, want %q", got, "3pm")
	}
}

func TestChainAllTiersFailed(t *testing.T) {
	t.Parallel()

	llm := &stubTier{src: SourceLLM, err: newTierError(SourceLLM, ErrorAuth, errors.New("401"))}
	chain := NewChain(nil).Add(llm, TierConfig{})

	res, err := chain.Classify(context.Background(), "tomorrow at 3pm", Context{})
	if !errors.Is(err, ErrAllTiersFailed) {
		t.Fatalf("err = %v, want ErrAllTiersFailed", err)
	}
	if res.Intent != IntentUnknown {
		t.Errorf("Intent = %q, want %q", res.Intent, IntentUnknown)
	}
	if res.Entities.Get(EntityTime) != "3pm" {
		t.Errorf("time = %q, want regex entities to survive", res.Entities.Get(EntityTime))
	}
}

func TestChainUnknownIsNotFailure(t *testing.T) {
	t.Parallel()

	chain := NewChain(nil).Add(NewRulesTier(), TierConfig{})
	res, err := chain.Classify(context.Background(), "hello", Context{})
	if err != nil {
		t.Fatalf("err = %v, want nil for an answered unknown", err)
	}
	if res.Intent != IntentUnknown {
		t.Errorf("Intent = %q, want %q", res.Intent, IntentUnknown)
	}
}

func TestChainSources(t *testing.T) {
	t.Parallel()

	chain := NewChain(nil).
		Add(&stubTier{src: SourceLLM}, TierConfig{}).
		Add(NewRulesTier(), TierConfig{})
	got := chain.Sources()
	if len(got) != 2 || got[0] != SourceLLM || got[1] != SourceRules {
		t.Errorf("Sources() = %v, want [llm rule-based]", got)
	}
}

func TestChainBudget(t *testing.T) {
	t.Parallel()

	llm := &stubTier{src: SourceLLM, delay: time.Second, result: &Result{Intent: IntentSendEmail, Confidence: 0.95}}
	local := &stubTier{src: SourceLocal, result: &Result{Intent: IntentSendEmail, Confidence: 0.9}}
	rules := &stubTier{src: SourceRules, result: &Result{Intent: IntentCheckCalendar, Confidence: 0.9}}
	obs := &recordingObserver{}

	chain := NewChain(nil, WithObserver(obs), WithBudget(50*time.Millisecond)).
		Add(llm, TierConfig{}).
		Add(local, TierConfig{}).
		Add(rules, TierConfig{AlwaysRun: true})

	start := time.Now()
	res, err := chain.Classify(context.Background(), "what's on my calendar", Context{})
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Classify took %s, want it bounded by the budget", elapsed)
	}
	if res.Intent != IntentCheckCalendar || res.Source != SourceRules {
		t.Errorf("result = %s/%s, want check_calendar from rules", res.Intent, res.Source)
	}
	if local.calls != 0 {
		t.Errorf("local tier ran %d times after the budget was spent", local.calls)
	}

	want := []string{"llm:error", "local-model:skipped", "rule-based:ok"}
	if len(obs.outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", obs.outcomes, want)
	}
	for i := range want {
		if obs.outcomes[i] != want[i] {
			t.Errorf("outcome[%d] = %q, want %q", i, obs.outcomes[i], want[i])
		}
	}
}

func TestNewChainHasDefaultBudget(t *testing.T) {
	t.Parallel()
	if got := NewChain(nil).budget; got != DefaultBudget {
		t.Errorf("budget = %s, want %s", got, DefaultBudget)
	}
}

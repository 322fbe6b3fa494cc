package estimator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/machinelattice/apex/internal/llm"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeProvider returns a fixed completion or an error, for exercising
// both the happy path and the "LLM is an unreliable oracle" fallback.
type fakeProvider struct {
	response string
	err      error
}

func (f fakeProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f.response, f.err
}

func TestEstimateTaskWithoutProviderFallsBackToUnitMultiplier(t *testing.T) {
	est := New(nil, NewCache())
	e, err := est.EstimateTask(context.Background(), dec("20.00"), map[string]any{"task": "x"}, "", nil, "research")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Amount.Equal(dec("20.00")) {
		t.Fatalf("expected amount 20.00 (multiplier 1.0), got %s", e.Amount)
	}
	if !e.Minimum.Equal(dec("16.00")) {
		t.Fatalf("expected minimum 16.00 (80%% of amount), got %s", e.Minimum)
	}
	if e.Reasoning != defaultReasoning {
		t.Fatalf("expected default reasoning, got %q", e.Reasoning)
	}
}

func TestEstimateTaskParsesLLMMultiplier(t *testing.T) {
	provider := fakeProvider{response: `{"multiplier": 1.5, "reasoning": "moderate complexity"}`}
	est := New(provider, NewCache())
	e, err := est.EstimateTask(context.Background(), dec("20.00"), map[string]any{"task": "x"}, "gpt-4o-mini", nil, "research")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Amount.Equal(dec("30.00")) {
		t.Fatalf("expected amount 30.00 (20 * 1.5), got %s", e.Amount)
	}
	if !e.Minimum.Equal(dec("24.00")) {
		t.Fatalf("expected minimum 24.00, got %s", e.Minimum)
	}
	if e.Reasoning != "moderate complexity" {
		t.Fatalf("expected LLM reasoning, got %q", e.Reasoning)
	}
}

func TestEstimateTaskClampsMultiplierHigh(t *testing.T) {
	provider := fakeProvider{response: `{"multiplier": 100, "reasoning": "way too much"}`}
	est := New(provider, NewCache())
	e, err := est.EstimateTask(context.Background(), dec("10.00"), map[string]any{}, "gpt-4o-mini", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Multiplier.Equal(dec("4")) {
		t.Fatalf("expected multiplier clamped to 4.0, got %s", e.Multiplier)
	}
}

func TestEstimateTaskClampsMultiplierLow(t *testing.T) {
	provider := fakeProvider{response: `{"multiplier": 0.01, "reasoning": "trivial"}`}
	est := New(provider, NewCache())
	e, err := est.EstimateTask(context.Background(), dec("10.00"), map[string]any{}, "gpt-4o-mini", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Multiplier.Equal(dec("0.25")) {
		t.Fatalf("expected multiplier clamped to 0.25, got %s", e.Multiplier)
	}
}

func TestEstimateTaskFallsBackOnTransportError(t *testing.T) {
	provider := fakeProvider{err: context.DeadlineExceeded}
	est := New(provider, NewCache())
	e, err := est.EstimateTask(context.Background(), dec("20.00"), map[string]any{}, "gpt-4o-mini", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Amount.Equal(dec("20.00")) {
		t.Fatalf("expected fallback multiplier 1.0, got amount %s", e.Amount)
	}
}

func TestEstimateTaskFallsBackOnMalformedJSON(t *testing.T) {
	provider := fakeProvider{response: "not json at all"}
	est := New(provider, NewCache())
	e, err := est.EstimateTask(context.Background(), dec("20.00"), map[string]any{}, "gpt-4o-mini", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Amount.Equal(dec("20.00")) {
		t.Fatalf("expected fallback multiplier 1.0, got amount %s", e.Amount)
	}
}

func TestEstimateIDFormat(t *testing.T) {
	est := New(nil, NewCache())
	e, err := est.EstimateTask(context.Background(), dec("10.00"), map[string]any{}, "", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(e.ID, "est-") {
		t.Fatalf("expected est- prefix, got %s", e.ID)
	}
	if len(strings.TrimPrefix(e.ID, "est-")) < 12 {
		t.Fatalf("expected at least 12 hex chars, got %s", e.ID)
	}
}

func TestExtractDescriptionProbesKnownFields(t *testing.T) {
	if got := extractDescription(map[string]any{"topic": "weather"}); got != "weather" {
		t.Fatalf("expected topic field, got %q", got)
	}
	if got := extractDescription(map[string]any{"query": "q1"}); got != "q1" {
		t.Fatalf("expected query field, got %q", got)
	}
	if got := extractDescription(map[string]any{"task": "t1"}); got != "t1" {
		t.Fatalf("expected task field, got %q", got)
	}
	got := extractDescription(map[string]any{"other": "value"})
	if !strings.Contains(got, "other") {
		t.Fatalf("expected serialized fallback to contain field name, got %q", got)
	}
}

func TestCacheGetAbsentAfterExpiry(t *testing.T) {
	base := time.Now()
	clock := base
	cache := &Cache{entries: make(map[string]Estimate), now: func() time.Time { return clock }}
	cache.Store(Estimate{ID: "est-abc", ExpiresAt: base.Add(300 * time.Second)})

	if _, ok := cache.Get("est-abc"); !ok {
		t.Fatalf("expected estimate present before expiry")
	}

	clock = base.Add(300*time.Second + time.Nanosecond)
	if _, ok := cache.Get("est-abc"); ok {
		t.Fatalf("expected estimate absent after expiry")
	}
}

func TestCacheRemove(t *testing.T) {
	cache := NewCache()
	cache.Store(Estimate{ID: "est-xyz", ExpiresAt: time.Now().Add(time.Minute)})
	cache.Remove("est-xyz")
	if _, ok := cache.Get("est-xyz"); ok {
		t.Fatalf("expected estimate removed")
	}
}

func TestCacheStoreEvictsExpiredEntriesOpportunistically(t *testing.T) {
	base := time.Now()
	clock := base
	cache := &Cache{entries: make(map[string]Estimate), now: func() time.Time { return clock }}
	cache.Store(Estimate{ID: "est-old", ExpiresAt: base.Add(-time.Second)})
	clock = base.Add(time.Millisecond)
	cache.Store(Estimate{ID: "est-new", ExpiresAt: base.Add(time.Minute)})

	cache.mu.Lock()
	_, stillThere := cache.entries["est-old"]
	cache.mu.Unlock()
	if stillThere {
		t.Fatalf("expected expired entry to be evicted on subsequent store")
	}
}

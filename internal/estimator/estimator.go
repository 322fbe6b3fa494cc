// Package estimator implements the per-task price estimation engine: a
// base rate times an LLM-derived multiplier, cached by estimate id with
// a wall-clock TTL.
package estimator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/machinelattice/apex/internal/llm"
)

const (
	estimateTTL     = 300 * time.Second
	minMultiplier   = 0.25
	maxMultiplier   = 4.0
	minimumFraction = 0.80
)

// Factor is one line item in an estimate's reasoning breakdown.
type Factor struct {
	Name  string          `json:"name"`
	Value decimal.Decimal `json:"value"`
}

// Estimate is a computed, cached price estimate for one task.
type Estimate struct {
	ID         string
	Amount     decimal.Decimal
	Minimum    decimal.Decimal
	Multiplier decimal.Decimal
	Reasoning  string
	Factors    []Factor
	ExpiresAt  time.Time
}

// Cache is the process-wide, concurrency-safe estimate store. Lookups
// evict entries that have expired since being stored.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Estimate
	now     func() time.Time
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Estimate), now: time.Now}
}

// Store inserts an estimate and opportunistically evicts expired
// entries elsewhere in the cache.
func (c *Cache) Store(e Estimate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.ID] = e
	now := c.now()
	for id, existing := range c.entries {
		if now.After(existing.ExpiresAt) {
			delete(c.entries, id)
		}
	}
}

// Get returns the estimate for id, or false if absent or expired.
// Expired entries are evicted on access.
func (c *Cache) Get(id string) (Estimate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Estimate{}, false
	}
	if c.now().After(e.ExpiresAt) {
		delete(c.entries, id)
		return Estimate{}, false
	}
	return e, true
}

// Remove explicitly evicts an estimate.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// multiplierResponse is the forced JSON shape requested from the LLM.
type multiplierResponse struct {
	Multiplier float64 `json:"multiplier"`
	Reasoning  string  `json:"reasoning"`
}

const defaultReasoning = "Estimated using standard complexity assumptions (multiplier not available)."

// Estimator computes per-task estimates and stores them in a Cache.
type Estimator struct {
	Provider llm.Provider
	Cache    *Cache
	now      func() time.Time
}

// New constructs an Estimator. provider may be nil, in which case every
// estimate falls back to multiplier = 1.0.
func New(provider llm.Provider, cache *Cache) *Estimator {
	return &Estimator{Provider: provider, Cache: cache, now: time.Now}
}

// Result is the outcome of EstimateTask.
type Result struct {
	Estimate Estimate
}

// EstimateTask builds a deterministic system prompt from base,
// capability, and instructions, extracts a task description from input,
// and asks the LLM for a multiplier. Any transport or parse failure
// degrades to multiplier = 1.0 with a default reasoning string; the
// error is never surfaced to the caller.
func (est *Estimator) EstimateTask(ctx context.Context, base decimal.Decimal, input map[string]any, model string, instructions []string, capability string) (Estimate, error) {
	description := extractDescription(input)
	system := buildSystemPrompt(base, capability, instructions)

	multiplier := 1.0
	reasoning := defaultReasoning

	if est.Provider != nil && model != "" {
		resp, err := est.Provider.Complete(ctx, llm.Request{
			Model:       model,
			System:      system,
			User:        fmt.Sprintf("Task: %s", description),
			Temperature: 0.1,
			MaxTokens:   150,
		})
		if err == nil {
			if jsonStr, jerr := llm.ExtractJSON(resp); jerr == nil {
				var parsed multiplierResponse
				if uerr := json.Unmarshal([]byte(jsonStr), &parsed); uerr == nil && parsed.Multiplier > 0 {
					multiplier = parsed.Multiplier
					if parsed.Reasoning != "" {
						reasoning = parsed.Reasoning
					}
				}
			}
		}
	}

	if multiplier < minMultiplier {
		multiplier = minMultiplier
	}
	if multiplier > maxMultiplier {
		multiplier = maxMultiplier
	}
	multDec := decimal.NewFromFloat(multiplier)

	amount := base.Mul(multDec).Round(2)
	minimum := amount.Mul(decimal.NewFromFloat(minimumFraction)).Round(2)

	id, err := newEstimateID()
	if err != nil {
		return Estimate{}, fmt.Errorf("estimator: generate id: %w", err)
	}

	e := Estimate{
		ID:         id,
		Amount:     amount,
		Minimum:    minimum,
		Multiplier: multDec,
		Reasoning:  reasoning,
		Factors: []Factor{
			{Name: "base_rate", Value: base},
			{Name: "multiplier", Value: multDec},
		},
		ExpiresAt: est.now().Add(estimateTTL),
	}
	est.Cache.Store(e)
	return e, nil
}

// newEstimateID allocates an "est-" prefixed id with >=96 random bits
// rendered as hex.
func newEstimateID() (string, error) {
	buf := make([]byte, 12) // 96 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "est-" + hex.EncodeToString(buf), nil
}

// extractDescription probes known fields (topic, query, task) before
// falling back to serialising the whole input.
func extractDescription(input map[string]any) string {
	for _, key := range []string{"topic", "query", "task"} {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}

func buildSystemPrompt(base decimal.Decimal, capability string, instructions []string) string {
	var b strings.Builder
	b.WriteString("You are estimating the cost multiplier for a task.\n")
	fmt.Fprintf(&b, "Base rate: $%s\n", base.StringFixed(2))
	if capability != "" {
		fmt.Fprintf(&b, "Capability: %s\n", capability)
	}
	if len(instructions) > 0 {
		b.WriteString("Instructions:\n")
		for _, i := range instructions {
			b.WriteString("- " + i + "\n")
		}
	}
	b.WriteString(`
Multiplier guide:
  0.25x - trivial (single fact lookup, near-instant)
  0.5x  - simple (brief, well-defined)
  1.0x  - standard (typical scope and effort)
  1.5x  - moderate (multi-step, some research)
  2.5x  - complex (deep research, synthesis)
  4.0x  - very complex (extensive, multi-source, high-stakes)

Respond with ONLY JSON: {"multiplier": <number>, "reasoning": "<1-2 sentences>"}`)
	return b.String()
}

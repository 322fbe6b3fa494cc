// Package negotiation implements the seller-side negotiation state
// machine: it accepts, counters, or rejects buyer offers subject to
// target/minimum bounds and round limits, guarded by deadline, round,
// and monotonicity invariants.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/machinelattice/apex/internal/curve"
	"github.com/machinelattice/apex/internal/llm"
	"github.com/machinelattice/apex/internal/pricing"
	"github.com/machinelattice/apex/internal/transcript"
)

// ErrRequiresDynamicBounds is returned by New when pricing is base-mode
// Negotiated without explicit target/minimum; the dispatcher is
// responsible for resolving an estimate into bounds first.
var ErrRequiresDynamicBounds = errors.New("negotiation: pricing requires an estimate to resolve target/minimum")

// State is the negotiation's current lifecycle stage.
type State string

const (
	StateInProgress State = "in_progress"
	StateAccepted   State = "accepted"
	StateRejected   State = "rejected"
	StateExpired    State = "expired"
)

// Decision is the outcome of one strategy evaluation.
type decisionAction string

const (
	decisionAccept  decisionAction = "accept"
	decisionCounter decisionAction = "counter"
	decisionReject  decisionAction = "reject"
)

type decision struct {
	action decisionAction
	price  decimal.Decimal
	reason string
}

// Counter is the seller's counter-offer.
type Counter struct {
	Price  decimal.Decimal
	Round  int
	Reason string
}

// TaskContext carries optional handler/estimator context surfaced to the
// LLM strategy for justification text; it has no effect on the
// algorithmic strategies.
type TaskContext struct {
	Description string
	Reasoning   string
}

const negotiationTTL = 300 * time.Second

// Engine is a single seller-side negotiation session. It is not safe for
// concurrent use; callers (the protocol dispatcher) must serialize
// access per job_id.
type Engine struct {
	target  decimal.Decimal
	minimum decimal.Decimal

	maxRounds    int
	currency     string
	strategy     pricing.Strategy
	instructions []string
	model        string
	baseURL      string
	taskContext  TaskContext

	provider llm.Provider

	state   State
	round   int
	deadline time.Time

	log          transcript.Log
	lastCounter  *decimal.Decimal
	bestBuyer    *decimal.Decimal

	now func() time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithProvider injects an LLM provider for the "llm" strategy. Without
// one, the llm strategy degrades to its algorithmic fallback.
func WithProvider(p llm.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithTaskContext attaches handler/estimator context used to ground the
// LLM strategy's justification text.
func WithTaskContext(tc TaskContext) Option {
	return func(e *Engine) { e.taskContext = tc }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New constructs an Engine from Negotiated pricing that already carries
// explicit (target, minimum) bounds. Base-rate pricing must be resolved
// to bounds by the caller (see the estimation package) before calling
// New.
func New(p pricing.Negotiated, opts ...Option) (*Engine, error) {
	if p.UsesEstimation() {
		return nil, ErrRequiresDynamicBounds
	}
	e := &Engine{
		target:       p.Target,
		minimum:      p.Minimum,
		maxRounds:    p.MaxRounds,
		currency:     p.Currency(),
		strategy:     p.Strategy,
		instructions: p.Instructions,
		model:        p.Model,
		baseURL:      p.BaseURL,
		state:        StateInProgress,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.deadline = e.now().Add(negotiationTTL)
	return e, nil
}

// NewWithBounds is a convenience constructor used by the dispatcher once
// an estimate has resolved (target, minimum) for base-rate pricing.
func NewWithBounds(base pricing.Negotiated, target, minimum decimal.Decimal, opts ...Option) (*Engine, error) {
	bounded, err := pricing.NewNegotiatedBounds(target, minimum, pricing.NegotiatedOptions{
		MaxRounds:    base.MaxRounds,
		Currency:     base.Currency(),
		Strategy:     base.Strategy,
		Model:        base.Model,
		BaseURL:      base.BaseURL,
		Instructions: base.Instructions,
	})
	if err != nil {
		return nil, err
	}
	return New(bounded, opts...)
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// Round returns the current round count.
func (e *Engine) Round() int { return e.round }

// MaxRounds returns the configured round ceiling.
func (e *Engine) MaxRounds() int { return e.maxRounds }

// Currency returns the negotiation currency.
func (e *Engine) Currency() string { return e.currency }

// Transcript returns the hash-chained event log for this job.
func (e *Engine) Transcript() []transcript.Entry { return e.log.Entries() }

// ReceiveOffer is the engine's only mutator: it processes one buyer
// offer and returns the resulting state plus an optional counter.
func (e *Engine) ReceiveOffer(ctx context.Context, price decimal.Decimal) (State, *Counter) {
	now := e.now()

	// 1. Deadline check.
	if now.After(e.deadline) {
		e.log.Append(transcript.PartySystem, transcript.ActionExpired, nil, now)
		e.state = StateExpired
		return e.state, nil
	}

	// 2. Round bookkeeping.
	e.round++
	priceCopy := price
	e.log.Append(transcript.PartyBuyer, transcript.ActionOffer, &priceCopy, now)
	if e.bestBuyer == nil || price.GreaterThan(*e.bestBuyer) {
		best := price
		e.bestBuyer = &best
	}

	// 3. Round cap.
	if e.round > e.maxRounds {
		e.log.Append(transcript.PartySystem, transcript.ActionReject, nil, now)
		e.state = StateRejected
		return e.state, nil
	}

	// 4. Tentative decision via strategy.
	var d decision
	if e.strategy == pricing.StrategyLLM && e.model != "" && e.provider != nil {
		d = e.llmDecide(ctx, price)
	} else {
		d = e.curveDecide(price)
	}

	// 5. Floor protection: never reject an economically acceptable offer.
	if d.action == decisionReject && price.GreaterThanOrEqual(e.minimum) {
		d = decision{action: decisionCounter, price: e.minimum, reason: "Let's find a middle ground."}
	}

	switch d.action {
	case decisionAccept:
		e.log.Append(transcript.PartySeller, transcript.ActionAccept, &priceCopy, now)
		e.state = StateAccepted
		return e.state, nil

	case decisionReject:
		e.log.Append(transcript.PartySeller, transcript.ActionReject, nil, now)
		e.state = StateRejected
		return e.state, nil

	default: // counter
		q := d.price.RoundBank(2)

		// Monotonicity invariant: counters are strictly non-increasing.
		if e.lastCounter != nil && q.GreaterThan(*e.lastCounter) {
			forced := e.lastCounter.Mul(decimal.NewFromFloat(0.98))
			if forced.LessThan(e.minimum) {
				forced = e.minimum
			}
			q = forced
		}
		// Clamp to [minimum, target].
		if q.LessThan(e.minimum) {
			q = e.minimum
		}
		if q.GreaterThan(e.target) {
			q = e.target
		}

		qCopy := q
		e.lastCounter = &qCopy
		e.log.Append(transcript.PartySeller, transcript.ActionCounter, &qCopy, now)
		return e.state, &Counter{Price: q, Round: e.round, Reason: d.reason}
	}
}

func (e *Engine) curveDecide(offer decimal.Decimal) decision {
	if offer.GreaterThanOrEqual(e.target) {
		return decision{action: decisionAccept}
	}
	risk := pricing.RiskOf(e.strategy)
	counterPrice := curve.Concede(e.target, e.minimum, e.round, e.maxRounds, risk)
	if offer.GreaterThanOrEqual(counterPrice) {
		return decision{action: decisionAccept}
	}
	reason := ""
	if e.model != "" && e.provider != nil {
		reason = e.llmReason(context.Background(), offer, counterPrice)
	}
	return decision{action: decisionCounter, price: counterPrice, reason: reason}
}

type llmDecision struct {
	Action string  `json:"action"`
	Price  float64 `json:"price"`
	Reason string  `json:"reason"`
}

func (e *Engine) llmDecide(ctx context.Context, offer decimal.Decimal) decision {
	system := e.buildLLMPrompt(offer)
	user := fmt.Sprintf("Buyer offers $%s. Round %d/%d.", offer.StringFixed(2), e.round, e.maxRounds)

	resp, err := e.provider.Complete(ctx, llm.Request{
		Model:       e.model,
		System:      system,
		User:        user,
		Temperature: 0.9,
		MaxTokens:   100,
	})
	if err != nil {
		return e.curveDecide(offer)
	}

	parsed, err := parseLLMDecision(resp)
	if err != nil {
		return e.curveDecide(offer)
	}

	if parsed.action == decisionCounter {
		// Enforce bounds: price must never exceed target, never drop
		// below minimum, and (round >= 2) never exceed last_counter.
		if parsed.price.LessThan(e.minimum) {
			parsed.price = e.minimum
		}
		if parsed.price.GreaterThan(e.target) {
			parsed.price = e.target
		}
		if e.lastCounter != nil && parsed.price.GreaterThan(*e.lastCounter) {
			parsed.price = *e.lastCounter
		}
	}
	return parsed
}

func parseLLMDecision(raw string) (decision, error) {
	jsonStr, err := llm.ExtractJSON(raw)
	if err != nil {
		return decision{}, err
	}
	var ld llmDecision
	if err := json.Unmarshal([]byte(jsonStr), &ld); err != nil {
		return decision{}, err
	}
	switch decisionAction(ld.Action) {
	case decisionAccept:
		return decision{action: decisionAccept, reason: ld.Reason}, nil
	case decisionCounter:
		return decision{action: decisionCounter, price: decimal.NewFromFloat(ld.Price), reason: ld.Reason}, nil
	case decisionReject:
		return decision{action: decisionReject, reason: ld.Reason}, nil
	default:
		return decision{}, fmt.Errorf("negotiation: unknown llm action %q", ld.Action)
	}
}

// buildLLMPrompt constructs the system prompt exposing the seller's
// position, round guidance, and concession-schedule hints, per the
// llm-strategy negotiation protocol.
func (e *Engine) buildLLMPrompt(offer decimal.Decimal) string {
	lastCounterStr := "N/A"
	if e.lastCounter != nil {
		lastCounterStr = "$" + e.lastCounter.StringFixed(2)
	}

	ceiling := e.target
	if e.round >= 2 {
		ceiling = *e.lastCounter
	}
	suggested := suggestedConcession(ceiling, offer, e.minimum, e.round)

	taskSection := ""
	if e.taskContext.Description != "" {
		taskSection += "\nTASK: " + e.taskContext.Description + "\n"
	}
	if e.taskContext.Reasoning != "" {
		taskSection += "WORK INVOLVED: " + e.taskContext.Reasoning + "\n"
	}

	instructions := ""
	if len(e.instructions) > 0 {
		instructions = "Instructions:\n"
		for _, i := range e.instructions {
			instructions += "- " + i + "\n"
		}
	}

	return fmt.Sprintf(`You are negotiating to sell a service. Be professional and varied in your responses.

YOUR POSITION:
- Target: $%s
- Floor: $%s
- Their offer: $%s
- Last counter: %s
%s
ROUND %d of %d — your next price MUST be %s or LOWER (never higher than last counter).

%s

Respond with ONLY JSON:
{"action": "counter", "price": %s, "reason": "Your unique 1-2 sentence response"}
{"action": "accept", "reason": "Brief acceptance"}

JSON ONLY:`,
		e.target.StringFixed(2), e.minimum.StringFixed(2), offer.StringFixed(2), lastCounterStr,
		taskSection, e.round, e.maxRounds, suggested.StringFixed(2), instructions, suggested.StringFixed(2))
}

// suggestedConcession computes the advisory concession-schedule price:
// round 1 -> target; round 2..5 -> 25/40/55/75% of the gap toward the
// buyer's offer, floored at minimum.
func suggestedConcession(ceiling, offer, minimum decimal.Decimal, round int) decimal.Decimal {
	if round <= 1 {
		return ceiling
	}
	var pct decimal.Decimal
	switch {
	case round == 2:
		pct = decimal.NewFromFloat(0.25)
	case round == 3:
		pct = decimal.NewFromFloat(0.40)
	case round == 4:
		pct = decimal.NewFromFloat(0.55)
	default:
		pct = decimal.NewFromFloat(0.75)
	}
	gap := ceiling.Sub(offer)
	suggested := ceiling.Sub(gap.Mul(pct))
	if suggested.LessThan(minimum) {
		suggested = minimum
	}
	return suggested
}

// llmReason asks the LLM only for a justification string to attach to a
// curve-computed counter; failures are swallowed (no reason attached).
func (e *Engine) llmReason(ctx context.Context, offer, counter decimal.Decimal) string {
	if e.provider == nil {
		return ""
	}
	taskInfo := ""
	if e.taskContext.Description != "" {
		taskInfo += "Task: " + e.taskContext.Description + "\n"
	}
	if e.taskContext.Reasoning != "" {
		taskInfo += "Why this price: " + e.taskContext.Reasoning + "\n"
	}
	prompt := fmt.Sprintf(`Generate a 1-2 sentence negotiation response justifying your price.

You are countering their $%s with $%s. Round %d of %d.

%s
Justify based on the work involved. Be brief and natural.`,
		offer.StringFixed(2), counter.StringFixed(2), e.round, e.maxRounds, taskInfo)

	resp, err := e.provider.Complete(ctx, llm.Request{
		Model:       e.model,
		System:      prompt,
		User:        "Your response:",
		Temperature: 0.9,
		MaxTokens:   60,
	})
	if err != nil {
		return ""
	}
	return resp
}

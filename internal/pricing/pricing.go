// Package pricing implements the agent pricing models: a fixed amount or
// an estimation/negotiation-driven range.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidPricing is returned by the constructors when a pricing value
// violates the model's invariants.
var ErrInvalidPricing = errors.New("invalid pricing")

// Strategy is the negotiation posture an agent uses once it starts
// conceding from its target toward its floor.
type Strategy string

const (
	StrategyFirm     Strategy = "firm"
	StrategyBalanced Strategy = "balanced"
	StrategyFlexible Strategy = "flexible"
	StrategyLLM      Strategy = "llm"
)

// Model is the closed tagged variant every Pricing value belongs to.
type Model interface {
	isModel()
	// ToWire returns the plain mapping emitted from apex/discover.
	ToWire() map[string]any
	// Currency is the settlement currency for this pricing model.
	Currency() string
}

// Fixed is an exact, non-negotiable price.
type Fixed struct {
	Amount   decimal.Decimal
	currency string
}

// NewFixed validates and constructs a Fixed price.
func NewFixed(amount decimal.Decimal, currency string) (Fixed, error) {
	if amount.IsNegative() {
		return Fixed{}, fmt.Errorf("%w: amount must be >= 0", ErrInvalidPricing)
	}
	if currency == "" {
		currency = "USDC"
	}
	return Fixed{Amount: amount, currency: currency}, nil
}

func (Fixed) isModel() {}

func (f Fixed) Currency() string { return f.currency }

func (f Fixed) ToWire() map[string]any {
	return map[string]any{
		"model":    "fixed",
		"amount":   f.Amount,
		"currency": f.currency,
	}
}

// Negotiated is the dynamic pricing model. Exactly one of Base or
// (Target, Minimum) must be set; see NewNegotiatedBase /
// NewNegotiatedBounds.
type Negotiated struct {
	// Base-rate mode: the agent estimates a multiplier per task.
	base          decimal.Decimal
	usesEstimation bool

	// Legacy/bounds mode: a fixed negotiation range.
	Target  decimal.Decimal
	Minimum decimal.Decimal

	MaxRounds    int
	currency     string
	Strategy     Strategy
	Model        string
	BaseURL      string
	Instructions []string
}

// NewNegotiatedBase constructs base-rate mode Negotiated pricing: the
// agent estimates a per-task multiplier against base before it has
// target/minimum bounds to negotiate within.
func NewNegotiatedBase(base decimal.Decimal, opts NegotiatedOptions) (Negotiated, error) {
	if base.IsZero() || base.IsNegative() {
		return Negotiated{}, fmt.Errorf("%w: base must be > 0", ErrInvalidPricing)
	}
	n, err := newNegotiated(opts)
	if err != nil {
		return Negotiated{}, err
	}
	n.base = base
	n.usesEstimation = true
	if n.Model == "" {
		n.Model = "gpt-4o-mini"
	}
	return n, nil
}

// NewNegotiatedBounds constructs legacy/bounds mode Negotiated pricing
// with an explicit (target, minimum) range.
func NewNegotiatedBounds(target, minimum decimal.Decimal, opts NegotiatedOptions) (Negotiated, error) {
	if target.LessThan(minimum) {
		return Negotiated{}, fmt.Errorf("%w: target < minimum", ErrInvalidPricing)
	}
	if minimum.IsNegative() {
		return Negotiated{}, fmt.Errorf("%w: minimum must be >= 0", ErrInvalidPricing)
	}
	n, err := newNegotiated(opts)
	if err != nil {
		return Negotiated{}, err
	}
	n.Target = target
	n.Minimum = minimum
	return n, nil
}

// NegotiatedOptions carries the fields common to both pricing modes.
type NegotiatedOptions struct {
	MaxRounds    int
	Currency     string
	Strategy     Strategy
	Model        string
	BaseURL      string
	Instructions []string
}

func newNegotiated(opts NegotiatedOptions) (Negotiated, error) {
	maxRounds := opts.MaxRounds
	if maxRounds == 0 {
		maxRounds = 5
	}
	if maxRounds < 1 {
		return Negotiated{}, fmt.Errorf("%w: max_rounds must be >= 1", ErrInvalidPricing)
	}
	currency := opts.Currency
	if currency == "" {
		currency = "USDC"
	}
	strategy := opts.Strategy
	if strategy == "" {
		if opts.Model != "" {
			strategy = StrategyLLM
		} else {
			strategy = StrategyBalanced
		}
	}
	return Negotiated{
		MaxRounds:    maxRounds,
		currency:     currency,
		Strategy:     strategy,
		Model:        opts.Model,
		BaseURL:      opts.BaseURL,
		Instructions: opts.Instructions,
	}, nil
}

func (Negotiated) isModel() {}

func (n Negotiated) Currency() string { return n.currency }

// UsesEstimation reports whether this pricing value is in base-rate mode
// and therefore requires the estimator to resolve (target, minimum)
// bounds before a NegotiationEngine can be created.
func (n Negotiated) UsesEstimation() bool { return n.usesEstimation }

// Base returns the base rate for estimation-mode pricing.
func (n Negotiated) Base() decimal.Decimal { return n.base }

func (n Negotiated) ToWire() map[string]any {
	if n.usesEstimation {
		return map[string]any{
			"model":               "negotiated",
			"base":                n.base,
			"max_rounds":          n.MaxRounds,
			"currency":            n.currency,
			"strategy":            string(n.Strategy),
			"requires_estimation": true,
		}
	}
	return map[string]any{
		"model":       "negotiated",
		"target_amount": n.Target,
		"min_amount":  n.Minimum,
		"max_rounds":  n.MaxRounds,
		"currency":    n.currency,
		"strategy":    string(n.Strategy),
	}
}

// RiskOf returns the concession-curve risk constant for a strategy. LLM
// strategy falls back to balanced's risk when the algorithmic curve is
// used as a fallback.
func RiskOf(s Strategy) decimal.Decimal {
	switch s {
	case StrategyFirm:
		return decimal.NewFromFloat(0.3)
	case StrategyFlexible:
		return decimal.NewFromFloat(0.85)
	default:
		return decimal.NewFromFloat(0.6)
	}
}

// Package buyer implements the buyer-side auto-negotiator: the mirror
// image of the seller negotiation engine, producing initial offers and
// counter responses up to a budget ceiling.
package buyer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/machinelattice/apex/internal/curve"
	"github.com/machinelattice/apex/internal/llm"
	"github.com/machinelattice/apex/internal/pricing"
)

// newJobID allocates an opaque, 128-bit-unique job identifier for a new
// negotiation attempt.
func newJobID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is not a recoverable condition worth a
		// decimal-style error return here; fall back to a fixed-width
		// zero id rather than panic mid-negotiation.
		return "job-00000000000000000000000000000000"
	}
	return "job-" + hex.EncodeToString(buf)
}

// Outcome is the terminal result of a negotiation attempt.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeBuyerRejected     Outcome = "buyer_rejected"
	OutcomeBudgetBelowFloor  Outcome = "budget_below_floor"
	OutcomeMaxRoundsExceeded Outcome = "max_rounds_exceeded"
	OutcomeUpstreamError     Outcome = "upstream_error"
)

// Result is what Call (or, in tests, the pure Decide step) returns.
type Result struct {
	Outcome Outcome
	JobID   string
	Amount  decimal.Decimal
	Output  any
	Message string
}

// Transport is the narrow JSON-RPC client interface the negotiator
// drives; a concrete net/http implementation lives alongside the CLI.
// Kept here as an interface so the decision logic is independently
// testable against a fake.
type Transport interface {
	Discover(ctx context.Context) (DiscoverResult, error)
	Estimate(ctx context.Context, capability string, input map[string]any) (EstimateResult, error)
	Propose(ctx context.Context, req ProposeRequest) (RoundResult, error)
	Counter(ctx context.Context, req CounterRequest) (RoundResult, error)
	Accept(ctx context.Context, req AcceptRequest) (RoundResult, error)
}

// DiscoverResult mirrors apex/discover's response shape, narrowed to
// what the buyer consumes.
type DiscoverResult struct {
	PaymentAddress      string
	RequiresEstimation  bool
	PricingModel        string
	FixedAmount         decimal.Decimal
}

// EstimateResult mirrors apex/estimate's response shape.
type EstimateResult struct {
	EstimateID string
	Amount     decimal.Decimal
	Minimum    decimal.Decimal
	Reasoning  string
}

// ProposeRequest/CounterRequest/AcceptRequest mirror the wire params of
// the corresponding RPC methods.
type ProposeRequest struct {
	Capability    string
	Input         map[string]any
	JobID         string
	Amount        decimal.Decimal
	Currency      string
	Network       string
	BuyerAddress  string
	EstimateID    string
}

type CounterRequest struct {
	JobID    string
	Amount   decimal.Decimal
	Currency string
	Network  string
	Round    int
	Input    map[string]any
}

type AcceptRequest struct {
	JobID    string
	Amount   decimal.Decimal
	Currency string
	Input    map[string]any
}

// RoundResult is the normalized response to propose/counter/accept.
type RoundResult struct {
	Status  string // "completed" | "counter"
	JobID   string
	Amount  decimal.Decimal
	Round   int
	Reason  string
	Output  any
	ErrCode int
	ErrMsg  string
}

// Options configures the negotiator's posture.
type Options struct {
	Strategy        pricing.Strategy
	Model           string
	Instructions    []string
	InitialOfferPct decimal.Decimal // default 0.60
	Provider        llm.Provider
}

// Negotiator drives one buyer-side negotiation attempt.
type Negotiator struct {
	transport Transport
	opts      Options
}

// New constructs a Negotiator over a transport.
func New(transport Transport, opts Options) *Negotiator {
	if opts.InitialOfferPct.IsZero() {
		opts.InitialOfferPct = decimal.NewFromFloat(0.60)
	}
	return &Negotiator{transport: transport, opts: opts}
}

// Call drives discover -> (optional estimate) -> propose -> counter
// loop -> accept, bounded by budget and maxRounds.
func (n *Negotiator) Call(ctx context.Context, capability string, input map[string]any, budget decimal.Decimal, maxRounds int) Result {
	disc, err := n.transport.Discover(ctx)
	if err != nil {
		return Result{Outcome: OutcomeUpstreamError, Message: err.Error()}
	}

	var estimateID string
	var myOffer decimal.Decimal

	if disc.RequiresEstimation {
		est, err := n.transport.Estimate(ctx, capability, input)
		if err != nil {
			return Result{Outcome: OutcomeUpstreamError, Message: err.Error()}
		}
		if est.Minimum.GreaterThan(budget) {
			return Result{Outcome: OutcomeBudgetBelowFloor, Message: "estimate floor exceeds budget"}
		}
		estimateID = est.EstimateID
		myOffer = initialOfferFromEstimate(n.opts.Strategy, est.Amount, est.Minimum, budget)
	} else {
		myOffer = initialOfferFromBudget(n.opts.Strategy, budget)
	}

	jobID := newJobID()

	for round := 1; round <= maxRounds; round++ {
		var res RoundResult
		var rerr error
		if round == 1 {
			res, rerr = n.transport.Propose(ctx, ProposeRequest{
				Capability:   capability,
				Input:        input,
				JobID:        jobID,
				Amount:       myOffer,
				BuyerAddress: disc.PaymentAddress,
				EstimateID:   estimateID,
			})
		} else {
			res, rerr = n.transport.Counter(ctx, CounterRequest{
				JobID:  jobID,
				Amount: myOffer,
				Round:  round,
				Input:  input,
			})
		}
		if rerr != nil {
			return Result{Outcome: OutcomeUpstreamError, JobID: jobID, Message: rerr.Error()}
		}
		if res.ErrCode != 0 {
			return Result{Outcome: OutcomeUpstreamError, JobID: jobID, Message: res.ErrMsg}
		}

		switch res.Status {
		case "completed":
			return Result{Outcome: OutcomeCompleted, JobID: jobID, Amount: res.Amount, Output: res.Output}
		case "counter":
			dec := n.decide(ctx, myOffer, res.Amount, round, maxRounds, budget)
			switch dec.action {
			case actionAccept:
				acc, aerr := n.transport.Accept(ctx, AcceptRequest{JobID: jobID, Amount: res.Amount, Input: input})
				if aerr != nil {
					return Result{Outcome: OutcomeUpstreamError, JobID: jobID, Message: aerr.Error()}
				}
				if acc.ErrCode != 0 {
					return Result{Outcome: OutcomeUpstreamError, JobID: jobID, Message: acc.ErrMsg}
				}
				return Result{Outcome: OutcomeCompleted, JobID: jobID, Amount: acc.Amount, Output: acc.Output}
			case actionReject:
				return Result{Outcome: OutcomeBuyerRejected, JobID: jobID, Message: "seller offer exceeds budget"}
			default: // counter
				myOffer = dec.price
			}
		default:
			return Result{Outcome: OutcomeUpstreamError, JobID: jobID, Message: fmt.Sprintf("unexpected status %q", res.Status)}
		}
	}
	return Result{Outcome: OutcomeMaxRoundsExceeded, JobID: jobID}
}

// initialOfferFromEstimate computes the buyer's opening offer once an
// estimate is available: firm = 0.50*amount, balanced|llm = 0.55*amount,
// flexible = 0.70*amount, lower-bounded by 0.9*minimum and capped at
// budget.
func initialOfferFromEstimate(strategy pricing.Strategy, amount, minimum, budget decimal.Decimal) decimal.Decimal {
	var pct decimal.Decimal
	switch strategy {
	case pricing.StrategyFirm:
		pct = decimal.NewFromFloat(0.50)
	case pricing.StrategyFlexible:
		pct = decimal.NewFromFloat(0.70)
	default: // balanced, llm
		pct = decimal.NewFromFloat(0.55)
	}
	offer := amount.Mul(pct)
	floor := minimum.Mul(decimal.NewFromFloat(0.9))
	if offer.LessThan(floor) {
		offer = floor
	}
	if offer.GreaterThan(budget) {
		offer = budget
	}
	return offer.Round(2)
}

// initialOfferFromBudget computes the buyer's opening offer when no
// estimate is available: firm = 0.50*budget, balanced|llm = 0.60*budget,
// flexible = 0.75*budget.
func initialOfferFromBudget(strategy pricing.Strategy, budget decimal.Decimal) decimal.Decimal {
	var pct decimal.Decimal
	switch strategy {
	case pricing.StrategyFirm:
		pct = decimal.NewFromFloat(0.50)
	case pricing.StrategyFlexible:
		pct = decimal.NewFromFloat(0.75)
	default:
		pct = decimal.NewFromFloat(0.60)
	}
	return budget.Mul(pct).Round(2)
}

type buyerAction string

const (
	actionAccept  buyerAction = "accept"
	actionReject  buyerAction = "reject"
	actionCounter buyerAction = "counter"
)

type buyerDecision struct {
	action buyerAction
	price  decimal.Decimal
}

// decide applies algorithmic acceptance-band rules per strategy, with an
// LLM-delegated path for the "llm" strategy (falling back to the curve
// on failure).
func (n *Negotiator) decide(ctx context.Context, myOffer, sellerOffer decimal.Decimal, round, maxRounds int, budget decimal.Decimal) buyerDecision {
	if n.opts.Strategy == pricing.StrategyLLM && n.opts.Provider != nil && n.opts.Model != "" {
		if d, ok := n.llmDecide(ctx, myOffer, sellerOffer, round, maxRounds, budget); ok {
			return d
		}
	}
	return n.algorithmicDecide(myOffer, sellerOffer, round, maxRounds, budget)
}

func (n *Negotiator) algorithmicDecide(myOffer, sellerOffer decimal.Decimal, round, maxRounds int, budget decimal.Decimal) buyerDecision {
	if sellerOffer.GreaterThan(budget) {
		if round >= maxRounds {
			return buyerDecision{action: actionReject}
		}
		return buyerDecision{action: actionCounter, price: n.counterTowardSeller(myOffer, sellerOffer, round, maxRounds, budget)}
	}

	accept := false
	switch n.opts.Strategy {
	case pricing.StrategyFirm:
		// Within 10% of my own offer.
		tolerance := myOffer.Mul(decimal.NewFromFloat(0.10))
		accept = sellerOffer.Sub(myOffer).LessThanOrEqual(tolerance)
	case pricing.StrategyFlexible:
		accept = true
	default: // balanced, llm-fallback
		midpoint := myOffer.Add(sellerOffer).Div(decimal.NewFromInt(2))
		tolerance := midpoint.Mul(decimal.NewFromFloat(0.10))
		accept = sellerOffer.Sub(midpoint).LessThanOrEqual(tolerance)
	}

	if accept {
		return buyerDecision{action: actionAccept}
	}
	if round >= maxRounds {
		return buyerDecision{action: actionReject}
	}
	return buyerDecision{action: actionCounter, price: n.counterTowardSeller(myOffer, sellerOffer, round, maxRounds, budget)}
}

// counterTowardSeller raises the buyer's offer along the exponential
// curve (risk per strategy), bounded above by budget. The curve is
// symmetric to the seller's: it treats budget as "target" and myOffer's
// eventual ceiling, the seller's ask as the far bound it concedes
// toward.
func (n *Negotiator) counterTowardSeller(myOffer, sellerOffer decimal.Decimal, round, maxRounds int, budget decimal.Decimal) decimal.Decimal {
	risk := pricing.RiskOf(n.opts.Strategy)
	// curve.Concede(target, minimum, ...) returns a value that starts at
	// target and moves toward minimum as rounds progress; here "target"
	// is the seller's ask (what we're conceding toward) and "minimum" is
	// our own floor offer, inverted back onto the buyer's rising scale.
	conceded := curve.Concede(sellerOffer, myOffer, round, maxRounds, risk)
	next := sellerOffer.Sub(conceded.Sub(myOffer))
	if next.LessThan(myOffer) {
		next = myOffer
	}
	if next.GreaterThan(budget) {
		next = budget
	}
	return next.Round(2)
}

type llmDecisionResponse struct {
	Action string  `json:"action"`
	Price  float64 `json:"price"`
	Reason string  `json:"reason"`
}

// llmDecide delegates the counter/accept decision to the LLM, enforcing
// counter_price in [myOffer, budget] regardless of what comes back.
func (n *Negotiator) llmDecide(ctx context.Context, myOffer, sellerOffer decimal.Decimal, round, maxRounds int, budget decimal.Decimal) (buyerDecision, bool) {
	pct := concessionSchedule(round)
	system := fmt.Sprintf(`You are negotiating to buy a service.
Your budget ceiling: $%s
Your current offer: $%s
Seller's counter: $%s
Round %d of %d.

If you accept, the price is the seller's counter. If you counter, your
next price must be between $%s and $%s, and should move roughly %.0f%%
of the way from your offer toward the seller's ask.

Respond with ONLY JSON:
{"action": "accept", "reason": "..."}
{"action": "counter", "price": <number>, "reason": "..."}
{"action": "reject", "reason": "..."}`,
		budget.StringFixed(2), myOffer.StringFixed(2), sellerOffer.StringFixed(2),
		round, maxRounds, myOffer.StringFixed(2), budget.StringFixed(2), pct*100)

	resp, err := n.opts.Provider.Complete(ctx, llm.Request{
		Model:       n.opts.Model,
		System:      system,
		User:        "Decide:",
		Temperature: 0.9,
		MaxTokens:   100,
	})
	if err != nil {
		return buyerDecision{}, false
	}
	jsonStr, err := llm.ExtractJSON(resp)
	if err != nil {
		return buyerDecision{}, false
	}
	var parsed llmDecisionResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return buyerDecision{}, false
	}
	switch buyerAction(parsed.Action) {
	case actionAccept:
		return buyerDecision{action: actionAccept}, true
	case actionReject:
		return buyerDecision{action: actionReject}, true
	case actionCounter:
		price := decimal.NewFromFloat(parsed.Price)
		if price.LessThan(myOffer) {
			price = myOffer
		}
		if price.GreaterThan(budget) {
			price = budget
		}
		return buyerDecision{action: actionCounter, price: price}, true
	default:
		return buyerDecision{}, false
	}
}

// concessionSchedule returns the advisory fraction-of-gap hint for a
// round: 2->25%, 3->40%, 4->55%, 5+->75%.
func concessionSchedule(round int) float64 {
	switch {
	case round <= 2:
		return 0.25
	case round == 3:
		return 0.40
	case round == 4:
		return 0.55
	default:
		return 0.75
	}
}

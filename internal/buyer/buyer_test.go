package buyer

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/machinelattice/apex/internal/pricing"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// scriptedTransport replays a fixed sequence of seller counters before
// completing, so the buyer's decision logic can be exercised without a
// real seller.
type scriptedTransport struct {
	requiresEstimation bool
	estimate            EstimateResult
	counters            []decimal.Decimal // seller offers, one per round after the first propose
	finalAmount         decimal.Decimal
	rounds              int
}

func (s *scriptedTransport) Discover(ctx context.Context) (DiscoverResult, error) {
	return DiscoverResult{PaymentAddress: "0xSeller", RequiresEstimation: s.requiresEstimation}, nil
}

func (s *scriptedTransport) Estimate(ctx context.Context, capability string, input map[string]any) (EstimateResult, error) {
	return s.estimate, nil
}

func (s *scriptedTransport) nextSellerOffer(round int) (decimal.Decimal, bool) {
	idx := round - 1
	if idx >= len(s.counters) {
		return decimal.Zero, false
	}
	return s.counters[idx], true
}

func (s *scriptedTransport) Propose(ctx context.Context, req ProposeRequest) (RoundResult, error) {
	s.rounds++
	if offer, ok := s.nextSellerOffer(1); ok {
		return RoundResult{Status: "counter", JobID: req.JobID, Amount: offer, Round: 1}, nil
	}
	return RoundResult{Status: "completed", JobID: req.JobID, Amount: req.Amount}, nil
}

func (s *scriptedTransport) Counter(ctx context.Context, req CounterRequest) (RoundResult, error) {
	s.rounds++
	if offer, ok := s.nextSellerOffer(req.Round); ok {
		return RoundResult{Status: "counter", JobID: req.JobID, Amount: offer, Round: req.Round}, nil
	}
	return RoundResult{Status: "completed", JobID: req.JobID, Amount: req.Amount}, nil
}

func (s *scriptedTransport) Accept(ctx context.Context, req AcceptRequest) (RoundResult, error) {
	return RoundResult{Status: "completed", JobID: req.JobID, Amount: req.Amount, Output: map[string]any{"ok": true}}, nil
}

func TestBudgetBelowFloorTerminatesImmediately(t *testing.T) {
	transport := &scriptedTransport{
		requiresEstimation: true,
		estimate:           EstimateResult{EstimateID: "est-1", Amount: dec("30"), Minimum: dec("24")},
	}
	n := New(transport, Options{Strategy: pricing.StrategyBalanced})
	result := n.Call(context.Background(), "task", map[string]any{}, dec("20"), 5)
	if result.Outcome != OutcomeBudgetBelowFloor {
		t.Fatalf("expected BudgetBelowFloor, got %s", result.Outcome)
	}
}

func TestFlexibleAcceptsFirstOfferWithinBudget(t *testing.T) {
	transport := &scriptedTransport{
		counters: []decimal.Decimal{dec("40")},
	}
	n := New(transport, Options{Strategy: pricing.StrategyFlexible})
	result := n.Call(context.Background(), "task", map[string]any{}, dec("50"), 5)
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Outcome, result.Message)
	}
}

func TestBuyerRejectsWhenSellerStaysAboveBudgetAtTerminalRound(t *testing.T) {
	transport := &scriptedTransport{
		counters: []decimal.Decimal{dec("100"), dec("95")},
	}
	n := New(transport, Options{Strategy: pricing.StrategyFirm})
	result := n.Call(context.Background(), "task", map[string]any{}, dec("50"), 2)
	if result.Outcome != OutcomeBuyerRejected && result.Outcome != OutcomeMaxRoundsExceeded {
		t.Fatalf("expected BuyerRejected or MaxRoundsExceeded, got %s", result.Outcome)
	}
}

func TestInitialOfferFromEstimateRespectsStrategyPercentages(t *testing.T) {
	amount := dec("100")
	minimum := dec("80")
	budget := dec("1000")

	firm := initialOfferFromEstimate(pricing.StrategyFirm, amount, minimum, budget)
	balanced := initialOfferFromEstimate(pricing.StrategyBalanced, amount, minimum, budget)
	flexible := initialOfferFromEstimate(pricing.StrategyFlexible, amount, minimum, budget)

	if !firm.Equal(dec("50")) {
		t.Fatalf("expected firm offer 50, got %s", firm)
	}
	if !balanced.Equal(dec("55")) {
		t.Fatalf("expected balanced offer 55, got %s", balanced)
	}
	if !flexible.Equal(dec("70")) {
		t.Fatalf("expected flexible offer 70, got %s", flexible)
	}
}

func TestInitialOfferFromEstimateNeverBelow90PctOfFloor(t *testing.T) {
	amount := dec("10")
	minimum := dec("100") // deliberately inconsistent, to exercise the floor clamp
	budget := dec("1000")
	offer := initialOfferFromEstimate(pricing.StrategyFirm, amount, minimum, budget)
	floor := minimum.Mul(dec("0.9"))
	if offer.LessThan(floor) {
		t.Fatalf("offer %s below 90%% of floor %s", offer, floor)
	}
}

func TestInitialOfferFromEstimateCappedAtBudget(t *testing.T) {
	offer := initialOfferFromEstimate(pricing.StrategyFlexible, dec("1000"), dec("10"), dec("50"))
	if offer.GreaterThan(dec("50")) {
		t.Fatalf("offer %s exceeds budget 50", offer)
	}
}

func TestInitialOfferFromBudgetPercentages(t *testing.T) {
	budget := dec("100")
	if got := initialOfferFromBudget(pricing.StrategyFirm, budget); !got.Equal(dec("50")) {
		t.Fatalf("expected 50, got %s", got)
	}
	if got := initialOfferFromBudget(pricing.StrategyBalanced, budget); !got.Equal(dec("60")) {
		t.Fatalf("expected 60, got %s", got)
	}
	if got := initialOfferFromBudget(pricing.StrategyFlexible, budget); !got.Equal(dec("75")) {
		t.Fatalf("expected 75, got %s", got)
	}
}

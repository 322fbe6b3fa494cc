package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestNewFixedRejectsNegativeAmount(t *testing.T) {
	_, err := NewFixed(dec("-1"), "USDC")
	if !errors.Is(err, ErrInvalidPricing) {
		t.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
}

func TestNewFixedDefaultsCurrency(t *testing.T) {
	f, err := NewFixed(dec("5.00"), "")
	if err != nil {
		t.Fatal(err)
	}
	if f.Currency() != "USDC" {
		t.Fatalf("expected default currency USDC, got %s", f.Currency())
	}
}

func TestNewNegotiatedBoundsRejectsTargetBelowMinimum(t *testing.T) {
	_, err := NewNegotiatedBounds(dec("10"), dec("15"), NegotiatedOptions{})
	if !errors.Is(err, ErrInvalidPricing) {
		t.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
}

func TestNewNegotiatedRejectsZeroMaxRounds(t *testing.T) {
	_, err := NewNegotiatedBounds(dec("15"), dec("10"), NegotiatedOptions{MaxRounds: -1})
	if !errors.Is(err, ErrInvalidPricing) {
		t.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
}

func TestNewNegotiatedBoundsDefaults(t *testing.T) {
	n, err := NewNegotiatedBounds(dec("25"), dec("15"), NegotiatedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n.MaxRounds != 5 {
		t.Fatalf("expected default max_rounds 5, got %d", n.MaxRounds)
	}
	if n.Strategy != StrategyBalanced {
		t.Fatalf("expected default strategy balanced, got %s", n.Strategy)
	}
	if n.UsesEstimation() {
		t.Fatalf("bounds-mode pricing should not require estimation")
	}
}

func TestNewNegotiatedBaseRequiresPositiveBase(t *testing.T) {
	_, err := NewNegotiatedBase(dec("0"), NegotiatedOptions{})
	if !errors.Is(err, ErrInvalidPricing) {
		t.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
}

func TestNewNegotiatedBaseUsesEstimation(t *testing.T) {
	n, err := NewNegotiatedBase(dec("20"), NegotiatedOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !n.UsesEstimation() {
		t.Fatalf("base-mode pricing should require estimation")
	}
	if !n.Base().Equal(dec("20")) {
		t.Fatalf("expected base 20, got %s", n.Base())
	}
}

func TestFixedToWire(t *testing.T) {
	f, _ := NewFixed(dec("5.00"), "USDC")
	wire := f.ToWire()
	if wire["model"] != "fixed" {
		t.Fatalf("expected model fixed, got %v", wire["model"])
	}
	if wire["currency"] != "USDC" {
		t.Fatalf("expected currency USDC, got %v", wire["currency"])
	}
}

func TestNegotiatedBaseToWireMarksRequiresEstimation(t *testing.T) {
	n, _ := NewNegotiatedBase(dec("20"), NegotiatedOptions{})
	wire := n.ToWire()
	if wire["requires_estimation"] != true {
		t.Fatalf("expected requires_estimation true, got %v", wire["requires_estimation"])
	}
}

func TestNegotiatedBoundsToWireExposesTargetAndMin(t *testing.T) {
	n, _ := NewNegotiatedBounds(dec("25"), dec("15"), NegotiatedOptions{})
	wire := n.ToWire()
	if _, ok := wire["target_amount"]; !ok {
		t.Fatalf("expected target_amount in wire payload")
	}
	if _, ok := wire["min_amount"]; !ok {
		t.Fatalf("expected min_amount in wire payload")
	}
}

func TestRiskOfOrdering(t *testing.T) {
	firm := RiskOf(StrategyFirm)
	balanced := RiskOf(StrategyBalanced)
	flexible := RiskOf(StrategyFlexible)
	if !firm.LessThan(balanced) || !balanced.LessThan(flexible) {
		t.Fatalf("expected firm < balanced < flexible risk, got %s/%s/%s", firm, balanced, flexible)
	}
}

func TestLLMStrategyFallsBackToBalancedRisk(t *testing.T) {
	llmRisk := RiskOf(StrategyLLM)
	balancedRisk := RiskOf(StrategyBalanced)
	if !llmRisk.Equal(balancedRisk) {
		t.Fatalf("expected llm risk to fall back to balanced, got %s vs %s", llmRisk, balancedRisk)
	}
}

// Package curve implements the exponential price-concession schedule
// shared by the seller negotiation engine and the buyer auto-negotiator.
package curve

import (
	"math"

	"github.com/shopspring/decimal"
)

// Concede computes curve(target, minimum, round, maxRounds, risk) =
// target - (target - minimum) * (1 - exp(-0.65*risk*round/maxRounds)).
//
// It is monotonically non-increasing in round, returns target at round
// 0, and asymptotes toward the [minimum, target] interval as rounds
// grow. Rounding to 2 fractional digits (half-even) happens only at the
// final step, per the banker's-rounding requirement on curve output.
func Concede(target, minimum decimal.Decimal, round, maxRounds int, risk decimal.Decimal) decimal.Decimal {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	t := float64(round) / float64(maxRounds)
	riskF, _ := risk.Float64()
	base := 0.65 * riskF
	factor := 1 - math.Exp(-base*t)

	spread := target.Sub(minimum)
	delta := spread.Mul(decimal.NewFromFloat(factor))
	result := target.Sub(delta)
	return result.RoundBank(2)
}

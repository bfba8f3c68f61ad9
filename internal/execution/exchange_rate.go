package execution

import (
	"context"
	"math/big"
	"strings"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/route"
)

// withinSlippage reports whether the refreshed step's minimum output dropped
// by no more than the original step's slippage.
func withinSlippage(old, refreshed route.Step) bool {
	oldAmount, ok1 := parseAmount(firstNonEmpty(old.Estimate.ToAmountMin, old.Estimate.ToAmount))
	newAmount, ok2 := parseAmount(firstNonEmpty(refreshed.Estimate.ToAmountMin, refreshed.Estimate.ToAmount))
	if !ok1 || !ok2 || oldAmount.Sign() == 0 {
		return true
	}
	diff := new(big.Int).Sub(oldAmount, newAmount)
	if diff.Sign() <= 0 {
		return true
	}
	lhs := new(big.Int).Mul(diff, big.NewInt(slippageScale))
	rhs := new(big.Int).Mul(oldAmount, big.NewInt(slippagePPM(old.Action.Slippage)))
	return lhs.Cmp(rhs) <= 0
}

// checkExchangeRate decides whether a refreshed quote may replace the
// original. proceed=false with a nil error means the decision needs user
// interaction that is not allowed right now.
func checkExchangeRate(ctx context.Context, acceptor ExchangeRateAcceptor, old, refreshed route.Step, allowInteraction bool) (proceed bool, err error) {
	if withinSlippage(old, refreshed) {
		return true, nil
	}
	if !allowInteraction {
		return false, nil
	}
	declined := clierr.New(clierr.CodeTransactionCanceled, "exchange rate has changed").
		WithHuman("The exchange rate has changed beyond the allowed slippage and the new rate was not accepted.")
	if acceptor == nil {
		return false, declined
	}
	accepted, err := acceptor.AcceptExchangeRate(ctx, RateChange{
		StepID:         old.ID,
		ToToken:        refreshed.Action.ToToken,
		OldToAmount:    old.Estimate.ToAmount,
		NewToAmount:    refreshed.Estimate.ToAmount,
		OldToAmountMin: old.Estimate.ToAmountMin,
		NewToAmountMin: refreshed.Estimate.ToAmountMin,
	})
	if err != nil {
		return false, err
	}
	if !accepted {
		return false, declined
	}
	return true, nil
}

func parseAmount(v string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

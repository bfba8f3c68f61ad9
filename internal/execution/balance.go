package execution

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/route"
	"github.com/ggonzalez94/routex/internal/units"
)

const (
	balanceRetries           = 3
	defaultBalanceRetryDelay = 200 * time.Millisecond
	slippageScale            = 1_000_000
)

// EnsureBalance checks that the sender holds the step's amount, re-reading a
// lagging balance a bounded number of times. A shortfall within the step's
// slippage shrinks the amount to the available balance.
func EnsureBalance(ctx context.Context, client Client, sm *StatusManager, step *route.Step, retryDelay time.Duration) error {
	required, err := units.ParseBaseUnits(step.Action.FromAmount)
	if err != nil {
		return err
	}
	if retryDelay <= 0 {
		retryDelay = defaultBalanceRetryDelay
	}

	var balance *big.Int
	for attempt := 0; attempt <= balanceRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		balance, err = client.Balance(ctx, step.Action.FromToken)
		if err != nil {
			return clierr.Wrap(clierr.CodeServer, "read token balance", err)
		}
		if balance.Cmp(required) >= 0 {
			return nil
		}
	}

	if balance.Sign() > 0 && balance.Cmp(minimumWithinSlippage(required, step.Action.Slippage)) >= 0 {
		sm.UpdateStepAmount(step, balance.String())
		return nil
	}

	token := step.Action.FromToken
	need := units.FormatBig(required, token.Decimals)
	have := units.FormatBig(balance, token.Decimals)
	return clierr.New(clierr.CodeBalance, fmt.Sprintf("insufficient %s balance: required %s, available %s", token.Symbol, need, have)).
		WithHuman(fmt.Sprintf("Your %s balance is too low, you try to transfer %s %s, but your wallet only holds %s %s. No funds have been sent.",
			token.Symbol, need, token.Symbol, have, token.Symbol))
}

// minimumWithinSlippage returns amount reduced by the slippage fraction.
func minimumWithinSlippage(amount *big.Int, slippage float64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(slippageScale-slippagePPM(slippage)))
	return out.Quo(out, big.NewInt(slippageScale))
}

// slippagePPM converts a slippage fraction into parts per million, clamped
// to [0, 1].
func slippagePPM(slippage float64) int64 {
	ppm := int64(math.Round(slippage * slippageScale))
	switch {
	case ppm < 0:
		return 0
	case ppm > slippageScale:
		return slippageScale
	}
	return ppm
}

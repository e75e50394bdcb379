package settlement

import (
	"fmt"
	"math/big"
)

// settleOutput closes the books after the plan ran: measure the output delta
// against the pre-collection baseline, enforce the minimum-output floor, skim
// the positive-slippage fee, pay the receiver, and refund unused native value
// to the user.
func (e *Engine) settleOutput(intent *OrderIntent, outputBefore, nativeBefore *big.Int) (amountOut, fee, refund *big.Int, err error) {
	outputNow, err := e.tokens.BalanceOf(intent.AssetOut, e.address)
	if err != nil {
		return nil, nil, nil, err
	}
	delta := new(big.Int).Sub(outputNow, outputBefore)
	if delta.Cmp(intent.MinAmountOut) < 0 {
		return nil, nil, nil, fmt.Errorf("%w: minimum %s, realized %s", ErrInsufficientOutput, intent.MinAmountOut, delta)
	}

	fee = big.NewInt(0)
	policy := e.currentPolicy()
	if policy.FeeRecipient != (zeroAddress) && policy.FeeBps > 0 && delta.Cmp(intent.MinAmountOut) > 0 {
		slippage := new(big.Int).Sub(delta, intent.MinAmountOut)
		fee = fee.Mul(slippage, big.NewInt(int64(policy.FeeBps)))
		fee.Div(fee, big.NewInt(MaxFeeBps))
		if fee.Sign() > 0 {
			if err := e.tokens.Transfer(intent.AssetOut, e.address, policy.FeeRecipient, fee); err != nil {
				return nil, nil, nil, fmt.Errorf("settlement: route fee: %w", err)
			}
		}
	}

	payout := new(big.Int).Sub(delta, fee)
	if payout.Sign() > 0 {
		if err := e.tokens.Transfer(intent.AssetOut, e.address, intent.Receiver, payout); err != nil {
			return nil, nil, nil, fmt.Errorf("settlement: pay receiver: %w", err)
		}
	}

	nativeNow, err := e.native.NativeBalance(e.address)
	if err != nil {
		return nil, nil, nil, err
	}
	refund = new(big.Int).Sub(nativeNow, nativeBefore)
	if refund.Sign() > 0 {
		if err := e.native.NativeTransfer(e.address, intent.User, refund); err != nil {
			return nil, nil, nil, fmt.Errorf("settlement: refund surplus: %w", err)
		}
	} else {
		refund = big.NewInt(0)
	}
	return delta, fee, refund, nil
}

package settlement

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Every failure below aborts the whole settlement attempt; the engine reverts
// its ledger snapshot before surfacing the error, so callers never observe
// partial effects.
var (
	// ErrMissingSignature indicates the intent carried no signature bytes.
	ErrMissingSignature = errors.New("settlement: missing signature")
	// ErrInvalidSignature indicates recovery did not yield the intent user.
	ErrInvalidSignature = errors.New("settlement: invalid signature")
	// ErrRelayerNotAllowed indicates the caller is not a trusted relayer.
	ErrRelayerNotAllowed = errors.New("settlement: relayer not allowed")
	// ErrOrderExpired indicates the intent deadline has elapsed.
	ErrOrderExpired = errors.New("settlement: order expired")
	// ErrNonceAlreadyUsed indicates the (user, nonce) pair was consumed before.
	ErrNonceAlreadyUsed = errors.New("settlement: nonce already used")
	// ErrInvalidUser indicates a zero user address.
	ErrInvalidUser = errors.New("settlement: invalid user")
	// ErrInvalidReceiver indicates a zero receiver address.
	ErrInvalidReceiver = errors.New("settlement: invalid receiver")
	// ErrCallValueMismatch indicates the forwarded native value differs from
	// the intent's declared call value.
	ErrCallValueMismatch = errors.New("settlement: call value mismatch")
	// ErrPlanHashMismatch indicates the submitted plan does not hash to the
	// digest committed inside the signed intent.
	ErrPlanHashMismatch = errors.New("settlement: execution plan hash mismatch")

	// ErrPermitDeadlineExpired indicates the permit deadline has elapsed.
	ErrPermitDeadlineExpired = errors.New("settlement: permit deadline expired")
	// ErrPermitNotYetValid indicates an EIP-3009 authorization before validAfter.
	ErrPermitNotYetValid = errors.New("settlement: permit not yet valid")
	// ErrPermitPayloadMissing indicates a permit kind that requires a payload
	// received none, or one too short to decode.
	ErrPermitPayloadMissing = errors.New("settlement: permit payload missing or malformed")
	// ErrPermitOwnerMismatch indicates the permit owner is not the intent user.
	ErrPermitOwnerMismatch = errors.New("settlement: permit owner mismatch")
	// ErrPermitSpenderMismatch indicates the permit spender is not this engine.
	ErrPermitSpenderMismatch = errors.New("settlement: permit spender mismatch")
	// ErrPermitAmountTooLow indicates the permit amount is below the input amount.
	ErrPermitAmountTooLow = errors.New("settlement: permit amount too low")
	// ErrPermitKindUnsupported indicates an unknown permit discriminator.
	ErrPermitKindUnsupported = errors.New("settlement: unsupported permit kind")
	// ErrPermitCallFailed wraps a failed Custom permit call.
	ErrPermitCallFailed = errors.New("settlement: permit call failed")
	// ErrInsufficientAllowance indicates standing authorization below the
	// input amount.
	ErrInsufficientAllowance = errors.New("settlement: insufficient allowance")

	// ErrInputShortfall indicates the engine received less input than the
	// intent declared, measured by balance delta.
	ErrInputShortfall = errors.New("settlement: input collection shortfall")
	// ErrInsufficientOutput indicates realized output below minAmountOut.
	ErrInsufficientOutput = errors.New("settlement: insufficient output")

	// ErrInvalidInteractionTarget indicates a zero or disallowed target.
	ErrInvalidInteractionTarget = errors.New("settlement: invalid interaction target")
	// ErrInsufficientCallValue indicates an interaction requesting more native
	// value than remains in the declared budget.
	ErrInsufficientCallValue = errors.New("settlement: insufficient call value")
	// ErrInteractionFailed wraps a failed interaction call.
	ErrInteractionFailed = errors.New("settlement: interaction call failed")

	// ErrFeeRateTooHigh indicates a fee rate above the 10000 bps cap.
	ErrFeeRateTooHigh = errors.New("settlement: fee rate exceeds cap")
	// ErrFeeRecipientRequired indicates a nonzero rate without a recipient.
	ErrFeeRecipientRequired = errors.New("settlement: fee recipient required")
	// ErrNotOwner indicates an administrative call from a non-owner address.
	ErrNotOwner = errors.New("settlement: caller is not the owner")
	// ErrReentrantCall indicates a settlement attempted while another one is
	// in flight on the same engine instance.
	ErrReentrantCall = errors.New("settlement: reentrant call")
	// ErrEngineNotConfigured indicates missing wiring on a constructed engine.
	ErrEngineNotConfigured = errors.New("settlement: engine not configured")
)

// InteractionError carries the offending target and the inner failure of a
// plan interaction. errors.Is(err, ErrInteractionFailed) holds for it.
type InteractionError struct {
	Phase  string
	Index  int
	Target common.Address
	Err    error
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("settlement: interaction %s[%d] to %s failed: %v", e.Phase, e.Index, e.Target.Hex(), e.Err)
}

func (e *InteractionError) Unwrap() error { return ErrInteractionFailed }

// Inner returns the propagated failure data from the call target.
func (e *InteractionError) Inner() error { return e.Err }

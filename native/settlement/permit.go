package settlement

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Fixed-width binary payload layouts for the signed permit kinds. Lengths are
// exact; anything shorter or longer is rejected before decoding.
const (
	permit2612PayloadLen = 20 + 20 + 32 + 8 + 65
	permit3009PayloadLen = 20 + 20 + 32 + 8 + 8 + 32 + 65
)

type permit2612Payload struct {
	Owner     common.Address
	Spender   common.Address
	Value     *big.Int
	Deadline  int64
	Signature []byte
}

type permit3009Payload struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  int64
	ValidBefore int64
	Nonce       [32]byte
	Signature   []byte
}

func decodePermit2612(raw []byte) (*permit2612Payload, error) {
	if len(raw) != permit2612PayloadLen {
		return nil, ErrPermitPayloadMissing
	}
	p := &permit2612Payload{}
	copy(p.Owner[:], raw[0:20])
	copy(p.Spender[:], raw[20:40])
	p.Value = new(big.Int).SetBytes(raw[40:72])
	p.Deadline = int64(binary.BigEndian.Uint64(raw[72:80]))
	p.Signature = append([]byte{}, raw[80:]...)
	return p, nil
}

func decodePermit3009(raw []byte) (*permit3009Payload, error) {
	if len(raw) != permit3009PayloadLen {
		return nil, ErrPermitPayloadMissing
	}
	p := &permit3009Payload{}
	copy(p.From[:], raw[0:20])
	copy(p.To[:], raw[20:40])
	p.Value = new(big.Int).SetBytes(raw[40:72])
	p.ValidAfter = int64(binary.BigEndian.Uint64(raw[72:80]))
	p.ValidBefore = int64(binary.BigEndian.Uint64(raw[80:88]))
	copy(p.Nonce[:], raw[88:120])
	p.Signature = append([]byte{}, raw[120:]...)
	return p, nil
}

// EncodePermit2612Payload packs the payload layout consumed by the EIP2612
// permit kind. Exposed for intent-building tooling and tests.
func EncodePermit2612Payload(owner, spender common.Address, value *big.Int, deadline int64, sig []byte) []byte {
	raw := make([]byte, 0, permit2612PayloadLen)
	raw = append(raw, owner.Bytes()...)
	raw = append(raw, spender.Bytes()...)
	word := make([]byte, 32)
	value.FillBytes(word)
	raw = append(raw, word...)
	raw = binary.BigEndian.AppendUint64(raw, uint64(deadline))
	return append(raw, sig...)
}

// EncodePermit3009Payload packs the payload layout consumed by the EIP3009
// permit kind.
func EncodePermit3009Payload(from, to common.Address, value *big.Int, validAfter, validBefore int64, nonce [32]byte, sig []byte) []byte {
	raw := make([]byte, 0, permit3009PayloadLen)
	raw = append(raw, from.Bytes()...)
	raw = append(raw, to.Bytes()...)
	word := make([]byte, 32)
	value.FillBytes(word)
	raw = append(raw, word...)
	raw = binary.BigEndian.AppendUint64(raw, uint64(validAfter))
	raw = binary.BigEndian.AppendUint64(raw, uint64(validBefore))
	raw = append(raw, nonce[:]...)
	return append(raw, sig...)
}

// applyPermit runs the fund-authorization state machine. It returns collected
// = true when the permit itself moved the input funds (EIP-3009), in which
// case the engine skips the separate collection step. Record-level deadline
// and amount invariants are enforced before the payload is decoded or any
// backend call is made.
func (e *Engine) applyPermit(intent *OrderIntent) (collected bool, err error) {
	permit := intent.Permit
	switch permit.Kind {
	case PermitNone:
		return false, nil

	case PermitStandardApproval:
		allowance, err := e.tokens.Allowance(intent.AssetIn, intent.User, e.address)
		if err != nil {
			return false, err
		}
		if allowance.Cmp(intent.AmountIn) < 0 {
			return false, ErrInsufficientAllowance
		}
		return false, nil

	case PermitEIP2612:
		if err := e.checkPermitRecord(permit, intent.AmountIn); err != nil {
			return false, err
		}
		payload, err := decodePermit2612(permit.Payload)
		if err != nil {
			return false, err
		}
		if payload.Owner != intent.User {
			return false, ErrPermitOwnerMismatch
		}
		if payload.Spender != e.address {
			return false, ErrPermitSpenderMismatch
		}
		if payload.Value.Cmp(intent.AmountIn) < 0 {
			return false, ErrPermitAmountTooLow
		}
		if payload.Deadline < e.now().Unix() {
			return false, ErrPermitDeadlineExpired
		}
		if err := e.tokens.Permit(intent.AssetIn, payload.Owner, payload.Spender, payload.Value, payload.Deadline, payload.Signature); err != nil {
			return false, fmt.Errorf("%w: %v", ErrPermitCallFailed, err)
		}
		return false, nil

	case PermitEIP3009:
		if err := e.checkPermitRecord(permit, intent.AmountIn); err != nil {
			return false, err
		}
		payload, err := decodePermit3009(permit.Payload)
		if err != nil {
			return false, err
		}
		if payload.From != intent.User {
			return false, ErrPermitOwnerMismatch
		}
		if payload.To != e.address {
			return false, ErrPermitSpenderMismatch
		}
		if payload.Value.Cmp(intent.AmountIn) < 0 {
			return false, ErrPermitAmountTooLow
		}
		now := e.now().Unix()
		if now < payload.ValidAfter {
			return false, ErrPermitNotYetValid
		}
		if now >= payload.ValidBefore {
			return false, ErrPermitDeadlineExpired
		}
		if err := e.tokens.TransferWithAuthorization(intent.AssetIn, payload.From, payload.To, payload.Value, payload.ValidAfter, payload.ValidBefore, payload.Nonce, payload.Signature); err != nil {
			return false, fmt.Errorf("%w: %v", ErrPermitCallFailed, err)
		}
		return true, nil

	case PermitCustom:
		if err := e.checkPermitRecord(permit, intent.AmountIn); err != nil {
			return false, err
		}
		if err := e.tokens.Call(intent.AssetIn, permit.Payload); err != nil {
			return false, fmt.Errorf("%w: %v", ErrPermitCallFailed, err)
		}
		return false, nil

	default:
		return false, ErrPermitKindUnsupported
	}
}

// checkPermitRecord enforces the invariants every signed permit kind shares:
// a payload must be present, the record amount must cover the input amount,
// and the record deadline must not have elapsed.
func (e *Engine) checkPermitRecord(permit PermitData, amountIn *big.Int) error {
	if len(permit.Payload) == 0 {
		return ErrPermitPayloadMissing
	}
	if permit.Deadline < e.now().Unix() {
		return ErrPermitDeadlineExpired
	}
	if permit.Amount == nil || permit.Amount.Cmp(amountIn) < 0 {
		return ErrPermitAmountTooLow
	}
	return nil
}

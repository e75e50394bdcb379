package settlement

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	repocrypto "swapsettle/crypto"
	"swapsettle/native/token"
)

// signPermit2612 produces the asset-level signature the ledger's Permit
// endpoint verifies, using the owner's current permit nonce.
func (env *testEnv) signPermit2612(value *big.Int, deadline int64) []byte {
	env.t.Helper()
	domain, err := env.ledger.DomainSeparator(env.assetIn)
	if err != nil {
		env.t.Fatalf("asset domain: %v", err)
	}
	typeHash := ethcrypto.Keccak256Hash([]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"))
	structHash := repocrypto.StructHash(
		typeHash,
		repocrypto.EncodeAddress(env.user),
		repocrypto.EncodeAddress(env.engineAddr),
		repocrypto.EncodeUint256(value),
		repocrypto.EncodeUint64(env.st.PermitNonce(env.assetIn, env.user)),
		repocrypto.EncodeUint64(uint64(deadline)),
	)
	sig, err := repocrypto.SignDigest(repocrypto.TypedDataDigest(domain, structHash), env.userKey)
	if err != nil {
		env.t.Fatalf("sign permit: %v", err)
	}
	return sig
}

// signTransferAuth produces the EIP-3009 signature authorizing a transfer of
// value from the user to the engine.
func (env *testEnv) signTransferAuth(value *big.Int, validAfter, validBefore int64, nonce [32]byte) []byte {
	env.t.Helper()
	domain, err := env.ledger.DomainSeparator(env.assetIn)
	if err != nil {
		env.t.Fatalf("asset domain: %v", err)
	}
	typeHash := ethcrypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
	structHash := repocrypto.StructHash(
		typeHash,
		repocrypto.EncodeAddress(env.user),
		repocrypto.EncodeAddress(env.engineAddr),
		repocrypto.EncodeUint256(value),
		repocrypto.EncodeUint64(uint64(validAfter)),
		repocrypto.EncodeUint64(uint64(validBefore)),
		nonce,
	)
	sig, err := repocrypto.SignDigest(repocrypto.TypedDataDigest(domain, structHash), env.userKey)
	if err != nil {
		env.t.Fatalf("sign transfer authorization: %v", err)
	}
	return sig
}

func TestExecuteOrderStandardApprovalPermit(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	plan := swapPlan(env.pool)

	// No standing allowance: the approval check fails without any call.
	intent := env.signedIntent(plan, func(i *OrderIntent) {
		i.Permit = PermitData{Kind: PermitStandardApproval}
	})
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("err = %v, want ErrInsufficientAllowance", err)
	}

	env.approveInput(100)
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); err != nil {
		t.Fatalf("execute with allowance: %v", err)
	}
}

func TestExecuteOrderEIP2612Permit(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	plan := swapPlan(env.pool)

	deadline := env.now.Unix() + 600
	value := big.NewInt(100)
	payload := EncodePermit2612Payload(env.user, env.engineAddr, value, deadline, env.signPermit2612(value, deadline))
	intent := env.signedIntent(plan, func(i *OrderIntent) {
		i.Permit = PermitData{Kind: PermitEIP2612, Payload: payload, Amount: value, Deadline: deadline}
	})

	receipt, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.AmountOut.Int64() != 110 {
		t.Fatalf("amount out = %d, want 110", receipt.AmountOut.Int64())
	}
	if got := env.tokenBalance(env.assetIn, env.user); got != 900 {
		t.Fatalf("user balance = %d, want 900", got)
	}
}

func TestExecuteOrderEIP3009Permit(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	plan := swapPlan(env.pool)

	value := big.NewInt(100)
	validAfter := env.now.Unix() - 10
	validBefore := env.now.Unix() + 600
	var nonce [32]byte
	nonce[31] = 7
	payload := EncodePermit3009Payload(env.user, env.engineAddr, value, validAfter, validBefore, nonce, env.signTransferAuth(value, validAfter, validBefore, nonce))
	intent := env.signedIntent(plan, func(i *OrderIntent) {
		i.Permit = PermitData{Kind: PermitEIP3009, Payload: payload, Amount: value, Deadline: validBefore}
	})

	// The authorization is the collection step; no allowance exists at any point.
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := env.tokenBalance(env.assetIn, env.user); got != 900 {
		t.Fatalf("user balance = %d, want 900", got)
	}
	allowance, err := env.ledger.Allowance(env.assetIn, env.user, env.engineAddr)
	if err != nil || allowance.Sign() != 0 {
		t.Fatalf("allowance = %v (%v), want 0", allowance, err)
	}
}

func TestExecuteOrderCustomPermit(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	plan := swapPlan(env.pool)

	deadline := env.now.Unix() + 600
	value := big.NewInt(100)
	payload, err := token.PackPermitCall(env.user, env.engineAddr, value, deadline, env.signPermit2612(value, deadline))
	if err != nil {
		t.Fatalf("pack permit call: %v", err)
	}
	intent := env.signedIntent(plan, func(i *OrderIntent) {
		i.Permit = PermitData{Kind: PermitCustom, Payload: payload, Amount: value, Deadline: deadline}
	})
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := env.tokenBalance(env.assetOut, env.receiver); got != 110 {
		t.Fatalf("receiver balance = %d, want 110", got)
	}
}

func TestExecuteOrderPermitRecordChecks(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	plan := swapPlan(env.pool)
	deadline := env.now.Unix() + 600
	value := big.NewInt(100)

	cases := []struct {
		name   string
		permit PermitData
		want   error
	}{
		{
			name:   "payload missing",
			permit: PermitData{Kind: PermitEIP2612, Amount: value, Deadline: deadline},
			want:   ErrPermitPayloadMissing,
		},
		{
			name: "record expired",
			permit: PermitData{
				Kind:     PermitEIP2612,
				Payload:  []byte{1},
				Amount:   value,
				Deadline: env.now.Unix() - 1,
			},
			want: ErrPermitDeadlineExpired,
		},
		{
			name: "amount below input",
			permit: PermitData{
				Kind:     PermitEIP2612,
				Payload:  []byte{1},
				Amount:   big.NewInt(99),
				Deadline: deadline,
			},
			want: ErrPermitAmountTooLow,
		},
		{
			name:   "unknown kind",
			permit: PermitData{Kind: PermitKind(42), Payload: []byte{1}, Amount: value, Deadline: deadline},
			want:   ErrPermitKindUnsupported,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := env.signedIntent(plan, func(i *OrderIntent) {
				i.Permit = tc.permit
			})
			if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestExecuteOrderPermitPartyMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	plan := swapPlan(env.pool)
	deadline := env.now.Unix() + 600
	value := big.NewInt(100)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	t.Run("owner mismatch", func(t *testing.T) {
		payload := EncodePermit2612Payload(stranger, env.engineAddr, value, deadline, make([]byte, 65))
		intent := env.signedIntent(plan, func(i *OrderIntent) {
			i.Permit = PermitData{Kind: PermitEIP2612, Payload: payload, Amount: value, Deadline: deadline}
		})
		if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrPermitOwnerMismatch) {
			t.Fatalf("err = %v, want ErrPermitOwnerMismatch", err)
		}
	})
	t.Run("spender mismatch", func(t *testing.T) {
		payload := EncodePermit2612Payload(env.user, stranger, value, deadline, make([]byte, 65))
		intent := env.signedIntent(plan, func(i *OrderIntent) {
			i.Permit = PermitData{Kind: PermitEIP2612, Payload: payload, Amount: value, Deadline: deadline}
		})
		if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrPermitSpenderMismatch) {
			t.Fatalf("err = %v, want ErrPermitSpenderMismatch", err)
		}
	})
}

func TestExecuteOrderEIP3009Window(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	plan := swapPlan(env.pool)
	value := big.NewInt(100)
	var nonce [32]byte

	t.Run("not yet valid", func(t *testing.T) {
		validAfter := env.now.Unix() + 100
		validBefore := env.now.Unix() + 600
		payload := EncodePermit3009Payload(env.user, env.engineAddr, value, validAfter, validBefore, nonce, make([]byte, 65))
		intent := env.signedIntent(plan, func(i *OrderIntent) {
			i.Permit = PermitData{Kind: PermitEIP3009, Payload: payload, Amount: value, Deadline: validBefore}
		})
		if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrPermitNotYetValid) {
			t.Fatalf("err = %v, want ErrPermitNotYetValid", err)
		}
	})
	t.Run("authorization replay", func(t *testing.T) {
		validAfter := env.now.Unix() - 10
		validBefore := env.now.Unix() + 600
		sig := env.signTransferAuth(value, validAfter, validBefore, nonce)
		payload := EncodePermit3009Payload(env.user, env.engineAddr, value, validAfter, validBefore, nonce, sig)
		first := env.signedIntent(plan, func(i *OrderIntent) {
			i.Nonce = 10
			i.Permit = PermitData{Kind: PermitEIP3009, Payload: payload, Amount: value, Deadline: validBefore}
		})
		if _, err := env.engine.ExecuteOrder(env.relayer, first, plan, big.NewInt(0)); err != nil {
			t.Fatalf("first execute: %v", err)
		}
		second := env.signedIntent(plan, func(i *OrderIntent) {
			i.Nonce = 11
			i.Permit = PermitData{Kind: PermitEIP3009, Payload: payload, Amount: value, Deadline: validBefore}
		})
		_, err := env.engine.ExecuteOrder(env.relayer, second, plan, big.NewInt(0))
		if !errors.Is(err, ErrPermitCallFailed) {
			t.Fatalf("err = %v, want ErrPermitCallFailed wrapping authorization reuse", err)
		}
	})
}

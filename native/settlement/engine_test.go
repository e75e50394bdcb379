package settlement

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"swapsettle/core/events"
	repocrypto "swapsettle/crypto"
	"swapsettle/native/runtime"
	"swapsettle/native/token"
	"swapsettle/state"
)

var testChainID = big.NewInt(1337)

type testEnv struct {
	t        *testing.T
	st       *state.Manager
	ledger   *token.Ledger
	registry *runtime.Registry
	engine   *Engine
	emitter  *events.MemoryEmitter
	now      time.Time

	userKey *repocrypto.PrivateKey

	engineAddr common.Address
	owner      common.Address
	user       common.Address
	receiver   common.Address
	relayer    common.Address
	pool       common.Address
	assetIn    common.Address
	assetOut   common.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	userKey, err := repocrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env := &testEnv{
		t:          t,
		st:         state.NewManager(),
		now:        time.Unix(1_700_000_000, 0),
		userKey:    userKey,
		engineAddr: common.HexToAddress("0x00000000000000000000000000000000000000e1"),
		owner:      common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		user:       userKey.PubKey().Address(),
		receiver:   common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		relayer:    common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		pool:       common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		assetIn:    common.HexToAddress("0x0000000000000000000000000000000000000011"),
		assetOut:   common.HexToAddress("0x0000000000000000000000000000000000000022"),
	}
	env.ledger = token.NewLedger(env.st, testChainID)
	env.ledger.SetClock(func() time.Time { return env.now })
	env.registry = runtime.NewRegistry(env.ledger)
	env.engine = NewEngine(Config{
		Address: env.engineAddr,
		Owner:   env.owner,
		ChainID: testChainID,
	}, env.st, env.ledger, env.ledger, env.registry, env.st)
	env.engine.SetClock(func() time.Time { return env.now })
	env.emitter = events.NewMemoryEmitter(64)
	env.engine.SetEmitter(env.emitter)

	mustRegister := func(asset common.Address, meta token.Metadata) {
		if err := env.ledger.Register(asset, meta); err != nil {
			t.Fatalf("register asset: %v", err)
		}
	}
	mustRegister(env.assetIn, token.Metadata{Name: "Wrapped Alpha", Symbol: "wALPHA", Decimals: 18})
	mustRegister(env.assetOut, token.Metadata{Name: "Wrapped Beta", Symbol: "wBETA", Decimals: 18})

	if err := env.ledger.Mint(env.assetIn, env.user, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint input: %v", err)
	}
	if err := env.ledger.Mint(env.assetOut, env.pool, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint pool output: %v", err)
	}
	return env
}

// installPool registers a swap handler at env.pool that consumes the caller's
// entire input balance and credits back the given output amount.
func (env *testEnv) installPool(out int64) {
	env.t.Helper()
	err := env.registry.Register(env.pool, runtime.HandlerFunc(func(ctx *runtime.CallContext) ([]byte, error) {
		in, err := env.ledger.BalanceOf(env.assetIn, ctx.Caller)
		if err != nil {
			return nil, err
		}
		if in.Sign() > 0 {
			if err := env.ledger.Transfer(env.assetIn, ctx.Caller, ctx.Self, in); err != nil {
				return nil, err
			}
		}
		if out > 0 {
			if err := env.ledger.Transfer(env.assetOut, ctx.Self, ctx.Caller, big.NewInt(out)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}))
	if err != nil {
		env.t.Fatalf("register pool: %v", err)
	}
}

func (env *testEnv) approveInput(amount int64) {
	env.t.Helper()
	if err := env.ledger.Approve(env.assetIn, env.user, env.engineAddr, big.NewInt(amount)); err != nil {
		env.t.Fatalf("approve: %v", err)
	}
}

// signedIntent builds, finalizes, and signs an intent over the given plan.
// Mutations run before the plan hash and signature are fixed.
func (env *testEnv) signedIntent(plan *ExecutionPlan, mutate ...func(*OrderIntent)) *OrderIntent {
	env.t.Helper()
	intent := &OrderIntent{
		QuoteID:      NewQuoteID(),
		User:         env.user,
		Receiver:     env.receiver,
		AssetIn:      env.assetIn,
		AssetOut:     env.assetOut,
		AmountIn:     big.NewInt(100),
		MinAmountOut: big.NewInt(90),
		Deadline:     env.now.Unix() + 300,
		Nonce:        1,
		Permit:       PermitData{Kind: PermitNone},
		CallValue:    big.NewInt(0),
	}
	for _, fn := range mutate {
		fn(intent)
	}
	intent.PlanHash = HashExecutionPlan(plan)
	if err := SignIntent(env.engine.DomainSeparator(), intent, env.userKey); err != nil {
		env.t.Fatalf("sign intent: %v", err)
	}
	return intent
}

func swapPlan(pool common.Address) *ExecutionPlan {
	return &ExecutionPlan{
		Main: []Interaction{{Target: pool, Value: big.NewInt(0), CallData: []byte("swap")}},
	}
}

func (env *testEnv) tokenBalance(asset, addr common.Address) int64 {
	env.t.Helper()
	balance, err := env.ledger.BalanceOf(asset, addr)
	if err != nil {
		env.t.Fatalf("balance of %s: %v", addr.Hex(), err)
	}
	return balance.Int64()
}

func (env *testEnv) nativeBalance(addr common.Address) int64 {
	env.t.Helper()
	balance, err := env.ledger.NativeBalance(addr)
	if err != nil {
		env.t.Fatalf("native balance of %s: %v", addr.Hex(), err)
	}
	return balance.Int64()
}

func (env *testEnv) lastEventOfType(eventType string) *events.Record {
	records := env.emitter.Records()
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Type == eventType {
			return records[i]
		}
	}
	return nil
}

func TestExecuteOrderSettlesSwap(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	env.approveInput(100)
	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan)

	receipt, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.AmountOut.Int64() != 110 {
		t.Fatalf("amount out = %d, want 110", receipt.AmountOut.Int64())
	}
	if receipt.Fee.Sign() != 0 {
		t.Fatalf("fee = %s, want 0 with no fee policy", receipt.Fee)
	}
	if got := env.tokenBalance(env.assetOut, env.receiver); got != 110 {
		t.Fatalf("receiver output balance = %d, want 110", got)
	}
	if got := env.tokenBalance(env.assetIn, env.user); got != 900 {
		t.Fatalf("user input balance = %d, want 900", got)
	}
	used, err := env.engine.IsNonceUsed(env.user, intent.Nonce)
	if err != nil || !used {
		t.Fatalf("nonce used = %v (%v), want true", used, err)
	}
	if evt := env.lastEventOfType(events.TypeSettlementExecuted); evt == nil {
		t.Fatal("missing settlement.executed event")
	} else if evt.Attributes["amountOut"] != "110" {
		t.Fatalf("event amountOut = %q", evt.Attributes["amountOut"])
	}
	if len(receipt.Interactions) != 1 || receipt.Interactions[0].Phase != PhaseMain {
		t.Fatalf("unexpected interaction receipts: %+v", receipt.Interactions)
	}
}

func TestExecuteOrderPositiveSlippageFee(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	env.approveInput(100)
	feeRecipient := common.HexToAddress("0x00000000000000000000000000000000000000fe")
	if err := env.engine.SetFeePolicy(env.owner, feeRecipient, 2000); err != nil {
		t.Fatalf("set fee policy: %v", err)
	}

	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan)
	receipt, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 110 realized against a floor of 90: slippage 20, 20% fee = 4.
	if receipt.Fee.Int64() != 4 {
		t.Fatalf("fee = %d, want 4", receipt.Fee.Int64())
	}
	if receipt.AmountOut.Int64() != 110 {
		t.Fatalf("amount out = %d, want 110", receipt.AmountOut.Int64())
	}
	if got := env.tokenBalance(env.assetOut, env.receiver); got != 106 {
		t.Fatalf("receiver balance = %d, want 106", got)
	}
	if got := env.tokenBalance(env.assetOut, feeRecipient); got != 4 {
		t.Fatalf("fee recipient balance = %d, want 4", got)
	}
}

func TestExecuteOrderNoFeeAtExactFloor(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(90)
	env.approveInput(100)
	if err := env.engine.SetFeePolicy(env.owner, common.HexToAddress("0xfe"), 2000); err != nil {
		t.Fatalf("set fee policy: %v", err)
	}

	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan)
	receipt, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Fee.Sign() != 0 {
		t.Fatalf("fee = %s, want 0 at exact floor", receipt.Fee)
	}
	if got := env.tokenBalance(env.assetOut, env.receiver); got != 90 {
		t.Fatalf("receiver balance = %d, want 90", got)
	}
}

func TestExecuteOrderRejectsReplay(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	env.approveInput(200)
	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan)

	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrNonceAlreadyUsed) {
		t.Fatalf("replay err = %v, want ErrNonceAlreadyUsed", err)
	}
}

func TestExecuteOrderRevertsAtomically(t *testing.T) {
	env := newTestEnv(t)
	env.approveInput(100)
	boom := errors.New("pool jammed")
	if err := env.registry.Register(env.pool, runtime.HandlerFunc(func(ctx *runtime.CallContext) ([]byte, error) {
		// Mutate state before failing so the revert is observable.
		if err := env.ledger.Transfer(env.assetIn, ctx.Caller, ctx.Self, big.NewInt(100)); err != nil {
			return nil, err
		}
		return nil, boom
	})); err != nil {
		t.Fatalf("register pool: %v", err)
	}

	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan)
	_, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0))
	if !errors.Is(err, ErrInteractionFailed) {
		t.Fatalf("err = %v, want ErrInteractionFailed", err)
	}
	var ie *InteractionError
	if !errors.As(err, &ie) || !errors.Is(ie.Inner(), boom) {
		t.Fatalf("inner error not propagated: %v", err)
	}

	// Every effect rolled back: user funds intact, allowance intact, nonce free.
	if got := env.tokenBalance(env.assetIn, env.user); got != 1_000 {
		t.Fatalf("user balance after revert = %d, want 1000", got)
	}
	allowance, err := env.ledger.Allowance(env.assetIn, env.user, env.engineAddr)
	if err != nil || allowance.Int64() != 100 {
		t.Fatalf("allowance after revert = %v (%v), want 100", allowance, err)
	}
	used, err := env.engine.IsNonceUsed(env.user, intent.Nonce)
	if err != nil || used {
		t.Fatalf("nonce used after revert = %v (%v), want false", used, err)
	}

	// The failure event outlives the rollback.
	evt := env.lastEventOfType(events.TypeSettlementFailed)
	if evt == nil {
		t.Fatal("missing settlement.failed event")
	}
	if evt.Attributes["reason"] == "" {
		t.Fatal("failure event missing reason")
	}

	// Same intent settles once the pool recovers.
	env.installPool(110)
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); err != nil {
		t.Fatalf("resubmit after revert: %v", err)
	}
}

func TestExecuteOrderRelayerRestriction(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	env.approveInput(100)
	if err := env.engine.SetRelayerRestriction(env.owner, true); err != nil {
		t.Fatalf("restrict relayers: %v", err)
	}

	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan)
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrRelayerNotAllowed) {
		t.Fatalf("err = %v, want ErrRelayerNotAllowed", err)
	}
	// The gate fires before nonce consumption; the same intent settles once
	// the relayer is trusted.
	if err := env.engine.SetRelayerTrust(env.owner, env.relayer, true); err != nil {
		t.Fatalf("trust relayer: %v", err)
	}
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); err != nil {
		t.Fatalf("execute after trust: %v", err)
	}
}

func TestExecuteOrderTargetAllowlist(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	env.approveInput(100)
	if err := env.engine.SetTargetRestriction(env.owner, true); err != nil {
		t.Fatalf("restrict targets: %v", err)
	}

	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan)
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrInvalidInteractionTarget) {
		t.Fatalf("err = %v, want ErrInvalidInteractionTarget", err)
	}
	if err := env.engine.SetTargetAllowed(env.owner, env.pool, true); err != nil {
		t.Fatalf("allow target: %v", err)
	}
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); err != nil {
		t.Fatalf("execute after allowlisting: %v", err)
	}
}

func TestExecuteOrderStructuralChecks(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	env.approveInput(100)
	plan := swapPlan(env.pool)

	t.Run("missing signature", func(t *testing.T) {
		intent := env.signedIntent(plan)
		intent.Signature = nil
		if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrMissingSignature) {
			t.Fatalf("err = %v, want ErrMissingSignature", err)
		}
	})
	t.Run("tampered field", func(t *testing.T) {
		intent := env.signedIntent(plan)
		intent.MinAmountOut = big.NewInt(1)
		if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("err = %v, want ErrInvalidSignature", err)
		}
	})
	t.Run("expired", func(t *testing.T) {
		intent := env.signedIntent(plan, func(i *OrderIntent) {
			i.Deadline = env.now.Unix() - 1
		})
		if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrOrderExpired) {
			t.Fatalf("err = %v, want ErrOrderExpired", err)
		}
	})
	t.Run("plan substitution", func(t *testing.T) {
		intent := env.signedIntent(plan)
		other := &ExecutionPlan{Main: []Interaction{{Target: env.pool, Value: big.NewInt(0), CallData: []byte("drain")}}}
		if _, err := env.engine.ExecuteOrder(env.relayer, intent, other, big.NewInt(0)); !errors.Is(err, ErrPlanHashMismatch) {
			t.Fatalf("err = %v, want ErrPlanHashMismatch", err)
		}
	})
	t.Run("call value mismatch", func(t *testing.T) {
		intent := env.signedIntent(plan)
		if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(5)); !errors.Is(err, ErrCallValueMismatch) {
			t.Fatalf("err = %v, want ErrCallValueMismatch", err)
		}
	})
}

func TestExecuteOrderNativeBudgetAndRefund(t *testing.T) {
	env := newTestEnv(t)
	env.approveInput(100)
	if err := env.ledger.MintNative(env.relayer, big.NewInt(100_000)); err != nil {
		t.Fatalf("mint native: %v", err)
	}
	// The sink just accepts forwarded value; the pool still swaps.
	sink := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	if err := env.registry.Register(sink, runtime.HandlerFunc(func(ctx *runtime.CallContext) ([]byte, error) {
		return nil, nil
	})); err != nil {
		t.Fatalf("register sink: %v", err)
	}
	env.installPool(110)

	plan := &ExecutionPlan{
		Pre:  []Interaction{{Target: sink, Value: big.NewInt(40_000), CallData: nil}},
		Main: []Interaction{{Target: env.pool, Value: big.NewInt(0), CallData: []byte("swap")}},
	}
	intent := env.signedIntent(plan, func(i *OrderIntent) {
		i.CallValue = big.NewInt(100_000)
	})
	receipt, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.NativeSpent.Int64() != 40_000 {
		t.Fatalf("native spent = %d, want 40000", receipt.NativeSpent.Int64())
	}
	if receipt.NativeRefund.Int64() != 60_000 {
		t.Fatalf("native refund = %d, want 60000", receipt.NativeRefund.Int64())
	}
	if got := env.nativeBalance(env.relayer); got != 0 {
		t.Fatalf("relayer native = %d, want 0", got)
	}
	if got := env.nativeBalance(env.user); got != 60_000 {
		t.Fatalf("user native refund = %d, want 60000", got)
	}
	if got := env.nativeBalance(sink); got != 40_000 {
		t.Fatalf("sink native = %d, want 40000", got)
	}
	if got := env.nativeBalance(env.engineAddr); got != 0 {
		t.Fatalf("engine retains native = %d, want 0", got)
	}
}

func TestExecuteOrderBudgetOverdraw(t *testing.T) {
	env := newTestEnv(t)
	env.approveInput(100)
	if err := env.ledger.MintNative(env.relayer, big.NewInt(10)); err != nil {
		t.Fatalf("mint native: %v", err)
	}
	sink := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	if err := env.registry.Register(sink, runtime.HandlerFunc(func(ctx *runtime.CallContext) ([]byte, error) {
		return nil, nil
	})); err != nil {
		t.Fatalf("register sink: %v", err)
	}
	env.installPool(110)

	// Declared budget 10, plan asks for 6 + 6: the second draw must fail.
	plan := &ExecutionPlan{
		Pre:  []Interaction{{Target: sink, Value: big.NewInt(6)}, {Target: sink, Value: big.NewInt(6)}},
		Main: []Interaction{{Target: env.pool, Value: big.NewInt(0), CallData: []byte("swap")}},
	}
	intent := env.signedIntent(plan, func(i *OrderIntent) {
		i.CallValue = big.NewInt(10)
	})
	_, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(10))
	if !errors.Is(err, ErrInsufficientCallValue) {
		t.Fatalf("err = %v, want ErrInsufficientCallValue", err)
	}
	// Collected call value returned to the relayer by the revert.
	if got := env.nativeBalance(env.relayer); got != 10 {
		t.Fatalf("relayer native after revert = %d, want 10", got)
	}
}

func TestExecuteOrderInsufficientOutput(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(80)
	env.approveInput(100)
	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan)

	_, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0))
	if !errors.Is(err, ErrInsufficientOutput) {
		t.Fatalf("err = %v, want ErrInsufficientOutput", err)
	}
	if got := env.tokenBalance(env.assetIn, env.user); got != 1_000 {
		t.Fatalf("user balance after revert = %d, want 1000", got)
	}
}

func TestExecuteOrderInputShortfall(t *testing.T) {
	env := newTestEnv(t)
	// A fee-on-transfer input delivers less than the debited amount; the
	// engine detects it from balance deltas rather than transfer results.
	taxed := common.HexToAddress("0x0000000000000000000000000000000000000033")
	if err := env.ledger.Register(taxed, token.Metadata{Name: "Taxed Gamma", Symbol: "tGAMMA", Decimals: 18, TransferFeeBps: 500}); err != nil {
		t.Fatalf("register taxed asset: %v", err)
	}
	if err := env.ledger.Mint(taxed, env.user, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint taxed: %v", err)
	}
	if err := env.ledger.Approve(taxed, env.user, env.engineAddr, big.NewInt(100)); err != nil {
		t.Fatalf("approve taxed: %v", err)
	}
	env.installPool(110)

	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan, func(i *OrderIntent) {
		i.AssetIn = taxed
	})
	_, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0))
	if !errors.Is(err, ErrInputShortfall) {
		t.Fatalf("err = %v, want ErrInputShortfall", err)
	}
}

func TestExecuteOrderReentrancyExcluded(t *testing.T) {
	env := newTestEnv(t)
	env.approveInput(200)
	var innerErr error
	if err := env.registry.Register(env.pool, runtime.HandlerFunc(func(ctx *runtime.CallContext) ([]byte, error) {
		inner := env.signedIntent(swapPlan(env.pool), func(i *OrderIntent) { i.Nonce = 99 })
		_, innerErr = env.engine.ExecuteOrder(env.relayer, inner, swapPlan(env.pool), big.NewInt(0))
		if err := env.ledger.Transfer(env.assetIn, ctx.Caller, ctx.Self, big.NewInt(100)); err != nil {
			return nil, err
		}
		return nil, env.ledger.Transfer(env.assetOut, ctx.Self, ctx.Caller, big.NewInt(110))
	})); err != nil {
		t.Fatalf("register pool: %v", err)
	}

	plan := swapPlan(env.pool)
	intent := env.signedIntent(plan)
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); err != nil {
		t.Fatalf("outer execute: %v", err)
	}
	if !errors.Is(innerErr, ErrReentrantCall) {
		t.Fatalf("inner err = %v, want ErrReentrantCall", innerErr)
	}
}

func TestExecuteOrderZeroAddresses(t *testing.T) {
	env := newTestEnv(t)
	env.installPool(110)
	env.approveInput(100)
	plan := swapPlan(env.pool)

	intent := env.signedIntent(plan, func(i *OrderIntent) { i.Receiver = common.Address{} })
	if _, err := env.engine.ExecuteOrder(env.relayer, intent, plan, big.NewInt(0)); !errors.Is(err, ErrInvalidReceiver) {
		t.Fatalf("err = %v, want ErrInvalidReceiver", err)
	}
}

func TestEngineNotConfigured(t *testing.T) {
	engine := &Engine{}
	if _, err := engine.ExecuteOrder(common.Address{}, &OrderIntent{}, &ExecutionPlan{}, big.NewInt(0)); !errors.Is(err, ErrEngineNotConfigured) {
		t.Fatalf("err = %v, want ErrEngineNotConfigured", err)
	}
}

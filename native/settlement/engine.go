package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"swapsettle/core/events"
)

var zeroAddress common.Address

// Config fixes the identity of an engine instance: its own address (bound
// into the EIP-712 domain and used as token spender), the owning
// administrator, and the chain id signatures commit to.
type Config struct {
	Address common.Address
	Owner   common.Address
	ChainID *big.Int
}

// Engine settles one user-authorized swap per call: it verifies the signed
// intent, consumes the nonce, obtains spending rights, pulls the input asset,
// runs the committed plan, and enforces the output floor and fee policy — all
// inside a single ledger snapshot that is reverted on any failure.
type Engine struct {
	address common.Address
	owner   common.Address
	chainID *big.Int
	domain  common.Hash

	st     SnapshotState
	tokens TokenBackend
	native NativeBackend
	caller Caller
	nonces *NonceRegistry

	policyMu    sync.RWMutex
	policy      *Policy
	policyStore *PolicyStore

	emitter events.Emitter
	nowFn   func() time.Time

	mu   sync.Mutex
	busy bool
}

func NewEngine(cfg Config, st SnapshotState, tokens TokenBackend, native NativeBackend, caller Caller, nonces NonceStore) *Engine {
	return &Engine{
		address: cfg.Address,
		owner:   cfg.Owner,
		chainID: cfg.ChainID,
		domain:  NewDomainSeparator(cfg.ChainID, cfg.Address),
		st:      st,
		tokens:  tokens,
		native:  native,
		caller:  caller,
		nonces:  NewNonceRegistry(nonces),
		policy:  NewPolicy(),
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
	}
}

// SetEmitter configures the event sink. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetClock overrides the engine clock, primarily for deterministic testing.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

// SetPolicyStore attaches persistence for administrative policy and restores
// any previously saved policy.
func (e *Engine) SetPolicyStore(store *PolicyStore) error {
	e.policyStore = store
	if store == nil {
		return nil
	}
	saved, ok, err := store.Load()
	if err != nil {
		return err
	}
	if ok {
		e.policyMu.Lock()
		e.policy = saved
		e.policyMu.Unlock()
	}
	return nil
}

// currentPolicy returns the active policy pointer. Installed policies are
// never mutated in place, so the pointer may be read lock-free afterwards.
func (e *Engine) currentPolicy() *Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy
}

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

// Address returns the engine's own settlement address.
func (e *Engine) Address() common.Address { return e.address }

// Owner returns the administrative owner.
func (e *Engine) Owner() common.Address { return e.owner }

// DomainSeparator returns the EIP-712 domain hash off-chain tooling signs
// against.
func (e *Engine) DomainSeparator() common.Hash { return e.domain }

// Policy returns a deep copy of the active policy.
func (e *Engine) Policy() *Policy { return e.currentPolicy().Clone() }

// IsNonceUsed reports whether the (user, nonce) pair has been consumed.
func (e *Engine) IsNonceUsed(user common.Address, nonce uint64) (bool, error) {
	return e.nonces.IsUsed(user, nonce)
}

func (e *Engine) configured() error {
	if e == nil || e.st == nil || e.tokens == nil || e.native == nil || e.caller == nil || e.nonces == nil {
		return ErrEngineNotConfigured
	}
	return nil
}

// ExecuteOrder is the sole mutating entry point. The relayer forwards
// callValue native units alongside the intent and plan; any failure reverts
// every effect, and only then is the failure event emitted, so failure
// telemetry survives the rollback.
func (e *Engine) ExecuteOrder(relayer common.Address, intent *OrderIntent, plan *ExecutionPlan, callValue *big.Int) (*Receipt, error) {
	if err := e.configured(); err != nil {
		return nil, err
	}
	if intent == nil || plan == nil {
		return nil, fmt.Errorf("settlement: nil intent or plan")
	}

	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return nil, ErrReentrantCall
	}
	e.busy = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
	}()

	// Relayer gate runs before any other work.
	if !e.currentPolicy().RelayerAllowed(relayer) {
		return nil, ErrRelayerNotAllowed
	}
	if len(intent.Signature) == 0 {
		return nil, ErrMissingSignature
	}

	nativeBefore, err := e.native.NativeBalance(e.address)
	if err != nil {
		return nil, err
	}

	sid := e.st.Snapshot()
	receipt, err := e.execute(relayer, intent, plan, callValue, nativeBefore)
	if err != nil {
		e.st.RevertToSnapshot(sid)
		e.emit(events.SettlementFailed{
			QuoteID: intent.QuoteID,
			User:    intent.User,
			Relayer: relayer,
			Reason:  FailureReason(err),
		})
		return nil, err
	}
	e.st.DiscardSnapshot(sid)

	for _, ir := range receipt.Interactions {
		e.emit(events.InteractionExecuted{
			QuoteID: intent.QuoteID,
			Phase:   ir.Phase,
			Index:   ir.Index,
			Target:  ir.Target,
			Value:   ir.Value,
		})
	}
	e.emit(events.SettlementExecuted{
		QuoteID:   intent.QuoteID,
		User:      intent.User,
		Receiver:  intent.Receiver,
		Relayer:   relayer,
		AssetIn:   intent.AssetIn,
		AssetOut:  intent.AssetOut,
		AmountIn:  cloneBig(intent.AmountIn),
		AmountOut: cloneBig(receipt.AmountOut),
		Fee:       cloneBig(receipt.Fee),
		Refund:    cloneBig(receipt.NativeRefund),
	})
	return receipt, nil
}

// execute is the atomic step: every mutation it makes sits above the caller's
// snapshot and is reverted wholesale on error.
func (e *Engine) execute(relayer common.Address, intent *OrderIntent, plan *ExecutionPlan, callValue, nativeBefore *big.Int) (*Receipt, error) {
	// Nonce consumption first; a later failure unwinds the mark.
	if err := e.nonces.Consume(intent.User, intent.Nonce); err != nil {
		return nil, err
	}

	if intent.User == zeroAddress {
		return nil, ErrInvalidUser
	}
	if intent.Receiver == zeroAddress {
		return nil, ErrInvalidReceiver
	}
	declared := cloneBig(intent.CallValue)
	if cloneBig(callValue).Cmp(declared) != 0 {
		return nil, fmt.Errorf("%w: declared %s, forwarded %s", ErrCallValueMismatch, declared, cloneBig(callValue))
	}
	if intent.Deadline < e.now().Unix() {
		return nil, ErrOrderExpired
	}
	if HashExecutionPlan(plan) != intent.PlanHash {
		return nil, ErrPlanHashMismatch
	}
	signer, err := RecoverIntentSigner(e.domain, intent)
	if err != nil || signer != intent.User {
		return nil, ErrInvalidSignature
	}

	// Take custody of the declared call value.
	if declared.Sign() > 0 {
		if err := e.native.NativeTransfer(relayer, e.address, declared); err != nil {
			return nil, fmt.Errorf("settlement: collect call value: %w", err)
		}
	}

	// Balance baselines before any funds move, so deltas — not return
	// values — decide whether collection and the swap succeeded.
	outputBefore, err := e.tokens.BalanceOf(intent.AssetOut, e.address)
	if err != nil {
		return nil, err
	}
	inputBefore, err := e.tokens.BalanceOf(intent.AssetIn, e.address)
	if err != nil {
		return nil, err
	}

	collected, err := e.applyPermit(intent)
	if err != nil {
		return nil, err
	}
	if !collected {
		if err := e.tokens.TransferFrom(intent.AssetIn, e.address, intent.User, e.address, intent.AmountIn); err != nil {
			return nil, fmt.Errorf("settlement: collect input: %w", err)
		}
	}
	inputNow, err := e.tokens.BalanceOf(intent.AssetIn, e.address)
	if err != nil {
		return nil, err
	}
	received := new(big.Int).Sub(inputNow, inputBefore)
	if received.Cmp(intent.AmountIn) < 0 {
		return nil, fmt.Errorf("%w: requested %s, received %s", ErrInputShortfall, intent.AmountIn, received)
	}

	interactions, spent, err := e.runPlan(intent, plan)
	if err != nil {
		return nil, err
	}

	amountOut, fee, refund, err := e.settleOutput(intent, outputBefore, nativeBefore)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		QuoteID:      intent.QuoteID,
		AmountOut:    amountOut,
		Fee:          fee,
		NativeSpent:  spent,
		NativeRefund: refund,
		Interactions: interactions,
	}, nil
}

// FailureReason renders a best-effort human-readable reason for telemetry.
// Advisory only; control flow must use the typed errors.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var ie *InteractionError
	if errors.As(err, &ie) {
		return fmt.Sprintf("interaction %s[%d] to %s failed: %v", ie.Phase, ie.Index, ie.Target.Hex(), ie.Err)
	}
	return strings.TrimPrefix(err.Error(), "settlement: ")
}

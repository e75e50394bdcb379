// Package runtime dispatches plan interactions to registered call targets.
// Targets are opaque to the settlement engine: the registry forwards native
// value and the raw payload, and reports success or failure.
package runtime

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoTarget indicates a call to an address with nothing registered.
var ErrNoTarget = errors.New("runtime: no target registered")

// CallContext carries the inputs of one dispatched call.
type CallContext struct {
	Caller common.Address
	Self   common.Address
	Value  *big.Int
	Input  []byte
}

// Handler is the code behind a target address.
type Handler interface {
	Run(ctx *CallContext) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *CallContext) ([]byte, error)

func (f HandlerFunc) Run(ctx *CallContext) ([]byte, error) { return f(ctx) }

// NativeMover moves native coin between accounts; value forwarded with a call
// is settled before the handler runs, mirroring call semantics.
type NativeMover interface {
	NativeTransfer(from, to common.Address, amount *big.Int) error
}

// Registry maps target addresses to handlers.
type Registry struct {
	native   NativeMover
	handlers map[common.Address]Handler
}

func NewRegistry(native NativeMover) *Registry {
	return &Registry{
		native:   native,
		handlers: make(map[common.Address]Handler),
	}
}

// Register installs a handler at the given address.
func (r *Registry) Register(addr common.Address, handler Handler) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("runtime: zero target address")
	}
	if handler == nil {
		return fmt.Errorf("runtime: nil handler for %s", addr.Hex())
	}
	r.handlers[addr] = handler
	return nil
}

// Call forwards value and payload to the target. A failed handler leaves the
// caller responsible for rolling back any state the handler touched; the
// settlement engine does this with a ledger snapshot around the whole run.
func (r *Registry) Call(caller, target common.Address, value *big.Int, input []byte) ([]byte, error) {
	handler, ok := r.handlers[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTarget, target.Hex())
	}
	if value != nil && value.Sign() > 0 {
		if err := r.native.NativeTransfer(caller, target, value); err != nil {
			return nil, err
		}
	}
	ctx := &CallContext{Caller: caller, Self: target, Value: value, Input: input}
	return handler.Run(ctx)
}

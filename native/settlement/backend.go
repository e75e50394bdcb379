package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenBackend exposes the asset operations the engine consumes. Transfers
// may silently deliver less than requested (nonstandard assets), so the
// engine always verifies balance deltas instead of trusting results.
type TokenBackend interface {
	BalanceOf(asset, account common.Address) (*big.Int, error)
	Allowance(asset, owner, spender common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
	Permit(asset, owner, spender common.Address, value *big.Int, deadline int64, sig []byte) error
	TransferWithAuthorization(asset, from, to common.Address, value *big.Int, validAfter, validBefore int64, nonce [32]byte, sig []byte) error
	Call(asset common.Address, payload []byte) error
}

// NativeBackend moves the native coin used for interaction call value.
type NativeBackend interface {
	NativeBalance(addr common.Address) (*big.Int, error)
	NativeTransfer(from, to common.Address, amount *big.Int) error
}

// Caller grants the capability to invoke an arbitrary registered target with
// value and payload. The engine holds no other handle on interaction targets.
type Caller interface {
	Call(caller, target common.Address, value *big.Int, input []byte) ([]byte, error)
}

// SnapshotState is the all-or-nothing lever: the engine snapshots before the
// atomic routine and reverts on any failure.
type SnapshotState interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

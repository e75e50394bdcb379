package settlement

import (
	"github.com/ethereum/go-ethereum/common"
)

// NonceStore is the journaled persistence behind the registry. Marks written
// during a failed settlement are rolled back with the rest of the ledger
// snapshot, so only fully successful runs consume a nonce.
type NonceStore interface {
	SettlementNonceUsed(user common.Address, nonce uint64) (bool, error)
	MarkSettlementNonce(user common.Address, nonce uint64) error
}

// NonceRegistry tracks consumed (user, nonce) pairs. Once marked, a pair is
// never unmarked.
type NonceRegistry struct {
	store NonceStore
}

func NewNonceRegistry(store NonceStore) *NonceRegistry {
	return &NonceRegistry{store: store}
}

// Consume marks the nonce used, failing if it ever settled before.
func (r *NonceRegistry) Consume(user common.Address, nonce uint64) error {
	used, err := r.store.SettlementNonceUsed(user, nonce)
	if err != nil {
		return err
	}
	if used {
		return ErrNonceAlreadyUsed
	}
	return r.store.MarkSettlementNonce(user, nonce)
}

// IsUsed reports whether the pair has been consumed.
func (r *NonceRegistry) IsUsed(user common.Address, nonce uint64) (bool, error) {
	return r.store.SettlementNonceUsed(user, nonce)
}

package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TypeSettlementExecuted is emitted once per successful settlement.
	TypeSettlementExecuted = "settlement.executed"
	// TypeSettlementFailed is emitted after a settlement attempt has been
	// rolled back, carrying a best-effort decoded reason.
	TypeSettlementFailed = "settlement.failed"
	// TypeInteractionExecuted is emitted per plan interaction of a
	// successful settlement.
	TypeInteractionExecuted = "settlement.interaction"
	// TypeNonceInvalidated is emitted when a user proactively burns a nonce.
	TypeNonceInvalidated = "settlement.nonce_invalidated"
	// TypePolicyUpdated is emitted on every administrative policy change.
	TypePolicyUpdated = "settlement.policy_updated"
)

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// SettlementExecuted captures the realized outcome of a settled order.
type SettlementExecuted struct {
	QuoteID   [32]byte
	User      common.Address
	Receiver  common.Address
	Relayer   common.Address
	AssetIn   common.Address
	AssetOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	Fee       *big.Int
	Refund    *big.Int
}

func (SettlementExecuted) EventType() string { return TypeSettlementExecuted }

func (e SettlementExecuted) Event() *Record {
	return &Record{
		Type: TypeSettlementExecuted,
		Attributes: map[string]string{
			"quoteId":   "0x" + hex.EncodeToString(e.QuoteID[:]),
			"user":      e.User.Hex(),
			"receiver":  e.Receiver.Hex(),
			"relayer":   e.Relayer.Hex(),
			"assetIn":   e.AssetIn.Hex(),
			"assetOut":  e.AssetOut.Hex(),
			"amountIn":  bigString(e.AmountIn),
			"amountOut": bigString(e.AmountOut),
			"fee":       bigString(e.Fee),
			"refund":    bigString(e.Refund),
		},
	}
}

// SettlementFailed records a rolled-back settlement attempt. Unlike the
// success events it is emitted from outside the atomic step, after the state
// revert, so it survives the rollback.
type SettlementFailed struct {
	QuoteID [32]byte
	User    common.Address
	Relayer common.Address
	Reason  string
}

func (SettlementFailed) EventType() string { return TypeSettlementFailed }

func (e SettlementFailed) Event() *Record {
	return &Record{
		Type: TypeSettlementFailed,
		Attributes: map[string]string{
			"quoteId": "0x" + hex.EncodeToString(e.QuoteID[:]),
			"user":    e.User.Hex(),
			"relayer": e.Relayer.Hex(),
			"reason":  strings.TrimSpace(e.Reason),
		},
	}
}

// InteractionExecuted records one executed plan interaction.
type InteractionExecuted struct {
	QuoteID [32]byte
	Phase   string
	Index   int
	Target  common.Address
	Value   *big.Int
}

func (InteractionExecuted) EventType() string { return TypeInteractionExecuted }

func (e InteractionExecuted) Event() *Record {
	return &Record{
		Type: TypeInteractionExecuted,
		Attributes: map[string]string{
			"quoteId": "0x" + hex.EncodeToString(e.QuoteID[:]),
			"phase":   e.Phase,
			"index":   strconv.Itoa(e.Index),
			"target":  e.Target.Hex(),
			"value":   bigString(e.Value),
		},
	}
}

// NonceInvalidated records a proactive nonce burn outside of settlement.
type NonceInvalidated struct {
	User  common.Address
	Nonce uint64
}

func (NonceInvalidated) EventType() string { return TypeNonceInvalidated }

func (e NonceInvalidated) Event() *Record {
	return &Record{
		Type: TypeNonceInvalidated,
		Attributes: map[string]string{
			"user":  e.User.Hex(),
			"nonce": strconv.FormatUint(e.Nonce, 10),
		},
	}
}

// PolicyUpdated records an administrative policy mutation.
type PolicyUpdated struct {
	Field string
	Value string
}

func (PolicyUpdated) EventType() string { return TypePolicyUpdated }

func (e PolicyUpdated) Event() *Record {
	return &Record{
		Type: TypePolicyUpdated,
		Attributes: map[string]string{
			"field": e.Field,
			"value": e.Value,
		},
	}
}

package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PermitKind discriminates the fund-authorization strategies the engine can
// apply before collecting the input asset.
type PermitKind uint8

const (
	// PermitNone relies on standing authorization already granted to the
	// engine; the dispatcher performs no work.
	PermitNone PermitKind = iota
	// PermitStandardApproval verifies an existing allowance covers the input
	// amount without making any call.
	PermitStandardApproval
	// PermitEIP2612 applies a signed typed-data approval.
	PermitEIP2612
	// PermitEIP3009 applies a signed authorized transfer; this variant is the
	// fund collection step itself.
	PermitEIP3009
	// PermitCustom forwards an opaque payload to the input asset verbatim.
	PermitCustom
)

func (k PermitKind) String() string {
	switch k {
	case PermitNone:
		return "none"
	case PermitStandardApproval:
		return "approval"
	case PermitEIP2612:
		return "eip2612"
	case PermitEIP3009:
		return "eip3009"
	case PermitCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// PermitData selects how the engine obtains spending rights over the input
// asset. For every kind except None and StandardApproval the payload amount
// must cover the intent's input amount and the deadline must not have elapsed.
type PermitData struct {
	Kind     PermitKind
	Payload  []byte
	Amount   *big.Int
	Deadline int64
}

// QuoteID is an opaque correlation identifier minted by off-chain quoting.
type QuoteID [32]byte

// NewQuoteID derives a fresh correlation id. The first sixteen bytes are a
// random UUID, the rest stay zero.
func NewQuoteID() QuoteID {
	var id QuoteID
	u := uuid.New()
	copy(id[:16], u[:])
	return id
}

// OrderIntent is the user-signed description of a desired swap and its
// constraints. It is immutable once signed: any field change invalidates the
// signature. GasEstimate is informational only and never enforced.
type OrderIntent struct {
	QuoteID      QuoteID
	User         common.Address
	Receiver     common.Address
	AssetIn      common.Address
	AssetOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Deadline     int64
	Nonce        uint64
	Permit       PermitData
	PlanHash     common.Hash
	CallValue    *big.Int
	GasEstimate  uint64
	Signature    []byte
}

// Interaction is one solver-chosen external call: target, forwarded native
// value, and an opaque payload. Value and payload are untrusted input.
type Interaction struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// ExecutionPlan is the hash-committed sequence of calls realizing the swap:
// setup, the swap itself, then cleanup and distribution.
type ExecutionPlan struct {
	Pre  []Interaction
	Main []Interaction
	Post []Interaction
}

// Size returns the total number of interactions across all phases.
func (p *ExecutionPlan) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Pre) + len(p.Main) + len(p.Post)
}

// InteractionReceipt records one executed interaction for telemetry.
type InteractionReceipt struct {
	Phase  string
	Index  int
	Target common.Address
	Value  *big.Int
}

// Receipt summarizes a successful settlement.
type Receipt struct {
	QuoteID      QuoteID
	AmountOut    *big.Int
	Fee          *big.Int
	NativeSpent  *big.Int
	NativeRefund *big.Int
	Interactions []InteractionReceipt
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

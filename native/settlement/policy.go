package settlement

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"swapsettle/storage"
)

// MaxFeeBps caps the positive-slippage fee rate at 100%.
const MaxFeeBps = 10_000

// Policy is the owner-controlled configuration read on every settlement call.
// It outlives individual calls and is the only engine state not covered by
// the per-settlement snapshot.
type Policy struct {
	RestrictRelayers bool
	TrustedRelayers  map[common.Address]bool
	RestrictTargets  bool
	AllowedTargets   map[common.Address]bool
	FeeRecipient     common.Address
	FeeBps           uint32
}

func NewPolicy() *Policy {
	return &Policy{
		TrustedRelayers: make(map[common.Address]bool),
		AllowedTargets:  make(map[common.Address]bool),
	}
}

// Clone returns a deep copy so concurrent readers never alias the maps.
func (p *Policy) Clone() *Policy {
	clone := NewPolicy()
	if p == nil {
		return clone
	}
	clone.RestrictRelayers = p.RestrictRelayers
	clone.RestrictTargets = p.RestrictTargets
	clone.FeeRecipient = p.FeeRecipient
	clone.FeeBps = p.FeeBps
	for addr, ok := range p.TrustedRelayers {
		if ok {
			clone.TrustedRelayers[addr] = true
		}
	}
	for addr, ok := range p.AllowedTargets {
		if ok {
			clone.AllowedTargets[addr] = true
		}
	}
	return clone
}

// RelayerAllowed reports whether the relayer may submit settlements.
func (p *Policy) RelayerAllowed(relayer common.Address) bool {
	if p == nil || !p.RestrictRelayers {
		return true
	}
	return p.TrustedRelayers[relayer]
}

// TargetAllowed reports whether a plan interaction may call the target.
func (p *Policy) TargetAllowed(target common.Address) bool {
	if p == nil || !p.RestrictTargets {
		return true
	}
	return p.AllowedTargets[target]
}

// Validate enforces the fee invariants.
func (p *Policy) Validate() error {
	if p.FeeBps > MaxFeeBps {
		return ErrFeeRateTooHigh
	}
	if p.FeeBps > 0 && p.FeeRecipient == (common.Address{}) {
		return ErrFeeRecipientRequired
	}
	return nil
}

type policyJSON struct {
	RestrictRelayers bool     `json:"restrictRelayers"`
	TrustedRelayers  []string `json:"trustedRelayers"`
	RestrictTargets  bool     `json:"restrictTargets"`
	AllowedTargets   []string `json:"allowedTargets"`
	FeeRecipient     string   `json:"feeRecipient"`
	FeeBps           uint32   `json:"feeBps"`
}

var policyKey = []byte("settlement/policy")

// PolicyStore persists policy outside the journaled ledger; administrative
// changes survive daemon restarts.
type PolicyStore struct {
	db storage.Database
}

func NewPolicyStore(db storage.Database) *PolicyStore {
	return &PolicyStore{db: db}
}

// Load returns the stored policy, or ok=false when none was ever saved.
func (s *PolicyStore) Load() (*Policy, bool, error) {
	raw, err := s.db.Get(policyKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var payload policyJSON
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false, fmt.Errorf("settlement: decode policy: %w", err)
	}
	policy := NewPolicy()
	policy.RestrictRelayers = payload.RestrictRelayers
	policy.RestrictTargets = payload.RestrictTargets
	policy.FeeBps = payload.FeeBps
	if payload.FeeRecipient != "" {
		policy.FeeRecipient = common.HexToAddress(payload.FeeRecipient)
	}
	for _, addr := range payload.TrustedRelayers {
		policy.TrustedRelayers[common.HexToAddress(addr)] = true
	}
	for _, addr := range payload.AllowedTargets {
		policy.AllowedTargets[common.HexToAddress(addr)] = true
	}
	return policy, true, nil
}

// Save persists the policy.
func (s *PolicyStore) Save(policy *Policy) error {
	if policy == nil {
		return fmt.Errorf("settlement: nil policy")
	}
	payload := policyJSON{
		RestrictRelayers: policy.RestrictRelayers,
		RestrictTargets:  policy.RestrictTargets,
		FeeBps:           policy.FeeBps,
	}
	if policy.FeeRecipient != (common.Address{}) {
		payload.FeeRecipient = policy.FeeRecipient.Hex()
	}
	for addr, ok := range policy.TrustedRelayers {
		if ok {
			payload.TrustedRelayers = append(payload.TrustedRelayers, addr.Hex())
		}
	}
	for addr, ok := range policy.AllowedTargets {
		if ok {
			payload.AllowedTargets = append(payload.AllowedTargets, addr.Hex())
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.db.Put(policyKey, raw)
}

package settlement

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"swapsettle/core/events"
)

func (e *Engine) requireOwner(caller common.Address) error {
	if caller != e.owner {
		return ErrNotOwner
	}
	return nil
}

// updatePolicy applies one administrative mutation to a private clone, then
// persists and installs it. The policy lock covers the whole read-modify-write
// so concurrent setters cannot lose each other's changes.
func (e *Engine) updatePolicy(field, value string, mutate func(*Policy) error) error {
	e.policyMu.Lock()
	next := e.policy.Clone()
	if err := mutate(next); err != nil {
		e.policyMu.Unlock()
		return err
	}
	if e.policyStore != nil {
		if err := e.policyStore.Save(next); err != nil {
			e.policyMu.Unlock()
			return fmt.Errorf("settlement: persist policy: %w", err)
		}
	}
	e.policy = next
	e.policyMu.Unlock()
	e.emit(events.PolicyUpdated{Field: field, Value: value})
	return nil
}

// SetRelayerRestriction toggles whether settlements are limited to trusted
// relayers.
func (e *Engine) SetRelayerRestriction(caller common.Address, restricted bool) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.updatePolicy("restrictRelayers", strconv.FormatBool(restricted), func(p *Policy) error {
		p.RestrictRelayers = restricted
		return nil
	})
}

// SetRelayerTrust grants or revokes a relayer's standing to submit
// settlements while restriction is on.
func (e *Engine) SetRelayerTrust(caller, relayer common.Address, trusted bool) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.updatePolicy("relayerTrust", fmt.Sprintf("%s=%t", relayer.Hex(), trusted), func(p *Policy) error {
		if trusted {
			p.TrustedRelayers[relayer] = true
		} else {
			delete(p.TrustedRelayers, relayer)
		}
		return nil
	})
}

// SetTargetRestriction toggles the interaction-target allowlist.
func (e *Engine) SetTargetRestriction(caller common.Address, restricted bool) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.updatePolicy("restrictTargets", strconv.FormatBool(restricted), func(p *Policy) error {
		p.RestrictTargets = restricted
		return nil
	})
}

// SetTargetAllowed adds or removes a target from the allowlist.
func (e *Engine) SetTargetAllowed(caller, target common.Address, allowed bool) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.updatePolicy("targetAllowed", fmt.Sprintf("%s=%t", target.Hex(), allowed), func(p *Policy) error {
		if allowed {
			p.AllowedTargets[target] = true
		} else {
			delete(p.AllowedTargets, target)
		}
		return nil
	})
}

// SetFeePolicy updates the positive-slippage fee rate and recipient together
// so the pair is always consistent.
func (e *Engine) SetFeePolicy(caller, recipient common.Address, bps uint32) error {
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.updatePolicy("fee", fmt.Sprintf("%s@%dbps", recipient.Hex(), bps), func(p *Policy) error {
		p.FeeRecipient = recipient
		p.FeeBps = bps
		return p.Validate()
	})
}

// InvalidateNonce burns a nonce on behalf of a user who signed the
// invalidation request, so stale intents can never settle. Burning an
// already-used nonce reports ErrNonceAlreadyUsed.
func (e *Engine) InvalidateNonce(user common.Address, nonce uint64, sig []byte) error {
	if err := e.configured(); err != nil {
		return err
	}
	if user == zeroAddress {
		return ErrInvalidUser
	}
	if len(sig) == 0 {
		return ErrMissingSignature
	}
	signer, err := RecoverSignerOfInvalidation(e.domain, user, nonce, sig)
	if err != nil || signer != user {
		return ErrInvalidSignature
	}
	if err := e.nonces.Consume(user, nonce); err != nil {
		return err
	}
	e.emit(events.NonceInvalidated{User: user, Nonce: nonce})
	return nil
}

package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	repocrypto "swapsettle/crypto"
)

// DomainName and DomainVersion identify this engine in the EIP-712 domain,
// together with the chain id and the engine's own address.
const (
	DomainName    = "SwapSettle"
	DomainVersion = "1"
)

var (
	orderTypeHash = ethcrypto.Keccak256Hash([]byte(
		"OrderIntent(bytes32 quoteId,address user,address receiver,address assetIn,address assetOut,uint256 amountIn,uint256 minAmountOut,uint256 deadline,uint256 nonce,bytes32 permitHash,bytes32 planHash,uint256 callValue,uint256 gasEstimate)",
	))
	permitTypeHash = ethcrypto.Keccak256Hash([]byte(
		"PermitData(uint8 kind,bytes32 payloadHash,uint256 amount,uint256 deadline)",
	))
	invalidateTypeHash = ethcrypto.Keccak256Hash([]byte(
		"InvalidateNonce(address user,uint256 nonce)",
	))
)

// PermitHash commits the permit record into the signed intent. Kind None maps
// to the zero sentinel; every other kind hashes its discriminator, payload
// digest, amount, and deadline.
func PermitHash(permit PermitData) common.Hash {
	if permit.Kind == PermitNone {
		return common.Hash{}
	}
	return repocrypto.StructHash(
		permitTypeHash,
		repocrypto.EncodeUint64(uint64(permit.Kind)),
		ethcrypto.Keccak256Hash(permit.Payload),
		repocrypto.EncodeUint256(permit.Amount),
		repocrypto.EncodeUint64(uint64(permit.Deadline)),
	)
}

// IntentStructHash computes the EIP-712 struct hash of an order intent.
func IntentStructHash(intent *OrderIntent) common.Hash {
	return repocrypto.StructHash(
		orderTypeHash,
		intent.QuoteID,
		repocrypto.EncodeAddress(intent.User),
		repocrypto.EncodeAddress(intent.Receiver),
		repocrypto.EncodeAddress(intent.AssetIn),
		repocrypto.EncodeAddress(intent.AssetOut),
		repocrypto.EncodeUint256(intent.AmountIn),
		repocrypto.EncodeUint256(intent.MinAmountOut),
		repocrypto.EncodeUint64(uint64(intent.Deadline)),
		repocrypto.EncodeUint64(intent.Nonce),
		PermitHash(intent.Permit),
		intent.PlanHash,
		repocrypto.EncodeUint256(intent.CallValue),
		repocrypto.EncodeUint64(intent.GasEstimate),
	)
}

// IntentDigest computes the final signing digest for an intent under the
// given domain separator.
func IntentDigest(domain common.Hash, intent *OrderIntent) common.Hash {
	return repocrypto.TypedDataDigest(domain, IntentStructHash(intent))
}

// InvalidationDigest computes the signing digest authorizing a proactive
// nonce burn, so the RPC surface cannot invalidate on behalf of anyone but
// the signer.
func InvalidationDigest(domain common.Hash, user common.Address, nonce uint64) common.Hash {
	structHash := repocrypto.StructHash(
		invalidateTypeHash,
		repocrypto.EncodeAddress(user),
		repocrypto.EncodeUint64(nonce),
	)
	return repocrypto.TypedDataDigest(domain, structHash)
}

// SignIntent fills the intent signature using the supplied key. Intended for
// tests and SDK-style tooling; the engine itself only ever verifies.
func SignIntent(domain common.Hash, intent *OrderIntent, key *repocrypto.PrivateKey) error {
	sig, err := repocrypto.SignDigest(IntentDigest(domain, intent), key)
	if err != nil {
		return err
	}
	intent.Signature = sig
	return nil
}

// SignInvalidation produces a signature authorizing a proactive nonce burn.
func SignInvalidation(domain common.Hash, user common.Address, nonce uint64, key *repocrypto.PrivateKey) ([]byte, error) {
	return repocrypto.SignDigest(InvalidationDigest(domain, user, nonce), key)
}

// RecoverSignerOfInvalidation recovers the address that signed a nonce
// invalidation request.
func RecoverSignerOfInvalidation(domain common.Hash, user common.Address, nonce uint64, sig []byte) (common.Address, error) {
	return repocrypto.RecoverSigner(InvalidationDigest(domain, user, nonce), sig)
}

// RecoverIntentSigner recovers the address that signed the intent.
func RecoverIntentSigner(domain common.Hash, intent *OrderIntent) (common.Address, error) {
	return repocrypto.RecoverSigner(IntentDigest(domain, intent), intent.Signature)
}

// NewDomainSeparator derives the engine instance's domain separator.
func NewDomainSeparator(chainID *big.Int, engine common.Address) common.Hash {
	return repocrypto.DomainSeparator(DomainName, DomainVersion, chainID, engine)
}

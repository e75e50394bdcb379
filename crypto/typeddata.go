package crypto

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP-712 helpers shared by the settlement engine and the token ledger. The
// encoding mirrors the on-chain convention: every field is packed into a
// 32-byte word and struct hashes are keccak over typehash || fields.

// DomainTypeHash is the keccak256 hash of the EIP712Domain type definition.
var DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

var (
	ErrSignatureLength  = errors.New("crypto: signature must be 65 bytes")
	ErrSignatureRecover = errors.New("crypto: signature recovery failed")
)

// EncodeUint256 left-pads the big-endian representation into a 32-byte word.
// Values wider than 256 bits are truncated to the low-order bytes.
func EncodeUint256(v *big.Int) [32]byte {
	var word [32]byte
	if v == nil {
		return word
	}
	raw := v.Bytes()
	if len(raw) > 32 {
		raw = raw[len(raw)-32:]
	}
	copy(word[32-len(raw):], raw)
	return word
}

// EncodeUint64 packs a uint64 into a 32-byte word.
func EncodeUint64(v uint64) [32]byte {
	return EncodeUint256(new(big.Int).SetUint64(v))
}

// EncodeAddress left-pads a 20-byte address into a 32-byte word.
func EncodeAddress(addr common.Address) [32]byte {
	var word [32]byte
	copy(word[12:], addr.Bytes())
	return word
}

// StructHash computes keccak(typeHash || field words).
func StructHash(typeHash common.Hash, fields ...[32]byte) common.Hash {
	buf := make([]byte, 0, 32*(len(fields)+1))
	buf = append(buf, typeHash.Bytes()...)
	for _, field := range fields {
		buf = append(buf, field[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

// DomainSeparator binds a name, version, chain id, and verifying address into
// the EIP-712 domain hash.
func DomainSeparator(name, version string, chainID *big.Int, verifying common.Address) common.Hash {
	return StructHash(
		DomainTypeHash,
		common.Hash(crypto.Keccak256Hash([]byte(name))),
		common.Hash(crypto.Keccak256Hash([]byte(version))),
		EncodeUint256(chainID),
		EncodeAddress(verifying),
	)
}

// TypedDataDigest computes the final signing digest keccak(0x19 0x01 ||
// domainSeparator || structHash).
func TypedDataDigest(domain, structHash common.Hash) common.Hash {
	buf := make([]byte, 0, 2+32+32)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, domain.Bytes()...)
	buf = append(buf, structHash.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// SignDigest produces a 65-byte r||s||v signature with the Ethereum v=27/28
// convention.
func SignDigest(digest common.Hash, key *PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	sig, err := crypto.Sign(digest.Bytes(), key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// RecoverSigner recovers the signing address from a 65-byte r||s||v signature
// over the supplied digest. Both v conventions (0/1 and 27/28) are accepted.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrSignatureLength
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, ErrSignatureRecover
	}
	return crypto.PubkeyToAddress(*pub), nil
}

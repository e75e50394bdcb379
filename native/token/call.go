package token

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrUnsupportedCall indicates a raw payload whose selector the ledger does
// not implement.
var ErrUnsupportedCall = errors.New("token: unsupported call")

var (
	permitSelector       = ethcrypto.Keccak256([]byte("permit(address,address,uint256,uint256,uint8,bytes32,bytes32)"))[:4]
	transferAuthSelector = ethcrypto.Keccak256([]byte("transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)"))[:4]

	permitArgs       abi.Arguments
	transferAuthArgs abi.Arguments
)

func init() {
	addressT, _ := abi.NewType("address", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	uint8T, _ := abi.NewType("uint8", "", nil)
	bytes32T, _ := abi.NewType("bytes32", "", nil)

	permitArgs = abi.Arguments{
		{Name: "owner", Type: addressT},
		{Name: "spender", Type: addressT},
		{Name: "value", Type: uint256T},
		{Name: "deadline", Type: uint256T},
		{Name: "v", Type: uint8T},
		{Name: "r", Type: bytes32T},
		{Name: "s", Type: bytes32T},
	}
	transferAuthArgs = abi.Arguments{
		{Name: "from", Type: addressT},
		{Name: "to", Type: addressT},
		{Name: "value", Type: uint256T},
		{Name: "validAfter", Type: uint256T},
		{Name: "validBefore", Type: uint256T},
		{Name: "nonce", Type: bytes32T},
		{Name: "v", Type: uint8T},
		{Name: "r", Type: bytes32T},
		{Name: "s", Type: bytes32T},
	}
}

func packSignature(v uint8, r, s [32]byte) []byte {
	sig := make([]byte, 65)
	copy(sig[0:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v
	return sig
}

// Call executes a raw ABI-encoded payload against an asset. Only the permit
// and transferWithAuthorization entry points are callable this way; the
// settlement engine routes Custom permits here verbatim.
func (l *Ledger) Call(asset common.Address, payload []byte) error {
	if _, err := l.require(asset); err != nil {
		return err
	}
	if len(payload) < 4 {
		return ErrUnsupportedCall
	}
	selector, data := payload[:4], payload[4:]
	switch {
	case bytes.Equal(selector, permitSelector):
		values, err := permitArgs.Unpack(data)
		if err != nil {
			return fmt.Errorf("token: decode permit payload: %w", err)
		}
		owner := values[0].(common.Address)
		spender := values[1].(common.Address)
		value := values[2].(*big.Int)
		deadline := values[3].(*big.Int)
		v := values[4].(uint8)
		r := values[5].([32]byte)
		s := values[6].([32]byte)
		return l.Permit(asset, owner, spender, value, deadline.Int64(), packSignature(v, r, s))
	case bytes.Equal(selector, transferAuthSelector):
		values, err := transferAuthArgs.Unpack(data)
		if err != nil {
			return fmt.Errorf("token: decode transfer authorization payload: %w", err)
		}
		from := values[0].(common.Address)
		to := values[1].(common.Address)
		value := values[2].(*big.Int)
		validAfter := values[3].(*big.Int)
		validBefore := values[4].(*big.Int)
		nonce := values[5].([32]byte)
		v := values[6].(uint8)
		r := values[7].([32]byte)
		s := values[8].([32]byte)
		return l.TransferWithAuthorization(asset, from, to, value, validAfter.Int64(), validBefore.Int64(), nonce, packSignature(v, r, s))
	default:
		return ErrUnsupportedCall
	}
}

// PackPermitCall builds the raw payload accepted by Call for a permit. Used by
// off-chain tooling and tests to exercise the Custom permit path.
func PackPermitCall(owner, spender common.Address, value *big.Int, deadline int64, sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, errors.New("token: signature must be 65 bytes")
	}
	var r, s [32]byte
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	packed, err := permitArgs.Pack(owner, spender, value, big.NewInt(deadline), sig[64], r, s)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, permitSelector...), packed...), nil
}

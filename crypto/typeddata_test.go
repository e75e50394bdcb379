package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestSignAndRecoverDigest(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := ethcrypto.Keccak256Hash([]byte("payload"))
	sig, err := SignDigest(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("recovery id = %d, want 27 or 28", v)
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != key.PubKey().Address() {
		t.Fatalf("recovered %s, want %s", signer.Hex(), key.PubKey().Address().Hex())
	}
}

func TestRecoverSignerRejectsBadInput(t *testing.T) {
	digest := ethcrypto.Keccak256Hash([]byte("payload"))
	if _, err := RecoverSigner(digest, make([]byte, 10)); err == nil {
		t.Fatal("short signature accepted")
	}
	if _, err := RecoverSigner(digest, nil); err == nil {
		t.Fatal("nil signature accepted")
	}
}

func TestDomainSeparatorBindsAllInputs(t *testing.T) {
	base := DomainSeparator("App", "1", big.NewInt(1), common.HexToAddress("0x01"))
	variants := []common.Hash{
		DomainSeparator("Other", "1", big.NewInt(1), common.HexToAddress("0x01")),
		DomainSeparator("App", "2", big.NewInt(1), common.HexToAddress("0x01")),
		DomainSeparator("App", "1", big.NewInt(2), common.HexToAddress("0x01")),
		DomainSeparator("App", "1", big.NewInt(1), common.HexToAddress("0x02")),
	}
	for i, variant := range variants {
		if variant == base {
			t.Fatalf("variant %d equals base separator", i)
		}
	}
}

func TestTypedDataDigestPrefix(t *testing.T) {
	domain := DomainSeparator("App", "1", big.NewInt(1), common.HexToAddress("0x01"))
	structHash := ethcrypto.Keccak256Hash([]byte("struct"))
	want := ethcrypto.Keccak256Hash(append(append([]byte{0x19, 0x01}, domain.Bytes()...), structHash.Bytes()...))
	if TypedDataDigest(domain, structHash) != want {
		t.Fatal("digest does not follow the 0x1901 envelope")
	}
}

func TestEncodeUint256(t *testing.T) {
	word := EncodeUint256(big.NewInt(256))
	if word[30] != 1 || word[31] != 0 {
		t.Fatalf("encoded word = %x", word)
	}
	zero := EncodeUint256(nil)
	if zero != ([32]byte{}) {
		t.Fatalf("nil must encode as zero, got %x", zero)
	}
}

func TestPrivateKeyHexRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("from bytes: %v", err)
	}
	if restored.PubKey().Address() != key.PubKey().Address() {
		t.Fatal("round trip changed the key")
	}
	if _, err := PrivateKeyFromHex("zz"); err == nil {
		t.Fatal("invalid hex accepted")
	}
}

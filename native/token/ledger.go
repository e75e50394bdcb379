package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	repocrypto "swapsettle/crypto"
	"swapsettle/state"
)

var (
	// ErrUnknownAsset indicates the asset address has not been registered.
	ErrUnknownAsset = errors.New("token: unknown asset")
	// ErrInsufficientBalance indicates a debit exceeding the holder balance.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrInsufficientAllowance indicates a transferFrom exceeding the approved amount.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrPermitExpired indicates the permit deadline has elapsed.
	ErrPermitExpired = errors.New("token: permit expired")
	// ErrBadSignature indicates recovery failed or yielded the wrong signer.
	ErrBadSignature = errors.New("token: bad signature")
	// ErrAuthorizationReused indicates the EIP-3009 nonce was consumed before.
	ErrAuthorizationReused = errors.New("token: authorization already used")
	// ErrAuthorizationWindow indicates the current time is outside [validAfter, validBefore].
	ErrAuthorizationWindow = errors.New("token: authorization outside validity window")
	// ErrAmountInvalid indicates a nil or negative amount.
	ErrAmountInvalid = errors.New("token: invalid amount")
)

// Typed-data hashes per EIP-2612 and EIP-3009.
var (
	permitTypeHash       = ethcrypto.Keccak256Hash([]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"))
	transferAuthTypeHash = ethcrypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
)

const domainVersion = "1"

// Metadata describes a registered asset. TransferFeeBps models fee-on-transfer
// tokens whose recipients receive less than the debited amount; the settlement
// engine must detect these through balance deltas rather than return values.
type Metadata struct {
	Name           string
	Symbol         string
	Decimals       uint8
	TransferFeeBps uint32
}

// Ledger implements ERC-20 style asset semantics, EIP-2612 permits, and
// EIP-3009 authorized transfers over the journaled state manager. It also
// carries the native-coin balance book, so one object backs every asset
// movement a settlement performs.
type Ledger struct {
	st      *state.Manager
	chainID *big.Int
	now     func() time.Time
	assets  map[common.Address]Metadata
}

func NewLedger(st *state.Manager, chainID *big.Int) *Ledger {
	return &Ledger{
		st:      st,
		chainID: chainID,
		now:     time.Now,
		assets:  make(map[common.Address]Metadata),
	}
}

// SetClock overrides the ledger clock, primarily for deterministic testing.
func (l *Ledger) SetClock(now func() time.Time) {
	if l == nil || now == nil {
		return
	}
	l.now = now
}

// Register adds an asset to the ledger. Registration is configuration, not
// state: it is not covered by snapshots.
func (l *Ledger) Register(asset common.Address, meta Metadata) error {
	if asset == (common.Address{}) {
		return fmt.Errorf("token: zero asset address")
	}
	if strings.TrimSpace(meta.Name) == "" {
		return fmt.Errorf("token: asset name required")
	}
	if meta.TransferFeeBps > 10_000 {
		return fmt.Errorf("token: transfer fee above 10000 bps")
	}
	l.assets[asset] = meta
	return nil
}

// Metadata returns the registration record for an asset.
func (l *Ledger) Metadata(asset common.Address) (Metadata, bool) {
	meta, ok := l.assets[asset]
	return meta, ok
}

func (l *Ledger) require(asset common.Address) (Metadata, error) {
	meta, ok := l.assets[asset]
	if !ok {
		return Metadata{}, ErrUnknownAsset
	}
	return meta, nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrAmountInvalid
	}
	return nil
}

// Mint credits newly issued units to an account. Used by genesis configuration
// and tests.
func (l *Ledger) Mint(asset, to common.Address, amount *big.Int) error {
	if _, err := l.require(asset); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	balance := l.st.TokenBalance(asset, to)
	l.st.SetTokenBalance(asset, to, new(big.Int).Add(balance, amount))
	return nil
}

func (l *Ledger) BalanceOf(asset, account common.Address) (*big.Int, error) {
	if _, err := l.require(asset); err != nil {
		return nil, err
	}
	return l.st.TokenBalance(asset, account), nil
}

func (l *Ledger) Allowance(asset, owner, spender common.Address) (*big.Int, error) {
	if _, err := l.require(asset); err != nil {
		return nil, err
	}
	return l.st.Allowance(asset, owner, spender), nil
}

func (l *Ledger) Approve(asset, owner, spender common.Address, amount *big.Int) error {
	if _, err := l.require(asset); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.st.SetAllowance(asset, owner, spender, amount)
	return nil
}

// Transfer debits amount from the sender. With a fee-on-transfer asset the
// recipient is credited amount minus the fee; the fee is burned.
func (l *Ledger) Transfer(asset, from, to common.Address, amount *big.Int) error {
	meta, err := l.require(asset)
	if err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	balance := l.st.TokenBalance(asset, from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	credited := new(big.Int).Set(amount)
	if meta.TransferFeeBps > 0 {
		fee := new(big.Int).Mul(amount, big.NewInt(int64(meta.TransferFeeBps)))
		fee.Div(fee, big.NewInt(10_000))
		credited.Sub(credited, fee)
	}
	l.st.SetTokenBalance(asset, from, new(big.Int).Sub(balance, amount))
	if from != to {
		toBalance := l.st.TokenBalance(asset, to)
		l.st.SetTokenBalance(asset, to, new(big.Int).Add(toBalance, credited))
	}
	return nil
}

// TransferFrom spends the (owner -> spender) allowance and then moves funds.
func (l *Ledger) TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error {
	if _, err := l.require(asset); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	allowance := l.st.Allowance(asset, from, spender)
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	l.st.SetAllowance(asset, from, spender, new(big.Int).Sub(allowance, amount))
	return nil
}

// DomainSeparator returns the per-asset EIP-712 domain hash.
func (l *Ledger) DomainSeparator(asset common.Address) (common.Hash, error) {
	meta, err := l.require(asset)
	if err != nil {
		return common.Hash{}, err
	}
	return repocrypto.DomainSeparator(meta.Name, domainVersion, l.chainID, asset), nil
}

// Permit applies an EIP-2612 approval authorized by the owner's signature.
func (l *Ledger) Permit(asset, owner, spender common.Address, value *big.Int, deadline int64, sig []byte) error {
	domain, err := l.DomainSeparator(asset)
	if err != nil {
		return err
	}
	if err := checkAmount(value); err != nil {
		return err
	}
	if deadline < l.now().Unix() {
		return ErrPermitExpired
	}
	nonce := l.st.PermitNonce(asset, owner)
	structHash := repocrypto.StructHash(
		permitTypeHash,
		repocrypto.EncodeAddress(owner),
		repocrypto.EncodeAddress(spender),
		repocrypto.EncodeUint256(value),
		repocrypto.EncodeUint64(nonce),
		repocrypto.EncodeUint64(uint64(deadline)),
	)
	digest := repocrypto.TypedDataDigest(domain, structHash)
	signer, err := repocrypto.RecoverSigner(digest, sig)
	if err != nil || signer != owner {
		return ErrBadSignature
	}
	l.st.BumpPermitNonce(asset, owner)
	l.st.SetAllowance(asset, owner, spender, value)
	return nil
}

// TransferWithAuthorization applies an EIP-3009 transfer authorized by the
// sender's signature. The nonce is single-use per (asset, from).
func (l *Ledger) TransferWithAuthorization(asset, from, to common.Address, value *big.Int, validAfter, validBefore int64, nonce [32]byte, sig []byte) error {
	domain, err := l.DomainSeparator(asset)
	if err != nil {
		return err
	}
	if err := checkAmount(value); err != nil {
		return err
	}
	now := l.now().Unix()
	if now < validAfter || now >= validBefore {
		return ErrAuthorizationWindow
	}
	if l.st.AuthorizationUsed(asset, from, nonce) {
		return ErrAuthorizationReused
	}
	structHash := repocrypto.StructHash(
		transferAuthTypeHash,
		repocrypto.EncodeAddress(from),
		repocrypto.EncodeAddress(to),
		repocrypto.EncodeUint256(value),
		repocrypto.EncodeUint64(uint64(validAfter)),
		repocrypto.EncodeUint64(uint64(validBefore)),
		nonce,
	)
	digest := repocrypto.TypedDataDigest(domain, structHash)
	signer, err := repocrypto.RecoverSigner(digest, sig)
	if err != nil || signer != from {
		return ErrBadSignature
	}
	l.st.MarkAuthorization(asset, from, nonce)
	return l.Transfer(asset, from, to, value)
}

// --- native coin ---

func (l *Ledger) NativeBalance(addr common.Address) (*big.Int, error) {
	return l.st.NativeBalance(addr), nil
}

// MintNative credits native coin, for genesis configuration and tests.
func (l *Ledger) MintNative(to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	balance := l.st.NativeBalance(to)
	l.st.SetNativeBalance(to, new(big.Int).Add(balance, amount))
	return nil
}

func (l *Ledger) NativeTransfer(from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	balance := l.st.NativeBalance(from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.st.SetNativeBalance(from, new(big.Int).Sub(balance, amount))
	if from != to {
		toBalance := l.st.NativeBalance(to)
		l.st.SetNativeBalance(to, new(big.Int).Add(toBalance, amount))
	}
	return nil
}

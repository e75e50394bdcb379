package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"swapsettle/storage"
)

// Key prefixes for the flat ledger keyspace. Everything the settlement engine
// can mutate mid-call lives behind these prefixes so a snapshot revert covers
// the whole mutation surface.
const (
	prefixNative     = "n:" // native-coin balance per address
	prefixToken      = "t:" // token balance per (asset, address)
	prefixAllowance  = "a:" // allowance per (asset, owner, spender)
	prefixPermit     = "p:" // EIP-2612 permit nonce per (asset, owner)
	prefixAuth       = "u:" // EIP-3009 authorization nonce per (asset, from, nonce)
	prefixOrderNonce = "s:" // consumed settlement nonce per (user, nonce)
)

var errNilManager = errors.New("state: manager not initialised")

type journalEntry struct {
	key     string
	prev    []byte
	existed bool
}

// Manager is a journaled key-value ledger. Writes append undo records so the
// engine can take a snapshot before a settlement attempt and roll every
// mutation back on failure. Commit flushes the dirty set to a storage backend;
// Load rebuilds the in-memory view on startup.
type Manager struct {
	mu        sync.RWMutex
	kv        map[string][]byte
	journal   []journalEntry
	snapshots int
	dirty     map[string]struct{}
}

func NewManager() *Manager {
	return &Manager{
		kv:    make(map[string][]byte),
		dirty: make(map[string]struct{}),
	}
}

// Load replaces the in-memory view with the persisted ledger contents.
func (m *Manager) Load(db storage.Database) error {
	if m == nil {
		return errNilManager
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv = make(map[string][]byte)
	m.journal = m.journal[:0]
	m.snapshots = 0
	m.dirty = make(map[string]struct{})
	return db.Iterate(nil, func(key, value []byte) error {
		m.kv[string(key)] = value
		return nil
	})
}

// Commit flushes every key touched since the previous commit. Settled writes
// made outside any snapshot (nonce burns, genesis funding) are committable;
// an open snapshot indicates a settlement still in flight and is rejected.
func (m *Manager) Commit(db storage.Database) error {
	if m == nil {
		return errNilManager
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots != 0 {
		return errors.New("state: commit with open snapshot")
	}
	for key := range m.dirty {
		value, ok := m.kv[key]
		if !ok {
			if err := db.Delete([]byte(key)); err != nil {
				return fmt.Errorf("state: delete %q: %w", key, err)
			}
			continue
		}
		if err := db.Put([]byte(key), value); err != nil {
			return fmt.Errorf("state: put %q: %w", key, err)
		}
	}
	m.dirty = make(map[string]struct{})
	m.journal = m.journal[:0]
	return nil
}

// Snapshot marks the current journal position. The returned id is only valid
// until the next RevertToSnapshot or DiscardSnapshot call for that id.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots++
	return len(m.journal)
}

// RevertToSnapshot unwinds every write made after the snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id > len(m.journal) {
		return
	}
	for i := len(m.journal) - 1; i >= id; i-- {
		entry := m.journal[i]
		if entry.existed {
			m.kv[entry.key] = entry.prev
		} else {
			delete(m.kv, entry.key)
		}
		m.dirty[entry.key] = struct{}{}
	}
	m.journal = m.journal[:id]
	if m.snapshots > 0 {
		m.snapshots--
	}
}

// DiscardSnapshot keeps the writes made after the snapshot and drops the undo
// records, making the mutations eligible for Commit.
func (m *Manager) DiscardSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id > len(m.journal) {
		return
	}
	m.journal = m.journal[:id]
	if m.snapshots > 0 {
		m.snapshots--
	}
}

func (m *Manager) set(key string, value []byte) {
	prev, existed := m.kv[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, existed: existed})
	m.kv[key] = value
	m.dirty[key] = struct{}{}
}

func (m *Manager) del(key string) {
	prev, existed := m.kv[key]
	if !existed {
		return
	}
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, existed: true})
	delete(m.kv, key)
	m.dirty[key] = struct{}{}
}

func (m *Manager) get(key string) ([]byte, bool) {
	value, ok := m.kv[key]
	return value, ok
}

func bigFromBytes(raw []byte, ok bool) *big.Int {
	if !ok || len(raw) == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).SetBytes(raw)
}

func nativeKey(addr common.Address) string {
	return prefixNative + string(addr.Bytes())
}

func tokenKey(asset, addr common.Address) string {
	return prefixToken + string(asset.Bytes()) + string(addr.Bytes())
}

func allowanceKey(asset, owner, spender common.Address) string {
	return prefixAllowance + string(asset.Bytes()) + string(owner.Bytes()) + string(spender.Bytes())
}

func permitNonceKey(asset, owner common.Address) string {
	return prefixPermit + string(asset.Bytes()) + string(owner.Bytes())
}

func authKey(asset, from common.Address, nonce [32]byte) string {
	return prefixAuth + string(asset.Bytes()) + string(from.Bytes()) + string(nonce[:])
}

func orderNonceKey(user common.Address, nonce uint64) string {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], nonce)
	return prefixOrderNonce + string(user.Bytes()) + string(raw[:])
}

// --- native coin ---

func (m *Manager) NativeBalance(addr common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.get(nativeKey(addr))
	return bigFromBytes(raw, ok)
}

func (m *Manager) SetNativeBalance(addr common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil || amount.Sign() == 0 {
		m.del(nativeKey(addr))
		return
	}
	m.set(nativeKey(addr), amount.Bytes())
}

// --- token balances ---

func (m *Manager) TokenBalance(asset, addr common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.get(tokenKey(asset, addr))
	return bigFromBytes(raw, ok)
}

func (m *Manager) SetTokenBalance(asset, addr common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil || amount.Sign() == 0 {
		m.del(tokenKey(asset, addr))
		return
	}
	m.set(tokenKey(asset, addr), amount.Bytes())
}

// --- allowances ---

func (m *Manager) Allowance(asset, owner, spender common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.get(allowanceKey(asset, owner, spender))
	return bigFromBytes(raw, ok)
}

func (m *Manager) SetAllowance(asset, owner, spender common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil || amount.Sign() == 0 {
		m.del(allowanceKey(asset, owner, spender))
		return
	}
	m.set(allowanceKey(asset, owner, spender), amount.Bytes())
}

// --- EIP-2612 permit nonces ---

func (m *Manager) PermitNonce(asset, owner common.Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.get(permitNonceKey(asset, owner))
	if !ok || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (m *Manager) BumpPermitNonce(asset, owner common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var raw [8]byte
	prev, ok := m.get(permitNonceKey(asset, owner))
	var next uint64 = 1
	if ok && len(prev) == 8 {
		next = binary.BigEndian.Uint64(prev) + 1
	}
	binary.BigEndian.PutUint64(raw[:], next)
	m.set(permitNonceKey(asset, owner), raw[:])
}

// --- EIP-3009 authorization nonces ---

func (m *Manager) AuthorizationUsed(asset, from common.Address, nonce [32]byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.get(authKey(asset, from, nonce))
	return ok
}

func (m *Manager) MarkAuthorization(asset, from common.Address, nonce [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(authKey(asset, from, nonce), []byte{1})
}

// --- settlement nonces ---

func (m *Manager) SettlementNonceUsed(user common.Address, nonce uint64) (bool, error) {
	if m == nil {
		return false, errNilManager
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.get(orderNonceKey(user, nonce))
	return ok, nil
}

func (m *Manager) MarkSettlementNonce(user common.Address, nonce uint64) error {
	if m == nil {
		return errNilManager
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(orderNonceKey(user, nonce), []byte{1})
	return nil
}

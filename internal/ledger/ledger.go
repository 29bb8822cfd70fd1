package ledger

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/runtime"
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// Ledger is the in-memory token-accounting subsystem. It holds every
// account and hands out staged transactions; it does not itself serialise
// transactions that touch the same accounts, callers lock accounts first.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[address.Address]Account
	rent     runtime.Rent
}

func NewLedger(rent runtime.Rent) *Ledger {
	return &Ledger{
		accounts: make(map[address.Address]Account),
		rent:     rent,
	}
}

// Rent returns the ledger's rent policy
func (l *Ledger) Rent() runtime.Rent {
	return l.rent
}

// Put creates or replaces an account outside of any transaction.
// Used for genesis, tests and snapshot restore.
func (l *Ledger) Put(acc Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[acc.Key] = acc.Clone()
	return nil
}

// Get returns a copy of the account
func (l *Ledger) Get(key address.Address) (Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[key]
	if !ok {
		return Account{}, false
	}
	return acc.Clone(), true
}

// Accounts returns copies of all accounts ordered by key
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	out := make([]Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		out = append(out, acc.Clone())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key[:], out[j].Key[:]) < 0
	})
	return out
}

// Restore replaces the whole account set.
func (l *Ledger) Restore(accounts []Account) error {
	next := make(map[address.Address]Account, len(accounts))
	for _, acc := range accounts {
		if err := acc.Validate(); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		next[acc.Key] = acc.Clone()
	}

	l.mu.Lock()
	l.accounts = next
	l.mu.Unlock()
	return nil
}

// TokenSupply sums token amounts per mint
func (l *Ledger) TokenSupply() map[address.Address]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	supply := make(map[address.Address]uint64)
	for _, acc := range l.accounts {
		if acc.IsToken() {
			supply[acc.Token.Mint] += acc.Token.Amount
		}
	}
	return supply
}

func (l *Ledger) load(key address.Address) (Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[key]
	return acc, ok
}

func (l *Ledger) apply(staged map[address.Address]*Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, acc := range staged {
		l.accounts[key] = acc.Clone()
	}
}

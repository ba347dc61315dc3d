package market

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Account is the shared in-memory view of the bankroll. The signal
// processor sizes against it, the execution service debits entries, the
// position tracker applies closes; persistence mirrors through the store's
// advisory-locked row.
type Account struct {
	mu sync.Mutex
	b  *Bankroll
}

// NewAccount wraps a bankroll.
func NewAccount(b *Bankroll) *Account {
	return &Account{b: b}
}

// View returns a copy of the current bankroll.
func (a *Account) View() Bankroll {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.b
}

// Available returns the tradable balance (current, excluding piggybank).
func (a *Account) Available() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.b.Current
}

// Debit removes an entry cost.
func (a *Account) Debit(amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.b.Debit(amount)
}

// Credit returns proceeds without P&L accounting.
func (a *Account) Credit(amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.b.Credit(amount)
}

// ApplyClose applies a realized close with the piggybank split.
func (a *Account) ApplyClose(entryCost, pnl decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.b.ApplyClose(entryCost, pnl)
}

package market

import (
	"github.com/shopspring/decimal"
)

// Bankroll tracks the trading balance with the piggybank rule: on a winning
// close, half of realized profit is swept into the piggybank and half stays
// tradable; losses deduct only from the current balance. Peak and trough are
// computed over current + piggybank.
//
// Bankroll is single-writer: the execution service debits entries and fees,
// the position tracker applies closes; writers serialize through the store's
// advisory lock.
type Bankroll struct {
	Initial   decimal.Decimal `json:"initial"`
	Current   decimal.Decimal `json:"current_balance"`
	Piggybank decimal.Decimal `json:"piggybank_balance"`
	Peak      decimal.Decimal `json:"peak"`
	Trough    decimal.Decimal `json:"trough"`
}

// NewBankroll starts a bankroll at the given balance.
func NewBankroll(initial decimal.Decimal) *Bankroll {
	return &Bankroll{
		Initial: initial,
		Current: initial,
		Peak:    initial,
		Trough:  initial,
	}
}

// Total returns current + piggybank.
func (b *Bankroll) Total() decimal.Decimal {
	return b.Current.Add(b.Piggybank)
}

// Debit removes an entry cost (price*size + fees) from the current balance.
func (b *Bankroll) Debit(amount decimal.Decimal) {
	b.Current = b.Current.Sub(amount)
	b.track()
}

// Credit returns exit proceeds to the current balance without the piggybank
// split; callers use ApplyClose for realized P&L accounting.
func (b *Bankroll) Credit(amount decimal.Decimal) {
	b.Current = b.Current.Add(amount)
	b.track()
}

// ApplyClose applies the piggybank split for a realized close: the full
// entry cost returns to current, then profit is split 50/50 between current
// and piggybank; losses reduce current only.
func (b *Bankroll) ApplyClose(entryCost, pnl decimal.Decimal) {
	b.Current = b.Current.Add(entryCost)
	if pnl.IsPositive() {
		half := pnl.Div(decimal.NewFromInt(2))
		b.Current = b.Current.Add(half)
		b.Piggybank = b.Piggybank.Add(pnl.Sub(half))
	} else {
		b.Current = b.Current.Add(pnl)
	}
	b.track()
}

func (b *Bankroll) track() {
	total := b.Total()
	if total.GreaterThan(b.Peak) {
		b.Peak = total
	}
	if total.LessThan(b.Trough) {
		b.Trough = total
	}
}

// Package book provides the local L2 order book maintained per venue market.
// Prices are integer cents on the YES side; NO-side input is folded into the
// YES book at complement prices (p_no <-> 100-p_yes).
package book

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Side identifies which ledger a venue delta targets.
type Side string

const (
	SideYesBid Side = "yes_bid"
	SideYesAsk Side = "yes_ask"
	SideNoBid  Side = "no_bid"
	SideNoAsk  Side = "no_ask"
)

// Level is an aggregated price level.
type Level struct {
	PriceCents int64
	Quantity   int64
}

// Quote is a best-bid/best-ask view of the book. Crossed books (bid >= ask)
// are unusable for execution; Usable is false and the prices are a synthetic
// one-cent band around the mid, kept only for observability.
type Quote struct {
	BidCents int64
	AskCents int64
	BidQty   int64
	AskQty   int64
	Usable   bool
}

// LocalOrderBook is the per-(market, platform) level ledger fed by venue
// snapshots and deltas. The owning venue monitor is the only writer.
type LocalOrderBook struct {
	MarketID string
	Platform string

	mu       sync.RWMutex
	yesBids  map[int64]int64 // price cents -> quantity
	yesAsks  map[int64]int64
	sequence int64
	updated  int64 // unix ms of last apply
}

// NewLocalOrderBook creates an empty book for the given market.
func NewLocalOrderBook(marketID, platform string) *LocalOrderBook {
	return &LocalOrderBook{
		MarketID: marketID,
		Platform: platform,
		yesBids:  make(map[int64]int64),
		yesAsks:  make(map[int64]int64),
	}
}

// ErrSequenceGap signals a missed delta; the monitor resubscribes and waits
// for a fresh snapshot.
type ErrSequenceGap struct {
	Have int64
	Got  int64
}

func (e *ErrSequenceGap) Error() string {
	return fmt.Sprintf("book sequence gap: have %d, got %d", e.Have, e.Got)
}

// --- Write Operations ---

// ApplySnapshot replaces all state. yesBids populate the YES bid ledger;
// noBids become YES asks at complement prices (a resting NO bid at p is an
// offer to sell YES at 100-p).
func (b *LocalOrderBook) ApplySnapshot(yesBids, noBids []Level, sequence, tsMillis int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.yesBids = make(map[int64]int64, len(yesBids))
	for _, lvl := range yesBids {
		if lvl.Quantity > 0 {
			b.yesBids[lvl.PriceCents] += lvl.Quantity
		}
	}

	b.yesAsks = make(map[int64]int64, len(noBids))
	for _, lvl := range noBids {
		if lvl.Quantity > 0 {
			b.yesAsks[100-lvl.PriceCents] += lvl.Quantity
		}
	}

	b.sequence = sequence
	b.updated = tsMillis
}

// ApplyDirectSnapshot replaces all state with explicit YES bid and ask
// ledgers, for venues that quote both sides of the same outcome token
// directly instead of folding through the NO side.
func (b *LocalOrderBook) ApplyDirectSnapshot(yesBids, yesAsks []Level, sequence, tsMillis int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.yesBids = make(map[int64]int64, len(yesBids))
	for _, lvl := range yesBids {
		if lvl.Quantity > 0 {
			b.yesBids[lvl.PriceCents] += lvl.Quantity
		}
	}

	b.yesAsks = make(map[int64]int64, len(yesAsks))
	for _, lvl := range yesAsks {
		if lvl.Quantity > 0 {
			b.yesAsks[lvl.PriceCents] += lvl.Quantity
		}
	}

	b.sequence = sequence
	b.updated = tsMillis
}

// SetLevel pins the quantity resting at a price, removing the level when qty
// drops to zero or below. For venues whose level updates carry absolute
// sizes rather than signed deltas; no sequence checking applies.
func (b *LocalOrderBook) SetLevel(priceCents, qty int64, side Side, tsMillis int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ledger, price := b.route(priceCents, side)
	if ledger == nil {
		return fmt.Errorf("unknown book side %q", side)
	}

	if qty <= 0 {
		delete(ledger, price)
	} else {
		ledger[price] = qty
	}
	b.updated = tsMillis
	return nil
}

// ApplyDelta adds delta to the quantity at the given price. Levels whose
// quantity drops to zero or below are removed; new levels appear only on a
// positive delta. A non-contiguous sequence returns ErrSequenceGap and leaves
// the book untouched.
func (b *LocalOrderBook) ApplyDelta(priceCents, delta int64, side Side, sequence, tsMillis int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sequence > 0 && b.sequence > 0 && sequence != b.sequence+1 {
		return &ErrSequenceGap{Have: b.sequence, Got: sequence}
	}

	ledger, price := b.route(priceCents, side)
	if ledger == nil {
		return fmt.Errorf("unknown book side %q", side)
	}

	next := ledger[price] + delta
	if next <= 0 {
		delete(ledger, price)
	} else {
		ledger[price] = next
	}

	if sequence > 0 {
		b.sequence = sequence
	}
	b.updated = tsMillis
	return nil
}

// route resolves a (price, side) pair to the YES ledger it lands in. NO-side
// traffic maps through the complement: a NO bid is a YES ask, a NO ask is a
// YES bid.
func (b *LocalOrderBook) route(priceCents int64, side Side) (map[int64]int64, int64) {
	switch side {
	case SideYesBid:
		return b.yesBids, priceCents
	case SideYesAsk:
		return b.yesAsks, priceCents
	case SideNoBid:
		return b.yesAsks, 100 - priceCents
	case SideNoAsk:
		return b.yesBids, 100 - priceCents
	}
	return nil, 0
}

// Clear drops all levels and resets the sequence, e.g. before a resubscribe.
func (b *LocalOrderBook) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.yesBids = make(map[int64]int64)
	b.yesAsks = make(map[int64]int64)
	b.sequence = 0
	b.updated = 0
}

// --- Read Operations ---

// BestYesBid returns the highest YES bid and its quantity, or (0, 0).
func (b *LocalOrderBook) BestYesBid() (priceCents, qty int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maxLevel(b.yesBids)
}

// BestYesAsk returns the lowest YES ask and its quantity, or (0, 0).
func (b *LocalOrderBook) BestYesAsk() (priceCents, qty int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return minLevel(b.yesAsks)
}

// BestQuote returns the top of book. When the book is crossed the quote is
// synthetic (mid +/- 1 cent) and Usable is false.
func (b *LocalOrderBook) BestQuote() Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bid, bidQty := maxLevel(b.yesBids)
	ask, askQty := minLevel(b.yesAsks)

	q := Quote{BidCents: bid, AskCents: ask, BidQty: bidQty, AskQty: askQty}
	if bid == 0 || ask == 0 {
		return q
	}
	if bid >= ask {
		mid := (bid + ask) / 2
		q.BidCents = mid - 1
		q.AskCents = mid + 1
		return q
	}
	q.Usable = true
	return q
}

// MidCents returns the midpoint in cents, or 0 when a side is empty.
func (b *LocalOrderBook) MidCents() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bid, _ := maxLevel(b.yesBids)
	ask, _ := minLevel(b.yesAsks)
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// SpreadCents returns ask - bid, or 0 when a side is empty. Crossed books
// yield a negative spread; consumers treat that as unusable.
func (b *LocalOrderBook) SpreadCents() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bid, _ := maxLevel(b.yesBids)
	ask, _ := minLevel(b.yesAsks)
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// Liquidity returns the total quantity resting on each side.
func (b *LocalOrderBook) Liquidity() (bidQty, askQty int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, q := range b.yesBids {
		bidQty += q
	}
	for _, q := range b.yesAsks {
		askQty += q
	}
	return bidQty, askQty
}

// Depth returns the number of levels on each side.
func (b *LocalOrderBook) Depth() (bidLevels, askLevels int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.yesBids), len(b.yesAsks)
}

// Sequence returns the last applied sequence number.
func (b *LocalOrderBook) Sequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

// UpdatedMillis returns the unix-ms timestamp of the last apply.
func (b *LocalOrderBook) UpdatedMillis() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// BidProbability converts the best YES bid to a [0,1] decimal probability.
func (b *LocalOrderBook) BidProbability() decimal.Decimal {
	bid, _ := b.BestYesBid()
	return decimal.New(bid, -2)
}

// AskProbability converts the best YES ask to a [0,1] decimal probability.
func (b *LocalOrderBook) AskProbability() decimal.Decimal {
	ask, _ := b.BestYesAsk()
	return decimal.New(ask, -2)
}

func (b *LocalOrderBook) String() string {
	q := b.BestQuote()
	return fmt.Sprintf("Book{market=%s, bid=%dc, ask=%dc, usable=%t}",
		b.MarketID, q.BidCents, q.AskCents, q.Usable)
}

func maxLevel(m map[int64]int64) (price, qty int64) {
	for p, q := range m {
		if p > price {
			price, qty = p, q
		}
	}
	return price, qty
}

func minLevel(m map[int64]int64) (price, qty int64) {
	for p, q := range m {
		if price == 0 || p < price {
			price, qty = p, q
		}
	}
	return price, qty
}

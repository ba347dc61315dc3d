package book

import (
	"errors"
	"testing"
)

func seeded() *LocalOrderBook {
	b := NewLocalOrderBook("KXNBAGAME-X", "kalshi")
	b.ApplySnapshot(
		[]Level{{PriceCents: 43, Quantity: 100}, {PriceCents: 42, Quantity: 300}},
		[]Level{{PriceCents: 55, Quantity: 200}, {PriceCents: 54, Quantity: 150}},
		1, 1000,
	)
	return b
}

func TestSnapshotFoldsNoSide(t *testing.T) {
	b := seeded()

	bid, qty := b.BestYesBid()
	if bid != 43 || qty != 100 {
		t.Errorf("best bid = %d@%d, want 43@100", bid, qty)
	}

	// NO bid at 55 is a YES ask at 45; NO bid at 54 a YES ask at 46.
	ask, qty := b.BestYesAsk()
	if ask != 45 || qty != 200 {
		t.Errorf("best ask = %d@%d, want 45@200", ask, qty)
	}

	if mid := b.MidCents(); mid != 44 {
		t.Errorf("mid = %d, want 44", mid)
	}
	if spread := b.SpreadCents(); spread != 2 {
		t.Errorf("spread = %d, want 2", spread)
	}
}

func TestDeltaAddRemove(t *testing.T) {
	b := seeded()

	// Add to an existing level.
	if err := b.ApplyDelta(43, 50, SideYesBid, 2, 1001); err != nil {
		t.Fatal(err)
	}
	if _, qty := b.BestYesBid(); qty != 150 {
		t.Errorf("bid qty after add = %d, want 150", qty)
	}

	// Draining a level removes it.
	if err := b.ApplyDelta(43, -150, SideYesBid, 3, 1002); err != nil {
		t.Fatal(err)
	}
	if bid, _ := b.BestYesBid(); bid != 42 {
		t.Errorf("best bid after drain = %d, want 42", bid)
	}

	// A negative delta on an absent level must not create it.
	if err := b.ApplyDelta(40, -25, SideYesBid, 4, 1003); err != nil {
		t.Fatal(err)
	}
	if levels, _ := b.Depth(); levels != 1 {
		t.Errorf("bid levels = %d, want 1", levels)
	}
}

func TestNoSideDeltaComplement(t *testing.T) {
	b := seeded()

	// NO bid delta at 53 lands as a YES ask at 47.
	if err := b.ApplyDelta(53, 80, SideNoBid, 2, 1001); err != nil {
		t.Fatal(err)
	}
	b.mu.RLock()
	qty := b.yesAsks[47]
	b.mu.RUnlock()
	if qty != 80 {
		t.Errorf("yes ask at 47 = %d, want 80", qty)
	}

	// NO ask delta at 60 lands as a YES bid at 40.
	if err := b.ApplyDelta(60, 30, SideNoAsk, 3, 1002); err != nil {
		t.Fatal(err)
	}
	b.mu.RLock()
	qty = b.yesBids[40]
	b.mu.RUnlock()
	if qty != 30 {
		t.Errorf("yes bid at 40 = %d, want 30", qty)
	}
}

func TestSequenceGap(t *testing.T) {
	b := seeded()

	err := b.ApplyDelta(43, 10, SideYesBid, 5, 1001)
	var gap *ErrSequenceGap
	if !errors.As(err, &gap) {
		t.Fatalf("expected sequence gap, got %v", err)
	}
	if gap.Have != 1 || gap.Got != 5 {
		t.Errorf("gap = %+v", gap)
	}

	// The failed delta must not touch the book.
	if _, qty := b.BestYesBid(); qty != 100 {
		t.Errorf("bid qty after gap = %d, want 100", qty)
	}
	if b.Sequence() != 1 {
		t.Errorf("sequence advanced past gap: %d", b.Sequence())
	}
}

func TestCrossedBookQuote(t *testing.T) {
	b := NewLocalOrderBook("m", "polymarket")
	b.ApplySnapshot(
		[]Level{{PriceCents: 52, Quantity: 10}},
		[]Level{{PriceCents: 50, Quantity: 10}}, // YES ask at 50: crossed
		1, 1000,
	)

	q := b.BestQuote()
	if q.Usable {
		t.Error("crossed book must not be usable")
	}
	// Synthetic band around mid 51.
	if q.BidCents != 50 || q.AskCents != 51+1 {
		t.Errorf("synthetic quote = %d/%d, want 50/52", q.BidCents, q.AskCents)
	}
}

func TestEmptySideQuote(t *testing.T) {
	b := NewLocalOrderBook("m", "kalshi")
	b.ApplySnapshot([]Level{{PriceCents: 44, Quantity: 5}}, nil, 1, 1000)

	q := b.BestQuote()
	if q.Usable {
		t.Error("one-sided book must not be usable")
	}
	if b.MidCents() != 0 || b.SpreadCents() != 0 {
		t.Error("mid/spread must be zero on a one-sided book")
	}
}

func TestLiquidityAndProbabilities(t *testing.T) {
	b := seeded()

	bidQty, askQty := b.Liquidity()
	if bidQty != 400 || askQty != 350 {
		t.Errorf("liquidity = %d/%d, want 400/350", bidQty, askQty)
	}

	if p := b.BidProbability(); p.String() != "0.43" {
		t.Errorf("bid probability = %s, want 0.43", p)
	}
	if p := b.AskProbability(); p.String() != "0.45" {
		t.Errorf("ask probability = %s, want 0.45", p)
	}
}

package liquidation

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestClaimFullDrainScenario(t *testing.T) {
	slot := slotWithTotal(1000)
	bid := activeBid(1, 1000, &slot)
	archive := archiveOf{}

	next, record := mustOffset(t, slot, 1000, DecimalFromUint64(1000))
	archive.record(record)
	if next.CurrentEpoch != 1 || !next.ProductSnapshot.Equal(DecimalOne()) {
		t.Fatalf("expected epoch reset, got epoch=%d product=%s", next.CurrentEpoch, next.ProductSnapshot)
	}
	remaining, _, err := CompoundedBid(bid, &next)
	if err != nil || !remaining.IsZero() {
		t.Fatalf("expected zero remaining capital, got %s %v", remaining.Dec(), err)
	}
	gained, _, err := AccruedCollateral(bid, &next, archive.lookup)
	if err != nil || gained.Uint64() != 1000 {
		t.Fatalf("expected 1000 collateral, got %s %v", gained.Dec(), err)
	}
}

func TestClaimProportionalScenario(t *testing.T) {
	slot := slotWithTotal(2000)
	first := activeBid(1, 1000, &slot)
	second := activeBid(2, 1000, &slot)

	next, _ := mustOffset(t, slot, 500, DecimalFromUint64(500))
	for _, bid := range []*Bid{first, second} {
		remaining, _, err := CompoundedBid(bid, &next)
		if err != nil || remaining.Uint64() != 750 {
			t.Fatalf("bid %d: expected 750 remaining, got %s %v", bid.ID, remaining.Dec(), err)
		}
		gained, _, err := AccruedCollateral(bid, &next, nil)
		if err != nil || gained.Uint64() != 250 {
			t.Fatalf("bid %d: expected 250 gained, got %s %v", bid.ID, gained.Dec(), err)
		}
	}
}

func TestClaimAcrossScaleStep(t *testing.T) {
	slot := slotWithTotal(1_000_000_000_000)
	bid := activeBid(1, 1_000_000_000_000, &slot)
	archive := archiveOf{}

	next, record := mustOffset(t, slot, 1_000_000_000_000-100, DecimalFromUint64(1_000_000_000_000-100))
	archive.record(record)
	next, record = mustOffset(t, next, 50, DecimalFromUint64(50))
	archive.record(record)
	if next.CurrentScale != 1 {
		t.Fatalf("expected scale 1, got %d", next.CurrentScale)
	}

	remaining, _, err := CompoundedBid(bid, &next)
	if err != nil || remaining.Uint64() != 50 {
		t.Fatalf("expected 50 remaining after one scale step, got %s %v", remaining.Dec(), err)
	}
	gained, _, err := AccruedCollateral(bid, &next, archive.lookup)
	if err != nil || gained.Uint64() != 999_999_999_950 {
		t.Fatalf("expected all credited collateral, got %s %v", gained.Dec(), err)
	}
}

func TestClaimBeyondTwoScaleStepsIsZero(t *testing.T) {
	slot := slotWithTotal(1000)
	bid := activeBid(1, 1000, &slot)
	slot.CurrentScale = 2
	remaining, fraction, err := CompoundedBid(bid, &slot)
	if err != nil || !remaining.IsZero() || !fraction.IsZero() {
		t.Fatalf("expected zero, got %s %s %v", remaining.Dec(), fraction, err)
	}
}

func TestClaimWaitingBidKeepsDeposit(t *testing.T) {
	slot := slotWithTotal(500)
	end := int64(100)
	bid := &Bid{ID: 3, Amount: *uint256.NewInt(400), WaitEnd: &end}
	next, _ := mustOffset(t, slot, 250, DecimalFromUint64(250))
	remaining, _, err := CompoundedBid(bid, &next)
	if err != nil || remaining.Uint64() != 400 {
		t.Fatalf("waiting bid must keep its deposit, got %s %v", remaining.Dec(), err)
	}
	gained, _, err := AccruedCollateral(bid, &next, nil)
	if err != nil || !gained.IsZero() {
		t.Fatalf("waiting bid must not accrue, got %s %v", gained.Dec(), err)
	}
}

func TestClaimIsIdempotentAfterSnapshot(t *testing.T) {
	slot := slotWithTotal(3000)
	bid := activeBid(1, 3000, &slot)
	next, _ := mustOffset(t, slot, 1000, DecimalFromUint64(1200))

	gained, _, err := AccruedCollateral(bid, &next, nil)
	if err != nil || gained.Uint64() != 1200 {
		t.Fatalf("unexpected first claim %s %v", gained.Dec(), err)
	}
	remaining, _, _ := CompoundedBid(bid, &next)
	bid.Amount = remaining
	bid.snapshot(&next)

	again, _, err := AccruedCollateral(bid, &next, nil)
	if err != nil || !again.IsZero() {
		t.Fatalf("second claim must be zero, got %s %v", again.Dec(), err)
	}
	if bid.Amount.Uint64() != 2000 {
		t.Fatalf("unexpected remaining %s", bid.Amount.Dec())
	}
}

func TestClaimJoinAfterEpochReset(t *testing.T) {
	slot := slotWithTotal(100)
	old := activeBid(1, 100, &slot)
	archive := archiveOf{}
	next, record := mustOffset(t, slot, 100, DecimalFromUint64(120))
	archive.record(record)

	next.TotalBidAmount.SetUint64(200)
	fresh := activeBid(2, 200, &next)
	next, record = mustOffset(t, next, 100, DecimalFromUint64(110))
	archive.record(record)

	oldGain, _, _ := AccruedCollateral(old, &next, archive.lookup)
	if oldGain.Uint64() != 120 {
		t.Fatalf("old epoch bid must keep only its epoch's collateral, got %s", oldGain.Dec())
	}
	freshGain, _, _ := AccruedCollateral(fresh, &next, archive.lookup)
	if freshGain.Uint64() != 110 {
		t.Fatalf("fresh bid expected 110, got %s", freshGain.Dec())
	}
	freshRemaining, _, _ := CompoundedBid(fresh, &next)
	if freshRemaining.Uint64() != 100 {
		t.Fatalf("fresh bid expected 100 remaining, got %s", freshRemaining.Dec())
	}
}

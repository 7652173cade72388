package liquidation

import (
	"testing"

	"github.com/holiman/uint256"

	"liquidationqueue/storage"
)

func TestStoreParamsRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	if _, ok, err := store.GetParams(); err != nil || ok {
		t.Fatalf("expected no params, got ok=%v err=%v", ok, err)
	}
	params := &Params{
		Owner:         ownerAddr,
		LendingSystem: lendingAddr,
		StableDenom:   testStable,
		WaitingPeriod: 600,
		BidFee:        MustParseDecimal("0.005"),
		FeeCollector:  feeAddr,
	}
	if err := store.PutParams(params); err != nil {
		t.Fatalf("put params: %v", err)
	}
	got, ok, err := store.GetParams()
	if err != nil || !ok {
		t.Fatalf("get params: %v", err)
	}
	if !got.Owner.Equal(ownerAddr) || !got.FeeCollector.Equal(feeAddr) || got.WaitingPeriod != 600 {
		t.Fatalf("unexpected params %+v", got)
	}
	if got.BidFee.String() != "0.005" || !got.LiquidatorFee.IsZero() {
		t.Fatalf("unexpected fees %s / %s", got.BidFee, got.LiquidatorFee)
	}
}

func TestStoreQueuesAndSlots(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	for _, asset := range []string{"ueth", "ubtc"} {
		q := &Queue{Asset: asset, MaxPremium: 2, WaitingPeriod: 60}
		q.BidThreshold.SetUint64(5000)
		if err := store.PutQueue(q); err != nil {
			t.Fatalf("put queue: %v", err)
		}
	}
	queues, err := store.ListQueues()
	if err != nil || len(queues) != 2 || queues[0].Asset != "ubtc" || queues[1].BidThreshold.Uint64() != 5000 {
		t.Fatalf("unexpected queues %v %v", queues, err)
	}

	for premium := uint64(0); premium <= 11; premium++ {
		slot := NewPremiumSlot("ubtc", premium)
		if err := store.PutSlot(&slot); err != nil {
			t.Fatalf("put slot: %v", err)
		}
	}
	other := NewPremiumSlot("ubtc2", 0)
	if err := store.PutSlot(&other); err != nil {
		t.Fatalf("put slot: %v", err)
	}
	slots, err := store.ListSlots("ubtc")
	if err != nil || len(slots) != 12 {
		t.Fatalf("expected 12 slots, got %d %v", len(slots), err)
	}
	for i, slot := range slots {
		if slot.Premium != uint64(i) {
			t.Fatalf("slots out of order at %d: %d", i, slot.Premium)
		}
	}

	slot := slotWithTotal(1000)
	next, record := mustOffset(t, slot, 300, MustParseDecimal("250.5"))
	if err := store.PutSlot(&next); err != nil {
		t.Fatalf("put slot: %v", err)
	}
	loaded, ok, err := store.GetSlot("ubtc", 0)
	if err != nil || !ok {
		t.Fatalf("get slot: %v", err)
	}
	if *loaded != next {
		t.Fatalf("slot changed across storage: %+v vs %+v", loaded, next)
	}

	if err := store.PutArchivedSum("ubtc", 0, record.Epoch, record.Scale, record.Sum); err != nil {
		t.Fatalf("archive: %v", err)
	}
	sum, ok, err := store.GetArchivedSum("ubtc", 0, record.Epoch, record.Scale)
	if err != nil || !ok || !sum.Equal(record.Sum) {
		t.Fatalf("unexpected archived sum %s %v %v", sum, ok, err)
	}
	if _, ok, _ := store.GetArchivedSum("ubtc", 0, record.Epoch+1, 0); ok {
		t.Fatalf("unexpected archive entry")
	}
}

func TestStoreBidIndexes(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	slot := NewPremiumSlot("ubtc", 1)
	var bids []*Bid
	for i, tc := range []struct {
		premium uint64
		waiting bool
	}{{1, false}, {1, true}, {2, false}} {
		id, err := store.NextBidID()
		if err != nil || id != uint64(i+1) {
			t.Fatalf("unexpected id %d %v", id, err)
		}
		bid := &Bid{ID: id, Owner: aliceAddr, Asset: "ubtc", Premium: tc.premium, Amount: *uint256.NewInt(100 * id)}
		bid.snapshot(&slot)
		if tc.waiting {
			end := int64(1234)
			bid.WaitEnd = &end
		}
		if err := store.PutBid(bid); err != nil {
			t.Fatalf("put bid: %v", err)
		}
		bids = append(bids, bid)
	}
	bobBid := &Bid{ID: 4, Owner: bobAddr, Asset: "ubtc", Premium: 1, Amount: *uint256.NewInt(7)}
	if err := store.PutBid(bobBid); err != nil {
		t.Fatalf("put bid: %v", err)
	}

	owned, err := store.BidsByOwner("ubtc", aliceAddr)
	if err != nil || len(owned) != 3 {
		t.Fatalf("expected 3 alice bids, got %d %v", len(owned), err)
	}
	if !owned[1].Waiting() || *owned[1].WaitEnd != 1234 || owned[0].Waiting() {
		t.Fatalf("waiting state lost: %+v", owned)
	}
	if !owned[0].ProductSnapshot.Equal(DecimalOne()) || owned[2].Amount.Uint64() != 300 {
		t.Fatalf("unexpected bid contents %+v", owned[0])
	}
	inSlot, err := store.BidsBySlot("ubtc", 1)
	if err != nil || len(inSlot) != 3 || inSlot[2].ID != 4 {
		t.Fatalf("unexpected slot bids %v %v", inSlot, err)
	}

	if err := store.DeleteBid(bids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.GetBid(bids[0].ID); ok {
		t.Fatalf("bid still present")
	}
	owned, _ = store.BidsByOwner("ubtc", aliceAddr)
	inSlot, _ = store.BidsBySlot("ubtc", 1)
	if len(owned) != 2 || len(inSlot) != 2 {
		t.Fatalf("indexes not cleaned: %d %d", len(owned), len(inSlot))
	}
}

func TestStoreRequiresDatabase(t *testing.T) {
	var store *Store
	if _, _, err := store.GetParams(); err == nil {
		t.Fatalf("expected error from nil store")
	}
	if err := NewStore(nil).PutQueue(&Queue{Asset: "ubtc"}); err == nil {
		t.Fatalf("expected error without database")
	}
}

package liquidation

import (
	"bytes"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"liquidationqueue/core/events"
	"liquidationqueue/crypto"
	nativecommon "liquidationqueue/native/common"
	"liquidationqueue/storage"
)

const (
	testStable = "uusd"
	testAsset  = "ubtc"
)

func makeAddress(prefix crypto.AddressPrefix, b byte) crypto.Address {
	return crypto.NewAddress(prefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

var (
	ownerAddr   = makeAddress(crypto.AccountPrefix, 0x01)
	lendingAddr = makeAddress(crypto.AccountPrefix, 0x02)
	feeAddr     = makeAddress(crypto.ModulePrefix, 0x03)
	aliceAddr   = makeAddress(crypto.AccountPrefix, 0x10)
	bobAddr     = makeAddress(crypto.AccountPrefix, 0x11)
	keeperAddr  = makeAddress(crypto.AccountPrefix, 0x12)
)

type testHarness struct {
	engine  *Engine
	store   *Store
	events  *events.Buffer
	outbox  *OutboundBuffer
	pauses  *nativecommon.PauseSet
	nowUnix int64
}

func newHarness(t *testing.T, queue GenesisQueue) *testHarness {
	t.Helper()
	h := &testHarness{
		store:   NewStore(storage.NewMemDB()),
		events:  &events.Buffer{},
		outbox:  &OutboundBuffer{},
		pauses:  nativecommon.NewPauseSet(),
		nowUnix: 1_000,
	}
	h.engine = NewEngine()
	h.engine.SetState(h.store)
	h.engine.SetEmitter(h.events)
	h.engine.SetDispatcher(h.outbox)
	h.engine.SetPauses(h.pauses)
	h.engine.SetNowFunc(func() int64 { return h.nowUnix })
	genesis := &Genesis{
		Params: Params{
			Owner:         ownerAddr,
			LendingSystem: lendingAddr,
			StableDenom:   testStable,
			FeeCollector:  feeAddr,
		},
		Queues: []GenesisQueue{queue},
	}
	if err := h.engine.InitGenesis(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	h.events.Drain()
	return h
}

func defaultQueue() GenesisQueue {
	return GenesisQueue{Asset: testAsset, MaxPremium: 10}
}

func stable(amount uint64) []Coin {
	return []Coin{NewCoin(testStable, uint256.NewInt(amount))}
}

func (h *testHarness) submit(t *testing.T, owner crypto.Address, premium, amount uint64) *Bid {
	t.Helper()
	bid, err := h.engine.SubmitBid(owner, testAsset, premium, stable(amount))
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	return bid
}

func (h *testHarness) liquidate(t *testing.T, collateral uint64) *LiquidationReceipt {
	t.Helper()
	receipt, err := h.engine.Liquidate(lendingAddr, request(collateral))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	return receipt
}

func request(collateral uint64) LiquidationRequest {
	return LiquidationRequest{
		Asset:            testAsset,
		Denom:            testAsset,
		CollateralAmount: *uint256.NewInt(collateral),
		CollateralPrice:  DecimalOne(),
		CreditPrice:      DecimalOne(),
		PositionRef:      "loan-1",
	}
}

func (h *testHarness) status(t *testing.T, id uint64) *BidStatus {
	t.Helper()
	status, err := h.engine.BidStatus(id)
	if err != nil {
		t.Fatalf("bid status %d: %v", id, err)
	}
	return status
}

func TestEngineFullDrainThenClaim(t *testing.T) {
	h := newHarness(t, defaultQueue())
	bid := h.submit(t, aliceAddr, 0, 1000)
	if bid.ID != 1 || bid.Waiting() {
		t.Fatalf("expected active bid 1, got %+v", bid)
	}

	receipt := h.liquidate(t, 1000)
	if receipt.CapitalSpent.Uint64() != 1000 || receipt.Repayment.Uint64() != 1000 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	slot, err := h.engine.Slot(testAsset, 0)
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	if slot.CurrentEpoch != 1 || !slot.ProductSnapshot.Equal(DecimalOne()) || !slot.TotalBidAmount.IsZero() {
		t.Fatalf("expected epoch reset, got %+v", slot)
	}
	status := h.status(t, bid.ID)
	if !status.RemainingCapital.IsZero() || status.ClaimableCollateral.Uint64() != 1000 {
		t.Fatalf("unexpected status remaining=%s claimable=%s", status.RemainingCapital.Dec(), status.ClaimableCollateral.Dec())
	}

	msgs := h.outbox.Drain()
	if len(msgs) != 1 || msgs[0].Kind != OutboundRepayment || !msgs[0].To.Equal(lendingAddr) || msgs[0].Coin.Amount.Uint64() != 1000 || msgs[0].PositionRef != "loan-1" {
		t.Fatalf("unexpected outbound %+v", msgs)
	}

	claimed, err := h.engine.ClaimLiquidations(aliceAddr, testAsset, nil)
	if err != nil || claimed.Uint64() != 1000 {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	msgs = h.outbox.Drain()
	if len(msgs) != 1 || msgs[0].Coin.Denom != testAsset || msgs[0].Coin.Amount.Uint64() != 1000 || !msgs[0].To.Equal(aliceAddr) {
		t.Fatalf("unexpected claim transfer %+v", msgs)
	}
	if _, err := h.engine.BidStatus(bid.ID); !errors.Is(err, ErrBidNotFound) {
		t.Fatalf("fully consumed bid must be removed, got %v", err)
	}
	again, err := h.engine.ClaimLiquidations(aliceAddr, testAsset, nil)
	if err != nil || !again.IsZero() {
		t.Fatalf("second claim must be zero: %v %v", again, err)
	}
	if len(h.outbox.Drain()) != 0 {
		t.Fatalf("zero claim must not dispatch")
	}
}

func TestEngineProportionalOffset(t *testing.T) {
	h := newHarness(t, defaultQueue())
	first := h.submit(t, aliceAddr, 3, 1000)
	second := h.submit(t, bobAddr, 3, 1000)

	// 1.5 * 0.97 = 1.455, so one unit of collateral costs one unit of capital.
	req := request(500)
	req.CollateralPrice = MustParseDecimal("1.5")
	req.CreditPrice = MustParseDecimal("1.455")
	if _, err := h.engine.Liquidate(lendingAddr, req); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	for _, id := range []uint64{first.ID, second.ID} {
		status := h.status(t, id)
		if status.RemainingCapital.Uint64() != 750 {
			t.Fatalf("bid %d: expected 750 remaining, got %s", id, status.RemainingCapital.Dec())
		}
		if status.ClaimableCollateral.Uint64() != 250 {
			t.Fatalf("bid %d: expected 250 collateral, got %s", id, status.ClaimableCollateral.Dec())
		}
	}
	q, err := h.engine.Queue(testAsset)
	if err != nil || q.TotalBids.Uint64() != 1500 {
		t.Fatalf("unexpected queue total %v %v", q, err)
	}
}

func TestEngineLiquidationOrderingAcrossSlots(t *testing.T) {
	h := newHarness(t, defaultQueue())
	cheap := h.submit(t, aliceAddr, 1, 100)
	dear := h.submit(t, bobAddr, 4, 1000)

	receipt := h.liquidate(t, 200)
	if len(receipt.Fills) != 2 || receipt.Fills[0].Premium != 1 || !receipt.Fills[0].Drained {
		t.Fatalf("cheaper slot must drain first: %+v", receipt.Fills)
	}
	if s := h.status(t, cheap.ID); !s.RemainingCapital.IsZero() {
		t.Fatalf("cheap bid must be consumed, got %s", s.RemainingCapital.Dec())
	}
	if s := h.status(t, dear.ID); s.RemainingCapital.Uint64() >= 1000 || s.ClaimableCollateral.IsZero() {
		t.Fatalf("dear bid must absorb the rest: %+v", s)
	}
}

func TestEngineInsufficientBidsIsAtomic(t *testing.T) {
	h := newHarness(t, defaultQueue())
	h.submit(t, aliceAddr, 0, 100)
	before, _ := h.engine.Slot(testAsset, 0)

	_, err := h.engine.Liquidate(lendingAddr, request(1000))
	if !errors.Is(err, ErrInsufficientBids) {
		t.Fatalf("expected insufficient bids, got %v", err)
	}
	after, _ := h.engine.Slot(testAsset, 0)
	if *before != *after {
		t.Fatalf("slot mutated by failed liquidation: %+v -> %+v", before, after)
	}
	if len(h.outbox.Drain()) != 0 {
		t.Fatalf("failed liquidation must not dispatch")
	}

	quote, err := h.engine.CheckLiquidatible(testAsset, uint256.NewInt(1000), DecimalOne(), DecimalOne())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if quote.Covered || quote.Plan.Leftover.String() != "900" {
		t.Fatalf("unexpected quote %+v", quote)
	}
}

func TestEngineLiquidateValidation(t *testing.T) {
	h := newHarness(t, defaultQueue())
	h.submit(t, aliceAddr, 0, 100)
	if _, err := h.engine.Liquidate(aliceAddr, request(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	req := request(10)
	req.Denom = testStable
	if _, err := h.engine.Liquidate(lendingAddr, req); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected invalid asset for denom mismatch, got %v", err)
	}
	req = request(10)
	req.Asset = "ueth"
	req.Denom = "ueth"
	if _, err := h.engine.Liquidate(lendingAddr, req); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected invalid asset for unknown queue, got %v", err)
	}
	req = request(10)
	req.CreditPrice = DecimalZero()
	if _, err := h.engine.Liquidate(lendingAddr, req); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
}

func TestEngineFeesSplitCapital(t *testing.T) {
	h := newHarness(t, defaultQueue())
	bidFee := MustParseDecimal("0.01")
	liqFee := MustParseDecimal("0.02")
	if _, err := h.engine.UpdateConfig(ownerAddr, ParamsUpdate{BidFee: &bidFee, LiquidatorFee: &liqFee}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	h.submit(t, aliceAddr, 0, 1000)
	req := request(1000)
	req.Liquidator = keeperAddr
	receipt, err := h.engine.Liquidate(lendingAddr, req)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if receipt.BidFee.Uint64() != 10 || receipt.LiquidatorFee.Uint64() != 20 || receipt.Repayment.Uint64() != 970 {
		t.Fatalf("unexpected fee split %+v", receipt)
	}
	msgs := h.outbox.Drain()
	if len(msgs) != 3 {
		t.Fatalf("expected repayment and two fee transfers, got %+v", msgs)
	}
	if !msgs[1].To.Equal(feeAddr) || msgs[1].Coin.Amount.Uint64() != 10 {
		t.Fatalf("unexpected bid fee transfer %+v", msgs[1])
	}
	if !msgs[2].To.Equal(keeperAddr) || msgs[2].Coin.Amount.Uint64() != 20 {
		t.Fatalf("unexpected liquidator fee transfer %+v", msgs[2])
	}

	h.submit(t, aliceAddr, 0, 1000)
	receipt, err = h.engine.Liquidate(lendingAddr, request(1000))
	if err != nil {
		t.Fatalf("liquidate without liquidator: %v", err)
	}
	if !receipt.LiquidatorFee.IsZero() || receipt.Repayment.Uint64() != 990 {
		t.Fatalf("liquidator share must fold into repayment: %+v", receipt)
	}
}

func TestEngineSubmitBidValidation(t *testing.T) {
	h := newHarness(t, defaultQueue())
	cases := []struct {
		name    string
		asset   string
		premium uint64
		funds   []Coin
		want    error
	}{
		{"unknown queue", "ueth", 0, stable(10), ErrInvalidAsset},
		{"premium above max", testAsset, 11, stable(10), ErrInvalidPremium},
		{"wrong denom", testAsset, 0, []Coin{NewCoin(testAsset, uint256.NewInt(10))}, ErrInvalidFunds},
		{"mixed funds", testAsset, 0, append(stable(10), NewCoin("uatom", uint256.NewInt(1))), ErrInvalidFunds},
		{"no funds", testAsset, 0, nil, ErrInvalidFunds},
		{"zero amount", testAsset, 0, stable(0), ErrInvalidFunds},
	}
	for _, tc := range cases {
		if _, err := h.engine.SubmitBid(aliceAddr, tc.asset, tc.premium, tc.funds); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	h.pauses.SetPaused(moduleName, true)
	if _, err := h.engine.SubmitBid(aliceAddr, testAsset, 0, stable(10)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if _, err := h.engine.Queue(testAsset); err != nil {
		t.Fatalf("queries must work while paused: %v", err)
	}
}

func TestEngineWaitingPeriodAndActivation(t *testing.T) {
	period := uint64(600)
	h := newHarness(t, GenesisQueue{Asset: testAsset, MaxPremium: 5, BidThreshold: *uint256.NewInt(1000), WaitingPeriod: &period})

	first := h.submit(t, aliceAddr, 1, 1200)
	if first.Waiting() {
		t.Fatalf("bid below threshold must activate immediately")
	}
	waiting := h.submit(t, bobAddr, 1, 500)
	if !waiting.Waiting() || *waiting.WaitEnd != 1_600 {
		t.Fatalf("expected waiting bid ending at 1600, got %+v", waiting)
	}
	slot, _ := h.engine.Slot(testAsset, 1)
	if slot.TotalBidAmount.Uint64() != 1200 || slot.TotalWaitingAmount.Uint64() != 500 {
		t.Fatalf("unexpected slot totals %s / %s", slot.TotalBidAmount.Dec(), slot.TotalWaitingAmount.Dec())
	}

	// 100 collateral at 0.99 spends 99, leaving the queue above its threshold.
	h.liquidate(t, 100)
	if s := h.status(t, waiting.ID); s.RemainingCapital.Uint64() != 500 || !s.ClaimableCollateral.IsZero() {
		t.Fatalf("waiting bid must not absorb liquidations: %+v", s)
	}

	if _, err := h.engine.ActivateBids(bobAddr, testAsset, []uint64{waiting.ID}); !errors.Is(err, ErrBidWaiting) {
		t.Fatalf("expected waiting error, got %v", err)
	}
	if _, err := h.engine.ActivateBids(aliceAddr, testAsset, []uint64{waiting.ID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	activated, err := h.engine.ActivateBids(bobAddr, testAsset, nil)
	if err != nil || len(activated) != 0 {
		t.Fatalf("implicit activation must skip ineligible bids: %v %v", activated, err)
	}

	h.nowUnix = 1_600
	activated, err = h.engine.ActivateBids(bobAddr, testAsset, []uint64{waiting.ID})
	if err != nil || len(activated) != 1 || activated[0].Waiting() {
		t.Fatalf("activation: %v %v", activated, err)
	}
	if _, err := h.engine.ActivateBids(bobAddr, testAsset, []uint64{waiting.ID}); !errors.Is(err, ErrBidAlreadyActive) {
		t.Fatalf("expected already active, got %v", err)
	}
	slot, _ = h.engine.Slot(testAsset, 1)
	if slot.TotalBidAmount.Uint64() != 1601 || !slot.TotalWaitingAmount.IsZero() {
		t.Fatalf("unexpected slot totals after activation %s / %s", slot.TotalBidAmount.Dec(), slot.TotalWaitingAmount.Dec())
	}
}

func TestEngineEarlyActivationBelowThreshold(t *testing.T) {
	period := uint64(600)
	h := newHarness(t, GenesisQueue{Asset: testAsset, MaxPremium: 5, BidThreshold: *uint256.NewInt(1000), WaitingPeriod: &period})
	h.submit(t, aliceAddr, 0, 1000)
	waiting := h.submit(t, bobAddr, 0, 300)
	h.liquidate(t, 500)

	activated, err := h.engine.ActivateBids(bobAddr, testAsset, nil)
	if err != nil || len(activated) != 1 || activated[0].ID != waiting.ID {
		t.Fatalf("queue below threshold must activate early: %v %v", activated, err)
	}
}

func TestEngineRetractBid(t *testing.T) {
	h := newHarness(t, defaultQueue())
	bid := h.submit(t, aliceAddr, 2, 1000)
	other := h.submit(t, bobAddr, 2, 1000)

	if _, err := h.engine.RetractBid(bobAddr, testAsset, bid.ID, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := h.engine.RetractBid(aliceAddr, testAsset, 99, nil); !errors.Is(err, ErrBidNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.engine.RetractBid(aliceAddr, testAsset, bid.ID, uint256.NewInt(1001)); !errors.Is(err, ErrRetractExceedsBid) {
		t.Fatalf("expected exceeds error, got %v", err)
	}

	withdrawn, err := h.engine.RetractBid(aliceAddr, testAsset, bid.ID, uint256.NewInt(400))
	if err != nil || withdrawn.Uint64() != 400 {
		t.Fatalf("partial retract: %v %v", withdrawn, err)
	}
	if s := h.status(t, bid.ID); s.RemainingCapital.Uint64() != 600 {
		t.Fatalf("unexpected remaining %s", s.RemainingCapital.Dec())
	}
	msgs := h.outbox.Drain()
	if len(msgs) != 1 || msgs[0].Coin.Denom != testStable || msgs[0].Coin.Amount.Uint64() != 400 {
		t.Fatalf("unexpected retract transfer %+v", msgs)
	}

	h.liquidate(t, 800)
	statusBefore := h.status(t, bid.ID)
	withdrawn, err = h.engine.RetractBid(aliceAddr, testAsset, bid.ID, nil)
	if err != nil || withdrawn.Cmp(&statusBefore.RemainingCapital) != 0 {
		t.Fatalf("full retract: %v %v", withdrawn, err)
	}
	after := h.status(t, bid.ID)
	if !after.RemainingCapital.IsZero() || after.ClaimableCollateral.Cmp(&statusBefore.ClaimableCollateral) != 0 {
		t.Fatalf("retract must keep earned collateral claimable: %+v", after)
	}
	claimed, err := h.engine.ClaimLiquidations(aliceAddr, testAsset, []uint64{bid.ID})
	if err != nil || claimed.Cmp(&statusBefore.ClaimableCollateral) != 0 {
		t.Fatalf("claim after retract: %v %v", claimed, err)
	}
	if _, err := h.engine.BidStatus(bid.ID); !errors.Is(err, ErrBidNotFound) {
		t.Fatalf("empty bid must be deleted, got %v", err)
	}
	if s := h.status(t, other.ID); s.RemainingCapital.IsZero() {
		t.Fatalf("other bid must be untouched by retract")
	}
}

func TestEngineRetractWaitingBid(t *testing.T) {
	period := uint64(60)
	h := newHarness(t, GenesisQueue{Asset: testAsset, MaxPremium: 1, WaitingPeriod: &period})
	bid := h.submit(t, aliceAddr, 1, 700)
	if !bid.Waiting() {
		t.Fatalf("zero threshold queue with waiting period must queue the bid")
	}
	withdrawn, err := h.engine.RetractBid(aliceAddr, testAsset, bid.ID, nil)
	if err != nil || withdrawn.Uint64() != 700 {
		t.Fatalf("retract waiting: %v %v", withdrawn, err)
	}
	slot, _ := h.engine.Slot(testAsset, 1)
	if !slot.TotalWaitingAmount.IsZero() {
		t.Fatalf("waiting total not released: %s", slot.TotalWaitingAmount.Dec())
	}
}

func TestEngineAdmin(t *testing.T) {
	h := newHarness(t, defaultQueue())
	threshold := uint256.NewInt(5)
	if _, err := h.engine.AddQueue(aliceAddr, "ueth", 5, threshold, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := h.engine.AddQueue(ownerAddr, testAsset, 5, threshold, nil); !errors.Is(err, ErrDuplicateQueue) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := h.engine.AddQueue(ownerAddr, "ueth", 100, threshold, nil); !errors.Is(err, ErrInvalidPremium) {
		t.Fatalf("expected invalid premium, got %v", err)
	}
	q, err := h.engine.AddQueue(ownerAddr, " UETH ", 3, threshold, nil)
	if err != nil || q.Asset != "ueth" {
		t.Fatalf("add queue: %v %v", q, err)
	}
	slots, err := h.engine.Slots("ueth")
	if err != nil || len(slots) != 4 {
		t.Fatalf("expected 4 slots, got %d %v", len(slots), err)
	}

	h.submit(t, aliceAddr, 9, 10)
	lower := uint64(5)
	if _, err := h.engine.UpdateQueue(ownerAddr, testAsset, QueueUpdate{MaxPremium: &lower}); !errors.Is(err, ErrInvalidPremium) {
		t.Fatalf("lowering over live bids must fail, got %v", err)
	}
	raise := uint64(20)
	q, err = h.engine.UpdateQueue(ownerAddr, testAsset, QueueUpdate{MaxPremium: &raise})
	if err != nil || q.MaxPremium != 20 {
		t.Fatalf("raise: %v %v", q, err)
	}
	if _, err := h.engine.Slot(testAsset, 20); err != nil {
		t.Fatalf("raised slot must exist: %v", err)
	}

	newOwner := bobAddr
	if _, err := h.engine.UpdateConfig(ownerAddr, ParamsUpdate{Owner: &newOwner}); err != nil {
		t.Fatalf("update owner: %v", err)
	}
	if _, err := h.engine.UpdateConfig(ownerAddr, ParamsUpdate{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("previous owner must lose rights, got %v", err)
	}
	badFee := MustParseDecimal("1")
	if _, err := h.engine.UpdateConfig(bobAddr, ParamsUpdate{BidFee: &badFee}); !errors.Is(err, errInvalidFee) {
		t.Fatalf("expected fee validation error, got %v", err)
	}

	if err := h.engine.SetPaused(aliceAddr, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized pause, got %v", err)
	}
	if err := h.engine.SetPaused(bobAddr, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !h.pauses.IsPaused(moduleName) {
		t.Fatalf("module must be paused")
	}
}

func TestEngineEmitsEvents(t *testing.T) {
	h := newHarness(t, defaultQueue())
	h.submit(t, aliceAddr, 0, 1000)
	h.liquidate(t, 400)
	var kinds []string
	for _, evt := range h.events.Drain() {
		kinds = append(kinds, evt.EventType())
	}
	want := []string{EventTypeBidSubmitted, EventTypeSlotOffset, EventTypeLiquidationExecuted}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, kinds[i], want[i])
		}
	}
}

func TestEngineRequiresGenesis(t *testing.T) {
	engine := NewEngine()
	engine.SetState(NewStore(storage.NewMemDB()))
	if _, err := engine.SubmitBid(aliceAddr, testAsset, 0, stable(1)); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("expected not initialised, got %v", err)
	}
	if _, err := NewEngine().Params(); !errors.Is(err, errNilState) {
		t.Fatalf("expected nil state error, got %v", err)
	}
}

func TestEngineRejectsDuplicateBidIDs(t *testing.T) {
	h := newHarness(t, defaultQueue())
	first := h.submit(t, aliceAddr, 0, 1000)
	h.submit(t, bobAddr, 0, 1000)
	h.liquidate(t, 500)
	h.outbox.Drain()

	if _, err := h.engine.ClaimLiquidations(aliceAddr, testAsset, []uint64{first.ID, first.ID}); !errors.Is(err, ErrDuplicateBidID) {
		t.Fatalf("expected duplicate id error on claim, got %v", err)
	}
	if len(h.outbox.Drain()) != 0 {
		t.Fatalf("rejected claim must not dispatch")
	}
	claimed, err := h.engine.ClaimLiquidations(aliceAddr, testAsset, []uint64{first.ID})
	if err != nil || claimed.Uint64() != 250 {
		t.Fatalf("expected a single 250 payout, got %v %v", claimed, err)
	}
}

func TestEngineActivateRejectsDuplicateBidIDs(t *testing.T) {
	period := uint64(600)
	h := newHarness(t, GenesisQueue{Asset: testAsset, MaxPremium: 5, WaitingPeriod: &period})
	bob := h.submit(t, bobAddr, 1, 1000)
	alice := h.submit(t, aliceAddr, 1, 1000)
	if !bob.Waiting() || !alice.Waiting() {
		t.Fatalf("both bids must wait")
	}
	h.nowUnix += int64(period)

	if _, err := h.engine.ActivateBids(aliceAddr, testAsset, []uint64{alice.ID, alice.ID}); !errors.Is(err, ErrDuplicateBidID) {
		t.Fatalf("expected duplicate id error on activation, got %v", err)
	}
	if _, err := h.engine.ActivateBids(aliceAddr, testAsset, []uint64{alice.ID}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	slot, _ := h.engine.Slot(testAsset, 1)
	if slot.TotalBidAmount.Uint64() != 1000 || slot.TotalWaitingAmount.Uint64() != 1000 {
		t.Fatalf("slot books out of balance: active %s waiting %s", slot.TotalBidAmount.Dec(), slot.TotalWaitingAmount.Dec())
	}
	q, _ := h.engine.Queue(testAsset)
	if q.TotalBids.Uint64() != 1000 {
		t.Fatalf("unexpected queue total %s", q.TotalBids.Dec())
	}
	if s := h.status(t, bob.ID); !s.Waiting {
		t.Fatalf("bob's bid must still wait")
	}
}

func TestEngineSubUnitLiquidationsSpendCapital(t *testing.T) {
	h := newHarness(t, defaultQueue())
	bid := h.submit(t, aliceAddr, 10, 1000)
	req := request(1)
	req.CollateralPrice = MustParseDecimal("0.5")
	for i := 0; i < 3; i++ {
		receipt, err := h.engine.Liquidate(lendingAddr, req)
		if err != nil {
			t.Fatalf("liquidate %d: %v", i, err)
		}
		if receipt.CapitalSpent.Uint64() != 1 || receipt.Repayment.Uint64() != 1 {
			t.Fatalf("liquidation %d must spend capital: %+v", i, receipt)
		}
	}
	status := h.status(t, bid.ID)
	if status.RemainingCapital.Uint64() != 997 {
		t.Fatalf("expected 997 remaining, got %s", status.RemainingCapital.Dec())
	}
	if status.ClaimableCollateral.Uint64() > 3 {
		t.Fatalf("claimable collateral exceeds what was sold: %s", status.ClaimableCollateral.Dec())
	}
}

func TestEngineRetractConsumedBidFails(t *testing.T) {
	h := newHarness(t, defaultQueue())
	bid := h.submit(t, aliceAddr, 0, 1000)
	h.liquidate(t, 1000)
	h.outbox.Drain()

	if _, err := h.engine.RetractBid(aliceAddr, testAsset, bid.ID, nil); !errors.Is(err, ErrBidNotFound) {
		t.Fatalf("expected consumed bid error, got %v", err)
	}
	if len(h.outbox.Drain()) != 0 {
		t.Fatalf("failed retract must not dispatch")
	}
	if s := h.status(t, bid.ID); s.ClaimableCollateral.Uint64() != 1000 {
		t.Fatalf("collateral must stay claimable, got %s", s.ClaimableCollateral.Dec())
	}
	claimed, err := h.engine.ClaimLiquidations(aliceAddr, testAsset, nil)
	if err != nil || claimed.Uint64() != 1000 {
		t.Fatalf("claim: %v %v", claimed, err)
	}
}

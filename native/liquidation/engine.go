package liquidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"liquidationqueue/core/events"
	"liquidationqueue/core/types"
	"liquidationqueue/crypto"
	nativecommon "liquidationqueue/native/common"
)

const (
	// MaxPremiumLimit bounds the premium of any slot. A premium of 100 would
	// price collateral at zero.
	MaxPremiumLimit = 99
	maxAssetLength  = 128
)

var errAlreadyInitialised = errors.New("liquidation queue: module already initialised")

type engineState interface {
	GetParams() (*Params, bool, error)
	PutParams(p *Params) error
	GetQueue(asset string) (*Queue, bool, error)
	PutQueue(q *Queue) error
	ListQueues() ([]*Queue, error)
	GetSlot(asset string, premium uint64) (*PremiumSlot, bool, error)
	PutSlot(slot *PremiumSlot) error
	ListSlots(asset string) ([]*PremiumSlot, error)
	PutArchivedSum(asset string, premium, epoch, scale uint64, sum Decimal) error
	GetArchivedSum(asset string, premium, epoch, scale uint64) (Decimal, bool, error)
	GetBid(id uint64) (*Bid, bool, error)
	PutBid(b *Bid) error
	DeleteBid(b *Bid) error
	BidsByOwner(asset string, owner crypto.Address) ([]*Bid, error)
	BidsBySlot(asset string, premium uint64) ([]*Bid, error)
	NextBidID() (uint64, error)
}

// pauseSetter is implemented by pause views that can be toggled at runtime.
type pauseSetter interface {
	SetPaused(module string, paused bool)
}

// Engine executes the liquidation queue messages against the injected state.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	dispatcher Dispatcher
	pauses     nativecommon.PauseView
	nowFn      func() int64
}

// NewEngine constructs an engine with a no-op emitter and an in-memory
// outbound buffer.
func NewEngine() *Engine {
	return &Engine{
		emitter:    events.NoopEmitter{},
		dispatcher: &OutboundBuffer{},
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event sink. Nil resets to a no-op emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetDispatcher configures the receiver of outbound token movements.
func (e *Engine) SetDispatcher(d Dispatcher) {
	if d == nil {
		e.dispatcher = &OutboundBuffer{}
		return
	}
	e.dispatcher = d
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the clock used for waiting periods.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil || now == nil {
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(liquidationEvent{evt: event})
}

func (e *Engine) dispatch(msg Outbound) error {
	if msg.Coin.Amount.IsZero() {
		return nil
	}
	return e.dispatcher.Dispatch(msg)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) writable() error {
	if err := e.ready(); err != nil {
		return err
	}
	return nativecommon.Guard(e.pauses, moduleName)
}

func (e *Engine) params() (*Params, error) {
	params, ok, err := e.state.GetParams()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialised
	}
	return params, nil
}

func (e *Engine) ownerParams(caller crypto.Address) (*Params, error) {
	params, err := e.params()
	if err != nil {
		return nil, err
	}
	if caller.IsZero() || !caller.Equal(params.Owner) {
		return nil, ErrUnauthorized
	}
	return params, nil
}

func (e *Engine) queue(asset string) (*Queue, error) {
	q, ok, err := e.state.GetQueue(normalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no queue for %q", ErrInvalidAsset, asset)
	}
	return q, nil
}

func (e *Engine) slot(asset string, premium uint64) (*PremiumSlot, error) {
	slot, ok, err := e.state.GetSlot(asset, premium)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no slot %d for %q", ErrInvalidPremium, premium, asset)
	}
	return slot, nil
}

func (e *Engine) archive(slot *PremiumSlot) SumLookup {
	asset, premium := slot.Asset, slot.Premium
	return func(epoch, scale uint64) (Decimal, bool, error) {
		return e.state.GetArchivedSum(asset, premium, epoch, scale)
	}
}

func validateAsset(asset string) (string, error) {
	normalized := normalizeAsset(asset)
	if normalized == "" || len(normalized) > maxAssetLength || strings.ContainsAny(normalized, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
	}
	return normalized, nil
}

// InitGenesis stores the initial parameters and registers the genesis queues.
func (e *Engine) InitGenesis(genesis *Genesis) error {
	if err := e.ready(); err != nil {
		return err
	}
	if genesis == nil {
		return fmt.Errorf("liquidation queue: nil genesis")
	}
	if _, ok, err := e.state.GetParams(); err != nil {
		return err
	} else if ok {
		return errAlreadyInitialised
	}
	params := genesis.Params
	params.StableDenom = normalizeAsset(params.StableDenom)
	if err := params.Validate(); err != nil {
		return err
	}
	if err := e.state.PutParams(&params); err != nil {
		return err
	}
	e.emit(NewParamsUpdatedEvent(params))
	for _, gq := range genesis.Queues {
		threshold := gq.BidThreshold
		if _, err := e.addQueue(&params, gq.Asset, gq.MaxPremium, &threshold, gq.WaitingPeriod); err != nil {
			return fmt.Errorf("genesis queue %q: %w", gq.Asset, err)
		}
	}
	return nil
}

// AddQueue registers a collateral asset and creates its premium slots.
func (e *Engine) AddQueue(caller crypto.Address, asset string, maxPremium uint64, bidThreshold *uint256.Int, waitingPeriod *uint64) (*Queue, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	params, err := e.ownerParams(caller)
	if err != nil {
		return nil, err
	}
	return e.addQueue(params, asset, maxPremium, bidThreshold, waitingPeriod)
}

func (e *Engine) addQueue(params *Params, asset string, maxPremium uint64, bidThreshold *uint256.Int, waitingPeriod *uint64) (*Queue, error) {
	normalized, err := validateAsset(asset)
	if err != nil {
		return nil, err
	}
	if normalized == params.StableDenom {
		return nil, fmt.Errorf("%w: stable denom cannot be collateral", ErrInvalidAsset)
	}
	if maxPremium > MaxPremiumLimit {
		return nil, fmt.Errorf("%w: max premium %d exceeds %d", ErrInvalidPremium, maxPremium, MaxPremiumLimit)
	}
	if _, ok, err := e.state.GetQueue(normalized); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateQueue, normalized)
	}
	q := &Queue{Asset: normalized, MaxPremium: maxPremium, WaitingPeriod: params.WaitingPeriod}
	if bidThreshold != nil {
		q.BidThreshold.Set(bidThreshold)
	}
	if waitingPeriod != nil {
		q.WaitingPeriod = *waitingPeriod
	}
	if err := e.ensureSlots(normalized, 0, maxPremium); err != nil {
		return nil, err
	}
	if err := e.state.PutQueue(q); err != nil {
		return nil, err
	}
	e.emit(NewQueueAddedEvent(q))
	return q, nil
}

func (e *Engine) ensureSlots(asset string, from, to uint64) error {
	for premium := from; premium <= to; premium++ {
		if _, ok, err := e.state.GetSlot(asset, premium); err != nil {
			return err
		} else if ok {
			continue
		}
		slot := NewPremiumSlot(asset, premium)
		if err := e.state.PutSlot(&slot); err != nil {
			return err
		}
	}
	return nil
}

// UpdateQueue changes a queue's configuration. Lowering the maximum premium
// requires every dropped slot to be empty.
func (e *Engine) UpdateQueue(caller crypto.Address, asset string, update QueueUpdate) (*Queue, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	if _, err := e.ownerParams(caller); err != nil {
		return nil, err
	}
	q, err := e.queue(asset)
	if err != nil {
		return nil, err
	}
	if update.MaxPremium != nil {
		next := *update.MaxPremium
		if next > MaxPremiumLimit {
			return nil, fmt.Errorf("%w: max premium %d exceeds %d", ErrInvalidPremium, next, MaxPremiumLimit)
		}
		switch {
		case next > q.MaxPremium:
			if err := e.ensureSlots(q.Asset, q.MaxPremium+1, next); err != nil {
				return nil, err
			}
		case next < q.MaxPremium:
			for premium := next + 1; premium <= q.MaxPremium; premium++ {
				slot, err := e.slot(q.Asset, premium)
				if err != nil {
					return nil, err
				}
				if !slot.TotalBidAmount.IsZero() || !slot.TotalWaitingAmount.IsZero() {
					return nil, fmt.Errorf("%w: slot %d still holds bids", ErrInvalidPremium, premium)
				}
			}
		}
		q.MaxPremium = next
	}
	if update.BidThreshold != nil {
		q.BidThreshold.Set(update.BidThreshold)
	}
	if update.WaitingPeriod != nil {
		q.WaitingPeriod = *update.WaitingPeriod
	}
	if err := e.state.PutQueue(q); err != nil {
		return nil, err
	}
	e.emit(NewQueueUpdatedEvent(q))
	return q, nil
}

// UpdateConfig applies owner changes to the module parameters.
func (e *Engine) UpdateConfig(caller crypto.Address, update ParamsUpdate) (*Params, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	params, err := e.ownerParams(caller)
	if err != nil {
		return nil, err
	}
	if update.Owner != nil {
		params.Owner = *update.Owner
	}
	if update.LendingSystem != nil {
		params.LendingSystem = *update.LendingSystem
	}
	if update.WaitingPeriod != nil {
		params.WaitingPeriod = *update.WaitingPeriod
	}
	if update.BidFee != nil {
		params.BidFee = *update.BidFee
	}
	if update.LiquidatorFee != nil {
		params.LiquidatorFee = *update.LiquidatorFee
	}
	if update.FeeCollector != nil {
		params.FeeCollector = *update.FeeCollector
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := e.state.PutParams(params); err != nil {
		return nil, err
	}
	e.emit(NewParamsUpdatedEvent(*params))
	return params, nil
}

// SetPaused toggles the module pause switch. Queries keep working while
// paused.
func (e *Engine) SetPaused(caller crypto.Address, paused bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if _, err := e.ownerParams(caller); err != nil {
		return err
	}
	setter, ok := e.pauses.(pauseSetter)
	if !ok {
		return fmt.Errorf("liquidation queue: pause switch not configured")
	}
	setter.SetPaused(moduleName, paused)
	return nil
}

// SubmitBid places stable capital into the slot at premium. The bid joins the
// active set immediately while the queue's active capital is below its bid
// threshold or the queue has no waiting period; otherwise it waits.
func (e *Engine) SubmitBid(owner crypto.Address, asset string, premium uint64, funds []Coin) (*Bid, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	params, err := e.params()
	if err != nil {
		return nil, err
	}
	if owner.IsZero() {
		return nil, ErrUnauthorized
	}
	q, err := e.queue(asset)
	if err != nil {
		return nil, err
	}
	if premium > q.MaxPremium {
		return nil, fmt.Errorf("%w: premium %d above max %d", ErrInvalidPremium, premium, q.MaxPremium)
	}
	if len(funds) != 1 || normalizeAsset(funds[0].Denom) != params.StableDenom || funds[0].Amount.IsZero() {
		return nil, ErrInvalidFunds
	}
	amount := funds[0].Amount
	slot, err := e.slot(q.Asset, premium)
	if err != nil {
		return nil, err
	}
	id, err := e.state.NextBidID()
	if err != nil {
		return nil, err
	}
	bid := &Bid{ID: id, Owner: owner, Asset: q.Asset, Premium: premium, Amount: amount}

	if q.TotalBids.Lt(&q.BidThreshold) || q.WaitingPeriod == 0 {
		if err := activate(bid, slot, q); err != nil {
			return nil, err
		}
		if err := e.state.PutQueue(q); err != nil {
			return nil, err
		}
	} else {
		end := e.now() + int64(q.WaitingPeriod)
		bid.WaitEnd = &end
		waiting, err := checkedAdd(&slot.TotalWaitingAmount, &amount)
		if err != nil {
			return nil, err
		}
		slot.TotalWaitingAmount.Set(waiting)
	}
	if err := e.state.PutSlot(slot); err != nil {
		return nil, err
	}
	if err := e.state.PutBid(bid); err != nil {
		return nil, err
	}
	e.emit(NewBidSubmittedEvent(bid))
	return bid, nil
}

// activate moves the bid's capital into the slot's active total and snapshots
// the slot accumulators.
func activate(bid *Bid, slot *PremiumSlot, q *Queue) error {
	total, err := checkedAdd(&slot.TotalBidAmount, &bid.Amount)
	if err != nil {
		return err
	}
	queueTotal, err := checkedAdd(&q.TotalBids, &bid.Amount)
	if err != nil {
		return err
	}
	slot.TotalBidAmount.Set(total)
	q.TotalBids.Set(queueTotal)
	bid.WaitEnd = nil
	bid.snapshot(slot)
	return nil
}

// ActivateBids moves the owner's waiting bids into the active set. A bid is
// eligible once its waiting period elapsed, or early while the queue's active
// capital is below the bid threshold. Without ids every eligible waiting bid of
// the owner is activated.
func (e *Engine) ActivateBids(owner crypto.Address, asset string, ids []uint64) ([]*Bid, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	if _, err := e.params(); err != nil {
		return nil, err
	}
	q, err := e.queue(asset)
	if err != nil {
		return nil, err
	}
	if err := uniqueIDs(ids); err != nil {
		return nil, err
	}
	explicit := len(ids) > 0
	var candidates []*Bid
	if explicit {
		for _, id := range ids {
			bid, err := e.ownedBid(owner, q.Asset, id)
			if err != nil {
				return nil, err
			}
			if !bid.Waiting() {
				return nil, fmt.Errorf("%w: bid %d", ErrBidAlreadyActive, id)
			}
			candidates = append(candidates, bid)
		}
	} else {
		all, err := e.state.BidsByOwner(q.Asset, owner)
		if err != nil {
			return nil, err
		}
		for _, bid := range all {
			if bid.Waiting() {
				candidates = append(candidates, bid)
			}
		}
	}

	now := e.now()
	activated := make([]*Bid, 0, len(candidates))
	for _, bid := range candidates {
		if now < *bid.WaitEnd && !q.TotalBids.Lt(&q.BidThreshold) {
			if explicit {
				return nil, fmt.Errorf("%w: bid %d until %d", ErrBidWaiting, bid.ID, *bid.WaitEnd)
			}
			continue
		}
		slot, err := e.slot(q.Asset, bid.Premium)
		if err != nil {
			return nil, err
		}
		waitingLeft, err := checkedSub(&slot.TotalWaitingAmount, &bid.Amount)
		if err != nil {
			return nil, fmt.Errorf("slot %d waiting total: %w", slot.Premium, err)
		}
		slot.TotalWaitingAmount.Set(waitingLeft)
		if err := activate(bid, slot, q); err != nil {
			return nil, err
		}
		if err := e.state.PutSlot(slot); err != nil {
			return nil, err
		}
		if err := e.state.PutBid(bid); err != nil {
			return nil, err
		}
		e.emit(NewBidActivatedEvent(bid))
		activated = append(activated, bid)
	}
	if len(activated) > 0 {
		if err := e.state.PutQueue(q); err != nil {
			return nil, err
		}
	}
	return activated, nil
}

// uniqueIDs rejects id lists naming a bid twice. Bids are loaded before any
// of them is settled, so a repeated id would be settled from a stale snapshot.
func uniqueIDs(ids []uint64) error {
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateBidID, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (e *Engine) ownedBid(owner crypto.Address, asset string, id uint64) (*Bid, error) {
	bid, ok, err := e.state.GetBid(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBidNotFound, id)
	}
	if !bid.Owner.Equal(owner) {
		return nil, ErrUnauthorized
	}
	if bid.Asset != asset {
		return nil, fmt.Errorf("%w: bid %d belongs to %s", ErrInvalidAsset, id, bid.Asset)
	}
	return bid, nil
}

// RetractBid withdraws amount, or the whole remaining capital when amount is
// nil, from a bid. Collateral earned so far stays claimable.
func (e *Engine) RetractBid(owner crypto.Address, asset string, id uint64, amount *uint256.Int) (*uint256.Int, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	params, err := e.params()
	if err != nil {
		return nil, err
	}
	q, err := e.queue(asset)
	if err != nil {
		return nil, err
	}
	if amount != nil && amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	bid, err := e.ownedBid(owner, q.Asset, id)
	if err != nil {
		return nil, err
	}
	slot, err := e.slot(q.Asset, bid.Premium)
	if err != nil {
		return nil, err
	}

	withdraw := new(uint256.Int)
	if bid.Waiting() {
		withdraw.Set(&bid.Amount)
		if amount != nil {
			if amount.Gt(&bid.Amount) {
				return nil, fmt.Errorf("%w: %s > %s", ErrRetractExceedsBid, amount.Dec(), bid.Amount.Dec())
			}
			withdraw.Set(amount)
		}
		waitingLeft, err := checkedSub(&slot.TotalWaitingAmount, withdraw)
		if err != nil {
			return nil, fmt.Errorf("slot %d waiting total: %w", slot.Premium, err)
		}
		bid.Amount.Sub(&bid.Amount, withdraw)
		slot.TotalWaitingAmount.Set(waitingLeft)
	} else {
		remaining, _, err := CompoundedBid(bid, slot)
		if err != nil {
			return nil, err
		}
		if remaining.IsZero() {
			// earned collateral stays claimable through ClaimLiquidations
			return nil, fmt.Errorf("%w: bid %d fully consumed", ErrBidNotFound, id)
		}
		gained, _, err := AccruedCollateral(bid, slot, e.archive(slot))
		if err != nil {
			return nil, err
		}
		pending, err := checkedAdd(&bid.PendingCollateral, &gained)
		if err != nil {
			return nil, err
		}
		bid.PendingCollateral.Set(pending)
		withdraw.Set(&remaining)
		if amount != nil {
			if amount.Gt(&remaining) {
				return nil, fmt.Errorf("%w: %s > %s", ErrRetractExceedsBid, amount.Dec(), remaining.Dec())
			}
			withdraw.Set(amount)
		}
		withdraw = minUint(withdraw, &slot.TotalBidAmount)
		slot.TotalBidAmount.Sub(&slot.TotalBidAmount, withdraw)
		q.TotalBids.Set(saturatingSub(&q.TotalBids, withdraw))
		bid.Amount.Set(saturatingSub(&remaining, withdraw))
		bid.snapshot(slot)
		if err := e.state.PutQueue(q); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutSlot(slot); err != nil {
		return nil, err
	}
	if err := e.storeOrDelete(bid); err != nil {
		return nil, err
	}
	if err := e.dispatch(Outbound{Kind: OutboundTransfer, To: owner, Coin: NewCoin(params.StableDenom, withdraw)}); err != nil {
		return nil, err
	}
	e.emit(NewBidRetractedEvent(bid, withdraw))
	return withdraw, nil
}

func (e *Engine) storeOrDelete(bid *Bid) error {
	if bid.Amount.IsZero() && bid.PendingCollateral.IsZero() {
		return e.state.DeleteBid(bid)
	}
	return e.state.PutBid(bid)
}

// ClaimLiquidations pays out the collateral earned by the owner's active bids
// in a queue and resets their snapshots. Without ids every bid of the owner in
// the queue is claimed.
func (e *Engine) ClaimLiquidations(owner crypto.Address, asset string, ids []uint64) (*uint256.Int, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	if _, err := e.params(); err != nil {
		return nil, err
	}
	q, err := e.queue(asset)
	if err != nil {
		return nil, err
	}
	if err := uniqueIDs(ids); err != nil {
		return nil, err
	}
	var bids []*Bid
	if len(ids) > 0 {
		for _, id := range ids {
			bid, err := e.ownedBid(owner, q.Asset, id)
			if err != nil {
				return nil, err
			}
			bids = append(bids, bid)
		}
	} else {
		if bids, err = e.state.BidsByOwner(q.Asset, owner); err != nil {
			return nil, err
		}
	}

	total := new(uint256.Int)
	residue := DecimalZero()
	for _, bid := range bids {
		if bid.Waiting() {
			continue
		}
		slot, err := e.slot(q.Asset, bid.Premium)
		if err != nil {
			return nil, err
		}
		gained, fraction, err := AccruedCollateral(bid, slot, e.archive(slot))
		if err != nil {
			return nil, err
		}
		remaining, _, err := CompoundedBid(bid, slot)
		if err != nil {
			return nil, err
		}
		claimed, err := checkedAdd(&bid.PendingCollateral, &gained)
		if err != nil {
			return nil, err
		}
		if total, err = checkedAdd(total, claimed); err != nil {
			return nil, err
		}
		if residue, err = residue.Add(fraction); err != nil {
			return nil, err
		}
		bid.PendingCollateral.Clear()
		bid.Amount.Set(&remaining)
		bid.snapshot(slot)
		if err := e.storeOrDelete(bid); err != nil {
			return nil, err
		}
		e.emit(NewBidClaimedEvent(bid, claimed))
	}
	total, err = checkedAdd(total, residue.Floor())
	if err != nil {
		return nil, err
	}
	if err := e.dispatch(Outbound{Kind: OutboundTransfer, To: owner, Coin: NewCoin(q.Asset, total)}); err != nil {
		return nil, err
	}
	return total, nil
}

// Liquidate sells collateral to the queue on behalf of the lending system.
// Either every slot fill is applied or, when the bids cannot cover the whole
// amount, nothing is and ErrInsufficientBids is returned.
func (e *Engine) Liquidate(caller crypto.Address, req LiquidationRequest) (*LiquidationReceipt, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	params, err := e.params()
	if err != nil {
		return nil, err
	}
	if caller.IsZero() || !caller.Equal(params.LendingSystem) {
		return nil, ErrUnauthorized
	}
	q, err := e.queue(req.Asset)
	if err != nil {
		return nil, err
	}
	if normalizeAsset(req.Denom) != q.Asset {
		return nil, fmt.Errorf("%w: collateral denom %q does not match queue %s", ErrInvalidAsset, req.Denom, q.Asset)
	}
	slots, err := e.activeSlots(q)
	if err != nil {
		return nil, err
	}
	values := make([]PremiumSlot, len(slots))
	for i, slot := range slots {
		values[i] = *slot
	}
	plan, err := PlanLiquidation(values, &req.CollateralAmount, req.CollateralPrice, req.CreditPrice)
	if err != nil {
		return nil, err
	}
	if !plan.Covered() {
		return nil, fmt.Errorf("%w: %s of %s collateral uncovered", ErrInsufficientBids, plan.Leftover, req.CollateralAmount.Dec())
	}

	byPremium := make(map[uint64]*PremiumSlot, len(slots))
	for _, slot := range slots {
		byPremium[slot.Premium] = slot
	}
	consumed := new(uint256.Int).Set(&plan.CapitalSpent)
	for _, fill := range plan.Fills {
		slot := byPremium[fill.Premium]
		next, record, err := ApplyOffset(*slot, &fill.CapitalUsed, fill.Collateral)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", fill.Premium, err)
		}
		if err := e.state.PutArchivedSum(slot.Asset, slot.Premium, record.Epoch, record.Scale, record.Sum); err != nil {
			return nil, err
		}
		if err := e.state.PutSlot(&next); err != nil {
			return nil, err
		}
		if consumed, err = checkedAdd(consumed, &record.Forfeited); err != nil {
			return nil, err
		}
		e.emit(NewSlotOffsetEvent(&next, record))
	}
	q.TotalBids.Set(saturatingSub(&q.TotalBids, consumed))
	if err := e.state.PutQueue(q); err != nil {
		return nil, err
	}

	quote, err := quoteFees(params, &plan.CapitalSpent, !req.Liquidator.IsZero())
	if err != nil {
		return nil, err
	}
	receipt := &LiquidationReceipt{
		Asset:         q.Asset,
		PositionRef:   req.PositionRef,
		Fills:         plan.Fills,
		CapitalSpent:  plan.CapitalSpent,
		Repayment:     quote.Repayment,
		BidFee:        quote.BidFee,
		LiquidatorFee: quote.LiquidatorFee,
	}
	receipt.CollateralAmount.Set(&req.CollateralAmount)

	if err := e.dispatch(Outbound{
		Kind:        OutboundRepayment,
		To:          params.LendingSystem,
		Coin:        NewCoin(params.StableDenom, &receipt.Repayment),
		PositionRef: req.PositionRef,
	}); err != nil {
		return nil, err
	}
	if err := e.dispatch(Outbound{Kind: OutboundTransfer, To: params.FeeCollector, Coin: NewCoin(params.StableDenom, &receipt.BidFee), PositionRef: req.PositionRef}); err != nil {
		return nil, err
	}
	if err := e.dispatch(Outbound{Kind: OutboundTransfer, To: req.Liquidator, Coin: NewCoin(params.StableDenom, &receipt.LiquidatorFee), PositionRef: req.PositionRef}); err != nil {
		return nil, err
	}
	e.emit(NewLiquidationExecutedEvent(receipt))
	return receipt, nil
}

// activeSlots returns the queue's slots up to its maximum premium in ascending
// premium order.
func (e *Engine) activeSlots(q *Queue) ([]*PremiumSlot, error) {
	all, err := e.state.ListSlots(q.Asset)
	if err != nil {
		return nil, err
	}
	slots := make([]*PremiumSlot, 0, len(all))
	for _, slot := range all {
		if slot.Premium <= q.MaxPremium {
			slots = append(slots, slot)
		}
	}
	return slots, nil
}

// FeeQuote splits capital spent on a liquidation between fees and repayment.
type FeeQuote struct {
	BidFee        uint256.Int
	LiquidatorFee uint256.Int
	Repayment     uint256.Int
}

// quoteFees charges the bid fee and, when a liquidator is present, the
// liquidator fee. Without a liquidator that share stays in the repayment.
func quoteFees(params *Params, spent *uint256.Int, withLiquidator bool) (FeeQuote, error) {
	var quote FeeQuote
	bidFee, err := mulUintDecimal(spent, params.BidFee)
	if err != nil {
		return quote, err
	}
	quote.BidFee.Set(bidFee)
	if withLiquidator {
		liqFee, err := mulUintDecimal(spent, params.LiquidatorFee)
		if err != nil {
			return quote, err
		}
		quote.LiquidatorFee.Set(liqFee)
	}
	fees, err := checkedAdd(&quote.BidFee, &quote.LiquidatorFee)
	if err != nil {
		return quote, err
	}
	repayment, err := checkedSub(spent, fees)
	if err != nil {
		return quote, err
	}
	quote.Repayment.Set(repayment)
	return quote, nil
}

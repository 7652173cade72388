package liquidation

import (
	"fmt"

	"github.com/holiman/uint256"

	"liquidationqueue/crypto"
)

// Params returns the module parameters.
func (e *Engine) Params() (*Params, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.params()
}

// Queue returns the queue of an asset.
func (e *Engine) Queue(asset string) (*Queue, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.queue(asset)
}

// Queues lists every queue ordered by asset.
func (e *Engine) Queues() ([]*Queue, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.ListQueues()
}

// Slot returns one premium slot of a queue.
func (e *Engine) Slot(asset string, premium uint64) (*PremiumSlot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	q, err := e.queue(asset)
	if err != nil {
		return nil, err
	}
	if premium > q.MaxPremium {
		return nil, fmt.Errorf("%w: premium %d above max %d", ErrInvalidPremium, premium, q.MaxPremium)
	}
	return e.slot(q.Asset, premium)
}

// Slots lists the queue's slots in ascending premium order.
func (e *Engine) Slots(asset string) ([]*PremiumSlot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	q, err := e.queue(asset)
	if err != nil {
		return nil, err
	}
	return e.activeSlots(q)
}

// BidStatus reconstructs a bid's remaining capital and claimable collateral.
func (e *Engine) BidStatus(id uint64) (*BidStatus, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	bid, ok, err := e.state.GetBid(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBidNotFound, id)
	}
	return e.status(bid)
}

func (e *Engine) status(bid *Bid) (*BidStatus, error) {
	slot, err := e.slot(bid.Asset, bid.Premium)
	if err != nil {
		return nil, err
	}
	remaining, _, err := CompoundedBid(bid, slot)
	if err != nil {
		return nil, err
	}
	gained, _, err := AccruedCollateral(bid, slot, e.archive(slot))
	if err != nil {
		return nil, err
	}
	claimable, err := checkedAdd(&bid.PendingCollateral, &gained)
	if err != nil {
		return nil, err
	}
	status := &BidStatus{Bid: bid, RemainingCapital: remaining, Waiting: bid.Waiting()}
	status.ClaimableCollateral.Set(claimable)
	return status, nil
}

func (e *Engine) statuses(bids []*Bid) ([]*BidStatus, error) {
	out := make([]*BidStatus, 0, len(bids))
	for _, bid := range bids {
		status, err := e.status(bid)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// BidsByOwner lists the owner's bids in a queue.
func (e *Engine) BidsByOwner(asset string, owner crypto.Address) ([]*BidStatus, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	q, err := e.queue(asset)
	if err != nil {
		return nil, err
	}
	bids, err := e.state.BidsByOwner(q.Asset, owner)
	if err != nil {
		return nil, err
	}
	return e.statuses(bids)
}

// SlotBids lists every bid placed in one slot.
func (e *Engine) SlotBids(asset string, premium uint64) ([]*BidStatus, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	q, err := e.queue(asset)
	if err != nil {
		return nil, err
	}
	bids, err := e.state.BidsBySlot(q.Asset, premium)
	if err != nil {
		return nil, err
	}
	return e.statuses(bids)
}

// LiquidationQuote is the read-only outcome of a prospective liquidation.
type LiquidationQuote struct {
	Plan    LiquidationPlan
	Fees    FeeQuote
	Covered bool
}

// CheckLiquidatible replays the liquidation walk without mutating state. An
// uncovered amount is reported through the quote, not as an error. The
// liquidator fee is quoted as if a liquidator were present.
func (e *Engine) CheckLiquidatible(asset string, collateral *uint256.Int, collateralPrice, creditPrice Decimal) (*LiquidationQuote, error) {
	if err := e.ready(); err != nil {
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
	slots, err := e.activeSlots(q)
	if err != nil {
		return nil, err
	}
	values := make([]PremiumSlot, len(slots))
	for i, slot := range slots {
		values[i] = *slot
	}
	plan, err := PlanLiquidation(values, collateral, collateralPrice, creditPrice)
	if err != nil {
		return nil, err
	}
	fees, err := quoteFees(params, &plan.CapitalSpent, true)
	if err != nil {
		return nil, err
	}
	return &LiquidationQuote{Plan: plan, Fees: fees, Covered: plan.Covered()}, nil
}

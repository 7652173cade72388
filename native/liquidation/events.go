package liquidation

import (
	"strconv"

	"github.com/holiman/uint256"

	"liquidationqueue/core/types"
)

const (
	EventTypeParamsUpdated       = "liquidation.params.updated"
	EventTypeQueueAdded          = "liquidation.queue.added"
	EventTypeQueueUpdated        = "liquidation.queue.updated"
	EventTypeBidSubmitted        = "liquidation.bid.submitted"
	EventTypeBidActivated        = "liquidation.bid.activated"
	EventTypeBidRetracted        = "liquidation.bid.retracted"
	EventTypeBidClaimed          = "liquidation.bid.claimed"
	EventTypeSlotOffset          = "liquidation.slot.offset"
	EventTypeLiquidationExecuted = "liquidation.executed"
)

type liquidationEvent struct {
	evt *types.Event
}

func (e liquidationEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e liquidationEvent) Event() *types.Event { return e.evt }

// NewParamsUpdatedEvent reports the module parameters after a change.
func NewParamsUpdatedEvent(p Params) *types.Event {
	attrs := map[string]string{
		"owner":         p.Owner.String(),
		"lendingSystem": p.LendingSystem.String(),
		"stableDenom":   p.StableDenom,
		"waitingPeriod": strconv.FormatUint(p.WaitingPeriod, 10),
		"bidFee":        p.BidFee.String(),
		"liquidatorFee": p.LiquidatorFee.String(),
	}
	if !p.FeeCollector.IsZero() {
		attrs["feeCollector"] = p.FeeCollector.String()
	}
	return &types.Event{Type: EventTypeParamsUpdated, Attributes: attrs}
}

// NewQueueAddedEvent reports a newly registered collateral queue.
func NewQueueAddedEvent(q *Queue) *types.Event { return newQueueEvent(EventTypeQueueAdded, q) }

// NewQueueUpdatedEvent reports a queue configuration change.
func NewQueueUpdatedEvent(q *Queue) *types.Event { return newQueueEvent(EventTypeQueueUpdated, q) }

func newQueueEvent(eventType string, q *Queue) *types.Event {
	attrs := make(map[string]string)
	if q != nil {
		attrs["asset"] = q.Asset
		attrs["maxPremium"] = strconv.FormatUint(q.MaxPremium, 10)
		attrs["bidThreshold"] = q.BidThreshold.Dec()
		attrs["waitingPeriod"] = strconv.FormatUint(q.WaitingPeriod, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewBidSubmittedEvent reports a new bid.
func NewBidSubmittedEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidSubmitted, b, nil) }

// NewBidActivatedEvent reports a waiting bid joining the active set.
func NewBidActivatedEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidActivated, b, nil) }

// NewBidRetractedEvent reports capital withdrawn from a bid.
func NewBidRetractedEvent(b *Bid, withdrawn *uint256.Int) *types.Event {
	return newBidEvent(EventTypeBidRetracted, b, map[string]string{"withdrawn": withdrawn.Dec()})
}

// NewBidClaimedEvent reports collateral paid out for a bid.
func NewBidClaimedEvent(b *Bid, claimed *uint256.Int) *types.Event {
	return newBidEvent(EventTypeBidClaimed, b, map[string]string{"claimed": claimed.Dec()})
}

func newBidEvent(eventType string, b *Bid, extra map[string]string) *types.Event {
	attrs := make(map[string]string, 8+len(extra))
	if b != nil {
		attrs["id"] = strconv.FormatUint(b.ID, 10)
		attrs["owner"] = b.Owner.String()
		attrs["asset"] = b.Asset
		attrs["premium"] = strconv.FormatUint(b.Premium, 10)
		attrs["amount"] = b.Amount.Dec()
		if b.WaitEnd != nil {
			attrs["waitEnd"] = strconv.FormatInt(*b.WaitEnd, 10)
		}
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewSlotOffsetEvent reports an offset applied to a premium slot.
func NewSlotOffsetEvent(slot *PremiumSlot, record OffsetRecord) *types.Event {
	attrs := map[string]string{
		"epoch":            strconv.FormatUint(record.Epoch, 10),
		"scale":            strconv.FormatUint(record.Scale, 10),
		"sum":              record.Sum.String(),
		"capitalUsed":      record.CapitalUsed.Dec(),
		"collateralGained": record.CollateralGained.String(),
		"epochReset":       strconv.FormatBool(record.EpochReset),
		"scaleStep":        strconv.FormatBool(record.ScaleStep),
	}
	if slot != nil {
		attrs["asset"] = slot.Asset
		attrs["premium"] = strconv.FormatUint(slot.Premium, 10)
		attrs["product"] = slot.ProductSnapshot.String()
		attrs["totalBidAmount"] = slot.TotalBidAmount.Dec()
	}
	if !record.Forfeited.IsZero() {
		attrs["forfeited"] = record.Forfeited.Dec()
	}
	return &types.Event{Type: EventTypeSlotOffset, Attributes: attrs}
}

// NewLiquidationExecutedEvent reports a completed collateral sale.
func NewLiquidationExecutedEvent(r *LiquidationReceipt) *types.Event {
	attrs := make(map[string]string)
	if r != nil {
		attrs["asset"] = r.Asset
		attrs["positionRef"] = r.PositionRef
		attrs["collateral"] = r.CollateralAmount.Dec()
		attrs["capitalSpent"] = r.CapitalSpent.Dec()
		attrs["repayment"] = r.Repayment.Dec()
		attrs["bidFee"] = r.BidFee.Dec()
		attrs["liquidatorFee"] = r.LiquidatorFee.Dec()
		attrs["slots"] = strconv.Itoa(len(r.Fills))
	}
	return &types.Event{Type: EventTypeLiquidationExecuted, Attributes: attrs}
}

package liquidation

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"liquidationqueue/crypto"
)

const moduleName = "liquidation"

// Coin is an amount of a single denomination.
type Coin struct {
	Denom  string
	Amount uint256.Int
}

// NewCoin returns a coin holding a copy of amount.
func NewCoin(denom string, amount *uint256.Int) Coin {
	c := Coin{Denom: denom}
	if amount != nil {
		c.Amount.Set(amount)
	}
	return c
}

func (c Coin) String() string { return c.Amount.Dec() + c.Denom }

// Params holds the module wide configuration owned by Params.Owner.
type Params struct {
	Owner         crypto.Address
	LendingSystem crypto.Address
	StableDenom   string
	WaitingPeriod uint64
	BidFee        Decimal
	LiquidatorFee Decimal
	FeeCollector  crypto.Address
}

// Validate checks the structural constraints on the parameters.
func (p Params) Validate() error {
	if p.Owner.IsZero() {
		return fmt.Errorf("%w: owner required", ErrInvalidParams)
	}
	if p.LendingSystem.IsZero() {
		return fmt.Errorf("%w: lending system required", ErrInvalidParams)
	}
	if strings.TrimSpace(p.StableDenom) == "" {
		return fmt.Errorf("%w: stable denom required", ErrInvalidParams)
	}
	fees, err := p.BidFee.Add(p.LiquidatorFee)
	if err != nil {
		return err
	}
	if !fees.LessThan(DecimalOne()) {
		return errInvalidFee
	}
	if !p.BidFee.IsZero() && p.FeeCollector.IsZero() {
		return fmt.Errorf("%w: fee collector required when bid fee is set", errInvalidFee)
	}
	return nil
}

// ParamsUpdate carries optional parameter changes. Nil fields are left
// untouched. The stable denomination is fixed at genesis.
type ParamsUpdate struct {
	Owner         *crypto.Address
	LendingSystem *crypto.Address
	WaitingPeriod *uint64
	BidFee        *Decimal
	LiquidatorFee *Decimal
	FeeCollector  *crypto.Address
}

// Queue is the per collateral asset container of premium slots.
type Queue struct {
	Asset         string
	MaxPremium    uint64
	BidThreshold  uint256.Int
	WaitingPeriod uint64
	// TotalBids is the active capital summed across every slot of the queue.
	TotalBids uint256.Int
}

// QueueUpdate carries optional queue changes.
type QueueUpdate struct {
	MaxPremium    *uint64
	BidThreshold  *uint256.Int
	WaitingPeriod *uint64
}

// PremiumSlot aggregates every bid placed at one premium for one asset.
type PremiumSlot struct {
	Asset              string
	Premium            uint64
	TotalBidAmount     uint256.Int
	TotalWaitingAmount uint256.Int
	SumSnapshot        Decimal
	ProductSnapshot    Decimal
	CurrentEpoch       uint64
	CurrentScale       uint64
	ResidueCollateral  Decimal
	ResidueBid         Decimal
}

// NewPremiumSlot returns an empty slot with the product accumulator at one.
func NewPremiumSlot(asset string, premium uint64) PremiumSlot {
	return PremiumSlot{Asset: asset, Premium: premium, ProductSnapshot: DecimalOne()}
}

// Rate returns the premium as a fraction.
func (s PremiumSlot) Rate() Decimal { return DecimalPercent(s.Premium) }

// Bid is a bidder's commitment of stable capital at one premium.
type Bid struct {
	ID                uint64
	Owner             crypto.Address
	Asset             string
	Premium           uint64
	Amount            uint256.Int
	ProductSnapshot   Decimal
	SumSnapshot       Decimal
	EpochSnapshot     uint64
	ScaleSnapshot     uint64
	WaitEnd           *int64
	PendingCollateral uint256.Int
}

// Waiting reports whether the bid has not yet joined the active set.
func (b *Bid) Waiting() bool { return b != nil && b.WaitEnd != nil }

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	out := *b
	if b.WaitEnd != nil {
		end := *b.WaitEnd
		out.WaitEnd = &end
	}
	return &out
}

// snapshot records the slot accumulators the bid's capital is measured
// against from now on.
func (b *Bid) snapshot(slot *PremiumSlot) {
	b.ProductSnapshot = slot.ProductSnapshot
	b.SumSnapshot = slot.SumSnapshot
	b.EpochSnapshot = slot.CurrentEpoch
	b.ScaleSnapshot = slot.CurrentScale
}

// BidStatus is the reconstructed view of a bid.
type BidStatus struct {
	Bid                 *Bid
	RemainingCapital    uint256.Int
	ClaimableCollateral uint256.Int
	Waiting             bool
}

// LiquidationRequest is issued by the lending system to sell collateral.
type LiquidationRequest struct {
	Asset            string
	Denom            string
	CollateralAmount uint256.Int
	CollateralPrice  Decimal
	CreditPrice      Decimal
	PositionRef      string
	Liquidator       crypto.Address
}

// LiquidationReceipt summarises an executed liquidation.
type LiquidationReceipt struct {
	Asset            string
	PositionRef      string
	CollateralAmount uint256.Int
	CapitalSpent     uint256.Int
	Repayment        uint256.Int
	BidFee           uint256.Int
	LiquidatorFee    uint256.Int
	Fills            []SlotFill
}

// Outbound kinds.
const (
	OutboundTransfer  = "transfer"
	OutboundRepayment = "repayment"
)

// Outbound is a token movement requested by the module. The host releases
// outbound messages only after the originating message commits.
type Outbound struct {
	Kind        string
	To          crypto.Address
	Coin        Coin
	PositionRef string
}

// Dispatcher receives outbound messages.
type Dispatcher interface {
	Dispatch(msg Outbound) error
}

// OutboundBuffer collects outbound messages in memory.
type OutboundBuffer struct {
	msgs []Outbound
}

func (b *OutboundBuffer) Dispatch(msg Outbound) error {
	b.msgs = append(b.msgs, msg)
	return nil
}

// Drain returns and clears the buffered messages.
func (b *OutboundBuffer) Drain() []Outbound {
	out := b.msgs
	b.msgs = nil
	return out
}

func normalizeAsset(asset string) string {
	return strings.ToLower(strings.TrimSpace(asset))
}

package rpc

import (
	"time"

	"github.com/holiman/uint256"

	"liquidationqueue/native/liquidation"
	"liquidationqueue/services/liquidationd/outbox"
)

type coinParam struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

type addQueueParams struct {
	Asset         string  `json:"asset"`
	MaxPremium    uint64  `json:"maxPremium"`
	BidThreshold  string  `json:"bidThreshold,omitempty"`
	WaitingPeriod *uint64 `json:"waitingPeriod,omitempty"`
}

type updateQueueParams struct {
	Asset         string  `json:"asset"`
	MaxPremium    *uint64 `json:"maxPremium,omitempty"`
	BidThreshold  *string `json:"bidThreshold,omitempty"`
	WaitingPeriod *uint64 `json:"waitingPeriod,omitempty"`
}

type updateConfigParams struct {
	Owner         *string `json:"owner,omitempty"`
	LendingSystem *string `json:"lendingSystem,omitempty"`
	WaitingPeriod *uint64 `json:"waitingPeriod,omitempty"`
	BidFee        *string `json:"bidFee,omitempty"`
	LiquidatorFee *string `json:"liquidatorFee,omitempty"`
	FeeCollector  *string `json:"feeCollector,omitempty"`
}

type setPausedParams struct {
	Paused bool `json:"paused"`
}

type submitBidParams struct {
	Asset   string      `json:"asset"`
	Premium uint64      `json:"premium"`
	Funds   []coinParam `json:"funds"`
}

type bidIDsParams struct {
	Asset  string   `json:"asset"`
	BidIDs []uint64 `json:"bidIds,omitempty"`
}

type retractBidParams struct {
	Asset  string  `json:"asset"`
	BidID  uint64  `json:"bidId"`
	Amount *string `json:"amount,omitempty"`
}

type liquidateParams struct {
	Asset            string `json:"asset"`
	Denom            string `json:"denom"`
	CollateralAmount string `json:"collateralAmount"`
	CollateralPrice  string `json:"collateralPrice"`
	CreditPrice      string `json:"creditPrice"`
	PositionRef      string `json:"positionRef,omitempty"`
	Liquidator       string `json:"liquidator,omitempty"`
}

type assetParams struct {
	Asset string `json:"asset"`
}

type slotParams struct {
	Asset   string `json:"asset"`
	Premium uint64 `json:"premium"`
}

type bidParams struct {
	BidID uint64 `json:"bidId"`
}

type ownerParams struct {
	Asset string `json:"asset"`
	Owner string `json:"owner"`
}

type checkLiquidatibleParams struct {
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateralAmount"`
	CollateralPrice  string `json:"collateralPrice"`
	CreditPrice      string `json:"creditPrice"`
}

type listOutboundParams struct {
	PendingOnly   bool   `json:"pendingOnly,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	AfterSequence uint64 `json:"afterSequence,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type listEventsParams struct {
	Type          string `json:"type,omitempty"`
	Asset         string `json:"asset,omitempty"`
	AfterSequence uint64 `json:"afterSequence,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type ackOutboundParams struct {
	IDs []string `json:"ids"`
}

// ParamsResult renders the module parameters.
type ParamsResult struct {
	Owner         string `json:"owner"`
	LendingSystem string `json:"lendingSystem"`
	StableDenom   string `json:"stableDenom"`
	WaitingPeriod uint64 `json:"waitingPeriod"`
	BidFee        string `json:"bidFee"`
	LiquidatorFee string `json:"liquidatorFee"`
	FeeCollector  string `json:"feeCollector,omitempty"`
	Paused        bool   `json:"paused"`
}

func paramsResult(p *liquidation.Params, paused bool) ParamsResult {
	return ParamsResult{
		Owner:         p.Owner.String(),
		LendingSystem: p.LendingSystem.String(),
		StableDenom:   p.StableDenom,
		WaitingPeriod: p.WaitingPeriod,
		BidFee:        p.BidFee.String(),
		LiquidatorFee: p.LiquidatorFee.String(),
		FeeCollector:  p.FeeCollector.String(),
		Paused:        paused,
	}
}

// QueueResult renders a collateral queue.
type QueueResult struct {
	Asset         string `json:"asset"`
	MaxPremium    uint64 `json:"maxPremium"`
	BidThreshold  string `json:"bidThreshold"`
	WaitingPeriod uint64 `json:"waitingPeriod"`
	TotalBids     string `json:"totalBids"`
}

func queueResult(q *liquidation.Queue) QueueResult {
	return QueueResult{
		Asset:         q.Asset,
		MaxPremium:    q.MaxPremium,
		BidThreshold:  q.BidThreshold.Dec(),
		WaitingPeriod: q.WaitingPeriod,
		TotalBids:     q.TotalBids.Dec(),
	}
}

// SlotResult renders a premium slot and its accumulators.
type SlotResult struct {
	Asset              string `json:"asset"`
	Premium            uint64 `json:"premium"`
	TotalBidAmount     string `json:"totalBidAmount"`
	TotalWaitingAmount string `json:"totalWaitingAmount"`
	ProductSnapshot    string `json:"productSnapshot"`
	SumSnapshot        string `json:"sumSnapshot"`
	CurrentEpoch       uint64 `json:"currentEpoch"`
	CurrentScale       uint64 `json:"currentScale"`
}

func slotResult(s *liquidation.PremiumSlot) SlotResult {
	return SlotResult{
		Asset:              s.Asset,
		Premium:            s.Premium,
		TotalBidAmount:     s.TotalBidAmount.Dec(),
		TotalWaitingAmount: s.TotalWaitingAmount.Dec(),
		ProductSnapshot:    s.ProductSnapshot.String(),
		SumSnapshot:        s.SumSnapshot.String(),
		CurrentEpoch:       s.CurrentEpoch,
		CurrentScale:       s.CurrentScale,
	}
}

// BidResult renders a bid with its reconstructed position.
type BidResult struct {
	ID                  uint64 `json:"id"`
	Owner               string `json:"owner"`
	Asset               string `json:"asset"`
	Premium             uint64 `json:"premium"`
	Amount              string `json:"amount"`
	RemainingCapital    string `json:"remainingCapital"`
	ClaimableCollateral string `json:"claimableCollateral"`
	Waiting             bool   `json:"waiting"`
	WaitEnd             *int64 `json:"waitEnd,omitempty"`
}

func bidResult(b *liquidation.Bid) BidResult {
	return BidResult{
		ID:                  b.ID,
		Owner:               b.Owner.String(),
		Asset:               b.Asset,
		Premium:             b.Premium,
		Amount:              b.Amount.Dec(),
		RemainingCapital:    b.Amount.Dec(),
		ClaimableCollateral: b.PendingCollateral.Dec(),
		Waiting:             b.Waiting(),
		WaitEnd:             b.WaitEnd,
	}
}

func bidStatusResult(st *liquidation.BidStatus) BidResult {
	res := bidResult(st.Bid)
	res.RemainingCapital = st.RemainingCapital.Dec()
	res.ClaimableCollateral = st.ClaimableCollateral.Dec()
	res.Waiting = st.Waiting
	return res
}

func bidStatusResults(list []*liquidation.BidStatus) []BidResult {
	out := make([]BidResult, 0, len(list))
	for _, st := range list {
		out = append(out, bidStatusResult(st))
	}
	return out
}

// FillResult renders one slot's share of a liquidation.
type FillResult struct {
	Premium      uint64 `json:"premium"`
	PremiumPrice string `json:"premiumPrice"`
	CapitalUsed  string `json:"capitalUsed"`
	Collateral   string `json:"collateral"`
	Drained      bool   `json:"drained"`
}

func fillResults(fills []liquidation.SlotFill) []FillResult {
	out := make([]FillResult, 0, len(fills))
	for _, f := range fills {
		out = append(out, FillResult{
			Premium:      f.Premium,
			PremiumPrice: f.PremiumPrice.String(),
			CapitalUsed:  f.CapitalUsed.Dec(),
			Collateral:   f.Collateral.String(),
			Drained:      f.Drained,
		})
	}
	return out
}

// LiquidationResult is returned by liq_liquidate.
type LiquidationResult struct {
	Sequence         uint64       `json:"sequence"`
	Asset            string       `json:"asset"`
	PositionRef      string       `json:"positionRef,omitempty"`
	CollateralAmount string       `json:"collateralAmount"`
	CapitalSpent     string       `json:"capitalSpent"`
	Repayment        string       `json:"repayment"`
	BidFee           string       `json:"bidFee"`
	LiquidatorFee    string       `json:"liquidatorFee"`
	Fills            []FillResult `json:"fills"`
}

// QuoteResult is returned by liq_checkLiquidatible.
type QuoteResult struct {
	Asset            string       `json:"asset"`
	CollateralAmount string       `json:"collateralAmount"`
	Covered          bool         `json:"covered"`
	CollateralFilled string       `json:"collateralFilled"`
	Leftover         string       `json:"leftover"`
	CapitalSpent     string       `json:"capitalSpent"`
	Repayment        string       `json:"repayment"`
	BidFee           string       `json:"bidFee"`
	LiquidatorFee    string       `json:"liquidatorFee"`
	Fills            []FillResult `json:"fills"`
}

// QueueTxResult is returned by queue administration messages.
type QueueTxResult struct {
	Sequence uint64      `json:"sequence"`
	Queue    QueueResult `json:"queue"`
}

// ParamsTxResult is returned by liq_updateConfig.
type ParamsTxResult struct {
	Sequence uint64       `json:"sequence"`
	Params   ParamsResult `json:"params"`
}

// PauseResult is returned by liq_setPaused.
type PauseResult struct {
	Sequence uint64 `json:"sequence"`
	Paused   bool   `json:"paused"`
}

// BidTxResult is returned by liq_submitBid.
type BidTxResult struct {
	Sequence uint64    `json:"sequence"`
	Bid      BidResult `json:"bid"`
}

// ActivateResult is returned by liq_activateBids.
type ActivateResult struct {
	Sequence uint64      `json:"sequence"`
	Bids     []BidResult `json:"bids"`
}

// RetractResult is returned by liq_retractBid.
type RetractResult struct {
	Sequence  uint64 `json:"sequence"`
	Asset     string `json:"asset"`
	BidID     uint64 `json:"bidId"`
	Withdrawn string `json:"withdrawn"`
}

// ClaimResult is returned by liq_claimLiquidations.
type ClaimResult struct {
	Sequence uint64 `json:"sequence"`
	Asset    string `json:"asset"`
	Claimed  string `json:"claimed"`
}

// OutboundResult renders an outbox entry.
type OutboundResult struct {
	ID          string `json:"id"`
	Sequence    uint64 `json:"sequence"`
	Method      string `json:"method"`
	Kind        string `json:"kind"`
	Recipient   string `json:"recipient"`
	Denom       string `json:"denom"`
	Amount      string `json:"amount"`
	PositionRef string `json:"positionRef,omitempty"`
	Delivered   bool   `json:"delivered"`
	DeliveredAt *int64 `json:"deliveredAt,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

func outboundResult(m outbox.OutboundMessage) OutboundResult {
	res := OutboundResult{
		ID:          m.ID.String(),
		Sequence:    m.Sequence,
		Method:      m.Method,
		Kind:        m.Kind,
		Recipient:   m.Recipient,
		Denom:       m.Denom,
		Amount:      m.Amount,
		PositionRef: m.PositionRef,
		Delivered:   m.Delivered,
		CreatedAt:   m.CreatedAt.Unix(),
	}
	if m.DeliveredAt != nil {
		ts := m.DeliveredAt.Unix()
		res.DeliveredAt = &ts
	}
	return res
}

// EventResult renders an archived or streamed event.
type EventResult struct {
	Sequence   uint64            `json:"sequence,omitempty"`
	Position   int               `json:"position"`
	Method     string            `json:"method,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  int64             `json:"createdAt,omitempty"`
}

// AckResult is returned by liq_ackOutbound.
type AckResult struct {
	Acknowledged int `json:"acknowledged"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

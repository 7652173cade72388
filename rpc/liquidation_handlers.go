package rpc

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"liquidationqueue/crypto"
	"liquidationqueue/native/liquidation"
	"liquidationqueue/observability"
)

type handlerFunc func(s *Server, r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error)

type methodEntry struct {
	handler handlerFunc
	auth    bool
	write   bool
	scope   string
}

var methods = map[string]methodEntry{
	"liq_addQueue":          {handler: (*Server).handleAddQueue, auth: true, write: true},
	"liq_updateQueue":       {handler: (*Server).handleUpdateQueue, auth: true, write: true},
	"liq_updateConfig":      {handler: (*Server).handleUpdateConfig, auth: true, write: true},
	"liq_setPaused":         {handler: (*Server).handleSetPaused, auth: true, write: true},
	"liq_submitBid":         {handler: (*Server).handleSubmitBid, auth: true, write: true},
	"liq_activateBids":      {handler: (*Server).handleActivateBids, auth: true, write: true},
	"liq_retractBid":        {handler: (*Server).handleRetractBid, auth: true, write: true},
	"liq_liquidate":         {handler: (*Server).handleLiquidate, auth: true, write: true},
	"liq_claimLiquidations": {handler: (*Server).handleClaimLiquidations, auth: true, write: true},
	"liq_getParams":         {handler: (*Server).handleGetParams},
	"liq_getQueue":          {handler: (*Server).handleGetQueue},
	"liq_getQueues":         {handler: (*Server).handleGetQueues},
	"liq_getSlot":           {handler: (*Server).handleGetSlot},
	"liq_getSlots":          {handler: (*Server).handleGetSlots},
	"liq_getSlotBids":       {handler: (*Server).handleGetSlotBids},
	"liq_getBid":            {handler: (*Server).handleGetBid},
	"liq_getBidsByOwner":    {handler: (*Server).handleGetBidsByOwner},
	"liq_checkLiquidatible": {handler: (*Server).handleCheckLiquidatible},
	"liq_listOutbound":      {handler: (*Server).handleListOutbound},
	"liq_listEvents":        {handler: (*Server).handleListEvents},
	"liq_ackOutbound":       {handler: (*Server).handleAckOutbound, auth: true, scope: ScopeOutboxAck},
}

func parseAmountParam(name, raw string) (*uint256.Int, error) {
	amount, err := liquidation.ParseAmount(strings.TrimSpace(raw))
	if err != nil {
		return nil, invalidParams("%s: %v", name, err)
	}
	return amount, nil
}

func parseDecimalParam(name, raw string) (liquidation.Decimal, error) {
	value, err := liquidation.ParseDecimal(strings.TrimSpace(raw))
	if err != nil {
		return liquidation.Decimal{}, invalidParams("%s: %v", name, err)
	}
	return value, nil
}

func parseAddressParam(name, raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, invalidParams("%s: %v", name, err)
	}
	return addr, nil
}

func (s *Server) handleAddQueue(r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error) {
	var params addQueueParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	var threshold *uint256.Int
	if strings.TrimSpace(params.BidThreshold) != "" {
		parsed, err := parseAmountParam("bidThreshold", params.BidThreshold)
		if err != nil {
			return nil, err
		}
		threshold = parsed
	}
	var queue *liquidation.Queue
	commit, err := s.host.Exec(r.Context(), req.Method, func(engine *liquidation.Engine) error {
		var err error
		queue, err = engine.AddQueue(caller.Address, params.Asset, params.MaxPremium, threshold, params.WaitingPeriod)
		return err
	})
	if err != nil {
		return nil, err
	}
	return QueueTxResult{Sequence: commit.Sequence, Queue: queueResult(queue)}, nil
}

func (s *Server) handleUpdateQueue(r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error) {
	var params updateQueueParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	update := liquidation.QueueUpdate{MaxPremium: params.MaxPremium, WaitingPeriod: params.WaitingPeriod}
	if params.BidThreshold != nil {
		threshold, err := parseAmountParam("bidThreshold", *params.BidThreshold)
		if err != nil {
			return nil, err
		}
		update.BidThreshold = threshold
	}
	var queue *liquidation.Queue
	commit, err := s.host.Exec(r.Context(), req.Method, func(engine *liquidation.Engine) error {
		var err error
		queue, err = engine.UpdateQueue(caller.Address, params.Asset, update)
		return err
	})
	if err != nil {
		return nil, err
	}
	return QueueTxResult{Sequence: commit.Sequence, Queue: queueResult(queue)}, nil
}

func (s *Server) handleUpdateConfig(r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error) {
	var params updateConfigParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	update := liquidation.ParamsUpdate{WaitingPeriod: params.WaitingPeriod}
	addresses := []struct {
		name string
		raw  *string
		dst  **crypto.Address
	}{
		{"owner", params.Owner, &update.Owner},
		{"lendingSystem", params.LendingSystem, &update.LendingSystem},
		{"feeCollector", params.FeeCollector, &update.FeeCollector},
	}
	for _, field := range addresses {
		if field.raw == nil {
			continue
		}
		addr, err := parseAddressParam(field.name, *field.raw)
		if err != nil {
			return nil, err
		}
		*field.dst = &addr
	}
	if params.BidFee != nil {
		fee, err := parseDecimalParam("bidFee", *params.BidFee)
		if err != nil {
			return nil, err
		}
		update.BidFee = &fee
	}
	if params.LiquidatorFee != nil {
		fee, err := parseDecimalParam("liquidatorFee", *params.LiquidatorFee)
		if err != nil {
			return nil, err
		}
		update.LiquidatorFee = &fee
	}
	var updated *liquidation.Params
	commit, err := s.host.Exec(r.Context(), req.Method, func(engine *liquidation.Engine) error {
		var err error
		updated, err = engine.UpdateConfig(caller.Address, update)
		return err
	})
	if err != nil {
		return nil, err
	}
	paused := s.host.Pauses().IsPaused(moduleLabel)
	return ParamsTxResult{Sequence: commit.Sequence, Params: paramsResult(updated, paused)}, nil
}

func (s *Server) handleSetPaused(r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error) {
	var params setPausedParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	commit, err := s.host.Exec(r.Context(), req.Method, func(engine *liquidation.Engine) error {
		return engine.SetPaused(caller.Address, params.Paused)
	})
	if err != nil {
		return nil, err
	}
	observability.Liquidation().SetPause(params.Paused)
	s.logger.Info("liquidation module pause toggled",
		slog.Bool("paused", params.Paused),
		slog.Uint64("sequence", commit.Sequence))
	return PauseResult{Sequence: commit.Sequence, Paused: params.Paused}, nil
}

func (s *Server) handleSubmitBid(r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error) {
	var params submitBidParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	funds := make([]liquidation.Coin, 0, len(params.Funds))
	for i, coin := range params.Funds {
		amount, err := parseAmountParam(fmt.Sprintf("funds[%d].amount", i), coin.Amount)
		if err != nil {
			return nil, err
		}
		funds = append(funds, liquidation.NewCoin(coin.Denom, amount))
	}
	var bid *liquidation.Bid
	commit, err := s.host.Exec(r.Context(), req.Method, func(engine *liquidation.Engine) error {
		var err error
		bid, err = engine.SubmitBid(caller.Address, params.Asset, params.Premium, funds)
		return err
	})
	if err != nil {
		return nil, err
	}
	return BidTxResult{Sequence: commit.Sequence, Bid: bidResult(bid)}, nil
}

func (s *Server) handleActivateBids(r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error) {
	var params bidIDsParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	var activated []*liquidation.Bid
	commit, err := s.host.Exec(r.Context(), req.Method, func(engine *liquidation.Engine) error {
		var err error
		activated, err = engine.ActivateBids(caller.Address, params.Asset, params.BidIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	bids := make([]BidResult, 0, len(activated))
	for _, bid := range activated {
		bids = append(bids, bidResult(bid))
	}
	return ActivateResult{Sequence: commit.Sequence, Bids: bids}, nil
}

func (s *Server) handleRetractBid(r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error) {
	var params retractBidParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	var amount *uint256.Int
	if params.Amount != nil {
		parsed, err := parseAmountParam("amount", *params.Amount)
		if err != nil {
			return nil, err
		}
		amount = parsed
	}
	var withdrawn *uint256.Int
	commit, err := s.host.Exec(r.Context(), req.Method, func(engine *liquidation.Engine) error {
		var err error
		withdrawn, err = engine.RetractBid(caller.Address, params.Asset, params.BidID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return RetractResult{
		Sequence:  commit.Sequence,
		Asset:     strings.ToLower(strings.TrimSpace(params.Asset)),
		BidID:     params.BidID,
		Withdrawn: decString(withdrawn),
	}, nil
}

func (s *Server) handleLiquidate(r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error) {
	var params liquidateParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	collateral, err := parseAmountParam("collateralAmount", params.CollateralAmount)
	if err != nil {
		return nil, err
	}
	collateralPrice, err := parseDecimalParam("collateralPrice", params.CollateralPrice)
	if err != nil {
		return nil, err
	}
	creditPrice, err := parseDecimalParam("creditPrice", params.CreditPrice)
	if err != nil {
		return nil, err
	}
	request := liquidation.LiquidationRequest{
		Asset:           params.Asset,
		Denom:           params.Denom,
		CollateralPrice: collateralPrice,
		CreditPrice:     creditPrice,
		PositionRef:     strings.TrimSpace(params.PositionRef),
	}
	request.CollateralAmount.Set(collateral)
	if strings.TrimSpace(params.Liquidator) != "" {
		liquidator, err := parseAddressParam("liquidator", params.Liquidator)
		if err != nil {
			return nil, err
		}
		request.Liquidator = liquidator
	}
	var receipt *liquidation.LiquidationReceipt
	commit, err := s.host.Exec(r.Context(), req.Method, func(engine *liquidation.Engine) error {
		var err error
		receipt, err = engine.Liquidate(caller.Address, request)
		return err
	})
	if err != nil {
		return nil, err
	}
	return LiquidationResult{
		Sequence:         commit.Sequence,
		Asset:            receipt.Asset,
		PositionRef:      receipt.PositionRef,
		CollateralAmount: receipt.CollateralAmount.Dec(),
		CapitalSpent:     receipt.CapitalSpent.Dec(),
		Repayment:        receipt.Repayment.Dec(),
		BidFee:           receipt.BidFee.Dec(),
		LiquidatorFee:    receipt.LiquidatorFee.Dec(),
		Fills:            fillResults(receipt.Fills),
	}, nil
}

func (s *Server) handleClaimLiquidations(r *http.Request, caller *Principal, req *RPCRequest) (interface{}, error) {
	var params bidIDsParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	var claimed *uint256.Int
	commit, err := s.host.Exec(r.Context(), req.Method, func(engine *liquidation.Engine) error {
		var err error
		claimed, err = engine.ClaimLiquidations(caller.Address, params.Asset, params.BidIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ClaimResult{
		Sequence: commit.Sequence,
		Asset:    strings.ToLower(strings.TrimSpace(params.Asset)),
		Claimed:  decString(claimed),
	}, nil
}

package rpc

import (
	"net/http"

	"github.com/google/uuid"

	"liquidationqueue/native/liquidation"
	"liquidationqueue/services/liquidationd/outbox"
)

func (s *Server) handleGetParams(_ *http.Request, _ *Principal, _ *RPCRequest) (interface{}, error) {
	var result ParamsResult
	err := s.host.Query(func(engine *liquidation.Engine) error {
		params, err := engine.Params()
		if err != nil {
			return err
		}
		result = paramsResult(params, s.host.Pauses().IsPaused(moduleLabel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleGetQueue(_ *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	var params assetParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	var result QueueResult
	err := s.host.Query(func(engine *liquidation.Engine) error {
		queue, err := engine.Queue(params.Asset)
		if err != nil {
			return err
		}
		result = queueResult(queue)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleGetQueues(_ *http.Request, _ *Principal, _ *RPCRequest) (interface{}, error) {
	result := []QueueResult{}
	err := s.host.Query(func(engine *liquidation.Engine) error {
		queues, err := engine.Queues()
		if err != nil {
			return err
		}
		for _, q := range queues {
			result = append(result, queueResult(q))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleGetSlot(_ *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	var params slotParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	var result SlotResult
	err := s.host.Query(func(engine *liquidation.Engine) error {
		slot, err := engine.Slot(params.Asset, params.Premium)
		if err != nil {
			return err
		}
		result = slotResult(slot)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleGetSlots(_ *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	var params assetParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	result := []SlotResult{}
	err := s.host.Query(func(engine *liquidation.Engine) error {
		slots, err := engine.Slots(params.Asset)
		if err != nil {
			return err
		}
		for _, slot := range slots {
			result = append(result, slotResult(slot))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleGetSlotBids(_ *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	var params slotParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	var result []BidResult
	err := s.host.Query(func(engine *liquidation.Engine) error {
		bids, err := engine.SlotBids(params.Asset, params.Premium)
		if err != nil {
			return err
		}
		result = bidStatusResults(bids)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleGetBid(_ *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	var params bidParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	var result BidResult
	err := s.host.Query(func(engine *liquidation.Engine) error {
		status, err := engine.BidStatus(params.BidID)
		if err != nil {
			return err
		}
		result = bidStatusResult(status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleGetBidsByOwner(_ *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	var params ownerParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	owner, err := parseAddressParam("owner", params.Owner)
	if err != nil {
		return nil, err
	}
	var result []BidResult
	err = s.host.Query(func(engine *liquidation.Engine) error {
		bids, err := engine.BidsByOwner(params.Asset, owner)
		if err != nil {
			return err
		}
		result = bidStatusResults(bids)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleCheckLiquidatible(_ *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	var params checkLiquidatibleParams
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
	var result QuoteResult
	err = s.host.Query(func(engine *liquidation.Engine) error {
		quote, err := engine.CheckLiquidatible(params.Asset, collateral, collateralPrice, creditPrice)
		if err != nil {
			return err
		}
		queue, err := engine.Queue(params.Asset)
		if err != nil {
			return err
		}
		result = QuoteResult{
			Asset:            queue.Asset,
			CollateralAmount: collateral.Dec(),
			Covered:          quote.Covered,
			CollateralFilled: quote.Plan.CollateralFilled.String(),
			Leftover:         quote.Plan.Leftover.String(),
			CapitalSpent:     quote.Plan.CapitalSpent.Dec(),
			Repayment:        quote.Fees.Repayment.Dec(),
			BidFee:           quote.Fees.BidFee.Dec(),
			LiquidatorFee:    quote.Fees.LiquidatorFee.Dec(),
			Fills:            fillResults(quote.Plan.Fills),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) requireOutbox() error {
	if s.outbox == nil {
		return &RPCError{Code: codeUnavailable, Message: "outbox not configured"}
	}
	return nil
}

func (s *Server) handleListOutbound(r *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	if err := s.requireOutbox(); err != nil {
		return nil, err
	}
	var params listOutboundParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
	}
	msgs, err := s.outbox.ListOutbound(r.Context(), outbox.OutboundFilter{
		PendingOnly:   params.PendingOnly,
		Recipient:     params.Recipient,
		AfterSequence: params.AfterSequence,
		Limit:         params.Limit,
	})
	if err != nil {
		return nil, err
	}
	result := make([]OutboundResult, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, outboundResult(msg))
	}
	return result, nil
}

func (s *Server) handleListEvents(r *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	if err := s.requireOutbox(); err != nil {
		return nil, err
	}
	var params listEventsParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
	}
	records, err := s.outbox.ListEvents(r.Context(), outbox.EventFilter{
		Type:          params.Type,
		Asset:         params.Asset,
		AfterSequence: params.AfterSequence,
		Limit:         params.Limit,
	})
	if err != nil {
		return nil, err
	}
	result := make([]EventResult, 0, len(records))
	for _, rec := range records {
		evt, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		result = append(result, EventResult{
			Sequence:   rec.Sequence,
			Position:   rec.Position,
			Method:     rec.Method,
			Type:       evt.Type,
			Attributes: evt.Attributes,
			CreatedAt:  unixOrZero(rec.CreatedAt),
		})
	}
	return result, nil
}

func (s *Server) handleAckOutbound(r *http.Request, _ *Principal, req *RPCRequest) (interface{}, error) {
	if err := s.requireOutbox(); err != nil {
		return nil, err
	}
	var params ackOutboundParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if len(params.IDs) == 0 {
		return nil, invalidParams("ids required")
	}
	ids := make([]uuid.UUID, 0, len(params.IDs))
	for _, raw := range params.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, invalidParams("invalid id %q", raw)
		}
		ids = append(ids, id)
	}
	acked, err := s.outbox.MarkDelivered(r.Context(), ids)
	if err != nil {
		return nil, err
	}
	return AckResult{Acknowledged: acked}, nil
}

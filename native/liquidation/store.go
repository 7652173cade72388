package liquidation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"liquidationqueue/crypto"
	"liquidationqueue/storage"
)

type storedParams struct {
	Owner         string
	LendingSystem string
	StableDenom   string
	WaitingPeriod uint64
	BidFee        string
	LiquidatorFee string
	FeeCollector  string
}

type storedQueue struct {
	Asset         string
	MaxPremium    uint64
	BidThreshold  string
	WaitingPeriod uint64
	TotalBids     string
}

type storedSlot struct {
	Asset              string
	Premium            uint64
	TotalBidAmount     string
	TotalWaitingAmount string
	SumSnapshot        string
	ProductSnapshot    string
	CurrentEpoch       uint64
	CurrentScale       uint64
	ResidueCollateral  string
	ResidueBid         string
}

type storedBid struct {
	ID                uint64
	Owner             string
	Asset             string
	Premium           uint64
	Amount            string
	ProductSnapshot   string
	SumSnapshot       string
	EpochSnapshot     uint64
	ScaleSnapshot     uint64
	Waiting           bool
	WaitEnd           uint64
	PendingCollateral string
}

// Store persists module state in a key-value database using RLP encoding.
type Store struct {
	db storage.Database
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store { return &Store{db: db} }

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilState
	}
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("liquidation store: decode %x: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return errNilState
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

func (s *Store) GetParams() (*Params, bool, error) {
	var stored storedParams
	ok, err := s.get(paramsKey, &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	params := &Params{StableDenom: stored.StableDenom, WaitingPeriod: stored.WaitingPeriod}
	if params.Owner, err = decodeOptionalAddress(stored.Owner); err != nil {
		return nil, false, err
	}
	if params.LendingSystem, err = decodeOptionalAddress(stored.LendingSystem); err != nil {
		return nil, false, err
	}
	if params.FeeCollector, err = decodeOptionalAddress(stored.FeeCollector); err != nil {
		return nil, false, err
	}
	if params.BidFee, err = decodeDecimal(stored.BidFee); err != nil {
		return nil, false, err
	}
	if params.LiquidatorFee, err = decodeDecimal(stored.LiquidatorFee); err != nil {
		return nil, false, err
	}
	return params, true, nil
}

func (s *Store) PutParams(p *Params) error {
	if p == nil {
		return fmt.Errorf("liquidation store: params must not be nil")
	}
	return s.put(paramsKey, storedParams{
		Owner:         p.Owner.String(),
		LendingSystem: p.LendingSystem.String(),
		StableDenom:   p.StableDenom,
		WaitingPeriod: p.WaitingPeriod,
		BidFee:        encodeDecimal(p.BidFee),
		LiquidatorFee: encodeDecimal(p.LiquidatorFee),
		FeeCollector:  p.FeeCollector.String(),
	})
}

func (s *Store) GetQueue(asset string) (*Queue, bool, error) {
	var stored storedQueue
	ok, err := s.get(queueKey(asset), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	q, err := stored.toQueue()
	if err != nil {
		return nil, false, err
	}
	return q, true, nil
}

func (sq *storedQueue) toQueue() (*Queue, error) {
	q := &Queue{Asset: sq.Asset, MaxPremium: sq.MaxPremium, WaitingPeriod: sq.WaitingPeriod}
	if err := decodeAmountInto(&q.BidThreshold, sq.BidThreshold); err != nil {
		return nil, err
	}
	if err := decodeAmountInto(&q.TotalBids, sq.TotalBids); err != nil {
		return nil, err
	}
	return q, nil
}

func (s *Store) PutQueue(q *Queue) error {
	if q == nil {
		return fmt.Errorf("liquidation store: queue must not be nil")
	}
	return s.put(queueKey(q.Asset), storedQueue{
		Asset:         q.Asset,
		MaxPremium:    q.MaxPremium,
		BidThreshold:  q.BidThreshold.Dec(),
		WaitingPeriod: q.WaitingPeriod,
		TotalBids:     q.TotalBids.Dec(),
	})
}

// ListQueues returns every queue ordered by asset.
func (s *Store) ListQueues() ([]*Queue, error) {
	if s == nil || s.db == nil {
		return nil, errNilState
	}
	var (
		queues  []*Queue
		iterErr error
	)
	err := s.db.Iterate(queuePrefix, func(_, value []byte) bool {
		var stored storedQueue
		if iterErr = rlp.DecodeBytes(value, &stored); iterErr != nil {
			return false
		}
		q, err := stored.toQueue()
		if err != nil {
			iterErr = err
			return false
		}
		queues = append(queues, q)
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Asset < queues[j].Asset })
	return queues, nil
}

func (s *Store) GetSlot(asset string, premium uint64) (*PremiumSlot, bool, error) {
	var stored storedSlot
	ok, err := s.get(slotKey(asset, premium), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	slot, err := stored.toSlot()
	if err != nil {
		return nil, false, err
	}
	return slot, true, nil
}

func (ss *storedSlot) toSlot() (*PremiumSlot, error) {
	slot := &PremiumSlot{
		Asset:        ss.Asset,
		Premium:      ss.Premium,
		CurrentEpoch: ss.CurrentEpoch,
		CurrentScale: ss.CurrentScale,
	}
	var err error
	if err = decodeAmountInto(&slot.TotalBidAmount, ss.TotalBidAmount); err != nil {
		return nil, err
	}
	if err = decodeAmountInto(&slot.TotalWaitingAmount, ss.TotalWaitingAmount); err != nil {
		return nil, err
	}
	if slot.SumSnapshot, err = decodeDecimal(ss.SumSnapshot); err != nil {
		return nil, err
	}
	if slot.ProductSnapshot, err = decodeDecimal(ss.ProductSnapshot); err != nil {
		return nil, err
	}
	if slot.ResidueCollateral, err = decodeDecimal(ss.ResidueCollateral); err != nil {
		return nil, err
	}
	if slot.ResidueBid, err = decodeDecimal(ss.ResidueBid); err != nil {
		return nil, err
	}
	return slot, nil
}

func (s *Store) PutSlot(slot *PremiumSlot) error {
	if slot == nil {
		return fmt.Errorf("liquidation store: slot must not be nil")
	}
	return s.put(slotKey(slot.Asset, slot.Premium), storedSlot{
		Asset:              slot.Asset,
		Premium:            slot.Premium,
		TotalBidAmount:     slot.TotalBidAmount.Dec(),
		TotalWaitingAmount: slot.TotalWaitingAmount.Dec(),
		SumSnapshot:        encodeDecimal(slot.SumSnapshot),
		ProductSnapshot:    encodeDecimal(slot.ProductSnapshot),
		CurrentEpoch:       slot.CurrentEpoch,
		CurrentScale:       slot.CurrentScale,
		ResidueCollateral:  encodeDecimal(slot.ResidueCollateral),
		ResidueBid:         encodeDecimal(slot.ResidueBid),
	})
}

// ListSlots returns the stored slots of an asset in ascending premium order.
func (s *Store) ListSlots(asset string) ([]*PremiumSlot, error) {
	if s == nil || s.db == nil {
		return nil, errNilState
	}
	var (
		slots   []*PremiumSlot
		iterErr error
	)
	err := s.db.Iterate(slotAssetPrefix(asset), func(_, value []byte) bool {
		var stored storedSlot
		if iterErr = rlp.DecodeBytes(value, &stored); iterErr != nil {
			return false
		}
		slot, err := stored.toSlot()
		if err != nil {
			iterErr = err
			return false
		}
		slots = append(slots, slot)
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return slots, nil
}

// PutArchivedSum records the sum accumulator reached at (epoch, scale).
func (s *Store) PutArchivedSum(asset string, premium, epoch, scale uint64, sum Decimal) error {
	return s.put(sumArchiveKey(asset, premium, epoch, scale), encodeDecimal(sum))
}

func (s *Store) GetArchivedSum(asset string, premium, epoch, scale uint64) (Decimal, bool, error) {
	var raw string
	ok, err := s.get(sumArchiveKey(asset, premium, epoch, scale), &raw)
	if err != nil || !ok {
		return Decimal{}, ok, err
	}
	sum, err := decodeDecimal(raw)
	if err != nil {
		return Decimal{}, false, err
	}
	return sum, true, nil
}

func (s *Store) GetBid(id uint64) (*Bid, bool, error) {
	var stored storedBid
	ok, err := s.get(bidKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	bid, err := stored.toBid()
	if err != nil {
		return nil, false, err
	}
	return bid, true, nil
}

func (sb *storedBid) toBid() (*Bid, error) {
	owner, err := crypto.DecodeAddress(sb.Owner)
	if err != nil {
		return nil, fmt.Errorf("liquidation store: bid %d owner: %w", sb.ID, err)
	}
	bid := &Bid{
		ID:            sb.ID,
		Owner:         owner,
		Asset:         sb.Asset,
		Premium:       sb.Premium,
		EpochSnapshot: sb.EpochSnapshot,
		ScaleSnapshot: sb.ScaleSnapshot,
	}
	if err = decodeAmountInto(&bid.Amount, sb.Amount); err != nil {
		return nil, err
	}
	if err = decodeAmountInto(&bid.PendingCollateral, sb.PendingCollateral); err != nil {
		return nil, err
	}
	if bid.ProductSnapshot, err = decodeDecimal(sb.ProductSnapshot); err != nil {
		return nil, err
	}
	if bid.SumSnapshot, err = decodeDecimal(sb.SumSnapshot); err != nil {
		return nil, err
	}
	if sb.Waiting {
		end := int64(sb.WaitEnd)
		bid.WaitEnd = &end
	}
	return bid, nil
}

// PutBid stores the bid and its owner and slot index entries.
func (s *Store) PutBid(b *Bid) error {
	if b == nil {
		return fmt.Errorf("liquidation store: bid must not be nil")
	}
	stored := storedBid{
		ID:                b.ID,
		Owner:             b.Owner.String(),
		Asset:             b.Asset,
		Premium:           b.Premium,
		Amount:            b.Amount.Dec(),
		ProductSnapshot:   encodeDecimal(b.ProductSnapshot),
		SumSnapshot:       encodeDecimal(b.SumSnapshot),
		EpochSnapshot:     b.EpochSnapshot,
		ScaleSnapshot:     b.ScaleSnapshot,
		PendingCollateral: b.PendingCollateral.Dec(),
	}
	if b.WaitEnd != nil {
		stored.Waiting = true
		if *b.WaitEnd > 0 {
			stored.WaitEnd = uint64(*b.WaitEnd)
		}
	}
	if err := s.put(bidKey(b.ID), stored); err != nil {
		return err
	}
	if err := s.db.Put(bidOwnerIndexKey(b.Asset, b.Owner, b.ID), indexMarker); err != nil {
		return err
	}
	return s.db.Put(bidSlotIndexKey(b.Asset, b.Premium, b.ID), indexMarker)
}

// DeleteBid removes the bid and its index entries.
func (s *Store) DeleteBid(b *Bid) error {
	if s == nil || s.db == nil {
		return errNilState
	}
	if b == nil {
		return nil
	}
	return errors.Join(
		s.db.Delete(bidKey(b.ID)),
		s.db.Delete(bidOwnerIndexKey(b.Asset, b.Owner, b.ID)),
		s.db.Delete(bidSlotIndexKey(b.Asset, b.Premium, b.ID)),
	)
}

// BidsByOwner returns the owner's bids in a queue ordered by id.
func (s *Store) BidsByOwner(asset string, owner crypto.Address) ([]*Bid, error) {
	return s.bidsByIndex(bidOwnerIndexPrefix(asset, owner))
}

// BidsBySlot returns every bid placed in a slot ordered by id.
func (s *Store) BidsBySlot(asset string, premium uint64) ([]*Bid, error) {
	return s.bidsByIndex(bidSlotIndexPrefix(asset, premium))
}

func (s *Store) bidsByIndex(prefix []byte) ([]*Bid, error) {
	if s == nil || s.db == nil {
		return nil, errNilState
	}
	var ids []uint64
	err := s.db.Iterate(prefix, func(key, _ []byte) bool {
		if id, ok := idFromIndexKey(key); ok {
			ids = append(ids, id)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	bids := make([]*Bid, 0, len(ids))
	for _, id := range ids {
		bid, ok, err := s.GetBid(id)
		if err != nil {
			return nil, err
		}
		if ok {
			bids = append(bids, bid)
		}
	}
	return bids, nil
}

// NextBidID allocates the next bid identifier. Identifiers start at 1.
func (s *Store) NextBidID() (uint64, error) {
	var current uint64
	if _, err := s.get(bidSequenceKey, &current); err != nil {
		return 0, err
	}
	current++
	if err := s.put(bidSequenceKey, current); err != nil {
		return 0, err
	}
	return current, nil
}

func encodeDecimal(d Decimal) string { return d.raw.Dec() }

func decodeDecimal(raw string) (Decimal, error) {
	if raw == "" {
		return Decimal{}, nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return Decimal{}, fmt.Errorf("liquidation store: decimal %q: %w", raw, err)
	}
	return Decimal{raw: *v}, nil
}

func decodeAmountInto(dst *uint256.Int, raw string) error {
	if raw == "" {
		dst.Clear()
		return nil
	}
	if err := dst.SetFromDecimal(raw); err != nil {
		return fmt.Errorf("liquidation store: amount %q: %w", raw, err)
	}
	return nil
}

func decodeOptionalAddress(raw string) (crypto.Address, error) {
	if raw == "" {
		return crypto.Address{}, nil
	}
	return crypto.DecodeAddress(raw)
}

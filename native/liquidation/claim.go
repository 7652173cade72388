package liquidation

import "github.com/holiman/uint256"

// SumLookup returns the archived sum accumulator of a slot for an
// (epoch, scale) pair. ok is false when no offset was recorded there.
type SumLookup func(epoch, scale uint64) (sum Decimal, ok bool, err error)

// CompoundedBid reconstructs the capital a bid still holds after every offset
// applied to its slot since the bid's last snapshot. The second value is the
// fractional part lost to flooring. Bids that fell more than one scale step
// behind, or into an earlier epoch, resolve to zero.
func CompoundedBid(bid *Bid, slot *PremiumSlot) (uint256.Int, Decimal, error) {
	var remaining uint256.Int
	if bid == nil || slot == nil {
		return remaining, Decimal{}, nil
	}
	if bid.Waiting() {
		remaining.Set(&bid.Amount)
		return remaining, Decimal{}, nil
	}
	if bid.Amount.IsZero() || bid.ProductSnapshot.IsZero() {
		return remaining, Decimal{}, nil
	}
	if bid.EpochSnapshot < slot.CurrentEpoch || slot.CurrentScale < bid.ScaleSnapshot {
		return remaining, Decimal{}, nil
	}
	denominator := new(uint256.Int).Set(&bid.ProductSnapshot.raw)
	switch slot.CurrentScale - bid.ScaleSnapshot {
	case 0:
	case 1:
		if _, overflow := denominator.MulOverflow(denominator, scaleFactor); overflow {
			return remaining, Decimal{}, nil
		}
	default:
		return remaining, Decimal{}, nil
	}
	amount, err := DecimalFromUint(&bid.Amount)
	if err != nil {
		return remaining, Decimal{}, err
	}
	raw, err := mulDiv(&amount.raw, &slot.ProductSnapshot.raw, denominator)
	if err != nil {
		return remaining, Decimal{}, err
	}
	compounded := Decimal{raw: *raw}
	whole := compounded.Floor()
	if whole.Cmp(&bid.Amount) >= 0 {
		remaining.Set(&bid.Amount)
		return remaining, Decimal{}, nil
	}
	remaining.Set(whole)
	return remaining, compounded.Frac(), nil
}

// AccruedCollateral returns the collateral a bid earned since its last
// snapshot, together with the fractional part lost to flooring. Only the sum
// accumulators of the bid's own (epoch, scale) and the following scale are
// consulted.
func AccruedCollateral(bid *Bid, slot *PremiumSlot, archived SumLookup) (uint256.Int, Decimal, error) {
	var gained uint256.Int
	if bid == nil || slot == nil || bid.Waiting() {
		return gained, Decimal{}, nil
	}
	if bid.Amount.IsZero() || bid.ProductSnapshot.IsZero() {
		return gained, Decimal{}, nil
	}
	sumAt := func(epoch, scale uint64) (Decimal, bool, error) {
		if epoch == slot.CurrentEpoch && scale == slot.CurrentScale {
			return slot.SumSnapshot, true, nil
		}
		if archived == nil {
			return Decimal{}, false, nil
		}
		return archived(epoch, scale)
	}

	reference, ok, err := sumAt(bid.EpochSnapshot, bid.ScaleSnapshot)
	if err != nil {
		return gained, Decimal{}, err
	}
	if !ok {
		reference = bid.SumSnapshot
	}
	var delta Decimal
	if bid.SumSnapshot.LessThan(reference) {
		if delta, err = reference.Sub(bid.SumSnapshot); err != nil {
			return gained, Decimal{}, err
		}
	}
	following, ok, err := sumAt(bid.EpochSnapshot, bid.ScaleSnapshot+1)
	if err != nil {
		return gained, Decimal{}, err
	}
	if ok {
		scaled, err := following.QuoInt(scaleFactor)
		if err != nil {
			return gained, Decimal{}, err
		}
		if delta, err = delta.Add(scaled); err != nil {
			return gained, Decimal{}, err
		}
	}
	if delta.IsZero() {
		return gained, Decimal{}, nil
	}
	amount, err := DecimalFromUint(&bid.Amount)
	if err != nil {
		return gained, Decimal{}, err
	}
	raw, err := mulDiv(&amount.raw, &delta.raw, &bid.ProductSnapshot.raw)
	if err != nil {
		return gained, Decimal{}, err
	}
	accrued := Decimal{raw: *raw}
	gained.Set(accrued.Floor())
	return gained, accrued.Frac(), nil
}

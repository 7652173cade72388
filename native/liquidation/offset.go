package liquidation

import (
	"fmt"

	"github.com/holiman/uint256"
)

// OffsetRecord describes one offset applied to a premium slot.
type OffsetRecord struct {
	// Epoch and Scale identify the accumulator the offset was credited to.
	Epoch uint64
	Scale uint64
	// Sum is the sum accumulator after crediting, archived under
	// (Epoch, Scale) so bids that fall behind can still be settled.
	Sum              Decimal
	CapitalUsed      uint256.Int
	CollateralGained Decimal
	EpochReset       bool
	ScaleStep        bool
	// Forfeited is capital left in the slot that could no longer be
	// represented and was written off with the epoch reset.
	Forfeited uint256.Int
}

// ApplyOffset consumes capitalUsed from the slot in exchange for
// collateralGained, spreading both across every active bid pro rata without
// visiting the bids. The input slot is not modified.
func ApplyOffset(slot PremiumSlot, capitalUsed *uint256.Int, collateralGained Decimal) (PremiumSlot, OffsetRecord, error) {
	next := slot
	record := OffsetRecord{Epoch: slot.CurrentEpoch, Scale: slot.CurrentScale, Sum: slot.SumSnapshot}
	if capitalUsed == nil {
		capitalUsed = new(uint256.Int)
	}
	record.CapitalUsed.Set(capitalUsed)
	record.CollateralGained = collateralGained
	if capitalUsed.IsZero() && collateralGained.IsZero() {
		return next, record, nil
	}
	total := new(uint256.Int).Set(&slot.TotalBidAmount)
	if total.IsZero() {
		return slot, OffsetRecord{}, errEmptySlot
	}
	if capitalUsed.Gt(total) {
		return slot, OffsetRecord{}, fmt.Errorf("%w: %s > %s", errOffsetExceedsSlot, capitalUsed.Dec(), total.Dec())
	}

	collPerUnit, collResidue, err := splitPerUnit(collateralGained, slot.ResidueCollateral, total)
	if err != nil {
		return slot, OffsetRecord{}, err
	}
	capital, err := DecimalFromUint(capitalUsed)
	if err != nil {
		return slot, OffsetRecord{}, err
	}
	expPerUnit, bidResidue, err := splitPerUnit(capital, slot.ResidueBid, total)
	if err != nil {
		return slot, OffsetRecord{}, err
	}
	next.ResidueCollateral = collResidue
	next.ResidueBid = bidResidue

	gain, err := slot.ProductSnapshot.Mul(collPerUnit)
	if err != nil {
		return slot, OffsetRecord{}, err
	}
	if next.SumSnapshot, err = slot.SumSnapshot.Add(gain); err != nil {
		return slot, OffsetRecord{}, err
	}
	record.Sum = next.SumSnapshot

	if capitalUsed.Eq(total) || !expPerUnit.LessThan(DecimalOne()) {
		record.Forfeited.Sub(total, capitalUsed)
		resetEpoch(&next)
		record.EpochReset = true
		return next, record, nil
	}

	factor, err := DecimalOne().Sub(expPerUnit)
	if err != nil {
		return slot, OffsetRecord{}, err
	}
	product, err := slot.ProductSnapshot.Mul(factor)
	if err != nil {
		return slot, OffsetRecord{}, err
	}
	if product.LessThan(productLowWater) {
		scaled, err := mulDiv(&slot.ProductSnapshot.raw, &factor.raw, scaleFactor)
		if err != nil {
			return slot, OffsetRecord{}, err
		}
		if scaled.IsZero() {
			record.Forfeited.Sub(total, capitalUsed)
			resetEpoch(&next)
			record.EpochReset = true
			return next, record, nil
		}
		next.ProductSnapshot = Decimal{raw: *scaled}
		next.CurrentScale++
		next.SumSnapshot = DecimalZero()
		record.ScaleStep = true
	} else {
		next.ProductSnapshot = product
	}
	next.TotalBidAmount.Sub(total, capitalUsed)
	return next, record, nil
}

// splitPerUnit divides amount plus the carried residue across total units and
// returns the per unit share together with the new residue.
func splitPerUnit(amount, residue Decimal, total *uint256.Int) (Decimal, Decimal, error) {
	numerator, err := amount.Add(residue)
	if err != nil {
		return Decimal{}, Decimal{}, err
	}
	perUnit, err := numerator.QuoInt(total)
	if err != nil {
		return Decimal{}, Decimal{}, err
	}
	distributed, err := perUnit.MulInt(total)
	if err != nil {
		return Decimal{}, Decimal{}, err
	}
	left, err := numerator.Sub(distributed)
	if err != nil {
		return Decimal{}, Decimal{}, err
	}
	return perUnit, left, nil
}

func resetEpoch(slot *PremiumSlot) {
	slot.CurrentEpoch++
	slot.ProductSnapshot = DecimalOne()
	slot.SumSnapshot = DecimalZero()
	slot.TotalBidAmount.Clear()
}

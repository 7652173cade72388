package liquidation

import (
	"sort"

	"github.com/holiman/uint256"
)

// SlotFill is the share of a liquidation absorbed by one premium slot.
type SlotFill struct {
	Premium      uint64
	PremiumPrice Decimal
	CapitalUsed  uint256.Int
	Collateral   Decimal
	// Drained is set when the fill consumed the slot's entire capital.
	Drained bool
}

// LiquidationPlan is the outcome of walking the slots for a collateral sale.
type LiquidationPlan struct {
	Fills            []SlotFill
	CapitalSpent     uint256.Int
	CollateralFilled Decimal
	// Leftover is collateral no slot could absorb.
	Leftover Decimal
}

// Covered reports whether the slots absorbed all collateral.
func (p LiquidationPlan) Covered() bool { return p.Leftover.IsZero() }

// PlanLiquidation walks the slots in ascending premium order and determines
// how much capital each must contribute to buy collateral at its discounted
// price. A slot is only touched once every cheaper slot is exhausted. The
// function does not modify the slots.
func PlanLiquidation(slots []PremiumSlot, collateral *uint256.Int, collateralPrice, creditPrice Decimal) (LiquidationPlan, error) {
	var plan LiquidationPlan
	if collateral == nil || collateral.IsZero() {
		return plan, ErrInvalidAmount
	}
	if collateralPrice.IsZero() || creditPrice.IsZero() {
		return plan, ErrInvalidPrice
	}
	remaining, err := DecimalFromUint(collateral)
	if err != nil {
		return plan, err
	}

	ordered := make([]PremiumSlot, len(slots))
	copy(ordered, slots)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Premium < ordered[j].Premium })

	for i := range ordered {
		if remaining.IsZero() {
			break
		}
		slot := &ordered[i]
		if slot.TotalBidAmount.IsZero() || slot.Premium >= 100 {
			continue
		}
		discount, err := DecimalOne().Sub(slot.Rate())
		if err != nil {
			return plan, err
		}
		premiumPrice, err := collateralPrice.Mul(discount)
		if err != nil {
			return plan, err
		}
		if premiumPrice.IsZero() {
			continue
		}
		// required capital = remaining collateral * premium price / credit price,
		// rounded up so a fill never hands out collateral for free
		requiredRaw, err := mulDiv(&remaining.raw, &premiumPrice.raw, &creditPrice.raw)
		if err != nil {
			return plan, err
		}
		required := Decimal{raw: *requiredRaw}.Ceil()

		fill := SlotFill{Premium: slot.Premium, PremiumPrice: premiumPrice}
		if required.Gt(&slot.TotalBidAmount) {
			total, err := DecimalFromUint(&slot.TotalBidAmount)
			if err != nil {
				return plan, err
			}
			bought, err := mulDiv(&total.raw, &creditPrice.raw, &premiumPrice.raw)
			if err != nil {
				return plan, err
			}
			fill.CapitalUsed.Set(&slot.TotalBidAmount)
			fill.Collateral = Decimal{raw: *minUint(bought, &remaining.raw)}
			fill.Drained = true
			if remaining, err = remaining.Sub(fill.Collateral); err != nil {
				return plan, err
			}
		} else {
			fill.CapitalUsed.Set(required)
			fill.Collateral = remaining
			fill.Drained = required.Eq(&slot.TotalBidAmount)
			remaining = DecimalZero()
		}

		spent, err := checkedAdd(&plan.CapitalSpent, &fill.CapitalUsed)
		if err != nil {
			return plan, err
		}
		plan.CapitalSpent.Set(spent)
		if plan.CollateralFilled, err = plan.CollateralFilled.Add(fill.Collateral); err != nil {
			return plan, err
		}
		plan.Fills = append(plan.Fills, fill)
	}
	plan.Leftover = remaining
	return plan, nil
}

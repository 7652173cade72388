package liquidation

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func slotsWithTotals(totals map[uint64]uint64) []PremiumSlot {
	var slots []PremiumSlot
	for premium, total := range totals {
		slot := NewPremiumSlot("ubtc", premium)
		slot.TotalBidAmount.SetUint64(total)
		slots = append(slots, slot)
	}
	return slots
}

func TestPlanLiquidationWalksAscendingPremium(t *testing.T) {
	slots := slotsWithTotals(map[uint64]uint64{5: 100, 0: 100, 1: 100})
	plan, err := PlanLiquidation(slots, uint256.NewInt(150), DecimalOne(), DecimalOne())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Covered() {
		t.Fatalf("expected full coverage, leftover %s", plan.Leftover)
	}
	if len(plan.Fills) != 2 {
		t.Fatalf("expected two fills, got %d", len(plan.Fills))
	}
	first, second := plan.Fills[0], plan.Fills[1]
	if first.Premium != 0 || !first.Drained || first.CapitalUsed.Uint64() != 100 || first.Collateral.String() != "100" {
		t.Fatalf("unexpected first fill %+v", first)
	}
	if second.Premium != 1 || second.Drained || second.CapitalUsed.Uint64() != 50 || second.Collateral.String() != "50" {
		t.Fatalf("unexpected second fill %+v", second)
	}
	if second.PremiumPrice.String() != "0.99" {
		t.Fatalf("unexpected premium price %s", second.PremiumPrice)
	}
	if plan.CapitalSpent.Uint64() != 150 || plan.CollateralFilled.String() != "150" {
		t.Fatalf("unexpected totals %s / %s", plan.CapitalSpent.Dec(), plan.CollateralFilled)
	}
}

func TestPlanLiquidationExactDrain(t *testing.T) {
	slots := slotsWithTotals(map[uint64]uint64{0: 1000})
	plan, err := PlanLiquidation(slots, uint256.NewInt(1000), DecimalOne(), DecimalOne())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Fills) != 1 || !plan.Fills[0].Drained || plan.Fills[0].CapitalUsed.Uint64() != 1000 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestPlanLiquidationReportsLeftover(t *testing.T) {
	slots := slotsWithTotals(map[uint64]uint64{0: 100, 10: 90})
	plan, err := PlanLiquidation(slots, uint256.NewInt(1000), DecimalOne(), DecimalOne())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Covered() {
		t.Fatalf("expected leftover")
	}
	if plan.CapitalSpent.Uint64() != 190 {
		t.Fatalf("every slot must be drained, spent %s", plan.CapitalSpent.Dec())
	}
	if plan.Leftover.String() != "800" {
		t.Fatalf("unexpected leftover %s", plan.Leftover)
	}
}

func TestPlanLiquidationSkipsEmptySlotsAndPrices(t *testing.T) {
	slots := slotsWithTotals(map[uint64]uint64{0: 0, 2: 1000})
	plan, err := PlanLiquidation(slots, uint256.NewInt(10), MustParseDecimal("2"), MustParseDecimal("0.5"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Fills) != 1 || plan.Fills[0].Premium != 2 {
		t.Fatalf("expected only slot 2 to fill, got %+v", plan.Fills)
	}
	// 10 collateral * 2 * 0.98 / 0.5 = 39.2 capital, charged as 40
	if plan.Fills[0].CapitalUsed.Uint64() != 40 {
		t.Fatalf("unexpected capital %s", plan.Fills[0].CapitalUsed.Dec())
	}

	if _, err := PlanLiquidation(slots, uint256.NewInt(0), DecimalOne(), DecimalOne()); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := PlanLiquidation(slots, uint256.NewInt(1), DecimalZero(), DecimalOne()); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
}

func TestPlanLiquidationChargesFractionalCapital(t *testing.T) {
	slots := slotsWithTotals(map[uint64]uint64{10: 1000})
	// one unit of collateral at 0.5 * 0.9 = 0.45 capital
	plan, err := PlanLiquidation(slots, uint256.NewInt(1), MustParseDecimal("0.5"), DecimalOne())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Covered() || plan.CapitalSpent.Uint64() != 1 {
		t.Fatalf("sub-unit fill must cost one unit, spent %s leftover %s", plan.CapitalSpent.Dec(), plan.Leftover)
	}
	if plan.Fills[0].Drained || plan.Fills[0].Collateral.String() != "1" {
		t.Fatalf("unexpected fill %+v", plan.Fills[0])
	}

	exact := slotsWithTotals(map[uint64]uint64{0: 1})
	plan, err = PlanLiquidation(exact, uint256.NewInt(2), MustParseDecimal("0.5"), DecimalOne())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Covered() || plan.CapitalSpent.Uint64() != 1 || !plan.Fills[0].Drained {
		t.Fatalf("exact fill must drain the slot: %+v", plan)
	}
}

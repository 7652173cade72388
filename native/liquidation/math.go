package liquidation

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

const decimalPlaces = 18

var (
	decimalFractional = uint256.NewInt(1_000_000_000_000_000_000) // 1e18
	// scaleFactor is applied to the product accumulator on a scale step.
	scaleFactor = uint256.NewInt(1_000_000_000) // 1e9
	// productLowWater is the smallest product kept without rescaling (1e-9).
	productLowWater = Decimal{raw: *uint256.NewInt(1_000_000_000)}
	percentRaw      = uint256.NewInt(10_000_000_000_000_000) // 1e16
)

// Decimal is an unsigned fixed-point number with 18 fractional digits. All
// arithmetic is checked: overflow, underflow and division by zero surface as
// errors instead of wrapping.
type Decimal struct {
	raw uint256.Int
}

// DecimalZero returns 0.
func DecimalZero() Decimal { return Decimal{} }

// DecimalOne returns 1.
func DecimalOne() Decimal { return Decimal{raw: *decimalFractional} }

// DecimalFromRaw interprets raw as a value scaled by 1e18.
func DecimalFromRaw(raw *uint256.Int) Decimal {
	if raw == nil {
		return Decimal{}
	}
	return Decimal{raw: *raw}
}

// DecimalFromUint64 converts a whole number.
func DecimalFromUint64(v uint64) Decimal {
	var d Decimal
	d.raw.Mul(uint256.NewInt(v), decimalFractional)
	return d
}

// DecimalFromUint converts a whole 256-bit amount.
func DecimalFromUint(v *uint256.Int) (Decimal, error) {
	if v == nil {
		return Decimal{}, nil
	}
	raw, overflow := new(uint256.Int).MulOverflow(v, decimalFractional)
	if overflow {
		return Decimal{}, ErrArithmeticOverflow
	}
	return Decimal{raw: *raw}, nil
}

// DecimalFromRatio returns num/den rounded down.
func DecimalFromRatio(num, den *uint256.Int) (Decimal, error) {
	raw, err := mulDiv(num, decimalFractional, den)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{raw: *raw}, nil
}

// DecimalPercent returns p/100.
func DecimalPercent(p uint64) Decimal {
	var d Decimal
	d.raw.Mul(uint256.NewInt(p), percentRaw)
	return d
}

// ParseDecimal parses a non-negative base-10 decimal such as "0.05" or "12".
func ParseDecimal(value string) (Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Decimal{}, fmt.Errorf("decimal: empty value")
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimalPlaces {
		return Decimal{}, fmt.Errorf("decimal: %q has more than %d fractional digits", value, decimalPlaces)
	}
	for _, part := range []string{whole, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return Decimal{}, fmt.Errorf("decimal: invalid value %q", value)
			}
		}
	}
	wholeInt, err := uint256.FromDecimal(whole)
	if err != nil {
		return Decimal{}, fmt.Errorf("decimal: invalid value %q: %w", value, err)
	}
	d, err := DecimalFromUint(wholeInt)
	if err != nil {
		return Decimal{}, err
	}
	if frac == "" {
		return d, nil
	}
	fracInt, err := uint256.FromDecimal(frac + strings.Repeat("0", decimalPlaces-len(frac)))
	if err != nil {
		return Decimal{}, fmt.Errorf("decimal: invalid value %q: %w", value, err)
	}
	return d.Add(Decimal{raw: *fracInt})
}

// MustParseDecimal panics when value cannot be parsed. Intended for constants
// and tests.
func MustParseDecimal(value string) Decimal {
	d, err := ParseDecimal(value)
	if err != nil {
		panic(err)
	}
	return d
}

// Raw returns a copy of the scaled representation.
func (d Decimal) Raw() *uint256.Int { return new(uint256.Int).Set(&d.raw) }

func (d Decimal) IsZero() bool { return d.raw.IsZero() }

func (d Decimal) Cmp(o Decimal) int { return d.raw.Cmp(&o.raw) }

func (d Decimal) LessThan(o Decimal) bool { return d.raw.Lt(&o.raw) }

func (d Decimal) Equal(o Decimal) bool { return d.raw.Eq(&o.raw) }

func (d Decimal) Add(o Decimal) (Decimal, error) {
	var out Decimal
	if _, overflow := out.raw.AddOverflow(&d.raw, &o.raw); overflow {
		return Decimal{}, ErrArithmeticOverflow
	}
	return out, nil
}

func (d Decimal) Sub(o Decimal) (Decimal, error) {
	var out Decimal
	if _, underflow := out.raw.SubOverflow(&d.raw, &o.raw); underflow {
		return Decimal{}, ErrArithmeticOverflow
	}
	return out, nil
}

// Mul returns d*o rounded down.
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	raw, err := mulDiv(&d.raw, &o.raw, decimalFractional)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{raw: *raw}, nil
}

// Quo returns d/o rounded down.
func (d Decimal) Quo(o Decimal) (Decimal, error) {
	raw, err := mulDiv(&d.raw, decimalFractional, &o.raw)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{raw: *raw}, nil
}

// MulInt returns d*v without rounding.
func (d Decimal) MulInt(v *uint256.Int) (Decimal, error) {
	var out Decimal
	if _, overflow := out.raw.MulOverflow(&d.raw, v); overflow {
		return Decimal{}, ErrArithmeticOverflow
	}
	return out, nil
}

// QuoInt returns d/v rounded down to 18 fractional digits.
func (d Decimal) QuoInt(v *uint256.Int) (Decimal, error) {
	if v == nil || v.IsZero() {
		return Decimal{}, ErrDivideByZero
	}
	var out Decimal
	out.raw.Div(&d.raw, v)
	return out, nil
}

// Floor returns the integer part.
func (d Decimal) Floor() *uint256.Int {
	return new(uint256.Int).Div(&d.raw, decimalFractional)
}

// Ceil returns the smallest integer not below d.
func (d Decimal) Ceil() *uint256.Int {
	out := d.Floor()
	if !d.Frac().IsZero() {
		out.AddUint64(out, 1)
	}
	return out
}

// Frac returns the fractional part.
func (d Decimal) Frac() Decimal {
	var out Decimal
	out.raw.Mod(&d.raw, decimalFractional)
	return out
}

func (d Decimal) String() string {
	whole := d.Floor().Dec()
	frac := new(uint256.Int).Mod(&d.raw, decimalFractional)
	if frac.IsZero() {
		return whole
	}
	digits := frac.Dec()
	digits = strings.Repeat("0", decimalPlaces-len(digits)) + digits
	return whole + "." + strings.TrimRight(digits, "0")
}

// mulUintDecimal returns floor(v*d).
func mulUintDecimal(v *uint256.Int, d Decimal) (*uint256.Int, error) {
	return mulDiv(v, &d.raw, decimalFractional)
}

func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, ErrDivideByZero
	}
	if x == nil || y == nil {
		return new(uint256.Int), nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func checkedAdd(x, y *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func checkedSub(x, y *uint256.Int) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// saturatingSub returns max(x-y, 0).
func saturatingSub(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

func minUint(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// ParseAmount parses a base-10 unsigned integer amount.
func ParseAmount(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return amount, nil
}

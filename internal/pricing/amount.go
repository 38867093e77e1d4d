package pricing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MicrosPerUnit is the fixed-point scale of Amount. Six fractional digits
// represent sub-cent per-record prices exactly.
const MicrosPerUnit = 1_000_000

// Amount is a non-negative money value in micro-units of the account currency.
type Amount int64

var ErrInvalidAmount = errors.New("invalid_amount")

// Micros builds an Amount from micro-units.
func Micros(v int64) Amount {
	return Amount(v)
}

// ParseAmount parses a decimal string such as "0.001" or "49.99" exactly.
func ParseAmount(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "-") || strings.HasPrefix(raw, "+") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("%w: %q has more than 6 decimal places", ErrInvalidAmount, raw)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	var micros int64
	if frac != "" {
		micros, err = strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
	}
	if units > (1<<63-1-micros)/MicrosPerUnit {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, raw)
	}
	return Amount(units*MicrosPerUnit + micros), nil
}

// MustParse is ParseAmount for constants and tests.
func MustParse(raw string) Amount {
	a, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Micros() int64 {
	return int64(a)
}

// String renders the amount with at least two decimals: 0.06, 1.00, 0.001.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	frac := fmt.Sprintf("%06d", v%MicrosPerUnit)
	frac = strings.TrimRight(frac, "0")
	for len(frac) < 2 {
		frac += "0"
	}
	return fmt.Sprintf("%s%d.%s", sign, v/MicrosPerUnit, frac)
}

// Float64 is for display and metrics only. Arithmetic stays in micros.
func (a Amount) Float64() float64 {
	return float64(a) / MicrosPerUnit
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MonthlyFromAnnual spreads an annual price evenly over twelve months.
func MonthlyFromAnnual(annual Amount) Amount {
	return annual / 12
}

package gateway

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorExponent lists currencies whose minor unit is not 1/100 of the major unit.
var minorExponent = map[string]int32{
	"JPY": 0,
	"KWD": 3,
	"BHD": 3,
}

func exponentFor(currency string) int32 {
	if exp, ok := minorExponent[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMinor converts whole major units into the gateway's minor unit.
func ToMinor(amount int64, currency string) int64 {
	return decimal.NewFromInt(amount).Shift(exponentFor(currency)).IntPart()
}

// FromMinor converts a gateway minor-unit amount back to major units.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-exponentFor(currency))
}

// MajorUnits converts a minor-unit amount to whole major units, rounding half away from zero.
func MajorUnits(minor int64, currency string) int64 {
	return FromMinor(minor, currency).Round(0).IntPart()
}

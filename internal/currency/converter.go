package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type info struct {
	exponent int32
	// local currency units per 1 USD, approximate 2024 rates
	perUSD decimal.Decimal
}

var supported = map[string]info{
	"USD": {2, decimal.NewFromInt(1)},
	"NGN": {2, decimal.NewFromInt(1580)},
	"GHS": {2, decimal.RequireFromString("15.2")},
	"KES": {2, decimal.RequireFromString("129.5")},
	"ZAR": {2, decimal.RequireFromString("18.6")},
	"XOF": {0, decimal.NewFromInt(605)},
}

// Normalize upper-cases and trims a currency code and checks it is one the
// gateway settles in.
func Normalize(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := supported[c]; !ok {
		return "", fmt.Errorf("unsupported currency: %q", code)
	}
	return c, nil
}

// Exponent returns the number of minor-unit digits for a normalized code.
func Exponent(code string) (int32, error) {
	ci, ok := supported[code]
	if !ok {
		return 0, fmt.Errorf("unsupported currency: %s", code)
	}
	return ci.exponent, nil
}

// Round rounds amount to the currency's minor unit.
func Round(amount decimal.Decimal, code string) (decimal.Decimal, error) {
	exp, err := Exponent(code)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Round(exp), nil
}

// ToUSD converts a local currency amount to USD.
func ToUSD(amount decimal.Decimal, code string) (decimal.Decimal, error) {
	ci, ok := supported[code]
	if !ok {
		return decimal.Zero, fmt.Errorf("unsupported currency: %s", code)
	}
	return amount.Div(ci.perUSD).Round(2), nil
}

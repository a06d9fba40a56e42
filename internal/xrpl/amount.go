package xrpl

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// dropsPerXRP is the native unit scale: amounts of XRP travel on the wire
// as integer drops.
var dropsPerXRP = decimal.NewFromInt(1_000_000)

// Amount is an XRPL currency amount. On the wire XRP appears as a bare
// string of drops while issued currencies appear as an object with
// currency, issuer and value; UnmarshalJSON accepts both.
type Amount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer,omitempty"`
	Value    string `json:"value"`
}

// UnmarshalJSON decodes either the drops-string or the object form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var drops string
		if err := json.Unmarshal(data, &drops); err != nil {
			return err
		}
		a.Currency = "XRP"
		a.Issuer = ""
		a.Value = drops
		return nil
	}

	type alias Amount
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*a = Amount(obj)
	return nil
}

// IsXRP reports whether the amount denominates the native asset.
func (a *Amount) IsXRP() bool {
	return a.Currency == "XRP"
}

// Decimal returns the amount as a decimal in whole-currency units.
// XRP values are converted from drops.
func (a *Amount) Decimal() (decimal.Decimal, error) {
	if a.Value == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(a.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount value %q: %w", a.Value, err)
	}
	if a.IsXRP() {
		return v.Div(dropsPerXRP), nil
	}
	return v, nil
}

// DropsToXRP converts a drops string to whole XRP.
func DropsToXRP(drops string) (decimal.Decimal, error) {
	if drops == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(drops)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse drops %q: %w", drops, err)
	}
	return v.Div(dropsPerXRP), nil
}

package processor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"xrpl-amm-collector/internal/xrpl"
)

// BalanceChange is one account's balance movement in one currency, derived
// from transaction metadata. Delta is signed: positive means the account
// received value.
type BalanceChange struct {
	Account  string
	Currency string
	Issuer   string
	Delta    decimal.Decimal
}

// ExtractBalanceChanges walks meta.AffectedNodes and produces the balance
// movements the transaction caused. RippleState entries yield issued
// currency changes for both trust line parties; AccountRoot entries yield
// XRP changes.
func ExtractBalanceChanges(meta *xrpl.Meta) ([]BalanceChange, error) {
	var changes []BalanceChange

	for i := range meta.AffectedNodes {
		node := meta.AffectedNodes[i].Node()
		if node == nil {
			continue
		}

		switch node.LedgerEntryType {
		case "RippleState":
			cs, err := rippleStateChanges(node)
			if err != nil {
				return nil, err
			}
			changes = append(changes, cs...)
		case "AccountRoot":
			c, err := accountRootChange(node)
			if err != nil {
				return nil, err
			}
			if c != nil {
				changes = append(changes, *c)
			}
		}
	}

	return changes, nil
}

// rippleStateChanges computes the issued-currency deltas for both parties
// of a trust line. The stored balance is from the low account's
// perspective; the high account sees the negation. Each party's issuer is
// the opposite party.
func rippleStateChanges(node *xrpl.NodeData) ([]BalanceChange, error) {
	final := fieldsOf(node)
	if final == nil || final.Balance == nil || final.HighLimit == nil || final.LowLimit == nil {
		return nil, nil
	}

	finalBal, err := final.Balance.Decimal()
	if err != nil {
		return nil, fmt.Errorf("trust line final balance: %w", err)
	}

	prevBal := decimal.Zero
	if node.PreviousFields != nil && node.PreviousFields.Balance != nil {
		prevBal, err = node.PreviousFields.Balance.Decimal()
		if err != nil {
			return nil, fmt.Errorf("trust line previous balance: %w", err)
		}
	} else if node.NewFields == nil {
		// Modified node without a Balance in PreviousFields: no movement.
		return nil, nil
	}

	delta := finalBal.Sub(prevBal)
	if delta.IsZero() {
		return nil, nil
	}

	currency := final.Balance.Currency
	low := final.LowLimit.Issuer
	high := final.HighLimit.Issuer

	return []BalanceChange{
		{Account: low, Currency: currency, Issuer: high, Delta: delta},
		{Account: high, Currency: currency, Issuer: low, Delta: delta.Neg()},
	}, nil
}

// accountRootChange computes the XRP delta for an account, if any.
func accountRootChange(node *xrpl.NodeData) (*BalanceChange, error) {
	final := fieldsOf(node)
	if final == nil || final.Account == "" || final.Balance == nil {
		return nil, nil
	}
	if node.PreviousFields == nil || node.PreviousFields.Balance == nil {
		return nil, nil
	}

	finalBal, err := final.Balance.Decimal()
	if err != nil {
		return nil, fmt.Errorf("account root final balance: %w", err)
	}
	prevBal, err := node.PreviousFields.Balance.Decimal()
	if err != nil {
		return nil, fmt.Errorf("account root previous balance: %w", err)
	}

	delta := finalBal.Sub(prevBal)
	if delta.IsZero() {
		return nil, nil
	}

	return &BalanceChange{
		Account:  final.Account,
		Currency: "XRP",
		Delta:    delta,
	}, nil
}

// fieldsOf returns the post-transaction fields of a node: FinalFields for
// modified and deleted entries, NewFields for created ones.
func fieldsOf(node *xrpl.NodeData) *xrpl.NodeFields {
	if node.FinalFields != nil {
		return node.FinalFields
	}
	return node.NewFields
}

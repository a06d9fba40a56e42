package processor

import (
	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/xrpl"
)

// PoolSet answers whether an account is a tracked AMM pool.
type PoolSet interface {
	IsPool(account string) bool
}

// Classify assigns a transaction its kind from the transaction type and
// the shape of its metadata. The result is a closed set; anything not
// recognized is UNKNOWN, never dropped.
func Classify(tx *xrpl.TransactionWithMeta, changes []BalanceChange, pools PoolSet) domain.TxKind {
	switch tx.Tx.TransactionType {
	case "AMMDeposit":
		return domain.TxAmmDeposit
	case "AMMWithdraw":
		return domain.TxAmmWithdraw
	case "Payment", "OfferCreate":
		// A payment or offer whose metadata moves a tracked pool's
		// reserves rode through that pool.
		if pools != nil {
			for i := range changes {
				if pools.IsPool(changes[i].Account) {
					return domain.TxAmmSwap
				}
			}
		}
		if touchesOfferEntries(&tx.Meta) {
			return domain.TxDexTrade
		}
		if tx.Tx.TransactionType == "Payment" {
			return domain.TxPayment
		}
		return domain.TxUnknown
	}
	return domain.TxUnknown
}

// touchesOfferEntries reports whether the metadata consumed, created or
// removed order book offers.
func touchesOfferEntries(meta *xrpl.Meta) bool {
	for i := range meta.AffectedNodes {
		node := meta.AffectedNodes[i].Node()
		if node != nil && node.LedgerEntryType == "Offer" {
			return true
		}
	}
	return false
}

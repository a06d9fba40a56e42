package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxKind is the closed classification of a normalized ledger transaction.
type TxKind string

const (
	TxPayment     TxKind = "PAYMENT"
	TxAmmDeposit  TxKind = "AMM_DEPOSIT"
	TxAmmWithdraw TxKind = "AMM_WITHDRAW"
	TxAmmSwap     TxKind = "AMM_SWAP"
	TxDexTrade    TxKind = "DEX_TRADE"
	TxUnknown     TxKind = "UNKNOWN"
)

// String returns the string representation of TxKind.
func (k TxKind) String() string {
	return string(k)
}

// IsValid checks if the kind is a valid value.
func (k TxKind) IsValid() bool {
	switch k {
	case TxPayment, TxAmmDeposit, TxAmmWithdraw, TxAmmSwap, TxDexTrade, TxUnknown:
		return true
	}
	return false
}

// Provenance records which pipeline produced a stored fact.
type Provenance string

const (
	ProvenanceLive     Provenance = "live"
	ProvenanceBackfill Provenance = "backfill"
)

// TokenTransaction is an immutable fact derived from one ledger transaction
// affecting one target wallet. A single ledger transaction can yield several
// TokenTransactions, one per (wallet, currency) balance it moves.
// Corresponds to the token_transactions table.
// Uniqueness: (transaction_hash, wallet_address, currency, issuer).
type TokenTransaction struct {
	Hash          string          // ledger transaction hash (64-char hex)
	LedgerIndex   int64           // validated ledger the transaction closed in
	Timestamp     time.Time       // ledger close time of the transaction
	WalletAddress string          // tracked wallet whose balance moved
	Counterparty  string          // other party, empty when not derivable
	Currency      string          // currency code, "XRP" for the native asset
	Issuer        string          // issuer address, empty for XRP
	Amount        decimal.Decimal // absolute balance delta for the wallet
	Kind          TxKind
	IsReceive     bool // true when the wallet's balance increased
	FeeXRP        decimal.Decimal
	Provenance    Provenance
}

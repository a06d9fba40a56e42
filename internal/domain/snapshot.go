package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CaptureReason records what triggered an AMM snapshot.
type CaptureReason string

const (
	// CaptureTransaction marks a snapshot derived from transaction metadata.
	CaptureTransaction CaptureReason = "transaction"
	// CapturePeriodic marks a snapshot taken by the periodic timer.
	CapturePeriodic CaptureReason = "periodic"
)

// String returns the string representation of CaptureReason.
func (r CaptureReason) String() string {
	return string(r)
}

// AMMSnapshot is a point-in-time AMM pool state.
// Corresponds to the amm_snapshots table.
// Uniqueness: (amm_address, ledger_index); multiple state changes within the
// same ledger collapse to one stored snapshot (last write wins).
type AMMSnapshot struct {
	AMMAccount  string // pool account address
	LedgerIndex int64
	Timestamp   time.Time

	Asset1Currency string
	Asset1Issuer   string // empty for XRP
	Asset1Amount   decimal.Decimal

	Asset2Currency string
	Asset2Issuer   string
	Asset2Amount   decimal.Decimal

	LPTokenCurrency string
	LPTokenSupply   decimal.Decimal
	TradingFee      int32 // basis points of 1/100000, as reported by the ledger

	KConstant decimal.Decimal // product of reserves
	Price     decimal.Decimal // asset2 per asset1
	TVLXRP    decimal.Decimal // 2x the XRP reserve when one side is XRP, zero otherwise

	Reason CaptureReason
}

// ComputeDerived fills KConstant, Price and TVLXRP from the reserve amounts.
func (s *AMMSnapshot) ComputeDerived() {
	s.KConstant = s.Asset1Amount.Mul(s.Asset2Amount)
	if s.Asset1Amount.IsPositive() {
		s.Price = s.Asset2Amount.Div(s.Asset1Amount)
	} else {
		s.Price = decimal.Zero
	}
	switch {
	case s.Asset1Currency == "XRP":
		s.TVLXRP = s.Asset1Amount.Mul(decimal.NewFromInt(2))
	case s.Asset2Currency == "XRP":
		s.TVLXRP = s.Asset2Amount.Mul(decimal.NewFromInt(2))
	default:
		// Non-XRP pairs need external price data we do not collect.
		s.TVLXRP = decimal.Zero
	}
}

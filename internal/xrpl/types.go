package xrpl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rippleEpochOffset is the number of seconds between the Unix epoch and the
// ledger epoch (2000-01-01T00:00:00Z).
const rippleEpochOffset = 946684800

// RippleTime converts a ledger close time to wall-clock time.
func RippleTime(secs int64) time.Time {
	return time.Unix(secs+rippleEpochOffset, 0).UTC()
}

// Transaction holds the fields of a submitted transaction that the
// collector reads. Unknown fields are ignored.
type Transaction struct {
	Hash            string  `json:"hash"`
	TransactionType string  `json:"TransactionType"`
	Account         string  `json:"Account"`
	Destination     string  `json:"Destination"`
	Fee             string  `json:"Fee"`
	Amount          *Amount `json:"Amount"`
	Amount2         *Amount `json:"Amount2"`
	Date            int64   `json:"date"`
	Sequence        uint32  `json:"Sequence"`
}

// NodeFields is the subset of ledger-entry fields the collector inspects
// inside transaction metadata. AccountRoot balances are drop strings and
// RippleState balances are objects; Amount decodes both.
type NodeFields struct {
	Account        string  `json:"Account"`
	Balance        *Amount `json:"Balance"`
	HighLimit      *Amount `json:"HighLimit"`
	LowLimit       *Amount `json:"LowLimit"`
	TakerGets      *Amount `json:"TakerGets"`
	TakerPays      *Amount `json:"TakerPays"`
	LPTokenBalance *Amount `json:"LPTokenBalance"`
	TradingFee     int32   `json:"TradingFee"`
}

// NodeData describes one side of an affected-node diff.
type NodeData struct {
	LedgerEntryType string      `json:"LedgerEntryType"`
	LedgerIndex     string      `json:"LedgerIndex"`
	FinalFields     *NodeFields `json:"FinalFields"`
	PreviousFields  *NodeFields `json:"PreviousFields"`
	NewFields       *NodeFields `json:"NewFields"`
}

// AffectedNode is one entry of meta.AffectedNodes. Exactly one of the three
// pointers is set.
type AffectedNode struct {
	Created  *NodeData `json:"CreatedNode"`
	Modified *NodeData `json:"ModifiedNode"`
	Deleted  *NodeData `json:"DeletedNode"`
}

// Node returns whichever variant is populated.
func (n *AffectedNode) Node() *NodeData {
	switch {
	case n.Modified != nil:
		return n.Modified
	case n.Created != nil:
		return n.Created
	case n.Deleted != nil:
		return n.Deleted
	}
	return nil
}

// Meta is the transaction metadata attached to every validated transaction.
type Meta struct {
	AffectedNodes     []AffectedNode `json:"AffectedNodes"`
	TransactionResult string         `json:"TransactionResult"`
	DeliveredAmount   *Amount        `json:"delivered_amount"`
}

// TransactionWithMeta pairs a transaction with its metadata and validation
// context. It decodes both the stream shape ("transaction"/"meta") and the
// account_tx shape ("tx"/"meta").
type TransactionWithMeta struct {
	Tx          Transaction
	Meta        Meta
	LedgerIndex int64
	Validated   bool
}

func (t *TransactionWithMeta) UnmarshalJSON(data []byte) error {
	var raw struct {
		Transaction *Transaction `json:"transaction"`
		Tx          *Transaction `json:"tx"`
		Meta        Meta         `json:"meta"`
		LedgerIndex int64        `json:"ledger_index"`
		Validated   bool         `json:"validated"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch {
	case raw.Transaction != nil:
		t.Tx = *raw.Transaction
	case raw.Tx != nil:
		t.Tx = *raw.Tx
	default:
		return fmt.Errorf("transaction envelope missing tx body")
	}
	t.Meta = raw.Meta
	t.LedgerIndex = raw.LedgerIndex
	t.Validated = raw.Validated
	return nil
}

// Succeeded reports whether the transaction was applied to the ledger.
func (t *TransactionWithMeta) Succeeded() bool {
	return t.Meta.TransactionResult == "tesSUCCESS"
}

// Timestamp returns the transaction close time as wall-clock time.
func (t *TransactionWithMeta) Timestamp() time.Time {
	return RippleTime(t.Tx.Date)
}

// LedgerHeader carries the facts from a ledgerClosed stream message that
// the collector uses for progress and gap tracking.
type LedgerHeader struct {
	Index        int64
	CloseTime    time.Time
	CompleteFrom int64
	CompleteTo   int64
}

// parseCompleteLedgers parses the node-reported validated_ledgers range.
// Nodes report e.g. "32570-94329470"; when the history is disjoint the
// last (most recent) segment wins.
func parseCompleteLedgers(s string) (from, to int64, err error) {
	if s == "" || s == "empty" {
		return 0, 0, fmt.Errorf("node reports no complete ledgers")
	}
	segments := strings.Split(s, ",")
	last := segments[len(segments)-1]

	lo, hi, found := strings.Cut(last, "-")
	if !found {
		hi = lo
	}
	from, err = strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse complete ledger range %q: %w", s, err)
	}
	to, err = strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse complete ledger range %q: %w", s, err)
	}
	return from, to, nil
}

// AMMInfoResult is the pool state returned by the amm_info method.
type AMMInfoResult struct {
	Account     string `json:"account"`
	Amount      Amount `json:"amount"`
	Amount2     Amount `json:"amount2"`
	LPToken     Amount `json:"lp_token"`
	TradingFee  int32  `json:"trading_fee"`
	LedgerIndex int64  `json:"-"`
}

// AccountTxPage is one page of historical transactions for an account.
// A non-nil Marker means more pages remain.
type AccountTxPage struct {
	Transactions []*TransactionWithMeta
	Marker       json.RawMessage
}

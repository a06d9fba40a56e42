package xrpl

import (
	"context"
	"encoding/json"
)

// LedgerEvent is one message from a live subscription. Exactly one of
// Ledger or Transaction is set: Ledger for every closed-ledger
// announcement, Transaction for a validated transaction touching one of
// the subscription's accounts.
type LedgerEvent struct {
	Ledger      *LedgerHeader
	Transaction *TransactionWithMeta
}

// Gateway is the collector's view of an XRPL node. The rest of the system
// depends on this interface only, never on the websocket client directly.
type Gateway interface {
	// Subscribe opens a live event stream for the given accounts plus the
	// ledger stream. The returned channel is closed when the subscription
	// is cancelled via ctx or the client shuts down.
	Subscribe(ctx context.Context, accounts []string) (<-chan LedgerEvent, error)

	// AccountTx fetches one page of validated historical transactions for
	// an account within [minLedger, maxLedger], oldest first. Pass marker
	// from the previous page to continue; a nil marker starts the range.
	AccountTx(ctx context.Context, account string, minLedger, maxLedger int64, limit int, marker json.RawMessage) (*AccountTxPage, error)

	// CurrentLedger returns the most recent validated ledger index and the
	// node's complete-history range.
	CurrentLedger(ctx context.Context) (current, completeFrom, completeTo int64, err error)

	// AMMInfo fetches the current pool state for an AMM account.
	AMMInfo(ctx context.Context, ammAccount string) (*AMMInfoResult, error)

	// Close tears down the connection and all subscriptions.
	Close() error
}

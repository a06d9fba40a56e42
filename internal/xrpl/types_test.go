package xrpl

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseCompleteLedgers(t *testing.T) {
	tests := []struct {
		in       string
		wantFrom int64
		wantTo   int64
		wantErr  bool
	}{
		{"32570-94329470", 32570, 94329470, false},
		{"100-200,5000-6000", 5000, 6000, false}, // disjoint history, newest segment wins
		{"42", 42, 42, false},
		{"empty", 0, 0, true},
		{"", 0, 0, true},
		{"abc-def", 0, 0, true},
	}
	for _, tt := range tests {
		from, to, err := parseCompleteLedgers(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseCompleteLedgers(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCompleteLedgers(%q): %v", tt.in, err)
			continue
		}
		if from != tt.wantFrom || to != tt.wantTo {
			t.Errorf("parseCompleteLedgers(%q) = (%d, %d), want (%d, %d)", tt.in, from, to, tt.wantFrom, tt.wantTo)
		}
	}
}

func TestRippleTime(t *testing.T) {
	// Ledger epoch is 2000-01-01T00:00:00Z.
	got := RippleTime(0)
	want := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("RippleTime(0) = %s, want %s", got, want)
	}
}

func TestTransactionWithMeta_StreamShape(t *testing.T) {
	raw := `{
		"type": "transaction",
		"transaction": {
			"hash": "ABC123",
			"TransactionType": "Payment",
			"Account": "rSender",
			"Destination": "rReceiver",
			"Fee": "12",
			"date": 700000000
		},
		"meta": {"TransactionResult": "tesSUCCESS", "AffectedNodes": []},
		"ledger_index": 94000000,
		"validated": true
	}`

	var tx TransactionWithMeta
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		t.Fatalf("unmarshal stream shape: %v", err)
	}

	if tx.Tx.Hash != "ABC123" {
		t.Errorf("hash mismatch: %s", tx.Tx.Hash)
	}
	if tx.LedgerIndex != 94000000 {
		t.Errorf("ledger index mismatch: %d", tx.LedgerIndex)
	}
	if !tx.Validated || !tx.Succeeded() {
		t.Error("expected validated, successful transaction")
	}
}

func TestTransactionWithMeta_AccountTxShape(t *testing.T) {
	raw := `{
		"tx": {"hash": "DEF456", "TransactionType": "OfferCreate", "Account": "rTrader"},
		"meta": {"TransactionResult": "tecUNFUNDED_OFFER"},
		"validated": true,
		"ledger_index": 123
	}`

	var tx TransactionWithMeta
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		t.Fatalf("unmarshal account_tx shape: %v", err)
	}

	if tx.Tx.Hash != "DEF456" {
		t.Errorf("hash mismatch: %s", tx.Tx.Hash)
	}
	if tx.Succeeded() {
		t.Error("tec result must not count as success")
	}
}

func TestTransactionWithMeta_MissingBody(t *testing.T) {
	var tx TransactionWithMeta
	if err := json.Unmarshal([]byte(`{"meta":{},"validated":true}`), &tx); err == nil {
		t.Error("expected error for envelope without tx body")
	}
}

func TestAffectedNode_Node(t *testing.T) {
	raw := `{"ModifiedNode": {"LedgerEntryType": "AccountRoot"}}`
	var n AffectedNode
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	node := n.Node()
	if node == nil || node.LedgerEntryType != "AccountRoot" {
		t.Errorf("expected modified AccountRoot node, got %+v", node)
	}
}

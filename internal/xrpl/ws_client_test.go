package xrpl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeNode is a minimal scripted XRPL websocket endpoint.
type fakeNode struct {
	t      *testing.T
	handle func(conn *websocket.Conn, req map[string]json.RawMessage) map[string]interface{}
	// onSubscribed, when set, runs after the first successful subscribe
	// response so the server can push stream messages.
	onSubscribed func(conn *websocket.Conn)
}

func (f *fakeNode) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]json.RawMessage
			if err := json.Unmarshal(msg, &req); err != nil {
				f.t.Errorf("unmarshal request: %v", err)
				return
			}

			var id uint64
			json.Unmarshal(req["id"], &id)
			var command string
			json.Unmarshal(req["command"], &command)

			resp := map[string]interface{}{
				"id":     id,
				"type":   "response",
				"status": "success",
				"result": map[string]interface{}{},
			}
			if f.handle != nil {
				if custom := f.handle(conn, req); custom != nil {
					custom["id"] = id
					custom["type"] = "response"
					resp = custom
				}
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}

			if command == "subscribe" && f.onSubscribed != nil {
				f.onSubscribed(conn)
				f.onSubscribed = nil
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSClient_Connect(t *testing.T) {
	node := &fakeNode{t: t}
	server := node.server()
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if client.closed.Load() {
		t.Error("client should not be closed")
	}
}

func TestWSClient_SubscribeDeliversEvents(t *testing.T) {
	node := &fakeNode{t: t}
	node.onSubscribed = func(conn *websocket.Conn) {
		// One transaction touching the subscribed account, then a closed
		// ledger announcement.
		conn.WriteJSON(map[string]interface{}{
			"type": "transaction",
			"transaction": map[string]interface{}{
				"hash":            "TX1",
				"TransactionType": "Payment",
				"Account":         "rSender",
				"Destination":     "rTracked",
				"Fee":             "12",
				"date":            700000000,
			},
			"meta":         map[string]interface{}{"TransactionResult": "tesSUCCESS"},
			"ledger_index": 500,
			"validated":    true,
		})
		conn.WriteJSON(map[string]interface{}{
			"type":              "ledgerClosed",
			"ledger_index":      500,
			"ledger_time":       700000001,
			"validated_ledgers": "100-500",
		})
	}
	server := node.server()
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	events, err := client.Subscribe(context.Background(), []string{"rTracked"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var gotTx, gotLedger bool
	timeout := time.After(5 * time.Second)
	for !gotTx || !gotLedger {
		select {
		case ev := <-events:
			switch {
			case ev.Transaction != nil:
				if ev.Transaction.Tx.Hash != "TX1" {
					t.Errorf("unexpected hash %s", ev.Transaction.Tx.Hash)
				}
				if ev.Transaction.LedgerIndex != 500 {
					t.Errorf("unexpected ledger %d", ev.Transaction.LedgerIndex)
				}
				gotTx = true
			case ev.Ledger != nil:
				if ev.Ledger.Index != 500 {
					t.Errorf("unexpected ledger index %d", ev.Ledger.Index)
				}
				if ev.Ledger.CompleteFrom != 100 || ev.Ledger.CompleteTo != 500 {
					t.Errorf("unexpected complete range %d-%d", ev.Ledger.CompleteFrom, ev.Ledger.CompleteTo)
				}
				gotLedger = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events (tx=%v ledger=%v)", gotTx, gotLedger)
		}
	}
}

func TestWSClient_IgnoresUnrelatedTransactions(t *testing.T) {
	node := &fakeNode{t: t}
	node.onSubscribed = func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]interface{}{
			"type": "transaction",
			"transaction": map[string]interface{}{
				"hash":            "OTHER",
				"TransactionType": "Payment",
				"Account":         "rStranger",
				"Destination":     "rNobody",
			},
			"meta":         map[string]interface{}{"TransactionResult": "tesSUCCESS"},
			"ledger_index": 501,
			"validated":    true,
		})
		conn.WriteJSON(map[string]interface{}{
			"type":         "ledgerClosed",
			"ledger_index": 501,
			"ledger_time":  700000002,
		})
	}
	server := node.server()
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	events, err := client.Subscribe(context.Background(), []string{"rTracked"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// The ledger header arrives after the transaction; seeing it without
	// the transaction proves the filter dropped the unrelated one.
	select {
	case ev := <-events:
		if ev.Transaction != nil {
			t.Errorf("unexpected transaction delivered: %s", ev.Transaction.Tx.Hash)
		}
		if ev.Ledger == nil || ev.Ledger.Index != 501 {
			t.Errorf("expected ledger 501 event, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ledger event")
	}
}

func TestWSClient_CurrentLedger(t *testing.T) {
	node := &fakeNode{t: t}
	node.handle = func(conn *websocket.Conn, req map[string]json.RawMessage) map[string]interface{} {
		var command string
		json.Unmarshal(req["command"], &command)
		if command != "server_info" {
			return nil
		}
		return map[string]interface{}{
			"status": "success",
			"result": map[string]interface{}{
				"info": map[string]interface{}{
					"complete_ledgers": "32570-94000000",
					"validated_ledger": map[string]interface{}{"seq": 94000000},
				},
			},
		}
	}
	server := node.server()
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	current, from, to, err := client.CurrentLedger(context.Background())
	if err != nil {
		t.Fatalf("CurrentLedger: %v", err)
	}
	if current != 94000000 || from != 32570 || to != 94000000 {
		t.Errorf("unexpected result: current=%d from=%d to=%d", current, from, to)
	}
}

func TestWSClient_AccountTxPaging(t *testing.T) {
	node := &fakeNode{t: t}
	node.handle = func(conn *websocket.Conn, req map[string]json.RawMessage) map[string]interface{} {
		var command string
		json.Unmarshal(req["command"], &command)
		if command != "account_tx" {
			return nil
		}

		// First page carries a marker, second does not.
		if _, hasMarker := req["marker"]; !hasMarker {
			return map[string]interface{}{
				"status": "success",
				"result": map[string]interface{}{
					"transactions": []map[string]interface{}{
						{
							"tx":        map[string]interface{}{"hash": "P1TX", "TransactionType": "Payment", "Account": "rA"},
							"meta":      map[string]interface{}{"TransactionResult": "tesSUCCESS"},
							"validated": true,
						},
					},
					"marker": map[string]interface{}{"ledger": 150, "seq": 3},
				},
			}
		}
		return map[string]interface{}{
			"status": "success",
			"result": map[string]interface{}{
				"transactions": []map[string]interface{}{
					{
						"tx":        map[string]interface{}{"hash": "P2TX", "TransactionType": "Payment", "Account": "rA"},
						"meta":      map[string]interface{}{"TransactionResult": "tesSUCCESS"},
						"validated": true,
					},
				},
			},
		}
	}
	server := node.server()
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	page1, err := client.AccountTx(ctx, "rA", 100, 200, 10, nil)
	if err != nil {
		t.Fatalf("AccountTx page 1: %v", err)
	}
	if len(page1.Transactions) != 1 || page1.Transactions[0].Tx.Hash != "P1TX" {
		t.Fatalf("unexpected page 1: %+v", page1.Transactions)
	}
	if page1.Marker == nil {
		t.Fatal("expected marker on page 1")
	}

	page2, err := client.AccountTx(ctx, "rA", 100, 200, 10, page1.Marker)
	if err != nil {
		t.Fatalf("AccountTx page 2: %v", err)
	}
	if len(page2.Transactions) != 1 || page2.Transactions[0].Tx.Hash != "P2TX" {
		t.Fatalf("unexpected page 2: %+v", page2.Transactions)
	}
	if page2.Marker != nil {
		t.Error("expected no marker on final page")
	}
}

func TestWSClient_NodeError(t *testing.T) {
	node := &fakeNode{t: t}
	node.handle = func(conn *websocket.Conn, req map[string]json.RawMessage) map[string]interface{} {
		var command string
		json.Unmarshal(req["command"], &command)
		if command != "account_tx" {
			return nil
		}
		return map[string]interface{}{
			"status":        "error",
			"error":         "lgrIdxsInvalid",
			"error_message": "Ledger indexes invalid.",
		}
	}
	server := node.server()
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	_, err = client.AccountTx(context.Background(), "rA", 1, 2, 10, nil)
	if err == nil {
		t.Fatal("expected node error")
	}
	if !IsHistoryUnavailable(err) {
		t.Errorf("expected history-unavailable error, got %v", err)
	}
}

func TestWSClient_CloseFailsPendingRequests(t *testing.T) {
	// A node that accepts requests but never answers, so requests pend
	// until Close fails them.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}

	const callers = 4
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, _, _, err := client.CurrentLedger(context.Background())
			errCh <- err
		}()
	}

	// Let the requests reach the pending map before shutdown.
	time.Sleep(100 * time.Millisecond)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i := 0; i < callers; i++ {
		select {
		case err := <-errCh:
			if err == nil {
				t.Error("request during Close returned no error and no result")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("request did not return after Close")
		}
	}
}

func TestWSClient_ReconnectCallback(t *testing.T) {
	var reconnects atomic.Int64

	node := &fakeNode{t: t}
	// Drop the connection right after the subscribe response so the client
	// goes through its reconnect path against the same server.
	node.onSubscribed = func(conn *websocket.Conn) {
		conn.Close()
	}
	server := node.server()
	defer server.Close()

	cfg := DefaultWSConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.OnReconnect = func() { reconnects.Add(1) }

	client, err := NewWSClient(context.Background(), wsURL(server), &cfg)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if _, err := client.Subscribe(context.Background(), []string{"rTracked"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for reconnects.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reconnect callback never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSClient_Close(t *testing.T) {
	node := &fakeNode{t: t}
	server := node.server()
	defer server.Close()

	client, err := NewWSClient(context.Background(), wsURL(server), nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}

	events, err := client.Subscribe(context.Background(), []string{"rTracked"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Closing twice is a no-op.
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected closed event channel")
		}
	case <-time.After(time.Second):
		t.Error("event channel not closed")
	}
}

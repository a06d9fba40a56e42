package xrpl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// RequestTimeout bounds request/response round trips.
	RequestTimeout time.Duration
	// SubscribeBatchSize caps accounts per subscribe command; large account
	// lists are split across several commands.
	SubscribeBatchSize int
	// OnReconnect is called once per reconnect attempt, before redialing.
	// Optional; used for instrumentation.
	OnReconnect func()
	// Logger receives connection lifecycle messages. Defaults to log.Default().
	Logger *log.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:     1 * time.Second,
		MaxReconnectDelay:  30 * time.Second,
		PingInterval:       30 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		RequestTimeout:     30 * time.Second,
		SubscribeBatchSize: 10,
	}
}

// subscription is one live account group. Ledger headers go to every
// subscription; a transaction goes to the groups whose accounts it touches.
type subscription struct {
	accounts map[string]struct{}
	ch       chan LedgerEvent
}

// WSClient implements Gateway over a single XRPL websocket connection.
// Requests and stream messages share the connection; responses are matched
// to callers by the id field.
type WSClient struct {
	endpoint string
	config   WSClientConfig
	logger   *log.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	subs   map[uint64]*subscription
	subID  atomic.Uint64
	subsMu sync.RWMutex

	// pending maps request ID to the channel waiting for its response
	pending   map[uint64]chan wsResponse
	pendingMu sync.Mutex

	// done signals shutdown
	done chan struct{}
	wg   sync.WaitGroup

	// reconnecting indicates reconnection in progress
	reconnecting atomic.Bool
}

var _ Gateway = (*WSClient)(nil)

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.SubscribeBatchSize <= 0 {
		cfg.SubscribeBatchSize = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := &WSClient{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger,
		subs:     make(map[uint64]*subscription),
		pending:  make(map[uint64]chan wsResponse),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

// connect establishes WebSocket connection.
func (c *WSClient) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	return nil
}

// Subscribe opens a live stream for the given accounts plus the ledger
// stream. Accounts are subscribed in batches of SubscribeBatchSize.
func (c *WSClient) Subscribe(ctx context.Context, accounts []string) (<-chan LedgerEvent, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("client closed")
	}

	// Buffer absorbs bursts; blocking send ensures no event loss.
	sub := &subscription{
		accounts: make(map[string]struct{}, len(accounts)),
		ch:       make(chan LedgerEvent, 4096),
	}
	for _, a := range accounts {
		sub.accounts[a] = struct{}{}
	}

	// Register before sending so no event between the node's response and
	// our bookkeeping is lost.
	id := c.subID.Add(1)
	c.subsMu.Lock()
	c.subs[id] = sub
	c.subsMu.Unlock()

	if err := c.sendSubscribe(ctx, accounts); err != nil {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
		return nil, err
	}

	return sub.ch, nil
}

// sendSubscribe issues subscribe commands for the accounts, batched.
// The ledger stream rides along on every command; subscribing to it twice
// is harmless.
func (c *WSClient) sendSubscribe(ctx context.Context, accounts []string) error {
	if len(accounts) == 0 {
		_, err := c.request(ctx, map[string]interface{}{
			"command": "subscribe",
			"streams": []string{"ledger"},
		})
		if err != nil {
			return fmt.Errorf("subscribe ledger stream: %w", err)
		}
		return nil
	}

	for start := 0; start < len(accounts); start += c.config.SubscribeBatchSize {
		end := start + c.config.SubscribeBatchSize
		if end > len(accounts) {
			end = len(accounts)
		}
		cmd := map[string]interface{}{
			"command":  "subscribe",
			"streams":  []string{"ledger"},
			"accounts": accounts[start:end],
		}
		if _, err := c.request(ctx, cmd); err != nil {
			return fmt.Errorf("subscribe accounts [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

// AccountTx fetches one page of validated history for an account. Pages
// ascend from minLedger so callers can advance progress as rows persist.
func (c *WSClient) AccountTx(ctx context.Context, account string, minLedger, maxLedger int64, limit int, marker json.RawMessage) (*AccountTxPage, error) {
	cmd := map[string]interface{}{
		"command":          "account_tx",
		"account":          account,
		"ledger_index_min": minLedger,
		"ledger_index_max": maxLedger,
		"limit":            limit,
		"forward":          true,
	}
	if marker != nil {
		cmd["marker"] = marker
	}

	result, err := c.request(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("account_tx %s: %w", account, err)
	}

	var body struct {
		Transactions []*TransactionWithMeta `json:"transactions"`
		Marker       json.RawMessage        `json:"marker"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("decode account_tx result: %w", err)
	}

	return &AccountTxPage{
		Transactions: body.Transactions,
		Marker:       body.Marker,
	}, nil
}

// CurrentLedger returns the node's latest validated ledger index and its
// complete-history range, via server_info.
func (c *WSClient) CurrentLedger(ctx context.Context) (int64, int64, int64, error) {
	result, err := c.request(ctx, map[string]interface{}{"command": "server_info"})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("server_info: %w", err)
	}

	var body struct {
		Info struct {
			CompleteLedgers string `json:"complete_ledgers"`
			ValidatedLedger struct {
				Seq int64 `json:"seq"`
			} `json:"validated_ledger"`
		} `json:"info"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return 0, 0, 0, fmt.Errorf("decode server_info result: %w", err)
	}
	if body.Info.ValidatedLedger.Seq == 0 {
		return 0, 0, 0, fmt.Errorf("node reports no validated ledger")
	}

	from, to, err := parseCompleteLedgers(body.Info.CompleteLedgers)
	if err != nil {
		return 0, 0, 0, err
	}
	return body.Info.ValidatedLedger.Seq, from, to, nil
}

// AMMInfo fetches the validated pool state for an AMM account.
func (c *WSClient) AMMInfo(ctx context.Context, ammAccount string) (*AMMInfoResult, error) {
	result, err := c.request(ctx, map[string]interface{}{
		"command":      "amm_info",
		"amm_account":  ammAccount,
		"ledger_index": "validated",
	})
	if err != nil {
		return nil, fmt.Errorf("amm_info %s: %w", ammAccount, err)
	}

	var body struct {
		AMM struct {
			Account    string `json:"account"`
			Amount     Amount `json:"amount"`
			Amount2    Amount `json:"amount2"`
			LPToken    Amount `json:"lp_token"`
			TradingFee int32  `json:"trading_fee"`
		} `json:"amm"`
		LedgerIndex int64 `json:"ledger_index"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("decode amm_info result: %w", err)
	}

	return &AMMInfoResult{
		Account:     body.AMM.Account,
		Amount:      body.AMM.Amount,
		Amount2:     body.AMM.Amount2,
		LPToken:     body.AMM.LPToken,
		TradingFee:  body.AMM.TradingFee,
		LedgerIndex: body.LedgerIndex,
	}, nil
}

// request sends one command and waits for the matching response.
func (c *WSClient) request(ctx context.Context, cmd map[string]interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("client closed")
	}

	reqID := c.requestID.Add(1)
	cmd["id"] = reqID

	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()

	removePending := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		removePending()
		return nil, fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(cmd)
	c.connMu.Unlock()

	if err != nil {
		removePending()
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-respCh:
		// Close fails pending requests by closing their channels; a
		// zero-value receive must not look like a success.
		if !ok {
			return nil, fmt.Errorf("client closed")
		}
		if resp.Status == "error" {
			return nil, &NodeError{Code: resp.Error, Message: resp.ErrorMessage}
		}
		return resp.Result, nil
	case <-time.After(c.config.RequestTimeout):
		removePending()
		return nil, fmt.Errorf("request timeout after %s", c.config.RequestTimeout)
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	case <-ctx.Done():
		removePending()
		return nil, ctx.Err()
	}
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	// Close all subscription channels
	c.subsMu.Lock()
	for id, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	// Fail pending requests
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.wg.Wait()
	return nil
}

// readLoop reads messages from WebSocket and dispatches them.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			// Connection error - attempt reconnect with exponential backoff
			if !c.reconnecting.Swap(true) {
				go c.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		// Reset delay on successful read
		reconnectDelay = c.config.ReconnectDelay

		c.handleMessage(message)
	}
}

// reconnect attempts to reconnect and resubscribe.
func (c *WSClient) reconnect(delay time.Duration) {
	defer c.reconnecting.Store(false)

	if c.closed.Load() {
		return
	}

	c.logger.Printf("[xrpl] connection lost, reconnecting in %s", delay)
	if c.config.OnReconnect != nil {
		c.config.OnReconnect()
	}

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	// Close existing connection
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		// Reconnect failed, will retry on next read error
		c.logger.Printf("[xrpl] reconnect failed: %v", err)
		return
	}

	c.resubscribeAll()
}

// resubscribeAll re-issues subscribe commands for every live account group
// after a reconnect. Channels survive; subscribers see a seamless stream
// with a possible gap the reconciler closes later.
func (c *WSClient) resubscribeAll() {
	c.subsMu.RLock()
	groups := make([][]string, 0, len(c.subs))
	for _, sub := range c.subs {
		accounts := make([]string, 0, len(sub.accounts))
		for a := range sub.accounts {
			accounts = append(accounts, a)
		}
		groups = append(groups, accounts)
	}
	c.subsMu.RUnlock()

	for _, accounts := range groups {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.sendSubscribe(ctx, accounts)
		cancel()
		if err != nil {
			c.logger.Printf("[xrpl] resubscribe failed: %v", err)
		}
	}
}

// handleMessage routes one incoming frame: responses by id, stream
// messages by type.
func (c *WSClient) handleMessage(message []byte) {
	var envelope struct {
		ID   uint64 `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return
	}

	switch {
	case envelope.Type == "response" || envelope.ID != 0:
		c.handleResponse(message)
	case envelope.Type == "transaction":
		c.handleTransaction(message)
	case envelope.Type == "ledgerClosed":
		c.handleLedgerClosed(message)
	}
}

// handleResponse delivers a command response to its waiting caller.
func (c *WSClient) handleResponse(message []byte) {
	var resp wsResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// handleTransaction dispatches a validated transaction to every
// subscription whose accounts it touches.
func (c *WSClient) handleTransaction(message []byte) {
	var tx TransactionWithMeta
	if err := json.Unmarshal(message, &tx); err != nil {
		c.logger.Printf("[xrpl] malformed transaction message: %v", err)
		return
	}
	if !tx.Validated {
		return
	}

	touched := touchedAccounts(&tx)

	c.subsMu.RLock()
	var targets []*subscription
	for _, sub := range c.subs {
		for a := range touched {
			if _, ok := sub.accounts[a]; ok {
				targets = append(targets, sub)
				break
			}
		}
	}
	c.subsMu.RUnlock()

	for _, sub := range targets {
		// Block until we can send - never drop events
		select {
		case sub.ch <- LedgerEvent{Transaction: &tx}:
		case <-c.done:
			return
		}
	}
}

// handleLedgerClosed fans a ledger header out to all subscriptions.
func (c *WSClient) handleLedgerClosed(message []byte) {
	var msg struct {
		LedgerIndex      int64  `json:"ledger_index"`
		LedgerTime       int64  `json:"ledger_time"`
		ValidatedLedgers string `json:"validated_ledgers"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	header := &LedgerHeader{
		Index:     msg.LedgerIndex,
		CloseTime: RippleTime(msg.LedgerTime),
	}
	if from, to, err := parseCompleteLedgers(msg.ValidatedLedgers); err == nil {
		header.CompleteFrom = from
		header.CompleteTo = to
	}

	c.subsMu.RLock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- LedgerEvent{Ledger: header}:
		case <-c.done:
			return
		}
	}
}

// touchedAccounts collects the accounts a transaction involves: sender,
// destination, and every account named by its affected ledger entries.
func touchedAccounts(tx *TransactionWithMeta) map[string]struct{} {
	touched := make(map[string]struct{})
	add := func(a string) {
		if a != "" {
			touched[a] = struct{}{}
		}
	}

	add(tx.Tx.Account)
	add(tx.Tx.Destination)

	for i := range tx.Meta.AffectedNodes {
		node := tx.Meta.AffectedNodes[i].Node()
		if node == nil {
			continue
		}
		for _, fields := range []*NodeFields{node.FinalFields, node.NewFields} {
			if fields == nil {
				continue
			}
			add(fields.Account)
			if fields.HighLimit != nil {
				add(fields.HighLimit.Issuer)
			}
			if fields.LowLimit != nil {
				add(fields.LowLimit.Issuer)
			}
		}
	}
	return touched
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// Connection might be dead; reader handles reconnect.
				c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// wsResponse is the envelope of every command response.
type wsResponse struct {
	ID           uint64          `json:"id"`
	Status       string          `json:"status"`
	Type         string          `json:"type"`
	Result       json.RawMessage `json:"result"`
	Error        string          `json:"error"`
	ErrorMessage string          `json:"error_message"`
}

// NodeError is an error response from the node, e.g. lgrIdxsInvalid when a
// requested range falls outside the node's history.
type NodeError struct {
	Code    string
	Message string
}

func (e *NodeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("node error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("node error %s", e.Code)
}

// IsHistoryUnavailable reports whether err means the node cannot serve the
// requested ledger range.
func IsHistoryUnavailable(err error) bool {
	var ne *NodeError
	if !errors.As(err, &ne) {
		return false
	}
	switch ne.Code {
	case "lgrIdxsInvalid", "lgrNotFound", "lgrIdxMalformed":
		return true
	}
	return false
}

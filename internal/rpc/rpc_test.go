package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/coordinator"
	"github.com/klingon-exchange/chaincoord/internal/events"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
	"github.com/klingon-exchange/chaincoord/internal/signer"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

const testAddr = "0x9858effd232b4033e47d90003d41ec34ecaeda94"

type staticNetworks []chain.Network

func (s staticNetworks) Networks() []chain.Network { return s }

func (s staticNetworks) Lookup(key string) (chain.Network, bool) {
	for _, n := range s {
		if n.Key() == key {
			return n, true
		}
	}
	return chain.Network{}, false
}

type fakeEngine struct {
	mu        sync.Mutex
	accounts  []chain.TrackedAccount
	populated []*chain.TxRequest
	sent      []*chain.TxRequest
	methods   []chain.SigningMethod
	sendErr   error
	heights   []int64
	tracked   []string
}

func (f *fakeEngine) AddAccount(ctx context.Context, n chain.Network, address string) (chain.TrackedAccount, error) {
	a, err := chain.NewTrackedAccount(n, address)
	if err != nil {
		return chain.TrackedAccount{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, a)
	return a, nil
}

func (f *fakeEngine) RemoveAccount(ctx context.Context, a chain.TrackedAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, got := range f.accounts {
		if got.Key() == a.Key() {
			f.accounts = append(f.accounts[:i], f.accounts[i+1:]...)
			return nil
		}
	}
	return ledger.ErrNotFound
}

func (f *fakeEngine) Accounts(ctx context.Context) ([]chain.TrackedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.TrackedAccount(nil), f.accounts...), nil
}

func (f *fakeEngine) ActivateAccount(ctx context.Context, a chain.TrackedAccount) error {
	return nil
}

func (f *fakeEngine) RefreshBalances(ctx context.Context) ([]ledger.Balance, error) {
	return nil, nil
}

func (f *fakeEngine) PopulateTransaction(ctx context.Context, req *chain.TxRequest) (*chain.TxRequest, error) {
	f.mu.Lock()
	f.populated = append(f.populated, req)
	f.mu.Unlock()
	out := req.WithNonce(7)
	out.GasLimit = 21000
	return out, nil
}

func (f *fakeEngine) SendTransaction(ctx context.Context, req *chain.TxRequest, method chain.SigningMethod) (*ledger.Transaction, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.methods = append(f.methods, method)
	sendErr := f.sendErr
	f.mu.Unlock()

	tx := &ledger.Transaction{Network: req.Network, Hash: "0xabc", From: req.From, Status: ledger.TxStatusPending}
	if sendErr != nil {
		tx.Status = ledger.TxStatusBroadcastFailed
		return tx, fmt.Errorf("%w: %w", coordinator.ErrBroadcastRejected, sendErr)
	}
	return tx, nil
}

func (f *fakeEngine) GetTransaction(ctx context.Context, n chain.Network, hash string) (*ledger.Transaction, error) {
	return nil, ledger.ErrNotFound
}

func (f *fakeEngine) TransactionState(ctx context.Context, n chain.Network, hash string) (coordinator.TxState, error) {
	return coordinator.StateConfirmed, nil
}

func (f *fakeEngine) TrackTransaction(ctx context.Context, n chain.Network, hash string, targetHeight int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, hash)
	return nil
}

func (f *fakeEngine) GetBlock(ctx context.Context, n chain.Network, height int64) (*ledger.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heights = append(f.heights, height)
	return &ledger.Block{Network: n, Height: 100}, nil
}

type engineCalls struct {
	accounts  []chain.TrackedAccount
	populated []*chain.TxRequest
	sent      []*chain.TxRequest
	methods   []chain.SigningMethod
	heights   []int64
	tracked   []string
}

func (f *fakeEngine) snapshot() engineCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engineCalls{
		accounts:  append([]chain.TrackedAccount(nil), f.accounts...),
		populated: append([]*chain.TxRequest(nil), f.populated...),
		sent:      append([]*chain.TxRequest(nil), f.sent...),
		methods:   append([]chain.SigningMethod(nil), f.methods...),
		heights:   append([]int64(nil), f.heights...),
		tracked:   append([]string(nil), f.tracked...),
	}
}

func newTestServer(t *testing.T, bridge *signer.Bridge, bus *events.Bus) (*Server, *fakeEngine, *httptest.Server) {
	t.Helper()
	engine := &fakeEngine{}
	s := NewServer(Config{
		Engine:   engine,
		Networks: staticNetworks{chain.Ethereum, chain.CosmosHub},
		Bridge:   bridge,
		Bus:      bus,
		Log:      logging.Discard(),
	})
	s.StartEvents()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, engine, ts
}

func call(t *testing.T, url, method string, params interface{}) *Response {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &out
}

func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func TestResponse(t *testing.T) {
	errorResp := &Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    InvalidRequest,
			Message: "Invalid Request",
		},
		ID: 1,
	}

	data, err := json.Marshal(errorResp)
	if err != nil {
		t.Fatalf("failed to marshal error response: %v", err)
	}
	if strings.Contains(string(data), `"result"`) {
		t.Errorf("error response carries a result: %s", data)
	}
}

func TestHandleRPCErrors(t *testing.T) {
	_, _, ts := newTestServer(t, nil, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{not json`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"accounts_list","id":1}`, InvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"nope","id":1}`, MethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","method":"accounts_add","id":1}`, InvalidParams},
		{"unknown network", `{"jsonrpc":"2.0","method":"accounts_add","params":{"network":"account:999","address":"0x0"},"id":1}`, InvalidParams},
		{"bad address", `{"jsonrpc":"2.0","method":"accounts_add","params":{"network":"account:1","address":"nope"},"id":1}`, InvalidParams},
		{"signer disabled", `{"jsonrpc":"2.0","method":"signer_pending","id":1}`, MethodNotFound},
		{"not found", `{"jsonrpc":"2.0","method":"tx_get","params":{"network":"account:1","hash":"0x01"},"id":1}`, NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()

			var out Response
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.Error == nil {
				t.Fatalf("expected error, got result %v", out.Result)
			}
			if out.Error.Code != tt.code {
				t.Errorf("code = %d, want %d (%s)", out.Error.Code, tt.code, out.Error.Message)
			}
		})
	}
}

func TestAccountHandlers(t *testing.T) {
	_, engine, ts := newTestServer(t, nil, nil)

	upper := "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	var added chain.TrackedAccount
	decodeResult(t, call(t, ts.URL, "accounts_add", map[string]string{"network": "ethereum", "address": upper}), &added)
	if added.Address != testAddr {
		t.Errorf("address = %s, want %s", added.Address, testAddr)
	}

	var list []chain.TrackedAccount
	decodeResult(t, call(t, ts.URL, "accounts_list", nil), &list)
	if len(list) != 1 {
		t.Fatalf("accounts = %d, want 1", len(list))
	}

	resp := call(t, ts.URL, "accounts_remove", map[string]string{"network": "account:1", "address": testAddr})
	if resp.Error != nil {
		t.Fatalf("remove: %s", resp.Error.Message)
	}
	if left := engine.snapshot().accounts; len(left) != 0 {
		t.Errorf("accounts left = %d", len(left))
	}

	resp = call(t, ts.URL, "accounts_remove", map[string]string{"network": "account:1", "address": testAddr})
	if resp.Error == nil || resp.Error.Code != NotFound {
		t.Errorf("second remove error = %+v, want NotFound", resp.Error)
	}
}

func TestTxSend(t *testing.T) {
	_, engine, ts := newTestServer(t, nil, nil)

	params := map[string]interface{}{
		"network": "account:1",
		"from":    testAddr,
		"to":      testAddr,
		"value":   "0xde0b6b3a7640000",
		"nonce":   "0x5",
		"gas":     "0x5208",
	}
	var tx ledger.Transaction
	decodeResult(t, call(t, ts.URL, "tx_send", params), &tx)
	if tx.Status != ledger.TxStatusPending {
		t.Errorf("status = %s, want pending", tx.Status)
	}

	got := engine.snapshot()
	if len(got.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(got.sent))
	}
	req := got.sent[0]
	if req.Value.Cmp(big.NewInt(1e18)) != 0 {
		t.Errorf("value = %s, want 1e18", req.Value)
	}
	if req.Nonce == nil || *req.Nonce != 5 {
		t.Errorf("nonce = %v, want 5", req.Nonce)
	}
	if req.GasLimit != 21000 {
		t.Errorf("gas = %d, want 21000", req.GasLimit)
	}
	if got.methods[0] != chain.SignTransaction {
		t.Errorf("method = %s, want default %s", got.methods[0], chain.SignTransaction)
	}
}

func TestTxPopulateAmount(t *testing.T) {
	_, engine, ts := newTestServer(t, nil, nil)

	params := map[string]interface{}{"network": "account:1", "from": testAddr, "to": testAddr, "amount": "1.5"}
	if resp := call(t, ts.URL, "tx_populate", params); resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	got := engine.snapshot()
	if len(got.populated) != 1 {
		t.Fatalf("populated = %d, want 1", len(got.populated))
	}
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got.populated[0].Value.Cmp(want) != 0 {
		t.Errorf("value = %s, want %s", got.populated[0].Value, want)
	}

	params["value"] = "0x1"
	if resp := call(t, ts.URL, "tx_populate", params); resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("value with amount: got %+v, want invalid params", resp.Error)
	}
	delete(params, "value")
	params["amount"] = "0.0000000000000000001"
	if resp := call(t, ts.URL, "tx_populate", params); resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("excess precision: got %+v, want invalid params", resp.Error)
	}
}

func TestTxSendRejected(t *testing.T) {
	_, engine, ts := newTestServer(t, nil, nil)
	engine.mu.Lock()
	engine.sendErr = errors.New("nonce too low")
	engine.mu.Unlock()

	resp := call(t, ts.URL, "tx_send", map[string]interface{}{"network": "account:1", "from": testAddr})
	if resp.Error == nil {
		t.Fatal("expected error")
	}
	if resp.Error.Code != BroadcastRejected {
		t.Errorf("code = %d, want %d", resp.Error.Code, BroadcastRejected)
	}
	if !strings.Contains(resp.Error.Message, "nonce too low") {
		t.Errorf("message = %q", resp.Error.Message)
	}
	data, ok := resp.Error.Data.(map[string]interface{})
	if !ok || data["status"] != string(ledger.TxStatusBroadcastFailed) {
		t.Errorf("data = %v, want the failed transaction", resp.Error.Data)
	}
}

func TestTxStateAndTrack(t *testing.T) {
	_, engine, ts := newTestServer(t, nil, nil)

	var state TxStateResult
	decodeResult(t, call(t, ts.URL, "tx_state", map[string]string{"network": "height:cosmoshub-4", "hash": "abcd"}), &state)
	if state.State != coordinator.StateConfirmed || !state.Terminal {
		t.Errorf("state = %+v", state)
	}
	if state.Hash != "ABCD" {
		t.Errorf("hash = %s, want normalized ABCD", state.Hash)
	}

	resp := call(t, ts.URL, "tx_track", map[string]interface{}{"network": "account:1", "hash": "0x01", "target_height": 50})
	if resp.Error != nil {
		t.Fatalf("track: %s", resp.Error.Message)
	}
	if tracked := engine.snapshot().tracked; len(tracked) != 1 {
		t.Errorf("tracked = %v", tracked)
	}
}

func TestBlockGet(t *testing.T) {
	_, engine, ts := newTestServer(t, nil, nil)

	decodeResult(t, call(t, ts.URL, "block_get", map[string]interface{}{"network": "account:1"}), &ledger.Block{})
	decodeResult(t, call(t, ts.URL, "block_get", map[string]interface{}{"network": "account:1", "height": 42}), &ledger.Block{})

	heights := engine.snapshot().heights
	if len(heights) != 2 || heights[0] != -1 || heights[1] != 42 {
		t.Errorf("heights = %v, want [-1 42]", heights)
	}

	resp := call(t, ts.URL, "block_get", map[string]interface{}{"network": "account:1", "height": -5})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("negative height error = %+v", resp.Error)
	}
}

func TestSignerHandlers(t *testing.T) {
	bridge := signer.NewBridge(4, logging.Discard())
	_, _, ts := newTestServer(t, bridge, nil)

	type result struct {
		signed *chain.SignedTx
		err    error
	}
	done := make(chan result, 1)
	go func() {
		signed, err := bridge.Sign(context.Background(), &chain.TxRequest{Network: chain.Ethereum, From: testAddr}, chain.SignTransaction)
		done <- result{signed, err}
	}()

	var pending []*signer.Request
	deadline := time.Now().Add(2 * time.Second)
	for len(pending) == 0 && time.Now().Before(deadline) {
		decodeResult(t, call(t, ts.URL, "signer_pending", nil), &pending)
		if len(pending) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	resp := call(t, ts.URL, "signer_approve", map[string]string{"id": pending[0].ID, "raw": "0x02f8"})
	if resp.Error != nil {
		t.Fatalf("approve: %s", resp.Error.Message)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("sign: %v", r.err)
		}
		if want := rawHash(chain.Ethereum, []byte{0x02, 0xf8}); r.signed.Hash != want {
			t.Errorf("hash = %s, want %s", r.signed.Hash, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sign did not return")
	}

	resp = call(t, ts.URL, "signer_reject", map[string]string{"id": "missing"})
	if resp.Error == nil {
		t.Error("expected error rejecting unknown request")
	}
}

func TestWebSocketEvents(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	s, _, ts := newTestServer(t, nil, bus)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.WSHub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.WSHub().ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", s.WSHub().ClientCount())
	}

	bus.Publish(events.NewBlockSeen(&ledger.Block{Network: chain.Ethereum, Height: 9}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev WSEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventType(events.BlockSeen) {
		t.Errorf("type = %s, want %s", ev.Type, events.BlockSeen)
	}
	if ev.Network != chain.Ethereum.Key() {
		t.Errorf("network = %s", ev.Network)
	}
}

func TestWSClientSubscriptions(t *testing.T) {
	c := &WSClient{subscriptions: make(map[EventType]bool)}
	if !c.wants(EventType(events.BlockSeen)) {
		t.Error("client without subscriptions should receive everything")
	}

	c.handleSubscription(&WSSubscription{Action: "subscribe", Events: []string{string(events.TransactionSeen)}})
	if c.wants(EventType(events.BlockSeen)) {
		t.Error("unsubscribed event delivered")
	}
	if !c.wants(EventType(events.TransactionSeen)) {
		t.Error("subscribed event not delivered")
	}

	c.handleSubscription(&WSSubscription{Action: "unsubscribe", Events: []string{string(events.TransactionSeen)}})
	if !c.wants(EventType(events.BlockSeen)) {
		t.Error("client with no subscriptions left should receive everything")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, _, ts := newTestServer(t, nil, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://wallet.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://wallet.local" {
		t.Errorf("allow-origin = %q", got)
	}
}

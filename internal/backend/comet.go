package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
	"github.com/klingon-exchange/chaincoord/internal/metrics"
	"github.com/klingon-exchange/chaincoord/pkg/helpers"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// CometProvider implements HeightProvider against a CometBFT JSON-RPC
// endpoint, with an optional Cosmos SDK REST endpoint for balances.
type CometProvider struct {
	network      chain.Network
	rpcURL       string
	wsURL        string
	restURL      string
	transport    *transport
	httpClient   *http.Client
	pollInterval time.Duration
	log          *logging.Logger
	requestID    atomic.Uint64
	subs         subscriptionSet
}

var _ HeightProvider = (*CometProvider)(nil)

// NewCometProvider creates a provider for a height-based network.
func NewCometProvider(cfg NetworkConfig, opts Options) (*CometProvider, error) {
	if cfg.Network.Family != chain.HeightBased {
		return nil, fmt.Errorf("network %s is not height-based", cfg.Network.Key())
	}
	if len(cfg.Transports) == 0 {
		return nil, fmt.Errorf("network %s: no transports configured", cfg.Network.Key())
	}
	opts = opts.withDefaults()

	rpcURL := strings.TrimRight(cfg.Transports[0], "/")
	p := &CometProvider{
		network:      cfg.Network,
		rpcURL:       rpcURL,
		wsURL:        websocketURL(rpcURL),
		restURL:      strings.TrimRight(cfg.RESTURL, "/"),
		transport:    newTransport(cfg.Network.Key(), rpcURL, 0, cfg.RateLimit, opts.Timeout, opts.Quarantine),
		httpClient:   &http.Client{},
		pollInterval: opts.PollInterval,
		log:          opts.Log.Component("comet").Network(cfg.Network.Key()),
	}
	return p, nil
}

// websocketURL derives the CometBFT websocket endpoint from the RPC URL.
func websocketURL(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return ""
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	}
	return u.String()
}

// Network implements Provider.
func (p *CometProvider) Network() chain.Network {
	return p.network
}

// call performs one JSON-RPC request. Transport failures are wrapped in
// ErrProviderUnavailable; node errors are returned as *RPCError.
func (p *CometProvider) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := p.transport.wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}

	request := map[string]any{
		"jsonrpc": "2.0",
		"id":      p.requestID.Add(1),
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := p.post(ctx, p.rpcURL, data)
	metrics.ProviderCallLatency.WithLabelValues(p.network.Key()).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ProviderCallsTotal.WithLabelValues(p.network.Key(), p.transport.label, metrics.ClassifyError(err)).Inc()
		p.transport.setFailed()
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, p.network.Key(), err)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    string `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(p.network.Key(), p.transport.label, "malformed").Inc()
		return nil, fmt.Errorf("%w: failed to parse response: %v", ErrMalformedRemoteData, err)
	}
	p.transport.setHealthy()
	if response.Error != nil {
		metrics.ProviderCallsTotal.WithLabelValues(p.network.Key(), p.transport.label, "app_error").Inc()
		return nil, &RPCError{Code: response.Error.Code, Message: response.Error.Message, Data: response.Error.Data}
	}
	metrics.ProviderCallsTotal.WithLabelValues(p.network.Key(), p.transport.label, "ok").Inc()
	return response.Result, nil
}

func (p *CometProvider) post(ctx context.Context, target string, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.transport.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req)
}

func (p *CometProvider) do(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	// CometBFT reports JSON-RPC errors with 500; let those through.
	if resp.StatusCode >= 300 && !json.Valid(body) {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// LatestHeight implements Provider.
func (p *CometProvider) LatestHeight(ctx context.Context) (int64, error) {
	result, err := p.call(ctx, "status", nil)
	if err != nil {
		return 0, err
	}
	var status struct {
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
		} `json:"sync_info"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return 0, fmt.Errorf("%w: status: %v", ErrMalformedRemoteData, err)
	}
	height, err := helpers.ParseHeight(status.SyncInfo.LatestBlockHeight)
	if err != nil {
		return 0, fmt.Errorf("%w: latest height %q", ErrMalformedRemoteData, status.SyncInfo.LatestBlockHeight)
	}
	return height, nil
}

type cometHeader struct {
	ChainID     string    `json:"chain_id"`
	Height      string    `json:"height"`
	Time        time.Time `json:"time"`
	LastBlockID struct {
		Hash string `json:"hash"`
	} `json:"last_block_id"`
}

type cometBlock struct {
	BlockID struct {
		Hash string `json:"hash"`
	} `json:"block_id"`
	Block struct {
		Header cometHeader `json:"header"`
		Data   struct {
			Txs []string `json:"txs"`
		} `json:"data"`
	} `json:"block"`
}

func (p *CometProvider) convertBlock(b *cometBlock) (*ledger.Block, error) {
	height, err := helpers.ParseHeight(b.Block.Header.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: block height %q", ErrMalformedRemoteData, b.Block.Header.Height)
	}
	block := &ledger.Block{
		Network:    p.network,
		Height:     height,
		Hash:       strings.ToUpper(b.BlockID.Hash),
		ParentHash: strings.ToUpper(b.Block.Header.LastBlockID.Hash),
		Timestamp:  b.Block.Header.Time.UTC(),
	}
	for _, raw := range b.Block.Data.Txs {
		txBytes, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: block tx encoding: %v", ErrMalformedRemoteData, err)
		}
		sum := sha256.Sum256(txBytes)
		block.TxHashes = append(block.TxHashes, strings.ToUpper(hex.EncodeToString(sum[:])))
	}
	return block, nil
}

// GetBlock implements Provider.
func (p *CometProvider) GetBlock(ctx context.Context, tag BlockTag) (*ledger.Block, error) {
	params := map[string]any{}
	if tag != TagLatest {
		params["height"] = strconv.FormatInt(int64(tag), 10)
	}
	result, err := p.call(ctx, "block", params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && strings.Contains(rpcErr.Data, "height") {
			return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, err)
		}
		return nil, err
	}
	var b cometBlock
	if err := json.Unmarshal(result, &b); err != nil {
		return nil, fmt.Errorf("%w: block: %v", ErrMalformedRemoteData, err)
	}
	return p.convertBlock(&b)
}

type cometAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type cometEvent struct {
	Type       string           `json:"type"`
	Attributes []cometAttribute `json:"attributes"`
}

type cometTx struct {
	Hash     string `json:"hash"`
	Height   string `json:"height"`
	TxResult struct {
		Code      uint32       `json:"code"`
		Log       string       `json:"log"`
		GasWanted string       `json:"gas_wanted"`
		GasUsed   string       `json:"gas_used"`
		Events    []cometEvent `json:"events"`
	} `json:"tx_result"`
}

// decodeAttr handles nodes that still base64-encode event attributes.
func decodeAttr(s string, encoded bool) string {
	if !encoded {
		return s
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}

// attributesEncoded reports whether the event keys are base64 rather than
// plain identifiers.
func attributesEncoded(events []cometEvent) bool {
	for _, e := range events {
		for _, a := range e.Attributes {
			switch a.Key {
			case "sender", "recipient", "amount", "action", "module", "spender", "receiver", "fee", "fee_payer", "acc_seq", "signature", "msg_index":
				return false
			}
		}
	}
	for _, e := range events {
		for _, a := range e.Attributes {
			if _, err := base64.StdEncoding.DecodeString(a.Key); err != nil {
				return false
			}
		}
	}
	return len(events) > 0
}

func (p *CometProvider) convertTx(ct *cometTx) (*ledger.Transaction, error) {
	height, err := helpers.ParseHeight(ct.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: tx height %q", ErrMalformedRemoteData, ct.Height)
	}
	tx := &ledger.Transaction{
		Network:     p.network,
		Hash:        strings.ToUpper(ct.Hash),
		BlockHeight: ledger.Int64(height),
		Status:      ledger.TxStatusConfirmed,
	}
	if ct.TxResult.Code != 0 {
		tx.Status = ledger.TxStatusReverted
		tx.Error = ct.TxResult.Log
	}
	if v, err := strconv.ParseUint(ct.TxResult.GasWanted, 10, 64); err == nil {
		tx.GasLimit = ledger.Uint64(v)
	}
	if v, err := strconv.ParseUint(ct.TxResult.GasUsed, 10, 64); err == nil {
		tx.GasUsed = ledger.Uint64(v)
	}

	encoded := attributesEncoded(ct.TxResult.Events)
	seenTypes := make(map[string]bool)
	for _, e := range ct.TxResult.Events {
		attrs := make(map[string]string, len(e.Attributes))
		for _, a := range e.Attributes {
			attrs[decodeAttr(a.Key, encoded)] = decodeAttr(a.Value, encoded)
		}
		switch e.Type {
		case "message":
			if action := attrs["action"]; action != "" && !seenTypes[action] {
				seenTypes[action] = true
				tx.MsgTypes = append(tx.MsgTypes, action)
			}
			if tx.From == "" && attrs["sender"] != "" {
				tx.From = attrs["sender"]
			}
		case "transfer":
			// The fee transfer comes first; the last transfer is the payload.
			if attrs["recipient"] != "" {
				tx.To = attrs["recipient"]
			}
			if attrs["sender"] != "" {
				tx.From = attrs["sender"]
			}
			if amount := p.nativeAmount(attrs["amount"]); amount != nil {
				tx.Value = amount
			}
		}
	}
	return tx, nil
}

// nativeAmount extracts the native denom amount from a coin list such as
// "100uatom,5ibc/ABC".
func (p *CometProvider) nativeAmount(coins string) *big.Int {
	denom := p.network.Asset.Denom
	for _, coin := range strings.Split(coins, ",") {
		coin = strings.TrimSpace(coin)
		i := 0
		for i < len(coin) && coin[i] >= '0' && coin[i] <= '9' {
			i++
		}
		if i == 0 || (denom != "" && coin[i:] != denom) {
			continue
		}
		v, ok := new(big.Int).SetString(coin[:i], 10)
		if ok {
			return v
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return strings.Contains(strings.ToLower(rpcErr.Data+" "+rpcErr.Message), "not found")
}

// GetTransaction implements Provider.
func (p *CometProvider) GetTransaction(ctx context.Context, hash string) (*ledger.Transaction, error) {
	raw, err := helpers.HexToBytes(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid hash %q: %w", hash, err)
	}
	result, err := p.call(ctx, "tx", map[string]any{
		"hash":  base64.StdEncoding.EncodeToString(raw),
		"prove": false,
	})
	if isNotFound(err) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	var ct cometTx
	if err := json.Unmarshal(result, &ct); err != nil {
		return nil, fmt.Errorf("%w: tx: %v", ErrMalformedRemoteData, err)
	}
	return p.convertTx(&ct)
}

// GetBalance implements Provider using the bank module REST endpoint.
func (p *CometProvider) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if p.restURL == "" {
		return nil, fmt.Errorf("%w: %s has no REST endpoint for balances", ErrNotSupported, p.network.Key())
	}
	if err := p.transport.wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.transport.timeout)
	defer cancel()

	target := fmt.Sprintf("%s/cosmos/bank/v1beta1/balances/%s/by_denom?denom=%s",
		p.restURL, url.PathEscape(address), url.QueryEscape(p.network.Asset.Denom))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	body, err := p.do(req)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(p.network.Key(), "rest", metrics.ClassifyError(err)).Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, p.network.Key(), err)
	}
	metrics.ProviderCallsTotal.WithLabelValues(p.network.Key(), "rest", "ok").Inc()

	var resp struct {
		Balance struct {
			Denom  string `json:"denom"`
			Amount string `json:"amount"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrMalformedRemoteData, err)
	}
	if resp.Balance.Amount == "" {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(resp.Balance.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: balance amount %q", ErrMalformedRemoteData, resp.Balance.Amount)
	}
	return amount, nil
}

// SendRaw implements Provider with broadcast_tx_sync. A non-zero check
// code is returned as *RPCError.
func (p *CometProvider) SendRaw(ctx context.Context, tx *chain.SignedTx) (string, error) {
	result, err := p.call(ctx, "broadcast_tx_sync", map[string]any{
		"tx": base64.StdEncoding.EncodeToString(tx.Raw),
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Code      uint32 `json:"code"`
		Log       string `json:"log"`
		Codespace string `json:"codespace"`
		Hash      string `json:"hash"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("%w: broadcast: %v", ErrMalformedRemoteData, err)
	}
	if resp.Code != 0 {
		return "", &RPCError{Code: int(resp.Code), Message: resp.Log, Data: resp.Codespace}
	}
	return strings.ToUpper(resp.Hash), nil
}

// SearchTransfers implements HeightProvider with tx_search, once by sender
// and once by recipient. Newest-first searches return the most recent
// Limit transfers of each direction. Oldest-first searches trim the merged
// result so that it is complete through TransferPage.Through.
func (p *CometProvider) SearchTransfers(ctx context.Context, address string, q TransferQuery) (*TransferPage, error) {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	order := "desc"
	if q.OldestFirst {
		order = "asc"
	}

	through := q.MaxHeight
	seen := make(map[string]bool)
	var out []*ledger.Transaction
	for _, attr := range []string{"transfer.sender", "transfer.recipient"} {
		query := fmt.Sprintf("%s='%s'", attr, address)
		if q.MinHeight > 0 {
			query += fmt.Sprintf(" AND tx.height>=%d", q.MinHeight)
		}
		if q.MaxHeight > 0 {
			query += fmt.Sprintf(" AND tx.height<=%d", q.MaxHeight)
		}

		found, capped, err := p.searchPaged(ctx, query, order, pageSize, q.Limit)
		if err != nil {
			return nil, err
		}
		// The last height of a capped upward walk may hold more matches.
		if q.OldestFirst && capped && len(found) > 0 {
			through = minThrough(through, *found[len(found)-1].BlockHeight-1)
		}
		for _, tx := range found {
			if seen[tx.Hash] {
				continue
			}
			seen[tx.Hash] = true
			out = append(out, tx)
		}
	}

	if q.OldestFirst {
		out, through = trimAscending(out, through, q.MinHeight, q.Limit)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].BlockHeight > *out[j].BlockHeight
	})
	return &TransferPage{Transfers: out, Through: through}, nil
}

func minThrough(through, h int64) int64 {
	if through <= 0 || h < through {
		return h
	}
	return through
}

// trimAscending keeps the transfers at or below through and at most limit
// of them, lowering through to the last complete height. When the lowest
// height alone exceeds the limit it is returned truncated so that the walk
// still advances.
func trimAscending(txs []*ledger.Transaction, through, minHeight int64, limit int) ([]*ledger.Transaction, int64) {
	sort.SliceStable(txs, func(i, j int) bool {
		return *txs[i].BlockHeight < *txs[j].BlockHeight
	})
	if limit > 0 && len(txs) > limit {
		through = minThrough(through, *txs[limit].BlockHeight-1)
	}
	if len(txs) > 0 && through > 0 && through < minHeight {
		through = *txs[0].BlockHeight
	}

	kept := txs[:0]
	for _, tx := range txs {
		if through > 0 && *tx.BlockHeight > through {
			break
		}
		if limit > 0 && len(kept) == limit {
			break
		}
		kept = append(kept, tx)
	}
	return kept, through
}

func (p *CometProvider) searchPaged(ctx context.Context, query, order string, pageSize, limit int) ([]*ledger.Transaction, bool, error) {
	var out []*ledger.Transaction
	for page := 1; ; page++ {
		result, err := p.call(ctx, "tx_search", map[string]any{
			"query":    query,
			"prove":    false,
			"page":     strconv.Itoa(page),
			"per_page": strconv.Itoa(pageSize),
			"order_by": order,
		})
		if err != nil {
			return nil, false, err
		}

		var resp struct {
			Txs        []cometTx `json:"txs"`
			TotalCount string    `json:"total_count"`
		}
		if err := json.Unmarshal(result, &resp); err != nil {
			return nil, false, fmt.Errorf("%w: tx_search: %v", ErrMalformedRemoteData, err)
		}
		total, _ := strconv.Atoi(resp.TotalCount)

		for i := range resp.Txs {
			tx, err := p.convertTx(&resp.Txs[i])
			if errors.Is(err, ErrMalformedRemoteData) {
				p.log.Warn("Skipping malformed transaction", "hash", resp.Txs[i].Hash, "error", err)
				continue
			}
			if err != nil {
				return nil, false, err
			}
			out = append(out, tx)
			if limit > 0 && len(out) >= limit {
				more := i < len(resp.Txs)-1 || page*pageSize < total
				return out, more, nil
			}
		}
		if len(resp.Txs) == 0 || page*pageSize >= total {
			return out, false, nil
		}
	}
}

// Send implements Provider. Params are passed as a single named-parameter
// object when exactly one map is given, positionally otherwise.
func (p *CometProvider) Send(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if len(params) == 1 {
		if m, ok := params[0].(map[string]any); ok {
			return p.call(ctx, method, m)
		}
	}
	if len(params) == 0 {
		return p.call(ctx, method, nil)
	}
	return p.call(ctx, method, params)
}

// Subscribe implements Provider. Only new heads are available; they come
// from the CometBFT websocket when reachable and from polling otherwise.
func (p *CometProvider) Subscribe(ctx context.Context, req SubscribeRequest, h Handler) (*Subscription, error) {
	if req.Topic != TopicNewHeads {
		return nil, fmt.Errorf("%w: %s does not support %q", ErrSubscriptionUnsupported, p.network.Key(), req.Topic)
	}

	if p.wsURL != "" {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.wsURL, nil)
		if err == nil {
			sub, subCtx := newSubscription(ctx, p.network, TopicNewHeads, false)
			sub.run(subCtx, func(ctx context.Context) { p.readHeads(ctx, conn, h) })
			p.subs.add(sub)
			return sub, nil
		}
		p.log.Warn("Websocket unavailable, polling for new blocks", "error", err)
	}

	sub, subCtx := newSubscription(ctx, p.network, TopicNewHeads, true)
	sub.run(subCtx, func(ctx context.Context) { p.pollLoop(ctx, h) })
	p.subs.add(sub)
	return sub, nil
}

func (p *CometProvider) readHeads(ctx context.Context, conn *websocket.Conn, h Handler) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	subscribe := map[string]any{
		"jsonrpc": "2.0",
		"id":      p.requestID.Add(1),
		"method":  "subscribe",
		"params":  map[string]any{"query": "tm.event='NewBlock'"},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		p.log.Warn("Failed to subscribe to new blocks, polling instead", "error", err)
		p.pollLoop(ctx, h)
		return
	}

	for {
		var msg struct {
			Result struct {
				Data struct {
					Value cometBlock `json:"value"`
				} `json:"data"`
			} `json:"result"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("Websocket read failed, polling instead", "error", err)
			p.pollLoop(ctx, h)
			return
		}
		if msg.Result.Data.Value.Block.Header.Height == "" {
			// Subscription ack or unrelated message.
			continue
		}
		block, err := p.convertBlock(&msg.Result.Data.Value)
		if err != nil {
			p.log.Warn("Skipping malformed block event", "error", err)
			continue
		}
		h(Notification{Topic: TopicNewHeads, Block: block})
	}
}

func (p *CometProvider) pollLoop(ctx context.Context, h Handler) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var last int64 = -1
	for {
		height, err := p.LatestHeight(ctx)
		if err == nil && height > last {
			block, err := p.GetBlock(ctx, BlockTag(height))
			if err == nil {
				last = height
				h(Notification{Topic: TopicNewHeads, Block: block})
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close implements Provider.
func (p *CometProvider) Close() error {
	p.subs.closeAll()
	p.httpClient.CloseIdleConnections()
	return nil
}

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
	"github.com/klingon-exchange/chaincoord/internal/metrics"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

type evmClient struct {
	rpc *rpc.Client
	ec  *ethclient.Client
}

type evmTransport struct {
	*transport

	dialMu sync.Mutex
	client *evmClient
}

// conn returns the transport's client, dialing on first use.
func (t *evmTransport) conn(ctx context.Context) (*evmClient, error) {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	c, err := rpc.DialContext(ctx, t.url)
	if err != nil {
		return nil, err
	}
	t.client = &evmClient{rpc: c, ec: ethclient.NewClient(c)}
	return t.client, nil
}

func (t *evmTransport) close() {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	if t.client != nil {
		t.client.rpc.Close()
		t.client = nil
	}
}

// EVMProvider implements AccountProvider over an ordered list of EVM
// JSON-RPC endpoints. Each call goes to the first healthy transport and
// falls back to the next on transport errors.
type EVMProvider struct {
	network      chain.Network
	transports   []*evmTransport
	pollInterval time.Duration
	log          *logging.Logger
	subs         subscriptionSet
}

var _ AccountProvider = (*EVMProvider)(nil)

// NewEVMProvider creates a provider for an account-based network.
// Endpoints are not dialed until first use.
func NewEVMProvider(cfg NetworkConfig, opts Options) (*EVMProvider, error) {
	if cfg.Network.Family != chain.AccountBased {
		return nil, fmt.Errorf("network %s is not account-based", cfg.Network.Key())
	}
	if len(cfg.Transports) == 0 {
		return nil, fmt.Errorf("network %s: no transports configured", cfg.Network.Key())
	}
	opts = opts.withDefaults()

	p := &EVMProvider{
		network:      cfg.Network,
		pollInterval: opts.PollInterval,
		log:          opts.Log.Component("evm").Network(cfg.Network.Key()),
	}
	for i, url := range cfg.Transports {
		p.transports = append(p.transports, &evmTransport{
			transport: newTransport(cfg.Network.Key(), url, i, cfg.RateLimit, opts.Timeout, opts.Quarantine),
		})
	}
	return p, nil
}

// Network implements Provider.
func (p *EVMProvider) Network() chain.Network {
	return p.network
}

// isApplicationError reports whether err came from the node itself rather
// than from reaching it. Such errors are returned without fail-over.
func isApplicationError(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	var own *RPCError
	if errors.As(err, &own) {
		return true
	}
	return errors.Is(err, ethereum.NotFound) ||
		errors.Is(err, ErrTxNotFound) ||
		errors.Is(err, ErrBlockNotFound) ||
		errors.Is(err, ErrMalformedRemoteData)
}

// withOne runs f against the transports in order until one succeeds, an
// application error is returned, or all have failed.
func (p *EVMProvider) withOne(ctx context.Context, f func(ctx context.Context, c *evmClient) error) error {
	var lastErr error
	for _, t := range p.readyTransports() {
		if err := t.wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		err := func() error {
			c, err := t.conn(callCtx)
			if err != nil {
				return err
			}
			return f(callCtx, c)
		}()
		cancel()
		metrics.ProviderCallLatency.WithLabelValues(p.network.Key()).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.ProviderCallsTotal.WithLabelValues(p.network.Key(), t.label, "ok").Inc()
			t.setHealthy()
			return nil
		}
		if isApplicationError(err) {
			metrics.ProviderCallsTotal.WithLabelValues(p.network.Key(), t.label, "app_error").Inc()
			return err
		}
		// The caller gave up; that says nothing about the transport.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.ProviderCallsTotal.WithLabelValues(p.network.Key(), t.label, metrics.ClassifyError(err)).Inc()
		metrics.ProviderFailoversTotal.WithLabelValues(p.network.Key(), t.label).Inc()
		p.log.Warn("Transport failed, trying next", "transport", t.label, "error", err)
		t.setFailed()
		lastErr = err
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, p.network.Key(), lastErr)
}

func (p *EVMProvider) readyTransports() []*evmTransport {
	base := make([]*transport, len(p.transports))
	byBase := make(map[*transport]*evmTransport, len(p.transports))
	for i, t := range p.transports {
		base[i] = t.transport
		byBase[t.transport] = t
	}
	ready := readyTransports(base)
	out := make([]*evmTransport, len(ready))
	for i, t := range ready {
		out[i] = byBase[t]
	}
	return out
}

// LatestHeight implements Provider.
func (p *EVMProvider) LatestHeight(ctx context.Context) (int64, error) {
	var height uint64
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		var err error
		height, err = c.ec.BlockNumber(ctx)
		return err
	})
	return int64(height), err
}

type rpcBlock struct {
	Number       *hexutil.Big   `json:"number"`
	Hash         common.Hash    `json:"hash"`
	ParentHash   common.Hash    `json:"parentHash"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	BaseFee      *hexutil.Big   `json:"baseFeePerGas"`
	Transactions []common.Hash  `json:"transactions"`
}

// GetBlock implements Provider.
func (p *EVMProvider) GetBlock(ctx context.Context, tag BlockTag) (*ledger.Block, error) {
	arg := "latest"
	if tag != TagLatest {
		arg = hexutil.EncodeUint64(uint64(tag))
	}

	var raw json.RawMessage
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		return c.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", arg, false)
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrBlockNotFound
	}

	var b rpcBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: block: %v", ErrMalformedRemoteData, err)
	}
	if b.Number == nil {
		return nil, fmt.Errorf("%w: block without number", ErrMalformedRemoteData)
	}

	block := &ledger.Block{
		Network:    p.network,
		Height:     b.Number.ToInt().Int64(),
		Hash:       b.Hash.Hex(),
		ParentHash: b.ParentHash.Hex(),
		Timestamp:  time.Unix(int64(b.Timestamp), 0).UTC(),
	}
	if b.BaseFee != nil {
		block.BaseFee = b.BaseFee.ToInt()
	}
	for _, h := range b.Transactions {
		block.TxHashes = append(block.TxHashes, h.Hex())
	}
	return block, nil
}

type rpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Nonce       hexutil.Uint64  `json:"nonce"`
	Value       *hexutil.Big    `json:"value"`
	Gas         hexutil.Uint64  `json:"gas"`
	GasPrice    *hexutil.Big    `json:"gasPrice"`
	Input       hexutil.Bytes   `json:"input"`
	BlockHash   *common.Hash    `json:"blockHash"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
}

func (p *EVMProvider) convertTx(rt *rpcTransaction) *ledger.Transaction {
	tx := &ledger.Transaction{
		Network:  p.network,
		Hash:     strings.ToLower(rt.Hash.Hex()),
		From:     strings.ToLower(rt.From.Hex()),
		Nonce:    ledger.Uint64(uint64(rt.Nonce)),
		GasLimit: ledger.Uint64(uint64(rt.Gas)),
		Data:     []byte(rt.Input),
	}
	if rt.To != nil {
		tx.To = strings.ToLower(rt.To.Hex())
	}
	if rt.Value != nil {
		tx.Value = rt.Value.ToInt()
	}
	if rt.GasPrice != nil {
		tx.GasPrice = rt.GasPrice.ToInt()
	}
	if rt.BlockHash != nil && rt.BlockNumber != nil {
		tx.BlockHash = rt.BlockHash.Hex()
		tx.BlockHeight = ledger.Int64(rt.BlockNumber.ToInt().Int64())
	} else {
		tx.Status = ledger.TxStatusPending
	}
	return tx
}

// GetTransaction implements Provider.
func (p *EVMProvider) GetTransaction(ctx context.Context, hash string) (*ledger.Transaction, error) {
	var raw json.RawMessage
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		return c.rpc.CallContext(ctx, &raw, "eth_getTransactionByHash", common.HexToHash(hash))
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrTxNotFound
	}

	var rt rpcTransaction
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, fmt.Errorf("%w: transaction: %v", ErrMalformedRemoteData, err)
	}
	if rt.Hash == (common.Hash{}) {
		return nil, fmt.Errorf("%w: transaction without hash", ErrMalformedRemoteData)
	}
	return p.convertTx(&rt), nil
}

// GetReceipt implements AccountProvider.
func (p *EVMProvider) GetReceipt(ctx context.Context, hash string) (*ledger.Transaction, error) {
	var receipt *types.Receipt
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		var err error
		receipt, err = c.ec.TransactionReceipt(ctx, common.HexToHash(hash))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}

	tx := &ledger.Transaction{
		Network:   p.network,
		Hash:      strings.ToLower(receipt.TxHash.Hex()),
		GasUsed:   ledger.Uint64(receipt.GasUsed),
		BlockHash: receipt.BlockHash.Hex(),
		Status:    ledger.TxStatusConfirmed,
	}
	if receipt.BlockNumber != nil {
		tx.BlockHeight = ledger.Int64(receipt.BlockNumber.Int64())
	}
	if receipt.EffectiveGasPrice != nil {
		tx.GasPrice = receipt.EffectiveGasPrice
	}
	if receipt.Status == types.ReceiptStatusFailed {
		tx.Status = ledger.TxStatusReverted
	}
	return tx, nil
}

// GetBalance implements Provider.
func (p *EVMProvider) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	var balance *big.Int
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		var err error
		balance, err = c.ec.BalanceAt(ctx, common.HexToAddress(address), nil)
		return err
	})
	return balance, err
}

// TransactionCount implements AccountProvider.
func (p *EVMProvider) TransactionCount(ctx context.Context, address string) (uint64, error) {
	var count uint64
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		var err error
		count, err = c.ec.NonceAt(ctx, common.HexToAddress(address), nil)
		return err
	})
	return count, err
}

// SuggestGasPrice implements AccountProvider.
func (p *EVMProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		var err error
		price, err = c.ec.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

// EstimateGas implements AccountProvider.
func (p *EVMProvider) EstimateGas(ctx context.Context, req *chain.TxRequest) (uint64, error) {
	msg := ethereum.CallMsg{
		From:      common.HexToAddress(req.From),
		Value:     req.Value,
		Data:      req.Data,
		GasPrice:  req.GasPrice,
		GasFeeCap: req.MaxFeePerGas,
		GasTipCap: req.MaxPriorityFeePerGas,
	}
	if msg.GasPrice != nil {
		// Legacy and dynamic fee fields are mutually exclusive in a call.
		msg.GasFeeCap, msg.GasTipCap = nil, nil
	}
	if req.To != "" {
		to := common.HexToAddress(req.To)
		msg.To = &to
	}

	var gas uint64
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		var err error
		gas, err = c.ec.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendRaw implements Provider.
func (p *EVMProvider) SendRaw(ctx context.Context, tx *chain.SignedTx) (string, error) {
	var hash common.Hash
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		return c.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(tx.Raw))
	})
	if err != nil {
		return "", err
	}
	return strings.ToLower(hash.Hex()), nil
}

// FilterTransfers implements AccountProvider using ERC-20 Transfer logs in
// both directions.
func (p *EVMProvider) FilterTransfers(ctx context.Context, address string, from, to int64) ([]*ledger.Transaction, error) {
	addr := common.BytesToHash(common.HexToAddress(address).Bytes())
	queries := []ethereum.FilterQuery{
		{
			FromBlock: big.NewInt(from),
			ToBlock:   big.NewInt(to),
			Topics:    [][]common.Hash{{transferTopic}, {addr}},
		},
		{
			FromBlock: big.NewInt(from),
			ToBlock:   big.NewInt(to),
			Topics:    [][]common.Hash{{transferTopic}, nil, {addr}},
		},
	}

	seen := make(map[common.Hash]bool)
	var out []*ledger.Transaction
	for _, q := range queries {
		var logs []types.Log
		err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
			var err error
			logs, err = c.ec.FilterLogs(ctx, q)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range logs {
			if l.Removed || seen[l.TxHash] {
				continue
			}
			seen[l.TxHash] = true
			out = append(out, &ledger.Transaction{
				Network:     p.network,
				Hash:        strings.ToLower(l.TxHash.Hex()),
				BlockHash:   l.BlockHash.Hex(),
				BlockHeight: ledger.Int64(int64(l.BlockNumber)),
			})
		}
	}
	return out, nil
}

// Send implements Provider.
func (p *EVMProvider) Send(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var raw json.RawMessage
	err := p.withOne(ctx, func(ctx context.Context, c *evmClient) error {
		return c.rpc.CallContext(ctx, &raw, method, params...)
	})
	return raw, err
}

// Subscribe implements Provider. New heads use the first healthy push
// transport and fall back to polling; pending transactions require a push
// transport.
func (p *EVMProvider) Subscribe(ctx context.Context, req SubscribeRequest, h Handler) (*Subscription, error) {
	switch req.Topic {
	case TopicNewHeads:
		if t := p.pushTransport(); t != nil {
			sub, err := p.subscribeHeads(ctx, t, h)
			if err == nil {
				return sub, nil
			}
			p.log.Warn("Head subscription failed, polling instead", "transport", t.label, "error", err)
			t.setFailed()
		}
		return p.pollHeads(ctx, h), nil

	case TopicPendingTransactions:
		t := p.pushTransport()
		if t == nil {
			return nil, fmt.Errorf("%w: %s needs a push transport for pending transactions", ErrSubscriptionUnsupported, p.network.Key())
		}
		return p.subscribePending(ctx, t, req.Address, h)

	default:
		return nil, fmt.Errorf("%w: topic %q", ErrSubscriptionUnsupported, req.Topic)
	}
}

func (p *EVMProvider) pushTransport() *evmTransport {
	for _, t := range p.readyTransports() {
		if t.push() {
			return t
		}
	}
	return nil
}

func (p *EVMProvider) subscribeHeads(ctx context.Context, t *evmTransport, h Handler) (*Subscription, error) {
	c, err := t.conn(ctx)
	if err != nil {
		return nil, err
	}
	heads := make(chan *types.Header, 16)
	sub, subCtx := newSubscription(ctx, p.network, TopicNewHeads, false)
	ethSub, err := c.ec.SubscribeNewHead(subCtx, heads)
	if err != nil {
		sub.finish()
		return nil, err
	}

	sub.run(subCtx, func(ctx context.Context) {
		defer ethSub.Unsubscribe()
		for {
			select {
			case hdr := <-heads:
				h(Notification{Topic: TopicNewHeads, Block: &ledger.Block{
					Network:    p.network,
					Height:     hdr.Number.Int64(),
					Hash:       hdr.Hash().Hex(),
					ParentHash: hdr.ParentHash.Hex(),
					Timestamp:  time.Unix(int64(hdr.Time), 0).UTC(),
					BaseFee:    hdr.BaseFee,
				}})
			case err := <-ethSub.Err():
				if err != nil {
					p.log.Warn("Head subscription dropped, polling instead", "error", err)
					t.setFailed()
					p.pollLoop(ctx, h)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	})
	p.subs.add(sub)
	return sub, nil
}

func (p *EVMProvider) subscribePending(ctx context.Context, t *evmTransport, address string, h Handler) (*Subscription, error) {
	c, err := t.conn(ctx)
	if err != nil {
		return nil, err
	}
	address = strings.ToLower(address)
	hashes := make(chan common.Hash, 256)
	sub, subCtx := newSubscription(ctx, p.network, TopicPendingTransactions, false)
	ethSub, err := c.rpc.EthSubscribe(subCtx, hashes, "newPendingTransactions")
	if err != nil {
		sub.finish()
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionUnsupported, err)
	}

	sub.run(subCtx, func(ctx context.Context) {
		defer ethSub.Unsubscribe()
		for {
			select {
			case hash := <-hashes:
				tx, err := p.GetTransaction(ctx, hash.Hex())
				if err != nil {
					continue
				}
				if address != "" && tx.From != address && tx.To != address {
					continue
				}
				h(Notification{Topic: TopicPendingTransactions, Transaction: tx})
			case err := <-ethSub.Err():
				if err != nil {
					p.log.Warn("Pending transaction subscription dropped", "error", err)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	})
	p.subs.add(sub)
	return sub, nil
}

func (p *EVMProvider) pollHeads(ctx context.Context, h Handler) *Subscription {
	sub, subCtx := newSubscription(ctx, p.network, TopicNewHeads, true)
	sub.run(subCtx, func(ctx context.Context) { p.pollLoop(ctx, h) })
	p.subs.add(sub)
	return sub
}

// pollLoop emits the latest block whenever the tip moves.
func (p *EVMProvider) pollLoop(ctx context.Context, h Handler) {
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

// Close implements Provider. Open subscriptions are released.
func (p *EVMProvider) Close() error {
	p.subs.closeAll()
	for _, t := range p.transports {
		t.close()
	}
	return nil
}

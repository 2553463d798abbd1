package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/chaincoord/internal/backend"
	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/coordinator"
	"github.com/klingon-exchange/chaincoord/internal/signer"
	"github.com/klingon-exchange/chaincoord/pkg/helpers"
)

// Version of the daemon
const Version = "0.1.0-dev"

func invalidParams(format string, args ...interface{}) *Error {
	return &Error{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("params required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// network resolves a network by key ("account:1") or configured name.
func (s *Server) network(key string) (chain.Network, error) {
	if key == "" {
		return chain.Network{}, invalidParams("network is required")
	}
	if n, ok := s.networks.Lookup(key); ok {
		return n, nil
	}
	for _, n := range s.networks.Networks() {
		if strings.EqualFold(n.Name, key) {
			return n, nil
		}
	}
	return chain.Network{}, invalidParams("unknown network %q", key)
}

// ========================================
// Network handlers
// ========================================

// NetworkInfo describes a configured network.
type NetworkInfo struct {
	Key     string        `json:"key"`
	Network chain.Network `json:"network"`
}

func (s *Server) networksList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	nets := s.networks.Networks()
	out := make([]NetworkInfo, 0, len(nets))
	for _, n := range nets {
		out = append(out, NetworkInfo{Key: n.Key(), Network: n})
	}
	return out, nil
}

// StatusResult is the response for node_status.
type StatusResult struct {
	Version   string      `json:"version"`
	Networks  int         `json:"networks"`
	WSClients int         `json:"ws_clients"`
	Events    []EventType `json:"events"`
	Signer    string      `json:"signer"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	signerMode := "local"
	if s.bridge != nil {
		signerMode = "bridge"
	}
	return &StatusResult{
		Version:   Version,
		Networks:  len(s.networks.Networks()),
		WSClients: s.wsHub.ClientCount(),
		Events:    engineEventTypes(),
		Signer:    signerMode,
	}, nil
}

// ========================================
// Account handlers
// ========================================

// AccountParams identifies an account.
type AccountParams struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

func (s *Server) account(params json.RawMessage) (chain.TrackedAccount, error) {
	var p AccountParams
	if err := decodeParams(params, &p); err != nil {
		return chain.TrackedAccount{}, err
	}
	n, err := s.network(p.Network)
	if err != nil {
		return chain.TrackedAccount{}, err
	}
	if p.Address == "" {
		return chain.TrackedAccount{}, invalidParams("address is required")
	}
	a, err := chain.NewTrackedAccount(n, p.Address)
	if err != nil {
		return chain.TrackedAccount{}, invalidParams("%v", err)
	}
	return a, nil
}

func (s *Server) accountsAdd(ctx context.Context, params json.RawMessage) (interface{}, error) {
	a, err := s.account(params)
	if err != nil {
		return nil, err
	}
	return s.engine.AddAccount(ctx, a.Network, a.Address)
}

func (s *Server) accountsRemove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	a, err := s.account(params)
	if err != nil {
		return nil, err
	}
	if err := s.engine.RemoveAccount(ctx, a); err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": true}, nil
}

func (s *Server) accountsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.engine.Accounts(ctx)
}

func (s *Server) accountsActivate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	a, err := s.account(params)
	if err != nil {
		return nil, err
	}
	if err := s.engine.ActivateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Server) balancesRefresh(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.engine.RefreshBalances(ctx)
}

// ========================================
// Transaction handlers
// ========================================

// TxParams is the wire form of a transaction request. Account-based
// quantities are 0x-prefixed hex; Payload is base64.
type TxParams struct {
	Network string `json:"network"`
	From    string `json:"from"`
	To      string `json:"to,omitempty"`

	Value                *hexutil.Big    `json:"value,omitempty"`
	Amount               string          `json:"amount,omitempty"` // decimal, in the network's native asset
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`

	Payload       []byte `json:"payload,omitempty"`
	Memo          string `json:"memo,omitempty"`
	TimeoutHeight int64  `json:"timeout_height,omitempty"`
}

func (s *Server) txRequest(p *TxParams) (*chain.TxRequest, error) {
	n, err := s.network(p.Network)
	if err != nil {
		return nil, err
	}
	if p.From == "" {
		return nil, invalidParams("from is required")
	}
	req := &chain.TxRequest{
		Network:       n,
		From:          p.From,
		To:            p.To,
		Data:          p.Data,
		GasLimit:      uint64(p.Gas),
		Payload:       p.Payload,
		Memo:          p.Memo,
		TimeoutHeight: p.TimeoutHeight,
	}
	switch {
	case p.Value != nil && p.Amount != "":
		return nil, invalidParams("value and amount are mutually exclusive")
	case p.Value != nil:
		req.Value = p.Value.ToInt()
	case p.Amount != "":
		v, err := helpers.ParseUnits(p.Amount, n.Asset.Decimals)
		if err != nil {
			return nil, invalidParams("invalid amount: %v", err)
		}
		req.Value = v
	}
	if p.Nonce != nil {
		nonce := uint64(*p.Nonce)
		req.Nonce = &nonce
	}
	if p.GasPrice != nil {
		req.GasPrice = p.GasPrice.ToInt()
	}
	if p.MaxFeePerGas != nil {
		req.MaxFeePerGas = p.MaxFeePerGas.ToInt()
	}
	if p.MaxPriorityFeePerGas != nil {
		req.MaxPriorityFeePerGas = p.MaxPriorityFeePerGas.ToInt()
	}
	return req, nil
}

func (s *Server) txPopulate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TxParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, err := s.txRequest(&p)
	if err != nil {
		return nil, err
	}
	return s.engine.PopulateTransaction(ctx, req)
}

// TxSendParams is the parameters for tx_send.
type TxSendParams struct {
	TxParams
	// Method overrides the network's default signing method.
	Method chain.SigningMethod `json:"method,omitempty"`
}

func (s *Server) txSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TxSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, err := s.txRequest(&p.TxParams)
	if err != nil {
		return nil, err
	}
	method := p.Method
	if method == "" {
		method = chain.DefaultSigningMethod(req.Network.Family)
	}

	tx, err := s.engine.SendTransaction(ctx, req, method)
	if err != nil {
		if errors.Is(err, coordinator.ErrBroadcastRejected) && tx != nil {
			return nil, &Error{Code: BroadcastRejected, Message: err.Error(), Data: tx}
		}
		return nil, err
	}
	return tx, nil
}

// TxHashParams identifies a transaction.
type TxHashParams struct {
	Network string `json:"network"`
	Hash    string `json:"hash"`
	// TargetHeight is the height after which tx_track gives up.
	TargetHeight int64 `json:"target_height,omitempty"`
}

func (s *Server) txHash(params json.RawMessage) (chain.Network, *TxHashParams, error) {
	var p TxHashParams
	if err := decodeParams(params, &p); err != nil {
		return chain.Network{}, nil, err
	}
	n, err := s.network(p.Network)
	if err != nil {
		return chain.Network{}, nil, err
	}
	if p.Hash == "" {
		return chain.Network{}, nil, invalidParams("hash is required")
	}
	return n, &p, nil
}

func (s *Server) txGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	n, p, err := s.txHash(params)
	if err != nil {
		return nil, err
	}
	return s.engine.GetTransaction(ctx, n, p.Hash)
}

// TxStateResult is the response for tx_state.
type TxStateResult struct {
	Hash     string              `json:"hash"`
	State    coordinator.TxState `json:"state"`
	Terminal bool                `json:"terminal"`
}

func (s *Server) txState(ctx context.Context, params json.RawMessage) (interface{}, error) {
	n, p, err := s.txHash(params)
	if err != nil {
		return nil, err
	}
	state, err := s.engine.TransactionState(ctx, n, p.Hash)
	if err != nil {
		return nil, err
	}
	return &TxStateResult{
		Hash:     chain.NormalizeHash(n, p.Hash),
		State:    state,
		Terminal: state.IsTerminal(),
	}, nil
}

func (s *Server) txTrack(ctx context.Context, params json.RawMessage) (interface{}, error) {
	n, p, err := s.txHash(params)
	if err != nil {
		return nil, err
	}
	if err := s.engine.TrackTransaction(ctx, n, p.Hash, p.TargetHeight); err != nil {
		return nil, err
	}
	return map[string]interface{}{"tracking": true}, nil
}

// BlockParams is the parameters for block_get. A nil height selects the
// latest block.
type BlockParams struct {
	Network string `json:"network"`
	Height  *int64 `json:"height,omitempty"`
}

func (s *Server) blockGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p BlockParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	n, err := s.network(p.Network)
	if err != nil {
		return nil, err
	}
	height := int64(backend.TagLatest)
	if p.Height != nil {
		if *p.Height < 0 {
			return nil, invalidParams("height must not be negative")
		}
		height = *p.Height
	}
	return s.engine.GetBlock(ctx, n, height)
}

// ========================================
// Signer handlers
// ========================================

func (s *Server) signerPending(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.bridge.Pending(), nil
}

// SignerApproveParams is the parameters for signer_approve. Hash is
// computed from Raw when omitted.
type SignerApproveParams struct {
	ID   string        `json:"id"`
	Raw  hexutil.Bytes `json:"raw"`
	Hash string        `json:"hash,omitempty"`
}

func (s *Server) signerApprove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SignerApproveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	if len(p.Raw) == 0 {
		return nil, invalidParams("raw is required")
	}

	hash := p.Hash
	if hash == "" {
		req := s.pendingRequest(p.ID)
		if req == nil {
			return nil, invalidParams("unknown signing request %q", p.ID)
		}
		hash = rawHash(req.Tx.Network, p.Raw)
	}

	if err := s.bridge.Approve(p.ID, &chain.SignedTx{Hash: hash, Raw: p.Raw}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"approved": true, "hash": hash}, nil
}

// SignerRejectParams is the parameters for signer_reject.
type SignerRejectParams struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) signerReject(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SignerRejectParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	if err := s.bridge.Reject(p.ID, p.Reason); err != nil {
		return nil, err
	}
	return map[string]interface{}{"rejected": true}, nil
}

func (s *Server) pendingRequest(id string) *signer.Request {
	for _, r := range s.bridge.Pending() {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// rawHash derives the transaction hash of a signed payload.
func rawHash(n chain.Network, raw []byte) string {
	switch n.Family {
	case chain.AccountBased:
		return chain.NormalizeHash(n, crypto.Keccak256Hash(raw).Hex())
	case chain.HeightBased:
		sum := sha256.Sum256(raw)
		return chain.NormalizeHash(n, helpers.BytesToHex(sum[:]))
	default:
		return ""
	}
}

package chain

import (
	"math/big"
)

// SigningMethod selects how the signing capability should sign a request.
type SigningMethod string

const (
	// SignTransaction signs an account-based transaction (EIP-155/1559).
	SignTransaction SigningMethod = "eth_signTransaction"
	// SignDirect signs a height-based SIGN_MODE_DIRECT document.
	SignDirect SigningMethod = "cosmos_signDirect"
)

// DefaultSigningMethod returns the method used for a family when the
// caller doesn't choose one.
func DefaultSigningMethod(f Family) SigningMethod {
	switch f {
	case AccountBased:
		return SignTransaction
	case HeightBased:
		return SignDirect
	default:
		return ""
	}
}

// TxRequest is an unsigned transaction as assembled from caller input.
type TxRequest struct {
	Network Network `json:"network"`
	From    string  `json:"from"`
	To      string  `json:"to,omitempty"`

	// Account-based fields.
	Value                *big.Int `json:"value,omitempty"`
	Data                 []byte   `json:"data,omitempty"`
	Nonce                *uint64  `json:"nonce,omitempty"`
	GasLimit             uint64   `json:"gas_limit,omitempty"`
	GasPrice             *big.Int `json:"gas_price,omitempty"`
	MaxFeePerGas         *big.Int `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"max_priority_fee_per_gas,omitempty"`

	// UnpredictableGasLimit is set when gas estimation indicated the
	// transaction would likely revert. It is a warning, not an error.
	UnpredictableGasLimit bool `json:"unpredictable_gas_limit,omitempty"`

	// Height-based fields. Payload is the sign document prepared by the caller.
	Payload       []byte `json:"payload,omitempty"`
	Memo          string `json:"memo,omitempty"`
	TimeoutHeight int64  `json:"timeout_height,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *TxRequest) Clone() *TxRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Value = cloneBig(r.Value)
	c.GasPrice = cloneBig(r.GasPrice)
	c.MaxFeePerGas = cloneBig(r.MaxFeePerGas)
	c.MaxPriorityFeePerGas = cloneBig(r.MaxPriorityFeePerGas)
	if r.Nonce != nil {
		n := *r.Nonce
		c.Nonce = &n
	}
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return &c
}

// WithNonce returns a copy of the request carrying nonce.
func (r *TxRequest) WithNonce(nonce uint64) *TxRequest {
	c := r.Clone()
	c.Nonce = &nonce
	return c
}

// SignedTx is the output of the signing capability.
type SignedTx struct {
	Hash string `json:"hash"`
	Raw  []byte `json:"raw"`
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

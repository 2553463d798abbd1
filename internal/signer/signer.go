// Package signer defines the signing boundary of the engine. The engine
// never holds keys itself: it hands an unsigned request to a Signer and
// broadcasts whatever comes back.
package signer

import (
	"context"
	"errors"

	"github.com/klingon-exchange/chaincoord/internal/chain"
)

var (
	// ErrSigningRejected is returned when the key holder declined the request.
	ErrSigningRejected = errors.New("signing rejected")
	// ErrSigningUnavailable is returned when no key holder could be reached.
	ErrSigningUnavailable = errors.New("signing unavailable")
)

// Signer signs transaction requests. Implementations must not retry; a
// failed call is reported to the caller as-is.
type Signer interface {
	Sign(ctx context.Context, req *chain.TxRequest, method chain.SigningMethod) (*chain.SignedTx, error)
}

// Func adapts a function to the Signer interface.
type Func func(ctx context.Context, req *chain.TxRequest, method chain.SigningMethod) (*chain.SignedTx, error)

// Sign implements Signer.
func (f Func) Sign(ctx context.Context, req *chain.TxRequest, method chain.SigningMethod) (*chain.SignedTx, error) {
	return f(ctx, req, method)
}

// Unavailable is a Signer that always fails with ErrSigningUnavailable.
type Unavailable struct{}

// Sign implements Signer.
func (Unavailable) Sign(context.Context, *chain.TxRequest, chain.SigningMethod) (*chain.SignedTx, error) {
	return nil, ErrSigningUnavailable
}

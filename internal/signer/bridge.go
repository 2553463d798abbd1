package signer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

// ErrUnknownRequest is returned when answering a request that is no longer
// pending.
var ErrUnknownRequest = errors.New("unknown signing request")

// Request is a signing request waiting for an external answer.
type Request struct {
	ID        string              `json:"id"`
	Tx        *chain.TxRequest    `json:"tx"`
	Method    chain.SigningMethod `json:"method"`
	CreatedAt time.Time           `json:"created_at"`

	reply chan reply
}

type reply struct {
	signed *chain.SignedTx
	err    error
}

// Bridge is a Signer that forwards every request to an external key holder
// (a UI, a hardware device, an approval service) and blocks until it is
// approved, rejected or the caller gives up.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*Request
	notify  chan *Request
	closed  bool
	log     *logging.Logger
}

var _ Signer = (*Bridge)(nil)

// NewBridge creates a bridge. New requests are announced on Requests(); a
// full notification buffer drops the announcement but the request stays
// listed in Pending().
func NewBridge(buffer int, log *logging.Logger) *Bridge {
	if buffer <= 0 {
		buffer = 16
	}
	if log == nil {
		log = logging.GetDefault().Component("signer")
	}
	return &Bridge{
		pending: make(map[string]*Request),
		notify:  make(chan *Request, buffer),
		log:     log,
	}
}

// Requests announces new requests. It is closed by Close.
func (b *Bridge) Requests() <-chan *Request {
	return b.notify
}

// Sign implements Signer.
func (b *Bridge) Sign(ctx context.Context, req *chain.TxRequest, method chain.SigningMethod) (*chain.SignedTx, error) {
	r := &Request{
		ID:        uuid.New().String(),
		Tx:        req.Clone(),
		Method:    method,
		CreatedAt: time.Now(),
		reply:     make(chan reply, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrSigningUnavailable
	}
	b.pending[r.ID] = r
	select {
	case b.notify <- r:
	default:
		b.log.Warn("Signing notification buffer full", "id", r.ID)
	}
	b.mu.Unlock()

	b.log.Debug("Signing request queued", "id", r.ID, "network", req.Network.Key(), "method", method)

	select {
	case rep := <-r.reply:
		return rep.signed, rep.err
	case <-ctx.Done():
		b.remove(r.ID)
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, ctx.Err())
	}
}

// Pending returns the outstanding requests, oldest first.
func (b *Bridge) Pending() []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Request, 0, len(b.pending))
	for _, r := range b.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Approve answers request id with a signed transaction.
func (b *Bridge) Approve(id string, signed *chain.SignedTx) error {
	if signed == nil || len(signed.Raw) == 0 {
		return fmt.Errorf("approve %s: empty signed transaction", id)
	}
	return b.resolve(id, reply{signed: signed})
}

// Reject declines request id.
func (b *Bridge) Reject(id, reason string) error {
	err := ErrSigningRejected
	if reason != "" {
		err = fmt.Errorf("%w: %s", ErrSigningRejected, reason)
	}
	return b.resolve(id, reply{err: err})
}

// Close fails every pending request with ErrSigningUnavailable. Later
// calls to Sign fail immediately.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, r := range b.pending {
		r.reply <- reply{err: ErrSigningUnavailable}
		delete(b.pending, id)
	}
	close(b.notify)
}

func (b *Bridge) resolve(id string, rep reply) error {
	r := b.remove(id)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	r.reply <- rep
	return nil
}

func (b *Bridge) remove(id string) *Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return r
}

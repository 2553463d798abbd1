package backend

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/metrics"
)

// Subscription is a live feed opened by Provider.Subscribe. It runs until
// Unsubscribe is called, its context is cancelled or the provider is
// closed.
type Subscription struct {
	ID      string
	Topic   Topic
	Network chain.Network
	// Polling is true when the feed is emulated by polling.
	Polling bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSubscription(parent context.Context, n chain.Network, topic Topic, polling bool) (*Subscription, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s := &Subscription{
		ID:      uuid.NewString(),
		Topic:   topic,
		Network: n,
		Polling: polling,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	metrics.ActiveSubscriptions.WithLabelValues(n.Key(), string(topic)).Inc()
	return s, ctx
}

// NewSubscription starts loop as a subscription feed. It is meant for
// Provider implementations outside this package; loop must return once ctx
// is done.
func NewSubscription(parent context.Context, n chain.Network, topic Topic, polling bool, loop func(ctx context.Context)) *Subscription {
	s, ctx := newSubscription(parent, n, topic, polling)
	s.run(ctx, loop)
	return s
}

// run executes loop in a goroutine and marks the subscription done when it
// returns.
func (s *Subscription) run(ctx context.Context, loop func(ctx context.Context)) {
	go func() {
		defer s.finish()
		loop(ctx)
	}()
}

func (s *Subscription) finish() {
	s.once.Do(func() {
		s.cancel()
		metrics.ActiveSubscriptions.WithLabelValues(s.Network.Key(), string(s.Topic)).Dec()
		close(s.done)
	})
}

// Unsubscribe stops the feed and waits for its goroutine to exit.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Done is closed once the feed has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// subscriptionSet tracks a provider's open subscriptions so Close can
// release them.
type subscriptionSet struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func (ss *subscriptionSet) add(s *Subscription) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.subs == nil {
		ss.subs = make(map[string]*Subscription)
	}
	ss.subs[s.ID] = s
	go func() {
		<-s.done
		ss.mu.Lock()
		delete(ss.subs, s.ID)
		ss.mu.Unlock()
	}()
}

func (ss *subscriptionSet) closeAll() {
	ss.mu.Lock()
	subs := make([]*Subscription, 0, len(ss.subs))
	for _, s := range ss.subs {
		subs = append(subs, s)
	}
	ss.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/klingon-exchange/chaincoord/internal/metrics"
)

const (
	// DefaultQuarantine is how long a failed transport is skipped before it
	// is tried again.
	DefaultQuarantine = time.Minute
	// DefaultTimeout bounds a single call on a single transport.
	DefaultTimeout = 30 * time.Second
	// DefaultPollInterval is used for new-head polling when no push
	// transport is available.
	DefaultPollInterval = 15 * time.Second
)

// RateLimit configures a transport's token bucket. Zero RPS disables it.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// transport tracks the health and rate limit of one endpoint.
type transport struct {
	url        string
	label      string
	network    string
	limiter    *rate.Limiter
	timeout    time.Duration
	quarantine time.Duration

	mu        sync.Mutex
	failStamp time.Time
	failCount int
}

func newTransport(network, url string, index int, rl RateLimit, timeout, quarantine time.Duration) *transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if quarantine <= 0 {
		quarantine = DefaultQuarantine
	}
	t := &transport{
		url:        url,
		label:      fmt.Sprintf("%d", index),
		network:    network,
		timeout:    timeout,
		quarantine: quarantine,
	}
	if rl.RPS > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rl.RPS), burst)
	}
	return t
}

// push reports whether the endpoint supports server-initiated messages.
func (t *transport) push() bool {
	return strings.HasPrefix(t.url, "ws://") || strings.HasPrefix(t.url, "wss://")
}

// setFailed quarantines the transport.
func (t *transport) setFailed() {
	t.mu.Lock()
	t.failStamp = time.Now()
	t.failCount++
	t.mu.Unlock()
}

// setHealthy clears the failure state.
func (t *transport) setHealthy() {
	t.mu.Lock()
	t.failStamp = time.Time{}
	t.failCount = 0
	t.mu.Unlock()
}

// failed is true while the transport is quarantined.
func (t *transport) failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.failStamp.IsZero() && time.Since(t.failStamp) < t.quarantine
}

// wait blocks until the limiter admits one call or ctx is done.
func (t *transport) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	r := t.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.RateLimitWaits.WithLabelValues(t.network).Inc()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

// readyTransports returns the transports not in quarantine, or all of them
// in order when every transport is quarantined.
func readyTransports(all []*transport) []*transport {
	ready := make([]*transport, 0, len(all))
	for _, t := range all {
		if !t.failed() {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return all
	}
	return ready
}

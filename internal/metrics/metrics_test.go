package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CounterIncrementNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { ProviderCallsTotal.WithLabelValues("account:1", "0", "ok").Inc() })
	assert.NotPanics(t, func() { ProviderFailoversTotal.WithLabelValues("account:1", "0").Inc() })
	assert.NotPanics(t, func() { ProviderCallLatency.WithLabelValues("account:1").Observe(0.1) })
	assert.NotPanics(t, func() { RetrievalOutcomes.WithLabelValues("account:1", "resolved").Inc() })
	assert.NotPanics(t, func() { BackfillAttempts.WithLabelValues("account:1", "ok").Inc() })
	assert.NotPanics(t, func() { NonceAllocations.WithLabelValues("account:1").Inc() })
	assert.NotPanics(t, func() { EventsDropped.WithLabelValues("block_seen", "api").Inc() })
	assert.NotPanics(t, func() { ActiveSubscriptions.WithLabelValues("account:1", "new_heads").Set(1) })
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{errors.New("context deadline exceeded"), "timeout"},
		{errors.New("429 Too Many Requests"), "rate_limited"},
		{errors.New("502 Bad Gateway"), "server_error"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("unexpected EOF"), "network_error"},
		{errors.New("execution reverted"), "client_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.err), "%v", tt.err)
	}
}

func TestHandlerServesCollectors(t *testing.T) {
	NonceReleases.WithLabelValues("account:137").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "chaincoord_nonce_releases_total"))
}

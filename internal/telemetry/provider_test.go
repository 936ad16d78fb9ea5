package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap/zaptest"
)

func TestHandlerExposesOtelCounters(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, Config{SessionID: "test-session", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Shutdown(ctx)) }()

	counter, err := otel.Meter("test").Int64Counter("threadprio_test_events_total")
	require.NoError(t, err)
	counter.Add(ctx, 3, metric.WithAttributes(attribute.String("outcome", "applied")))

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "threadprio_test_events_total")
	assert.Contains(t, string(body), `outcome="applied"`)
	assert.Contains(t, string(body), "go_goroutines")
}

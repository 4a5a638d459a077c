package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionSpawned()
	m.SessionRemoved()
	m.Frame(Outbound, "output")
	m.AuthRejected("expired")
	m.RegisterTokenGauge(func() float64 { return 1 })
	assert.Nil(t, m.Registry())
}

func TestSessionGauges(t *testing.T) {
	m := New()
	m.SessionSpawned()
	m.SessionSpawned()
	m.SessionRemoved()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sessionsSpawned))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Frame(Inbound, "create")
	m.AuthRejected("no_token")
	m.RegisterTokenGauge(func() float64 { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `termd_frames_total{direction="in",type="create"} 1`)
	assert.Contains(t, string(body), `termd_auth_rejections_total{reason="no_token"} 1`)
	assert.Contains(t, string(body), "termd_tokens_active 3")
}

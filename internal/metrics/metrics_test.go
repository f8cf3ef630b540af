package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersWithoutPanicking(t *testing.T) {
	m := New()
	require.NotNil(t, m)
	assert.NotNil(t, m.Registry())
}

func TestRecorders_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPoolUtilization(1, 4, 0)
		m.RecordPhaseTransition("eng-1", "RECON", "ENUMERATION")
		m.RecordHalt("scope_violation", 10*time.Millisecond)
		m.RecordToolCall("nmap", "success", 50*time.Millisecond)
		m.SetActiveEngagements(2)
	})
}

func TestHandler_ServesMetrics(t *testing.T) {
	m := New()
	m.SetActiveEngagements(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "ghostframe_engagement_active 3")
}

func TestHandler_NilReceiverReturns503(t *testing.T) {
	var m *Metrics
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)
}

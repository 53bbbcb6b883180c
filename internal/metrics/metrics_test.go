package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ProofValidated("ok")
	m.ChallengeIssued()
	m.SessionCreated()
	m.SessionsEvicted(1)
	m.SessionsRemoved("deleted", 1)
	m.RelayConnect("ok")
	m.HostRegistered()
	m.HostUnregistered()
	m.FrameForwarded("to_host")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.ProofValidated("ok")
	m.ProofValidated("ok")
	m.ProofValidated("invalid_proof")
	m.SessionsEvicted(0)
	m.SessionsEvicted(2)
	m.HostRegistered()
	m.HostRegistered()
	m.HostUnregistered()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.proofValidations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proofValidations.WithLabelValues("invalid_proof")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsEvicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registeredHosts))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ChallengeIssued()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "hostlink_session_challenges_issued_total 1"))
}

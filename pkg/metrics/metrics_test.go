package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()
	ImplicitTLSBlocked.Reset()

	ConnectionsTotal.WithLabelValues("smtp", "starttls").Inc()
	ConnectionsTotal.WithLabelValues("smtp", "starttls").Inc()
	ConnectionsTotal.WithLabelValues("imap", "implicit").Inc()
	ConnectionsCurrent.WithLabelValues("smtp").Inc()
	ConnectionsCurrent.WithLabelValues("smtp").Dec()
	ImplicitTLSBlocked.WithLabelValues("imap").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(ConnectionsTotal.WithLabelValues("smtp", "starttls")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectionsTotal.WithLabelValues("imap", "implicit")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("smtp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ImplicitTLSBlocked.WithLabelValues("imap")))
	assert.Equal(t, 2, testutil.CollectAndCount(ConnectionsTotal))
}

func TestDecisionPointMetrics(t *testing.T) {
	AuthenticationAttempts.Reset()
	StartTLSTotal.Reset()
	DisruptionsTotal.Reset()

	AuthenticationAttempts.WithLabelValues("smtp", "false").Inc()
	AuthenticationAttempts.WithLabelValues("imap", "true").Add(3)
	StartTLSTotal.WithLabelValues("imap", "refused").Inc()
	DisruptionsTotal.WithLabelValues("smtp", "t4").Inc()

	expected := `
		# HELP selftest_auth_attempts_total Credentials received, split by whether TLS was active
		# TYPE selftest_auth_attempts_total counter
		selftest_auth_attempts_total{protocol="imap",tls="true"} 3
		selftest_auth_attempts_total{protocol="smtp",tls="false"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(AuthenticationAttempts, strings.NewReader(expected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(StartTLSTotal.WithLabelValues("imap", "refused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DisruptionsTotal.WithLabelValues("smtp", "t4")))
}

func TestConnectionDurationHistogram(t *testing.T) {
	ConnectionDuration.Reset()
	for _, d := range []float64{0.01, 0.2, 3, 12} {
		ConnectionDuration.WithLabelValues("imap").Observe(d)
	}

	m := &dto.Metric{}
	require.NoError(t, ConnectionDuration.WithLabelValues("imap").(prometheus.Histogram).Write(m))
	assert.Equal(t, uint64(4), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 15.21, m.GetHistogram().GetSampleSum(), 0.0001)
	assert.Len(t, m.GetHistogram().GetBucket(), len(prometheus.DefBuckets))
}

func TestControlPlaneMetrics(t *testing.T) {
	ModeAssignmentsCurrent.Set(0)
	APIRequestsTotal.Reset()
	ArchiveUploads.Reset()

	ModeAssignmentsCurrent.Set(4)
	APIRequestsTotal.WithLabelValues("PUT /api/v1/modes/{identifier}", "200").Inc()
	ArchiveUploads.WithLabelValues("success").Inc()
	ArchiveUploads.WithLabelValues("error").Inc()

	assert.Equal(t, 4.0, testutil.ToFloat64(ModeAssignmentsCurrent))
	assert.Equal(t, 1.0, testutil.ToFloat64(APIRequestsTotal.WithLabelValues("PUT /api/v1/modes/{identifier}", "200")))
	assert.Equal(t, 2, testutil.CollectAndCount(ArchiveUploads))
}

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	EventsTotal.Reset()
	S3OperationsTotal.Reset()
	EventsTotal.WithLabelValues("auth_attempt").Add(2)
	S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	EventAppendErrors.Add(0)

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)
	for _, want := range []string{
		`selftest_events_total{kind="auth_attempt"} 2`,
		`selftest_s3_operations_total{operation="PUT",status="success"} 1`,
		"selftest_event_append_errors_total",
		"selftest_mode_assignments_current",
	} {
		assert.Contains(t, out, want)
	}
}

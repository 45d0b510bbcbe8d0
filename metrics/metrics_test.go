package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micromdm/nanorollout/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queue struct{ queued, inflight int }

func (q queue) Queued() int   { return q.queued }
func (q queue) InFlight() int { return q.inflight }

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RecordTransition(workflow.StateQueued, workflow.StatePreparing)
	r.RecordTransition(workflow.StateApplying, workflow.StateComplete)
	r.RecordTransition(workflow.StateApplying, workflow.StateComplete)
	r.RecordAttempt(workflow.ActivityDispatch)
	r.RecordFailure(workflow.ActivityDispatch, workflow.ErrorTransient)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("APPLYING", "COMPLETE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.settled.WithLabelValues("COMPLETE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("dispatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("dispatch", "transient")))
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterQueue(reg, queue{queued: 3, inflight: 1})
	srv := NewServer(":0", reg)

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nanorollout_worker_queued_workflows 3")
	assert.Contains(t, string(body), "nanorollout_worker_inflight_workflows 1")

	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "ok", strings.TrimSpace(w.Body.String()))
}

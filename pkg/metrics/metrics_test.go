package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/jsturma/joblet/pkg/resource"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTransitionCounts(t *testing.T) {
	m := New()
	m.JobCreated()
	m.JobCreated()

	job := &types.Job{ID: "j1"}
	m.ObserveTransition(job, types.StatusQueued, types.StatusScheduled)
	m.ObserveTransition(job, types.StatusScheduled, types.StatusInitializing)
	m.ObserveTransition(job, types.StatusInitializing, types.StatusRunning)
	m.ObserveTransition(job, types.StatusRunning, types.StatusCompleted)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.JobTransitions.WithLabelValues("RUNNING", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.JobsByStatus.WithLabelValues("QUEUED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.JobsByStatus.WithLabelValues("COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(
		m.JobsByStatus.WithLabelValues("RUNNING")))
}

func TestLedgerGauges(t *testing.T) {
	m := New()
	ledger := resource.NewLedger(resource.Totals{Cores: 4, MemoryBytes: 8 << 30})
	m.RegisterLedger(ledger)

	_, err := ledger.Reserve("j1", types.ResourceRequest{MaxCPU: 200, MaxMemory: 1 << 30})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "joblet_reserved_cores 2")
	assert.Contains(t, body, "joblet_reserved_memory_bytes 1.073741824e+09")
}

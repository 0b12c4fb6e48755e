package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loom/pkg/models"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.BreakerTransition("x", models.BreakerOpen)
		c.Invocation("x", "success")
		c.Fallback("x", "cache")
		c.TaskFinished(models.TaskStatusCompleted)
		c.GroupResolved(time.Second)
		c.InFlight(1)
		c.ReplanDecision("continue")
		c.PlanVersion("p", 2)
		c.SagaFinished(models.FinalRolledBack)
		c.Compensation(false)
		c.EntryContributed()
		c.SynthesisComputed()
	})
	assert.Nil(t, c.Registry())
}

func TestBreakerTransition(t *testing.T) {
	c := NewCollector()
	c.BreakerTransition("exec-a", models.BreakerOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("exec-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTransitions.WithLabelValues("exec-a", "open")))

	c.BreakerTransition("exec-a", models.BreakerClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("exec-a")))
}

func TestCounters(t *testing.T) {
	c := NewCollector()
	c.Compensation(true)
	c.Compensation(true)
	c.Compensation(false)
	c.ReplanDecision("replan")
	c.SagaFinished(models.FinalRolledBack)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.compensations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.compensations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.replanDecisions.WithLabelValues("replan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sagaOutcomes.WithLabelValues("rolled_back")))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector()
	c.EntryContributed()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "loom_blackboard_entries_total 1"))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.Invocation("x", "success")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.invocations.WithLabelValues("x", "success")))
}

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/spearmint/report"
)

func TestRecordSuggestion(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordSuggestion("random", 10*time.Millisecond, nil)
	m.RecordSuggestion("random", 20*time.Millisecond, nil)
	m.RecordSuggestion("random", time.Second, errors.New("diverged"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.suggestions.WithLabelValues("random", resultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.suggestions.WithLabelValues("random", resultError)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.suggestLatency))
}

func TestRecordUpdate(t *testing.T) {
	m := New(nil)
	m.RecordUpdate(nil)
	m.RecordUpdate(&spearminterrors.ErrInvalidState{Type: "job", Value: "1", State: "complete"})
	m.RecordUpdate(&spearminterrors.ErrNotFound{Type: "job", Value: "2"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues(resultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues(resultRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues(resultError)))
}

func TestRecordExperiment(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	best := 3.5
	m.RecordExperiment("alice.branin", report.Summary{Pending: 2, Complete: 1, Best: &best})
	m.RecordExperiment("bob.rosen", report.Summary{Pending: 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pendingJobs.WithLabelValues("alice.branin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completeJobs.WithLabelValues("alice.branin")))
	assert.Equal(t, 3.5, testutil.ToFloat64(m.bestOutcome.WithLabelValues("alice.branin")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.bestOutcome))

	m.ForgetExperiment("alice.branin")
	assert.Equal(t, 1, testutil.CollectAndCount(m.pendingJobs))
	assert.Equal(t, 0, testutil.CollectAndCount(m.bestOutcome))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names[MetricPrefix+"pending_jobs"])
}

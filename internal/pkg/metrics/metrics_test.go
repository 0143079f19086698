package metrics_test

import (
	"testing"
	"time"

	"finadvisor-pipeline/internal/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObservePipelineResult("success", "")
		m.ObserveStage("grounding", time.Second)
		m.GroundingCacheHit()
		m.StreamOpened()
		m.StreamClosed()
	})
}

func TestCollectorsRegistered(t *testing.T) {
	m := metrics.New()
	m.ObservePipelineResult("rejection", "classification")
	m.GroundingCacheHit()
	m.GroundingCacheMiss()
	m.ObserveStreamEvent("text.delta")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["finadvisor_pipeline_results_total"])
	assert.True(t, names["finadvisor_grounding_cache_total"])
	assert.True(t, names["finadvisor_stream_events_total"])
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	a := metrics.New()
	b := metrics.New()
	a.GroundingCacheHit()

	count, err := testutil.GatherAndCount(b.Registry(), "finadvisor_grounding_cache_total")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

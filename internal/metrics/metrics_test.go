package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	require.NotNil(t, runsTotal)
	require.NotNil(t, phrasesTotal)
	require.NotNil(t, httpRequestsTotal)
	require.NotNil(t, activeRuns)
}

func TestObserveRun(t *testing.T) {
	Init()
	before := testutil.ToFloat64(runsTotal.WithLabelValues("metrics_test"))
	ObserveRun("metrics_test")
	require.InDelta(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues("metrics_test")), 0.0001)
}

func TestObservePhrase(t *testing.T) {
	Init()
	before := testutil.ToFloat64(phrasesTotal.WithLabelValues("found_metrics_test"))
	ObservePhrase("found_metrics_test", 2*time.Second)
	require.InDelta(t, before+1, testutil.ToFloat64(phrasesTotal.WithLabelValues("found_metrics_test")), 0.0001)
	require.Positive(t, testutil.CollectAndCount(crawlDurationSeconds))
}

func TestActiveRunsGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activeRuns)
	IncActiveRuns()
	require.InDelta(t, before+1, testutil.ToFloat64(activeRuns), 0.0001)
	DecActiveRuns()
	require.InDelta(t, before, testutil.ToFloat64(activeRuns), 0.0001)
}

func TestCountersWithoutLabels(t *testing.T) {
	Init()
	fallback := testutil.ToFloat64(allocationFallbackTotal)
	writes := testutil.ToFloat64(storeWriteFailuresTotal)

	ObserveAllocationFallback()
	ObserveStoreWriteFailure()
	ObserveStoreWriteFailure()
	ObserveRevealAttempts(4)
	ObserveRateLimitDelay("www.google.com", 300*time.Millisecond)

	require.InDelta(t, fallback+1, testutil.ToFloat64(allocationFallbackTotal), 0.0001)
	require.InDelta(t, writes+2, testutil.ToFloat64(storeWriteFailuresTotal), 0.0001)
	require.Positive(t, testutil.CollectAndCount(revealAttempts))
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}

package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serieswatch/serieswatch-go/internal/datastore"
)

func TestRebalanceSpacing(t *testing.T) {
	tr, store, _, _, now := newTestTracker(t)

	// Five series with staggered fetch times; one never fetched.
	const n = 5
	for i := 0; i < n; i++ {
		asin := fmt.Sprintf("B0REB%05d", i)
		_, err := store.EnsureSeries(asin, "", "")
		require.NoError(t, err)
		if i > 0 {
			fetched := now.Add(-time.Duration(n-i) * time.Hour)
			require.NoError(t, store.TouchSeriesFetched(asin, fetched))
		}
	}

	count, err := tr.rebalance(now)
	require.NoError(t, err)
	assert.Equal(t, n, count)

	cycle := tr.settings.Refresh.CycleDuration()
	schedule, err := store.GetSchedule()
	require.NoError(t, err)

	var previous time.Time
	for i, entry := range schedule {
		doc, err := store.GetSeries(entry.ASIN)
		require.NoError(t, err)
		require.NotNil(t, doc.NextRefreshAt)
		next := *doc.NextRefreshAt

		// Every slot lies within (now, now+cycle].
		assert.True(t, next.After(now), "slot %d not after reference", i)
		assert.False(t, next.After(now.Add(cycle)), "slot %d beyond one cycle", i)

		// Slots increase in fetched-at order, spaced by about cycle/N.
		if i > 0 {
			gap := next.Sub(previous)
			assert.Greater(t, gap, time.Duration(0))
			assert.InDelta(t, (cycle / n).Seconds(), gap.Seconds(), 1.5)
		}
		previous = next
	}

	// The never-fetched series owns the earliest slot.
	first, err := store.GetSeries("B0REB00000")
	require.NoError(t, err)
	for i := 1; i < n; i++ {
		doc, err := store.GetSeries(fmt.Sprintf("B0REB%05d", i))
		require.NoError(t, err)
		assert.True(t, first.NextRefreshAt.Before(*doc.NextRefreshAt))
	}
}

func TestRebalanceSingleSeriesFloorsAtOneSecond(t *testing.T) {
	tr, store, _, _, now := newTestTracker(t)
	_, err := store.EnsureSeries("B0ONLY0001", "", "")
	require.NoError(t, err)

	count, err := tr.rebalance(now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	doc, err := store.GetSeries("B0ONLY0001")
	require.NoError(t, err)
	require.NotNil(t, doc.NextRefreshAt)
	assert.False(t, doc.NextRefreshAt.Before(now.Add(time.Second)))
}

func TestRebalanceEmptyStore(t *testing.T) {
	tr, _, _, _, now := newTestTracker(t)
	count, err := tr.rebalance(now)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRescheduleAllSpreadsOverManualWindow(t *testing.T) {
	tr, store, _, _, now := newTestTracker(t)
	for i := 0; i < 4; i++ {
		_, err := store.EnsureSeries(fmt.Sprintf("B0MAN%05d", i), "", "")
		require.NoError(t, err)
	}

	count, err := tr.RescheduleAll()
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	window := time.Duration(tr.settings.Refresh.ManualIntervalMinutes) * time.Minute
	all, err := store.GetAllSeries()
	require.NoError(t, err)
	for _, doc := range all {
		require.NotNil(t, doc.NextRefreshAt)
		assert.False(t, doc.NextRefreshAt.Before(now))
		assert.True(t, doc.NextRefreshAt.Before(now.Add(window)))
	}
}

func TestEnqueueDueRespectsBatchSize(t *testing.T) {
	tr, store, _, _, now := newTestTracker(t)
	tr.settings.Refresh.BatchSize = 2

	for i := 0; i < 5; i++ {
		asin := fmt.Sprintf("B0DUE%05d", i)
		_, err := store.EnsureSeries(asin, "", "")
		require.NoError(t, err)
		require.NoError(t, store.SetSeriesNextRefresh(asin, now.Add(-time.Minute)))
	}
	// One series is not due yet.
	_, err := store.EnsureSeries("B0LATER001", "", "")
	require.NoError(t, err)
	require.NoError(t, store.SetSeriesNextRefresh("B0LATER001", now.Add(time.Hour)))

	tr.enqueueDue()
	assert.Equal(t, 2, tr.QueueLen())

	probes := store.jobsOfKind(KindRefreshSeriesProbe.String())
	require.Len(t, probes, 2)
	for _, p := range probes {
		assert.Equal(t, "auto", p.Source)
		assert.Equal(t, datastore.JobStatusQueued, p.Status)
	}
}

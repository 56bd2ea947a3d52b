package tracker

import (
	"context"
	"time"
)

// rebalance redistributes every series' next check time evenly across one
// refresh cycle from the reference time. Series are walked in fetched-at
// order with never-fetched series first, so whatever has waited longest gets
// the earliest slot. The assignment is idempotent: re-running it at any time
// yields a valid schedule without knowing the previous one.
func (t *Tracker) rebalance(reference time.Time) (int, error) {
	entries, err := t.store.GetSchedule()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	interval := t.settings.Refresh.CycleDuration().Seconds() / float64(len(entries))
	if interval <= 0 {
		interval = t.settings.Refresh.CycleDuration().Seconds()
	}

	offsetAcc := interval
	for i := range entries {
		offset := time.Duration(offsetAcc) * time.Second
		if offset < time.Second {
			offset = time.Second
		}
		if err := t.store.SetSeriesNextRefresh(entries[i].ASIN, reference.Add(offset)); err != nil {
			return i, err
		}
		offsetAcc += interval
	}

	t.logger.Info("rebalanced refresh schedule", "series", len(entries),
		"cycle", t.settings.Refresh.CycleDuration())
	return len(entries), nil
}

// RescheduleAll spreads every series evenly across the manual refresh
// window, first slot immediately. Returns the number rescheduled.
func (t *Tracker) RescheduleAll() (int, error) {
	all, err := t.store.GetAllSeries()
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 0, nil
	}

	window := time.Duration(t.settings.Refresh.ManualIntervalMinutes) * time.Minute
	now := t.now()
	for i := range all {
		offset := time.Duration(float64(i) / float64(len(all)) * float64(window))
		if err := t.store.SetSeriesNextRefresh(all[i].ASIN, now.Add(offset)); err != nil {
			return i, err
		}
	}
	t.logger.Info("rescheduled all series", "series", len(all), "window", window)
	return len(all), nil
}

// schedulerLoop keeps the refresh distribution flowing: a full rebalance on
// start, then every tick it enqueues probes for whatever is due, bounded to
// a small batch so one tick cannot flood the queue. The loop exits when
// auto-refresh is administratively disabled.
func (t *Tracker) schedulerLoop(ctx context.Context) {
	defer func() {
		t.mu.Lock()
		t.schedulerRunning = false
		t.mu.Unlock()
		t.wg.Done()
	}()

	if _, err := t.rebalance(t.now()); err != nil {
		t.logger.Error("initial rebalance failed", "error", err)
	}

	t.logger.Info("refresh scheduler started",
		"interval", t.settings.Refresh.SchedulerInterval,
		"batch_size", t.settings.Refresh.BatchSize)

	ticker := time.NewTicker(t.settings.Refresh.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			if !t.settings.Refresh.AutoEnabled {
				t.logger.Info("auto refresh disabled, scheduler exiting")
				return
			}
			t.enqueueDue()
		}
	}
}

// enqueueDue pushes probes for series whose next refresh time has elapsed.
func (t *Tracker) enqueueDue() {
	due, err := t.store.GetDueSeries(t.now(), t.settings.Refresh.BatchSize)
	if err != nil {
		t.logger.Error("querying due series failed", "error", err)
		return
	}
	t.metrics.SchedulerBatchSize.Observe(float64(len(due)))
	for _, asin := range due {
		if _, err := t.EnqueueProbe(asin, "auto"); err != nil {
			t.logger.Error("enqueueing probe failed", "asin", asin, "error", err)
		}
	}
	if len(due) > 0 && t.settings.Debug {
		t.logger.Debug("enqueued due probes", "count", len(due))
	}
}

package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/serieswatch/serieswatch-go/internal/datastore"
	"github.com/serieswatch/serieswatch-go/internal/errors"
)

// popTimeout bounds how long the worker blocks on an empty queue before
// re-checking for shutdown.
const popTimeout = 500 * time.Millisecond

// JobKind enumerates the dispatchable background job kinds.
type JobKind int

const (
	KindTest JobKind = iota
	KindFetchSeriesBooks
	KindRefreshSeriesProbe
	KindDeleteSeries
	KindRescheduleAllSeries
)

// String returns the kind's persisted name.
func (k JobKind) String() string {
	switch k {
	case KindTest:
		return "test_job"
	case KindFetchSeriesBooks:
		return "fetch_series_books"
	case KindRefreshSeriesProbe:
		return "refresh_series_probe"
	case KindDeleteSeries:
		return "delete_series"
	case KindRescheduleAllSeries:
		return "reschedule_all_series"
	default:
		return "unknown"
	}
}

// job is one queued work item. The audit record lives in the store; this
// carries only what the handler needs.
type job struct {
	id       string
	kind     JobKind
	asin     string
	username string
	source   string
	delay    time.Duration
}

// jobQueue is an unbounded in-memory FIFO. Push never blocks; pop blocks up
// to a timeout when the queue is empty.
type jobQueue struct {
	mu    sync.Mutex
	items []job
	wake  chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{wake: make(chan struct{}, 1)}
}

func (q *jobQueue) push(j job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *jobQueue) pop(timeout time.Duration) (job, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			j := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return j, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-deadline.C:
			return job{}, false
		}
	}
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// workerLoop drains the queue strictly sequentially. One fetch pipeline at a
// time bounds upstream concurrency; the catalog client's rate limiter
// throttles below that.
func (t *Tracker) workerLoop(ctx context.Context) {
	defer t.wg.Done()
	t.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("worker stopped")
			return
		default:
		}
		j, ok := t.queue.pop(popTimeout)
		if !ok {
			continue
		}
		t.execute(ctx, j)
	}
}

// execute runs one job and records its terminal state. Handler errors and
// panics never escape: one bad series cannot stop the worker.
func (t *Tracker) execute(ctx context.Context, j job) {
	start := t.now()
	if err := t.store.MarkJobRunning(j.id, start); err != nil {
		t.logger.Error("failed to mark job running", "job_id", j.id, "error", err)
	}

	result, err := t.dispatch(ctx, j)
	finished := t.now()
	t.metrics.JobDuration.WithLabelValues(j.kind.String()).Observe(finished.Sub(start).Seconds())

	if err != nil {
		t.metrics.JobsProcessed.WithLabelValues(j.kind.String(), datastore.JobStatusError).Inc()
		t.logger.Error("job failed", "job_id", j.id, "kind", j.kind.String(), "asin", j.asin, "error", err)
		if ferr := t.store.FailJob(j.id, err.Error(), finished); ferr != nil {
			t.logger.Error("failed to record job error", "job_id", j.id, "error", ferr)
		}
		return
	}

	t.metrics.JobsProcessed.WithLabelValues(j.kind.String(), datastore.JobStatusDone).Inc()
	if t.settings.Debug {
		t.logger.Debug("job done", "job_id", j.id, "kind", j.kind.String(), "asin", j.asin)
	}
	if ferr := t.store.FinishJob(j.id, result, finished); ferr != nil {
		t.logger.Error("failed to record job result", "job_id", j.id, "error", ferr)
	}
}

// dispatch routes a job to its handler. The recover converts a handler panic
// into a terminal error job.
func (t *Tracker) dispatch(ctx context.Context, j job) (result datastore.ResultMap, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job handler panicked: %v", r).
				Component("tracker").
				Category(errors.CategoryJobQueue).
				Context("job_id", j.id).
				Context("kind", j.kind.String()).
				Build()
		}
	}()

	switch j.kind {
	case KindTest:
		return t.runTest(ctx)
	case KindFetchSeriesBooks:
		return t.runFetch(ctx, j.asin, j.username)
	case KindRefreshSeriesProbe:
		return t.runProbe(ctx, j.asin)
	case KindDeleteSeries:
		return t.runDelete(j.asin, j.username)
	case KindRescheduleAllSeries:
		return t.runRescheduleAll(ctx, j.delay)
	default:
		return nil, errors.Newf("unknown job kind %d", j.kind).
			Component("tracker").
			Category(errors.CategoryJobQueue).
			Build()
	}
}

// runTest is a no-op diagnostic handler.
func (t *Tracker) runTest(ctx context.Context) (datastore.ResultMap, error) {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return datastore.ResultMap{"message": "ok"}, nil
}

// runDelete removes the series and every subscription referencing it.
func (t *Tracker) runDelete(asin, username string) (datastore.ResultMap, error) {
	seriesDeleted, entriesRemoved, err := t.store.DeleteSeries(asin)
	if err != nil {
		return nil, err
	}
	t.logger.Info("series deleted", "asin", asin, "requested_by", username,
		"entries_removed", entriesRemoved)
	return datastore.ResultMap{
		"series_deleted":          seriesDeleted,
		"library_entries_removed": entriesRemoved,
		"asin":                    asin,
		"requested_by":            username,
	}, nil
}

// runRescheduleAll optionally waits a configured delay, then rebalances the
// full refresh schedule. Used as a deferred follow-up after a bulk refresh so
// probes have time to complete before redistribution.
func (t *Tracker) runRescheduleAll(ctx context.Context, delay time.Duration) (datastore.ResultMap, error) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	count, err := t.rebalance(t.now())
	if err != nil {
		return nil, err
	}
	return datastore.ResultMap{"count": count}, nil
}

// Package tracker implements the background subsystem of the series watcher:
// the job queue and its sequential worker, the refresh distribution
// scheduler, the change probe and the notification dedup engine.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serieswatch/serieswatch-go/internal/catalog"
	"github.com/serieswatch/serieswatch-go/internal/conf"
	"github.com/serieswatch/serieswatch-go/internal/datastore"
	"github.com/serieswatch/serieswatch-go/internal/logging"
	"github.com/serieswatch/serieswatch-go/internal/notify"
	"github.com/serieswatch/serieswatch-go/internal/observability"
)

// stopTimeout bounds how long Stop waits for in-flight work to finish.
const stopTimeout = 2 * time.Second

// Tracker is the background service object. Construct one per process and
// hand it to whatever exposes the enqueue operations.
type Tracker struct {
	settings *conf.Settings
	store    datastore.Interface
	catalog  catalog.Client
	sender   notify.Sender
	metrics  *observability.Metrics
	logger   *slog.Logger
	logClose func() error

	queue *jobQueue

	mu               sync.Mutex
	running          bool
	schedulerRunning bool
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup

	// now is the clock; tests substitute a fixed one.
	now func() time.Time
}

// New creates a tracker wired to the given collaborators. When file logging
// is enabled the tracker writes its service log through a rotated file
// logger; otherwise it logs through the process-wide structured logger.
func New(settings *conf.Settings, store datastore.Interface, client catalog.Client,
	sender notify.Sender, metrics *observability.Metrics) *Tracker {
	logger := logging.ForService("tracker")
	var logClose func() error
	if settings.Main.Log.Enabled {
		level := slog.LevelInfo
		if settings.Debug {
			level = slog.LevelDebug
		}
		fileLogger, closeFunc, err := logging.NewFileLogger(settings.Main.Log.Path, "tracker", level, &settings.Main.Log)
		if err != nil {
			logger.Warn("file logging disabled", "path", settings.Main.Log.Path, "error", err)
		} else {
			logger = fileLogger
			logClose = closeFunc
		}
	}
	return &Tracker{
		settings: settings,
		store:    store,
		catalog:  client,
		sender:   sender,
		metrics:  metrics,
		logger:   logger,
		logClose: logClose,
		queue:    newJobQueue(),
		now:      time.Now,
	}
}

// Start launches the worker, notifier and prune loops, plus the refresh
// scheduler when auto-refresh is enabled. Calling Start on a running tracker
// is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.running = true

	t.wg.Add(2)
	go t.workerLoop(t.ctx)
	go t.notifierLoop(t.ctx)

	if t.settings.Jobs.PruneInterval > 0 {
		t.wg.Add(1)
		go t.pruneLoop(t.ctx)
	}

	if t.settings.Refresh.AutoEnabled {
		t.startSchedulerLocked()
	}
}

// Stop signals every loop and joins them with a short timeout. In-flight
// work is allowed to finish; it is never forcibly killed.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.logger.Info("tracker stopped")
	case <-time.After(stopTimeout):
		t.logger.Warn("timed out waiting for tracker loops to stop")
	}

	// Flush the rotated file logger, if one was opened. Lumberjack reopens
	// the file on the next write, so a later Start still logs.
	if t.logClose != nil {
		if err := t.logClose(); err != nil {
			slog.Warn("closing tracker log file failed", "error", err)
		}
	}
}

// EnsureSchedulerRunning starts the refresh scheduler if auto-refresh is
// enabled and it is not already running. With rebalance true the full
// schedule is redistributed first, so toggling the setting on takes effect
// immediately instead of waiting a full cycle.
func (t *Tracker) EnsureSchedulerRunning(rebalance bool) {
	if !t.settings.Refresh.AutoEnabled {
		return
	}
	if rebalance {
		if _, err := t.rebalance(t.now()); err != nil {
			t.logger.Error("rebalance failed", "error", err)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.schedulerRunning {
		return
	}
	t.startSchedulerLocked()
}

func (t *Tracker) startSchedulerLocked() {
	t.schedulerRunning = true
	t.wg.Add(1)
	go t.schedulerLoop(t.ctx)
}

// QueueLen reports the number of jobs waiting in the queue.
func (t *Tracker) QueueLen() int {
	return t.queue.len()
}

// EnqueueFetch queues a full expansion fetch for one series on behalf of a
// user and returns the audit job id.
func (t *Tracker) EnqueueFetch(username, asin string) (string, error) {
	return t.enqueue(job{
		kind:     KindFetchSeriesBooks,
		asin:     asin,
		username: username,
		source:   "manual",
	})
}

// EnqueueProbe queues a change probe for one series.
func (t *Tracker) EnqueueProbe(asin, source string) (string, error) {
	if source == "" {
		source = "auto"
	}
	return t.enqueue(job{
		kind:   KindRefreshSeriesProbe,
		asin:   asin,
		source: source,
	})
}

// EnqueueDelete queues removal of a series and all its subscriptions.
func (t *Tracker) EnqueueDelete(username, asin string) (string, error) {
	return t.enqueue(job{
		kind:     KindDeleteSeries,
		asin:     asin,
		username: username,
	})
}

// EnqueueTest queues a no-op diagnostic job.
func (t *Tracker) EnqueueTest() (string, error) {
	return t.enqueue(job{kind: KindTest})
}

// enqueueRescheduleAll queues a deferred full rebalance.
func (t *Tracker) enqueueRescheduleAll(delay time.Duration, source string) (string, error) {
	return t.enqueue(job{
		kind:   KindRescheduleAllSeries,
		source: source,
		delay:  delay,
	})
}

// enqueue inserts the audit record and pushes the work item. The audit row
// exists for operators; a crash between insert and push only loses the
// queued work, which the scheduler re-enqueues when it is still due.
func (t *Tracker) enqueue(j job) (string, error) {
	j.id = uuid.NewString()
	record := datastore.Job{
		ID:          j.id,
		Kind:        j.kind.String(),
		Status:      datastore.JobStatusQueued,
		SeriesASIN:  j.asin,
		SeriesTitle: t.seriesTitle(j.asin),
		Username:    j.username,
		Source:      j.source,
		CreatedAt:   t.now(),
	}
	if err := t.store.InsertJob(&record); err != nil {
		return "", err
	}
	t.queue.push(j)
	return j.id, nil
}

// RefreshAll enqueues a probe for every known series plus a deferred
// reschedule so the distribution is rebuilt once the burst has drained.
func (t *Tracker) RefreshAll(source string) (int, []string, error) {
	if source == "" {
		source = "manual"
	}
	all, err := t.store.GetAllSeries()
	if err != nil {
		return 0, nil, err
	}
	jobIDs := make([]string, 0, len(all)+1)
	for i := range all {
		id, err := t.EnqueueProbe(all[i].ASIN, source)
		if err != nil {
			return len(jobIDs), jobIDs, err
		}
		jobIDs = append(jobIDs, id)
	}
	if len(all) > 0 {
		id, err := t.enqueueRescheduleAll(t.settings.Refresh.RescheduleDelay, source)
		if err != nil {
			return len(jobIDs), jobIDs, err
		}
		jobIDs = append(jobIDs, id)
	}
	t.logger.Info("refresh all enqueued", "series", len(all), "source", source)
	return len(all), jobIDs, nil
}

// pruneLoop applies the job retention policy periodically.
func (t *Tracker) pruneLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.settings.Jobs.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := t.store.PruneJobs(t.settings.Jobs.MaxHistory)
			if err != nil {
				t.logger.Error("job prune failed", "error", err)
				continue
			}
			if removed > 0 {
				t.logger.Info("pruned job history", "removed", removed,
					"kept", t.settings.Jobs.MaxHistory)
			}
		}
	}
}

// seriesTitle returns a display title for audit records.
func (t *Tracker) seriesTitle(asin string) string {
	if asin == "" {
		return ""
	}
	series, err := t.store.GetSeries(asin)
	if err != nil || series.Title == "" {
		return fmt.Sprintf("Series %s", asin)
	}
	return series.Title
}

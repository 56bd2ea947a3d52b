package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/serieswatch/serieswatch-go/internal/datastore"
	"github.com/serieswatch/serieswatch-go/internal/notify"
)

// Audit record kinds for notification attempts. Always written, success or
// not, so operators can diagnose delivery failures.
const (
	auditNewAudiobook = "new_audiobook_notification"
	auditRelease      = "release_notification"
)

// notifierLoop runs the release sweep and the new-item sweep back to back on
// an independent timer, decoupled from the refresh cycle.
func (t *Tracker) notifierLoop(ctx context.Context) {
	defer t.wg.Done()
	t.logger.Info("notifier started", "sweep_interval", t.settings.Notify.SweepInterval)
	ticker := time.NewTicker(t.settings.Notify.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("notifier stopped")
			return
		case <-ticker.C:
			t.releaseSweep(ctx)
			t.newItemSweep(ctx)
		}
	}
}

// sendSeriesNotifications is the inline trigger, invoked from a probe or a
// manual fetch with the before/after book lists. When the series had no
// books at all before, every notification is suppressed: the initial
// population of a back-catalog is not news.
func (t *Tracker) sendSeriesNotifications(ctx context.Context, seriesASIN, seriesTitle string, oldBooks, newBooks []datastore.Book) {
	oldSet := bookASINSet(oldBooks)
	if len(oldSet) == 0 {
		return
	}

	visible := visibleBooks(newBooks)
	var discovered []datastore.Book
	for i := range visible {
		if visible[i].ASIN == "" {
			continue
		}
		if _, ok := oldSet[visible[i].ASIN]; !ok {
			discovered = append(discovered, visible[i])
		}
	}
	if len(discovered) == 0 {
		return
	}

	now := t.now()
	var releaseCandidates []datastore.Book
	for i := range discovered {
		if isReleaseCandidate(&discovered[i], now, t.settings.Notify.ReleaseWindow) {
			releaseCandidates = append(releaseCandidates, discovered[i])
		}
	}

	entries, err := t.store.GetEntriesForSeries(seriesASIN)
	if err != nil {
		t.logger.Error("loading subscriptions failed", "asin", seriesASIN, "error", err)
		return
	}

	users := newUserCache(t.store)
	for i := range entries {
		entry := &entries[i]
		prefs := users.prefs(entry.Username)
		if prefs == nil {
			continue
		}

		if prefs.NotifyNewAudiobook {
			var pending []datastore.Book
			for j := range discovered {
				if !entry.NotifiedNewASINs.Contains(discovered[j].ASIN) {
					pending = append(pending, discovered[j])
				}
			}
			if len(pending) > 0 {
				t.deliverNewItems(ctx, entry, prefs.URLs, seriesASIN, seriesTitle, pending, false)
			}
		}

		if prefs.NotifyRelease {
			var pending []datastore.Book
			for j := range releaseCandidates {
				if !entry.NotifiedReleases.Contains(releaseCandidates[j].ASIN) {
					pending = append(pending, releaseCandidates[j])
				}
			}
			if len(pending) > 0 {
				t.deliverReleases(ctx, entry, prefs.URLs, seriesASIN, seriesTitle, pending)
			}
		}
	}
}

// releaseSweep scans every subscription for books whose effective
// publication time has just elapsed and have not been announced yet.
func (t *Tracker) releaseSweep(ctx context.Context) {
	entries, err := t.store.GetAllEntries()
	if err != nil {
		t.logger.Error("release sweep: loading entries failed", "error", err)
		return
	}

	now := t.now()
	users := newUserCache(t.store)
	series := newSeriesCache(t.store)

	for i := range entries {
		entry := &entries[i]
		prefs := users.prefs(entry.Username)
		if prefs == nil || !prefs.NotifyRelease {
			continue
		}
		doc := series.get(entry.SeriesASIN)
		if doc == nil {
			continue
		}

		var pending []datastore.Book
		for _, book := range visibleBooks(doc.Books) {
			if book.ASIN == "" || entry.NotifiedReleases.Contains(book.ASIN) {
				continue
			}
			if isReleaseCandidate(&book, now, t.settings.Notify.ReleaseWindow) {
				pending = append(pending, book)
			}
		}
		if len(pending) == 0 {
			continue
		}
		t.deliverReleases(ctx, entry, prefs.URLs, entry.SeriesASIN, seriesDisplayTitle(doc), pending)
	}
}

// newItemSweep compares each subscription's recorded identifiers against the
// series' current visible set. Uninitialized entries get the current set as
// a baseline with nothing sent; initialized entries get one batched
// notification and then the entire current set persisted, which makes the
// sweep self-healing against missed updates.
func (t *Tracker) newItemSweep(ctx context.Context) {
	entries, err := t.store.GetAllEntries()
	if err != nil {
		t.logger.Error("new-item sweep: loading entries failed", "error", err)
		return
	}

	users := newUserCache(t.store)
	series := newSeriesCache(t.store)

	for i := range entries {
		entry := &entries[i]
		prefs := users.prefs(entry.Username)
		if prefs == nil || !prefs.NotifyNewAudiobook {
			continue
		}
		doc := series.get(entry.SeriesASIN)
		if doc == nil {
			continue
		}

		visible := visibleBooks(doc.Books)
		currentIDs := make([]string, 0, len(visible))
		for j := range visible {
			if visible[j].ASIN != "" {
				currentIDs = append(currentIDs, visible[j].ASIN)
			}
		}

		if !entry.NotifiedNewInitialized {
			if err := t.store.SetNotifiedNewBaseline(entry.ID, currentIDs); err != nil {
				t.logger.Error("setting notification baseline failed",
					"entry", entry.ID, "error", err)
			}
			continue
		}

		var pending []datastore.Book
		for j := range visible {
			if visible[j].ASIN != "" && !entry.NotifiedNewASINs.Contains(visible[j].ASIN) {
				pending = append(pending, visible[j])
			}
		}
		if len(pending) == 0 {
			continue
		}
		t.deliverNewItems(ctx, entry, prefs.URLs, entry.SeriesASIN, seriesDisplayTitle(doc), pending, true)
	}
}

// deliverNewItems sends one batched "new audiobook" message and advances the
// dedup ledger only on definite success. With persistFullSet true the entire
// current visible set replaces the ledger instead of just the delta.
func (t *Tracker) deliverNewItems(ctx context.Context, entry *datastore.LibraryEntry, urls []string, seriesASIN, seriesTitle string, pending []datastore.Book, persistFullSet bool) {
	titles := make([]string, 0, len(pending))
	asins := make([]string, 0, len(pending))
	var attachments []string
	for i := range pending {
		title := pending[i].Title
		if title == "" {
			title = pending[i].ASIN
		}
		titles = append(titles, title)
		asins = append(asins, pending[i].ASIN)
		if pending[i].Image != "" {
			attachments = append(attachments, pending[i].Image)
		}
	}
	body := fmt.Sprintf("New audiobooks found in '%s':\n- %s",
		seriesTitle, strings.Join(titles, "\n- "))

	sendErr := t.sender.Send(ctx, urls, &notify.Message{
		Title:       "New Audiobook(s)",
		Body:        body,
		Attachments: attachments,
	})

	if sendErr == nil {
		if persistFullSet {
			merged, _ := entry.NotifiedNewASINs.Union(asins)
			if err := t.store.SetNotifiedNewBaseline(entry.ID, merged); err != nil {
				t.logger.Error("persisting new-item ledger failed", "entry", entry.ID, "error", err)
			}
		} else {
			if err := t.store.AddNotifiedNewASINs(entry.ID, asins); err != nil {
				t.logger.Error("updating new-item ledger failed", "entry", entry.ID, "error", err)
			}
		}
		t.metrics.NotificationsTotal.WithLabelValues("new_audiobook", "sent").Inc()
	} else {
		t.metrics.NotificationsTotal.WithLabelValues("new_audiobook", "failed").Inc()
		t.logger.Warn("new audiobook notification failed",
			"user", entry.Username, "series", seriesASIN, "error", sendErr)
	}

	t.recordNotificationAudit(auditNewAudiobook, seriesASIN, seriesTitle, entry.Username, body, asins, sendErr)
}

// deliverReleases sends one batched "release" message and advances the
// release ledger only on definite success.
func (t *Tracker) deliverReleases(ctx context.Context, entry *datastore.LibraryEntry, urls []string, seriesASIN, seriesTitle string, pending []datastore.Book) {
	lines := make([]string, 0, len(pending))
	asins := make([]string, 0, len(pending))
	for i := range pending {
		title := pending[i].Title
		if title == "" {
			title = pending[i].ASIN
		}
		if pending[i].ReleaseDate != "" {
			lines = append(lines, fmt.Sprintf("%s (release date %s)", title, pending[i].ReleaseDate))
		} else {
			lines = append(lines, title)
		}
		asins = append(asins, pending[i].ASIN)
	}
	body := fmt.Sprintf("Audiobooks releasing in '%s':\n- %s",
		seriesTitle, strings.Join(lines, "\n- "))

	sendErr := t.sender.Send(ctx, urls, &notify.Message{
		Title: "Audiobook Release",
		Body:  body,
	})

	if sendErr == nil {
		if err := t.store.AddNotifiedReleases(entry.ID, asins); err != nil {
			t.logger.Error("updating release ledger failed", "entry", entry.ID, "error", err)
		}
		t.metrics.NotificationsTotal.WithLabelValues("release", "sent").Inc()
	} else {
		t.metrics.NotificationsTotal.WithLabelValues("release", "failed").Inc()
		t.logger.Warn("release notification failed",
			"user", entry.Username, "series", seriesASIN, "error", sendErr)
	}

	t.recordNotificationAudit(auditRelease, seriesASIN, seriesTitle, entry.Username, body, asins, sendErr)
}

// recordNotificationAudit writes the append-only audit record for one
// notification attempt.
func (t *Tracker) recordNotificationAudit(kind, seriesASIN, seriesTitle, username, body string, asins []string, sendErr error) {
	now := t.now()
	record := datastore.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		SeriesASIN:  seriesASIN,
		SeriesTitle: seriesTitle,
		Username:    username,
		Source:      "notifier",
		Result: datastore.ResultMap{
			"notified_asins": asins,
			"body":           body,
		},
		CreatedAt:  now,
		FinishedAt: &now,
	}
	if sendErr != nil {
		record.Status = datastore.JobStatusError
		record.Error = sendErr.Error()
	} else {
		record.Status = datastore.JobStatusDone
	}
	if err := t.store.InsertJob(&record); err != nil {
		t.logger.Error("recording notification audit failed", "kind", kind, "error", err)
	}
}

// userCache memoizes per-sweep user lookups and filters down to users who
// can actually receive anything.
type userCache struct {
	store datastore.Interface
	seen  map[string]*datastore.NotificationPrefs
}

func newUserCache(store datastore.Interface) *userCache {
	return &userCache{store: store, seen: make(map[string]*datastore.NotificationPrefs)}
}

// prefs returns the user's notification preferences, or nil when the user is
// missing, disabled, or has no destinations configured.
func (c *userCache) prefs(username string) *datastore.NotificationPrefs {
	if username == "" {
		return nil
	}
	if cached, ok := c.seen[username]; ok {
		return cached
	}
	// Missing users and lookup errors both mean "cannot notify" this sweep.
	var result *datastore.NotificationPrefs
	user, err := c.store.GetUser(username)
	if err == nil && user.Notifications.Enabled {
		urls := make([]string, 0, len(user.Notifications.URLs))
		for _, u := range user.Notifications.URLs {
			if strings.TrimSpace(u) != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			prefs := user.Notifications
			prefs.URLs = urls
			result = &prefs
		}
	}
	c.seen[username] = result
	return result
}

// seriesCache memoizes per-sweep series lookups.
type seriesCache struct {
	store datastore.Interface
	seen  map[string]*datastore.Series
}

func newSeriesCache(store datastore.Interface) *seriesCache {
	return &seriesCache{store: store, seen: make(map[string]*datastore.Series)}
}

func (c *seriesCache) get(asin string) *datastore.Series {
	if cached, ok := c.seen[asin]; ok {
		return cached
	}
	series, err := c.store.GetSeries(asin)
	if err != nil {
		series = nil
	}
	c.seen[asin] = series
	return series
}

func seriesDisplayTitle(series *datastore.Series) string {
	if series.Title != "" {
		return series.Title
	}
	return fmt.Sprintf("Series %s", series.ASIN)
}

package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/serieswatch/serieswatch-go/internal/catalog"
	"github.com/serieswatch/serieswatch-go/internal/conf"
	"github.com/serieswatch/serieswatch-go/internal/datastore"
	"github.com/serieswatch/serieswatch-go/internal/notify"
	"github.com/serieswatch/serieswatch-go/internal/observability"
)

// fakeStore is an in-memory datastore.Interface for tests.
type fakeStore struct {
	mu          sync.Mutex
	series      map[string]*datastore.Series
	entries     map[uint]*datastore.LibraryEntry
	users       map[string]*datastore.User
	jobs        map[string]*datastore.Job
	jobOrder    []string
	nextEntryID uint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		series:  make(map[string]*datastore.Series),
		entries: make(map[uint]*datastore.LibraryEntry),
		users:   make(map[string]*datastore.User),
		jobs:    make(map[string]*datastore.Job),
	}
}

func (s *fakeStore) Open() error  { return nil }
func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) GetSeries(asin string) (*datastore.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.series[asin]
	if !ok {
		return nil, datastore.ErrSeriesNotFound
	}
	copied := *doc
	return &copied, nil
}

func (s *fakeStore) GetAllSeries() ([]datastore.Series, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.Series
	for _, doc := range s.series {
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ASIN < out[j].ASIN })
	return out, nil
}

func (s *fakeStore) GetSchedule() ([]datastore.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.ScheduleEntry
	for _, doc := range s.series {
		out = append(out, datastore.ScheduleEntry{ASIN: doc.ASIN, FetchedAt: doc.FetchedAt})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].FetchedAt, out[j].FetchedAt
		switch {
		case a == nil && b == nil:
			return out[i].ASIN < out[j].ASIN
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return out, nil
}

func (s *fakeStore) GetDueSeries(now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type due struct {
		asin string
		at   time.Time
	}
	var candidates []due
	for _, doc := range s.series {
		if doc.NextRefreshAt != nil && !doc.NextRefreshAt.After(now) {
			candidates = append(candidates, due{doc.ASIN, *doc.NextRefreshAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	var out []string
	for i := 0; i < len(candidates) && i < limit; i++ {
		out = append(out, candidates[i].asin)
	}
	return out, nil
}

func (s *fakeStore) EnsureSeries(asin, title, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.series[asin]; ok {
		if title != "" {
			doc.Title = title
		}
		if url != "" {
			doc.URL = url
		}
		return false, nil
	}
	s.series[asin] = &datastore.Series{ASIN: asin, Title: title, URL: url}
	return true, nil
}

func (s *fakeStore) SetSeriesBooks(asin string, books []datastore.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.mustSeries(asin)
	doc.Books = append(datastore.BookList{}, books...)
	return nil
}

func (s *fakeStore) SetSeriesRaw(asin string, raw datastore.RawDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustSeries(asin).Raw = raw
	return nil
}

func (s *fakeStore) SetSeriesNarratorWarnings(asin string, warnings []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustSeries(asin).NarratorWarnings = warnings
	return nil
}

func (s *fakeStore) TouchSeriesFetched(asin string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := at
	s.mustSeries(asin).FetchedAt = &t
	return nil
}

func (s *fakeStore) SetSeriesNextRefresh(asin string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := when
	s.mustSeries(asin).NextRefreshAt = &t
	return nil
}

func (s *fakeStore) DeleteSeries(asin string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seriesDeleted, entriesRemoved int64
	if _, ok := s.series[asin]; ok {
		delete(s.series, asin)
		seriesDeleted = 1
	}
	for id, entry := range s.entries {
		if entry.SeriesASIN == asin {
			delete(s.entries, id)
			entriesRemoved++
		}
	}
	return seriesDeleted, entriesRemoved, nil
}

func (s *fakeStore) AdjustSeriesUserCount(asin string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.mustSeries(asin)
	doc.UserCount += delta
	if doc.UserCount < 0 {
		doc.UserCount = 0
	}
	return nil
}

func (s *fakeStore) RebuildSeriesUserCounts() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, entry := range s.entries {
		counts[entry.SeriesASIN]++
	}
	for _, doc := range s.series {
		doc.UserCount = counts[doc.ASIN]
	}
	return nil
}

func (s *fakeStore) GetEntriesForSeries(asin string) ([]datastore.LibraryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.LibraryEntry
	for _, entry := range s.entries {
		if entry.SeriesASIN == asin {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetAllEntries() ([]datastore.LibraryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.LibraryEntry
	for _, entry := range s.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) CreateEntry(entry *datastore.LibraryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEntryID++
	entry.ID = s.nextEntryID
	if entry.NotifiedNewASINs == nil {
		entry.NotifiedNewASINs = datastore.StringList{}
	}
	if entry.NotifiedReleases == nil {
		entry.NotifiedReleases = datastore.StringList{}
	}
	copied := *entry
	s.entries[entry.ID] = &copied
	return nil
}

func (s *fakeStore) DeleteEntry(username, seriesASIN string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, entry := range s.entries {
		if entry.Username == username && entry.SeriesASIN == seriesASIN {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (s *fakeStore) AddNotifiedNewASINs(entryID uint, asins []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return datastore.ErrEntryNotFound
	}
	entry.NotifiedNewASINs, _ = entry.NotifiedNewASINs.Union(asins)
	return nil
}

func (s *fakeStore) AddNotifiedReleases(entryID uint, asins []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return datastore.ErrEntryNotFound
	}
	entry.NotifiedReleases, _ = entry.NotifiedReleases.Union(asins)
	return nil
}

func (s *fakeStore) SetNotifiedNewBaseline(entryID uint, asins []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return datastore.ErrEntryNotFound
	}
	entry.NotifiedNewASINs = append(datastore.StringList{}, asins...)
	entry.NotifiedNewInitialized = true
	return nil
}

func (s *fakeStore) ClearNotifiedASIN(seriesASIN, bookASIN string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.SeriesASIN != seriesASIN {
			continue
		}
		entry.NotifiedNewASINs = entry.NotifiedNewASINs.Without(bookASIN)
		entry.NotifiedReleases = entry.NotifiedReleases.Without(bookASIN)
	}
	return nil
}

func (s *fakeStore) GetUser(username string) (*datastore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return nil, datastore.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *fakeStore) SaveUser(user *datastore.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *user
	s.users[user.Username] = &copied
	return nil
}

func (s *fakeStore) InsertJob(jobRecord *datastore.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *jobRecord
	s.jobs[jobRecord.ID] = &copied
	s.jobOrder = append(s.jobOrder, jobRecord.ID)
	return nil
}

func (s *fakeStore) MarkJobRunning(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobRecord, ok := s.jobs[id]; ok {
		jobRecord.Status = datastore.JobStatusRunning
		t := at
		jobRecord.StartedAt = &t
	}
	return nil
}

func (s *fakeStore) FinishJob(id string, result datastore.ResultMap, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobRecord, ok := s.jobs[id]; ok {
		jobRecord.Status = datastore.JobStatusDone
		jobRecord.Result = result
		t := at
		jobRecord.FinishedAt = &t
	}
	return nil
}

func (s *fakeStore) FailJob(id string, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobRecord, ok := s.jobs[id]; ok {
		jobRecord.Status = datastore.JobStatusError
		jobRecord.Error = errMsg
		t := at
		jobRecord.FinishedAt = &t
	}
	return nil
}

func (s *fakeStore) GetJob(id string) (*datastore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobRecord, ok := s.jobs[id]
	if !ok {
		return nil, datastore.ErrJobNotFound
	}
	copied := *jobRecord
	return &copied, nil
}

func (s *fakeStore) GetRecentJobs(limit int) ([]datastore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.Job
	for i := len(s.jobOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.jobs[s.jobOrder[i]])
	}
	return out, nil
}

func (s *fakeStore) PruneJobs(keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobOrder) <= keep {
		return 0, nil
	}
	removed := int64(len(s.jobOrder) - keep)
	for _, id := range s.jobOrder[:len(s.jobOrder)-keep] {
		delete(s.jobs, id)
	}
	s.jobOrder = s.jobOrder[len(s.jobOrder)-keep:]
	return removed, nil
}

func (s *fakeStore) mustSeries(asin string) *datastore.Series {
	doc, ok := s.series[asin]
	if !ok {
		doc = &datastore.Series{ASIN: asin}
		s.series[asin] = doc
	}
	return doc
}

func (s *fakeStore) jobsOfKind(kind string) []datastore.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.Job
	for _, id := range s.jobOrder {
		if s.jobs[id].Kind == kind {
			out = append(out, *s.jobs[id])
		}
	}
	return out
}

func (s *fakeStore) entry(id uint) datastore.LibraryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[id]
}

// fakeCatalog serves canned products.
type fakeCatalog struct {
	mu       sync.Mutex
	products map[string]*catalog.Product
	calls    []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{products: make(map[string]*catalog.Product)}
}

func (c *fakeCatalog) GetProduct(_ context.Context, asin string) (*catalog.Product, error) {
	c.mu.Lock()
	c.calls = append(c.calls, asin)
	product, ok := c.products[asin]
	c.mu.Unlock()
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return product, nil
}

func (c *fakeCatalog) put(product *catalog.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[product.ASIN] = product
}

// fakeSender records deliveries.
type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Message
	fail bool
}

func (f *fakeSender) Send(_ context.Context, urls []string, msg *notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("channel down")
	}
	f.sent = append(f.sent, *msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) messages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message{}, f.sent...)
}

func testTrackerSettings() *conf.Settings {
	return &conf.Settings{
		Refresh: conf.RefreshSettings{
			AutoEnabled:           false,
			CycleSeconds:          86400,
			SchedulerInterval:     50 * time.Millisecond,
			BatchSize:             10,
			ManualIntervalMinutes: 60,
		},
		Notify: conf.NotifySettings{
			SweepInterval: 50 * time.Millisecond,
			ReleaseWindow: 24 * time.Hour,
			SendTimeout:   time.Second,
		},
		Jobs: conf.JobSettings{MaxHistory: 100},
	}
}

// newTestTracker wires a tracker to in-memory fakes with a fixed clock.
func newTestTracker(t *testing.T) (*Tracker, *fakeStore, *fakeCatalog, *fakeSender, time.Time) {
	t.Helper()
	store := newFakeStore()
	cat := newFakeCatalog()
	sender := &fakeSender{}
	tr := New(testTrackerSettings(), store, cat, sender, observability.NewMetrics())
	fixed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }
	return tr, store, cat, sender, fixed
}

// seriesParent builds a series-container product whose raw snapshot matches
// its relationship list, the shape storedRelationships reads back.
func seriesParent(asin string, children ...catalog.Relationship) *catalog.Product {
	raw, _ := json.Marshal(map[string]any{
		"asin":                  asin,
		"content_delivery_type": catalog.DeliveryBookSeries,
		"relationships":         children,
	})
	return &catalog.Product{
		ASIN:                asin,
		Title:               "Series " + asin,
		ContentDeliveryType: catalog.DeliveryBookSeries,
		Relationships:       children,
		Raw:                 raw,
	}
}

func childRel(asin string, seq int) catalog.Relationship {
	return catalog.Relationship{
		ASIN:                  asin,
		RelationshipToProduct: catalog.RelationChild,
		RelationshipType:      catalog.RelationSeries,
		Sequence:              catalog.StringOrNumber(fmt.Sprintf("%d", seq)),
		Title:                 "Book " + asin,
	}
}

func bookProduct(asin, title, releaseDate, pubDatetime string) *catalog.Product {
	raw, _ := json.Marshal(map[string]string{"asin": asin})
	return &catalog.Product{
		ASIN:                asin,
		Title:               title,
		ReleaseDate:         releaseDate,
		PublicationDatetime: pubDatetime,
		Narrators:           []catalog.Narrator{{Name: "Narrator A"}},
		ProductImages:       map[string]string{"500": "https://img.example.com/" + asin + ".jpg"},
		Raw:                 raw,
	}
}

func addSubscriber(t *testing.T, store *fakeStore, username, seriesASIN string, initialized bool, notified ...string) uint {
	t.Helper()
	require.NoError(t, store.SaveUser(&datastore.User{
		Username: username,
		Notifications: datastore.NotificationPrefs{
			Enabled:            true,
			URLs:               []string{"generic://example.invalid/hook"},
			NotifyNewAudiobook: true,
			NotifyRelease:      true,
		},
	}))
	entry := datastore.LibraryEntry{
		Username:               username,
		SeriesASIN:             seriesASIN,
		NotifiedNewASINs:       append(datastore.StringList{}, notified...),
		NotifiedNewInitialized: initialized,
	}
	require.NoError(t, store.CreateEntry(&entry))
	return entry.ID
}

func TestJobQueueFIFO(t *testing.T) {
	q := newJobQueue()
	for i := 0; i < 5; i++ {
		q.push(job{asin: fmt.Sprintf("A%d", i)})
	}
	for i := 0; i < 5; i++ {
		j, ok := q.pop(10 * time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("A%d", i), j.asin)
	}
	_, ok := q.pop(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestWorkerSurvivesFailingJob(t *testing.T) {
	tr, store, _, _, _ := newTestTracker(t)

	// A probe for an unknown ASIN fails at the catalog; the next job still runs.
	failID, err := tr.EnqueueProbe("B0MISSING", "manual")
	require.NoError(t, err)
	okID, err := tr.EnqueueTest()
	require.NoError(t, err)

	ctx := context.Background()
	for {
		j, ok := tr.queue.pop(10 * time.Millisecond)
		if !ok {
			break
		}
		tr.execute(ctx, j)
	}

	failed, err := store.GetJob(failID)
	require.NoError(t, err)
	assert.Equal(t, datastore.JobStatusError, failed.Status)
	assert.NotEmpty(t, failed.Error)

	done, err := store.GetJob(okID)
	require.NoError(t, err)
	assert.Equal(t, datastore.JobStatusDone, done.Status)
	assert.Equal(t, "ok", done.Result["message"])
}

func TestStartStopJoinsLoops(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeStore()
	tr := New(testTrackerSettings(), store, newFakeCatalog(), &fakeSender{}, observability.NewMetrics())
	tr.settings.Jobs.PruneInterval = 50 * time.Millisecond

	tr.Start()
	tr.Start() // idempotent
	time.Sleep(150 * time.Millisecond)
	tr.Stop()
	tr.Stop() // idempotent
}

func TestFileLoggerCapturesServiceLog(t *testing.T) {
	settings := testTrackerSettings()
	settings.Main.Log.Enabled = true
	settings.Main.Log.Path = filepath.Join(t.TempDir(), "tracker.log")
	settings.Main.Log.Rotation = conf.RotationDaily

	tr := New(settings, newFakeStore(), newFakeCatalog(), &fakeSender{}, observability.NewMetrics())
	tr.Start()
	tr.Stop()

	data, err := os.ReadFile(settings.Main.Log.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "worker started")
	assert.Contains(t, string(data), `"service":"tracker"`)
}

func TestDeleteSeriesJob(t *testing.T) {
	tr, store, _, _, _ := newTestTracker(t)
	_, err := store.EnsureSeries("B0DEL00001", "Doomed", "")
	require.NoError(t, err)
	addSubscriber(t, store, "alice", "B0DEL00001", true)
	addSubscriber(t, store, "bob", "B0DEL00001", true)

	result, err := tr.runDelete("B0DEL00001", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result["series_deleted"])
	assert.Equal(t, int64(2), result["library_entries_removed"])

	_, err = store.GetSeries("B0DEL00001")
	assert.ErrorIs(t, err, datastore.ErrSeriesNotFound)
}

func TestRefreshAllEnqueuesProbesAndDeferredReschedule(t *testing.T) {
	tr, store, _, _, _ := newTestTracker(t)
	for i := 0; i < 3; i++ {
		_, err := store.EnsureSeries(fmt.Sprintf("B0SER%05d", i), "", "")
		require.NoError(t, err)
	}

	count, jobIDs, err := tr.RefreshAll("manual")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Len(t, jobIDs, 4) // three probes plus the deferred reschedule
	assert.Equal(t, 4, tr.QueueLen())

	probes := store.jobsOfKind(KindRefreshSeriesProbe.String())
	assert.Len(t, probes, 3)
	reschedules := store.jobsOfKind(KindRescheduleAllSeries.String())
	assert.Len(t, reschedules, 1)
}

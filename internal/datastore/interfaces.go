// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"log/slog"
	"strings"
	"time"

	"github.com/serieswatch/serieswatch-go/internal/conf"
	"github.com/serieswatch/serieswatch-go/internal/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrSeriesNotFound is returned when a series lookup finds no row.
var ErrSeriesNotFound = errors.NewStd("series not found")

// ErrEntryNotFound is returned when a library entry lookup finds no row.
var ErrEntryNotFound = errors.NewStd("library entry not found")

// ErrUserNotFound is returned when a user lookup finds no row.
var ErrUserNotFound = errors.NewStd("user not found")

// ErrJobNotFound is returned when a job lookup finds no row.
var ErrJobNotFound = errors.NewStd("job not found")

// ScheduleEntry is the projection used by the rebalance algorithm: a series
// identifier and when it was last successfully fetched.
type ScheduleEntry struct {
	ASIN      string
	FetchedAt *time.Time
}

// Interface abstracts the underlying database implementation and defines the
// document-store operations the tracker consumes. All mutations are atomic
// per row; set additions are emulated with read-modify-write inside a row
// scoped transaction (add is commutative and deduplicating, which is all the
// concurrency model requires).
type Interface interface {
	Open() error
	Close() error

	// Series collection
	GetSeries(asin string) (*Series, error)
	GetAllSeries() ([]Series, error)
	GetSchedule() ([]ScheduleEntry, error)
	GetDueSeries(now time.Time, limit int) ([]string, error)
	EnsureSeries(asin, title, url string) (created bool, err error)
	SetSeriesBooks(asin string, books []Book) error
	SetSeriesRaw(asin string, raw RawDoc) error
	SetSeriesNarratorWarnings(asin string, warnings []string) error
	TouchSeriesFetched(asin string, at time.Time) error
	SetSeriesNextRefresh(asin string, when time.Time) error
	DeleteSeries(asin string) (seriesDeleted, entriesRemoved int64, err error)
	AdjustSeriesUserCount(asin string, delta int) error
	RebuildSeriesUserCounts() error

	// Library collection
	GetEntriesForSeries(asin string) ([]LibraryEntry, error)
	GetAllEntries() ([]LibraryEntry, error)
	CreateEntry(entry *LibraryEntry) error
	DeleteEntry(username, seriesASIN string) (int64, error)
	AddNotifiedNewASINs(entryID uint, asins []string) error
	AddNotifiedReleases(entryID uint, asins []string) error
	SetNotifiedNewBaseline(entryID uint, asins []string) error
	ClearNotifiedASIN(seriesASIN, bookASIN string) error

	// Users collection
	GetUser(username string) (*User, error)
	SaveUser(user *User) error

	// Jobs collection
	InsertJob(job *Job) error
	MarkJobRunning(id string, at time.Time) error
	FinishJob(id string, result ResultMap, at time.Time) error
	FailJob(id string, errMsg string, at time.Time) error
	GetJob(id string) (*Job, error)
	GetRecentJobs(limit int) ([]Job, error)
	PruneJobs(keep int) (int64, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates a store instance based on the enabled output backend.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// createGormLogger returns a gorm logger that routes through slog and stays
// quiet below warnings; gorm's default logger is too chatty for a daemon.
func createGormLogger() logger.Interface {
	return logger.New(
		slogWriter{logger: slog.Default().With("service", "datastore")},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(strings.TrimSpace(format), "args", args)
}

// performAutoMigration creates or updates the schema, including the indexes
// declared on the models.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(&Series{}, &LibraryEntry{}, &User{}, &Job{}); err != nil {
		return errors.Newf("failed to auto-migrate %s database: %w", dbType, err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	if debug {
		slog.Debug("database connection established", "type", dbType, "connection", connectionInfo)
	}
	return nil
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

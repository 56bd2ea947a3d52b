package datastore

import (
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetSeries retrieves a series by its catalog identifier.
func (ds *DataStore) GetSeries(asin string) (*Series, error) {
	var series Series
	if err := ds.DB.First(&series, "asin = ?", asin).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrSeriesNotFound
		}
		return nil, fmt.Errorf("getting series %s: %w", asin, err)
	}
	return &series, nil
}

// GetAllSeries returns every series row.
func (ds *DataStore) GetAllSeries() ([]Series, error) {
	var series []Series
	if err := ds.DB.Find(&series).Error; err != nil {
		return nil, fmt.Errorf("getting all series: %w", err)
	}
	return series, nil
}

// GetSchedule returns the (asin, fetchedAt) projection for every series,
// ordered by fetchedAt ascending with never-fetched series first. This is
// exactly the order the rebalance algorithm walks.
func (ds *DataStore) GetSchedule() ([]ScheduleEntry, error) {
	var entries []ScheduleEntry
	err := ds.DB.Model(&Series{}).
		Select("asin", "fetched_at").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("getting series schedule: %w", err)
	}
	// Sort in Go rather than SQL so NULL ordering is identical across
	// SQLite and MySQL: never-fetched series sort first.
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].FetchedAt, entries[j].FetchedAt
		switch {
		case a == nil && b == nil:
			return entries[i].ASIN < entries[j].ASIN
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return entries, nil
}

// GetDueSeries returns up to limit series identifiers whose next refresh
// time has elapsed, soonest first.
func (ds *DataStore) GetDueSeries(now time.Time, limit int) ([]string, error) {
	var asins []string
	err := ds.DB.Model(&Series{}).
		Where("next_refresh_at IS NOT NULL AND next_refresh_at <= ?", now).
		Order("next_refresh_at asc").
		Limit(limit).
		Pluck("asin", &asins).Error
	if err != nil {
		return nil, fmt.Errorf("getting due series: %w", err)
	}
	return asins, nil
}

// EnsureSeries creates the series row if missing, or updates title/url when
// they changed. Returns whether a new row was created.
func (ds *DataStore) EnsureSeries(asin, title, url string) (bool, error) {
	var existing Series
	err := ds.DB.First(&existing, "asin = ?", asin).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		series := Series{ASIN: asin, Title: title, URL: url, Books: BookList{}}
		if err := ds.DB.Create(&series).Error; err != nil {
			return false, fmt.Errorf("creating series %s: %w", asin, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("ensuring series %s: %w", asin, err)
	}

	updates := map[string]any{}
	if title != "" && existing.Title != title {
		updates["title"] = title
	}
	if url != "" && existing.URL != url {
		updates["url"] = url
	}
	if len(updates) > 0 {
		if err := ds.DB.Model(&Series{}).Where("asin = ?", asin).Updates(updates).Error; err != nil {
			return false, fmt.Errorf("updating series %s: %w", asin, err)
		}
	}
	return false, nil
}

// SetSeriesBooks replaces the book list and the derived cover image. Hidden
// flags are expected to be resolved by the caller before this point.
func (ds *DataStore) SetSeriesBooks(asin string, books []Book) error {
	cover := ""
	for i := range books {
		if books[i].Hidden {
			continue
		}
		if books[i].Image != "" {
			cover = books[i].Image
			break
		}
	}
	err := ds.DB.Model(&Series{}).Where("asin = ?", asin).Updates(map[string]any{
		"books":       BookList(books),
		"cover_image": cover,
	}).Error
	if err != nil {
		return fmt.Errorf("setting books for series %s: %w", asin, err)
	}
	return nil
}

// SetSeriesRaw stores the raw parent product snapshot, creating the row if
// it does not exist yet.
func (ds *DataStore) SetSeriesRaw(asin string, raw RawDoc) error {
	err := ds.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asin"}},
		DoUpdates: clause.Assignments(map[string]any{"raw": raw}),
	}).Create(&Series{ASIN: asin, Raw: raw, Books: BookList{}}).Error
	if err != nil {
		return fmt.Errorf("setting raw snapshot for series %s: %w", asin, err)
	}
	return nil
}

// SetSeriesNarratorWarnings stores the derived narrator warning titles.
func (ds *DataStore) SetSeriesNarratorWarnings(asin string, warnings []string) error {
	err := ds.DB.Model(&Series{}).Where("asin = ?", asin).
		Update("narrator_warnings", StringList(warnings)).Error
	if err != nil {
		return fmt.Errorf("setting narrator warnings for series %s: %w", asin, err)
	}
	return nil
}

// TouchSeriesFetched updates the last successful fetch timestamp.
func (ds *DataStore) TouchSeriesFetched(asin string, at time.Time) error {
	err := ds.DB.Model(&Series{}).Where("asin = ?", asin).
		Update("fetched_at", at).Error
	if err != nil {
		return fmt.Errorf("touching fetched_at for series %s: %w", asin, err)
	}
	return nil
}

// SetSeriesNextRefresh updates the scheduled next check time.
func (ds *DataStore) SetSeriesNextRefresh(asin string, when time.Time) error {
	err := ds.DB.Model(&Series{}).Where("asin = ?", asin).
		Update("next_refresh_at", when).Error
	if err != nil {
		return fmt.Errorf("setting next_refresh_at for series %s: %w", asin, err)
	}
	return nil
}

// DeleteSeries removes the series row and every library entry referencing
// it, returning both counts.
func (ds *DataStore) DeleteSeries(asin string) (int64, int64, error) {
	var seriesDeleted, entriesRemoved int64
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Series{}, "asin = ?", asin)
		if res.Error != nil {
			return fmt.Errorf("deleting series %s: %w", asin, res.Error)
		}
		seriesDeleted = res.RowsAffected

		res = tx.Where("series_asin = ?", asin).Delete(&LibraryEntry{})
		if res.Error != nil {
			return fmt.Errorf("deleting library entries for series %s: %w", asin, res.Error)
		}
		entriesRemoved = res.RowsAffected
		return nil
	})
	return seriesDeleted, entriesRemoved, err
}

// AdjustSeriesUserCount atomically increments the denormalized subscriber
// count by delta, never below zero.
func (ds *DataStore) AdjustSeriesUserCount(asin string, delta int) error {
	// CASE instead of MAX/GREATEST keeps the expression portable across
	// SQLite and MySQL.
	err := ds.DB.Model(&Series{}).Where("asin = ?", asin).
		Update("user_count", gorm.Expr(
			"CASE WHEN user_count + ? < 0 THEN 0 ELSE user_count + ? END", delta, delta)).Error
	if err != nil {
		return fmt.Errorf("adjusting user count for series %s: %w", asin, err)
	}
	return nil
}

// RebuildSeriesUserCounts recomputes every series' subscriber count from the
// library collection. Run on startup to heal drift in the denormalization.
func (ds *DataStore) RebuildSeriesUserCounts() error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Series{}).Where("1 = 1").Update("user_count", 0).Error; err != nil {
			return fmt.Errorf("resetting user counts: %w", err)
		}
		type countRow struct {
			SeriesASIN string
			Cnt        int
		}
		var rows []countRow
		err := tx.Model(&LibraryEntry{}).
			Select("series_asin, count(*) as cnt").
			Group("series_asin").
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("counting library entries: %w", err)
		}
		for _, row := range rows {
			if err := tx.Model(&Series{}).Where("asin = ?", row.SeriesASIN).
				Update("user_count", row.Cnt).Error; err != nil {
				return fmt.Errorf("updating user count for %s: %w", row.SeriesASIN, err)
			}
		}
		return nil
	})
}

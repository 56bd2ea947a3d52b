package datastore

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetEntriesForSeries returns every subscription referencing the series.
func (ds *DataStore) GetEntriesForSeries(asin string) ([]LibraryEntry, error) {
	var entries []LibraryEntry
	if err := ds.DB.Where("series_asin = ?", asin).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("getting library entries for series %s: %w", asin, err)
	}
	return entries, nil
}

// GetAllEntries returns every subscription row. Used by the periodic sweeps.
func (ds *DataStore) GetAllEntries() ([]LibraryEntry, error) {
	var entries []LibraryEntry
	if err := ds.DB.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("getting all library entries: %w", err)
	}
	return entries, nil
}

// CreateEntry inserts a new subscription row.
func (ds *DataStore) CreateEntry(entry *LibraryEntry) error {
	if entry.NotifiedNewASINs == nil {
		entry.NotifiedNewASINs = StringList{}
	}
	if entry.NotifiedReleases == nil {
		entry.NotifiedReleases = StringList{}
	}
	if err := ds.DB.Create(entry).Error; err != nil {
		return fmt.Errorf("creating library entry for %s/%s: %w", entry.Username, entry.SeriesASIN, err)
	}
	return nil
}

// DeleteEntry removes a subscription, returning the number of rows removed.
func (ds *DataStore) DeleteEntry(username, seriesASIN string) (int64, error) {
	res := ds.DB.Where("username = ? AND series_asin = ?", username, seriesASIN).
		Delete(&LibraryEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting library entry %s/%s: %w", username, seriesASIN, res.Error)
	}
	return res.RowsAffected, nil
}

// AddNotifiedNewASINs adds identifiers to the entry's new-item dedup set.
func (ds *DataStore) AddNotifiedNewASINs(entryID uint, asins []string) error {
	return ds.addToSet(entryID, "notified_new_asins", asins,
		func(e *LibraryEntry) *StringList { return &e.NotifiedNewASINs })
}

// AddNotifiedReleases adds identifiers to the entry's release dedup set.
func (ds *DataStore) AddNotifiedReleases(entryID uint, asins []string) error {
	return ds.addToSet(entryID, "notified_releases", asins,
		func(e *LibraryEntry) *StringList { return &e.NotifiedReleases })
}

// addToSet emulates an atomic add-to-set with a read-modify-write union
// inside a row-locked transaction. The union is idempotent, so a lost race
// simply re-adds identifiers that are already present.
func (ds *DataStore) addToSet(entryID uint, column string, values []string, field func(*LibraryEntry) *StringList) error {
	if len(values) == 0 {
		return nil
	}
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		var entry LibraryEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&entry, entryID).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrEntryNotFound
			}
			return fmt.Errorf("loading library entry %d: %w", entryID, err)
		}
		merged, added := field(&entry).Union(values)
		if !added {
			return nil
		}
		if err := tx.Model(&LibraryEntry{}).Where("id = ?", entryID).
			Update(column, merged).Error; err != nil {
			return fmt.Errorf("updating %s for entry %d: %w", column, entryID, err)
		}
		return nil
	})
}

// SetNotifiedNewBaseline replaces the entire new-item dedup set with the
// given identifiers and marks the entry initialized. The new-item sweep uses
// this both to establish the first baseline and to self-heal after a send.
func (ds *DataStore) SetNotifiedNewBaseline(entryID uint, asins []string) error {
	err := ds.DB.Model(&LibraryEntry{}).Where("id = ?", entryID).
		Updates(map[string]any{
			"notified_new_asins":       StringList(asins),
			"notified_new_initialized": true,
		}).Error
	if err != nil {
		return fmt.Errorf("setting notified baseline for entry %d: %w", entryID, err)
	}
	return nil
}

// ClearNotifiedASIN pulls a book identifier out of both dedup sets for every
// subscription of the series, re-arming notifications for that book.
func (ds *DataStore) ClearNotifiedASIN(seriesASIN, bookASIN string) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		var entries []LibraryEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("series_asin = ?", seriesASIN).Find(&entries).Error
		if err != nil {
			return fmt.Errorf("loading entries for series %s: %w", seriesASIN, err)
		}
		for i := range entries {
			newSet := entries[i].NotifiedNewASINs.Without(bookASIN)
			relSet := entries[i].NotifiedReleases.Without(bookASIN)
			if len(newSet) == len(entries[i].NotifiedNewASINs) &&
				len(relSet) == len(entries[i].NotifiedReleases) {
				continue
			}
			err := tx.Model(&LibraryEntry{}).Where("id = ?", entries[i].ID).
				Updates(map[string]any{
					"notified_new_asins": newSet,
					"notified_releases":  relSet,
				}).Error
			if err != nil {
				return fmt.Errorf("clearing notified asin for entry %d: %w", entries[i].ID, err)
			}
		}
		return nil
	})
}

// model.go this code defines the data model for the application
package datastore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Series represents a tracked catalog container and its member books.
// Books and the raw parent snapshot are embedded as JSON documents, matching
// the document-store shape the tracker operates on.
type Series struct {
	ASIN                   string     `gorm:"primaryKey;column:asin"`
	Title                  string     `gorm:"index:idx_series_title"`
	URL                    string     `gorm:"column:url"`
	CoverImage             string     `gorm:"column:cover_image"`
	Books                  BookList   `gorm:"type:text"`
	Raw                    RawDoc     `gorm:"type:text"` // last fetched parent product, used for change detection
	NarratorWarnings       StringList `gorm:"type:text"`
	IgnoreNarratorWarnings bool
	FetchedAt              *time.Time
	NextRefreshAt          *time.Time `gorm:"index:idx_series_next_refresh"`
	UserCount              int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Book is a member item of a Series, embedded in the Books column.
// Identity is the catalog ASIN when present, else the normalized title.
type Book struct {
	ASIN                       string `json:"asin,omitempty"`
	Title                      string `json:"title,omitempty"`
	URL                        string `json:"url,omitempty"`
	ReleaseDate                string `json:"release_date,omitempty"`             // date-only, YYYY-MM-DD
	PublicationDatetime        string `json:"publication_datetime,omitempty"`     // authoritative when present
	RawPublicationDatetime     string `json:"raw_publication_datetime,omitempty"` // override carried from the raw product
	RuntimeMin                 int    `json:"runtime_min,omitempty"`
	Narrators                  string `json:"narrators,omitempty"`
	Image                      string `json:"image,omitempty"`
	Hidden                     bool   `json:"hidden,omitempty"`
	IgnoreNarratorWarning      bool   `json:"ignore_narrator_warning,omitempty"`
	NarratorWarningSetBySeries bool   `json:"ignore_narrator_warning_set_by_series,omitempty"`
}

// Identity returns the book's identity key: "asin:<id>" when the catalog
// identifier is present, else "title:<lowercased title>", or "" when neither
// is usable.
func (b *Book) Identity() string {
	if b.ASIN != "" {
		return "asin:" + b.ASIN
	}
	if t := normalizeTitle(b.Title); t != "" {
		return "title:" + t
	}
	return ""
}

// LibraryEntry is one (user, series) subscription including the notification
// dedup ledger for that subscription.
type LibraryEntry struct {
	ID                     uint       `gorm:"primaryKey"`
	Username               string     `gorm:"index:idx_library_user_series,unique;not null"`
	SeriesASIN             string     `gorm:"column:series_asin;index:idx_library_user_series,unique;index:idx_library_series;not null"`
	NotifiedNewASINs       StringList `gorm:"column:notified_new_asins;type:text"`
	NotifiedReleases       StringList `gorm:"type:text"`
	NotifiedNewInitialized bool       // false until the first background sweep established a baseline
	CreatedAt              time.Time
}

// NotificationPrefs holds a user's notification destinations and toggles.
type NotificationPrefs struct {
	Enabled            bool     `json:"enabled"`
	URLs               []string `json:"urls,omitempty"`
	NotifyNewAudiobook bool     `json:"notify_new_audiobook"`
	NotifyRelease      bool     `json:"notify_release"`
}

// Value implements driver.Valuer for NotificationPrefs.
func (p NotificationPrefs) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for NotificationPrefs.
func (p *NotificationPrefs) Scan(value any) error {
	return scanJSON(value, p)
}

// User is a notification recipient.
type User struct {
	ID            uint              `gorm:"primaryKey"`
	Username      string            `gorm:"uniqueIndex;not null"`
	Role          string            `gorm:"type:varchar(20)"`
	Notifications NotificationPrefs `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Job statuses. Queued and running are transient, done and error are final.
const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusError   = "error"
)

// Job is an append-only audit record of background work: what was queued,
// what ran and what it returned. It is not a recovery mechanism.
type Job struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	Kind        string `gorm:"index:idx_jobs_kind;not null"`
	Status      string `gorm:"index:idx_jobs_status;type:varchar(10);not null"`
	SeriesASIN  string `gorm:"column:series_asin"`
	SeriesTitle string
	Username    string
	Source      string
	Result      ResultMap `gorm:"type:text"`
	Error       string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index:idx_jobs_created_at"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// ResultMap is a job's type-specific result payload.
type ResultMap map[string]any

// Value implements driver.Valuer for ResultMap.
func (m ResultMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for ResultMap.
func (m *ResultMap) Scan(value any) error {
	return scanJSON(value, m)
}

// StringList is a JSON-encoded list of strings used for the dedup ledgers
// and narrator warnings.
type StringList []string

// Value implements driver.Valuer for StringList.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for StringList.
func (l *StringList) Scan(value any) error {
	return scanJSON(value, l)
}

// Contains reports whether the list holds the given value.
func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}

// Union returns the list extended with any values not already present,
// preserving order, and whether anything was added. Add is commutative and
// deduplicating, which is what the concurrent sweeps rely on.
func (l StringList) Union(values []string) (StringList, bool) {
	merged := make(StringList, len(l))
	copy(merged, l)
	seen := make(map[string]struct{}, len(l))
	for _, s := range l {
		seen[s] = struct{}{}
	}
	added := false
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
		added = true
	}
	return merged, added
}

// Without returns the list with the given value removed.
func (l StringList) Without(v string) StringList {
	out := make(StringList, 0, len(l))
	for _, s := range l {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// BookList is a JSON-encoded list of books embedded in a Series row.
type BookList []Book

// Value implements driver.Valuer for BookList.
func (l BookList) Value() (driver.Value, error) {
	if l == nil {
		l = BookList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for BookList.
func (l *BookList) Scan(value any) error {
	return scanJSON(value, l)
}

// RawDoc is an opaque JSON snapshot of an upstream product.
type RawDoc json.RawMessage

// Value implements driver.Valuer for RawDoc.
func (r RawDoc) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}

// Scan implements sql.Scanner for RawDoc.
func (r *RawDoc) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		*r = append((*r)[:0], v...)
		return nil
	case string:
		*r = RawDoc(v)
		return nil
	default:
		return fmt.Errorf("unsupported type %T for RawDoc", value)
	}
}

// MarshalJSON passes the raw document through unchanged.
func (r RawDoc) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON stores the raw document unchanged.
func (r *RawDoc) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func scanJSON(value, target any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, target)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), target)
	default:
		return fmt.Errorf("unsupported type %T for JSON column", value)
	}
}

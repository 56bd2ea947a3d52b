package tracker

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/serieswatch/serieswatch-go/internal/catalog"
	"github.com/serieswatch/serieswatch-go/internal/datastore"
	"github.com/serieswatch/serieswatch-go/internal/errors"
)

// expansion is the result of a full series expansion fetch.
type expansion struct {
	books      []datastore.Book
	parent     *catalog.Product
	parentASIN string
}

// expandSeries resolves the canonical series parent for asin, fetches every
// child product and summarizes them into books. Child fetch failures are
// best-effort: a failing child is omitted, not fatal to the series.
func (t *Tracker) expandSeries(ctx context.Context, asin string) (*expansion, error) {
	product, err := t.catalog.GetProduct(ctx, asin)
	if err != nil {
		t.metrics.CatalogFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	t.metrics.CatalogFetches.WithLabelValues("ok").Inc()

	parentASIN := product.ParentSeriesASIN()
	if parentASIN == "" && product.IsSeriesParent() {
		parentASIN = asin
	}
	if parentASIN == "" {
		// Not a series container and no parent link. Nothing to expand.
		return nil, errors.Newf("product %s has no series parent", asin).
			Component("tracker").
			Category(errors.CategoryCatalogFetch).
			Context("asin", asin).
			Build()
	}

	parent := product
	if parentASIN != asin {
		parent, err = t.catalog.GetProduct(ctx, parentASIN)
		if err != nil {
			t.metrics.CatalogFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		t.metrics.CatalogFetches.WithLabelValues("ok").Inc()
	}

	children := parent.ChildRelationships()
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Position() < children[j].Position()
	})

	var books []datastore.Book
	for i := range children {
		childASIN := children[i].ASIN
		if childASIN == "" {
			continue
		}
		child, err := t.catalog.GetProduct(ctx, childASIN)
		if err != nil {
			t.metrics.CatalogFetches.WithLabelValues("error").Inc()
			t.logger.Warn("skipping unfetchable child", "series", parentASIN,
				"child", childASIN, "error", err)
			continue
		}
		t.metrics.CatalogFetches.WithLabelValues("ok").Inc()
		// Placeholder children have no real release yet.
		if child.IssueDate == catalog.SentinelIssueDate {
			continue
		}
		book := summarizeBook(child)
		if book.ASIN == "" {
			book.ASIN = childASIN
		}
		books = append(books, book)
	}

	books = foldSecondEditions(books)

	return &expansion{books: books, parent: parent, parentASIN: parentASIN}, nil
}

// summarizeBook reduces a catalog product to the embedded book shape.
func summarizeBook(product *catalog.Product) datastore.Book {
	title := product.Title
	if title == "" {
		title = "Unknown"
	}
	return datastore.Book{
		ASIN:                product.ASIN,
		Title:               title,
		URL:                 product.URL,
		ReleaseDate:         product.ReleaseDate,
		PublicationDatetime: product.PublicationDatetime,
		RuntimeMin:          product.RuntimeLengthMin,
		Narrators:           product.NarratorNames(),
		Image:               product.ImageURL(),
	}
}

var secondEditionRe = regexp.MustCompile(`(?i)\s*\(2nd Edition\)\s*$`)

// foldSecondEditions drops the plain copy of any title that also exists as a
// "(2nd Edition)" entry.
func foldSecondEditions(books []datastore.Book) []datastore.Book {
	basesWithSecond := make(map[string]struct{})
	for i := range books {
		if secondEditionRe.MatchString(books[i].Title) {
			base := strings.TrimSpace(secondEditionRe.ReplaceAllString(books[i].Title, ""))
			if base != "" {
				basesWithSecond[base] = struct{}{}
			}
		}
	}
	if len(basesWithSecond) == 0 {
		return books
	}
	out := books[:0]
	for i := range books {
		title := books[i].Title
		if !secondEditionRe.MatchString(title) {
			if _, ok := basesWithSecond[strings.TrimSpace(title)]; ok {
				continue
			}
		}
		out = append(out, books[i])
	}
	return out
}

// dedupeBooksByTitle collapses same-title books, keeping the one with the
// latest parseable release date. Books without a usable title pass through.
func dedupeBooksByTitle(books []datastore.Book) []datastore.Book {
	type slot struct {
		index int
		date  time.Time
		dated bool
	}
	best := make(map[string]slot)
	order := make([]string, 0, len(books))
	var untitled []datastore.Book

	for i := range books {
		key := strings.ToLower(strings.TrimSpace(books[i].Title))
		if key == "" {
			untitled = append(untitled, books[i])
			continue
		}
		date, dated := parseDate(books[i].ReleaseDate)
		current, seen := best[key]
		if !seen {
			best[key] = slot{index: i, date: date, dated: dated}
			order = append(order, key)
			continue
		}
		if dated && (!current.dated || date.After(current.date)) {
			best[key] = slot{index: i, date: date, dated: dated}
		}
	}

	out := make([]datastore.Book, 0, len(order)+len(untitled))
	for _, key := range order {
		out = append(out, books[best[key].index])
	}
	out = append(out, untitled...)
	return out
}

// applySeriesBooks persists a freshly fetched book list: dedup by title,
// carry user-controlled flags over from the previous set, store, and
// recompute narrator warnings. Returns the processed list.
func (t *Tracker) applySeriesBooks(asin string, fetched, old []datastore.Book, seriesIgnoreWarnings bool) ([]datastore.Book, error) {
	books := dedupeBooksByTitle(fetched)

	previous := make(map[string]*datastore.Book, len(old))
	for i := range old {
		if key := old[i].Identity(); key != "" {
			if _, ok := previous[key]; !ok {
				previous[key] = &old[i]
			}
		}
	}
	for i := range books {
		prior, ok := previous[books[i].Identity()]
		if !ok {
			continue
		}
		books[i].Hidden = prior.Hidden
		books[i].IgnoreNarratorWarning = prior.IgnoreNarratorWarning
		books[i].NarratorWarningSetBySeries = prior.NarratorWarningSetBySeries
		if prior.RawPublicationDatetime != "" {
			books[i].RawPublicationDatetime = prior.RawPublicationDatetime
		}
	}

	if err := t.store.SetSeriesBooks(asin, books); err != nil {
		return nil, err
	}

	warnings := computeNarratorWarnings(books, seriesIgnoreWarnings)
	if err := t.store.SetSeriesNarratorWarnings(asin, warnings); err != nil {
		return nil, err
	}
	return books, nil
}

// computeNarratorWarnings flags visible books whose narrator set shares no
// name with the narrators of earlier books in the series. Series-level and
// per-book ignore flags suppress the advisory.
func computeNarratorWarnings(books []datastore.Book, seriesIgnore bool) []string {
	if seriesIgnore {
		return nil
	}
	seen := make(map[string]struct{})
	var warnings []string
	for i := range books {
		if books[i].Hidden {
			continue
		}
		names := splitNarrators(books[i].Narrators)
		if len(names) == 0 {
			continue
		}
		if len(seen) > 0 && !books[i].IgnoreNarratorWarning {
			overlap := false
			for _, name := range names {
				if _, ok := seen[name]; ok {
					overlap = true
					break
				}
			}
			if !overlap {
				warnings = append(warnings, books[i].Title)
			}
		}
		for _, name := range names {
			seen[name] = struct{}{}
		}
	}
	return warnings
}

func splitNarrators(narrators string) []string {
	var names []string
	for _, part := range strings.Split(narrators, ",") {
		if name := strings.ToLower(strings.TrimSpace(part)); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// visibleBooks filters out hidden books.
func visibleBooks(books []datastore.Book) []datastore.Book {
	out := make([]datastore.Book, 0, len(books))
	for i := range books {
		if !books[i].Hidden {
			out = append(out, books[i])
		}
	}
	return out
}

// bookASINSet returns the set of non-empty ASINs in the list.
func bookASINSet(books []datastore.Book) map[string]struct{} {
	set := make(map[string]struct{}, len(books))
	for i := range books {
		if books[i].ASIN != "" {
			set[books[i].ASIN] = struct{}{}
		}
	}
	return set
}

// parseDate parses a date-only value, tolerating a trailing time component.
// Malformed strings are treated as "no date".
func parseDate(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if idx := strings.IndexByte(value, 'T'); idx > 0 {
		value = value[:idx]
	}
	parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// parseDateTime parses an ISO-8601 timestamp, with or without zone.
func parseDateTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// effectivePublicationTime resolves when a book counts as published: the
// explicit publication timestamp, else the raw override carried from the
// upstream snapshot, else the release date at midnight UTC.
func effectivePublicationTime(book *datastore.Book) (time.Time, bool) {
	if ts, ok := parseDateTime(book.PublicationDatetime); ok {
		return ts, true
	}
	if ts, ok := parseDateTime(book.RawPublicationDatetime); ok {
		return ts, true
	}
	if ts, ok := parseDate(book.ReleaseDate); ok {
		return ts, true
	}
	return time.Time{}, false
}

// isReleaseCandidate reports whether the book's effective publication time
// has elapsed within the window. The window keeps a re-synced series from
// resurrecting months-old releases.
func isReleaseCandidate(book *datastore.Book, now time.Time, window time.Duration) bool {
	effective, ok := effectivePublicationTime(book)
	if !ok {
		return false
	}
	if effective.After(now) {
		return false
	}
	return now.Sub(effective) <= window
}

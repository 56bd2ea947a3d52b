package tracker

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/serieswatch/serieswatch-go/internal/catalog"
	"github.com/serieswatch/serieswatch-go/internal/datastore"
	"github.com/serieswatch/serieswatch-go/internal/errors"
)

// runProbe is the cheap-probe/expensive-expansion handler. One parent-only
// fetch decides whether the relationship set changed; only then (or when the
// series has no books yet) does the costly per-child expansion run. Any
// fetch failure returns before scheduling is touched, so the scheduler
// retries the series next cycle.
func (t *Tracker) runProbe(ctx context.Context, asin string) (datastore.ResultMap, error) {
	now := t.now()

	product, err := t.catalog.GetProduct(ctx, asin)
	if err != nil {
		t.metrics.ProbesTotal.WithLabelValues("error").Inc()
		t.metrics.CatalogFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	t.metrics.CatalogFetches.WithLabelValues("ok").Inc()

	var oldBooks []datastore.Book
	var oldRels []catalog.Relationship
	seriesIgnoreWarnings := false
	series, err := t.store.GetSeries(asin)
	switch {
	case err == nil:
		oldBooks = series.Books
		oldRels = storedRelationships(series.Raw)
		seriesIgnoreWarnings = series.IgnoreNarratorWarnings
	case errors.Is(err, datastore.ErrSeriesNotFound):
		// First probe of an unknown series; proceed with an empty document.
	default:
		return nil, err
	}

	parentID := product.ParentSeriesASIN()
	if parentID == "" && product.IsSeriesParent() {
		parentID = asin
	}
	if parentID == "" {
		parentID = asin
	}

	structChanged := false
	if product.Relationships != nil {
		structChanged = !relationshipsEqual(oldRels, product.Relationships)
	}

	booksCurrent := oldBooks
	if structChanged || len(oldBooks) == 0 {
		exp, err := t.expandSeries(ctx, asin)
		if err != nil {
			t.metrics.ProbesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if exp.parentASIN != "" {
			parentID = exp.parentASIN
		}
		t.ensureSeriesFromParent(asin, exp.parent)
		t.storeRawSnapshot(asin, parentID, exp.parent)
		booksCurrent, err = t.applySeriesBooks(asin, exp.books, oldBooks, seriesIgnoreWarnings)
		if err != nil {
			t.metrics.ProbesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	} else {
		t.storeRawSnapshot(asin, parentID, product)
	}

	if err := t.store.TouchSeriesFetched(asin, now); err != nil {
		return nil, err
	}

	oldSet := bookASINSet(oldBooks)
	newASINs := 0
	for cur := range bookASINSet(booksCurrent) {
		if _, ok := oldSet[cur]; !ok {
			newASINs++
		}
	}

	if structChanged || len(oldBooks) == 0 {
		t.sendSeriesNotifications(ctx, parentID, t.seriesTitle(asin), oldBooks, booksCurrent)
	}

	// A probe counts as changed when it discovered new books or produced the
	// series' first book set; a mere relationship reorder does not.
	changed := newASINs > 0 || (len(oldBooks) == 0 && len(booksCurrent) > 0)

	next := now.Add(t.settings.Refresh.CycleDuration())
	if err := t.store.SetSeriesNextRefresh(asin, next); err != nil {
		return nil, err
	}
	if parentID != asin {
		if err := t.store.SetSeriesNextRefresh(parentID, next); err != nil {
			return nil, err
		}
	}

	if changed {
		t.metrics.ProbesTotal.WithLabelValues("changed").Inc()
	} else {
		t.metrics.ProbesTotal.WithLabelValues("unchanged").Inc()
	}

	return datastore.ResultMap{"book_count": len(booksCurrent), "changed": changed}, nil
}

// runFetch is the user-requested full expansion: always fetch everything,
// persist, notify inline, and trigger a global rebalance so the new or
// refreshed series lands in the distribution.
func (t *Tracker) runFetch(ctx context.Context, asin, username string) (datastore.ResultMap, error) {
	if asin == "" {
		return nil, errors.NewStd("missing series asin")
	}
	now := t.now()

	var oldBooks []datastore.Book
	seriesIgnoreWarnings := false
	if series, err := t.store.GetSeries(asin); err == nil {
		oldBooks = series.Books
		seriesIgnoreWarnings = series.IgnoreNarratorWarnings
	} else if !errors.Is(err, datastore.ErrSeriesNotFound) {
		return nil, err
	}

	exp, err := t.expandSeries(ctx, asin)
	if err != nil {
		return nil, err
	}
	parentID := exp.parentASIN
	if parentID == "" {
		parentID = asin
	}

	t.ensureSeriesFromParent(asin, exp.parent)
	t.storeRawSnapshot(asin, parentID, exp.parent)

	books, err := t.applySeriesBooks(asin, exp.books, oldBooks, seriesIgnoreWarnings)
	if err != nil {
		return nil, err
	}
	if err := t.store.TouchSeriesFetched(asin, now); err != nil {
		return nil, err
	}

	t.sendSeriesNotifications(ctx, parentID, t.seriesTitle(asin), oldBooks, books)

	next := now.Add(t.settings.Refresh.CycleDuration())
	if err := t.store.SetSeriesNextRefresh(asin, next); err != nil {
		return nil, err
	}
	if _, err := t.rebalance(now); err != nil {
		t.logger.Error("post-fetch rebalance failed", "asin", asin, "error", err)
	}

	t.logger.Info("series fetched", "asin", asin, "books", len(books),
		"requested_by", username)
	return datastore.ResultMap{"book_count": len(books)}, nil
}

// ensureSeriesFromParent creates or refreshes the series row's display
// fields from the fetched parent product.
func (t *Tracker) ensureSeriesFromParent(asin string, parent *catalog.Product) {
	if parent == nil {
		return
	}
	if parent.Title == "" && parent.URL == "" {
		return
	}
	if _, err := t.store.EnsureSeries(asin, parent.Title, parent.URL); err != nil {
		t.logger.Error("ensuring series document failed", "asin", asin, "error", err)
	}
}

// storeRawSnapshot persists the parent product snapshot under the probed
// ASIN and, when different, the canonical parent. Placeholder products are
// never stored.
func (t *Tracker) storeRawSnapshot(asin, parentID string, product *catalog.Product) {
	if product == nil || len(product.Raw) == 0 {
		return
	}
	if product.IssueDate == catalog.SentinelIssueDate {
		return
	}
	raw := datastore.RawDoc(product.Raw)
	if err := t.store.SetSeriesRaw(asin, raw); err != nil {
		t.logger.Error("storing raw snapshot failed", "asin", asin, "error", err)
	}
	if parentID != "" && parentID != asin {
		if err := t.store.SetSeriesRaw(parentID, raw); err != nil {
			t.logger.Error("storing raw snapshot failed", "asin", parentID, "error", err)
		}
	}
}

// storedRelationships extracts the relationship list from a stored raw
// product snapshot. A missing or malformed snapshot yields nil.
func storedRelationships(raw datastore.RawDoc) []catalog.Relationship {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Relationships []catalog.Relationship `json:"relationships"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc.Relationships
}

// normRel is a relationship reduced to the fields that matter for change
// detection. Incidental fields and list order are deliberately excluded.
type normRel struct {
	asin      string
	toProduct string
	relType   string
	position  int
	title     string
}

func normalizeRelationships(rels []catalog.Relationship) []normRel {
	norm := make([]normRel, 0, len(rels))
	for i := range rels {
		norm = append(norm, normRel{
			asin:      rels[i].ASIN,
			toProduct: rels[i].RelationshipToProduct,
			relType:   rels[i].RelationshipType,
			position:  rels[i].Position(),
			title:     rels[i].Title,
		})
	}
	sort.Slice(norm, func(i, j int) bool {
		a, b := norm[i], norm[j]
		if a.toProduct != b.toProduct {
			return a.toProduct < b.toProduct
		}
		if a.relType != b.relType {
			return a.relType < b.relType
		}
		if a.asin != b.asin {
			return a.asin < b.asin
		}
		if a.position != b.position {
			return a.position < b.position
		}
		return a.title < b.title
	})
	return norm
}

// relationshipsEqual compares two relationship lists as sets of normalized
// entries, ignoring order and fields outside the normalized shape.
func relationshipsEqual(a, b []catalog.Relationship) bool {
	na, nb := normalizeRelationships(a), normalizeRelationships(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

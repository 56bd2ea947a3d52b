// Package catalog implements a rate-limited client for the upstream audiobook
// catalog products API and the product model the tracker consumes.
package catalog

import (
	"encoding/json"
	"strconv"
	"strings"
)

// SentinelIssueDate marks a placeholder product that has no real release yet.
// Children carrying it are excluded from series expansion.
const SentinelIssueDate = "2200-01-01"

// Relationship link directions and types used for parent resolution.
const (
	RelationParent = "parent"
	RelationChild  = "child"
	RelationSeries = "series"

	DeliveryBookSeries = "BookSeries"
)

// StringOrNumber absorbs catalog fields that arrive as either a JSON string
// or a JSON number. Sequence and sort are the usual offenders.
type StringOrNumber string

// UnmarshalJSON accepts strings, numbers and null.
func (s *StringOrNumber) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = StringOrNumber(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = StringOrNumber(num.String())
	return nil
}

// Int returns the numeric value, or 0 when empty or unparseable.
func (s StringOrNumber) Int() int {
	v := strings.TrimSpace(string(s))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int(f)
	}
	return 0
}

// Relationship is one edge in a product's relationship graph.
type Relationship struct {
	ASIN                  string         `json:"asin"`
	RelationshipToProduct string         `json:"relationship_to_product"`
	RelationshipType      string         `json:"relationship_type"`
	Sequence              StringOrNumber `json:"sequence"`
	Sort                  StringOrNumber `json:"sort"`
	Title                 string         `json:"title"`
	URL                   string         `json:"url"`
	ContentDeliveryType   string         `json:"content_delivery_type"`
}

// Position returns the edge's ordering value, preferring sequence over sort.
func (r *Relationship) Position() int {
	if strings.TrimSpace(string(r.Sequence)) != "" {
		return r.Sequence.Int()
	}
	return r.Sort.Int()
}

// Narrator is a credited narrator on a product.
type Narrator struct {
	Name string `json:"name"`
}

// Product is an upstream catalog product. Only the fields the tracker reads
// are modeled; Raw preserves the full upstream document for snapshotting.
type Product struct {
	ASIN                string            `json:"asin"`
	Title               string            `json:"title"`
	Subtitle            string            `json:"subtitle"`
	URL                 string            `json:"url"`
	PublicationDatetime string            `json:"publication_datetime"`
	ReleaseDate         string            `json:"release_date"`
	IssueDate           string            `json:"issue_date"`
	RuntimeLengthMin    int               `json:"runtime_length_min"`
	ContentDeliveryType string            `json:"content_delivery_type"`
	Narrators           []Narrator        `json:"narrators"`
	ProductImages       map[string]string `json:"product_images"`
	Relationships       []Relationship    `json:"relationships"`
	Raw                 json.RawMessage   `json:"-"`
}

// IsSeriesParent reports whether this product is itself a series container.
func (p *Product) IsSeriesParent() bool {
	if p.ContentDeliveryType == DeliveryBookSeries {
		return true
	}
	for i := range p.Relationships {
		if p.Relationships[i].RelationshipToProduct == RelationChild {
			return true
		}
	}
	return false
}

// ParentSeriesASIN returns the ASIN of the series this product belongs to, or
// "" when the product has no explicit parent series link.
func (p *Product) ParentSeriesASIN() string {
	for i := range p.Relationships {
		rel := &p.Relationships[i]
		if rel.RelationshipToProduct == RelationParent && rel.RelationshipType == RelationSeries && rel.ASIN != "" {
			return rel.ASIN
		}
	}
	return ""
}

// ChildRelationships returns the product's child edges.
func (p *Product) ChildRelationships() []Relationship {
	var children []Relationship
	for i := range p.Relationships {
		if p.Relationships[i].RelationshipToProduct == RelationChild {
			children = append(children, p.Relationships[i])
		}
	}
	return children
}

// NarratorNames returns the credited narrator names joined for display.
func (p *Product) NarratorNames() string {
	names := make([]string, 0, len(p.Narrators))
	for _, n := range p.Narrators {
		if n.Name != "" {
			names = append(names, n.Name)
		}
	}
	return strings.Join(names, ", ")
}

// ImageURL returns the largest available product image.
func (p *Product) ImageURL() string {
	for _, key := range []string{"500", "300", "120"} {
		if url := p.ProductImages[key]; url != "" {
			return url
		}
	}
	for _, url := range p.ProductImages {
		if url != "" {
			return url
		}
	}
	return ""
}

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serieswatch/serieswatch-go/internal/conf"
)

func testSettings() *conf.CatalogSettings {
	return &conf.CatalogSettings{
		APIURL:         "https://api.example.com/1.0/catalog/products",
		ResponseGroups: "relationships,media",
		UserAgent:      "serieswatch-test/1.0",
		RateRPS:        1000,
		RateBurst:      1000,
		Timeout:        5 * time.Second,
	}
}

const seriesParentJSON = `{
  "product": {
    "asin": "B0SERIES01",
    "title": "The Example Saga",
    "content_delivery_type": "BookSeries",
    "relationships": [
      {"asin": "B0BOOK0001", "relationship_to_product": "child", "relationship_type": "series", "sequence": "1", "title": "Book One"},
      {"asin": "B0BOOK0002", "relationship_to_product": "child", "relationship_type": "series", "sequence": 2, "title": "Book Two"}
    ]
  }
}`

func TestGetProductParsesRelationships(t *testing.T) {
	client, err := NewClient(testSettings())
	require.NoError(t, err)

	httpmock.ActivateNonDefault(client.HTTPDoer())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET",
		"https://api.example.com/1.0/catalog/products/B0SERIES01",
		httpmock.NewStringResponder(200, seriesParentJSON))

	product, err := client.GetProduct(context.Background(), "B0SERIES01")
	require.NoError(t, err)

	assert.Equal(t, "B0SERIES01", product.ASIN)
	assert.True(t, product.IsSeriesParent())
	require.Len(t, product.Relationships, 2)
	// Sequence arrives as string in one edge and number in the other.
	assert.Equal(t, 1, product.Relationships[0].Position())
	assert.Equal(t, 2, product.Relationships[1].Position())
	assert.NotEmpty(t, product.Raw)
}

func TestGetProductNotFound(t *testing.T) {
	client, err := NewClient(testSettings())
	require.NoError(t, err)

	httpmock.ActivateNonDefault(client.HTTPDoer())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET",
		"https://api.example.com/1.0/catalog/products/MISSING",
		httpmock.NewStringResponder(404, `{"message": "not found"}`))

	_, err = client.GetProduct(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestGetProductServerError(t *testing.T) {
	client, err := NewClient(testSettings())
	require.NoError(t, err)

	httpmock.ActivateNonDefault(client.HTTPDoer())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET",
		"https://api.example.com/1.0/catalog/products/B0SERIES01",
		httpmock.NewStringResponder(503, "unavailable"))

	_, err = client.GetProduct(context.Background(), "B0SERIES01")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProductNotFound)
}

func TestGetProductUsesCache(t *testing.T) {
	settings := testSettings()
	settings.CacheTTL = time.Minute
	client, err := NewClient(settings)
	require.NoError(t, err)

	httpmock.ActivateNonDefault(client.HTTPDoer())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET",
		"https://api.example.com/1.0/catalog/products/B0SERIES01",
		httpmock.NewStringResponder(200, seriesParentJSON))

	for i := 0; i < 3; i++ {
		_, err := client.GetProduct(context.Background(), "B0SERIES01")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestStringOrNumberInt(t *testing.T) {
	tests := []struct {
		in   StringOrNumber
		want int
	}{
		{"", 0},
		{"3", 3},
		{"2.0", 2},
		{"not a number", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Int())
	}
}

func TestParentSeriesASIN(t *testing.T) {
	p := Product{
		ASIN: "B0BOOK0001",
		Relationships: []Relationship{
			{ASIN: "B0AUTHOR01", RelationshipToProduct: "parent", RelationshipType: "author"},
			{ASIN: "B0SERIES01", RelationshipToProduct: "parent", RelationshipType: "series"},
		},
	}
	assert.Equal(t, "B0SERIES01", p.ParentSeriesASIN())
	assert.False(t, p.IsSeriesParent())
}

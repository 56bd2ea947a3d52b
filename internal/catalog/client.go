package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/serieswatch/serieswatch-go/internal/conf"
	"github.com/serieswatch/serieswatch-go/internal/errors"
	"github.com/serieswatch/serieswatch-go/internal/logging"
)

// ErrProductNotFound is returned when the catalog has no product for an ASIN.
var ErrProductNotFound = errors.NewStd("catalog product not found")

// Client fetches products from the upstream catalog.
type Client interface {
	GetProduct(ctx context.Context, asin string) (*Product, error)
}

// HTTPClient is the production Client. All requests flow through a shared
// rate limiter and a short-TTL cache so that repeat parent fetches inside one
// sweep do not hit the upstream twice.
type HTTPClient struct {
	settings   *conf.CatalogSettings
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *gocache.Cache
	logger     *slog.Logger
}

// NewClient creates a catalog client from the given settings.
func NewClient(settings *conf.CatalogSettings) (*HTTPClient, error) {
	transport, err := buildTransport(&settings.Proxy)
	if err != nil {
		return nil, err
	}

	var cache *gocache.Cache
	if settings.CacheTTL > 0 {
		cache = gocache.New(settings.CacheTTL, 2*settings.CacheTTL)
	}

	return &HTTPClient{
		settings: settings,
		httpClient: &http.Client{
			Timeout:   settings.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(settings.RateRPS), settings.RateBurst),
		cache:   cache,
		logger:  logging.ForService("catalog"),
	}, nil
}

// HTTPDoer exposes the underlying http.Client so tests can intercept
// transport with httpmock.
func (c *HTTPClient) HTTPDoer() *http.Client {
	return c.httpClient
}

func buildTransport(proxy *conf.ProxySettings) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !proxy.Enabled || proxy.URL == "" {
		return transport, nil
	}

	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		return nil, errors.Newf("invalid proxy url: %w", err).
			Component("catalog").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if proxy.Username != "" {
		proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	return transport, nil
}

// productEnvelope is the upstream response shape for products/{asin}.
type productEnvelope struct {
	Product json.RawMessage `json:"product"`
}

// GetProduct fetches a single product by ASIN. A 404 maps to
// ErrProductNotFound; every other non-2xx status is an error.
func (c *HTTPClient) GetProduct(ctx context.Context, asin string) (*Product, error) {
	if c.cache != nil {
		if cached, ok := c.cache.Get(asin); ok {
			return cached.(*Product), nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryTimeout).
			Context("asin", asin).
			Build()
	}

	reqURL := fmt.Sprintf("%s/%s?response_groups=%s",
		c.settings.APIURL, url.PathEscape(asin), url.QueryEscape(c.settings.ResponseGroups))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building catalog request for %s: %w", asin, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.settings.UserAgent != "" {
		req.Header.Set("User-Agent", c.settings.UserAgent)
	}

	c.logger.Debug("fetching catalog product", "asin", asin)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Newf("catalog request for %s failed: %w", asin, err).
			Component("catalog").
			Category(errors.CategoryCatalogFetch).
			Context("asin", asin).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrProductNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf("catalog returned status %d for %s", resp.StatusCode, asin).
			Component("catalog").
			Category(errors.CategoryCatalogFetch).
			Context("asin", asin).
			Context("status", resp.StatusCode).
			Build()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading catalog response for %s: %w", asin, err)
	}

	var envelope productEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Newf("decoding catalog response for %s: %w", asin, err).
			Component("catalog").
			Category(errors.CategoryCatalogFetch).
			Context("asin", asin).
			Build()
	}
	if len(envelope.Product) == 0 {
		return nil, ErrProductNotFound
	}

	var product Product
	if err := json.Unmarshal(envelope.Product, &product); err != nil {
		return nil, errors.Newf("decoding catalog product %s: %w", asin, err).
			Component("catalog").
			Category(errors.CategoryCatalogFetch).
			Context("asin", asin).
			Build()
	}
	product.Raw = envelope.Product

	if c.cache != nil {
		c.cache.Set(asin, &product, gocache.DefaultExpiration)
	}
	return &product, nil
}

package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/credential"
	"github.com/rendysusiloyanto/rendy-test-sub000/internal/logging"
)

// Entitlement reports whether the user has a VPN profile provisioned.
// Subscribing without one never opens a connection.
type Entitlement interface {
	Provisioned(ctx context.Context) (bool, error)
}

// EntitlementFunc adapts a function to Entitlement.
type EntitlementFunc func(ctx context.Context) (bool, error)

func (f EntitlementFunc) Provisioned(ctx context.Context) (bool, error) { return f(ctx) }

// Always is an Entitlement that is always provisioned.
var Always = EntitlementFunc(func(context.Context) (bool, error) { return true, nil })

const defaultEntitlementTTL = time.Minute

// HTTPEntitlement asks the portal API for the user's VPN config. 200 means
// provisioned and 404 means not; anything else is an error. Answers are
// cached per token.
type HTTPEntitlement struct {
	url    string
	creds  credential.Provider
	client *retryablehttp.Client
	cache  *cache.Cache
}

// EntitlementOption customises an HTTPEntitlement.
type EntitlementOption func(*HTTPEntitlement)

// WithRetryClient replaces the retrying HTTP client.
func WithRetryClient(c *retryablehttp.Client) EntitlementOption {
	return func(e *HTTPEntitlement) { e.client = c }
}

// WithCacheTTL sets how long an answer is reused. Zero disables caching.
func WithCacheTTL(ttl time.Duration) EntitlementOption {
	return func(e *HTTPEntitlement) {
		if ttl <= 0 {
			e.cache = nil
			return
		}
		e.cache = cache.New(ttl, 0)
	}
}

// NewHTTPEntitlement checks url with the bearer token from creds.
func NewHTTPEntitlement(url string, creds credential.Provider, log *zap.Logger, opts ...EntitlementOption) *HTTPEntitlement {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = logging.Leveled(logging.OrNop(log).With(zap.String("component", "entitlement")))

	e := &HTTPEntitlement{
		url:    url,
		creds:  creds,
		client: client,
		cache:  cache.New(defaultEntitlementTTL, 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *HTTPEntitlement) Provisioned(ctx context.Context) (bool, error) {
	token, ok := credential.Lookup(e.creds)
	if !ok {
		return false, credential.ErrNoToken
	}
	if e.cache != nil {
		if v, found := e.cache.Get(token); found {
			return v.(bool), nil
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return false, fmt.Errorf("telemetry: build entitlement request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("telemetry: entitlement request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	var provisioned bool
	switch resp.StatusCode {
	case http.StatusOK:
		provisioned = true
	case http.StatusNotFound:
		provisioned = false
	default:
		return false, fmt.Errorf("telemetry: entitlement check returned status %d", resp.StatusCode)
	}
	if e.cache != nil {
		e.cache.Set(token, provisioned, cache.DefaultExpiration)
	}
	return provisioned, nil
}

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendysusiloyanto/rendy-test-sub000/internal/credential"
)

func fastRetries() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = time.Millisecond
	c.RetryWaitMax = 2 * time.Millisecond
	c.Logger = nil
	return c
}

func entitlementServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHTTPEntitlementStatuses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    bool
		wantErr bool
		hits    int32
	}{
		{"provisioned", http.StatusOK, true, false, 1},
		{"not provisioned", http.StatusNotFound, false, false, 1},
		{"server error is retried", http.StatusBadGateway, false, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits := entitlementServer(t, tt.status)
			e := NewHTTPEntitlement(srv.URL+"/api/vpn/config", credential.Static("tok"), nil, WithRetryClient(fastRetries()))

			got, err := e.Provisioned(context.Background())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.hits, hits.Load())
		})
	}
}

func TestHTTPEntitlementUnauthorizedIsAnError(t *testing.T) {
	srv, _ := entitlementServer(t, http.StatusOK)
	e := NewHTTPEntitlement(srv.URL, credential.Static("wrong"), nil, WithRetryClient(fastRetries()))

	_, err := e.Provisioned(context.Background())
	assert.ErrorContains(t, err, "401")
}

func TestHTTPEntitlementCachesAnswers(t *testing.T) {
	srv, hits := entitlementServer(t, http.StatusOK)
	e := NewHTTPEntitlement(srv.URL, credential.Static("tok"), nil, WithRetryClient(fastRetries()))

	for i := 0; i < 3; i++ {
		ok, err := e.Provisioned(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), hits.Load())

	uncached := NewHTTPEntitlement(srv.URL, credential.Static("tok"), nil, WithRetryClient(fastRetries()), WithCacheTTL(0))
	for i := 0; i < 2; i++ {
		_, err := uncached.Provisioned(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPEntitlementWithoutToken(t *testing.T) {
	srv, hits := entitlementServer(t, http.StatusOK)
	e := NewHTTPEntitlement(srv.URL, nil, nil)

	_, err := e.Provisioned(context.Background())
	assert.ErrorIs(t, err, credential.ErrNoToken)
	assert.Zero(t, hits.Load())
}

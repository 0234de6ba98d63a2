package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeflare/esrbot/pkg/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

func fakeIntrospector(calls *int) introspectFunc {
	return func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
		*calls++
		switch token {
		case "good":
			return &oidc.IntrospectionResponse{
				Active:     true,
				Subject:    "user-1",
				Expiration: oidc.FromTime(time.Now().Add(time.Hour)),
			}, nil
		case "inactive":
			return &oidc.IntrospectionResponse{Active: false}, nil
		default:
			return nil, errors.New("introspection failed")
		}
	}
}

func TestNewOIDCVerifierRequiresConfig(t *testing.T) {
	_, err := NewOIDCVerifier(context.Background(), OIDCProviderConfig{Issuer: "https://issuer.example"})
	assert.Error(t, err)
	assert.False(t, OIDCProviderConfig{}.Enabled())
}

func TestVerifyOIDCToken(t *testing.T) {
	calls := 0
	v := newOIDCVerifier(fakeIntrospector(&calls))

	tests := []struct {
		name           string
		authHeader     string
		send401        bool
		expectedStatus int
		expectedSub    string
	}{
		{name: "missing header", send401: true, expectedStatus: http.StatusUnauthorized},
		{name: "missing header passthrough", send401: false, expectedStatus: http.StatusOK},
		{name: "basic scheme rejected", authHeader: "Basic dXNlcjpwYXNz", send401: true, expectedStatus: http.StatusUnauthorized},
		{name: "basic scheme passthrough", authHeader: "Basic dXNlcjpwYXNz", send401: false, expectedStatus: http.StatusOK},
		{name: "valid token", authHeader: "Bearer good", send401: true, expectedStatus: http.StatusOK, expectedSub: "user-1"},
		{name: "lowercase scheme", authHeader: "bearer good", send401: true, expectedStatus: http.StatusOK, expectedSub: "user-1"},
		{name: "inactive token", authHeader: "Bearer inactive", send401: false, expectedStatus: http.StatusUnauthorized},
		{name: "bad token", authHeader: "Bearer bad", send401: false, expectedStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sub string
			handler := v.VerifyOIDCToken(tt.send401)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sub = httputil.Subject(r)
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, tt.expectedSub, sub)
		})
	}
}

func TestVerifyOIDCTokenCachesIntrospection(t *testing.T) {
	calls := 0
	v := newOIDCVerifier(fakeIntrospector(&calls))
	handler := v.VerifyOIDCToken()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
		req.Header.Set("Authorization", "Bearer good")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	assert.Equal(t, 1, calls)
}

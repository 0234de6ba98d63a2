package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/esrbot/pkg/httputil"
	"github.com/zitadel/oidc/v3/pkg/client/rs"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// maxIntrospectionTTL bounds how long an active token is trusted without asking the issuer again.
const maxIntrospectionTTL = time.Minute

// OIDCProviderConfig holds the configuration for the OIDC provider
type OIDCProviderConfig struct {
	ClientID     string `json:"client_id" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret" mapstructure:"client_secret"`
	Issuer       string `json:"issuer" mapstructure:"issuer"`
}

// Enabled reports whether enough is configured to talk to an issuer.
func (c OIDCProviderConfig) Enabled() bool {
	return c.Issuer != ""
}

type introspectFunc func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error)

// OIDCVerifier validates bearer tokens through the issuer's introspection endpoint.
type OIDCVerifier struct {
	introspect introspectFunc
	cache      *Cache[*oidc.IntrospectionResponse]
}

// NewOIDCVerifier discovers the issuer and returns a verifier authenticated with
// the client credentials in cfg. Expired cached introspections are evicted until ctx is done.
func NewOIDCVerifier(ctx context.Context, cfg OIDCProviderConfig) (*OIDCVerifier, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Issuer == "" {
		return nil, errors.New("missing required OIDC configuration")
	}

	provider, err := rs.NewResourceServerClientCredentials(ctx, cfg.Issuer, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC resource server: %w", err)
	}

	v := newOIDCVerifier(func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
		return rs.Introspect[*oidc.IntrospectionResponse](ctx, provider, token)
	})
	// tokens that are never presented again would otherwise stay cached
	v.cache.StartCleanup(ctx, maxIntrospectionTTL)
	return v, nil
}

func newOIDCVerifier(fn introspectFunc) *OIDCVerifier {
	return &OIDCVerifier{
		introspect: fn,
		cache:      NewCache[*oidc.IntrospectionResponse](),
	}
}

func (v *OIDCVerifier) verify(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
	if user, ok := v.cache.Get(token); ok {
		return user, nil
	}

	user, err := v.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		return nil, errors.New("token is not active")
	}

	ttl := maxIntrospectionTTL
	if exp := user.Expiration.AsTime(); !exp.IsZero() {
		if until := time.Until(exp); until < ttl {
			ttl = until
		}
	}
	if ttl > 0 {
		v.cache.Set(token, user, ttl)
	}
	return user, nil
}

// VerifyOIDCToken is middleware that verifies OIDC tokens in Authorization headers.
// By default, it sends a 401 Unauthorized response if the token is missing or invalid.
// If send401Unauthorized is false, it allows requests with other authorization schemes
// (e.g., Basic Auth) to continue without interference.
func (v *OIDCVerifier) VerifyOIDCToken(send401Unauthorized ...bool) func(http.Handler) http.Handler {
	send401 := true
	if len(send401Unauthorized) > 0 {
		send401 = send401Unauthorized[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			if authHeader == "" {
				if send401 {
					http.Error(w, "Authorization header missing", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "bearer ") {
				if send401 {
					http.Error(w, "Invalid token format", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			user, err := v.verify(r.Context(), strings.TrimSpace(authHeader[7:]))
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), httputil.OIDCUserCtxKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

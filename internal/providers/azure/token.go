package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/ScriptSmith/hadrian-sub010/internal/ttlcache"
)

// cognitiveServicesScope is the OAuth2 scope required for Azure OpenAI /
// Cognitive Services authentication.
const cognitiveServicesScope = "https://cognitiveservices.azure.com/.default"

// tokenRefreshBuffer is subtracted from a token's reported lifetime so the
// cache refreshes before the token actually expires.
const tokenRefreshBuffer = 5 * time.Minute

const imdsTokenEndpoint = "http://169.254.169.254/metadata/identity/oauth2/token"

// TokenSource produces a pre-formatted "Bearer <token>" header value for
// Azure AD (service principal) or Managed Identity authentication, caching
// it for the bulk of its lifetime. One TokenSource instance is shared
// across every request against a given Azure deployment.
type TokenSource struct {
	authType string
	fetch    func(ctx context.Context) (token string, ttl time.Duration, err error)
	cache    *ttlcache.Cache[string, string]
	mu       sync.Mutex
}

const cacheKey = "bearer"

// NewAzureADTokenSource builds a TokenSource using a service principal's
// client-credentials grant against Azure AD.
func NewAzureADTokenSource(tenantID, clientID, clientSecret string) *TokenSource {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{cognitiveServicesScope},
	}
	return &TokenSource{
		authType: "AzureAD",
		cache:    ttlcache.New[string, string](),
		fetch: func(ctx context.Context) (string, time.Duration, error) {
			tok, err := cc.Token(ctx)
			if err != nil {
				return "", 0, fmt.Errorf("azure: azure ad token request: %w", err)
			}
			return tok.AccessToken, ttlFromExpiry(tok.Expiry), nil
		},
	}
}

// NewManagedIdentityTokenSource builds a TokenSource using Azure Instance
// Metadata Service. clientID selects a user-assigned identity; empty
// selects the system-assigned identity.
func NewManagedIdentityTokenSource(clientID string) *TokenSource {
	client := &http.Client{Timeout: 10 * time.Second}
	return &TokenSource{
		authType: "ManagedIdentity",
		cache:    ttlcache.New[string, string](),
		fetch: func(ctx context.Context) (string, time.Duration, error) {
			q := url.Values{}
			q.Set("api-version", "2018-02-01")
			q.Set("resource", "https://cognitiveservices.azure.com/")
			if clientID != "" {
				q.Set("client_id", clientID)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, imdsTokenEndpoint+"?"+q.Encode(), nil)
			if err != nil {
				return "", 0, err
			}
			req.Header.Set("Metadata", "true")

			resp, err := client.Do(req)
			if err != nil {
				return "", 0, fmt.Errorf("azure: managed identity token request: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return "", 0, fmt.Errorf("azure: managed identity token request: status %d", resp.StatusCode)
			}

			var body struct {
				AccessToken string `json:"access_token"`
				ExpiresIn   string `json:"expires_in"` // IMDS returns this as a string
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return "", 0, fmt.Errorf("azure: decode managed identity token: %w", err)
			}

			var seconds int64
			fmt.Sscanf(body.ExpiresIn, "%d", &seconds)
			return body.AccessToken, time.Duration(seconds) * time.Second, nil
		},
	}
}

// BearerHeader returns the current "Bearer <token>" header value, fetching
// and caching a fresh token if the cached one is missing or expired. Each
// token's cache lifetime is derived from its own reported expiry (minus a
// safety margin), not a fixed TTL, so this bypasses ttlcache.GetOrLoad's
// single-ttl-per-call signature and does the double-checked locking itself.
//
// Fast path: read the cache under no lock at all (Cache.Get is itself
// RWMutex-guarded). Slow path: take TokenSource's own mutex and re-check
// before fetching, so concurrent callers racing a cold cache collapse into
// a single token request.
func (s *TokenSource) BearerHeader(ctx context.Context) (string, error) {
	if header, ok := s.cache.Get(cacheKey); ok {
		return header, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if header, ok := s.cache.Get(cacheKey); ok {
		return header, nil
	}

	token, ttl, err := s.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("azure: %s token: %w", s.authType, err)
	}

	ttl -= tokenRefreshBuffer
	if ttl < 0 {
		ttl = 0
	}
	header := "Bearer " + token
	s.cache.Set(cacheKey, header, ttl)
	return header, nil
}

func ttlFromExpiry(expiry time.Time) time.Duration {
	if expiry.IsZero() {
		return time.Hour
	}
	d := time.Until(expiry)
	if d < 0 {
		return 0
	}
	return d
}

package g2a

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// tokenExpiryMargin refreshes the OAuth2 token this long before its
// actual expiry so in-flight requests never race the deadline.
const tokenExpiryMargin = 5 * time.Minute

const tokenCacheName = "g2a-oauth"

// TokenCache is the best-effort shared cache for OAuth2 tokens,
// normally backed by Redis.
type TokenCache interface {
	GetToken(ctx context.Context, name string) (string, error)
	SetToken(ctx context.Context, name, token string, ttl time.Duration) error
}

// authProvider produces the Authorization header value for a request.
type authProvider interface {
	authorize(ctx context.Context) (string, error)
}

// hashAuth implements the sandbox/export API scheme: a static header
// derived from the client credentials.
type hashAuth struct {
	clientID string
	key      string
}

func newHashAuth(clientID, email, clientSecret string) *hashAuth {
	sum := sha256.Sum256([]byte(clientID + email + clientSecret))
	return &hashAuth{
		clientID: clientID,
		key:      hex.EncodeToString(sum[:]),
	}
}

func (h *hashAuth) authorize(context.Context) (string, error) {
	return fmt.Sprintf("%s, %s", h.clientID, h.key), nil
}

// oauthAuth implements the import/order API scheme: a bearer token from
// the token endpoint, cached locally and in the shared cache, with
// concurrent refreshes collapsed into one upstream call.
type oauthAuth struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	cache        TokenCache
	logger       *zap.Logger

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newOAuthAuth(httpClient *http.Client, tokenURL, clientID, clientSecret string, cache TokenCache, logger *zap.Logger) *oauthAuth {
	return &oauthAuth{
		httpClient:   httpClient,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		cache:        cache,
		logger:       logger,
	}
}

func (o *oauthAuth) authorize(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.token != "" && time.Now().Before(o.expiresAt) {
		token := o.token
		o.mu.Unlock()
		return "Bearer " + token, nil
	}
	o.mu.Unlock()

	if o.cache != nil {
		if cached, err := o.cache.GetToken(ctx, tokenCacheName); err == nil && cached != "" {
			return "Bearer " + cached, nil
		}
	}

	token, err, _ := o.group.Do("refresh", func() (interface{}, error) {
		return o.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}

	return "Bearer " + token.(string), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (o *oauthAuth) fetchToken(ctx context.Context) (string, error) {
	const op = "token"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(o.clientID, o.clientSecret)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransport(op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(op, resp.StatusCode, string(body), resp.Header)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &APIError{Op: op, Status: resp.StatusCode, Category: CategoryAuthFailed, Body: "empty access_token"}
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	usable := lifetime - tokenExpiryMargin
	if usable <= 0 {
		usable = lifetime / 2
	}

	o.mu.Lock()
	o.token = tr.AccessToken
	o.expiresAt = time.Now().Add(usable)
	o.mu.Unlock()

	if o.cache != nil {
		if err := o.cache.SetToken(ctx, tokenCacheName, tr.AccessToken, usable); err != nil {
			o.logger.Warn("Failed to cache OAuth token", zap.Error(err))
		}
	}

	o.logger.Info("OAuth token refreshed", zap.Duration("usable_for", usable))
	return tr.AccessToken, nil
}

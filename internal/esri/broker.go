package esri

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/qldspatial/address-etl/internal/etl"
)

const tokenCacheKey = "token"

// tokenTTLGuard is shaved off the advertised lifetime so a token is never
// handed out moments before the service expires it.
const tokenTTLGuard = 30 * time.Second

type TokenBrokerConfig struct {
	AuthURL  string
	Referer  string
	Username string
	Password string

	// Expiration is the lifetime requested from generateToken.
	Expiration time.Duration

	// MaxUses is how many times one token is handed out before a fresh one
	// is fetched, regardless of remaining lifetime.
	MaxUses int

	HTTPClient HTTPClient
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

func (c *TokenBrokerConfig) Validate() error {
	if c.AuthURL == "" {
		return errors.New("auth url is required")
	}
	if c.Referer == "" {
		return errors.New("referer is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Password == "" {
		return errors.New("password is required")
	}
	if c.HTTPClient == nil {
		return errors.New("http client is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Expiration <= 0 {
		c.Expiration = 10 * time.Minute
	}
	if c.MaxUses <= 0 {
		c.MaxUses = 10
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// TokenBroker hands out feature service tokens, caching each one until its
// lifetime or use budget runs out. Refreshes are serialised so concurrent
// callers collapse into a single generateToken request.
//
// The token value must never reach a log attribute or an error message.
type TokenBroker struct {
	cfg TokenBrokerConfig
	log *slog.Logger

	mu    sync.Mutex
	cache *ttlcache.Cache[string, string]
	uses  int
}

func NewTokenBroker(cfg TokenBrokerConfig) (*TokenBroker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token broker config: %w", err)
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](cfg.Expiration),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	return &TokenBroker{cfg: cfg, log: cfg.Logger, cache: cache}, nil
}

// Token returns the cached token while it is fresh and under the use
// budget, fetching a new one otherwise.
func (b *TokenBroker) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if item := b.cache.Get(tokenCacheKey); item != nil && b.uses < b.cfg.MaxUses {
		b.uses++
		return item.Value(), nil
	}

	token, ttl, err := b.generate(ctx)
	if err != nil {
		return "", err
	}
	b.cache.Set(tokenCacheKey, token, ttl)
	b.uses = 1
	b.log.Debug("Generated feature service token", "ttl", ttl.String(), "max_uses", b.cfg.MaxUses)
	return token, nil
}

// Invalidate drops the cached token, forcing the next Token call to fetch a
// fresh one. Called after a layer reports code 498.
func (b *TokenBroker) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Delete(tokenCacheKey)
	b.uses = 0
}

type generateTokenResponse struct {
	Token   string    `json:"token"`
	Expires int64     `json:"expires"`
	Error   *APIError `json:"error,omitempty"`
}

func (b *TokenBroker) generate(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("username", b.cfg.Username)
	form.Set("password", b.cfg.Password)
	form.Set("referer", b.cfg.Referer)
	form.Set("expiration", strconv.Itoa(int(b.cfg.Expiration.Minutes())))
	form.Set("f", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, etl.NewRemoteFatal("generate_token", "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", 0, etl.NewTransientRemote("generate_token", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, etl.NewTransientRemote("generate_token", "failed to read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, etl.NewTransientRemote("generate_token", fmt.Sprintf("auth endpoint returned status %d", resp.StatusCode), nil)
	}

	var out generateTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", 0, etl.NewTransientRemote("generate_token", "failed to decode response", err)
	}
	if out.Error != nil {
		return "", 0, etl.NewRemoteFatal("generate_token", fmt.Sprintf("auth endpoint returned code %d", out.Error.Code), nil)
	}
	if out.Token == "" {
		return "", 0, etl.NewRemoteFatal("generate_token", "auth endpoint returned no token", nil)
	}

	ttl := b.cfg.Expiration
	if out.Expires > 0 {
		remaining := time.UnixMilli(out.Expires).Sub(b.cfg.Clock.Now()) - tokenTTLGuard
		if remaining > 0 && remaining < ttl {
			ttl = remaining
		}
	}
	return out.Token, ttl, nil
}

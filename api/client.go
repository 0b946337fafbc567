// Package api is the authenticated client for the NovaBot backend.
//
// A Client owns the bearer token pair, attaches the access token to every
// authenticated request, caches the user profile for ProfileFreshness, stops
// hammering a failing profile endpoint with a circuit breaker, and on a 401
// refreshes the access token once and replays the request.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/novabot/novabot-cli/store"
)

// Profile cache and breaker tuning.
const (
	ProfileFreshness = 60 * time.Second
	BreakerThreshold = 3
	BreakerCooldown  = 30 * time.Second
)

// Timeout configuration for different operations
const (
	authTimeout       = 10 * time.Second
	refreshTimeout    = 10 * time.Second
	profileTimeout    = 10 * time.Second
	documentTimeout   = 30 * time.Second
	generationTimeout = 120 * time.Second
)

// Client talks to one backend API root. Create it with New and release it
// with Close; clients never share token or profile state.
type Client struct {
	root    string
	http    *retry.Client
	probe   *retry.Client
	tokens  *TokenStore
	store   store.Store
	limiter *rate.Limiter
	now     func() time.Time
	log     zerolog.Logger
	events  Observer

	hmu     sync.RWMutex
	headers http.Header

	// smu guards gen, which changes whenever a different session is installed.
	smu sync.Mutex
	gen uint64

	// profile state, guarded by pmu
	pmu              sync.Mutex
	profile          Profile
	fetchedAt        time.Time
	fetching         bool
	localPatch       Profile
	meMergeAttempted bool
	breaker          *Breaker

	group     singleflight.Group
	persistMu sync.Mutex
	persist   sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport for authenticated and auth calls.
// It should not retry on its own.
func WithHTTPClient(c *retry.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithStore sets the persistent store for tokens and the profile.
func WithStore(s store.Store) Option {
	return func(cl *Client) { cl.store = s }
}

// WithTokenStore injects the token holder.
func WithTokenStore(t *TokenStore) Option {
	return func(cl *Client) { cl.tokens = t }
}

// WithClock sets the time source used by the profile cache and breaker.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// Observer is told about the automatic token refresh. Calls are synchronous
// and must not block.
type Observer interface {
	AccessTokenRejected()
	TokenRefreshedRetrying()
	RefreshFailed(err error)
}

type noopObserver struct{}

func (noopObserver) AccessTokenRejected()    {}
func (noopObserver) TokenRefreshedRetrying() {}
func (noopObserver) RefreshFailed(error)     {}

// WithObserver reports refresh events to o.
func WithObserver(o Observer) Option {
	return func(cl *Client) { cl.events = o }
}

// WithRateLimit paces outbound requests to r per second with the given burst.
// r <= 0 disables pacing.
func WithRateLimit(r float64, burst int) Option {
	return func(cl *Client) {
		if r <= 0 {
			cl.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// New returns a Client for the API root, e.g. "https://host/api/".
func New(apiRoot string, opts ...Option) (*Client, error) {
	u, err := url.Parse(apiRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid API root: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid API root: %q", apiRoot)
	}
	if !strings.HasSuffix(apiRoot, "/") {
		apiRoot += "/"
	}

	c := &Client{
		root:    apiRoot,
		headers: make(http.Header),
		now:     time.Now,
		log:     log.With().Str("component", "api").Logger(),
		events:  noopObserver{},
	}
	c.headers.Set("Accept", "application/json")

	for _, opt := range opts {
		opt(c)
	}

	if c.tokens == nil {
		c.tokens = NewTokenStore()
	}
	if c.events == nil {
		c.events = noopObserver{}
	}
	if c.store == nil {
		c.store = store.NewMemoryStore()
	}
	if c.http == nil || c.probe == nil {
		base := newBaseHTTPClient()
		if c.http == nil {
			// Calls such as chat/ and documents/generate/ are not idempotent,
			// and the breaker must see every profile/ failure.
			if c.http, err = retry.NewClient(retry.WithHTTPClient(base), retry.WithMaxRetries(0)); err != nil {
				return nil, fmt.Errorf("failed to create http client: %w", err)
			}
		}
		if c.probe == nil {
			if c.probe, err = retry.NewClient(retry.WithHTTPClient(base)); err != nil {
				return nil, fmt.Errorf("failed to create retry client: %w", err)
			}
		}
	}
	c.breaker = NewBreaker(BreakerThreshold, BreakerCooldown, c.now)

	// An injected TokenStore may already hold a pair.
	if pair := c.tokens.Pair(); pair.Access != "" {
		c.SetTokens(&pair)
	}

	return c, nil
}

// newBaseHTTPClient builds the shared transport: TLS 1.2+ and pooled
// connections.
func newBaseHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Root returns the API root the client was created with.
func (c *Client) Root() string {
	return c.root
}

// Close waits for pending profile persistence. The store is not closed.
func (c *Client) Close() error {
	c.persist.Wait()
	return nil
}

// SetTokens installs pair as a new session and updates the default
// Authorization header. A nil pair or empty access token removes the header.
// Profile fetches and refreshes started before the call are discarded.
func (c *Client) SetTokens(pair *TokenPair) {
	c.smu.Lock()
	defer c.smu.Unlock()
	c.gen++
	c.applyTokens(pair)
}

// session returns the current session generation.
func (c *Client) session() uint64 {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.gen
}

func (c *Client) applyTokens(pair *TokenPair) {
	c.tokens.Set(pair)

	c.hmu.Lock()
	defer c.hmu.Unlock()
	if pair != nil && pair.Access != "" {
		c.headers.Set("Authorization", "Bearer "+pair.Access)
	} else {
		c.headers.Del("Authorization")
	}
}

// Tokens returns the held token pair.
func (c *Client) Tokens() TokenPair {
	return c.tokens.Pair()
}

// DefaultHeaders returns a copy of the headers sent on authenticated requests.
func (c *Client) DefaultHeaders() http.Header {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.headers.Clone()
}

// request describes one backend call. It is rebuilt into a fresh
// *http.Request on every attempt so a replay sends the exact same call.
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	timeout     time.Duration

	bare      bool   // no Authorization header, no refresh on 401
	probe     bool   // idempotent, may go through the retrying transport
	retried   bool   // already replayed after a refresh
	authToken string // overrides the held access token on replay
}

type response struct {
	status int
	header http.Header
	body   []byte
	raw    *http.Response
}

func newRequest(method, path string, timeout time.Duration) *request {
	return &request{method: method, path: path, timeout: timeout}
}

func newJSONRequest(method, path string, payload any, timeout time.Duration) (*request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", path, err)
	}
	return &request{
		method:      method,
		path:        path,
		body:        body,
		contentType: "application/json",
		timeout:     timeout,
	}, nil
}

func (c *Client) url(r *request) string {
	u := c.root + strings.TrimPrefix(r.path, "/")
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	return u
}

// send executes r. Non-2xx responses return both the response and an
// *APIError. A 401 on an authenticated request is retried once after a
// token refresh.
func (c *Client) send(ctx context.Context, r *request) (*response, error) {
	res, err := c.roundTrip(ctx, r)
	if err != nil {
		return nil, err
	}

	if res.status == http.StatusUnauthorized && !r.bare && !r.retried && c.tokens.Refresh() != "" {
		return c.refreshAndReplay(ctx, r, res)
	}

	if res.status < 200 || res.status > 299 {
		return res, c.statusError(r, res)
	}
	return res, nil
}

func (c *Client) roundTrip(ctx context.Context, r *request) (*response, error) {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = documentTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(reqCtx); err != nil {
			return nil, fmt.Errorf("rate limit wait for %s: %w", r.path, err)
		}
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, c.url(r), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	if r.bare {
		req.Header.Set("Accept", "application/json")
	} else {
		c.hmu.RLock()
		for k, v := range c.headers {
			req.Header[k] = append([]string(nil), v...)
		}
		c.hmu.RUnlock()
		c.authorize(req, r)
	}

	httpClient := c.http
	if r.probe {
		httpClient = c.probe
	}
	resp, err := httpClient.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().
		Str("method", r.method).
		Str("path", r.path).
		Int("status", resp.StatusCode).
		Bool("replay", r.retried).
		Msg("request done")

	return &response{
		status: resp.StatusCode,
		header: resp.Header,
		body:   data,
		raw:    resp,
	}, nil
}

// authorize sets the access token on this specific request, after the
// defaults have been copied, so a request never leaves with a stale header.
func (c *Client) authorize(req *http.Request, r *request) {
	token := r.authToken
	if token == "" {
		token = c.tokens.Access()
	}
	if token != "" {
		setAuthHeader(req, token)
	}
}

// refreshAndReplay handles a 401: refresh once, install the new access token
// globally and on r, and re-issue r. If the refresh fails the original 401
// is returned unchanged.
func (c *Client) refreshAndReplay(ctx context.Context, r *request, orig *response) (*response, error) {
	r.retried = true
	c.log.Debug().Str("path", r.path).Msg("access token rejected (401), refreshing")
	c.events.AccessTokenRejected()

	gen := c.session()
	pair, err := c.Refresh(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("path", r.path).Msg("token refresh failed")
		c.events.RefreshFailed(err)
		return orig, c.statusError(r, orig)
	}

	if !c.installRefreshed(gen, pair) {
		c.log.Debug().Str("path", r.path).Msg("session changed during refresh, dropping new token")
		return orig, c.statusError(r, orig)
	}
	r.authToken = pair.Access

	c.log.Debug().Str("path", r.path).Msg("token refreshed, replaying request")
	c.events.TokenRefreshedRetrying()
	return c.send(ctx, r)
}

// installRefreshed applies a refresh result obtained in session gen. A
// refresh token in the result replaces the held one; otherwise the held one
// is kept. It reports false, changing nothing, when the session has been
// replaced or logged out since.
func (c *Client) installRefreshed(gen uint64, pair *TokenPair) bool {
	c.smu.Lock()
	defer c.smu.Unlock()
	if c.gen != gen {
		return false
	}

	current := c.tokens.Pair()
	next := TokenPair{Access: pair.Access, Refresh: current.Refresh}
	if pair.Refresh != "" {
		next.Refresh = pair.Refresh
	}
	c.applyTokens(&next)

	if err := c.store.Set(store.KeyToken, next.Access); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist refreshed access token")
	}
	if pair.Refresh != "" {
		if err := c.store.Set(store.KeyRefresh, next.Refresh); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist rotated refresh token")
		}
	}
	return true
}

func (c *Client) statusError(r *request, res *response) error {
	return &APIError{
		Method: r.method,
		URL:    c.url(r),
		Status: res.status,
		Body:   res.body,
	}
}

// decode unmarshals a JSON response body into v.
func decode(res *response, v any) error {
	if len(bytes.TrimSpace(res.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// getJSON issues an authenticated GET and decodes the result into v.
func (c *Client) getJSON(ctx context.Context, path string, timeout time.Duration, v any) error {
	res, err := c.send(ctx, newRequest(http.MethodGet, path, timeout))
	if err != nil {
		return err
	}
	return decode(res, v)
}

// postJSON issues an authenticated POST and decodes the result into v.
func (c *Client) postJSON(ctx context.Context, path string, payload any, timeout time.Duration, v any) error {
	r, err := newJSONRequest(http.MethodPost, path, payload, timeout)
	if err != nil {
		return err
	}
	res, err := c.send(ctx, r)
	if err != nil {
		return err
	}
	return decode(res, v)
}

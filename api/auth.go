package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/novabot/novabot-cli/store"
)

// RegisterRequest is the body of auth/register/.
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Password2   string `json:"password2"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Register creates an account. The call never carries an Authorization
// header: a stale token would make the backend reject it with 403.
// Field-level rejections are returned as *ValidationError.
func (c *Client) Register(ctx context.Context, in RegisterRequest) (map[string]any, error) {
	r, err := newJSONRequest(http.MethodPost, "auth/register/", in, authTimeout)
	if err != nil {
		return nil, err
	}
	r.bare = true

	res, err := c.send(ctx, r)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			return nil, parseValidationError(apiErr.Status, apiErr.Body)
		}
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	var created map[string]any
	if err := decode(res, &created); err != nil {
		return nil, err
	}
	return created, nil
}

// Login exchanges credentials for a token pair, stores and persists it, and
// fetches the profile. A failed profile fetch clears the cached profile but
// keeps the session.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	pair, err := c.exchange(ctx, "auth/token/", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	c.establish(ctx, pair)
	c.log.Info().Str("username", username).Msg("logged in")
	return pair, nil
}

// LoginWithFirebase exchanges a Firebase ID token for a backend token pair.
// The backend may omit the refresh token; any previously held one is then
// cleared.
func (c *Client) LoginWithFirebase(ctx context.Context, idToken string) (*TokenPair, error) {
	pair, err := c.exchange(ctx, "auth/firebase/", map[string]string{
		"id_token": idToken,
	})
	if err != nil {
		return nil, err
	}

	c.establish(ctx, pair)
	c.log.Info().Bool("refresh", pair.Refresh != "").Msg("logged in with firebase")
	return pair, nil
}

// exchange posts credentials on the bare path and decodes a token pair.
func (c *Client) exchange(ctx context.Context, path string, payload any) (*TokenPair, error) {
	r, err := newJSONRequest(http.MethodPost, path, payload, authTimeout)
	if err != nil {
		return nil, err
	}
	r.bare = true

	res, err := c.send(ctx, r)
	if err != nil {
		return nil, authFailure(err, res)
	}

	var pair TokenPair
	if err := decode(res, &pair); err != nil {
		return nil, err
	}
	if pair.Access == "" {
		return nil, errors.New("token response is missing the access token")
	}
	return &pair, nil
}

// establish installs a fresh session: tokens in memory and in the store,
// then a forced profile fetch.
func (c *Client) establish(ctx context.Context, pair *TokenPair) {
	c.SetTokens(pair)

	if err := c.store.Set(store.KeyToken, pair.Access); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist access token")
	}
	if pair.Refresh != "" {
		if err := c.store.Set(store.KeyRefresh, pair.Refresh); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist refresh token")
		}
	} else if err := c.store.Delete(store.KeyRefresh); err != nil {
		c.log.Warn().Err(err).Msg("failed to clear refresh token")
	}

	if _, err := c.GetProfile(ctx, true); err != nil {
		c.log.Warn().Err(err).Msg("profile fetch after login failed")
		c.clearProfile()
	}
}

// Logout clears the tokens, the Authorization header, the cached profile
// and the persisted session. Safe to call when already logged out.
func (c *Client) Logout(ctx context.Context) error {
	c.SetTokens(nil)

	c.pmu.Lock()
	c.profile = nil
	c.localPatch = nil
	c.fetchedAt = time.Time{}
	c.breaker.RecordSuccess()
	c.pmu.Unlock()

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	var errs []error
	for _, key := range []string{store.KeyToken, store.KeyRefresh, store.KeyProfile} {
		if err := c.store.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", key, err))
		}
	}
	c.log.Info().Msg("logged out")
	return errors.Join(errs...)
}

// Refresh exchanges the held refresh token for a new access token. It does
// not install the result. The backend may also return a rotated refresh
// token, which is passed through in the result.
func (c *Client) Refresh(ctx context.Context) (*TokenPair, error) {
	refreshToken := c.tokens.Refresh()
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	r, err := newJSONRequest(http.MethodPost, "auth/token/refresh/", map[string]string{
		"refresh": refreshToken,
	}, refreshTimeout)
	if err != nil {
		return nil, err
	}
	// The refresh call is never intercepted, so a 401 here cannot recurse.
	r.bare = true

	res, err := c.send(ctx, r)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) &&
			(apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusBadRequest) {
			return nil, fmt.Errorf("%w: %s", ErrRefreshTokenExpired, apiErr.Detail())
		}
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}

	var pair TokenPair
	if err := decode(res, &pair); err != nil {
		return nil, err
	}
	if pair.Access == "" {
		return nil, errors.New("refresh response is missing the access token")
	}
	return &pair, nil
}

// Restore loads a persisted session with Resume and confirms it with a
// profile fetch. An unauthorized session is logged out. Without a persisted
// access token it returns ErrNoToken and makes no network call.
func (c *Client) Restore(ctx context.Context) (Profile, error) {
	if err := c.Resume(); err != nil {
		return nil, err
	}

	profile, err := c.SyncProfile(ctx, false)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// Resume installs the persisted tokens and seeds the cache with the
// persisted profile, marked stale. It never touches the network.
func (c *Client) Resume() error {
	access, err := c.store.Get(store.KeyToken)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if access == "" {
		return ErrNoToken
	}

	refreshToken, err := c.store.Get(store.KeyRefresh)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Warn().Err(err).Msg("failed to load refresh token")
	}

	if raw, err := c.store.Get(store.KeyProfile); err == nil {
		var placeholder Profile
		if jsonErr := json.Unmarshal([]byte(raw), &placeholder); jsonErr == nil && placeholder != nil {
			c.pmu.Lock()
			c.profile = placeholder
			c.fetchedAt = time.Time{}
			c.pmu.Unlock()
		} else {
			c.log.Debug().Msg("ignoring corrupt persisted profile")
		}
	}

	c.SetTokens(&TokenPair{Access: access, Refresh: refreshToken})
	return nil
}

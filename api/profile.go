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

// Profile is the backend's user profile. Its shape is owned by the backend;
// display_name, email and username are always expected.
type Profile map[string]any

func (p Profile) str(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func (p Profile) DisplayName() string { return p.str("display_name") }
func (p Profile) Email() string       { return p.str("email") }
func (p Profile) Username() string    { return p.str("username") }

// Clone returns a shallow copy; nil stays nil.
func (p Profile) Clone() Profile {
	if p == nil {
		return nil
	}
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// mergeProfiles returns base overlaid with over; over wins on conflict.
func mergeProfiles(base, over Profile) Profile {
	if base == nil && over == nil {
		return nil
	}
	out := make(Profile, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// ProfileUpdate is the body of POST profile/. Nil fields are not sent.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
}

// CachedProfile returns the in-memory profile without any network call.
func (c *Client) CachedProfile() Profile {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return c.profile.Clone()
}

// BreakerState reports the profile circuit breaker state.
func (c *Client) BreakerState() BreakerState {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return c.breaker.State()
}

// GetProfile returns the user profile, from cache when it is younger than
// ProfileFreshness and force is false. At most one fetch is in flight at a
// time: a non-forced call during a fetch returns the cached profile if there
// is one, otherwise it waits for that fetch. While the breaker is open the
// cached profile is returned, or ErrCircuitOpen without one.
//
// A 401/403 that survives the automatic refresh is returned as an error
// matching ErrUnauthorized.
func (c *Client) GetProfile(ctx context.Context, force bool) (Profile, error) {
	if c.tokens.Access() == "" {
		return nil, ErrNoToken
	}

	c.pmu.Lock()
	cached := c.profile.Clone()
	switch {
	case c.fetching && !force && cached != nil:
		c.pmu.Unlock()
		return cached, nil
	case !c.breaker.Allow():
		c.pmu.Unlock()
		c.log.Debug().Msg("profile breaker open, skipping fetch")
		if cached != nil {
			return cached, nil
		}
		return nil, ErrCircuitOpen
	case !force && cached != nil && c.now().Sub(c.fetchedAt) < ProfileFreshness:
		c.pmu.Unlock()
		return cached, nil
	}
	c.pmu.Unlock()

	// Callers of one session share a fetch. It runs detached from any single
	// caller so one caller giving up does not fail the others.
	gen := c.session()
	ch := c.group.DoChan(fmt.Sprintf("profile/%d", gen), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), profileTimeout)
		defer cancel()
		return c.fetchProfile(fetchCtx, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Profile).Clone(), nil
	}
}

// SyncProfile is GetProfile followed by Logout when the session turned out
// to be unauthorized.
func (c *Client) SyncProfile(ctx context.Context, force bool) (Profile, error) {
	profile, err := c.GetProfile(ctx, force)
	if errors.Is(err, ErrUnauthorized) {
		if logoutErr := c.Logout(ctx); logoutErr != nil {
			c.log.Warn().Err(logoutErr).Msg("logout after unauthorized profile fetch failed")
		}
	}
	return profile, err
}

// fetchProfile runs one network fetch for session gen and updates the cache
// and breaker. The result is dropped when the session changed meanwhile.
func (c *Client) fetchProfile(ctx context.Context, gen uint64) (Profile, error) {
	c.pmu.Lock()
	c.fetching = true
	c.localPatch = nil
	c.pmu.Unlock()

	profile, err := c.requestProfile(ctx)

	c.pmu.Lock()
	c.fetching = false
	if c.session() != gen {
		c.pmu.Unlock()
		c.log.Debug().Msg("session changed during profile fetch, dropping result")
		return nil, errSessionChanged
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.breaker.RecordFailure()
		}
		state, failures := c.breaker.State(), c.breaker.Failures()
		c.pmu.Unlock()

		c.log.Warn().
			Err(err).
			Int("failures", failures).
			Stringer("breaker", state).
			Msg("profile fetch failed")
		return nil, err
	}

	c.breaker.RecordSuccess()
	// local edits made during the fetch win over what it returned
	profile = mergeProfiles(profile, c.localPatch)
	c.localPatch = nil
	c.profile = profile
	c.fetchedAt = c.now()
	c.pmu.Unlock()

	c.persistProfile()
	return profile, nil
}

// requestProfile fetches profile/ and, once per client, supplements a
// minimal payload with auth/me/.
func (c *Client) requestProfile(ctx context.Context) (Profile, error) {
	var profile Profile
	if err := c.getJSON(ctx, "profile/", profileTimeout, &profile); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) &&
			(apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			return nil, &UnauthorizedError{Status: apiErr.Status}
		}
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if profile == nil {
		profile = Profile{}
	}

	if profile.Email() != "" || profile.DisplayName() != "" {
		return profile, nil
	}

	c.pmu.Lock()
	attempted := c.meMergeAttempted
	c.meMergeAttempted = true
	c.pmu.Unlock()
	if attempted {
		return profile, nil
	}

	var me Profile
	if err := c.getJSON(ctx, "auth/me/", profileTimeout, &me); err != nil {
		c.log.Debug().Err(err).Msg("auth/me supplement failed")
		return profile, nil
	}
	return mergeProfiles(me, profile), nil
}

// UpdateLocalUser merges patch into the in-memory profile right away and
// persists the result in the background. It makes no network call.
func (c *Client) UpdateLocalUser(patch Profile) Profile {
	c.pmu.Lock()
	next := mergeProfiles(c.profile, patch)
	if next == nil {
		next = Profile{}
	}
	c.profile = next
	if c.fetching {
		c.localPatch = mergeProfiles(c.localPatch, patch)
	}
	snapshot := next.Clone()
	c.pmu.Unlock()

	c.persist.Add(1)
	go func() {
		defer c.persist.Done()
		c.persistProfile()
	}()
	return snapshot
}

// UpdateProfile saves profile fields on the backend and applies the
// returned profile locally.
func (c *Client) UpdateProfile(ctx context.Context, in ProfileUpdate) (Profile, error) {
	var updated Profile
	if err := c.postJSON(ctx, "profile/", in, profileTimeout, &updated); err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return c.UpdateLocalUser(updated), nil
}

// persistProfile writes the current in-memory profile to the store, or
// removes it when there is none. Writers are serialized and always write the
// latest profile, so background writes cannot land out of order.
func (c *Client) persistProfile() {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.pmu.Lock()
	profile := c.profile.Clone()
	c.pmu.Unlock()

	if profile == nil {
		if err := c.store.Delete(store.KeyProfile); err != nil {
			c.log.Warn().Err(err).Msg("failed to clear persisted profile")
		}
		return
	}

	data, err := json.Marshal(profile)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to encode profile")
		return
	}
	if err := c.store.Set(store.KeyProfile, string(data)); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist profile")
	}
}

// clearProfile drops the cached and persisted profile.
func (c *Client) clearProfile() {
	c.pmu.Lock()
	c.profile = nil
	c.localPatch = nil
	c.fetchedAt = time.Time{}
	c.pmu.Unlock()
	c.persistProfile()
}

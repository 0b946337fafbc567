package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novabot/novabot-cli/store"
)

var aliceProfile = map[string]any{
	"username":     "alice",
	"email":        "alice@example.com",
	"display_name": "Alice",
}

func TestGetProfile_NoToken(t *testing.T) {
	b := newBackend(t)
	calls := b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	c, _ := newTestClient(t, b)

	_, err := c.GetProfile(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, CodeNoToken, ErrorCode(err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestGetProfile_FreshnessWindow(t *testing.T) {
	b := newBackend(t)
	calls := b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	clock := newFakeClock()
	c, _ := newTestClient(t, b, WithClock(clock.Now))
	c.SetTokens(&TokenPair{Access: "a1"})
	ctx := context.Background()

	p, err := c.GetProfile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName())

	clock.Advance(59 * time.Second)
	_, err = c.GetProfile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second call within 60s should be served from cache")

	_, err = c.GetProfile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "force always fetches")

	_, err = c.GetProfile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	clock.Advance(ProfileFreshness)
	_, err = c.GetProfile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load(), "stale cache is refetched")
}

func TestGetProfile_ReturnsCopy(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})

	p, err := c.GetProfile(context.Background(), false)
	require.NoError(t, err)
	p["display_name"] = "Mallory"

	assert.Equal(t, "Alice", c.CachedProfile().DisplayName())
}

func TestGetProfile_BreakerOpensAfterThreeFailures(t *testing.T) {
	b := newBackend(t)
	var fail atomic.Bool
	fail.Store(true)
	calls := b.handle(http.MethodGet, "profile/", func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "down"})
			return
		}
		writeJSON(w, http.StatusOK, aliceProfile)
	})
	clock := newFakeClock()
	c, _ := newTestClient(t, b, WithClock(clock.Now))
	c.SetTokens(&TokenPair{Access: "a1"})
	ctx := context.Background()

	for i := 0; i < BreakerThreshold; i++ {
		_, err := c.GetProfile(ctx, false)
		require.Error(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, BreakerOpen, c.BreakerState())

	_, err := c.GetProfile(ctx, true)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load(), "open breaker makes no network call")

	clock.Advance(29 * time.Second)
	_, err = c.GetProfile(ctx, false)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())

	clock.Advance(2 * time.Second)
	assert.Equal(t, BreakerHalfOpen, c.BreakerState())
	fail.Store(false)

	p, err := c.GetProfile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username())
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, BreakerClosed, c.BreakerState())
}

func TestGetProfile_BreakerServesCachedProfile(t *testing.T) {
	b := newBackend(t)
	var mu sync.Mutex
	status := http.StatusOK
	calls := b.handle(http.MethodGet, "profile/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		writeJSON(w, status, aliceProfile)
	})
	clock := newFakeClock()
	c, _ := newTestClient(t, b, WithClock(clock.Now))
	c.SetTokens(&TokenPair{Access: "a1"})
	ctx := context.Background()

	_, err := c.GetProfile(ctx, false)
	require.NoError(t, err)

	mu.Lock()
	status = http.StatusNotFound
	mu.Unlock()

	for i := 0; i < BreakerThreshold; i++ {
		_, err := c.GetProfile(ctx, true)
		require.Error(t, err)
	}
	assert.Equal(t, int32(4), calls.Load())

	p, err := c.GetProfile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName())
	assert.Equal(t, int32(4), calls.Load())

	// a trial failure after the cool-down reopens it
	clock.Advance(BreakerCooldown)
	_, err = c.GetProfile(ctx, true)
	require.Error(t, err)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, BreakerOpen, c.BreakerState())
}

func TestGetProfile_SuccessResetsFailureCount(t *testing.T) {
	b := newBackend(t)
	var mu sync.Mutex
	statuses := []int{http.StatusNotFound, http.StatusNotFound, http.StatusOK, http.StatusNotFound, http.StatusNotFound}
	calls := b.handle(http.MethodGet, "profile/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		status := statuses[0]
		statuses = statuses[1:]
		mu.Unlock()
		writeJSON(w, status, aliceProfile)
	})
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})

	for range 5 {
		_, _ = c.GetProfile(context.Background(), true)
	}
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, BreakerClosed, c.BreakerState())
}

func TestGetProfile_UnauthorizedAfterRefresh(t *testing.T) {
	b := newBackend(t)
	refreshCalls := b.handle(http.MethodPost, "auth/token/refresh/", jsonHandler(http.StatusOK, map[string]string{"access": "a2"}))
	profileCalls := b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusUnauthorized, map[string]string{"detail": "nope"}))
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1", Refresh: "r1"})

	_, err := c.GetProfile(context.Background(), false)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, CodeUnauthorized, ErrorCode(err))

	var unauthorized *UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Equal(t, http.StatusUnauthorized, unauthorized.Status)

	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), profileCalls.Load())
}

func TestGetProfile_Forbidden(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusForbidden, map[string]string{"detail": "forbidden"}))
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})

	_, err := c.GetProfile(context.Background(), false)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSyncProfile_LogsOutWhenUnauthorized(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusUnauthorized, nil))
	c, s := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})
	require.NoError(t, s.Set(store.KeyToken, "a1"))

	_, err := c.SyncProfile(context.Background(), true)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Empty(t, c.Tokens().Access)
	_, err = s.Get(store.KeyToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetProfile_MergesAuthMeOnce(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, map[string]any{
		"username": "alice",
		"bio":      "hello",
	}))
	meCalls := b.handle(http.MethodGet, "auth/me/", jsonHandler(http.StatusOK, map[string]any{
		"username":     "alice-me",
		"email":        "alice@example.com",
		"display_name": "Alice",
	}))
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})
	ctx := context.Background()

	p, err := c.GetProfile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", p.Email())
	assert.Equal(t, "Alice", p.DisplayName())
	assert.Equal(t, "alice", p.Username(), "profile/ wins on conflicts")
	assert.Equal(t, "hello", p["bio"])

	p, err = c.GetProfile(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, p.Email())
	assert.Equal(t, int32(1), meCalls.Load())
}

func TestGetProfile_AuthMeFailureIsIgnored(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, map[string]any{"username": "alice"}))
	meCalls := b.handle(http.MethodGet, "auth/me/", jsonHandler(http.StatusNotFound, nil))
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})

	p, err := c.GetProfile(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username())
	assert.Equal(t, BreakerClosed, c.BreakerState())

	_, err = c.GetProfile(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), meCalls.Load())
}

func TestGetProfile_SkipsAuthMeForCompleteProfile(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	meCalls := b.handle(http.MethodGet, "auth/me/", jsonHandler(http.StatusOK, nil))
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})

	_, err := c.GetProfile(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(0), meCalls.Load())
}

func TestGetProfile_SingleFetchInFlight(t *testing.T) {
	b := newBackend(t)
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	calls := b.handle(http.MethodGet, "profile/", func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		writeJSON(w, http.StatusOK, aliceProfile)
	})
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]Profile, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.GetProfile(context.Background(), true)
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetProfile(context.Background(), true)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "Alice", results[i].DisplayName())
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetProfile_CachedDuringFetch(t *testing.T) {
	b := newBackend(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	b.handle(http.MethodGet, "profile/", func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		writeJSON(w, http.StatusOK, aliceProfile)
	})
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})
	c.UpdateLocalUser(Profile{"display_name": "Placeholder"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetProfile(context.Background(), true)
	}()
	<-started

	p, err := c.GetProfile(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "Placeholder", p.DisplayName())

	close(release)
	<-done
}

func TestLogin_StoresTokensAndProfile(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodPost, "auth/token/", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "alice" || creds["password"] != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access": "a1", "refresh": "r1"})
	})
	profileCalls := b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	c, s := newTestClient(t, b)
	ctx := context.Background()

	pair, err := c.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, &TokenPair{Access: "a1", Refresh: "r1"}, pair)
	assert.Equal(t, "Bearer a1", c.DefaultHeaders().Get("Authorization"))

	token, err := s.Get(store.KeyToken)
	require.NoError(t, err)
	assert.Equal(t, "a1", token)
	refresh, err := s.Get(store.KeyRefresh)
	require.NoError(t, err)
	assert.Equal(t, "r1", refresh)

	raw, err := s.Get(store.KeyProfile)
	require.NoError(t, err)
	var persisted Profile
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, "alice@example.com", persisted.Email())

	p, err := c.GetProfile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName())
	assert.Equal(t, int32(1), profileCalls.Load())

	// the login call itself carried no bearer
	assert.Equal(t, []string{""}, b.authHeaders("auth/token/"))
	assert.Equal(t, []string{"Bearer a1"}, b.authHeaders("profile/"))
}

func TestLogin_ProfileFailureKeepsSession(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodPost, "auth/token/", jsonHandler(http.StatusOK, map[string]string{"access": "a1", "refresh": "r1"}))
	b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusNotFound, nil))
	c, s := newTestClient(t, b)
	c.UpdateLocalUser(Profile{"display_name": "Previous"})

	_, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Nil(t, c.CachedProfile())
	assert.Equal(t, "a1", c.Tokens().Access)

	require.NoError(t, c.Close())
	_, err = s.Get(store.KeyProfile)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLogin_Rejected(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodPost, "auth/token/", jsonHandler(http.StatusUnauthorized, map[string]string{
		"detail": "No active account found with the given credentials",
	}))
	c, _ := newTestClient(t, b)

	_, err := c.Login(context.Background(), "alice", "wrong")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
	assert.Contains(t, authErr.Error(), "No active account")
	assert.Empty(t, c.Tokens().Access)

	require.NotNil(t, authErr.Err)
	assert.Equal(t, http.StatusUnauthorized, authErr.Err.Response.StatusCode)
	assert.NotEmpty(t, authErr.Err.Error())
}

func TestLoginWithFirebase_ClearsMissingRefresh(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodPost, "auth/firebase/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["id_token"] != "firebase-id" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access": "fa"})
	})
	b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	c, s := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "old", Refresh: "old-refresh"})
	require.NoError(t, s.Set(store.KeyRefresh, "old-refresh"))

	pair, err := c.LoginWithFirebase(context.Background(), "firebase-id")
	require.NoError(t, err)
	assert.Equal(t, "fa", pair.Access)

	assert.Equal(t, TokenPair{Access: "fa"}, c.Tokens())
	_, err = s.Get(store.KeyRefresh)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.LoginWithFirebase(context.Background(), "bogus")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "invalid id token", authErr.Detail)
}

func TestRegister(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodPost, "auth/register/", func(w http.ResponseWriter, r *http.Request) {
		var in RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Password != in.Password2 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"password": []string{"Password fields didn't match."},
				"username": []string{"A user with that username already exists."},
			})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"username": in.Username, "email": in.Email})
	})
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "stale"})
	ctx := context.Background()

	created, err := c.Register(ctx, RegisterRequest{Username: "bob", Password: "pw", Password2: "pw", Email: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "bob", created["username"])

	_, err = c.Register(ctx, RegisterRequest{Username: "bob", Password: "pw", Password2: "other"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{
		"password: Password fields didn't match.",
		"username: A user with that username already exists.",
	}, vErr.Lines())

	// never sends the held token
	assert.Equal(t, []string{"", ""}, b.authHeaders("auth/register/"))
}

func TestLogout_ThenGetProfileHasNoToken(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodPost, "auth/token/", jsonHandler(http.StatusOK, map[string]string{"access": "a1", "refresh": "r1"}))
	profileCalls := b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	c, s := newTestClient(t, b)
	ctx := context.Background()

	_, err := c.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	require.NoError(t, c.Logout(ctx))

	_, err = c.GetProfile(ctx, false)
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, int32(1), profileCalls.Load())

	assert.Empty(t, c.DefaultHeaders().Get("Authorization"))
	assert.Nil(t, c.CachedProfile())
	for _, key := range []string{store.KeyToken, store.KeyRefresh, store.KeyProfile} {
		_, err := s.Get(key)
		assert.ErrorIs(t, err, store.ErrNotFound, key)
	}

	// idempotent
	require.NoError(t, c.Logout(ctx))
}

func TestUpdateLocalUser_NoNetworkAndSurvivesCache(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodPost, "auth/token/", jsonHandler(http.StatusOK, map[string]string{"access": "a1", "refresh": "r1"}))
	profileCalls := b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	c, s := newTestClient(t, b)
	ctx := context.Background()

	_, err := c.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	updated := c.UpdateLocalUser(Profile{"display_name": "Alice B"})
	assert.Equal(t, "Alice B", updated.DisplayName())
	assert.Equal(t, "alice@example.com", updated.Email())
	assert.Equal(t, "Alice B", c.CachedProfile().DisplayName())

	p, err := c.GetProfile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Alice B", p.DisplayName())
	assert.Equal(t, int32(1), profileCalls.Load())

	require.NoError(t, c.Close())
	raw, err := s.Get(store.KeyProfile)
	require.NoError(t, err)
	assert.Contains(t, raw, "Alice B")
}

func TestUpdateLocalUser_DuringFetchWins(t *testing.T) {
	b := newBackend(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	b.handle(http.MethodGet, "profile/", func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		writeJSON(w, http.StatusOK, aliceProfile)
	})
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})

	done := make(chan Profile)
	go func() {
		p, _ := c.GetProfile(context.Background(), true)
		done <- p
	}()
	<-started

	c.UpdateLocalUser(Profile{"display_name": "Alice B"})
	close(release)

	p := <-done
	assert.Equal(t, "Alice B", p.DisplayName())
	assert.Equal(t, "alice@example.com", p.Email())
	assert.Equal(t, "Alice B", c.CachedProfile().DisplayName())
}

func TestUpdateProfile(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodPost, "profile/", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		out := map[string]any{}
		for k, v := range aliceProfile {
			out[k] = v
		}
		for k, v := range in {
			out[k] = v
		}
		writeJSON(w, http.StatusOK, out)
	})
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})

	name := "Alice Cooper"
	p, err := c.UpdateProfile(context.Background(), ProfileUpdate{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Alice Cooper", p.DisplayName())
	assert.Equal(t, "Alice Cooper", c.CachedProfile().DisplayName())
}

func TestRestore(t *testing.T) {
	b := newBackend(t)
	profileCalls := b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	c, s := newTestClient(t, b)
	require.NoError(t, s.Set(store.KeyToken, "a1"))
	require.NoError(t, s.Set(store.KeyRefresh, "r1"))
	require.NoError(t, s.Set(store.KeyProfile, `{"display_name":"Cached"}`))

	p, err := c.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName())
	assert.Equal(t, TokenPair{Access: "a1", Refresh: "r1"}, c.Tokens())
	assert.Equal(t, int32(1), profileCalls.Load(), "persisted profile is only a placeholder")
}

func TestRestore_NoSession(t *testing.T) {
	b := newBackend(t)
	profileCalls := b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	c, _ := newTestClient(t, b)

	_, err := c.Restore(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, int32(0), profileCalls.Load())
}

func TestRestore_UnauthorizedLogsOut(t *testing.T) {
	b := newBackend(t)
	b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusUnauthorized, nil))
	c, s := newTestClient(t, b)
	require.NoError(t, s.Set(store.KeyToken, "expired"))
	require.NoError(t, s.Set(store.KeyProfile, "{not json"))

	_, err := c.Restore(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, c.Tokens().Access)
	_, err = s.Get(store.KeyToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResume_SeedsStaleProfileWithoutNetwork(t *testing.T) {
	b := newBackend(t)
	profileCalls := b.handle(http.MethodGet, "profile/", jsonHandler(http.StatusOK, aliceProfile))
	c, s := newTestClient(t, b)
	require.NoError(t, s.Set(store.KeyToken, "a1"))
	require.NoError(t, s.Set(store.KeyProfile, `{"display_name":"Cached"}`))

	require.NoError(t, c.Resume())
	assert.Equal(t, "Cached", c.CachedProfile().DisplayName())
	assert.Equal(t, []string{"Bearer a1"}, c.DefaultHeaders().Values("Authorization"))
	assert.Equal(t, int32(0), profileCalls.Load())

	// Stale placeholder: the next read goes to the backend.
	p, err := c.GetProfile(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName())
}

func TestGetProfile_DroppedAfterLogout(t *testing.T) {
	b := newBackend(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	b.handle(http.MethodGet, "profile/", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, aliceProfile)
	})
	c, s := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1", Refresh: "r1"})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.GetProfile(ctx, true)
		done <- err
	}()

	<-entered
	require.NoError(t, c.Logout(ctx))
	close(release)

	assert.ErrorIs(t, <-done, errSessionChanged)
	require.NoError(t, c.Close())

	assert.Nil(t, c.CachedProfile())
	assert.Equal(t, 0, c.breaker.Failures())
	for _, key := range []string{store.KeyToken, store.KeyRefresh, store.KeyProfile} {
		_, err := s.Get(key)
		assert.ErrorIs(t, err, store.ErrNotFound, key)
	}
}

func TestGetProfile_NewSessionDoesNotJoinOldFetch(t *testing.T) {
	b := newBackend(t)
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	b.handle(http.MethodGet, "profile/", func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		if r.Header.Get("Authorization") == "Bearer old" {
			<-release
			writeJSON(w, http.StatusOK, map[string]any{"username": "mallory", "email": "m@example.com"})
			return
		}
		writeJSON(w, http.StatusOK, aliceProfile)
	})
	c, s := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "old"})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.GetProfile(ctx, true)
		done <- err
	}()
	<-entered

	c.SetTokens(&TokenPair{Access: "new"})
	p, err := c.GetProfile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username())

	close(release)
	assert.ErrorIs(t, <-done, errSessionChanged)
	require.NoError(t, c.Close())

	assert.Equal(t, "alice", c.CachedProfile().Username())
	raw, err := s.Get(store.KeyProfile)
	require.NoError(t, err)
	assert.Contains(t, raw, "alice")
}

func TestGetProfile_CallerCancelDoesNotFailOthers(t *testing.T) {
	b := newBackend(t)
	entered := make(chan struct{}, 10)
	release := make(chan struct{})
	calls := b.handle(http.MethodGet, "profile/", func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		writeJSON(w, http.StatusOK, aliceProfile)
	})
	c, _ := newTestClient(t, b)
	c.SetTokens(&TokenPair{Access: "a1"})

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.GetProfile(firstCtx, true)
		first <- err
	}()
	<-entered

	second := make(chan Profile, 1)
	secondErr := make(chan error, 1)
	go func() {
		p, err := c.GetProfile(context.Background(), true)
		second <- p
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, "Alice", (<-second).DisplayName())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, c.breaker.Failures())
	assert.Equal(t, BreakerClosed, c.BreakerState())
	assert.Equal(t, "alice", c.CachedProfile().Username())
}

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TokenPair is the bearer credential pair issued by the backend.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// AccessExpiry reads the exp claim of a JWT access token. The signature is
// not checked; the value is for display only. ok is false for opaque tokens.
func (p TokenPair) AccessExpiry() (expiry time.Time, ok bool) {
	if p.Access == "" {
		return time.Time{}, false
	}
	token, _, err := jwt.NewParser().ParseUnverified(p.Access, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Preview returns the first n characters of the access token.
func (p TokenPair) Preview(n int) string {
	if len(p.Access) <= n {
		return p.Access
	}
	return p.Access[:n]
}

// TokenStore holds the client's current token pair.
type TokenStore struct {
	mu   sync.RWMutex
	pair TokenPair
}

// NewTokenStore returns an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Set replaces the held pair; nil clears it.
func (s *TokenStore) Set(pair *TokenPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pair == nil {
		s.pair = TokenPair{}
		return
	}
	s.pair = *pair
}

// Pair returns a copy of the held pair.
func (s *TokenStore) Pair() TokenPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

func (s *TokenStore) Access() string {
	return s.Pair().Access
}

func (s *TokenStore) Refresh() string {
	return s.Pair().Refresh
}

// setAuthHeader writes "Authorization: Bearer <access>" on req.
func setAuthHeader(req *http.Request, access string) {
	(&oauth2.Token{AccessToken: access, TokenType: "Bearer"}).SetAuthHeader(req)
}

package tui

import (
	"time"
)

// SessionInfo is what the status screen shows about a signed-in session.
type SessionInfo struct {
	Username     string
	DisplayName  string
	Email        string
	TokenPreview string
	Expiry       time.Time // zero when the access token carries no exp claim
	HasRefresh   bool
	Breaker      string
	StorePath    string
}

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ APIRoot string }

// MsgCheckingHealth signals that the backend health check started.
type MsgCheckingHealth struct{}

// MsgHealthOK signals that the backend answered the health check.
type MsgHealthOK struct{ Status string }

// MsgHealthFailed signals that the backend health check failed.
type MsgHealthFailed struct{ Err error }

// MsgRestoringSession signals that the persisted session is being loaded.
type MsgRestoringSession struct{}

// MsgSessionNotFound signals that no session is persisted.
type MsgSessionNotFound struct{}

// MsgSessionRestored signals that the persisted session was confirmed.
type MsgSessionRestored struct{}

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{}

// MsgTokenRefreshedRetrying signals that the token was refreshed and the request is replayed.
type MsgTokenRefreshedRetrying struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgSessionExpired signals that the backend rejected the session and it was cleared.
type MsgSessionExpired struct{}

// MsgProfileUnavailable signals that the profile could not be loaded.
type MsgProfileUnavailable struct{ Err error }

// MsgDone signals the final session status.
type MsgDone struct{ Info SessionInfo }

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }

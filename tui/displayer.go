package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all output from the session status flow. It also
// receives the API client's refresh events.
type Displayer interface {
	Banner(apiRoot string)
	CheckingHealth()
	HealthOK(status string)
	HealthFailed(err error)
	RestoringSession()
	SessionNotFound()
	SessionRestored()
	AccessTokenRejected()
	TokenRefreshedRetrying()
	RefreshFailed(err error)
	SessionExpired()
	ProfileUnavailable(err error)
	Done(info SessionInfo)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w   io.Writer
	now func() time.Time
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w, now: time.Now}
}

func (p *PlainDisplayer) Banner(apiRoot string) {
	fmt.Fprintln(p.w, "=== NovaBot ===")
	fmt.Fprintf(p.w, "API: %s\n", apiRoot)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) CheckingHealth() {
	fmt.Fprintln(p.w, "Checking backend...")
}

func (p *PlainDisplayer) HealthOK(status string) {
	fmt.Fprintf(p.w, "Backend is up (status: %s)\n", orUnknown(status))
}

func (p *PlainDisplayer) HealthFailed(err error) {
	fmt.Fprintf(p.w, "Backend health check failed: %v\n", err)
}

func (p *PlainDisplayer) RestoringSession() {
	fmt.Fprintln(p.w, "Restoring session...")
}

func (p *PlainDisplayer) SessionNotFound() {
	fmt.Fprintln(p.w, "Not signed in. Run 'novabot login' to sign in.")
}

func (p *PlainDisplayer) SessionRestored() {
	fmt.Fprintln(p.w, "Session restored!")
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Access token rejected (401), refreshing...")
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	fmt.Fprintln(p.w, "Token refreshed, retrying request...")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) SessionExpired() {
	fmt.Fprintln(p.w, "Session expired and was cleared. Run 'novabot login' to sign in again.")
}

func (p *PlainDisplayer) ProfileUnavailable(err error) {
	fmt.Fprintf(p.w, "Warning: profile unavailable: %v\n", err)
}

func (p *PlainDisplayer) Done(info SessionInfo) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session:")
	fmt.Fprintf(p.w, "User: %s\n", userLine(info))
	if info.Email != "" {
		fmt.Fprintf(p.w, "Email: %s\n", info.Email)
	}
	fmt.Fprintf(p.w, "Access Token: %s...\n", info.TokenPreview)
	if !info.Expiry.IsZero() {
		fmt.Fprintf(p.w, "Expires In: %s\n", formatDuration(info.Expiry.Sub(p.now())))
	}
	fmt.Fprintf(p.w, "Refresh Token: %s\n", yesNo(info.HasRefresh))
	if info.StorePath != "" {
		fmt.Fprintf(p.w, "Stored In: %s\n", info.StorePath)
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string) {}
func (NoopDisplayer) CheckingHealth() {}
func (NoopDisplayer) HealthOK(_ string) {}
func (NoopDisplayer) HealthFailed(_ error) {}
func (NoopDisplayer) RestoringSession() {}
func (NoopDisplayer) SessionNotFound() {}
func (NoopDisplayer) SessionRestored() {}
func (NoopDisplayer) AccessTokenRejected() {}
func (NoopDisplayer) TokenRefreshedRetrying() {}
func (NoopDisplayer) RefreshFailed(_ error) {}
func (NoopDisplayer) SessionExpired() {}
func (NoopDisplayer) ProfileUnavailable(_ error) {}
func (NoopDisplayer) Done(_ SessionInfo) {}
func (NoopDisplayer) Fatal(_ error) {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(apiRoot string) {
	t.p.Send(MsgBanner{APIRoot: apiRoot})
}

func (t *ProgramDisplayer) CheckingHealth() {
	t.p.Send(MsgCheckingHealth{})
}

func (t *ProgramDisplayer) HealthOK(status string) {
	t.p.Send(MsgHealthOK{Status: status})
}

func (t *ProgramDisplayer) HealthFailed(err error) {
	t.p.Send(MsgHealthFailed{Err: err})
}

func (t *ProgramDisplayer) RestoringSession() {
	t.p.Send(MsgRestoringSession{})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) SessionRestored() {
	t.p.Send(MsgSessionRestored{})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying() {
	t.p.Send(MsgTokenRefreshedRetrying{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) SessionExpired() {
	t.p.Send(MsgSessionExpired{})
}

func (t *ProgramDisplayer) ProfileUnavailable(err error) {
	t.p.Send(MsgProfileUnavailable{Err: err})
}

func (t *ProgramDisplayer) Done(info SessionInfo) {
	t.p.Send(MsgDone{Info: info})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

func userLine(info SessionInfo) string {
	switch {
	case info.DisplayName != "" && info.Username != "":
		return fmt.Sprintf("%s (@%s)", info.DisplayName, info.Username)
	case info.DisplayName != "":
		return info.DisplayName
	default:
		return orUnknown(info.Username)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

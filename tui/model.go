package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the expiry countdown.
type tickMsg time.Time

// state represents the current phase of the status flow.
type state int

const (
	stateInit      state = iota
	stateHealth          // probing the backend
	stateRestoring       // loading and confirming the session
	stateRefreshing      // replaying after a 401
	stateSignedIn        // session confirmed
	stateSignedOut       // nothing persisted or session cleared
	stateError           // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the session status screen.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int
	now     func() time.Time

	apiRoot   string
	info      SessionInfo
	remaining time.Duration
	errMsg    string

	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleUserBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
		now:     time.Now,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.info.Expiry.IsZero() {
			return m, nil
		}
		m.remaining = max(m.info.Expiry.Sub(m.now()), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session flow messages ────────────────────────────────────────────────

	case MsgBanner:
		m.apiRoot = msg.APIRoot
		return m, nil

	case MsgCheckingHealth:
		m.state = stateHealth
		return m, nil

	case MsgHealthOK:
		m.addStatus(statusOK, "Backend is up ("+orUnknown(msg.Status)+")")
		return m, nil

	case MsgHealthFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Backend health check failed: %v", msg.Err))
		return m, nil

	case MsgRestoringSession:
		m.state = stateRestoring
		return m, nil

	case MsgSessionNotFound:
		m.state = stateSignedOut
		m.addStatus(statusInfo, "No saved session")
		return m, nil

	case MsgSessionRestored:
		m.addStatus(statusOK, "Session restored")
		return m, nil

	case MsgAccessTokenRejected:
		m.state = stateRefreshing
		m.addStatus(statusWarn, "Access token rejected (401), refreshing...")
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.state = stateRestoring
		m.addStatus(statusOK, "Token refreshed, retrying request...")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgSessionExpired:
		m.state = stateSignedOut
		m.addStatus(statusWarn, "Session expired and was cleared")
		return m, nil

	case MsgProfileUnavailable:
		m.addStatus(statusWarn, fmt.Sprintf("Profile unavailable: %v", msg.Err))
		return m, nil

	case MsgDone:
		m.info = msg.Info
		m.state = stateSignedIn
		if m.info.Expiry.IsZero() {
			return m, nil
		}
		m.remaining = max(m.info.Expiry.Sub(m.now()), 0)
		return m, tickAfterSecond()

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSignedIn:
		return tea.NewView(m.viewSignedIn())
	case stateSignedOut:
		return tea.NewView(m.viewSignedOut())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewHeader() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  NovaBot  "))
	b.WriteString("\n")
	if m.apiRoot != "" {
		b.WriteString(styleDim.Render(m.apiRoot))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// viewMain is shown while the backend and session are being checked.
func (m Model) viewMain() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	b.WriteString(m.spinner.View())
	switch m.state {
	case stateHealth:
		b.WriteString(" Checking backend...\n")
	case stateRestoring:
		b.WriteString(" Restoring session...\n")
	case stateRefreshing:
		b.WriteString(" Refreshing access token...\n")
	default:
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSignedIn() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	b.WriteString(styleUserBox.Render("  " + userLine(m.info) + "  "))
	b.WriteString("\n\n")

	if m.info.Email != "" {
		b.WriteString(styleBold.Render("Email:         "))
		b.WriteString(m.info.Email + "\n")
	}
	b.WriteString(styleBold.Render("Access Token:  "))
	b.WriteString(m.info.TokenPreview + "...\n")

	if !m.info.Expiry.IsZero() {
		b.WriteString(styleBold.Render("Expires In:    "))
		b.WriteString(formatDuration(m.remaining) + "\n")
	}

	b.WriteString(styleBold.Render("Refresh Token: "))
	b.WriteString(yesNo(m.info.HasRefresh) + "\n")

	if m.info.Breaker != "" {
		b.WriteString(styleBold.Render("Profile Sync:  "))
		b.WriteString(m.info.Breaker + "\n")
	}
	if m.info.StorePath != "" {
		b.WriteString(styleDim.Render("Stored in " + m.info.StorePath))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSignedOut() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	b.WriteString(styleWarn.Render("  Not signed in"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  Run 'novabot login' to sign in."))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session check failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

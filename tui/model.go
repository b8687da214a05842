package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// maxStatusLines bounds the status log so a large burst does not scroll the
// panel off screen.
const maxStatusLines = 12

// tickMsg is fired every second to update the elapsed timer.
type tickMsg time.Time

// state represents the current phase of the command.
type state int

const (
	stateInit       state = iota
	stateWorking          // requests in flight
	stateRefreshing       // session refresh in flight
	stateDone             // command finished
	stateExpired          // session ended, login required
	stateError            // fatal error
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

// Model is the BubbleTea model for the CLI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	serverURL string
	userName  string

	// Request progress
	started   time.Time
	elapsed   time.Duration
	sent      int
	succeeded int
	failed    int
	replayed  int

	summary *Summary
	errMsg  string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
	dropped     int
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
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
		if !m.busy() {
			return m, nil
		}
		m.elapsed = time.Time(msg).Sub(m.started)
		return m, tickAfterSecond()

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		m.serverURL = msg.ServerURL
		return m, nil

	case MsgSessionFound:
		m.userName = msg.UserName
		m.addStatus(statusOK, fmt.Sprintf("Logged in as %s (id %s)", msg.UserName, msg.UserID))
		if m.state == stateInit {
			m.state = stateDone
		}
		return m, nil

	case MsgNoSession:
		m.addStatus(statusWarn, "Not logged in, run 'subshare login'")
		m.state = stateDone
		return m, nil

	case MsgLoggingIn:
		m.addStatus(statusInfo, "Logging in as "+msg.Email+"...")
		return m, m.startWork()

	case MsgLoginOK:
		m.userName = msg.UserName
		m.addStatus(statusOK, "Login successful")
		m.state = stateDone
		return m, nil

	case MsgLoginFailed:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil

	case MsgLoggedOut:
		m.userName = ""
		m.addStatus(statusOK, "Logged out")
		m.state = stateDone
		return m, nil

	// ── Request messages ─────────────────────────────────────────────────────

	case MsgRequestStarted:
		m.sent++
		return m, m.startWork()

	case MsgRequestOK:
		m.succeeded++
		m.addStatus(statusOK, fmt.Sprintf("%s %s → %d (%s)",
			msg.Method, msg.Path, msg.Status, msg.Elapsed.Round(time.Millisecond)))
		m.settle()
		return m, nil

	case MsgRequestFailed:
		m.failed++
		m.addStatus(statusWarn, fmt.Sprintf("%s %s failed: %v", msg.Method, msg.Path, msg.Err))
		m.settle()
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, fmt.Sprintf("Access token rejected (%d) for %s %s",
			msg.Status, msg.Method, msg.Path))
		return m, nil

	case MsgRefreshStarted:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing session...")
		return m, nil

	case MsgRefreshOK:
		m.state = stateWorking
		m.addStatus(statusOK, "Session refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgReplaying:
		m.replayed++
		return m, nil

	case MsgSessionExpired:
		m.errMsg = msg.Err.Error()
		m.state = stateExpired
		return m, nil

	case MsgSummary:
		s := msg.Summary
		m.summary = &s
		m.elapsed = s.Elapsed
		if m.state != stateExpired {
			m.state = stateDone
		}
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

func (m Model) busy() bool {
	return m.state == stateWorking || m.state == stateRefreshing
}

// startWork enters the working state and starts the elapsed timer once.
func (m *Model) startWork() tea.Cmd {
	if m.busy() {
		return nil
	}
	m.state = stateWorking
	if m.started.IsZero() {
		m.started = time.Now()
	}
	return tickAfterSecond()
}

// settle leaves the working state once every sent request has an outcome.
func (m *Model) settle() {
	if m.state == stateWorking && m.succeeded+m.failed >= m.sent {
		m.state = stateDone
	}
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateExpired:
		return tea.NewView(m.viewExpired())
	case stateError:
		return tea.NewView(m.viewError())
	case stateDone:
		return tea.NewView(m.viewDone())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewHeader() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Subscription Sharing  "))
	b.WriteString("\n")
	if m.serverURL != "" {
		b.WriteString(styleDim.Render("  " + m.serverURL))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// viewMain is shown while requests or a refresh are in flight.
func (m Model) viewMain() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	switch m.state {
	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing session...  ")
		b.WriteString(styleDim.Render(fmt.Sprintf("%d request(s) waiting", m.sent-m.succeeded-m.failed)))
		b.WriteString("\n")

	case stateWorking:
		b.WriteString(m.spinner.View())
		if m.sent > 0 {
			fmt.Fprintf(&b, " Requests %d/%d  ", m.succeeded+m.failed, m.sent)
		} else {
			b.WriteString(" Working...  ")
		}
		b.WriteString(styleDim.Render(formatDuration(m.elapsed) + " elapsed"))
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewDone is shown after the command finished.
func (m Model) viewDone() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	if m.userName != "" {
		b.WriteString(styleBold.Render("User:      "))
		b.WriteString(m.userName + "\n")
	}

	if s := m.summary; s != nil {
		b.WriteString(styleBold.Render("Requests:  "))
		fmt.Fprintf(&b, "%d (%s, %s)\n", s.Total,
			styleOK.Render(fmt.Sprintf("%d ok", s.Succeeded)),
			failedStyle(s.Failed).Render(fmt.Sprintf("%d failed", s.Failed)))

		b.WriteString(styleBold.Render("Refreshes: "))
		fmt.Fprintf(&b, "%d\n", s.Refreshes)

		b.WriteString(styleBold.Render("Replayed:  "))
		fmt.Fprintf(&b, "%d\n", m.replayed)

		b.WriteString(styleBold.Render("Elapsed:   "))
		b.WriteString(formatDuration(s.Elapsed) + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewExpired is shown when the session ended and a new login is needed.
func (m Model) viewExpired() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())
	b.WriteString(styleWarn.Render("  ⚠ Session expired"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")
	b.WriteString(styleBold.Render("  Run 'subshare login' to sign in again."))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())
	b.WriteString(styleErr.Render("  ✗ Command failed"))
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

	if m.dropped > 0 {
		b.WriteString(styleDim.Render(fmt.Sprintf("  … %d earlier line(s)", m.dropped)))
		b.WriteString("\n")
	}

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

// addStatus appends a line to the status log, dropping the oldest lines past
// maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if over := len(m.statusLines) - maxStatusLines; over > 0 {
		m.statusLines = append([]statusLine(nil), m.statusLines[over:]...)
		m.dropped += over
	}
}

func failedStyle(n int) lipgloss.Style {
	if n > 0 {
		return styleErr
	}
	return styleDim
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

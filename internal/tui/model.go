package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/slopeside/slopeside/internal/offline"
)

type pendingMsg struct {
	actions []offline.QueuedAction
	err     error
}

type syncMsg struct {
	started bool
	err     error
}

var (
	primaryColor = lipgloss.Color("#0EA5E9") // sky
	mutedColor   = lipgloss.Color("#6B7280")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	warnColor    = lipgloss.Color("#F59E0B")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	kindStyle    = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)

	listBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)

	footerStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// Model is the bubbletea model of the status view.
type Model struct {
	client *Client
	events <-chan tea.Msg

	spinner spinner.Model
	list    viewport.Model

	status    offline.Status
	connected bool
	connErr   string
	notice    string
	actions   []offline.QueuedAction

	width  int
	height int
	ready  bool
}

// NewModel creates the view. events is fed by Stream.
func NewModel(client *Client, events <-chan tea.Msg) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(primaryColor)
	return Model{
		client:  client,
		events:  events,
		spinner: s,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitForEvent(m.events),
		m.fetchPending(),
	)
}

func (m Model) fetchPending() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		actions, err := m.client.Pending(ctx)
		return pendingMsg{actions: actions, err: err}
	}
}

func (m Model) triggerSync() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		started, err := m.client.TriggerSync(ctx)
		return syncMsg{started: started, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			return m, m.triggerSync()
		case "r":
			return m, m.fetchPending()
		}

	case statusMsg:
		prev := m.status
		m.status = offline.Status(msg)
		m.connected = true
		m.connErr = ""
		cmds = append(cmds, waitForEvent(m.events))
		if prev.QueueLength != m.status.QueueLength || (prev.IsSyncing && !m.status.IsSyncing) {
			cmds = append(cmds, m.fetchPending())
		}
		return m, tea.Batch(cmds...)

	case connMsg:
		m.connected = msg.err == nil
		m.connErr = ""
		if msg.err != nil {
			m.connErr = msg.err.Error()
		}
		return m, waitForEvent(m.events)

	case pendingMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
			return m, nil
		}
		m.actions = msg.actions
		m.list.SetContent(m.renderActions())
		return m, nil

	case syncMsg:
		switch {
		case msg.err != nil:
			m.notice = msg.err.Error()
		case msg.started:
			m.notice = "sync started"
		default:
			m.notice = "sync already running"
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		listW := m.width - 2
		listH := m.height - 6 // header, status, notice, footer and borders
		if !m.ready {
			m.list = viewport.New(listW, listH)
			m.ready = true
		} else {
			m.list.Width = listW
			m.list.Height = listH
		}
		m.list.SetContent(m.renderActions())
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	cmds = append(cmds, cmd)

	m.list, cmd = m.list.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.ready {
		return "Connecting to slopesync..."
	}

	header := headerStyle.Width(m.width).Render("  🏂 slopesync  " + m.networkBadge())
	body := listBorder.Width(m.width - 2).Render(m.list.View())
	footer := footerStyle.Render("  s: sync now │ r: refresh │ ↑↓: scroll │ q: quit")

	notice := ""
	if m.connErr != "" {
		notice = errorStyle.Render("  daemon unreachable: " + m.connErr)
	} else if m.notice != "" {
		notice = mutedStyle.Render("  " + m.notice)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, m.statusLine(), body, notice, footer)
}

func (m Model) networkBadge() string {
	if !m.connected {
		return offlineStyle.Render("○ DAEMON DOWN")
	}
	if m.status.IsOnline {
		return onlineStyle.Render("● ONLINE")
	}
	return offlineStyle.Render("○ OFFLINE")
}

func (m Model) statusLine() string {
	sync := mutedStyle.Render("idle")
	if m.status.IsSyncing {
		sync = m.spinner.View() + " syncing"
	}
	return fmt.Sprintf("  %s │ %d pending", sync, m.status.QueueLength)
}

func (m Model) renderActions() string {
	if len(m.actions) == 0 {
		return mutedStyle.Padding(1).Render("Queue is empty. Everything is synced.")
	}

	var sb strings.Builder
	for _, a := range m.actions {
		ts := mutedStyle.Render(a.EnqueuedAt.Local().Format("Jan 02 15:04"))
		fmt.Fprintf(&sb, "%s %s %s", ts, kindStyle.Render(string(a.Kind())), offline.Summarize(a.Payload))
		if a.RetryCount > 0 {
			sb.WriteString(errorStyle.Render(fmt.Sprintf("  (retry %d)", a.RetryCount)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

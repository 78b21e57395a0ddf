// Package tui is a bubbletea status dashboard over the Trigger Loop and Pool
// Manager, following a poll-and-render status-screen shape: a one-second
// tick refreshes a StatusProvider snapshot and re-renders the view.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is one render frame's worth of dispatch-engine state.
type Snapshot struct {
	Pending      int
	Running      int
	Completed    int
	Failed       int
	IsRunning    bool
	Processing   int
	PoolTotal    int
	PoolBusy     int
	PoolIdle     int
	PoolDestroyed int
	LastError    string
}

// StatusProvider produces the current Snapshot; implemented by the caller
// over trigger.Loop.Stats and pool.Manager.Status.
type StatusProvider func() Snapshot

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stopStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	runState := stopStyle.Render("stopped")
	if m.snap.IsRunning {
		runState = okStyle.Render("running")
	}
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	return fmt.Sprintf(
		"%s\n\nTrigger Loop: %s    In-flight: %d\n\nTasks  pending=%d  running=%d  completed=%d  failed=%d\nPool   total=%d  busy=%d  idle=%d  destroyed=%d\n\nLast Error: %s\n\nPress q to quit.\n",
		headerStyle.Render("swarmd dashboard"),
		runState,
		m.snap.Processing,
		m.snap.Pending,
		m.snap.Running,
		m.snap.Completed,
		m.snap.Failed,
		m.snap.PoolTotal,
		m.snap.PoolBusy,
		m.snap.PoolIdle,
		m.snap.PoolDestroyed,
		lastErr,
	)
}

// Run drives the dashboard until ctx is cancelled or the user quits.
func Run(ctx context.Context, provider StatusProvider) error {
	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

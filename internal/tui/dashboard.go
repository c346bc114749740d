// Package tui is a minimal read-only status view over the shared store: it
// never creates, transitions, or retries a task — only the worker scheduler
// that owns a task does that. It polls the store on a timer and renders
// worker and task state with bubbletea/lipgloss, the same stack the teacher
// repository's own chat dashboard used.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/orchestrator/internal/persistence"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

const refreshInterval = 2 * time.Second

type refreshMsg struct {
	workers []*persistence.Worker
	tasks   map[string][]*persistence.Task
	err     error
}

// Model is the bubbletea model for the read-only dashboard.
type Model struct {
	store    *persistence.Store
	workers  []*persistence.Worker
	tasks    map[string][]*persistence.Task
	err      error
	quitting bool
}

// New builds a dashboard model bound to store.
func New(store *persistence.Store) Model {
	return Model{store: store, tasks: map[string][]*persistence.Task{}}
}

func (m Model) Init() tea.Cmd {
	return m.refresh()
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		workers, err := m.store.ListWorkers(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		tasks := make(map[string][]*persistence.Task, len(workers))
		for _, w := range workers {
			root, err := m.store.RootTaskForWorker(ctx, w.ID)
			if err != nil || root == nil {
				continue
			}
			children, err := m.store.ChildrenOf(ctx, root.ID)
			if err != nil {
				continue
			}
			tasks[w.ID] = append([]*persistence.Task{root}, children...)
		}
		return refreshMsg{workers: workers, tasks: tasks}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tea.KeyMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}
		return m, tea.Batch(m.refresh(), tickCmd())
	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.workers = msg.workers
			m.tasks = msg.tasks
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("workers"))
	sb.WriteString("\n")

	if m.err != nil {
		sb.WriteString(errorStyle.Render(fmt.Sprintf("store error: %s", humanError(m.err))))
		sb.WriteString("\n")
	}
	if len(m.workers) == 0 {
		sb.WriteString(dimStyle.Render("no workers"))
		sb.WriteString("\n")
	}

	for _, w := range m.workers {
		sb.WriteString(statusStyle(string(w.Status)).Render(fmt.Sprintf("● %-20s %-8s cost=$%.4f", w.Name, w.Status, w.AccumulatedCostUSD)))
		sb.WriteString("\n")
		for _, t := range m.tasks[w.ID] {
			indent := "  "
			if !t.IsRoot() {
				indent = "    ↳ "
			}
			sb.WriteString(dimStyle.Render(fmt.Sprintf("%s[%s] %s", indent, t.Status, truncate(t.Title, 60))))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n")
	sb.WriteString(dimStyle.Render("q: quit   r: refresh"))
	return sb.String()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "active", "done":
		return activeStyle
	case "error", "failed":
		return errorStyle
	default:
		return dimStyle
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Run starts the dashboard's bubbletea program and blocks until the user
// quits or ctx is canceled. The controlling TTY is reset on exit regardless
// of how the program stopped, since bubbletea's raw-mode terminal state can
// otherwise leak into the parent shell.
func Run(ctx context.Context, store *persistence.Store) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(New(store))
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

// Package top implements the live broker status view behind sched top.
package top

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/tui"
)

// Source is what the view polls. *api.BrokerClient satisfies it.
type Source interface {
	Status(ctx context.Context) (*api.StatusResult, error)
	History(ctx context.Context, n int) ([]api.Transition, error)
	RemoveProject(ctx context.Context, indexOrID string) error
}

const historyLines = 8

type tickMsg time.Time

type fetchResultMsg struct {
	projects []api.ProjectStatus
	history  []api.Transition
	err      error
}

type removeResultMsg struct {
	target string
	err    error
}

type clearStatusMsg struct{}

// Model is the bubbletea model of the status view.
type Model struct {
	source   Source
	interval time.Duration
	timeout  time.Duration

	projects []api.ProjectStatus
	history  []api.Transition
	selected int
	loaded   bool
	err      error
	status   string

	spinner spinner.Model
	width   int
}

// New creates a view polling source every interval.
func New(source Source, interval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(tui.ColorLoading)

	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		source:   source,
		interval: interval,
		timeout:  5 * time.Second,
		spinner:  sp,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch, m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	status, err := m.source.Status(ctx)
	if err != nil {
		return fetchResultMsg{err: err}
	}
	history, err := m.source.History(ctx, historyLines)
	if err != nil {
		return fetchResultMsg{err: err}
	}
	return fetchResultMsg{projects: status.Projects, history: history}
}

func (m Model) remove(target string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		return removeResultMsg{target: target, err: m.source.RemoveProject(ctx, target)}
	}
}

func (m Model) showStatus(msg string) (Model, tea.Cmd) {
	m.status = msg
	return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg { return clearStatusMsg{} })
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch, m.tick())

	case fetchResultMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.projects = msg.projects
			m.history = msg.history
			if m.selected >= len(m.projects) {
				m.selected = max(len(m.projects)-1, 0)
			}
		}
		return m, nil

	case removeResultMsg:
		if msg.err != nil {
			return m.showStatus(fmt.Sprintf("remove %s: %v", msg.target, msg.err))
		}
		m, cmd := m.showStatus("removed " + msg.target)
		return m, tea.Batch(cmd, m.fetch)

	case clearStatusMsg:
		m.status = ""
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.projects)-1 {
			m.selected++
		}
	case "r":
		return m, m.fetch
	case "x", "d":
		if len(m.projects) == 0 {
			return m, nil
		}
		target := strconv.Itoa(m.projects[m.selected].No)
		return m, m.remove(target)
	}
	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(tui.StyleTitle.Render("schedd"))
	b.WriteString(" ")
	b.WriteString(tui.StyleMuted.Render(fmt.Sprintf("%d projects", len(m.projects))))
	b.WriteString("\n\n")

	switch {
	case !m.loaded:
		b.WriteString(m.spinner.View() + " connecting to broker...\n")
	case m.err != nil && len(m.projects) == 0:
		b.WriteString(tui.StyleError.Render("broker unavailable: "+m.err.Error()) + "\n")
	default:
		b.WriteString(m.renderProjects())
	}

	if len(m.history) > 0 {
		b.WriteString("\n")
		b.WriteString(tui.StyleHeader.Render("Recent transitions"))
		b.WriteString("\n")
		for _, t := range m.history {
			b.WriteString(tui.StyleMuted.Render(t.String()))
			b.WriteString("\n")
		}
	}

	if m.status != "" {
		b.WriteString("\n" + tui.StyleNormal.Render(m.status) + "\n")
	}
	b.WriteString(tui.StyleHelp.Render("↑/↓ select  x remove  r refresh  q quit"))
	return b.String()
}

func (m Model) renderProjects() string {
	var b strings.Builder
	b.WriteString(tui.StyleHeader.Render(fmt.Sprintf("  %-4s %-20s %-9s %-7s %s", "No.", "Project ID", "State", "PID", "Ready for")))
	b.WriteString("\n")

	if len(m.projects) == 0 {
		b.WriteString(tui.StyleMuted.Render("  no projects loaded"))
		b.WriteString("\n")
		return b.String()
	}

	now := time.Now()
	for i, p := range m.projects {
		id := p.ID
		if id == "" {
			id = "<unknown>"
		}
		icon := tui.StateStyle(p.State).Render(tui.StateIcons[p.State])
		state := tui.StateStyle(p.State).Render(fmt.Sprintf("%-9s", p.State))
		if p.State == api.StateLoading {
			icon = m.spinner.View()
		}
		age := ""
		if !p.ReadySince.IsZero() {
			age = now.Sub(p.ReadySince).Round(time.Second).String()
		}

		row := fmt.Sprintf("%-4d %-20s %s %-7d %s", p.No, id, state, p.PID, age)
		if i == m.selected {
			row = tui.StyleSelected.Render(row)
		} else {
			row = tui.StyleNormal.Render(row)
		}
		b.WriteString(icon + " " + row + "\n")
	}
	return b.String()
}

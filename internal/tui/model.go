package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// pollInterval refreshes the board even when no file event arrives.
const pollInterval = 5 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			MarginLeft(1)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginLeft(1).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			MarginLeft(1)

	countsStyle = lipgloss.NewStyle().
			Bold(true).
			MarginLeft(1).
			MarginBottom(1)
)

// Model is the interactive board state.
type Model struct {
	table      table.Model
	source     Source
	changes    <-chan struct{}
	board      Board
	lastUpdate time.Time
	err        error
	quitting   bool
}

type tickMsg time.Time
type boardMsg struct {
	board Board
	at    time.Time
}
type changedMsg struct{}
type errMsg error

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// NewModel builds a board model. changes may be nil when no watcher runs.
func NewModel(source Source, changes <-chan struct{}) Model {
	columns := []table.Column{
		{Title: columnTitles[0], Width: 12},
		{Title: columnTitles[1], Width: 15},
		{Title: columnTitles[2], Width: 12},
		{Title: columnTitles[3], Width: 22},
		{Title: columnTitles[4], Width: 24},
		{Title: columnTitles[5], Width: 40},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true).
		Foreground(lipgloss.Color("12"))
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		table:   t,
		source:  source,
		changes: changes,
	}
}

// Init loads the first snapshot and starts listening for changes.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.refresh(),
		m.waitForChange(),
	)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		if height := msg.Height - 10; height > 3 {
			m.table.SetHeight(height)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(), m.refresh())

	case changedMsg:
		return m, tea.Batch(m.refresh(), m.waitForChange())

	case boardMsg:
		m.board = msg.board
		m.lastUpdate = msg.at
		m.err = nil
		rows := make([]table.Row, len(msg.board.Rows))
		for i, row := range msg.board.Rows {
			rows[i] = table.Row(row.cells())
		}
		m.table.SetRows(rows)
		return m, nil

	case errMsg:
		m.err = msg
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the board.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	header := lipgloss.JoinHorizontal(
		lipgloss.Top,
		titleStyle.Render("ncrew · "+m.board.Project),
		strings.Repeat(" ", 5),
		timestampStyle.Render(fmt.Sprintf("Last update: %s", m.lastUpdate.Format("15:04:05"))),
	)
	b.WriteString(header)
	b.WriteString("\n\n")
	b.WriteString(countsStyle.Render(countsLine(m.board)))
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓: navigate • r: refresh • q/esc: quit"))

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	return b.String()
}

func (m Model) refresh() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		board, err := source()
		if err != nil {
			return errMsg(err)
		}
		return boardMsg{board: board, at: time.Now()}
	}
}

func (m Model) waitForChange() tea.Cmd {
	if m.changes == nil {
		return nil
	}
	changes := m.changes
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return changedMsg{}
	}
}

// Options configures Run.
type Options struct {
	Source    Source
	WatchDirs []string
	Logger    logrus.FieldLogger
	Out       *os.File
}

// Run shows the interactive board, or prints it once when Out is not a terminal.
func Run(ctx context.Context, options Options) error {
	out := options.Out
	if out == nil {
		out = os.Stdout
	}
	if !isTerminal(out) {
		board, err := options.Source()
		if err != nil {
			return err
		}
		return WritePlain(out, board)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes, err := Watch(watchCtx, options.WatchDirs, options.Logger)
	if err != nil {
		return err
	}
	program := tea.NewProgram(
		NewModel(options.Source, changes),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
		tea.WithOutput(out),
	)
	_, err = program.Run()
	return err
}

// isTerminal reports whether out is an interactive terminal.
func isTerminal(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
}

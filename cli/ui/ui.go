// Package ui provides the terminal components of the keel CLI: a task
// spinner, a progress bar, tables and badges. Components fall back to plain
// lines when output is not a terminal.
package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/keelhq/keel/cli/styles"
)

// ErrCancelled is returned when the user quits an interactive component.
var ErrCancelled = errors.New("cancelled")

// Interactive reports whether w is a terminal that can host bubbletea programs.
func Interactive(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// Task is work shown behind a spinner. The returned string is the summary
// printed when it finishes.
type Task func() (string, error)

// SpinnerModel runs a Task and spins until it completes.
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	task     Task
	quitting bool
	done     bool
	result   string
	err      error
}

// SpinnerDoneMsg carries the outcome of the spinner's task.
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// NewSpinner creates a spinner that runs task.
func NewSpinner(message string, task Task) SpinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)
	return SpinnerModel{spinner: s, message: message, task: task}
}

func (m SpinnerModel) Init() tea.Cmd {
	run := func() tea.Msg {
		result, err := m.task()
		return SpinnerDoneMsg{Result: result, Err: err}
	}
	return tea.Batch(m.spinner.Tick, run)
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m SpinnerModel) View() string {
	switch {
	case m.done && m.err != nil:
		return styles.FormatError(m.err.Error()) + "\n"
	case m.done:
		return styles.FormatSuccess(m.result) + "\n"
	case m.quitting:
		return styles.FormatWarning("Cancelled") + "\n"
	}
	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// Spin runs task behind a spinner on w, or prints its outcome as one line
// when w is not a terminal.
func Spin(w io.Writer, message string, task Task) error {
	if !Interactive(w) {
		result, err := task()
		if err != nil {
			fmt.Fprintln(w, styles.FormatError(err.Error()))
			return err
		}
		fmt.Fprintln(w, styles.FormatSuccess(result))
		return nil
	}

	final, err := tea.NewProgram(NewSpinner(message, task), tea.WithOutput(w)).Run()
	if err != nil {
		return err
	}
	m := final.(SpinnerModel)
	if m.quitting {
		return ErrCancelled
	}
	return m.err
}

// ProgressModel is a progress bar fed with ProgressMsg.
type ProgressModel struct {
	progress progress.Model
	percent  float64
	message  string
	done     bool
}

// ProgressMsg moves the progress bar. Percent 1 ends the program.
type ProgressMsg struct {
	Percent float64
	Message string
}

// NewProgress creates a new progress bar
func NewProgress(message string) ProgressModel {
	return ProgressModel{
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		message:  message,
	}
}

func (m ProgressModel) Init() tea.Cmd {
	return nil
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case ProgressMsg:
		m.percent = msg.Percent
		m.message = msg.Message
		if m.percent >= 1.0 {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case progress.FrameMsg:
		model, cmd := m.progress.Update(msg)
		m.progress = model.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m ProgressModel) View() string {
	if m.done {
		return styles.FormatSuccess(m.message) + "\n"
	}
	return m.progress.ViewAs(m.percent) + " " + styles.Muted.Render(m.message) + "\n"
}

// Table collects rows and renders them with a rounded border.
type Table struct {
	headers []string
	rows    [][]string
}

// NewTable creates a new table with headers
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// AddRow adds a row; missing cells are left blank and extra cells dropped.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table string
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 1)
	cell := lipgloss.NewStyle().Foreground(styles.Text).Padding(0, 1)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(styles.Border)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers(t.headers...).
		Rows(t.rows...).
		Render()
}

// StatusBadge returns a styled status badge
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("#000000"))
	switch strings.ToLower(status) {
	case "completed", "running", "ok", "active":
		badge = badge.Background(styles.Success)
	case "compensated", "catching_up", "skipped", "frozen":
		badge = badge.Background(styles.Warning)
	case "failed", "aborted", "faulted", "compensation_failed", "error":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}
	return badge.Render(status)
}

// Banner renders the keel banner.
func Banner() string {
	banner := `
    ██╗  ██╗███████╗███████╗██╗
    ██║ ██╔╝██╔════╝██╔════╝██║
    █████╔╝ █████╗  █████╗  ██║
    ██╔═██╗ ██╔══╝  ██╔══╝  ██║
    ██║  ██╗███████╗███████╗███████╗
    ╚═╝  ╚═╝╚══════╝╚══════╝╚══════╝
     event-sourced ledgers and sagas
`
	return lipgloss.NewStyle().Foreground(styles.Primary).Bold(true).Render(banner)
}

// SimpleBanner returns a one-line banner.
func SimpleBanner() string {
	return styles.IconAnchor + " " + styles.Highlight.Render("keel") + " " +
		styles.Muted.Render("- event-sourced ledgers and sagas")
}

// Divider returns a horizontal divider line
func Divider(width int) string {
	return styles.Muted.Render(strings.Repeat("─", width))
}

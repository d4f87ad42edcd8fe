// Package ui provides the interactive terminal components used by the kestrel CLI.
package ui

import (
	"context"
	"io"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/kestrel-es/kestrel/cli/styles"
)

// SpinnerModel shows a spinner next to a message until a SpinnerDoneMsg
// arrives.
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	err      error
}

// NewSpinner creates a spinner with the given message.
func NewSpinner(message string) SpinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return SpinnerModel{
		spinner: s,
		message: message,
	}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
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
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View clears the line once the work is done so the caller can print the
// outcome itself.
func (m SpinnerModel) View() string {
	if m.done {
		return ""
	}
	if m.quitting {
		return styles.FormatWarning("Cancelled") + "\n"
	}
	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// Done reports whether the model received a SpinnerDoneMsg.
func (m SpinnerModel) Done() bool {
	return m.done
}

// Cancelled reports whether the user quit before the work finished.
func (m SpinnerModel) Cancelled() bool {
	return m.quitting && !m.done
}

// SpinnerDoneMsg signals that the spinner operation is complete.
type SpinnerDoneMsg struct {
	Err error
}

// RunSpinner runs work while a spinner with message is shown on out. Output
// that is not a terminal gets no rendering. The work's error is returned, or
// context.Canceled when the user quits first.
func RunSpinner(ctx context.Context, out io.Writer, message string, work func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithOutput(out)}
	if !IsTerminal(out) {
		opts = append(opts, tea.WithInput(nil), tea.WithoutRenderer())
	}
	p := tea.NewProgram(NewSpinner(message), opts...)

	result := make(chan error, 1)
	go func() {
		err := work(ctx)
		result <- err
		p.Send(SpinnerDoneMsg{Err: err})
	}()

	final, runErr := p.Run()
	if model, ok := final.(SpinnerModel); ok && model.Cancelled() {
		cancel()
		<-result
		return context.Canceled
	}
	if runErr != nil {
		cancel()
		if err := <-result; err != nil {
			return err
		}
		return runErr
	}
	return <-result
}

// IsTerminal reports whether w writes to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

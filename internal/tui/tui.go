// Package tui renders an intake conversation in the terminal using Bubble Tea.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"preconsult/internal/consultation"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(2)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

const pollInterval = 100 * time.Millisecond

// Message types
type tickMsg time.Time
type doneMsg struct{ err error }

// Model drives one conversation. Input methods on the conversation block, so
// they run as commands while a ticker polls the view.
type Model struct {
	ctx  context.Context
	conv *consultation.Conversation

	view    consultation.View
	kind    consultation.Kind
	choice  int
	pending bool
	err     string

	spinner    spinner.Model
	input      textinput.Model
	answer     textarea.Model
	transcript viewport.Model
	width      int
	height     int
	quitting   bool
}

func New(ctx context.Context, conv *consultation.Conversation) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ti := textinput.New()
	ti.CharLimit = 120
	ti.Width = 40

	ta := textarea.New()
	ta.ShowLineNumbers = false
	ta.SetWidth(60)
	ta.SetHeight(3)

	vp := viewport.New(80, 14)

	m := Model{
		ctx:        ctx,
		conv:       conv,
		spinner:    s,
		input:      ti,
		answer:     ta,
		transcript: vp,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.run(m.conv.Start),
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// run executes a blocking conversation call off the UI loop.
func (m Model) run(fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return doneMsg{err: fn(ctx)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		if m.pending || m.view.Prompt == nil {
			return m, nil
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.transcript.Width = msg.Width - 4
		m.transcript.Height = max(msg.Height-14, 5)
		m.answer.SetWidth(min(msg.Width-6, 80))
		m.renderTranscript()

	case tickMsg:
		m.refresh()
		cmds = append(cmds, tickCmd())

	case doneMsg:
		m.pending = false
		m.err = errorText(msg.err)
		if msg.err == nil {
			m.input.Reset()
			m.answer.Reset()
		}
		m.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	prompt := m.view.Prompt

	switch prompt.Kind {
	case consultation.KindAgreement:
		switch msg.String() {
		case "y":
			return m.submit(func(ctx context.Context) error { return m.conv.Agree(ctx, true) })
		case "n":
			return m.submit(func(ctx context.Context) error { return m.conv.Agree(ctx, false) })
		case "enter":
			agreed := prompt.Options[m.choice].Value == "yes"
			return m.submit(func(ctx context.Context) error { return m.conv.Agree(ctx, agreed) })
		}
		m.moveChoice(msg, len(prompt.Options))
		return m, nil

	case consultation.KindGender:
		if msg.String() == "enter" {
			gender := prompt.Options[m.choice].Value
			return m.submit(func(ctx context.Context) error { return m.conv.SubmitGender(ctx, gender) })
		}
		m.moveChoice(msg, len(prompt.Options))
		return m, nil

	case consultation.KindName, consultation.KindDateOfBirth:
		if msg.String() == "enter" {
			value := m.input.Value()
			if prompt.Kind == consultation.KindName {
				return m.submit(func(ctx context.Context) error { return m.conv.SubmitName(ctx, value) })
			}
			return m.submit(func(ctx context.Context) error { return m.conv.SubmitDateOfBirthText(ctx, value) })
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case consultation.KindMedicalAnswer:
		if msg.Type == tea.KeyEnter {
			// terminals report Alt+Enter where browsers see Shift+Enter
			if (consultation.MedicalAnswerCollector{}).SubmitsOnEnter(msg.Alt) {
				value := m.answer.Value()
				return m.submit(func(ctx context.Context) error { return m.conv.SubmitAnswer(ctx, value) })
			}
			m.answer.InsertString("\n")
			return m, nil
		}
		var cmd tea.Cmd
		m.answer, cmd = m.answer.Update(msg)
		return m, cmd

	case consultation.KindRestart:
		if msg.String() == "enter" || msg.String() == "r" {
			return m.submit(m.conv.Restart)
		}
	}
	return m, nil
}

func (m *Model) moveChoice(msg tea.KeyMsg, n int) {
	switch msg.String() {
	case "up", "left", "k", "h":
		if m.choice > 0 {
			m.choice--
		}
	case "down", "right", "j", "l", "tab":
		if m.choice < n-1 {
			m.choice++
		}
	}
}

func (m Model) submit(fn func(context.Context) error) (tea.Model, tea.Cmd) {
	m.pending = true
	m.err = ""
	return m, m.run(fn)
}

// refresh pulls the view and resets the widgets when the active collector
// changes.
func (m *Model) refresh() {
	m.view = m.conv.View()

	var kind consultation.Kind
	if m.view.Prompt != nil {
		kind = m.view.Prompt.Kind
	}
	if kind != m.kind && kind != "" {
		m.kind = kind
		m.choice = 0
		m.input.Reset()
		m.answer.Reset()
		m.input.Blur()
		m.answer.Blur()
		switch kind {
		case consultation.KindName, consultation.KindDateOfBirth:
			m.input.Placeholder = m.view.Prompt.Placeholder
			m.input.Focus()
		case consultation.KindMedicalAnswer:
			m.answer.Placeholder = m.view.Prompt.Placeholder
			m.answer.Focus()
		}
	}
	m.renderTranscript()
}

func (m *Model) renderTranscript() {
	var b strings.Builder
	for _, msg := range m.view.Messages {
		if msg.Role == consultation.RoleBot {
			b.WriteString(botStyle.Render("Assistant: "))
		} else {
			b.WriteString(userStyle.Render("You: "))
		}
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	m.transcript.SetContent(b.String())
	m.transcript.GotoBottom()
}

func errorText(err error) string {
	var inputErr *consultation.InputError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &inputErr):
		// inline rejections are already in the transcript
		if inputErr.Inline {
			return ""
		}
		return inputErr.Reason
	case errors.Is(err, consultation.ErrBusy):
		return ""
	}
	return err.Error()
}

func (m Model) View() string {
	if m.quitting {
		return infoStyle.Render("Your answers are saved. Run the command again to continue.") + "\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Pre-consultation"))
	b.WriteString("\n\n")
	b.WriteString(m.transcript.View())
	b.WriteString("\n")

	if m.view.Notice != "" {
		b.WriteString(noticeStyle.Render(m.view.Notice))
		b.WriteString("\n")
	}

	switch {
	case m.view.Restoring:
		b.WriteString(m.spinner.View() + " Restoring your session...")
	case m.view.Processing || m.pending || (m.view.Prompt == nil && !m.view.Step.Terminal()):
		b.WriteString(m.spinner.View() + infoStyle.Render(" Assistant is typing..."))
	case m.view.Prompt != nil:
		b.WriteString(m.renderPrompt(*m.view.Prompt))
	}

	if m.err != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.err))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help()))
	return b.String()
}

func (m Model) renderPrompt(p consultation.Prompt) string {
	var b strings.Builder
	if p.Title != "" {
		b.WriteString(infoStyle.Render(fmt.Sprintf("%s (%.0f%%)", p.Title, p.Progress)))
		b.WriteString("\n")
	}

	switch p.Kind {
	case consultation.KindAgreement, consultation.KindGender, consultation.KindRestart:
		opts := make([]string, len(p.Options))
		for i, o := range p.Options {
			if i == m.choice {
				opts[i] = selectedStyle.Render("> " + o.Label)
			} else {
				opts[i] = "  " + o.Label
			}
		}
		b.WriteString(strings.Join(opts, "   "))
	case consultation.KindName, consultation.KindDateOfBirth:
		b.WriteString(boxStyle.Render(m.input.View()))
	case consultation.KindMedicalAnswer:
		b.WriteString(boxStyle.Render(m.answer.View()))
	}
	return b.String()
}

func (m Model) help() string {
	if m.view.Prompt == nil {
		return "esc: quit"
	}
	switch m.view.Prompt.Kind {
	case consultation.KindAgreement:
		return "y/n or ←/→ + enter: choose • esc: quit"
	case consultation.KindGender:
		return "←/→: choose • enter: confirm • esc: quit"
	case consultation.KindMedicalAnswer:
		return "enter: submit • alt+enter: new line • esc: quit"
	case consultation.KindRestart:
		return "enter: start a new session • esc: quit"
	}
	return "enter: submit • esc: quit"
}

// Run starts the full-screen program and blocks until the patient quits.
func Run(ctx context.Context, conv *consultation.Conversation) error {
	p := tea.NewProgram(New(ctx, conv), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

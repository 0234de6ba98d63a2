// Package tui is the interactive terminal chat behind `esrbot chat`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/edgeflare/esrbot/pkg/rag"
)

// maxHistory bounds the turns sent back to the model as conversation history.
const maxHistory = 6

// Asker is the TUI-facing subset of rag.Bot.
type Asker interface {
	Ask(ctx context.Context, q rag.Question) (*rag.Answer, error)
}

type turn struct {
	question string
	answer   *rag.Answer
	err      error
}

type answerMsg struct {
	answer *rag.Answer
	err    error
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	bot      Asker
	ctx      context.Context
	timeout  time.Duration
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	turns    []turn
	title    string
	status   string
	waiting  bool
	ready    bool
	width    int
}

// New creates a chat model. title is shown in the header, typically the indexed files.
func New(ctx context.Context, bot Asker, title string, timeout time.Duration) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about the ESR policy (Enter to send, Ctrl+C to quit)"
	ti.Focus()
	ti.CharLimit = 2000

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	return Model{
		bot:      bot,
		ctx:      ctx,
		timeout:  timeout,
		input:    ti,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		title:    title,
		status:   "Ready.",
	}
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, resize, spinner and answer events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		m.width = msg.Width
		_, fh := historyBoxStyle.GetFrameSize()
		_, ih := inputBoxStyle.GetFrameSize()
		reserved := 2 + 1 + ih + 1 // header lines, status, input box
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-fh)
		m.input.Width = max(10, msg.Width-6)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.waiting {
				return m, nil
			}
			q := strings.TrimSpace(m.input.Value())
			if q == "" {
				return m, nil
			}
			if q == "/clear" {
				m.turns = nil
				m.input.Reset()
				m.status = "History cleared."
				m.refresh()
				return m, nil
			}
			history := m.history()
			m.turns = append(m.turns, turn{question: q})
			m.input.Reset()
			m.waiting = true
			m.status = "Thinking..."
			m.refresh()
			return m, tea.Batch(m.spinner.Tick, m.ask(q, history))
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case answerMsg:
		m.waiting = false
		if n := len(m.turns); n > 0 {
			m.turns[n-1].answer = msg.answer
			m.turns[n-1].err = msg.err
		}
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.status = fmt.Sprintf("Answered in %s.", msg.answer.Latency.Round(time.Millisecond))
		}
		m.refresh()
		return m, nil
	}

	if m.waiting {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders header, conversation, input box and status line.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("ESRBot")
	sub := subtleStyle.Render(m.title)
	status := statusStyle.Render(m.status)
	if m.waiting {
		status = m.spinner.View() + " " + status
	}
	return header + "\n" + sub + "\n" +
		historyBoxStyle.Render(m.viewport.View()) + "\n" +
		inputBoxStyle.Render(m.input.View()) + "\n" +
		status
}

func (m Model) ask(q string, history []rag.Message) tea.Cmd {
	return func() tea.Msg {
		ctx := m.ctx
		if m.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}
		answer, err := m.bot.Ask(ctx, rag.Question{Text: q, History: history})
		return answerMsg{answer: answer, err: err}
	}
}

// history returns the last answered turns as alternating user/assistant messages.
func (m Model) history() []rag.Message {
	var msgs []rag.Message
	start := max(0, len(m.turns)-maxHistory)
	for _, t := range m.turns[start:] {
		if t.answer == nil {
			continue
		}
		msgs = append(msgs,
			rag.Message{Role: rag.RoleUser, Content: t.question},
			rag.Message{Role: rag.RoleAssistant, Content: t.answer.Text},
		)
	}
	return msgs
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.render())
	m.viewport.GotoBottom()
}

func (m Model) render() string {
	if len(m.turns) == 0 {
		return subtleStyle.Render("No questions yet. Try: What activities are excluded from financing?")
	}
	wrap := lipgloss.NewStyle().Width(max(20, m.viewport.Width-2))
	var sb strings.Builder
	for i, t := range m.turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(userStyle.Render("You: "))
		sb.WriteString(wrap.Render(t.question))
		sb.WriteString("\n")
		switch {
		case t.err != nil:
			sb.WriteString(errorStyle.Render("Error: " + t.err.Error()))
			sb.WriteString("\n")
		case t.answer != nil:
			sb.WriteString(botStyle.Render("ESRBot: "))
			sb.WriteString(wrap.Render(t.answer.Text))
			sb.WriteString("\n")
			if src := sources(t.answer.Sources); src != "" {
				sb.WriteString(subtleStyle.Render("Sources: " + src))
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

func sources(results []rag.SearchResult) string {
	labels := make([]string, 0, len(results))
	for i, r := range results {
		labels = append(labels, fmt.Sprintf("[%d] %s", i+1, rag.SourceLabel(r.Document)))
	}
	return strings.Join(labels, ", ")
}

var (
	headerStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subtleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	botStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	spinnerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	historyBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

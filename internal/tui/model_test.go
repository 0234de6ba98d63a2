package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/esrbot/pkg/rag"
)

type fakeBot struct {
	questions []rag.Question
	err       error
}

func (b *fakeBot) Ask(_ context.Context, q rag.Question) (*rag.Answer, error) {
	b.questions = append(b.questions, q)
	if b.err != nil {
		return nil, b.err
	}
	return &rag.Answer{
		Question: q.Text,
		Text:     "Answer to " + q.Text,
		Latency:  1500 * time.Millisecond,
		Sources: []rag.SearchResult{{
			Document: rag.Document{ID: "p2", Content: "x", Metadata: map[string]any{"source": "esr.pdf", "page": 2}},
			Score:    0.9,
		}},
	}, nil
}

func typeText(m Model, s string) Model {
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return next.(Model)
}

func newModel(bot Asker) Model {
	m := New(context.Background(), bot, "esr.pdf", time.Second)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(Model)
}

func TestViewBeforeResize(t *testing.T) {
	m := New(context.Background(), &fakeBot{}, "esr.pdf", 0)
	assert.Equal(t, "Loading...", m.View())
}

func TestAskFlow(t *testing.T) {
	bot := &fakeBot{}
	m := newModel(bot)
	assert.Contains(t, m.View(), "No questions yet")

	m = typeText(m, "What about coal?")
	assert.Equal(t, "What about coal?", m.input.Value())

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.True(t, m.waiting)
	assert.Empty(t, m.input.Value())
	require.Len(t, m.turns, 1)

	// Enter is ignored while an answer is pending
	next, cmd2 := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	assert.Nil(t, cmd2)
	assert.Len(t, m.turns, 1)

	msg := m.ask("What about coal?", nil)()
	next, _ = m.Update(msg)
	m = next.(Model)
	assert.False(t, m.waiting)
	require.NotNil(t, m.turns[0].answer)
	assert.Equal(t, "Answered in 1.5s.", m.status)

	view := m.render()
	assert.Contains(t, view, "Answer to What about coal?")
	assert.Contains(t, view, "[1] esr.pdf p.3")
}

func TestHistoryIsSentBack(t *testing.T) {
	bot := &fakeBot{}
	m := newModel(bot)

	for _, q := range []string{"coal?", "water?"} {
		m = typeText(m, q)
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		m = next.(Model)
		next, _ = m.Update(m.ask(q, m.history())())
		m = next.(Model)
	}

	h := m.history()
	require.Len(t, h, 4)
	assert.Equal(t, rag.RoleUser, h[0].Role)
	assert.Equal(t, "coal?", h[0].Content)
	assert.Equal(t, rag.RoleAssistant, h[1].Role)
	assert.Equal(t, "Answer to water?", h[3].Content)

	require.Len(t, bot.questions, 2)
	assert.Len(t, bot.questions[1].History, 2)
}

func TestAskError(t *testing.T) {
	bot := &fakeBot{err: errors.New("model unavailable")}
	m := newModel(bot)
	m = typeText(m, "coal?")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	next, _ = m.Update(m.ask("coal?", nil)())
	m = next.(Model)
	assert.Equal(t, "Error: model unavailable", m.status)
	assert.Contains(t, m.render(), "model unavailable")
	assert.Empty(t, m.history())
}

func TestClearAndQuit(t *testing.T) {
	m := newModel(&fakeBot{})
	m.turns = []turn{{question: "q", answer: &rag.Answer{Text: "a"}}}

	m = typeText(m, "/clear")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	assert.Nil(t, cmd)
	assert.Empty(t, m.turns)
	assert.Equal(t, "History cleared.", m.status)

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestBlankInputIgnored(t *testing.T) {
	m := newModel(&fakeBot{})
	m = typeText(m, "   ")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	assert.Nil(t, cmd)
	assert.False(t, m.waiting)
	assert.Empty(t, m.turns)
}

package rag

import (
	"context"
	"strings"
	"sync"
)

// keywordEmbedder maps text to keyword counts so similarity is predictable.
type keywordEmbedder struct {
	mu       sync.Mutex
	calls    int
	inputs   [][]string
	keywords []string
	err      error
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{keywords: []string{"coal", "water", "labor", "forest", "risk"}}
}

func (e *keywordEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, len(e.keywords))
	for i, k := range e.keywords {
		v[i] = float32(strings.Count(lower, k))
	}
	return v
}

func (e *keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.inputs = append(e.inputs, append([]string(nil), texts...))
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

// echoModel records the messages it was sent and replies with reply.
type echoModel struct {
	reply    string
	err      error
	messages []Message
}

func (m *echoModel) Chat(_ context.Context, messages []Message) (string, error) {
	m.messages = messages
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *echoModel) Model() string { return "echo" }

type recordingPublisher struct {
	answers []*Answer
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, a *Answer) error {
	p.answers = append(p.answers, a)
	return p.err
}

func policyDocs() []Document {
	return []Document{
		{ID: "p0", Content: "Coal mining projects require enhanced risk due diligence.", Metadata: map[string]any{"source": "/data/esr-policy.pdf", "page": 0}},
		{ID: "p1", Content: "Water usage in agriculture must be assessed.", Metadata: map[string]any{"source": "/data/esr-policy.pdf", "page": 1}},
		{ID: "p2", Content: "Forced labor and child labor are excluded activities.", Metadata: map[string]any{"source": "/data/esr-policy.pdf", "page": 2}},
	}
}

package rag

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

const DefaultSystemTemplate = `You are ESRBot, an assistant that answers questions about the bank's Environmental and Social Risk (ESR) policy.
Use only the policy excerpts in the context below to answer. Cite excerpts by their [n] marker.
If the context does not contain the answer, say that you don't know. Do not make up an answer.

Context:
{{.Context}}`

const DefaultHumanTemplate = `{{.Question}}`

const noContext = "No relevant context was found."

// PromptTemplate renders the system and human messages sent to the chat model.
// Both templates see .Context and .Question.
type PromptTemplate struct {
	system *template.Template
	human  *template.Template
}

type promptData struct {
	Context  string
	Question string
}

// NewPromptTemplate parses both templates. Empty strings select the defaults.
func NewPromptTemplate(system, human string) (*PromptTemplate, error) {
	if system == "" {
		system = DefaultSystemTemplate
	}
	if human == "" {
		human = DefaultHumanTemplate
	}

	st, err := template.New("system").Option("missingkey=error").Parse(system)
	if err != nil {
		return nil, fmt.Errorf("failed to parse system template: %w", err)
	}
	ht, err := template.New("human").Option("missingkey=error").Parse(human)
	if err != nil {
		return nil, fmt.Errorf("failed to parse human template: %w", err)
	}
	return &PromptTemplate{system: st, human: ht}, nil
}

// DefaultPrompt returns the built-in ESR policy prompt.
func DefaultPrompt() *PromptTemplate {
	p, err := NewPromptTemplate("", "")
	if err != nil {
		panic(err)
	}
	return p
}

// Format builds system message, prior history, then the human message.
func (p *PromptTemplate) Format(question string, results []SearchResult, history []Message) ([]Message, error) {
	data := promptData{
		Context:  FormatContext(results),
		Question: question,
	}

	var sys, human strings.Builder
	if err := p.system.Execute(&sys, data); err != nil {
		return nil, fmt.Errorf("failed to render system prompt: %w", err)
	}
	if err := p.human.Execute(&human, data); err != nil {
		return nil, fmt.Errorf("failed to render human prompt: %w", err)
	}

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: sys.String()})
	for _, m := range history {
		if m.Role == RoleSystem || m.Content == "" {
			continue
		}
		messages = append(messages, m)
	}
	messages = append(messages, Message{Role: RoleUser, Content: human.String()})
	return messages, nil
}

// FormatContext renders results as "[n] (source p.page)" headed blocks separated by blank lines.
func FormatContext(results []SearchResult) string {
	if len(results) == 0 {
		return noContext
	}

	blocks := make([]string, 0, len(results))
	for i, r := range results {
		blocks = append(blocks, fmt.Sprintf("[%d] (%s)\n%s", i+1, SourceLabel(r.Document), strings.TrimSpace(r.Document.Content)))
	}
	return strings.Join(blocks, "\n\n")
}

// SourceLabel names where a chunk came from, eg "esr-policy.pdf p.3". Pages are shown 1-based.
func SourceLabel(doc Document) string {
	source := metadataString(doc.Metadata, "source")
	if source == "" {
		source = doc.ID
	} else {
		source = filepath.Base(source)
	}
	if page, ok := metadataInt(doc.Metadata, "page"); ok {
		return fmt.Sprintf("%s p.%d", source, page+1)
	}
	return source
}

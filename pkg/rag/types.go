package rag

import "time"

// Document is a unit of text with free-form metadata. Loaders produce one per page,
// the splitter one per chunk.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchResult is a document returned by a VectorStore with its similarity score.
// Higher scores are more similar.
type SearchResult struct {
	Document Document `json:"document"`
	Score    float32  `json:"score"`
}

// Role of a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Question is what a user asks the Bot, with the prior turns of the conversation.
type Question struct {
	Text    string    `json:"question"`
	History []Message `json:"history,omitempty"`
}

// Answer is the Bot's reply with the chunks it was grounded on.
type Answer struct {
	ID       string         `json:"id"`
	Question string         `json:"question"`
	Text     string         `json:"answer"`
	Sources  []SearchResult `json:"sources"`
	Model    string         `json:"model"`
	Latency  time.Duration  `json:"latency"`
}

func metadataString(md map[string]any, key string) string {
	if md == nil {
		return ""
	}
	if s, ok := md[key].(string); ok {
		return s
	}
	return ""
}

// metadataInt reads an integer that may have been round-tripped through JSON.
func metadataInt(md map[string]any, key string) (int, bool) {
	if md == nil {
		return 0, false
	}
	switch v := md[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	}
	return 0, false
}

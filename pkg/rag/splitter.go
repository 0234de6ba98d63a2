package rag

import (
	"fmt"
	"maps"
	"strings"
	"unicode/utf8"
)

// DefaultSeparators are tried in order: paragraphs, lines, words, then runes.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// RecursiveCharacterSplitter splits text on the first separator that occurs in it and
// merges the pieces back into chunks of at most ChunkSize runes, carrying up to
// ChunkOverlap runes of trailing context into the next chunk. Pieces that are still
// too long are split again with the remaining separators.
type RecursiveCharacterSplitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// NewRecursiveCharacterSplitter validates the sizes. Zero values select the defaults.
func NewRecursiveCharacterSplitter(chunkSize, chunkOverlap int, separators ...string) (*RecursiveCharacterSplitter, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 || chunkOverlap < 0 {
		return nil, fmt.Errorf("chunk size and overlap must not be negative")
	}
	if chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", chunkOverlap, chunkSize)
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	return &RecursiveCharacterSplitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		Separators:   separators,
	}, nil
}

// SplitText returns non-empty, whitespace-trimmed chunks.
func (s *RecursiveCharacterSplitter) SplitText(text string) []string {
	return s.split(text, s.Separators)
}

// SplitDocuments splits every document. Chunks inherit the parent's metadata plus a
// "chunk" index, and get the ID "<parentID>-<n>".
func (s *RecursiveCharacterSplitter) SplitDocuments(docs []Document) []Document {
	var out []Document
	for _, doc := range docs {
		for n, chunk := range s.SplitText(doc.Content) {
			md := make(map[string]any, len(doc.Metadata)+1)
			maps.Copy(md, doc.Metadata)
			md["chunk"] = n
			out = append(out, Document{
				ID:       fmt.Sprintf("%s-%d", doc.ID, n),
				Content:  chunk,
				Metadata: md,
			})
		}
	}
	return out
}

func (s *RecursiveCharacterSplitter) split(text string, separators []string) []string {
	// pick the first separator present in text; "" always matches
	separator := ""
	var rest []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			rest = nil
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var pieces []string
	if separator == "" {
		pieces = splitRunes(text)
	} else {
		for _, p := range strings.Split(text, separator) {
			if p != "" {
				pieces = append(pieces, p)
			}
		}
	}

	var chunks, good []string
	for _, piece := range pieces {
		if runeLen(piece) < s.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			chunks = append(chunks, s.merge(good, separator)...)
			good = nil
		}
		if len(rest) == 0 {
			if t := strings.TrimSpace(piece); t != "" {
				chunks = append(chunks, t)
			}
			continue
		}
		chunks = append(chunks, s.split(piece, rest)...)
	}
	if len(good) > 0 {
		chunks = append(chunks, s.merge(good, separator)...)
	}
	return chunks
}

// merge combines small pieces into chunks no longer than ChunkSize, re-joining them
// with separator and starting each new chunk with up to ChunkOverlap runes of the previous one.
func (s *RecursiveCharacterSplitter) merge(pieces []string, separator string) []string {
	sepLen := runeLen(separator)

	var chunks, current []string
	total := 0
	for _, piece := range pieces {
		n := runeLen(piece)
		joinLen := 0
		if len(current) > 0 {
			joinLen = sepLen
		}

		if total+n+joinLen > s.ChunkSize && len(current) > 0 {
			if chunk := strings.TrimSpace(strings.Join(current, separator)); chunk != "" {
				chunks = append(chunks, chunk)
			}
			// drop leading pieces until what is left fits the overlap and leaves room for piece
			for total > s.ChunkOverlap || (total+n+joinLen > s.ChunkSize && total > 0) {
				first := runeLen(current[0])
				if len(current) > 1 {
					first += sepLen
				}
				total -= first
				current = current[1:]
				if len(current) == 0 {
					total = 0
					break
				}
			}
		}

		if len(current) > 0 {
			total += sepLen
		}
		current = append(current, piece)
		total += n
	}

	if chunk := strings.TrimSpace(strings.Join(current, separator)); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func splitRunes(text string) []string {
	out := make([]string, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

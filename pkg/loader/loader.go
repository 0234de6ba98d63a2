// Package loader turns PDF and text files into rag.Documents.
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edgeflare/esrbot/pkg/rag"
	"github.com/ledongthuc/pdf"
)

var (
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrNoText          = errors.New("no extractable text")
)

// Load dispatches on the file extension.
func Load(path string) ([]rag.Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return LoadPDF(path)
	case ".txt", ".md", ".markdown":
		return LoadText(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}
}

// LoadPaths loads every file named by paths. Entries may be globs or directories;
// directories are not walked recursively and their unsupported files are skipped.
func LoadPaths(paths []string) ([]rag.Document, error) {
	var docs []rag.Document
	for _, p := range paths {
		files, err := expand(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			loaded, err := Load(f)
			if err != nil {
				return nil, err
			}
			docs = append(docs, loaded...)
		}
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", rag.ErrNoDocuments, strings.Join(paths, ", "))
	}
	return docs, nil
}

func expand(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no such file: %s", pattern)
	}

	var files []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, m)
			continue
		}
		entries, err := os.ReadDir(m)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", m, err)
		}
		for _, e := range entries {
			if e.IsDir() || !supported(e.Name()) {
				continue
			}
			files = append(files, filepath.Join(m, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".txt", ".md", ".markdown":
		return true
	}
	return false
}

// LoadText reads a whole text file into one Document.
func LoadText(path string) ([]rag.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return textDocument(b, path)
}

// LoadReader loads an upload named source, dispatching on its extension like Load.
func LoadReader(r io.ReaderAt, size int64, source string) ([]rag.Document, error) {
	switch strings.ToLower(filepath.Ext(source)) {
	case ".pdf":
		return LoadPDFReader(r, size, source)
	case ".txt", ".md", ".markdown":
		b, err := io.ReadAll(io.NewSectionReader(r, 0, size))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", source, err)
		}
		return textDocument(b, source)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, source)
	}
}

func textDocument(b []byte, source string) ([]rag.Document, error) {
	content := strings.TrimSpace(string(b))
	if content == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoText, source)
	}
	return []rag.Document{{
		ID:       documentID(source, -1),
		Content:  content,
		Metadata: map[string]any{"source": source},
	}}, nil
}

// LoadPDF returns one Document per page with text. Page metadata is 0-based.
func LoadPDF(path string) ([]rag.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	return LoadPDFReader(f, info.Size(), path)
}

// LoadPDFReader is LoadPDF for uploads and other in-memory sources.
func LoadPDFReader(r io.ReaderAt, size int64, source string) (docs []rag.Document, err error) {
	// the PDF parser panics on some malformed input
	defer func() {
		if rec := recover(); rec != nil {
			docs, err = nil, fmt.Errorf("failed to parse PDF %s: %v", source, rec)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to extract text from page %d of %s: %w", i, source, err)
		}
		text = normalize(text)
		if text == "" {
			continue
		}
		docs = append(docs, rag.Document{
			ID:      documentID(source, i-1),
			Content: text,
			Metadata: map[string]any{
				"source":      source,
				"page":        i - 1,
				"total_pages": total,
			},
		})
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoText, source)
	}
	return docs, nil
}

// normalize collapses runs of spaces and tabs, trims lines and drops blank runs
// longer than one empty line.
func normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// documentID keeps the whole cleaned source, extension included, so files that
// share a base name in different directories or formats never share chunk IDs.
func documentID(source string, page int) string {
	id := filepath.ToSlash(filepath.Clean(source))
	if page < 0 {
		return id
	}
	return fmt.Sprintf("%s-p%d", id, page)
}

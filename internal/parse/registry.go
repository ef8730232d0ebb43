package parse

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// Registry resolves a Format to its Parser.
type Registry struct {
	mu      sync.RWMutex
	parsers map[Format]Parser
	byExt   map[string]Format
}

// NewRegistry creates a registry holding the given parsers.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{
		parsers: make(map[Format]Parser),
		byExt:   make(map[string]Format),
	}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns a registry with text, markdown, pdf and docx.
func DefaultRegistry() *Registry {
	return NewRegistry(NewTextParser(), NewMarkdownParser(), NewPDFParser(), NewDOCXParser())
}

// Register adds or replaces the parser for p.Format().
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.parsers[p.Format()] = p
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p.Format()
	}
}

// Lookup returns the parser registered for format.
func (r *Registry) Lookup(format Format) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[format]
	return p, ok
}

// Formats returns the registered formats, sorted.
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Format, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Detect resolves the format from an explicit hint, falling back to the
// file extension of name. Hints accept format names, extensions and
// common MIME types.
func (r *Registry) Detect(name, hint string) (Format, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hint != "" {
		h := strings.ToLower(strings.TrimSpace(hint))
		if f, ok := mimeFormats[h]; ok {
			h = string(f)
		}
		if _, ok := r.parsers[Format(h)]; ok {
			return Format(h), nil
		}
		if !strings.HasPrefix(h, ".") {
			h = "." + h
		}
		if f, ok := r.byExt[h]; ok {
			return f, nil
		}
		return "", kperrors.New(kperrors.ErrCodeUnsupportedFormat,
			fmt.Sprintf("unsupported format %q", hint), nil)
	}

	ext := strings.ToLower(filepath.Ext(name))
	if f, ok := r.byExt[ext]; ok {
		return f, nil
	}
	if ext == "" {
		return FormatText, nil
	}
	return "", kperrors.New(kperrors.ErrCodeUnsupportedFormat,
		fmt.Sprintf("unsupported file extension %q", ext), nil).
		WithSuggestion("pass an explicit format: text, markdown, pdf or docx")
}

// Parse detects the format and runs its parser.
func (r *Registry) Parse(ctx context.Context, raw []byte, name, hint string) (*Result, error) {
	format, err := r.Detect(name, hint)
	if err != nil {
		return nil, err
	}
	p, ok := r.Lookup(format)
	if !ok {
		return nil, kperrors.New(kperrors.ErrCodeUnsupportedFormat,
			fmt.Sprintf("no parser registered for %s", format), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Parse(ctx, raw, name)
}

var mimeFormats = map[string]Format{
	"text/plain":      FormatText,
	"text/markdown":   FormatMarkdown,
	"text/x-markdown": FormatMarkdown,
	"application/pdf": FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"md": FormatMarkdown,
	"txt": FormatText,
}

// titleFromName returns the file name without directory or extension.
func titleFromName(name string) string {
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

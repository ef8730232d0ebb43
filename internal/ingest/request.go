package ingest

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Aman-CERP/knowpipe/internal/chunk"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// documentNamespace seeds name-based document IDs.
var documentNamespace = uuid.MustParse("6f1c2a3e-5b8d-4c7f-9e21-3a4b5c6d7e8f")

// Options controls how one document is processed.
type Options struct {
	ChunkingStrategy   chunk.Strategy `json:"chunkingStrategy"`
	ChunkSize          int            `json:"chunkSize"`
	ChunkOverlap       int            `json:"chunkOverlap"`
	GenerateEmbeddings bool           `json:"generateEmbeddings"`
	ExtractMetadata    bool           `json:"extractMetadata"`
	// TargetChunks, when positive, replaces ChunkSize and ChunkOverlap with
	// values sized to split the parsed text into about that many chunks,
	// keeping the requested overlap ratio.
	TargetChunks       int            `json:"targetChunks,omitempty"`
}

// DefaultOptions returns recursive 1000/200 chunking with embeddings and
// metadata on. Decode request options into this value so absent fields
// keep their defaults.
func DefaultOptions() Options {
	return Options{
		ChunkingStrategy:   chunk.StrategyRecursive,
		ChunkSize:          chunk.DefaultChunkSize,
		ChunkOverlap:       chunk.DefaultChunkOverlap,
		GenerateEmbeddings: true,
		ExtractMetadata:    true,
	}
}

// chunkOptions overlays the request sizes on base.
func (o Options) chunkOptions(base chunk.Options) chunk.Options {
	opts := base
	opts.ChunkSize = o.ChunkSize
	opts.ChunkOverlap = o.ChunkOverlap
	opts.MaxChunkSize = o.ChunkSize
	if o.ChunkSize > 0 && opts.MinChunkSize > o.ChunkSize {
		opts.MinChunkSize = o.ChunkSize
	}
	return opts
}

// sizedFor applies TargetChunks to a text of textLen runes.
func (o Options) sizedFor(textLen int) Options {
	if o.TargetChunks <= 0 || o.ChunkSize <= 0 {
		return o
	}
	rec := chunk.OptimizeSize(textLen, o.TargetChunks, float64(o.ChunkOverlap)/float64(o.ChunkSize))
	if rec.ChunkSize == 0 {
		return o
	}
	o.ChunkSize = rec.ChunkSize
	o.ChunkOverlap = rec.ChunkOverlap
	return o
}

// Validate checks the strategy and sizes.
func (o Options) Validate() error {
	if _, err := chunk.New(o.ChunkingStrategy, chunk.Deps{}); err != nil {
		return err
	}
	if o.ChunkSize <= 0 {
		return kperrors.New(kperrors.ErrCodeInvalidOption, "chunkSize must be positive", nil).
			WithDetail("chunk_size", strconv.Itoa(o.ChunkSize))
	}
	if o.TargetChunks < 0 {
		return kperrors.New(kperrors.ErrCodeInvalidOption, "targetChunks must not be negative", nil).
			WithDetail("target_chunks", strconv.Itoa(o.TargetChunks))
	}
	return o.chunkOptions(chunk.DefaultOptions()).Validate()
}

// Request is one document to ingest: inline Content, or a Path read by
// the worker.
type Request struct {
	Content  []byte  `json:"content,omitempty"`
	Path     string  `json:"path,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Format   string  `json:"format,omitempty"`
	Options  Options `json:"options"`
}

func (r Request) name() string {
	if r.Filename != "" {
		return r.Filename
	}
	return filepath.Base(r.Path)
}

func (r Request) validate(maxBytes int64) error {
	if len(r.Content) == 0 && r.Path == "" {
		return kperrors.ValidationError("content or path is required", nil)
	}
	if r.name() == "" || r.name() == "." {
		return kperrors.ValidationError("filename is required with inline content", nil)
	}
	if maxBytes > 0 && int64(len(r.Content)) > maxBytes {
		return tooLarge(r.name(), int64(len(r.Content)), maxBytes)
	}
	return r.Options.Validate()
}

func tooLarge(name string, size, limit int64) error {
	return kperrors.New(kperrors.ErrCodeFileTooLarge, "document exceeds size limit", nil).
		WithDetail("filename", name).
		WithDetail("size", strconv.FormatInt(size, 10)).
		WithDetail("limit", strconv.FormatInt(limit, 10))
}

// DocumentID returns the stable document ID for a filename. Paths are
// cleaned and compared case-sensitively.
func DocumentID(filename string) string {
	name := filepath.ToSlash(filepath.Clean(strings.TrimSpace(filename)))
	return uuid.NewSHA1(documentNamespace, []byte(name)).String()
}

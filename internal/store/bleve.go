package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

const (
	bleveTokenizerName = "knowpipe_tokenizer"
	bleveAnalyzerName  = "knowpipe_analyzer"
	bleveContentField  = "content"
)

func init() {
	_ = registry.RegisterTokenizer(bleveTokenizerName, func(map[string]interface{}, *registry.Cache) (analysis.Tokenizer, error) {
		return bleveTokenizer{}, nil
	})
}

// BleveIndex is the alternative keyword backend. Like the HNSW graph it
// is derived from SQLite and rebuilt when its document count drifts.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

type bleveDocument struct {
	Content string `json:"content"`
}

// OpenBleveIndex opens the index at path, or an in-memory index when
// path is empty. A corrupt on-disk index is cleared and recreated.
func OpenBleveIndex(path string) (*BleveIndex, error) {
	indexMapping, err := newBleveMapping()
	if err != nil {
		return nil, kperrors.StoreError("create keyword index mapping", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, kperrors.StoreError("create keyword index directory", err)
		}
		if verr := validateBleveIndex(path); verr != nil {
			slog.Warn("keyword_index_corrupted",
				slog.String("path", path),
				slog.String("error", verr.Error()))
			if rerr := os.RemoveAll(path); rerr != nil {
				return nil, kperrors.StoreError("clear corrupt keyword index", rerr).WithDetail("path", path)
			}
		}

		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil {
			slog.Warn("keyword_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if rerr := os.RemoveAll(path); rerr != nil {
				return nil, kperrors.StoreError("clear unreadable keyword index", rerr).WithDetail("path", path)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, kperrors.StoreError("open keyword index", err).WithDetail("path", path)
	}
	return &BleveIndex{index: idx, path: path}, nil
}

// validateBleveIndex checks that index_meta.json exists and parses.
func validateBleveIndex(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(path, "index_meta.json"))
	if err != nil {
		return fmt.Errorf("read index_meta.json: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func newBleveMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(bleveAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     bleveTokenizerName,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, err
	}
	indexMapping.DefaultAnalyzer = bleveAnalyzerName
	return indexMapping, nil
}

// Index adds or replaces chunk contents.
func (b *BleveIndex) Index(_ context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return kperrors.StoreError("keyword index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, bleveDocument{Content: c.Content}); err != nil {
			return kperrors.StoreError("index chunk", err).WithDetail("chunk_id", c.ID)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return kperrors.StoreError("write keyword batch", err)
	}
	return nil
}

// Delete removes chunk IDs.
func (b *BleveIndex) Delete(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return kperrors.StoreError("keyword index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return kperrors.StoreError("delete from keyword index", err)
	}
	return nil
}

// Search runs a match query. Any term may match; Bleve scores with BM25.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int) ([]keywordHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, kperrors.StoreError("keyword index is closed", nil)
	}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	match := bleve.NewMatchQuery(query)
	match.SetField(bleveContentField)
	req := bleve.NewSearchRequest(match)
	req.Size = limit

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, kperrors.StoreError("keyword search", err)
	}

	hits := make([]keywordHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, keywordHit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// DocCount returns the number of indexed chunks.
func (b *BleveIndex) DocCount() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, kperrors.StoreError("keyword index is closed", nil)
	}
	n, err := b.index.DocCount()
	if err != nil {
		return 0, kperrors.StoreError("count keyword index", err)
	}
	return int(n), nil
}

// Reset empties the index.
func (b *BleveIndex) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return kperrors.StoreError("keyword index is closed", nil)
	}

	indexMapping, err := newBleveMapping()
	if err != nil {
		return kperrors.StoreError("create keyword index mapping", err)
	}
	_ = b.index.Close()
	if b.path == "" {
		b.index, err = bleve.NewMemOnly(indexMapping)
	} else {
		if rerr := os.RemoveAll(b.path); rerr != nil {
			return kperrors.StoreError("clear keyword index", rerr)
		}
		b.index, err = bleve.New(b.path, indexMapping)
	}
	if err != nil {
		b.closed = true
		return kperrors.StoreError("recreate keyword index", err)
	}
	return nil
}

// Close closes the index. It is safe to call more than once.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// bleveTokenizer feeds Tokenize output to Bleve so both keyword
// backends see the same terms.
type bleveTokenizer struct{}

func (bleveTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	lower := strings.ToLower(text)
	tokens := Tokenize(text)

	stream := make(analysis.TokenStream, 0, len(tokens))
	offset := 0
	for i, tok := range tokens {
		offset = min(offset, len(lower))
		start := strings.Index(lower[offset:], tok)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := min(start+len(tok), len(text))
		stream = append(stream, &analysis.Token{
			Term:     []byte(tok),
			Start:    start,
			End:      end,
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
		offset = end
	}
	return stream
}

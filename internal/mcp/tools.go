package mcp

import (
	"github.com/Aman-CERP/knowpipe/internal/chunk"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/search"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

// Tool names.
const (
	ToolIngest       = "ingest"
	ToolIngestStatus = "ingest_status"
	ToolSearch       = "search"
	ToolDeleteChunks = "delete_chunks"
	ToolUpdateChunk  = "update_chunk"
)

// IngestInput defines the input schema for the ingest tool.
type IngestInput struct {
	Content  string `json:"content,omitempty" jsonschema:"inline document text; give either content or path"`
	Path     string `json:"path,omitempty" jsonschema:"file to read on the server host"`
	Filename string `json:"filename,omitempty" jsonschema:"document name; defaults to the base name of path"`
	Format   string `json:"format,omitempty" jsonschema:"explicit format: text, markdown, pdf or docx"`

	Strategy           string `json:"chunking_strategy,omitempty" jsonschema:"recursive, semantic or fixed-size"`
	ChunkSize          int    `json:"chunk_size,omitempty" jsonschema:"target chunk size in characters"`
	ChunkOverlap       *int   `json:"chunk_overlap,omitempty" jsonschema:"characters shared by neighbouring fixed-size chunks"`
	TargetChunks       int    `json:"target_chunks,omitempty" jsonschema:"size chunks to split the document into about this many"`
	GenerateEmbeddings *bool  `json:"generate_embeddings,omitempty" jsonschema:"embed chunks, default true"`
	ExtractMetadata    *bool  `json:"extract_metadata,omitempty" jsonschema:"extract document metadata, default true"`
}

// request overlays the input on defaults.
func (in IngestInput) request(defaults ingest.Options) ingest.Request {
	opts := defaults
	if in.Strategy != "" {
		opts.ChunkingStrategy = chunk.Strategy(in.Strategy)
	}
	if in.ChunkSize > 0 {
		opts.ChunkSize = in.ChunkSize
	}
	if in.ChunkOverlap != nil {
		opts.ChunkOverlap = *in.ChunkOverlap
	}
	if in.TargetChunks > 0 {
		opts.TargetChunks = in.TargetChunks
	}
	if in.GenerateEmbeddings != nil {
		opts.GenerateEmbeddings = *in.GenerateEmbeddings
	}
	if in.ExtractMetadata != nil {
		opts.ExtractMetadata = *in.ExtractMetadata
	}

	req := ingest.Request{Path: in.Path, Filename: in.Filename, Format: in.Format, Options: opts}
	if in.Content != "" {
		req.Content = []byte(in.Content)
	}
	return req
}

// IngestOutput defines the output schema for the ingest tool.
type IngestOutput struct {
	JobID string `json:"job_id" jsonschema:"poll this with ingest_status"`
}

// IngestStatusInput defines the input schema for the ingest_status tool.
type IngestStatusInput struct {
	JobID string `json:"job_id" jsonschema:"job returned by ingest"`
}

// IngestStatusOutput defines the output schema for the ingest_status tool.
type IngestStatusOutput struct {
	JobID          string   `json:"job_id"`
	DocumentID     string   `json:"document_id"`
	Filename       string   `json:"filename"`
	State          string   `json:"state" jsonschema:"queued, processing, completed or failed"`
	Step           string   `json:"step,omitempty" jsonschema:"pipeline stage, or where the job failed"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	ChunkCount     int      `json:"chunk_count,omitempty"`
	ChunkIDs       []string `json:"chunk_ids,omitempty"`
	ErrorCode      string   `json:"error_code,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
}

func toIngestStatusOutput(snap ingest.JobSnapshot) IngestStatusOutput {
	out := IngestStatusOutput{
		JobID:          snap.ID,
		DocumentID:     snap.DocumentID,
		Filename:       snap.Filename,
		State:          string(snap.State),
		Step:           string(snap.Step),
		ElapsedSeconds: snap.ElapsedSeconds,
	}
	if snap.Result != nil {
		out.ChunkCount = snap.Result.ChunkCount
		out.ChunkIDs = snap.Result.ChunkIDs
	}
	if snap.Error != nil {
		out.ErrorCode = snap.Error.Code
		out.ErrorMessage = snap.Error.Message
	}
	return out
}

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query          string            `json:"query" jsonschema:"the search query to execute"`
	K              int               `json:"k,omitempty" jsonschema:"number of results, default 5, max 100"`
	ScoreThreshold *float64          `json:"score_threshold,omitempty" jsonschema:"minimum score between 0 and 1"`
	Mode           string            `json:"mode,omitempty" jsonschema:"semantic, keyword or hybrid"`
	KeywordWeight  *float64          `json:"keyword_weight,omitempty" jsonschema:"keyword share of the hybrid score"`
	Filter         map[string]string `json:"filter,omitempty" jsonschema:"exact-match metadata filter"`
}

func (in SearchInput) options() search.Options {
	return search.Options{
		K:              in.K,
		ScoreThreshold: in.ScoreThreshold,
		Mode:           search.Mode(in.Mode),
		KeywordWeight:  in.KeywordWeight,
		Filter:         store.Filter(in.Filter),
	}
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Mode     string               `json:"mode"`
	Cached   bool                 `json:"cached"`
	Degraded bool                 `json:"degraded,omitempty" jsonschema:"true when hybrid fell back to keyword only"`
	TookMs   float64              `json:"took_ms"`
	Results  []SearchResultOutput `json:"results" jsonschema:"list of search results"`
}

// SearchResultOutput defines a single search result.
type SearchResultOutput struct {
	ChunkID       string         `json:"chunk_id"`
	DocumentID    string         `json:"document_id"`
	Filename      string         `json:"filename"`
	Ordinal       int            `json:"ordinal"`
	Content       string         `json:"content" jsonschema:"matched chunk text"`
	Score         float64        `json:"score" jsonschema:"relevance score between 0 and 1"`
	SemanticScore float64        `json:"semantic_score"`
	KeywordScore  float64        `json:"keyword_score"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func toSearchOutput(resp *search.Response) SearchOutput {
	out := SearchOutput{
		Mode:     string(resp.Mode),
		Cached:   resp.Cached,
		Degraded: resp.Degraded,
		TookMs:   resp.TookMs,
		Results:  make([]SearchResultOutput, 0, len(resp.Results)),
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, SearchResultOutput{
			ChunkID:       r.ID,
			DocumentID:    r.DocumentID,
			Filename:      r.Filename,
			Ordinal:       r.Ordinal,
			Content:       r.Content,
			Score:         r.Score,
			SemanticScore: r.SemanticScore,
			KeywordScore:  r.KeywordScore,
			Metadata:      r.Metadata,
		})
	}
	return out
}

// DeleteChunksInput defines the input schema for the delete_chunks tool.
type DeleteChunksInput struct {
	IDs []string `json:"ids" jsonschema:"chunk IDs to delete"`
}

// DeleteChunksOutput defines the output schema for the delete_chunks tool.
type DeleteChunksOutput struct {
	Deleted int `json:"deleted" jsonschema:"number of chunks that existed and were removed"`
}

// UpdateChunkInput defines the input schema for the update_chunk tool.
type UpdateChunkInput struct {
	ID      string `json:"id" jsonschema:"chunk to rewrite"`
	Content string `json:"content" jsonschema:"replacement text"`
}

// UpdateChunkOutput defines the output schema for the update_chunk tool.
type UpdateChunkOutput struct {
	ChunkID     string `json:"chunk_id"`
	DocumentID  string `json:"document_id"`
	Ordinal     int    `json:"ordinal"`
	TotalChunks int    `json:"total_chunks"`
	Content     string `json:"content"`
}

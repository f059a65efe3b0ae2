// Package retrieval provides the RAG query engine: embed the query, search
// the KB's vector index, assemble a grounded prompt, and generate the answer.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quarry-ai/ragcore/internal/config"
	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/llm"
	"github.com/quarry-ai/ragcore/internal/metadata"
	"github.com/quarry-ai/ragcore/internal/objectstore"
	"github.com/quarry-ai/ragcore/internal/observability"
	"github.com/quarry-ai/ragcore/internal/vectorindex"
)

// Answers returned without a model call.
const (
	answerNoDocuments = "This knowledge base does not contain any documents yet, so there is no information available to answer your question."
	answerNoContext   = "I could not find any relevant information in this knowledge base to answer your question."
)

// Request validation bounds.
const (
	maxK         = 20
	maxMaxTokens = 8192
)

// Engine answers queries against one knowledge base. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	meta        metadata.Store
	objects     objectstore.Store
	models      llm.Gateway
	coordinator *vectorindex.Coordinator
	cfg         config.QueryConfig
	logger      *observability.Logger
}

// NewEngine wires the query engine.
func NewEngine(meta metadata.Store, objects objectstore.Store, models llm.Gateway,
	coordinator *vectorindex.Coordinator, cfg config.QueryConfig,
	logger *observability.Logger) *Engine {

	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = 5
	}
	return &Engine{
		meta:        meta,
		objects:     objects,
		models:      models,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger.WithComponent("retrieval"),
	}
}

// retrievedChunk pairs a search hit with its resolved chunk text.
type retrievedChunk struct {
	chunk    domain.Chunk
	distance float32
}

// Query runs the full retrieval-augmented answer flow.
func (e *Engine) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// Bound the whole flow, embeddings and generation included.
	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	started := time.Now()
	log := e.logger.With().
		Str("kb_id", req.KBID).
		Str("owner_id", req.OwnerID).
		Logger()

	kb, err := e.meta.GetKB(ctx, req.OwnerID, req.KBID)
	if err != nil {
		return nil, err
	}

	modelID := kb.GenerationModel
	if req.ModelID != "" {
		modelID = req.ModelID
	}

	// A KB that has never indexed anything answers truthfully without
	// touching the model.
	if (kb.IndexStatus == domain.IndexStatusEmpty || kb.IndexStatus == domain.IndexStatusProcessing) &&
		kb.DocumentCount == 0 {
		log.Info().Str("index_status", string(kb.IndexStatus)).Msg("Query against empty knowledge base")
		return &domain.QueryResponse{
			Answer:  answerNoDocuments,
			Sources: []string{},
			Query:   req.Query,
			ModelID: modelID,
		}, nil
	}

	// Embed with the KB's embedding model, never the caller's choice.
	queryVectors, err := e.models.Embed(ctx, kb.EmbeddingModel, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(queryVectors) != 1 {
		return nil, domain.Fatal(fmt.Sprintf("expected one query embedding, got %d", len(queryVectors)))
	}
	if kb.Dimension != 0 && len(queryVectors[0]) != kb.Dimension {
		return nil, domain.Fatal(fmt.Sprintf(
			"query embedding dimension %d does not match knowledge base dimension %d",
			len(queryVectors[0]), kb.Dimension))
	}

	idx, _, err := e.coordinator.LoadForSearch(ctx, req.KBID)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}

	hits, err := idx.Search(queryVectors[0], req.K)
	if err != nil {
		return nil, err
	}

	if req.DistanceThreshold != nil {
		hits = filterByDistance(hits, *req.DistanceThreshold)
	}
	if len(hits) == 0 {
		log.Info().Msg("No results survived retrieval")
		return &domain.QueryResponse{
			Answer:  answerNoContext,
			Sources: []string{},
			Query:   req.Query,
			ModelID: modelID,
		}, nil
	}

	retrieved, err := e.resolveChunks(ctx, req.KBID, hits)
	if err != nil {
		return nil, err
	}

	system, messages := buildPrompt(req.Query, retrieved, trimHistory(req.History, e.cfg.MaxHistoryTurns))

	answer, err := e.models.Generate(ctx, modelID, system, messages, req.Params)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	log.Info().
		Int("retrieved_chunks", len(retrieved)).
		Str("model_id", modelID).
		Dur("elapsed", time.Since(started)).
		Msg("Query answered")

	return &domain.QueryResponse{
		Answer:          answer,
		Sources:         collectSources(retrieved),
		RetrievedChunks: len(retrieved),
		Query:           req.Query,
		ModelID:         modelID,
	}, nil
}

func validateRequest(req domain.QueryRequest) error {
	switch {
	case req.Query == "":
		return domain.InvalidInput("query must not be empty")
	case req.K < 1 || req.K > maxK:
		return domain.InvalidInput(fmt.Sprintf("k must be in [1, %d], got %d", maxK, req.K))
	case req.Params.Temperature < 0 || req.Params.Temperature > 1:
		return domain.InvalidInput(fmt.Sprintf("temperature must be in [0, 1], got %g", req.Params.Temperature))
	case req.Params.MaxTokens < 1 || req.Params.MaxTokens > maxMaxTokens:
		return domain.InvalidInput(fmt.Sprintf("maxTokens must be in [1, %d], got %d", maxMaxTokens, req.Params.MaxTokens))
	case req.Params.TopP < 0 || req.Params.TopP > 1:
		return domain.InvalidInput(fmt.Sprintf("topP must be in [0, 1], got %g", req.Params.TopP))
	}

	for i, turn := range req.History {
		if turn.Role != domain.RoleUser && turn.Role != domain.RoleAssistant {
			return domain.InvalidInput(fmt.Sprintf("history turn %d has invalid role %q", i, turn.Role))
		}
	}
	return nil
}

// filterByDistance drops hits strictly farther than the threshold.
func filterByDistance(hits []vectorindex.Result, threshold float32) []vectorindex.Result {
	kept := hits[:0]
	for _, hit := range hits {
		if hit.Distance <= threshold {
			kept = append(kept, hit)
		}
	}
	return kept
}

// resolveChunks maps search hits back to chunk texts, fetching each
// document's chunks blob once. A hit pointing at a missing blob or chunk
// means the index and the blobs diverged.
func (e *Engine) resolveChunks(ctx context.Context, kbID string, hits []vectorindex.Result) ([]retrievedChunk, error) {
	blobs := make(map[string][]domain.Chunk)

	retrieved := make([]retrievedChunk, 0, len(hits))
	for _, hit := range hits {
		documentID, chunkIndex, err := domain.ParseVectorID(hit.VectorID)
		if err != nil {
			return nil, err
		}

		chunks, ok := blobs[documentID]
		if !ok {
			data, err := e.objects.Get(ctx, domain.ChunksKey(kbID, documentID))
			if err != nil {
				e.logger.Error().
					Str("kb_id", kbID).
					Str("document_id", documentID).
					Err(err).
					Msg("Chunks blob missing for indexed document")
				return nil, domain.WrapError(domain.KindNotFound,
					fmt.Sprintf("chunks for document %s", documentID), err)
			}
			if err := json.Unmarshal(data, &chunks); err != nil {
				return nil, domain.WrapError(domain.KindFatal,
					fmt.Sprintf("decode chunks for document %s", documentID), err)
			}
			blobs[documentID] = chunks
		}

		if chunkIndex >= len(chunks) {
			return nil, domain.NotFound(fmt.Sprintf(
				"chunk %d of document %s (blob has %d)", chunkIndex, documentID, len(chunks)))
		}
		retrieved = append(retrieved, retrievedChunk{
			chunk:    chunks[chunkIndex],
			distance: hit.Distance,
		})
	}
	return retrieved, nil
}

// trimHistory keeps the last limit turns in their original order.
func trimHistory(history []domain.Turn, limit int) []domain.Turn {
	if len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

// collectSources dedupes retrieved chunks by (filename, page), preserving
// first appearance, which is ascending distance order.
func collectSources(retrieved []retrievedChunk) []string {
	seen := make(map[string]struct{}, len(retrieved))
	sources := make([]string, 0, len(retrieved))
	for _, rc := range retrieved {
		label := sourceLabel(rc.chunk)
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		sources = append(sources, label)
	}
	return sources
}

func sourceLabel(c domain.Chunk) string {
	if c.PageNumber != nil {
		return fmt.Sprintf("%s (Page %d)", c.SourceFilename, *c.PageNumber)
	}
	return c.SourceFilename
}

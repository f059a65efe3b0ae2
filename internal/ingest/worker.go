// Package ingest provides the document indexing worker: one delivered job
// takes a document from its uploaded blob through extraction, chunking,
// embedding, and the index merge.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quarry-ai/ragcore/internal/chunk"
	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/extract"
	"github.com/quarry-ai/ragcore/internal/llm"
	"github.com/quarry-ai/ragcore/internal/metadata"
	"github.com/quarry-ai/ragcore/internal/objectstore"
	"github.com/quarry-ai/ragcore/internal/observability"
	"github.com/quarry-ai/ragcore/internal/queue"
	"github.com/quarry-ai/ragcore/internal/vectorindex"
)

// Worker processes indexing jobs. Every invocation is stateless; delivery is
// at-least-once, so the document status row decides whether a redelivered job
// still has work to do.
type Worker struct {
	meta        metadata.Store
	objects     objectstore.Store
	models      llm.Gateway
	extractor   *extract.Extractor
	splitter    *chunk.Splitter
	coordinator *vectorindex.Coordinator
	logger      *observability.Logger
}

var _ queue.IndexHandler = (*Worker)(nil)

// NewWorker wires the indexing worker.
func NewWorker(meta metadata.Store, objects objectstore.Store, models llm.Gateway,
	extractor *extract.Extractor, splitter *chunk.Splitter,
	coordinator *vectorindex.Coordinator, logger *observability.Logger) *Worker {

	return &Worker{
		meta:        meta,
		objects:     objects,
		models:      models,
		extractor:   extractor,
		splitter:    splitter,
		coordinator: coordinator,
		logger:      logger.WithComponent("ingest"),
	}
}

// HandleJob runs the indexing lifecycle for one document. A nil return
// acknowledges the job; an error hands it back to the queue for redelivery.
// Permanent failures mark the document failed and acknowledge.
func (w *Worker) HandleJob(ctx context.Context, job domain.IndexJob) error {
	log := w.logger.With().
		Str("kb_id", job.KBID).
		Str("document_id", job.DocumentID).
		Logger()

	// Step 1: only pending documents have work left. Anything else means a
	// redelivery of a job that already ran to some conclusion.
	doc, err := w.meta.GetDocument(ctx, job.KBID, job.DocumentID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			log.Warn().Msg("Document row gone, dropping job")
			return nil
		}
		return err
	}
	if doc.Status != domain.DocumentStatusPending {
		log.Info().Str("status", string(doc.Status)).Msg("Document not pending, dropping job")
		return nil
	}

	// Step 2: claim the document. Losing the swap means another delivery of
	// this same job claimed it first.
	err = w.meta.UpdateDocumentStatus(ctx, job.KBID, job.DocumentID,
		domain.DocumentStatusPending, domain.DocumentStatusProcessing, metadata.DocumentPatch{})
	if err != nil {
		if domain.IsKind(err, domain.KindPreconditionFailed) {
			log.Info().Msg("Document claimed by a concurrent delivery, dropping job")
			return nil
		}
		return err
	}

	started := time.Now()
	result, err := w.index(ctx, job, doc)
	if err != nil {
		return w.fail(ctx, job, log, err)
	}

	// Step 8: commit the outcome.
	now := time.Now().UTC()
	err = w.meta.UpdateDocumentStatus(ctx, job.KBID, job.DocumentID,
		domain.DocumentStatusProcessing, domain.DocumentStatusIndexed, metadata.DocumentPatch{
			IndexedAt:        &now,
			ChunkCount:       &result.chunkCount,
			ExtractionMethod: &result.method,
		})
	if err != nil {
		return w.fail(ctx, job, log, err)
	}

	log.Info().
		Int("chunks", result.chunkCount).
		Str("extraction_method", result.method).
		Dur("elapsed", time.Since(started)).
		Msg("Document indexed")
	return nil
}

type indexResult struct {
	chunkCount int
	method     string
}

// index runs steps 3–7: download, extract, split, embed, persist chunks, and
// merge into the KB index.
func (w *Worker) index(ctx context.Context, job domain.IndexJob, doc *domain.Document) (*indexResult, error) {
	// Step 3: fetch the uploaded original.
	data, err := w.objects.Get(ctx, job.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("download document: %w", err)
	}

	// Step 4: extract text and split into chunks.
	extracted, err := w.extractor.Extract(data, doc.ContentType, job.Filename)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}

	chunks := w.splitter.Split(extracted.Pages, job.Filename)
	if len(chunks) == 0 {
		return nil, domain.InvalidInput("document produced no chunks")
	}

	// Step 5: embed every chunk text in order.
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := w.models.Embed(ctx, job.EmbeddingModel, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, domain.Fatal(fmt.Sprintf(
			"embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors)))
	}

	kb, err := w.meta.GetKB(ctx, job.OwnerID, job.KBID)
	if err != nil {
		return nil, err
	}
	if kb.Dimension != 0 && len(vectors[0]) != kb.Dimension {
		return nil, domain.InvalidInput(fmt.Sprintf(
			"embedding dimension %d does not match knowledge base dimension %d",
			len(vectors[0]), kb.Dimension))
	}

	// Step 6: assign vector ids and persist the chunks blob.
	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = domain.VectorID(job.DocumentID, i)
		chunks[i].VectorID = ids[i]
	}

	blob, err := json.Marshal(chunks)
	if err != nil {
		return nil, domain.WrapError(domain.KindFatal, "marshal chunks", err)
	}
	if err := w.objects.Put(ctx, domain.ChunksKey(job.KBID, job.DocumentID), blob, "application/json"); err != nil {
		return nil, fmt.Errorf("persist chunks: %w", err)
	}

	// Step 7: merge into the KB index.
	if err := w.coordinator.MergeDocument(ctx, job.OwnerID, job.KBID, vectors, ids); err != nil {
		return nil, fmt.Errorf("merge document: %w", err)
	}

	return &indexResult{chunkCount: len(chunks), method: extracted.Method}, nil
}

// fail routes a mid-lifecycle error: permanent kinds mark the document failed
// and acknowledge the job; everything else goes back to the queue with the
// document left in processing for a later delivery to pick up.
func (w *Worker) fail(ctx context.Context, job domain.IndexJob, log *observability.Logger, cause error) error {
	kind := domain.KindOf(cause)

	// The cause may be the job deadline itself; the status writes below must
	// still reach the store or the document strands in processing and every
	// redelivery gets dropped by the pending guard.
	ctx = context.WithoutCancel(ctx)

	switch kind {
	case domain.KindThrottled, domain.KindTransient, domain.KindTimeout:
		log.Warn().Str("kind", string(kind)).Err(cause).Msg("Indexing attempt failed, requeueing")
		// Reopen the claim so the redelivered job can run step 2 again.
		if err := w.meta.UpdateDocumentStatus(ctx, job.KBID, job.DocumentID,
			domain.DocumentStatusProcessing, domain.DocumentStatusPending, metadata.DocumentPatch{}); err != nil {
			log.Error().Err(err).Msg("Failed to release document claim")
		}
		return cause
	}

	log.Error().Str("kind", string(kind)).Err(cause).Msg("Indexing failed permanently")

	msg := domain.TruncateErrorMessage(cause)
	err := w.meta.UpdateDocumentStatus(ctx, job.KBID, job.DocumentID,
		domain.DocumentStatusProcessing, domain.DocumentStatusFailed, metadata.DocumentPatch{
			ErrorMessage: &msg,
		})
	if err != nil {
		log.Error().Err(err).Msg("Failed to mark document failed")
	}

	if kind == domain.KindConcurrencyExhausted {
		if err := w.coordinator.MarkError(ctx, job.OwnerID, job.KBID); err != nil {
			log.Error().Err(err).Msg("Failed to mark knowledge base errored")
		}
	}
	return nil
}

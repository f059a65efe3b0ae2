package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/ragcore/internal/config"
	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/metadata"
	"github.com/quarry-ai/ragcore/internal/objectstore"
	"github.com/quarry-ai/ragcore/internal/observability"
)

// IndexDescriptor is the small blob co-written with every index payload.
// Readers compare it against the decoded payload to detect torn reads; the
// version token changes on every write.
type IndexDescriptor struct {
	Dimension    int    `json:"dimension"`
	VectorCount  int    `json:"vectorCount"`
	VersionToken string `json:"versionToken"`
}

// Coordinator owns every mutation of a KB's metadata row and index blobs.
// Writers run the optimistic load-modify-save protocol: the index is written
// first, then the KB row is swapped conditionally on its version token. A
// losing writer discards its merge and retries from a fresh read.
type Coordinator struct {
	meta    metadata.Store
	objects objectstore.Store
	locker  Locker
	cfg     config.CoordinatorConfig
	logger  *observability.Logger
}

// NewCoordinator wires the coordinator. Pass NopLocker when the advisory
// lock is disabled.
func NewCoordinator(meta metadata.Store, objects objectstore.Store, locker Locker,
	cfg config.CoordinatorConfig, logger *observability.Logger) *Coordinator {

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	return &Coordinator{
		meta:    meta,
		objects: objects,
		locker:  locker,
		cfg:     cfg,
		logger:  logger.WithComponent("coordinator"),
	}
}

// MergeDocument merges one document's vectors into the KB index. The vector
// ids must all belong to the same document. On a dimension conflict with the
// KB's recorded dimension the index is left untouched and invalid_input
// surfaces; after MaxAttempts lost conditional updates concurrency_exhausted
// surfaces.
func (c *Coordinator) MergeDocument(ctx context.Context, ownerID, kbID string,
	vectors [][]float32, ids []string) error {

	if len(vectors) == 0 || len(vectors) != len(ids) {
		return domain.InvalidInput("merge requires one id per vector")
	}
	documentID, _, err := domain.ParseVectorID(ids[0])
	if err != nil {
		return err
	}

	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return domain.InvalidInput(fmt.Sprintf(
				"inconsistent embedding dimensions: %d at 0, %d at %d", dim, len(v), i))
		}
	}
	if dim == 0 {
		return domain.InvalidInput("zero-dimension embeddings")
	}

	return c.mutate(ctx, ownerID, kbID, documentID, true, func(kb *domain.KnowledgeBase, idx *FlatIndex) (*FlatIndex, error) {
		if kb.Dimension != 0 && kb.Dimension != dim {
			return nil, domain.InvalidInput(fmt.Sprintf(
				"embedding dimension %d does not match knowledge base dimension %d", dim, kb.Dimension))
		}

		if idx == nil {
			empty, err := NewFlatIndex(dim)
			if err != nil {
				return nil, err
			}
			idx = empty
		}

		// A crashed worker may have merged before losing its lease;
		// replace its rows instead of duplicating them.
		if replaced := idx.RemoveByIDs(ids); replaced > 0 {
			c.logger.Warn().
				Str("kb_id", kbID).
				Str("document_id", documentID).
				Int("replaced", replaced).
				Msg("Replacing previously merged vectors")
		}

		if err := idx.Add(vectors, ids); err != nil {
			return nil, err
		}
		kb.Dimension = dim
		return idx, nil
	})
}

// RemoveDocument removes a document's vectors from the KB index. The
// post-removal index is written even when empty.
func (c *Coordinator) RemoveDocument(ctx context.Context, ownerID, kbID string, ids []string) error {
	if len(ids) == 0 {
		return domain.InvalidInput("no vector ids to remove")
	}
	documentID, _, err := domain.ParseVectorID(ids[0])
	if err != nil {
		return err
	}

	return c.mutate(ctx, ownerID, kbID, documentID, false, func(kb *domain.KnowledgeBase, idx *FlatIndex) (*FlatIndex, error) {
		if idx == nil {
			return nil, domain.NotFound(fmt.Sprintf("index for knowledge base %s", kbID))
		}
		idx.RemoveByIDs(ids)
		return idx, nil
	})
}

// mutate runs the seven-step optimistic protocol around the supplied index
// transformation. documentID names the in-flight document; includeInFlight
// says whether its vectors are part of the committed index (merge) or were
// just dropped from it (removal).
func (c *Coordinator) mutate(ctx context.Context, ownerID, kbID, documentID string,
	includeInFlight bool, apply func(kb *domain.KnowledgeBase, idx *FlatIndex) (*FlatIndex, error)) error {

	if release, ok, err := c.locker.Acquire(ctx, "kb:"+kbID, c.cfg.LockTTL); err != nil {
		c.logger.Warn().Str("kb_id", kbID).Err(err).Msg("Advisory lock unavailable, proceeding")
	} else if ok {
		defer release()
	}

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.WrapError(domain.KindTimeout, "index mutation", err)
		}

		// Step 1: read the KB row, capturing the version token.
		kb, err := c.meta.GetKB(ctx, ownerID, kbID)
		if err != nil {
			return err
		}
		expectedVersion := kb.Version

		// Step 3: load the current index snapshot, if any.
		idx, _, err := c.loadSnapshot(ctx, kbID)
		if err != nil && !domain.IsKind(err, domain.KindNotFound) {
			return err
		}

		// Steps 2+4: validate and apply the mutation in memory.
		idx, err = apply(kb, idx)
		if err != nil {
			return err
		}

		// Steps 5+6: serialize and write payload, then descriptor.
		desc := IndexDescriptor{
			Dimension:    idx.Dimension(),
			VectorCount:  idx.Count(),
			VersionToken: uuid.NewString(),
		}
		if err := c.objects.Put(ctx, domain.IndexKey(kbID), idx.Serialize(), "application/octet-stream"); err != nil {
			return err
		}
		descData, err := json.Marshal(desc)
		if err != nil {
			return domain.WrapError(domain.KindFatal, "marshal index descriptor", err)
		}
		if err := c.objects.Put(ctx, domain.IndexMetaKey(kbID), descData, "application/json"); err != nil {
			return err
		}

		// Step 7: recompute aggregates and swap the KB row conditionally.
		if err := c.recomputeAggregates(ctx, kb, idx, documentID, includeInFlight); err != nil {
			return err
		}

		err = c.meta.UpdateKB(ctx, kb, expectedVersion)
		if err == nil {
			c.logger.Info().
				Str("kb_id", kbID).
				Str("document_id", documentID).
				Int("vector_count", idx.Count()).
				Int64("version", kb.Version).
				Int("attempt", attempt).
				Msg("Index mutation committed")
			return nil
		}
		if !domain.IsKind(err, domain.KindPreconditionFailed) {
			return err
		}

		// Lost the race; the blob just written is stale and will be
		// overwritten by the next successful merge.
		delay := c.backoff(attempt)
		c.logger.Warn().
			Str("kb_id", kbID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Conditional update lost, retrying merge")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.WrapError(domain.KindTimeout, "index mutation", ctx.Err())
		}
	}

	return domain.ConcurrencyExhausted(fmt.Sprintf(
		"knowledge base %s: %d merge attempts lost", kbID, c.cfg.MaxAttempts))
}

// recomputeAggregates refreshes documentCount, totalSize, and indexStatus
// from the Document rows. The in-flight document is judged by the mutation
// outcome rather than its current row: its status flips only after the
// commit. Other pending/processing rows whose vectors are already in the
// index just built were merged by a concurrent worker that has not flipped
// its row yet; they count as indexed, otherwise a later writer would commit
// aggregates excluding them with nothing recomputing afterwards.
func (c *Coordinator) recomputeAggregates(ctx context.Context, kb *domain.KnowledgeBase,
	idx *FlatIndex, documentID string, includeInFlight bool) error {

	docs, err := c.meta.ListDocuments(ctx, kb.KBID)
	if err != nil {
		return err
	}

	var (
		count    int
		size     int64
		inFlight bool
	)
	for _, doc := range docs {
		if doc.DocumentID == documentID {
			if includeInFlight {
				count++
				size += doc.Size
			}
			continue
		}
		switch doc.Status {
		case domain.DocumentStatusIndexed:
			count++
			size += doc.Size
		case domain.DocumentStatusPending, domain.DocumentStatusProcessing:
			// Chunk 0 always exists for a merged document.
			if idx.Contains(domain.VectorID(doc.DocumentID, 0)) {
				count++
				size += doc.Size
			} else {
				inFlight = true
			}
		}
	}

	kb.DocumentCount = count
	kb.TotalSize = size

	switch {
	case inFlight:
		kb.IndexStatus = domain.IndexStatusProcessing
	case count == 0:
		kb.IndexStatus = domain.IndexStatusEmpty
	default:
		kb.IndexStatus = domain.IndexStatusReady
	}
	return nil
}

// MarkProcessing transitions the KB's index status to processing (used on
// confirm-upload: empty|ready|error → processing).
func (c *Coordinator) MarkProcessing(ctx context.Context, ownerID, kbID string) error {
	return c.updateStatus(ctx, ownerID, kbID, func(kb *domain.KnowledgeBase) bool {
		if kb.IndexStatus == domain.IndexStatusProcessing {
			return false
		}
		kb.IndexStatus = domain.IndexStatusProcessing
		return true
	})
}

// MarkError sets the KB's index status to error, but only while no document
// has ever been indexed; a later successful merge clears it.
func (c *Coordinator) MarkError(ctx context.Context, ownerID, kbID string) error {
	indexed, err := c.meta.ListDocumentsByStatus(ctx, kbID, domain.DocumentStatusIndexed)
	if err != nil {
		return err
	}
	if len(indexed) > 0 {
		return nil
	}

	return c.updateStatus(ctx, ownerID, kbID, func(kb *domain.KnowledgeBase) bool {
		if kb.IndexStatus == domain.IndexStatusError {
			return false
		}
		kb.IndexStatus = domain.IndexStatusError
		return true
	})
}

func (c *Coordinator) updateStatus(ctx context.Context, ownerID, kbID string,
	change func(kb *domain.KnowledgeBase) bool) error {

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		kb, err := c.meta.GetKB(ctx, ownerID, kbID)
		if err != nil {
			return err
		}
		if !change(kb) {
			return nil
		}

		err = c.meta.UpdateKB(ctx, kb, kb.Version)
		if err == nil {
			return nil
		}
		if !domain.IsKind(err, domain.KindPreconditionFailed) {
			return err
		}

		select {
		case <-time.After(c.backoff(attempt)):
		case <-ctx.Done():
			return domain.WrapError(domain.KindTimeout, "status update", ctx.Err())
		}
	}

	return domain.ConcurrencyExhausted(fmt.Sprintf(
		"knowledge base %s: %d status update attempts lost", kbID, c.cfg.MaxAttempts))
}

// LoadForSearch returns a read-only index snapshot without touching the
// advisory lock. A torn read (descriptor and payload disagreeing) is
// re-loaded once before index_unavailable surfaces. An absent index is
// not_found.
func (c *Coordinator) LoadForSearch(ctx context.Context, kbID string) (*FlatIndex, *IndexDescriptor, error) {
	idx, desc, err := c.loadSnapshot(ctx, kbID)
	if domain.IsKind(err, domain.KindIndexUnavailable) {
		c.logger.Warn().Str("kb_id", kbID).Err(err).Msg("Torn index read, reloading once")
		idx, desc, err = c.loadSnapshot(ctx, kbID)
	}
	return idx, desc, err
}

// loadSnapshot fetches and validates descriptor plus payload. The descriptor
// is read before the payload; any disagreement means the pair was written
// concurrently and reads as index_unavailable.
func (c *Coordinator) loadSnapshot(ctx context.Context, kbID string) (*FlatIndex, *IndexDescriptor, error) {
	descData, err := c.objects.Get(ctx, domain.IndexMetaKey(kbID))
	if err != nil {
		return nil, nil, err
	}

	var desc IndexDescriptor
	if err := json.Unmarshal(descData, &desc); err != nil {
		return nil, nil, domain.WrapError(domain.KindIndexUnavailable, "decode index descriptor", err)
	}

	payload, err := c.objects.Get(ctx, domain.IndexKey(kbID))
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, nil, domain.IndexUnavailable(fmt.Sprintf(
				"knowledge base %s: descriptor present, payload missing", kbID))
		}
		return nil, nil, err
	}

	idx, err := DeserializeIndex(payload)
	if err != nil {
		return nil, nil, err
	}

	if idx.Dimension() != desc.Dimension || idx.Count() != desc.VectorCount {
		return nil, nil, domain.IndexUnavailable(fmt.Sprintf(
			"knowledge base %s: descriptor (%d×%d) disagrees with payload (%d×%d)",
			kbID, desc.VectorCount, desc.Dimension, idx.Count(), idx.Dimension()))
	}
	return idx, &desc, nil
}

// backoff is linear with jitter: base × attempt plus a random offset.
func (c *Coordinator) backoff(attempt int) time.Duration {
	base := c.cfg.BackoffBase
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	delay := time.Duration(attempt) * base
	if c.cfg.BackoffJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.cfg.BackoffJitter)))
	}
	return delay
}

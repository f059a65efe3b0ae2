// Package lifecycle provides knowledge base and document management: CRUD on
// KB rows, the presigned upload handshake, and the deletion cascades over the
// object store.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/metadata"
	"github.com/quarry-ai/ragcore/internal/objectstore"
	"github.com/quarry-ai/ragcore/internal/observability"
	"github.com/quarry-ai/ragcore/internal/queue"
	"github.com/quarry-ai/ragcore/internal/vectorindex"
)

// updateRetries bounds the read-modify-CAS loop on KB attribute updates.
const updateRetries = 5

// defaultPresignTTL applies when the configured TTL is unset.
const defaultPresignTTL = 15 * time.Minute

// Service manages knowledge bases and their documents.
type Service struct {
	meta        metadata.Store
	objects     objectstore.Store
	queue       queue.Enqueuer
	coordinator *vectorindex.Coordinator
	presignTTL  time.Duration
	logger      *observability.Logger
}

// NewService wires the lifecycle service. presignTTL bounds upload URL
// validity; non-positive values take the default.
func NewService(meta metadata.Store, objects objectstore.Store, q queue.Enqueuer,
	coordinator *vectorindex.Coordinator, presignTTL time.Duration,
	logger *observability.Logger) *Service {

	if presignTTL <= 0 {
		presignTTL = defaultPresignTTL
	}
	return &Service{
		meta:        meta,
		objects:     objects,
		queue:       q,
		coordinator: coordinator,
		presignTTL:  presignTTL,
		logger:      logger.WithComponent("lifecycle"),
	}
}

// CreateKB registers a new knowledge base.
func (s *Service) CreateKB(ctx context.Context, ownerID, name, description,
	embeddingModel, generationModel string) (*domain.KnowledgeBase, error) {

	if ownerID == "" {
		return nil, domain.InvalidInput("ownerId must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return nil, domain.InvalidInput("name must not be empty")
	}
	if embeddingModel == "" {
		return nil, domain.InvalidInput("embeddingModel must not be empty")
	}

	now := time.Now().UTC()
	kb := &domain.KnowledgeBase{
		OwnerID:         ownerID,
		KBID:            uuid.NewString(),
		Name:            name,
		Description:     description,
		EmbeddingModel:  embeddingModel,
		GenerationModel: generationModel,
		IndexStatus:     domain.IndexStatusEmpty,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.meta.CreateKB(ctx, kb); err != nil {
		return nil, err
	}

	s.logger.Info().Str("owner_id", ownerID).Str("kb_id", kb.KBID).Msg("Knowledge base created")
	return kb, nil
}

// KBPatch carries the mutable KB attributes. Nil fields are left untouched.
type KBPatch struct {
	Name        *string
	Description *string
}

// UpdateKB changes name and/or description through a bounded CAS loop.
func (s *Service) UpdateKB(ctx context.Context, ownerID, kbID string, patch KBPatch) (*domain.KnowledgeBase, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, domain.InvalidInput("name must not be empty")
	}

	for attempt := 1; attempt <= updateRetries; attempt++ {
		kb, err := s.meta.GetKB(ctx, ownerID, kbID)
		if err != nil {
			return nil, err
		}

		if patch.Name != nil {
			kb.Name = *patch.Name
		}
		if patch.Description != nil {
			kb.Description = *patch.Description
		}

		err = s.meta.UpdateKB(ctx, kb, kb.Version)
		if err == nil {
			return kb, nil
		}
		if !domain.IsKind(err, domain.KindPreconditionFailed) {
			return nil, err
		}
	}

	return nil, domain.ConcurrencyExhausted(fmt.Sprintf(
		"knowledge base %s: %d update attempts lost", kbID, updateRetries))
}

// DescribeKB returns one KB row.
func (s *Service) DescribeKB(ctx context.Context, ownerID, kbID string) (*domain.KnowledgeBase, error) {
	return s.meta.GetKB(ctx, ownerID, kbID)
}

// ListKBs returns all KBs of an owner.
func (s *Service) ListKBs(ctx context.Context, ownerID string) ([]*domain.KnowledgeBase, error) {
	return s.meta.ListKBs(ctx, ownerID)
}

// DeleteKBResult reports a KB deletion. Object-store failures are collected
// rather than fatal: metadata is gone either way and orphaned blobs are
// harmless.
type DeleteKBResult struct {
	DocumentsDeleted int
	ObjectsDeleted   int
	ObjectErrors     []string
}

// DeleteKB removes the KB with everything under it: originals, chunks blobs,
// index, document rows, and finally the KB row.
func (s *Service) DeleteKB(ctx context.Context, ownerID, kbID string) (*DeleteKBResult, error) {
	if _, err := s.meta.GetKB(ctx, ownerID, kbID); err != nil {
		return nil, err
	}

	result := &DeleteKBResult{}
	for _, prefix := range []string{
		domain.DocumentsPrefix(ownerID, kbID),
		domain.ChunksPrefix(kbID),
		domain.IndexPrefix(kbID),
	} {
		removed, err := s.objects.DeletePrefix(ctx, prefix)
		result.ObjectsDeleted += removed
		if err != nil {
			result.ObjectErrors = append(result.ObjectErrors,
				fmt.Sprintf("delete %s: %v", prefix, err))
		}
	}

	docs, err := s.meta.ListDocuments(ctx, kbID)
	if err != nil {
		return result, err
	}
	for _, doc := range docs {
		if err := s.meta.DeleteDocument(ctx, kbID, doc.DocumentID); err != nil &&
			!domain.IsKind(err, domain.KindNotFound) {
			return result, err
		}
		result.DocumentsDeleted++
	}

	if err := s.meta.DeleteKB(ctx, ownerID, kbID); err != nil {
		return result, err
	}

	s.logger.Info().
		Str("owner_id", ownerID).
		Str("kb_id", kbID).
		Int("documents", result.DocumentsDeleted).
		Int("objects", result.ObjectsDeleted).
		Msg("Knowledge base deleted")
	return result, nil
}

// Upload is the presigned upload handshake output.
type Upload struct {
	UploadURL  string
	ObjectKey  string
	DocumentID string
}

// PresignUpload reserves a document id and returns a presigned PUT for the
// original file. No Document row exists until ConfirmUpload.
func (s *Service) PresignUpload(ctx context.Context, ownerID, kbID, filename, contentType string) (*Upload, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	if _, err := s.meta.GetKB(ctx, ownerID, kbID); err != nil {
		return nil, err
	}

	documentID := uuid.NewString()
	objectKey := domain.DocumentKey(ownerID, kbID, documentID, filename)

	url, err := s.objects.PresignPut(ctx, objectKey, contentType, s.presignTTL)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	return &Upload{
		UploadURL:  url,
		ObjectKey:  objectKey,
		DocumentID: documentID,
	}, nil
}

// ConfirmUpload registers the uploaded file and enqueues its indexing job.
// Confirming the same document twice fails with invalid_input.
func (s *Service) ConfirmUpload(ctx context.Context, ownerID, kbID, documentID,
	filename, contentType, objectKey string, size int64) (*domain.Document, error) {

	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, domain.InvalidInput("size must be positive")
	}

	kb, err := s.meta.GetKB(ctx, ownerID, kbID)
	if err != nil {
		return nil, err
	}

	doc := &domain.Document{
		KBID:        kbID,
		DocumentID:  documentID,
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
		ObjectKey:   objectKey,
		Status:      domain.DocumentStatusPending,
		UploadedAt:  time.Now().UTC(),
	}
	if err := s.meta.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	if err := s.coordinator.MarkProcessing(ctx, ownerID, kbID); err != nil {
		s.logger.Error().Str("kb_id", kbID).Err(err).Msg("Failed to mark knowledge base processing")
	}

	err = s.queue.EnqueueIndexJob(ctx, domain.IndexJob{
		KBID:           kbID,
		DocumentID:     documentID,
		OwnerID:        ownerID,
		ObjectKey:      objectKey,
		Filename:       filename,
		EmbeddingModel: kb.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue index job: %w", err)
	}

	s.logger.Info().
		Str("kb_id", kbID).
		Str("document_id", documentID).
		Str("filename", filename).
		Msg("Upload confirmed, indexing enqueued")
	return doc, nil
}

// ListDocuments returns all documents of a KB.
func (s *Service) ListDocuments(ctx context.Context, ownerID, kbID string) ([]*domain.Document, error) {
	if _, err := s.meta.GetKB(ctx, ownerID, kbID); err != nil {
		return nil, err
	}
	return s.meta.ListDocuments(ctx, kbID)
}

// DeleteDocument removes one document: its vectors (when indexed), its chunks
// blob, its original file, and its row. Documents still pending or processing
// cannot be deleted.
func (s *Service) DeleteDocument(ctx context.Context, ownerID, kbID, documentID string) error {
	if _, err := s.meta.GetKB(ctx, ownerID, kbID); err != nil {
		return err
	}
	doc, err := s.meta.GetDocument(ctx, kbID, documentID)
	if err != nil {
		return err
	}

	switch doc.Status {
	case domain.DocumentStatusPending, domain.DocumentStatusProcessing:
		return domain.InvalidInput(fmt.Sprintf(
			"document %s is %s and cannot be deleted yet", documentID, doc.Status))
	case domain.DocumentStatusIndexed:
		ids := make([]string, doc.ChunkCount)
		for i := range ids {
			ids[i] = domain.VectorID(documentID, i)
		}
		if err := s.coordinator.RemoveDocument(ctx, ownerID, kbID, ids); err != nil {
			return fmt.Errorf("remove vectors: %w", err)
		}
	}
	// Failed documents never reached the index.

	if err := s.objects.Delete(ctx, domain.ChunksKey(kbID, documentID)); err != nil {
		s.logger.Warn().Str("document_id", documentID).Err(err).Msg("Failed to delete chunks blob")
	}
	if _, err := s.objects.DeletePrefix(ctx, domain.DocumentPrefix(ownerID, kbID, documentID)); err != nil {
		s.logger.Warn().Str("document_id", documentID).Err(err).Msg("Failed to delete original file")
	}

	if err := s.meta.DeleteDocument(ctx, kbID, documentID); err != nil {
		return err
	}

	s.logger.Info().
		Str("kb_id", kbID).
		Str("document_id", documentID).
		Msg("Document deleted")
	return nil
}

// validateFilename rejects empty names and anything resembling a path.
func validateFilename(filename string) error {
	if filename == "" {
		return domain.InvalidInput("filename must not be empty")
	}
	if strings.ContainsAny(filename, "/\\") || filename == "." || filename == ".." {
		return domain.InvalidInput(fmt.Sprintf("invalid filename %q", filename))
	}
	return nil
}

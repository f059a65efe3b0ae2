// Package metadata provides the gateway over the two keyed metadata tables
// (knowledge bases and documents). It is the only component that writes KB or
// Document rows; every mutation of shared state goes through the conditional
// primitives defined here.
package metadata

import (
	"context"
	"time"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// DocumentPatch carries the attribute-level updates applied together with a
// document status transition. Nil fields are left untouched.
type DocumentPatch struct {
	IndexedAt        *time.Time
	ErrorMessage     *string
	ChunkCount       *int
	ExtractionMethod *string
}

// Store is the metadata gateway. All reads are strongly consistent.
type Store interface {
	// CreateKB inserts a new KB row. An existing (ownerId, kbId) pair fails
	// with invalid_input.
	CreateKB(ctx context.Context, kb *domain.KnowledgeBase) error

	// GetKB returns the KB row or not_found.
	GetKB(ctx context.Context, ownerID, kbID string) (*domain.KnowledgeBase, error)

	// UpdateKB replaces the mutable KB attributes iff the stored version
	// equals expectedVersion, storing version = expectedVersion + 1 and a
	// fresh updatedAt. A version mismatch fails with precondition_failed; a
	// missing row with not_found.
	UpdateKB(ctx context.Context, kb *domain.KnowledgeBase, expectedVersion int64) error

	// DeleteKB removes the KB row. Missing rows fail with not_found.
	DeleteKB(ctx context.Context, ownerID, kbID string) error

	// ListKBs returns all KBs of one owner ordered by creation time.
	ListKBs(ctx context.Context, ownerID string) ([]*domain.KnowledgeBase, error)

	// CreateDocument inserts a new Document row. An existing
	// (kbId, documentId) pair fails with invalid_input.
	CreateDocument(ctx context.Context, doc *domain.Document) error

	// GetDocument returns the Document row or not_found.
	GetDocument(ctx context.Context, kbID, documentID string) (*domain.Document, error)

	// UpdateDocumentStatus transitions the document from one status to
	// another iff the stored status equals from, applying patch in the same
	// write. A status mismatch fails with precondition_failed; a missing row
	// with not_found.
	UpdateDocumentStatus(ctx context.Context, kbID, documentID string,
		from, to domain.DocumentStatus, patch DocumentPatch) error

	// DeleteDocument removes the Document row. Missing rows fail with
	// not_found.
	DeleteDocument(ctx context.Context, kbID, documentID string) error

	// ListDocuments returns all documents of a KB ordered by upload time.
	ListDocuments(ctx context.Context, kbID string) ([]*domain.Document, error)

	// ListDocumentsByStatus returns the KB's documents in the given status.
	ListDocumentsByStatus(ctx context.Context, kbID string, status domain.DocumentStatus) ([]*domain.Document, error)
}

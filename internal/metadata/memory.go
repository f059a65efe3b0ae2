package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// MemoryStore is an in-memory Store for unit tests and local development. It
// honors the same conditional-update contract as SQLStore.
type MemoryStore struct {
	mu   sync.RWMutex
	kbs  map[string]*domain.KnowledgeBase // ownerID/kbID
	docs map[string]*domain.Document      // kbID/documentID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kbs:  make(map[string]*domain.KnowledgeBase),
		docs: make(map[string]*domain.Document),
	}
}

func kbKey(ownerID, kbID string) string {
	return ownerID + "/" + kbID
}

func docKey(kbID, documentID string) string {
	return kbID + "/" + documentID
}

// CreateKB inserts a new KB row.
func (s *MemoryStore) CreateKB(ctx context.Context, kb *domain.KnowledgeBase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kbKey(kb.OwnerID, kb.KBID)
	if _, ok := s.kbs[key]; ok {
		return domain.InvalidInput(fmt.Sprintf("knowledge base %s already exists", kb.KBID))
	}

	clone := *kb
	s.kbs[key] = &clone
	return nil
}

// GetKB returns a copy of the KB row or not_found.
func (s *MemoryStore) GetKB(ctx context.Context, ownerID, kbID string) (*domain.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kb, ok := s.kbs[kbKey(ownerID, kbID)]
	if !ok {
		return nil, domain.NotFound("knowledge base")
	}

	clone := *kb
	return &clone, nil
}

// UpdateKB applies the row iff the stored version equals expectedVersion.
func (s *MemoryStore) UpdateKB(ctx context.Context, kb *domain.KnowledgeBase, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.kbs[kbKey(kb.OwnerID, kb.KBID)]
	if !ok {
		return domain.NotFound("knowledge base")
	}
	if stored.Version != expectedVersion {
		return domain.PreconditionFailed(
			fmt.Sprintf("knowledge base %s version %d superseded", kb.KBID, expectedVersion))
	}

	clone := *kb
	clone.Version = expectedVersion + 1
	clone.UpdatedAt = time.Now().UTC()
	clone.CreatedAt = stored.CreatedAt
	s.kbs[kbKey(kb.OwnerID, kb.KBID)] = &clone

	kb.Version = clone.Version
	kb.UpdatedAt = clone.UpdatedAt
	return nil
}

// DeleteKB removes the KB row.
func (s *MemoryStore) DeleteKB(ctx context.Context, ownerID, kbID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kbKey(ownerID, kbID)
	if _, ok := s.kbs[key]; !ok {
		return domain.NotFound("knowledge base")
	}
	delete(s.kbs, key)
	return nil
}

// ListKBs returns all KBs of one owner ordered by creation time.
func (s *MemoryStore) ListKBs(ctx context.Context, ownerID string) ([]*domain.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var kbs []*domain.KnowledgeBase
	for _, kb := range s.kbs {
		if kb.OwnerID == ownerID {
			clone := *kb
			kbs = append(kbs, &clone)
		}
	}
	sort.Slice(kbs, func(i, j int) bool {
		if !kbs[i].CreatedAt.Equal(kbs[j].CreatedAt) {
			return kbs[i].CreatedAt.Before(kbs[j].CreatedAt)
		}
		return kbs[i].KBID < kbs[j].KBID
	})
	return kbs, nil
}

// CreateDocument inserts a new Document row.
func (s *MemoryStore) CreateDocument(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(doc.KBID, doc.DocumentID)
	if _, ok := s.docs[key]; ok {
		return domain.InvalidInput(fmt.Sprintf("document %s already exists", doc.DocumentID))
	}

	clone := cloneDocument(doc)
	s.docs[key] = clone
	return nil
}

// GetDocument returns a copy of the Document row or not_found.
func (s *MemoryStore) GetDocument(ctx context.Context, kbID, documentID string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[docKey(kbID, documentID)]
	if !ok {
		return nil, domain.NotFound("document")
	}
	return cloneDocument(doc), nil
}

// UpdateDocumentStatus transitions the document iff its stored status equals
// from.
func (s *MemoryStore) UpdateDocumentStatus(ctx context.Context, kbID, documentID string,
	from, to domain.DocumentStatus, patch DocumentPatch) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docKey(kbID, documentID)]
	if !ok {
		return domain.NotFound("document")
	}
	if doc.Status != from {
		return domain.PreconditionFailed(
			fmt.Sprintf("document %s is not %s", documentID, from))
	}

	doc.Status = to
	if patch.IndexedAt != nil {
		t := *patch.IndexedAt
		doc.IndexedAt = &t
	}
	if patch.ErrorMessage != nil {
		doc.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ChunkCount != nil {
		doc.ChunkCount = *patch.ChunkCount
	}
	if patch.ExtractionMethod != nil {
		doc.ExtractionMethod = *patch.ExtractionMethod
	}
	return nil
}

// DeleteDocument removes the Document row.
func (s *MemoryStore) DeleteDocument(ctx context.Context, kbID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(kbID, documentID)
	if _, ok := s.docs[key]; !ok {
		return domain.NotFound("document")
	}
	delete(s.docs, key)
	return nil
}

// ListDocuments returns all documents of a KB ordered by upload time.
func (s *MemoryStore) ListDocuments(ctx context.Context, kbID string) ([]*domain.Document, error) {
	return s.listDocuments(kbID, nil)
}

// ListDocumentsByStatus returns the KB's documents in the given status.
func (s *MemoryStore) ListDocumentsByStatus(ctx context.Context, kbID string, status domain.DocumentStatus) ([]*domain.Document, error) {
	return s.listDocuments(kbID, &status)
}

func (s *MemoryStore) listDocuments(kbID string, status *domain.DocumentStatus) ([]*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []*domain.Document
	for _, doc := range s.docs {
		if doc.KBID != kbID {
			continue
		}
		if status != nil && doc.Status != *status {
			continue
		}
		docs = append(docs, cloneDocument(doc))
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UploadedAt.Equal(docs[j].UploadedAt) {
			return docs[i].UploadedAt.Before(docs[j].UploadedAt)
		}
		return docs[i].DocumentID < docs[j].DocumentID
	})
	return docs, nil
}

func cloneDocument(doc *domain.Document) *domain.Document {
	clone := *doc
	if doc.IndexedAt != nil {
		t := *doc.IndexedAt
		clone.IndexedAt = &t
	}
	return &clone
}

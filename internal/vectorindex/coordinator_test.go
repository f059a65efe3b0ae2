package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/ragcore/internal/config"
	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/metadata"
	"github.com/quarry-ai/ragcore/internal/objectstore"
	"github.com/quarry-ai/ragcore/internal/observability"
)

type coordinatorFixture struct {
	meta    *metadata.MemoryStore
	objects *objectstore.MemoryStore
	coord   *Coordinator
}

func newCoordinatorFixture(t *testing.T, locker Locker) *coordinatorFixture {
	t.Helper()

	meta := metadata.NewMemoryStore()
	objects := objectstore.NewMemoryStore()
	cfg := config.CoordinatorConfig{
		MaxAttempts:   5,
		BackoffBase:   time.Millisecond,
		BackoffJitter: time.Millisecond,
		LockTTL:       time.Second,
	}
	return &coordinatorFixture{
		meta:    meta,
		objects: objects,
		coord:   NewCoordinator(meta, objects, locker, cfg, observability.NewNopLogger()),
	}
}

func (f *coordinatorFixture) createKB(t *testing.T, ownerID, kbID string) {
	t.Helper()
	require.NoError(t, f.meta.CreateKB(context.Background(), &domain.KnowledgeBase{
		OwnerID:     ownerID,
		KBID:        kbID,
		Name:        "fixture",
		IndexStatus: domain.IndexStatusEmpty,
	}))
}

func (f *coordinatorFixture) createDocument(t *testing.T, kbID, documentID string,
	status domain.DocumentStatus, size int64) {

	t.Helper()
	require.NoError(t, f.meta.CreateDocument(context.Background(), &domain.Document{
		KBID:       kbID,
		DocumentID: documentID,
		Filename:   documentID + ".txt",
		Size:       size,
		Status:     status,
		UploadedAt: time.Now().UTC(),
	}))
}

func docVectors(documentID string, n, dim int, fill float32) ([][]float32, []string) {
	vectors := make([][]float32, n)
	ids := make([]string, n)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = fill + float32(i)
		}
		vectors[i] = v
		ids[i] = domain.VectorID(documentID, i)
	}
	return vectors, ids
}

func TestMergeDocumentCreatesIndex(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusProcessing, 42)

	vectors, ids := docVectors("doc-a", 3, 4, 1)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", vectors, ids))

	kb, err := f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), kb.Version)
	assert.Equal(t, 4, kb.Dimension)
	assert.Equal(t, 1, kb.DocumentCount)
	assert.Equal(t, int64(42), kb.TotalSize)
	assert.Equal(t, domain.IndexStatusReady, kb.IndexStatus)

	idx, desc, err := f.coord.LoadForSearch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Count())
	assert.Equal(t, 4, idx.Dimension())
	assert.Equal(t, 3, desc.VectorCount)
	assert.NotEmpty(t, desc.VersionToken)
}

func TestMergeDocumentReplacesEarlierRows(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusProcessing, 10)

	vectors, ids := docVectors("doc-a", 2, 2, 1)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", vectors, ids))

	// A redelivered job merges the same document again; rows are replaced,
	// not duplicated.
	vectors, ids = docVectors("doc-a", 2, 2, 9)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", vectors, ids))

	idx, _, err := f.coord.LoadForSearch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Count())

	kb, err := f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), kb.Version)
	assert.Equal(t, 1, kb.DocumentCount)
}

func TestMergeDocumentDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusProcessing, 10)
	f.createDocument(t, "kb1", "doc-b", domain.DocumentStatusProcessing, 10)

	vectors, ids := docVectors("doc-a", 2, 3, 1)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", vectors, ids))

	vectors, ids = docVectors("doc-b", 2, 5, 1)
	err := f.coord.MergeDocument(ctx, "owner", "kb1", vectors, ids)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	// The failed merge must leave index and row untouched.
	kb, err := f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), kb.Version)
	assert.Equal(t, 3, kb.Dimension)

	idx, _, err := f.coord.LoadForSearch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Count())
	assert.Equal(t, 3, idx.Dimension())
}

func TestMergeDocumentRejectsInconsistentBatch(t *testing.T) {
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")

	err := f.coord.MergeDocument(context.Background(), "owner", "kb1",
		[][]float32{{1, 2}, {1, 2, 3}},
		[]string{domain.VectorID("doc-a", 0), domain.VectorID("doc-a", 1)})
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestConcurrentMergesBothCommit(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusProcessing, 10)
	f.createDocument(t, "kb1", "doc-b", domain.DocumentStatusProcessing, 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, documentID := range []string{"doc-a", "doc-b"} {
		wg.Add(1)
		go func(slot int, documentID string) {
			defer wg.Done()
			vectors, ids := docVectors(documentID, 3, 2, float32(slot))
			errs[slot] = f.coord.MergeDocument(ctx, "owner", "kb1", vectors, ids)
		}(i, documentID)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// No lost update: both commits landed and both documents' vectors are in
	// the final index.
	kb, err := f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), kb.Version)

	idx, _, err := f.coord.LoadForSearch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 6, idx.Count())
	results, err := idx.Search(make([]float32, 2), 6)
	require.NoError(t, err)
	docsSeen := map[string]bool{}
	for _, r := range results {
		documentID, _, err := domain.ParseVectorID(r.VectorID)
		require.NoError(t, err)
		docsSeen[documentID] = true
	}
	assert.Equal(t, map[string]bool{"doc-a": true, "doc-b": true}, docsSeen)
}

func TestMergeCountsCommittedButUnflippedDocuments(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusProcessing, 10)
	f.createDocument(t, "kb1", "doc-b", domain.DocumentStatusProcessing, 20)

	// B's worker merges and commits but has not flipped its row to indexed
	// yet when A's merge recomputes aggregates. B's vectors are already in
	// the index A reads, so A must count B rather than treat it as
	// in-flight: nothing recomputes after A's commit.
	bVectors, bIDs := docVectors("doc-b", 2, 2, 5)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", bVectors, bIDs))

	aVectors, aIDs := docVectors("doc-a", 2, 2, 1)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", aVectors, aIDs))

	kb, err := f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, kb.DocumentCount)
	assert.Equal(t, int64(30), kb.TotalSize)
	assert.Equal(t, domain.IndexStatusReady, kb.IndexStatus)

	idx, _, err := f.coord.LoadForSearch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Count())

	// Flipping the rows afterwards changes nothing the aggregates depend on.
	for _, documentID := range []string{"doc-a", "doc-b"} {
		require.NoError(t, f.meta.UpdateDocumentStatus(ctx, "kb1", documentID,
			domain.DocumentStatusProcessing, domain.DocumentStatusIndexed, metadata.DocumentPatch{}))
	}
	kb, err = f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, kb.DocumentCount)
	assert.Equal(t, domain.IndexStatusReady, kb.IndexStatus)
}

// contendedStore fails every conditional KB update with precondition_failed,
// simulating a writer that always loses the race.
type contendedStore struct {
	metadata.Store
	mu      sync.Mutex
	updates int
}

func (s *contendedStore) UpdateKB(ctx context.Context, kb *domain.KnowledgeBase, expectedVersion int64) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return domain.PreconditionFailed(fmt.Sprintf("knowledge base %s version %d superseded", kb.KBID, expectedVersion))
}

func TestMergeDocumentConcurrencyExhausted(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusProcessing, 10)

	contended := &contendedStore{Store: f.meta}
	cfg := config.CoordinatorConfig{
		MaxAttempts:   5,
		BackoffBase:   time.Millisecond,
		BackoffJitter: time.Millisecond,
	}
	coord := NewCoordinator(contended, f.objects, NopLocker{}, cfg, observability.NewNopLogger())

	vectors, ids := docVectors("doc-a", 1, 2, 1)
	err := coord.MergeDocument(ctx, "owner", "kb1", vectors, ids)
	require.Error(t, err)
	assert.Equal(t, domain.KindConcurrencyExhausted, domain.KindOf(err))
	assert.Equal(t, 5, contended.updates)

	// The row was never swapped, so the KB still looks untouched.
	kb, err := f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), kb.Version)
	assert.Equal(t, 0, kb.Dimension)
}

func TestRemoveDocumentRecomputesAggregates(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusProcessing, 10)
	f.createDocument(t, "kb1", "doc-b", domain.DocumentStatusProcessing, 20)

	aVectors, aIDs := docVectors("doc-a", 2, 2, 1)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", aVectors, aIDs))
	bVectors, bIDs := docVectors("doc-b", 2, 2, 5)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", bVectors, bIDs))

	// Both documents finish indexing before the deletion runs.
	for _, documentID := range []string{"doc-a", "doc-b"} {
		require.NoError(t, f.meta.UpdateDocumentStatus(ctx, "kb1", documentID,
			domain.DocumentStatusProcessing, domain.DocumentStatusIndexed, metadata.DocumentPatch{}))
	}

	require.NoError(t, f.coord.RemoveDocument(ctx, "owner", "kb1", aIDs))
	require.NoError(t, f.meta.DeleteDocument(ctx, "kb1", "doc-a"))

	kb, err := f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, 1, kb.DocumentCount)
	assert.Equal(t, int64(20), kb.TotalSize)
	assert.Equal(t, domain.IndexStatusReady, kb.IndexStatus)

	idx, _, err := f.coord.LoadForSearch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Count())

	// Removing the last document leaves an empty but present index.
	require.NoError(t, f.coord.RemoveDocument(ctx, "owner", "kb1", bIDs))
	require.NoError(t, f.meta.DeleteDocument(ctx, "kb1", "doc-b"))

	kb, err = f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, 0, kb.DocumentCount)
	assert.Equal(t, domain.IndexStatusEmpty, kb.IndexStatus)

	idx, _, err = f.coord.LoadForSearch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Count())
}

func TestRemoveDocumentWithoutIndex(t *testing.T) {
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")

	err := f.coord.RemoveDocument(context.Background(), "owner", "kb1",
		[]string{domain.VectorID("doc-a", 0)})
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

// tornStore corrupts the index descriptor for the first read, simulating a
// read that raced a concurrent writer.
type tornStore struct {
	objectstore.Store
	mu       sync.Mutex
	tornOnce bool
	metaKey  string
}

func (s *tornStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	torn := key == s.metaKey && !s.tornOnce
	if torn {
		s.tornOnce = true
	}
	s.mu.Unlock()

	if torn {
		return []byte(`{"dimension":2,"vectorCount":999,"versionToken":"stale"}`), nil
	}
	return s.Store.Get(ctx, key)
}

func TestLoadForSearchReloadsAfterTornRead(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusProcessing, 10)

	vectors, ids := docVectors("doc-a", 2, 2, 1)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", vectors, ids))

	torn := &tornStore{Store: f.objects, metaKey: domain.IndexMetaKey("kb1")}
	coord := NewCoordinator(f.meta, torn, NopLocker{},
		config.CoordinatorConfig{MaxAttempts: 5}, observability.NewNopLogger())

	idx, desc, err := coord.LoadForSearch(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Count())
	assert.Equal(t, 2, desc.VectorCount)
}

func TestMergeProceedsWhenAdvisoryLockHeld(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	f := newCoordinatorFixture(t, locker)
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusProcessing, 10)

	// Another worker holds the lock; the merge must still go through because
	// the conditional update is the actual guard.
	_, ok, err := locker.Acquire(ctx, "kb:kb1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	vectors, ids := docVectors("doc-a", 1, 2, 1)
	require.NoError(t, f.coord.MergeDocument(ctx, "owner", "kb1", vectors, ids))
}

func TestMarkProcessingAndMarkError(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")

	require.NoError(t, f.coord.MarkProcessing(ctx, "owner", "kb1"))
	kb, err := f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusProcessing, kb.IndexStatus)
	assert.Equal(t, int64(1), kb.Version)

	// Already processing: no version churn.
	require.NoError(t, f.coord.MarkProcessing(ctx, "owner", "kb1"))
	kb, err = f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), kb.Version)

	require.NoError(t, f.coord.MarkError(ctx, "owner", "kb1"))
	kb, err = f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusError, kb.IndexStatus)
}

func TestMarkErrorSkippedWhenDocumentsIndexed(t *testing.T) {
	ctx := context.Background()
	f := newCoordinatorFixture(t, NopLocker{})
	f.createKB(t, "owner", "kb1")
	f.createDocument(t, "kb1", "doc-a", domain.DocumentStatusIndexed, 10)

	require.NoError(t, f.coord.MarkError(ctx, "owner", "kb1"))
	kb, err := f.meta.GetKB(ctx, "owner", "kb1")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusEmpty, kb.IndexStatus)
}

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/ragcore/internal/config"
	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/llm"
	"github.com/quarry-ai/ragcore/internal/metadata"
	"github.com/quarry-ai/ragcore/internal/objectstore"
	"github.com/quarry-ai/ragcore/internal/observability"
	"github.com/quarry-ai/ragcore/internal/vectorindex"
)

type engineFixture struct {
	meta    *metadata.MemoryStore
	objects *objectstore.MemoryStore
	models  *llm.MockGateway
	coord   *vectorindex.Coordinator
	engine  *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	meta := metadata.NewMemoryStore()
	objects := objectstore.NewMemoryStore()
	models := llm.NewMockGateway(16)
	logger := observability.NewNopLogger()

	coord := vectorindex.NewCoordinator(meta, objects, vectorindex.NopLocker{},
		config.CoordinatorConfig{
			MaxAttempts:   5,
			BackoffBase:   time.Millisecond,
			BackoffJitter: time.Millisecond,
		}, logger)

	return &engineFixture{
		meta:    meta,
		objects: objects,
		models:  models,
		coord:   coord,
		engine: NewEngine(meta, objects, models, coord,
			config.QueryConfig{MaxHistoryTurns: 5}, logger),
	}
}

func (f *engineFixture) seedKB(t *testing.T, ownerID, kbID string) {
	t.Helper()
	require.NoError(t, f.meta.CreateKB(context.Background(), &domain.KnowledgeBase{
		OwnerID:         ownerID,
		KBID:            kbID,
		Name:            "fixture",
		EmbeddingModel:  "embed-small",
		GenerationModel: "gen-default",
		IndexStatus:     domain.IndexStatusEmpty,
	}))
}

// seedIndexedDocument embeds texts with the fixture gateway, merges them, and
// persists the chunks blob, leaving the document row indexed.
func (f *engineFixture) seedIndexedDocument(t *testing.T, ownerID, kbID, documentID, filename string,
	texts []string, pages []*int) {

	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.meta.CreateDocument(ctx, &domain.Document{
		KBID:       kbID,
		DocumentID: documentID,
		Filename:   filename,
		Size:       128,
		Status:     domain.DocumentStatusProcessing,
		UploadedAt: time.Now().UTC(),
	}))

	vectors, err := f.models.Embed(ctx, "embed-small", texts)
	require.NoError(t, err)

	chunks := make([]domain.Chunk, len(texts))
	ids := make([]string, len(texts))
	for i, text := range texts {
		ids[i] = domain.VectorID(documentID, i)
		var page *int
		if pages != nil {
			page = pages[i]
		}
		chunks[i] = domain.Chunk{
			Text:           text,
			TokenCount:     4,
			PageNumber:     page,
			SourceFilename: filename,
			ChunkIndex:     i,
			VectorID:       ids[i],
		}
	}

	blob, err := json.Marshal(chunks)
	require.NoError(t, err)
	require.NoError(t, f.objects.Put(ctx, domain.ChunksKey(kbID, documentID), blob, "application/json"))

	require.NoError(t, f.coord.MergeDocument(ctx, ownerID, kbID, vectors, ids))

	now := time.Now().UTC()
	count := len(texts)
	require.NoError(t, f.meta.UpdateDocumentStatus(ctx, kbID, documentID,
		domain.DocumentStatusProcessing, domain.DocumentStatusIndexed, metadata.DocumentPatch{
			IndexedAt:  &now,
			ChunkCount: &count,
		}))
}

func baseRequest(query string) domain.QueryRequest {
	return domain.QueryRequest{
		KBID:    "kb1",
		OwnerID: "owner",
		Query:   query,
		K:       3,
		Params: domain.GenerationParams{
			Temperature: 0.2,
			MaxTokens:   512,
			TopP:        1,
		},
	}
}

func TestQueryValidation(t *testing.T) {
	f := newEngineFixture(t)
	f.seedKB(t, "owner", "kb1")

	tests := []struct {
		name   string
		mutate func(req *domain.QueryRequest)
	}{
		{"empty query", func(req *domain.QueryRequest) { req.Query = "" }},
		{"k too small", func(req *domain.QueryRequest) { req.K = 0 }},
		{"k too large", func(req *domain.QueryRequest) { req.K = 21 }},
		{"temperature out of range", func(req *domain.QueryRequest) { req.Params.Temperature = 1.5 }},
		{"maxTokens zero", func(req *domain.QueryRequest) { req.Params.MaxTokens = 0 }},
		{"maxTokens too large", func(req *domain.QueryRequest) { req.Params.MaxTokens = 9000 }},
		{"topP out of range", func(req *domain.QueryRequest) { req.Params.TopP = -0.1 }},
		{"bad history role", func(req *domain.QueryRequest) {
			req.History = []domain.Turn{{Role: "system", Content: "x"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest("what are the rules?")
			tt.mutate(&req)
			_, err := f.engine.Query(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
		})
	}
	assert.Equal(t, 0, f.models.GenerateCalls())
}

func TestQueryUnknownKB(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Query(context.Background(), baseRequest("anything"))
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestQueryEmptyKBAnswersWithoutModel(t *testing.T) {
	f := newEngineFixture(t)
	f.seedKB(t, "owner", "kb1")

	resp, err := f.engine.Query(context.Background(), baseRequest("what is in here?"))
	require.NoError(t, err)

	assert.Equal(t, answerNoDocuments, resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.Equal(t, 0, resp.RetrievedChunks)
	assert.Equal(t, "gen-default", resp.ModelID)
	assert.Equal(t, 0, f.models.EmbedCalls())
	assert.Equal(t, 0, f.models.GenerateCalls())
}

func TestQueryAnswersFromContext(t *testing.T) {
	f := newEngineFixture(t)
	f.seedKB(t, "owner", "kb1")
	f.seedIndexedDocument(t, "owner", "kb1", "doc-a", "safety.txt", []string{
		"Hard hats are mandatory on site.",
		"Visitors must sign in at the gate.",
		"Forklifts may only be driven by certified operators.",
	}, nil)

	req := baseRequest("Hard hats are mandatory on site.")
	req.K = 2
	resp, err := f.engine.Query(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, resp.RetrievedChunks)
	assert.Equal(t, []string{"safety.txt"}, resp.Sources)
	assert.Equal(t, "gen-default", resp.ModelID)
	assert.Equal(t, 1, f.models.GenerateCalls())

	// The nearest chunk's text is in the context block and the query is the
	// final user turn.
	system, messages := f.models.LastPrompt()
	assert.Contains(t, system, "[Source: safety.txt]")
	assert.Contains(t, system, "Hard hats are mandatory on site.")
	require.NotEmpty(t, messages)
	last := messages[len(messages)-1]
	assert.Equal(t, domain.RoleUser, last.Role)
	assert.Equal(t, req.Query, last.Content)
}

func TestQueryModelOverride(t *testing.T) {
	f := newEngineFixture(t)
	f.seedKB(t, "owner", "kb1")
	f.seedIndexedDocument(t, "owner", "kb1", "doc-a", "safety.txt",
		[]string{"Emergency exits must stay clear."}, nil)

	req := baseRequest("Where are the exits?")
	req.ModelID = "gen-override"
	resp, err := f.engine.Query(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gen-override", resp.ModelID)
}

func TestQueryHistoryTrimmedToLastFive(t *testing.T) {
	f := newEngineFixture(t)
	f.seedKB(t, "owner", "kb1")
	f.seedIndexedDocument(t, "owner", "kb1", "doc-a", "safety.txt",
		[]string{"Spills must be reported immediately."}, nil)

	req := baseRequest("Who do I report a spill to?")
	for i := 0; i < 8; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		req.History = append(req.History, domain.Turn{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}

	_, err := f.engine.Query(context.Background(), req)
	require.NoError(t, err)

	_, messages := f.models.LastPrompt()
	// Last 5 history turns in original order, then the query.
	require.Len(t, messages, 6)
	assert.Equal(t, "turn 3", messages[0].Content)
	assert.Equal(t, "turn 7", messages[4].Content)
	assert.Equal(t, req.Query, messages[5].Content)
}

func TestQueryDistanceThresholdZero(t *testing.T) {
	f := newEngineFixture(t)
	f.seedKB(t, "owner", "kb1")
	f.seedIndexedDocument(t, "owner", "kb1", "doc-a", "safety.txt", []string{
		"Welding requires a hot work permit.",
		"Scaffolding must be inspected weekly.",
	}, nil)

	// The mock embeds equal text to equal vectors, so an exact repeat of a
	// chunk sits at distance zero and survives a zero threshold.
	threshold := float32(0)
	req := baseRequest("Welding requires a hot work permit.")
	req.DistanceThreshold = &threshold
	resp, err := f.engine.Query(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.RetrievedChunks)

	// An unrelated query is filtered down to nothing: the no-context path,
	// without a model call.
	generates := f.models.GenerateCalls()
	req = baseRequest("entirely unrelated question about finance")
	req.DistanceThreshold = &threshold
	resp, err = f.engine.Query(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, answerNoContext, resp.Answer)
	assert.Equal(t, 0, resp.RetrievedChunks)
	assert.Empty(t, resp.Sources)
	assert.Equal(t, generates, f.models.GenerateCalls())
}

func TestQuerySourcesDedupedAndFormatted(t *testing.T) {
	f := newEngineFixture(t)
	f.seedKB(t, "owner", "kb1")

	three, four := 3, 4
	f.seedIndexedDocument(t, "owner", "kb1", "doc-a", "manual.pdf", []string{
		"Lockout tagout procedure step one.",
		"Lockout tagout procedure step two.",
		"Confined space entry checklist.",
	}, []*int{&three, &three, &four})

	req := baseRequest("Lockout tagout procedure step one.")
	req.K = 3
	resp, err := f.engine.Query(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, resp.RetrievedChunks)
	// Two chunks share page 3, so it appears once, before page 4.
	assert.Equal(t, []string{"manual.pdf (Page 3)", "manual.pdf (Page 4)"}, resp.Sources)
}

func TestQueryRequestTimeoutBoundsTheFlow(t *testing.T) {
	f := newEngineFixture(t)
	f.seedKB(t, "owner", "kb1")
	f.seedIndexedDocument(t, "owner", "kb1", "doc-a", "safety.txt",
		[]string{"First aid kits are restocked monthly."}, nil)

	engine := NewEngine(f.meta, f.objects, f.models, f.coord,
		config.QueryConfig{MaxHistoryTurns: 5, RequestTimeout: 30 * time.Second},
		observability.NewNopLogger())

	// The configured timeout reaches the gateway as a context deadline.
	var sawDeadline bool
	f.models.EmbedFunc = func(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
		_, sawDeadline = ctx.Deadline()
		f.models.EmbedFunc = nil
		return f.models.Embed(ctx, modelID, texts)
	}
	_, err := engine.Query(context.Background(), baseRequest("first aid"))
	require.NoError(t, err)
	assert.True(t, sawDeadline)

	// An expired deadline cuts the flow off mid-embed.
	engine = NewEngine(f.meta, f.objects, f.models, f.coord,
		config.QueryConfig{MaxHistoryTurns: 5, RequestTimeout: time.Millisecond},
		observability.NewNopLogger())
	f.models.EmbedFunc = func(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer func() { f.models.EmbedFunc = nil }()

	_, err = engine.Query(context.Background(), baseRequest("first aid"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueryMissingChunksBlob(t *testing.T) {
	f := newEngineFixture(t)
	f.seedKB(t, "owner", "kb1")
	f.seedIndexedDocument(t, "owner", "kb1", "doc-a", "safety.txt",
		[]string{"Respirators must be fit tested."}, nil)

	// The invariant breaks: the blob disappears while the index still points
	// at it.
	require.NoError(t, f.objects.Delete(context.Background(), domain.ChunksKey("kb1", "doc-a")))

	_, err := f.engine.Query(context.Background(), baseRequest("fit testing"))
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

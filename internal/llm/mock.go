package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// MockGateway is a deterministic Gateway for tests and local development.
// Embeddings are hash-seeded unit vectors, so equal texts always embed to
// equal vectors and similar runs stay reproducible.
type MockGateway struct {
	// Dimension of every produced vector. Defaults to 1024.
	Dimension int

	// EmbedFunc and GenerateFunc override the default behaviour when set.
	EmbedFunc    func(ctx context.Context, modelID string, texts []string) ([][]float32, error)
	GenerateFunc func(ctx context.Context, modelID, systemPrompt string, messages []domain.Turn,
		params domain.GenerationParams) (string, error)

	mu            sync.Mutex
	embedCalls    int
	generateCalls int
	lastSystem    string
	lastMessages  []domain.Turn
}

var _ Gateway = (*MockGateway)(nil)

// NewMockGateway creates a mock producing vectors of the given dimension.
func NewMockGateway(dimension int) *MockGateway {
	return &MockGateway{Dimension: dimension}
}

// Embed returns one deterministic unit vector per text.
func (m *MockGateway) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.embedCalls++
	m.mu.Unlock()

	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, modelID, texts)
	}
	if len(texts) == 0 {
		return nil, domain.InvalidInput("no texts to embed")
	}

	dim := m.Dimension
	if dim <= 0 {
		dim = 1024
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = deterministicVector(text, dim)
	}
	return vectors, nil
}

// Generate echoes a canned answer that names the model and digests the last
// user message, so assertions can verify the prompt reached the gateway.
func (m *MockGateway) Generate(ctx context.Context, modelID, systemPrompt string,
	messages []domain.Turn, params domain.GenerationParams) (string, error) {

	m.mu.Lock()
	m.generateCalls++
	m.lastSystem = systemPrompt
	m.lastMessages = append([]domain.Turn(nil), messages...)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, modelID, systemPrompt, messages, params)
	}

	var lastUser string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			lastUser = messages[i].Content
			break
		}
	}

	h := fnv.New32a()
	h.Write([]byte(lastUser))
	return fmt.Sprintf("mock answer from %s (%08x)", modelID, h.Sum32()), nil
}

// EmbedCalls returns how many times Embed ran.
func (m *MockGateway) EmbedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCalls
}

// GenerateCalls returns how many times Generate ran.
func (m *MockGateway) GenerateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateCalls
}

// LastPrompt returns the system prompt and messages of the most recent
// Generate call.
func (m *MockGateway) LastPrompt() (string, []domain.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSystem, append([]domain.Turn(nil), m.lastMessages...)
}

// deterministicVector seeds a unit vector from the text so that identical
// texts land at distance zero and distinct texts spread out.
func deterministicVector(text string, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(text)))
	state := h.Sum64()

	v := make([]float32, dim)
	var norm float64
	for i := range v {
		// xorshift64 keeps the mock dependency-free and stable.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v[i] = float32(int64(state%2000)-1000) / 1000
		norm += float64(v[i]) * float64(v[i])
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/quarry-ai/ragcore/internal/config"
	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/observability"
)

// OpenAIGateway implements Gateway against any OpenAI-compatible endpoint
// (OpenAI, Azure-style proxies, local inference servers).
type OpenAIGateway struct {
	client      *openai.Client
	batchSize   int
	parallelism int
	policy      retryPolicy
	logger      *observability.Logger
}

var _ Gateway = (*OpenAIGateway)(nil)

// NewOpenAIGateway builds a gateway from the models section of the config.
func NewOpenAIGateway(cfg config.ModelsConfig, logger *observability.Logger) *OpenAIGateway {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	batchSize := cfg.EmbedBatchSize
	if batchSize < 1 {
		batchSize = 16
	}
	parallelism := cfg.EmbedParallelism
	if parallelism < 1 {
		parallelism = 1
	}

	return &OpenAIGateway{
		client:      openai.NewClientWithConfig(clientCfg),
		batchSize:   batchSize,
		parallelism: parallelism,
		policy: retryPolicy{
			maxRetries: cfg.MaxRetries,
			baseDelay:  cfg.RetryBaseDelay,
			maxDelay:   cfg.RetryMaxDelay,
		},
		logger: logger.WithComponent("llm"),
	}
}

// Embed embeds texts in sub-batches, preserving input order. Every returned
// vector must share one non-zero dimension.
func (g *OpenAIGateway) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, domain.InvalidInput("no texts to embed")
	}
	for i, text := range texts {
		if text == "" {
			return nil, domain.InvalidInput(fmt.Sprintf("empty text at position %d", i))
		}
	}

	vectors := make([][]float32, len(texts))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.parallelism)

	for start := 0; start < len(texts); start += g.batchSize {
		end := start + g.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end

		group.Go(func() error {
			batch, err := g.embedBatch(groupCtx, modelID, texts[start:end])
			if err != nil {
				return err
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	dim := len(vectors[0])
	if dim == 0 {
		return nil, domain.ModelUnavailable(fmt.Sprintf("model %s returned empty vectors", modelID))
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, domain.Fatal(fmt.Sprintf(
				"model %s returned inconsistent dimensions: %d at 0, %d at %d", modelID, dim, len(v), i))
		}
	}

	return vectors, nil
}

func (g *OpenAIGateway) embedBatch(ctx context.Context, modelID string, batch []string) ([][]float32, error) {
	var vectors [][]float32

	err := withRetry(ctx, g.policy, g.logger, "embed", func() error {
		resp, err := g.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(modelID),
		})
		if err != nil {
			return classifyOpenAIError("create embeddings", err)
		}
		if len(resp.Data) != len(batch) {
			return domain.Fatal(fmt.Sprintf(
				"embedding count mismatch: sent %d, got %d", len(batch), len(resp.Data)))
		}

		vectors = make([][]float32, len(batch))
		for _, item := range resp.Data {
			if item.Index < 0 || item.Index >= len(batch) {
				return domain.Fatal(fmt.Sprintf("embedding index %d out of range", item.Index))
			}
			vectors[item.Index] = item.Embedding
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// Generate calls chat completion with the system prompt prepended.
func (g *OpenAIGateway) Generate(ctx context.Context, modelID, systemPrompt string,
	messages []domain.Turn, params domain.GenerationParams) (string, error) {

	chat := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		chat = append(chat, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, turn := range messages {
		role := openai.ChatMessageRoleUser
		if turn.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		chat = append(chat, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}

	var answer string
	err := withRetry(ctx, g.policy, g.logger, "generate", func() error {
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       modelID,
			Messages:    chat,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
			TopP:        params.TopP,
		})
		if err != nil {
			return classifyOpenAIError("create chat completion", err)
		}
		if len(resp.Choices) == 0 {
			return domain.ModelUnavailable(fmt.Sprintf("model %s returned no choices", modelID))
		}
		answer = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

// classifyOpenAIError maps API and transport failures onto the taxonomy.
func classifyOpenAIError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.KindTimeout, op, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return domain.WrapError(domain.KindThrottled, op, err)
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return domain.WrapError(domain.KindInvalidInput, op, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.WrapError(domain.KindFatal, op, err)
		}
		if apiErr.HTTPStatusCode >= 500 {
			return domain.WrapError(domain.KindTransient, op, err)
		}
		return domain.WrapError(domain.KindFatal, op, err)
	}

	// Connection resets, DNS failures, unexpected EOFs.
	return domain.WrapError(domain.KindTransient, op, err)
}

package projector

import (
	"context"

	"github.com/athapong/aio-risk/pkg/risk/storage"
	"github.com/sashabaranov/go-openai"
)

type MockEmbeddingClient struct {
	CreateEmbeddingsFunc func(ctx context.Context, req openai.EmbeddingRequest) (openai.EmbeddingResponse, error)
	Requests             []openai.EmbeddingRequest
}

func (m *MockEmbeddingClient) CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	req := conv.Convert()
	m.Requests = append(m.Requests, req)
	return m.CreateEmbeddingsFunc(ctx, req)
}

type MockGraphStore struct {
	storage.GraphStore
	UpsertEdgeFunc func(ctx context.Context, edge storage.Edge) error
}

func (m *MockGraphStore) UpsertEdge(ctx context.Context, edge storage.Edge) error {
	if m.UpsertEdgeFunc != nil {
		return m.UpsertEdgeFunc(ctx, edge)
	}
	return m.GraphStore.UpsertEdge(ctx, edge)
}

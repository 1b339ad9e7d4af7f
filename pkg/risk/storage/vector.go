package storage

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/pkg/errors"
	"github.com/qdrant/go-client/qdrant"
)

// Match is one similarity search hit.
type Match struct {
	ID      string            `json:"id"`
	Score   float32           `json:"score"`
	Payload map[string]string `json:"payload,omitempty"`
}

// VectorStore keeps one embedding per entity for similarity search.
type VectorStore interface {
	UpsertEmbedding(ctx context.Context, id string, vector []float32, payload map[string]string) error
	QuerySimilar(ctx context.Context, vector []float32, limit int) ([]Match, error)
}

type storedVector struct {
	vector  []float32
	norm    float64
	payload map[string]string
}

// MemoryVectorStore is a brute-force cosine similarity index.
type MemoryVectorStore struct {
	mutex   sync.RWMutex
	vectors map[string]storedVector
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{vectors: make(map[string]storedVector)}
}

func (s *MemoryVectorStore) UpsertEmbedding(ctx context.Context, id string, vector []float32, payload map[string]string) error {
	if len(vector) == 0 {
		return errors.New("empty embedding")
	}
	p := make(map[string]string, len(payload))
	for k, v := range payload {
		p[k] = v
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.vectors[id] = storedVector{vector: append([]float32(nil), vector...), norm: norm(vector), payload: p}
	metrics.GraphUpserts.WithLabelValues("embedding").Inc()
	return nil
}

func (s *MemoryVectorStore) QuerySimilar(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	qn := norm(vector)
	if qn == 0 {
		return nil, errors.New("zero query vector")
	}

	s.mutex.RLock()
	matches := make([]Match, 0, len(s.vectors))
	for id, v := range s.vectors {
		if len(v.vector) != len(vector) || v.norm == 0 {
			continue
		}
		var dot float64
		for i := range vector {
			dot += float64(vector[i]) * float64(v.vector[i])
		}
		matches = append(matches, Match{ID: id, Score: float32(dot / (qn * v.norm)), Payload: v.payload})
	}
	s.mutex.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryVectorStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.vectors)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// QdrantVectorStore implements VectorStore on a Qdrant collection.
type QdrantVectorStore struct {
	client     *qdrant.Client
	collection string
	dimensions uint64
}

func NewQdrantVectorStore(client *qdrant.Client, collection string, dimensions uint64) *QdrantVectorStore {
	return &QdrantVectorStore{client: client, collection: collection, dimensions: dimensions}
}

// EnsureCollection creates the cosine collection when it does not exist.
func (s *QdrantVectorStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return errors.Wrap(err, "check collection")
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     s.dimensions,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	return errors.Wrap(err, "create collection")
}

func (s *QdrantVectorStore) UpsertEmbedding(ctx context.Context, id string, vector []float32, payload map[string]string) error {
	values := make(map[string]any, len(payload))
	for k, v := range payload {
		values[k] = v
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(values),
		}},
	})
	if err != nil {
		return &risk.PersistenceError{Op: "qdrant upsert", Err: err}
	}
	metrics.GraphUpserts.WithLabelValues("embedding").Inc()
	return nil
}

func (s *QdrantVectorStore) QuerySimilar(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	l := uint64(limit)
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &l,
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, &risk.PersistenceError{Op: "qdrant query", Err: err}
	}

	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		m := Match{ID: hit.GetId().GetUuid(), Score: hit.GetScore(), Payload: make(map[string]string, len(hit.GetPayload()))}
		for k, v := range hit.GetPayload() {
			m.Payload[k] = v.GetStringValue()
		}
		matches = append(matches, m)
	}
	return matches, nil
}

package projector

import (
	"context"
	"sort"
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Projector writes resolved entities and their co-participation into the
// graph store and their embeddings into the vector store.
type Projector struct {
	graph    storage.GraphStore
	vectors  storage.VectorStore
	embedder Embedder
	logger   *logrus.Logger
}

// New creates a projector. vectors and embedder may be nil to skip embeddings.
func New(graph storage.GraphStore, vectors storage.VectorStore, embedder Embedder, logger *logrus.Logger) *Projector {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Projector{graph: graph, vectors: vectors, embedder: embedder, logger: logger}
}

// EdgeID is the stable identifier of the edge between two entities for one transaction.
func EdgeID(a, b, transactionID string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("edge:"+a+"|"+b+"|"+transactionID)).String()
}

// Project upserts one node per entity, one edge per entity pair and one
// embedding per entity. Re-projecting the same record is a no-op in effect.
func (p *Projector) Project(ctx context.Context, rec *risk.TransactionRecord, entities []*risk.ResolvedEntity) error {
	ordered := append([]*risk.ResolvedEntity(nil), entities...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	for _, e := range ordered {
		if err := p.graph.UpsertNode(ctx, entityNode(e, rec.ID)); err != nil {
			return &risk.PersistenceError{Op: "upsert node", Err: err}
		}
	}

	roles := make(map[string]risk.Role, len(rec.Entities))
	for _, ref := range rec.Entities {
		roles[ref.EntityID] = ref.Role
	}

	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			src, dst := ordered[i], ordered[j]
			edge := storage.Edge{
				ID:     EdgeID(src.ID, dst.ID, rec.ID),
				Source: src.ID,
				Target: dst.ID,
				Type:   storage.EdgeTransactedWith,
				Weight: 1,
				Properties: map[string]interface{}{
					"transaction_id": rec.ID,
					"source_role":    string(roles[src.ID]),
					"target_role":    string(roles[dst.ID]),
					"amount":         rec.Amount.String(),
					"currency":       rec.Currency,
					"date":           rec.Date,
				},
			}
			if err := p.graph.UpsertEdge(ctx, edge); err != nil {
				return &risk.PersistenceError{Op: "upsert edge", Err: err}
			}
		}
	}

	if err := p.embed(ctx, ordered); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"transaction": rec.ID,
		"entities":    len(ordered),
	}).Debug("Projected transaction")
	return nil
}

func (p *Projector) embed(ctx context.Context, entities []*risk.ResolvedEntity) error {
	if p.vectors == nil || p.embedder == nil || len(entities) == 0 {
		return nil
	}

	texts := make([]string, len(entities))
	for i, e := range entities {
		texts[i] = Describe(e)
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return &risk.PersistenceError{Op: "embed entities", Err: err}
	}

	for i, e := range entities {
		payload := map[string]string{
			"entity_id": e.ID,
			"name":      e.Name,
			"type":      string(e.Type),
			"key":       e.Key,
		}
		if err := p.vectors.UpsertEmbedding(ctx, e.ID, vectors[i], payload); err != nil {
			return &risk.PersistenceError{Op: "upsert embedding", Err: err}
		}
	}
	return nil
}

// Similar returns the entities whose embeddings are closest to text.
func (p *Projector) Similar(ctx context.Context, text string, limit int) ([]storage.Match, error) {
	if p.vectors == nil || p.embedder == nil {
		return nil, errors.New("vector search is not configured")
	}
	vectors, err := p.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return p.vectors.QuerySimilar(ctx, vectors[0], limit)
}

// Related returns the entities within depth hops of entityID.
func (p *Projector) Related(ctx context.Context, entityID string, depth int) ([]storage.Node, error) {
	return p.graph.QueryRelated(ctx, entityID, depth)
}

// Describe is the text embedded for an entity: its identity, not its score.
func Describe(e *risk.ResolvedEntity) string {
	var b strings.Builder
	b.WriteString(e.Name)
	if aliases := risk.SortedStrings(e.Aliases); len(aliases) > 0 {
		b.WriteString(" (also known as ")
		b.WriteString(strings.Join(aliases, ", "))
		b.WriteString(")")
	}
	b.WriteString(", ")
	b.WriteString(strings.ToLower(string(e.Type)))
	return b.String()
}

func entityNode(e *risk.ResolvedEntity, transactionID string) storage.Node {
	props := map[string]interface{}{
		"key":     e.Key,
		"aliases": strings.Join(risk.SortedStrings(e.Aliases), "; "),
		"roles":   joinRoles(e.Roles.ToSlice()),
	}
	if e.Score != nil {
		props["risk_score"] = e.Score.Value
		props["risk_level"] = string(e.Score.Level)
		props["score_version"] = int64(e.Score.Version)
	}
	return storage.Node{
		ID:         e.ID,
		Label:      e.Name,
		Type:       string(e.Type),
		Properties: props,
		Sources:    []string{transactionID},
	}
}

func joinRoles(roles []risk.Role) string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/algorithms"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// EdgeTransactedWith links two entities named in the same transaction.
const EdgeTransactedWith = "TRANSACTED_WITH"

// Node represents an entity in the risk graph
type Node struct {
	ID         string                 `json:"id"`
	Label      string                 `json:"label"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Sources    []string               `json:"sources,omitempty"` // Transaction IDs naming this entity
}

// Edge represents a co-participation of two entities in one transaction
type Edge struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	Target     string                 `json:"target"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Weight     float64                `json:"weight"`
}

// GraphData is a serializable snapshot of the graph.
type GraphData struct {
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	GeneratedAt time.Time `json:"generated_at"`
}

// GraphStore persists entity nodes and participation edges. Upserts are
// idempotent by ID.
type GraphStore interface {
	UpsertNode(ctx context.Context, node Node) error
	UpsertEdge(ctx context.Context, edge Edge) error
	QueryRelated(ctx context.Context, entityID string, depth int) ([]Node, error)
}

// MemoryGraphStore implements GraphStore in memory.
type MemoryGraphStore struct {
	nodes     map[string]*Node
	edges     map[string]*Edge
	adjacency map[string]mapset.Set[string]
	mutex     sync.RWMutex
	logger    *logrus.Logger
}

func NewMemoryGraphStore(logger *logrus.Logger) *MemoryGraphStore {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &MemoryGraphStore{
		nodes:     make(map[string]*Node),
		edges:     make(map[string]*Edge),
		adjacency: make(map[string]mapset.Set[string]),
		logger:    logger,
	}
}

// UpsertNode creates the node or merges properties and sources into it.
func (g *MemoryGraphStore) UpsertNode(ctx context.Context, node Node) error {
	if node.ID == "" {
		return errors.New("node id is required")
	}
	g.mutex.Lock()
	defer g.mutex.Unlock()

	existing, ok := g.nodes[node.ID]
	if !ok {
		n := cloneNode(node)
		n.Sources = mapset.NewSet(node.Sources...).ToSlice()
		sort.Strings(n.Sources)
		g.nodes[node.ID] = &n
		g.adjacency[node.ID] = mapset.NewSet[string]()
		metrics.GraphUpserts.WithLabelValues("node_created").Inc()
		return nil
	}

	existing.Label = node.Label
	existing.Type = node.Type
	if existing.Properties == nil {
		existing.Properties = make(map[string]interface{}, len(node.Properties))
	}
	for k, v := range node.Properties {
		existing.Properties[k] = v
	}
	sources := mapset.NewSet(existing.Sources...)
	sources.Append(node.Sources...)
	existing.Sources = risk.SortedStrings(sources)
	metrics.GraphUpserts.WithLabelValues("node_updated").Inc()
	return nil
}

// UpsertEdge adds or updates an edge between two existing nodes.
func (g *MemoryGraphStore) UpsertEdge(ctx context.Context, edge Edge) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.nodes[edge.Source] == nil || g.nodes[edge.Target] == nil {
		return errors.Errorf("source or target node not found for edge %s", edge.ID)
	}

	if existing, ok := g.edges[edge.ID]; ok {
		for k, v := range edge.Properties {
			existing.Properties[k] = v
		}
		existing.Weight = edge.Weight
		metrics.GraphUpserts.WithLabelValues("edge_updated").Inc()
		return nil
	}

	e := edge
	e.Properties = cloneProps(edge.Properties)
	g.edges[edge.ID] = &e
	g.adjacency[edge.Source].Add(edge.Target)
	g.adjacency[edge.Target].Add(edge.Source)
	metrics.GraphUpserts.WithLabelValues("edge_created").Inc()
	return nil
}

// Node returns a copy of the node with the given ID.
func (g *MemoryGraphStore) Node(ctx context.Context, id string) (Node, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return Node{}, risk.ErrNotFound
	}
	return cloneNode(*n), nil
}

// Neighbors returns adjacent node IDs in sorted order.
func (g *MemoryGraphStore) Neighbors(ctx context.Context, id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	adj, ok := g.adjacency[id]
	if !ok {
		return nil, risk.ErrNotFound
	}
	return risk.SortedStrings(adj), nil
}

// QueryRelated returns the nodes within depth hops of entityID, nearest first.
func (g *MemoryGraphStore) QueryRelated(ctx context.Context, entityID string, depth int) ([]Node, error) {
	if _, err := g.Node(ctx, entityID); err != nil {
		return nil, err
	}

	ids, err := algorithms.NewGraphTraversal(g).Traverse(ctx, entityID, depth)
	if err != nil {
		return nil, err
	}

	related := make([]Node, 0, len(ids))
	for _, id := range ids {
		n, err := g.Node(ctx, id)
		if err != nil {
			return nil, err
		}
		related = append(related, n)
	}
	return related, nil
}

func (g *MemoryGraphStore) Counts() (nodes, edges int) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.nodes), len(g.edges)
}

// Snapshot returns the graph data ordered by ID.
func (g *MemoryGraphStore) Snapshot() *GraphData {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	data := &GraphData{
		Nodes:       make([]Node, 0, len(g.nodes)),
		Edges:       make([]Edge, 0, len(g.edges)),
		GeneratedAt: time.Now().UTC(),
	}
	for _, n := range g.nodes {
		data.Nodes = append(data.Nodes, cloneNode(*n))
	}
	for _, e := range g.edges {
		c := *e
		c.Properties = cloneProps(e.Properties)
		data.Edges = append(data.Edges, c)
	}
	sort.Slice(data.Nodes, func(i, j int) bool { return data.Nodes[i].ID < data.Nodes[j].ID })
	sort.Slice(data.Edges, func(i, j int) bool { return data.Edges[i].ID < data.Edges[j].ID })
	return data
}

// Restore loads a snapshot on top of the current contents.
func (g *MemoryGraphStore) Restore(ctx context.Context, data *GraphData) error {
	for _, n := range data.Nodes {
		if err := g.UpsertNode(ctx, n); err != nil {
			return err
		}
	}
	for _, e := range data.Edges {
		if err := g.UpsertEdge(ctx, e); err != nil {
			g.logger.WithError(err).WithField("edge", e.ID).Warn("Skipping edge with unknown nodes")
		}
	}
	return nil
}

func cloneNode(n Node) Node {
	n.Properties = cloneProps(n.Properties)
	n.Sources = append([]string(nil), n.Sources...)
	return n
}

func cloneProps(p map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

package algorithms

import (
	"context"
)

// Graph exposes the adjacency a traversal needs. Neighbors must return a
// stable order for traversals to be deterministic.
type Graph interface {
	Neighbors(ctx context.Context, id string) ([]string, error)
}

type GraphTraversal struct {
	graph Graph
}

func NewGraphTraversal(g Graph) *GraphTraversal {
	return &GraphTraversal{graph: g}
}

// Traverse returns the IDs reachable from startID within maxDepth hops in
// breadth-first order, nearest first. The start node itself is not included.
func (t *GraphTraversal) Traverse(ctx context.Context, startID string, maxDepth int) ([]string, error) {
	visited := map[string]bool{startID: true}
	queue := []string{startID}
	result := make([]string, 0)

	for depth := 0; len(queue) > 0 && depth < maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []string
		for _, current := range queue {
			related, err := t.graph.Neighbors(ctx, current)
			if err != nil {
				return nil, err
			}
			for _, id := range related {
				if visited[id] {
					continue
				}
				visited[id] = true
				result = append(result, id)
				next = append(next, id)
			}
		}
		queue = next
	}

	return result, nil
}

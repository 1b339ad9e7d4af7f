package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/neo4j/neo4j-go-driver/v4/neo4j"
	"github.com/pkg/errors"
)

const maxRelatedDepth = 4

// Neo4jGraphStore implements GraphStore on Neo4j with MERGE upserts keyed by entity ID.
type Neo4jGraphStore struct {
	driver   neo4j.Driver
	database string
}

// NewNeo4jGraphStore creates a new Neo4j graph store
func NewNeo4jGraphStore(uri, username, password, database string) (*Neo4jGraphStore, error) {
	driver, err := neo4j.NewDriver(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Neo4j driver")
	}
	return &Neo4jGraphStore{driver: driver, database: database}, nil
}

// EnsureSchema creates the uniqueness constraint MERGE relies on.
func (s *Neo4jGraphStore) EnsureSchema(ctx context.Context) error {
	return s.write(ctx, `CREATE CONSTRAINT entity_id IF NOT EXISTS ON (e:Entity) ASSERT e.id IS UNIQUE`, nil)
}

func (s *Neo4jGraphStore) Close() error {
	return s.driver.Close()
}

func (s *Neo4jGraphStore) UpsertNode(ctx context.Context, node Node) error {
	err := s.write(ctx, `
		MERGE (e:Entity {id: $id})
		ON CREATE SET e.created_at = datetime()
		SET e.label = $label,
			e.type = $type,
			e.updated_at = datetime(),
			e += $properties
		WITH e
		SET e.sources = [x IN coalesce(e.sources, []) WHERE NOT x IN $sources] + $sources
	`, map[string]interface{}{
		"id":         node.ID,
		"label":      node.Label,
		"type":       node.Type,
		"properties": node.Properties,
		"sources":    node.Sources,
	})
	if err == nil {
		metrics.GraphUpserts.WithLabelValues("node").Inc()
	}
	return err
}

func (s *Neo4jGraphStore) UpsertEdge(ctx context.Context, edge Edge) error {
	err := s.write(ctx, fmt.Sprintf(`
		MATCH (from:Entity {id: $fromID})
		MATCH (to:Entity {id: $toID})
		MERGE (from)-[r:%s {id: $id}]->(to)
		ON CREATE SET r.created_at = datetime()
		SET r.weight = $weight,
			r.updated_at = datetime(),
			r += $properties
	`, edgeLabel(edge.Type)), map[string]interface{}{
		"id":         edge.ID,
		"fromID":     edge.Source,
		"toID":       edge.Target,
		"weight":     edge.Weight,
		"properties": edge.Properties,
	})
	if err == nil {
		metrics.GraphUpserts.WithLabelValues("edge").Inc()
	}
	return err
}

func (s *Neo4jGraphStore) QueryRelated(ctx context.Context, entityID string, depth int) ([]Node, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > maxRelatedDepth {
		depth = maxRelatedDepth
	}

	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: s.database})
	defer session.Close()

	result, err := session.ReadTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		res, err := tx.Run(fmt.Sprintf(`
			MATCH p = (e:Entity {id: $id})-[*1..%d]-(related:Entity)
			WHERE related.id <> $id
			WITH related, min(length(p)) AS hops
			RETURN related
			ORDER BY hops, related.id
		`, depth), map[string]interface{}{"id": entityID})
		if err != nil {
			return nil, err
		}

		nodes := make([]Node, 0)
		for res.Next() {
			if n, ok := res.Record().Values[0].(neo4j.Node); ok {
				nodes = append(nodes, nodeFromNeo4j(n))
			}
		}
		return nodes, res.Err()
	}, txTimeout(ctx))
	if err != nil {
		return nil, &risk.PersistenceError{Op: "query related", Err: err}
	}
	return result.([]Node), nil
}

func (s *Neo4jGraphStore) write(ctx context.Context, query string, params map[string]interface{}) error {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: s.database})
	defer session.Close()

	_, err := session.WriteTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		res, err := tx.Run(query, params)
		if err != nil {
			return nil, err
		}
		_, err = res.Consume()
		return nil, err
	}, txTimeout(ctx))
	if err != nil {
		return &risk.PersistenceError{Op: "neo4j write", Err: err}
	}
	return nil
}

// txTimeout carries the context deadline into the transaction, since the
// v4 driver does not take a context.
func txTimeout(ctx context.Context) func(*neo4j.TransactionConfig) {
	return func(cfg *neo4j.TransactionConfig) {
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d > 0 {
				cfg.Timeout = d
			}
		}
	}
}

func nodeFromNeo4j(n neo4j.Node) Node {
	node := Node{Properties: make(map[string]interface{})}
	for k, v := range n.Props {
		switch k {
		case "id":
			node.ID, _ = v.(string)
		case "label":
			node.Label, _ = v.(string)
		case "type":
			node.Type, _ = v.(string)
		case "sources":
			if list, ok := v.([]interface{}); ok {
				for _, s := range list {
					if str, ok := s.(string); ok {
						node.Sources = append(node.Sources, str)
					}
				}
			}
		case "created_at", "updated_at":
		default:
			node.Properties[k] = v
		}
	}
	return node
}

// edgeLabel restricts relationship types to a known set, since they cannot be parameterized.
func edgeLabel(t string) string {
	switch t {
	case EdgeTransactedWith:
		return t
	default:
		return "RELATES"
	}
}

package services

import (
	"github.com/pkg/errors"
	"github.com/qdrant/go-client/qdrant"
)

// NewQdrantClient connects to Qdrant's gRPC port.
func NewQdrantClient(host string, port int, apiKey string, useTLS bool) (*qdrant.Client, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to qdrant")
	}
	return client, nil
}

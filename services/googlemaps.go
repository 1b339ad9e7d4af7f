package services

import (
	"github.com/pkg/errors"
	"googlemaps.github.io/maps"
)

func NewGoogleMapsClient(apiKey string) (*maps.Client, error) {
	if apiKey == "" {
		return nil, errors.New("google maps api key is required")
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	return client, errors.Wrap(err, "failed to create google maps client")
}

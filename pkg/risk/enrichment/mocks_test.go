package enrichment

import (
	"context"
	"sync/atomic"

	"github.com/athapong/aio-risk/pkg/risk"
	"googlemaps.github.io/maps"
)

// MockProvider is a test double for Provider.
type MockProvider struct {
	NameValue  string
	LookupFunc func(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error)
	calls      atomic.Int32
}

func (m *MockProvider) Name() string { return m.NameValue }

func (m *MockProvider) Lookup(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
	m.calls.Add(1)
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, name, typ)
	}
	return nil, risk.ErrNotFound
}

func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

// MockGeocoder is a test double for Geocoder.
type MockGeocoder struct {
	GeocodeFunc func(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

func (m *MockGeocoder) Geocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
	if m.GeocodeFunc != nil {
		return m.GeocodeFunc(ctx, r)
	}
	return nil, nil
}

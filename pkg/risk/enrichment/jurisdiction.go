package enrichment

import (
	"context"
	"slices"
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
	"googlemaps.github.io/maps"
)

const JurisdictionProviderName = "jurisdiction"

// Geocoder is satisfied by *maps.Client.
type Geocoder interface {
	Geocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// JurisdictionProvider resolves a location to a country and flags high-risk
// jurisdictions. Known country names are answered from the gazetteer; other
// places go to the geocoder when one is configured.
type JurisdictionProvider struct {
	geocoder Geocoder
	highRisk map[string]bool
}

// NewJurisdictionProvider accepts a nil geocoder; extra codes extend the high-risk set.
func NewJurisdictionProvider(geocoder Geocoder, extraHighRisk ...string) *JurisdictionProvider {
	highRisk := make(map[string]bool, len(risk.HighRiskJurisdictions)+len(extraHighRisk))
	for code := range risk.HighRiskJurisdictions {
		highRisk[code] = true
	}
	for _, code := range extraHighRisk {
		highRisk[strings.ToUpper(strings.TrimSpace(code))] = true
	}
	return &JurisdictionProvider{geocoder: geocoder, highRisk: highRisk}
}

func (p *JurisdictionProvider) Name() string { return JurisdictionProviderName }

func (p *JurisdictionProvider) Lookup(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
	if typ != risk.EntityLocation {
		return nil, risk.ErrNotFound
	}

	if code, ok := risk.CountryCode(name); ok {
		return p.payload(name, code, ""), nil
	}
	if p.geocoder == nil {
		return nil, risk.ErrNotFound
	}

	results, err := p.geocoder.Geocode(ctx, &maps.GeocodingRequest{Address: name})
	if err != nil {
		if strings.Contains(err.Error(), "ZERO_RESULTS") {
			return nil, risk.ErrNotFound
		}
		return nil, errors.Wrap(err, "geocode")
	}
	for _, r := range results {
		for _, c := range r.AddressComponents {
			if slices.Contains(c.Types, "country") {
				return p.payload(c.LongName, strings.ToUpper(c.ShortName), r.FormattedAddress), nil
			}
		}
	}
	return nil, risk.ErrNotFound
}

func (p *JurisdictionProvider) payload(country, code, address string) *risk.Payload {
	return &risk.Payload{Jurisdiction: &risk.JurisdictionInfo{
		Country:          country,
		CountryCode:      code,
		FormattedAddress: address,
		HighRisk:         p.highRisk[code],
	}}
}

package enrichment

import (
	"context"
	"net/url"
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const (
	ProfileProviderName = "profile"
	defaultWikidataAPI  = "https://www.wikidata.org/w/api.php"
	defaultWikidataData = "https://www.wikidata.org/wiki/Special:EntityData/"
)

// Wikidata properties copied into the profile.
const (
	propInception    = "P571"
	propWebsite      = "P856"
	propHeadquarters = "P159"
	propIndustry     = "P452"
	propCountry      = "P17"
)

// ProfileConfig configures the Wikidata lookup.
type ProfileConfig struct {
	SearchURL string
	EntityURL string
	Retries   int
}

// ProfileProvider resolves an organization to its Wikidata item and returns
// a descriptive company profile.
type ProfileProvider struct {
	client *retryablehttp.Client
	cfg    ProfileConfig
}

func NewProfileProvider(cfg ProfileConfig) *ProfileProvider {
	if cfg.SearchURL == "" {
		cfg.SearchURL = defaultWikidataAPI
	}
	if cfg.EntityURL == "" {
		cfg.EntityURL = defaultWikidataData
	}
	if !strings.HasSuffix(cfg.EntityURL, "/") {
		cfg.EntityURL += "/"
	}
	return &ProfileProvider{client: NewHTTPClient(cfg.Retries), cfg: cfg}
}

func (p *ProfileProvider) Name() string { return ProfileProviderName }

func (p *ProfileProvider) Lookup(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
	if typ != risk.EntityOrganization {
		return nil, risk.ErrNotFound
	}

	q := url.Values{}
	q.Set("action", "wbsearchentities")
	q.Set("format", "json")
	q.Set("language", "en")
	q.Set("type", "item")
	q.Set("limit", "1")
	q.Set("search", name)

	headers := map[string]string{"Accept": "application/json"}
	body, err := getBody(ctx, p.client, p.cfg.SearchURL+"?"+q.Encode(), headers)
	if err != nil {
		return nil, err
	}
	id := gjson.GetBytes(body, "search.0.id").String()
	if id == "" {
		return nil, risk.ErrNotFound
	}

	body, err = getBody(ctx, p.client, p.cfg.EntityURL+url.PathEscape(id)+".json", headers)
	if err != nil {
		return nil, err
	}
	profile, err := parseProfile(body, id)
	if err != nil {
		return nil, err
	}
	return &risk.Payload{Profile: profile}, nil
}

func parseProfile(body []byte, id string) (*risk.CompanyProfile, error) {
	entity := gjson.GetBytes(body, "entities").Get(id)
	if !entity.Exists() {
		return nil, errors.Errorf("entity data for %s is missing", id)
	}
	return &risk.CompanyProfile{
		WikidataID:   id,
		Label:        entity.Get("labels.en.value").String(),
		Description:  entity.Get("descriptions.en.value").String(),
		Inception:    claimValue(entity, propInception),
		Website:      claimValue(entity, propWebsite),
		Headquarters: claimValue(entity, propHeadquarters),
		Industry:     claimValue(entity, propIndustry),
		Country:      claimValue(entity, propCountry),
	}, nil
}

// claimValue flattens the first statement of prop: time values give their
// timestamp, item values their ID, strings themselves.
func claimValue(entity gjson.Result, prop string) string {
	v := entity.Get("claims." + prop + ".0.mainsnak.datavalue.value")
	if !v.IsObject() {
		return v.String()
	}
	if t := v.Get("time"); t.Exists() {
		return t.String()
	}
	return v.Get("id").String()
}

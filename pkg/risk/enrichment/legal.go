package enrichment

import (
	"context"
	"net/url"
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

const (
	LegalProviderName     = "legal"
	defaultCourtListener  = "https://www.courtlistener.com/api/rest/v4/search/"
	maxLegalCasesReported = 10
)

// LegalConfig configures the CourtListener docket search.
type LegalConfig struct {
	BaseURL string
	Token   string
	Retries int
}

// LegalProvider counts court dockets naming the entity.
type LegalProvider struct {
	client *retryablehttp.Client
	cfg    LegalConfig
}

func NewLegalProvider(cfg LegalConfig) *LegalProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCourtListener
	}
	return &LegalProvider{client: NewHTTPClient(cfg.Retries), cfg: cfg}
}

func (p *LegalProvider) Name() string { return LegalProviderName }

func (p *LegalProvider) Lookup(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
	if typ == risk.EntityLocation {
		return nil, risk.ErrNotFound
	}

	q := url.Values{}
	q.Set("q", `party:"`+name+`"`)
	q.Set("type", "r")
	q.Set("order_by", "dateFiled desc")

	headers := map[string]string{"Accept": "application/json"}
	if p.cfg.Token != "" {
		headers["Authorization"] = "Token " + p.cfg.Token
	}

	body, err := getBody(ctx, p.client, p.cfg.BaseURL+"?"+q.Encode(), headers)
	if err != nil {
		return nil, err
	}

	summary := parseDockets(body, name)
	if summary.TotalCases == 0 {
		return nil, risk.ErrNotFound
	}
	return &risk.Payload{Legal: summary}, nil
}

func parseDockets(body []byte, name string) *risk.LegalSummary {
	doc := gjson.ParseBytes(body)
	needle := risk.NormalizeName(name)
	summary := &risk.LegalSummary{}

	for _, r := range doc.Get("results").Array() {
		c := risk.LegalCase{
			Name:         r.Get("caseName").String(),
			Court:        r.Get("court").String(),
			DocketNumber: r.Get("docketNumber").String(),
			DateFiled:    r.Get("dateFiled").String(),
			Ongoing:      r.Get("dateTerminated").String() == "",
		}
		if u := r.Get("absolute_url").String(); u != "" {
			c.URL = "https://www.courtlistener.com" + u
		}
		// "Plaintiff v. Defendant"
		if _, defendant, ok := strings.Cut(c.Name, " v. "); ok {
			c.Defendant = strings.Contains(risk.NormalizeName(defendant), needle)
		}

		summary.TotalCases++
		if c.Ongoing {
			summary.OngoingCases++
		}
		if c.Defendant {
			summary.SuedCases++
		}
		if len(summary.Cases) < maxLegalCasesReported {
			summary.Cases = append(summary.Cases, c)
		}
	}

	if count := int(doc.Get("count").Int()); count > summary.TotalCases {
		summary.TotalCases = count
	}
	return summary
}

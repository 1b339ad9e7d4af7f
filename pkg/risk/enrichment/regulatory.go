package enrichment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const (
	RegulatoryProviderName = "regulatory"
	defaultSECDataURL      = "https://data.sec.gov"
	defaultSECTickersURL   = "https://www.sec.gov/files/company_tickers.json"
	secCacheTTL            = 24 * time.Hour
	inactiveAfter          = 2 * 365 * 24 * time.Hour
)

// RegulatoryConfig configures the SEC EDGAR lookup.
type RegulatoryConfig struct {
	DataURL    string
	TickersURL string
	// SEC requires a descriptive User-Agent with contact details.
	UserAgent string
	Retries   int
}

type cachedFiling struct {
	status  *risk.RegulatoryStatus
	fetched time.Time
}

// RegulatoryProvider reports SEC registration and filing health for organizations.
type RegulatoryProvider struct {
	client *retryablehttp.Client
	cfg    RegulatoryConfig
	now    func() time.Time

	mutex      sync.Mutex
	index      map[string]string
	indexAt    time.Time
	submission map[string]cachedFiling
}

func NewRegulatoryProvider(cfg RegulatoryConfig) *RegulatoryProvider {
	if cfg.DataURL == "" {
		cfg.DataURL = defaultSECDataURL
	}
	if cfg.TickersURL == "" {
		cfg.TickersURL = defaultSECTickersURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "aio-risk compliance@example.com"
	}
	return &RegulatoryProvider{
		client:     NewHTTPClient(cfg.Retries),
		cfg:        cfg,
		now:        time.Now,
		submission: make(map[string]cachedFiling),
	}
}

func (p *RegulatoryProvider) Name() string { return RegulatoryProviderName }

func (p *RegulatoryProvider) Lookup(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
	if typ != risk.EntityOrganization {
		return nil, risk.ErrNotFound
	}

	cik, err := p.resolveCIK(ctx, name)
	if err != nil {
		return nil, err
	}

	p.mutex.Lock()
	cached, ok := p.submission[cik]
	p.mutex.Unlock()
	if ok && p.now().Sub(cached.fetched) < secCacheTTL {
		metrics.CacheHits.WithLabelValues("sec_submissions").Inc()
		status := *cached.status
		return &risk.Payload{Regulatory: &status}, nil
	}
	metrics.CacheMisses.WithLabelValues("sec_submissions").Inc()

	body, err := getBody(ctx, p.client, fmt.Sprintf("%s/submissions/CIK%s.json", p.cfg.DataURL, cik), p.headers())
	if err != nil {
		return nil, err
	}
	status, err := p.parseSubmissions(cik, body)
	if err != nil {
		return nil, err
	}

	p.mutex.Lock()
	p.submission[cik] = cachedFiling{status: status, fetched: p.now()}
	p.mutex.Unlock()

	out := *status
	return &risk.Payload{Regulatory: &out}, nil
}

func (p *RegulatoryProvider) headers() map[string]string {
	return map[string]string{"User-Agent": p.cfg.UserAgent, "Accept": "application/json"}
}

func (p *RegulatoryProvider) resolveCIK(ctx context.Context, name string) (string, error) {
	p.mutex.Lock()
	fresh := p.index != nil && p.now().Sub(p.indexAt) < secCacheTTL
	p.mutex.Unlock()

	if !fresh {
		body, err := getBody(ctx, p.client, p.cfg.TickersURL, p.headers())
		if err != nil {
			return "", errors.Wrap(err, "load company tickers")
		}
		index := make(map[string]string)
		gjson.ParseBytes(body).ForEach(func(_, v gjson.Result) bool {
			title := risk.NormalizeName(v.Get("title").String())
			if title != "" {
				index[title] = fmt.Sprintf("%010d", v.Get("cik_str").Int())
			}
			return true
		})
		p.mutex.Lock()
		p.index = index
		p.indexAt = p.now()
		p.mutex.Unlock()
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	cik, ok := p.index[risk.NormalizeName(name)]
	if !ok {
		return "", risk.ErrNotFound
	}
	return cik, nil
}

func (p *RegulatoryProvider) parseSubmissions(cik string, body []byte) (*risk.RegulatoryStatus, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid submissions JSON")
	}
	doc := gjson.ParseBytes(body)

	status := &risk.RegulatoryStatus{
		CIK:            cik,
		Name:           doc.Get("name").String(),
		SIC:            doc.Get("sic").String(),
		SICDescription: doc.Get("sicDescription").String(),
		State:          doc.Get("stateOfIncorporation").String(),
	}

	forms := doc.Get("filings.recent.form").Array()
	for i, f := range forms {
		form := f.String()
		if i < 10 {
			status.RecentForms = append(status.RecentForms, form)
		}
		if strings.HasPrefix(form, "NT ") {
			status.DelinquentFilings++
		}
	}

	status.LastFiled = doc.Get("filings.recent.filingDate.0").String()
	if last, err := time.Parse("2006-01-02", status.LastFiled); err == nil {
		status.Active = p.now().Sub(last) < inactiveAfter
	}
	return status, nil
}

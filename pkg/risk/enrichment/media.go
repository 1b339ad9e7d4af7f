package enrichment

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/hashicorp/go-retryablehttp"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

const (
	MediaProviderName   = "media"
	maxMediaHeadlines   = 10
	defaultItemSelector = "article, .result, .news-item"
	defaultTitleQuery   = "h1, h2, h3, a"
)

var (
	negativeTerms = mapset.NewSet[string](
		"fraud", "laundering", "sanction", "sanctions", "sanctioned", "bribery",
		"corruption", "indicted", "indictment", "charged", "convicted", "scandal",
		"probe", "investigation", "embezzlement", "smuggling", "terrorism",
		"lawsuit", "fined", "penalty", "shell", "evasion", "ponzi", "arrested",
	)
	positiveTerms = mapset.NewSet[string](
		"award", "growth", "partnership", "expansion", "record", "profit",
		"innovation", "approved", "acquires", "launch", "charity", "cleared",
	)
)

// MediaConfig points the provider at a news search page returning HTML.
type MediaConfig struct {
	// SearchURL contains a {query} placeholder for the escaped entity name.
	SearchURL     string
	ItemSelector  string
	TitleSelector string
	Retries       int
}

// MediaProvider scores adverse media coverage from a news search results page.
type MediaProvider struct {
	client *retryablehttp.Client
	cfg    MediaConfig
}

func NewMediaProvider(cfg MediaConfig) *MediaProvider {
	if cfg.ItemSelector == "" {
		cfg.ItemSelector = defaultItemSelector
	}
	if cfg.TitleSelector == "" {
		cfg.TitleSelector = defaultTitleQuery
	}
	return &MediaProvider{client: NewHTTPClient(cfg.Retries), cfg: cfg}
}

func (p *MediaProvider) Name() string { return MediaProviderName }

func (p *MediaProvider) Lookup(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
	if typ == risk.EntityLocation {
		return nil, risk.ErrNotFound
	}
	if p.cfg.SearchURL == "" {
		return nil, errors.New("media search URL is not configured")
	}

	target := strings.ReplaceAll(p.cfg.SearchURL, "{query}", url.QueryEscape(`"`+name+`"`))
	body, err := getBody(ctx, p.client, target, map[string]string{"Accept": "text/html"})
	if err != nil {
		return nil, err
	}

	sentiment, err := p.analyze(body, name)
	if err != nil {
		return nil, err
	}
	if sentiment.Articles == 0 {
		return nil, risk.ErrNotFound
	}
	return &risk.Payload{Media: sentiment}, nil
}

func (p *MediaProvider) analyze(page []byte, name string) (*risk.MediaSentiment, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, errors.Wrap(err, "parse media page")
	}

	needle := risk.NormalizeName(name)
	out := &risk.MediaSentiment{}
	positive := 0

	var convErr error
	doc.Find(p.cfg.ItemSelector).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		html, err := goquery.OuterHtml(item)
		if err != nil {
			convErr = err
			return false
		}
		text, err := htmltomarkdown.ConvertString(html)
		if err != nil {
			convErr = err
			return false
		}
		if !strings.Contains(risk.NormalizeName(text), needle) {
			return true
		}

		out.Articles++
		if len(out.Headlines) < maxMediaHeadlines {
			if title := strings.TrimSpace(item.Find(p.cfg.TitleSelector).First().Text()); title != "" {
				out.Headlines = append(out.Headlines, title)
			}
		}
		for _, w := range strings.Fields(strings.ToLower(text)) {
			w = strings.Trim(w, ".,;:!?\"'()[]*_#")
			switch {
			case negativeTerms.Contains(w):
				out.NegativeHits++
			case positiveTerms.Contains(w):
				positive++
			}
		}
		return true
	})
	if convErr != nil {
		return nil, errors.Wrap(convErr, "convert media item")
	}

	if total := out.NegativeHits + positive; total > 0 {
		out.Sentiment = float64(positive-out.NegativeHits) / float64(total)
	}
	return out, nil
}

package enrichment

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
	"googlemaps.github.io/maps"
)

func newSECServer(t *testing.T, submissions *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/files/company_tickers.json":
			fmt.Fprint(w, `{"0":{"cik_str":320193,"ticker":"ACME","title":"ACME CORPORATION"},"1":{"cik_str":42,"ticker":"SHL","title":"Shell Holdings Inc"}}`)
		case "/submissions/CIK0000320193.json":
			submissions.Add(1)
			fmt.Fprint(w, `{"name":"ACME CORP","sic":"3571","sicDescription":"Electronic Computers","stateOfIncorporation":"DE",
				"filings":{"recent":{"form":["10-Q","8-K","10-K"],"filingDate":["2024-05-01","2024-03-01","2024-02-01"]}}}`)
		case "/submissions/CIK0000000042.json":
			submissions.Add(1)
			fmt.Fprint(w, `{"name":"SHELL HOLDINGS INC","filings":{"recent":{"form":["NT 10-K","NT 10-Q","10-Q"],"filingDate":["2019-04-01","2018-11-14","2018-08-14"]}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestRegulatoryProvider(t *testing.T) {
	var submissions atomic.Int32
	srv := newSECServer(t, &submissions)
	defer srv.Close()

	p := NewRegulatoryProvider(RegulatoryConfig{DataURL: srv.URL, TickersURL: srv.URL + "/files/company_tickers.json"})
	p.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	t.Run("Given a registered active filer When looked up Then active with no delinquency", func(t *testing.T) {
		payload, err := p.Lookup(ctx, "Acme Corp", risk.EntityOrganization)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		reg := payload.Regulatory
		if reg.CIK != "0000320193" || !reg.Active || reg.DelinquentFilings != 0 || reg.State != "DE" {
			t.Errorf("status = %+v", reg)
		}
		if len(reg.RecentForms) != 3 || reg.LastFiled != "2024-05-01" {
			t.Errorf("forms = %v last = %s", reg.RecentForms, reg.LastFiled)
		}
	})

	t.Run("Given a repeated lookup When within a day Then served from cache", func(t *testing.T) {
		before := submissions.Load()
		if _, err := p.Lookup(ctx, "ACME CORP", risk.EntityOrganization); err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if submissions.Load() != before {
			t.Error("submissions fetched again")
		}
	})

	t.Run("Given late filings When looked up Then inactive and delinquent", func(t *testing.T) {
		payload, err := p.Lookup(ctx, "Shell Holdings Incorporated", risk.EntityOrganization)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if payload.Regulatory.Active || payload.Regulatory.DelinquentFilings != 2 {
			t.Errorf("status = %+v", payload.Regulatory)
		}
	})

	t.Run("Given an unknown company When looked up Then not found", func(t *testing.T) {
		if _, err := p.Lookup(ctx, "Globex", risk.EntityOrganization); !errors.Is(err, risk.ErrNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("Given an individual When looked up Then not found without a request", func(t *testing.T) {
		if _, err := p.Lookup(ctx, "John Smith", risk.EntityIndividual); !errors.Is(err, risk.ErrNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRegulatoryProviderUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewRegulatoryProvider(RegulatoryConfig{DataURL: srv.URL, TickersURL: srv.URL})
	_, err := p.Lookup(context.Background(), "Acme Corp", risk.EntityOrganization)
	if err == nil || errors.Is(err, risk.ErrNotFound) {
		t.Errorf("expected a provider failure, got %v", err)
	}
}

const mediaPage = `<html><body>
<article><h2>Acme Corp charged in laundering probe</h2><p>Prosecutors said <b>Acme Corp</b> moved funds through shell firms.</p></article>
<article><h2>Acme Corporation wins export award</h2><p>The award recognised growth.</p></article>
<article><h2>Weather update</h2><p>Sunny skies all week.</p></article>
</body></html>`

func TestMediaProvider(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("q")
		fmt.Fprint(w, mediaPage)
	}))
	defer srv.Close()

	p := NewMediaProvider(MediaConfig{SearchURL: srv.URL + "/search?q={query}"})
	payload, err := p.Lookup(context.Background(), "Acme Corp", risk.EntityOrganization)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if query != `"Acme Corp"` {
		t.Errorf("query = %q", query)
	}

	m := payload.Media
	if m.Articles != 2 {
		t.Errorf("articles = %d, want 2", m.Articles)
	}
	if m.NegativeHits < 3 {
		t.Errorf("negative hits = %d", m.NegativeHits)
	}
	if m.Sentiment >= 0 {
		t.Errorf("sentiment = %v, want negative", m.Sentiment)
	}
	if len(m.Headlines) != 2 || !strings.Contains(m.Headlines[0], "laundering") {
		t.Errorf("headlines = %v", m.Headlines)
	}

	if _, err := p.Lookup(context.Background(), "Globex", risk.EntityOrganization); !errors.Is(err, risk.ErrNotFound) {
		t.Errorf("unmentioned entity: err = %v", err)
	}
}

func TestLegalProvider(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if !strings.Contains(r.URL.Query().Get("q"), "Acme Corp") {
			fmt.Fprint(w, `{"count":0,"results":[]}`)
			return
		}
		fmt.Fprint(w, `{"count":3,"results":[
			{"caseName":"United States v. Acme Corp","court":"nysd","docketNumber":"1:23-cr-1","dateFiled":"2023-01-10","dateTerminated":null,"absolute_url":"/docket/1/"},
			{"caseName":"Acme Corp v. Globex","court":"cand","docketNumber":"3:20-cv-9","dateFiled":"2020-02-01","dateTerminated":"2021-06-30"},
			{"caseName":"Smith v. Acme Corporation","court":"txsd","dateFiled":"2019-05-05","dateTerminated":"2020-01-01"}
		]}`)
	}))
	defer srv.Close()

	p := NewLegalProvider(LegalConfig{BaseURL: srv.URL, Token: "secret"})
	payload, err := p.Lookup(context.Background(), "Acme Corp", risk.EntityOrganization)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if auth != "Token secret" {
		t.Errorf("authorization = %q", auth)
	}

	l := payload.Legal
	if l.TotalCases != 3 || l.OngoingCases != 1 || l.SuedCases != 2 {
		t.Errorf("summary = %+v", l)
	}
	if l.Cases[0].URL != "https://www.courtlistener.com/docket/1/" || !l.Cases[0].Defendant {
		t.Errorf("first case = %+v", l.Cases[0])
	}

	if _, err := p.Lookup(context.Background(), "Globex", risk.EntityOrganization); !errors.Is(err, risk.ErrNotFound) {
		t.Errorf("no dockets: err = %v", err)
	}
}

func TestProfileProvider(t *testing.T) {
	var entityCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") != "wbsearchentities" || q.Get("search") != "Acme Corp" {
			fmt.Fprint(w, `{"search":[]}`)
			return
		}
		fmt.Fprint(w, `{"search":[{"id":"Q42","label":"Acme Corporation"}]}`)
	})
	mux.HandleFunc("/entity/Q42.json", func(w http.ResponseWriter, r *http.Request) {
		entityCalls.Add(1)
		fmt.Fprint(w, `{"entities":{"Q42":{
			"labels":{"en":{"value":"Acme Corporation"}},
			"descriptions":{"en":{"value":"fictional manufacturer"}},
			"claims":{
				"P571":[{"mainsnak":{"datavalue":{"value":{"time":"+1949-01-01T00:00:00Z"}}}}],
				"P856":[{"mainsnak":{"datavalue":{"value":"https://acme.example"}}}],
				"P159":[{"mainsnak":{"datavalue":{"value":{"id":"Q65"}}}}],
				"P17":[{"mainsnak":{"datavalue":{"value":{"id":"Q30"}}}}]
			}
		}}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewProfileProvider(ProfileConfig{SearchURL: srv.URL + "/api", EntityURL: srv.URL + "/entity"})

	t.Run("Given a known organization When looked up Then the profile is filled from its claims", func(t *testing.T) {
		payload, err := p.Lookup(context.Background(), "Acme Corp", risk.EntityOrganization)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		want := risk.CompanyProfile{
			WikidataID:   "Q42",
			Label:        "Acme Corporation",
			Description:  "fictional manufacturer",
			Inception:    "+1949-01-01T00:00:00Z",
			Website:      "https://acme.example",
			Headquarters: "Q65",
			Country:      "Q30",
		}
		if payload.Profile == nil || *payload.Profile != want {
			t.Errorf("profile = %+v, want %+v", payload.Profile, want)
		}
	})

	t.Run("Given no search hit When looked up Then ErrNotFound", func(t *testing.T) {
		if _, err := p.Lookup(context.Background(), "Globex", risk.EntityOrganization); !errors.Is(err, risk.ErrNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("Given an individual When looked up Then no request is made", func(t *testing.T) {
		before := entityCalls.Load()
		if _, err := p.Lookup(context.Background(), "Acme Corp", risk.EntityIndividual); !errors.Is(err, risk.ErrNotFound) {
			t.Errorf("err = %v", err)
		}
		if entityCalls.Load() != before {
			t.Error("entity data fetched for an individual")
		}
	})
}

func TestJurisdictionProvider(t *testing.T) {
	geocoder := &MockGeocoder{
		GeocodeFunc: func(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
			switch r.Address {
			case "George Town":
				return []maps.GeocodingResult{{
					FormattedAddress: "George Town, Cayman Islands",
					AddressComponents: []maps.AddressComponent{
						{LongName: "George Town", ShortName: "George Town", Types: []string{"locality"}},
						{LongName: "Cayman Islands", ShortName: "KY", Types: []string{"country", "political"}},
					},
				}}, nil
			case "Atlantis":
				return nil, errors.New("maps: ZERO_RESULTS - ")
			default:
				return nil, errors.New("maps: OVER_QUERY_LIMIT")
			}
		},
	}
	p := NewJurisdictionProvider(geocoder, "ru")

	tests := []struct {
		name     string
		query    string
		typ      risk.EntityType
		wantCode string
		highRisk bool
		wantErr  func(error) bool
	}{
		{"Given a gazetteer country When looked up Then resolved without geocoding", "Panama", risk.EntityLocation, "PA", true, nil},
		{"Given an extra high risk code When looked up Then flagged", "Russia", risk.EntityLocation, "RU", true, nil},
		{"Given a low risk country When looked up Then not flagged", "Germany", risk.EntityLocation, "DE", false, nil},
		{"Given a city When geocoded Then country resolved", "George Town", risk.EntityLocation, "KY", true, nil},
		{"Given zero results When geocoded Then not found", "Atlantis", risk.EntityLocation, "", false, func(err error) bool { return errors.Is(err, risk.ErrNotFound) }},
		{"Given a quota error When geocoded Then provider error", "Nowhere", risk.EntityLocation, "", false, func(err error) bool { return err != nil && !errors.Is(err, risk.ErrNotFound) }},
		{"Given an organization When looked up Then not found", "Acme Corp", risk.EntityOrganization, "", false, func(err error) bool { return errors.Is(err, risk.ErrNotFound) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := p.Lookup(context.Background(), tt.query, tt.typ)
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			j := payload.Jurisdiction
			if j.CountryCode != tt.wantCode || j.HighRisk != tt.highRisk {
				t.Errorf("jurisdiction = %+v", j)
			}
		})
	}

	if _, err := NewJurisdictionProvider(nil).Lookup(context.Background(), "George Town", risk.EntityLocation); !errors.Is(err, risk.ErrNotFound) {
		t.Errorf("no geocoder: err = %v", err)
	}
}

package enrichment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
)

func TestOrchestratorOutcomes(t *testing.T) {
	o := NewOrchestrator(nil, 4)
	o.Register(&MockProvider{
		NameValue: "ok",
		LookupFunc: func(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
			return &risk.Payload{Media: &risk.MediaSentiment{Articles: 2}}, nil
		},
	}, ProviderConfig{Timeout: time.Second})
	o.Register(&MockProvider{NameValue: "missing"}, ProviderConfig{Timeout: time.Second})
	o.Register(&MockProvider{
		NameValue: "slow",
		LookupFunc: func(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, ProviderConfig{Timeout: 20 * time.Millisecond})
	o.Register(&MockProvider{
		NameValue: "broken",
		LookupFunc: func(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
			return nil, errors.New("upstream 500")
		},
	}, ProviderConfig{Timeout: time.Second})
	o.Register(&MockProvider{
		NameValue: "panicky",
		LookupFunc: func(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
			panic("boom")
		},
	}, ProviderConfig{Timeout: time.Second})

	bundle := o.Enrich(context.Background(), "Acme Corp", risk.EntityOrganization)

	want := map[string]risk.EnrichmentStatus{
		"ok":      risk.EnrichmentSuccess,
		"missing": risk.EnrichmentNotFound,
		"slow":    risk.EnrichmentTimeout,
		"broken":  risk.EnrichmentProviderError,
		"panicky": risk.EnrichmentProviderError,
	}
	if len(bundle) != len(want) {
		t.Fatalf("bundle has %d results, want %d", len(bundle), len(want))
	}
	for name, status := range want {
		t.Run("Given provider "+name+" When enriching Then status is "+string(status), func(t *testing.T) {
			res, ok := bundle[name]
			if !ok {
				t.Fatalf("no result for %s", name)
			}
			if res.Status != status {
				t.Errorf("status = %s, want %s (error %q)", res.Status, status, res.Error)
			}
			if res.Provider != name {
				t.Errorf("provider = %q", res.Provider)
			}
		})
	}

	if bundle["ok"].Media == nil || bundle["ok"].Media.Articles != 2 {
		t.Errorf("success payload not carried: %+v", bundle["ok"])
	}
	if bundle["broken"].Error == "" {
		t.Error("provider error message not recorded")
	}
}

func TestOrchestratorRegisterReplaces(t *testing.T) {
	o := NewOrchestrator(nil, 1)
	first := &MockProvider{NameValue: "sanctions"}
	second := &MockProvider{NameValue: "sanctions"}
	o.Register(first, ProviderConfig{})
	o.Register(second, ProviderConfig{})
	o.Register(&MockProvider{NameValue: "legal"}, ProviderConfig{})

	if got := o.Providers(); len(got) != 2 || got[0] != "legal" || got[1] != "sanctions" {
		t.Fatalf("Providers() = %v", got)
	}
	o.Enrich(context.Background(), "x", risk.EntityIndividual)
	if first.Calls() != 0 || second.Calls() != 1 {
		t.Errorf("calls first=%d second=%d, want 0 and 1", first.Calls(), second.Calls())
	}
}

func TestEnrichEntitySharesInflightLookups(t *testing.T) {
	release := make(chan struct{})
	p := &MockProvider{
		NameValue: "sanctions",
		LookupFunc: func(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
			<-release
			return &risk.Payload{Sanctions: &risk.SanctionsMatch{MatchType: risk.MatchNone}}, nil
		},
	}
	o := NewOrchestrator(nil, 2)
	o.Register(p, ProviderConfig{Timeout: 5 * time.Second})

	const callers = 10
	var wg sync.WaitGroup
	bundles := make([]risk.Bundle, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := o.EnrichEntity(context.Background(), "ORGANIZATION|acme corp", "Acme Corp", risk.EntityOrganization)
			if err != nil {
				t.Errorf("EnrichEntity: %v", err)
			}
			bundles[i] = b
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if p.Calls() != 1 {
		t.Errorf("provider called %d times, want 1", p.Calls())
	}
	for i, b := range bundles {
		if b["sanctions"].Status != risk.EnrichmentSuccess {
			t.Errorf("caller %d got %+v", i, b["sanctions"])
		}
	}

	bundles[0]["extra"] = risk.EnrichmentResult{}
	if _, ok := bundles[1]["extra"]; ok {
		t.Error("callers share one bundle map")
	}
}

func TestEnrichEntityCancelledWhileWaiting(t *testing.T) {
	o := NewOrchestrator(nil, 1)
	block := make(chan struct{})
	o.Register(&MockProvider{
		NameValue: "slow",
		LookupFunc: func(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
			<-block
			return nil, risk.ErrNotFound
		},
	}, ProviderConfig{Timeout: 5 * time.Second})

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.EnrichEntity(context.Background(), "a", "A", risk.EntityIndividual)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.EnrichEntity(ctx, "b", "B", risk.EntityIndividual); err == nil {
		t.Error("expected error when the slot wait is cancelled")
	}
	close(block)
	<-done
}

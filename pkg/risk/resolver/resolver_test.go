package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/review"
	"github.com/athapong/aio-risk/pkg/risk/storage"
	"github.com/pkg/errors"
)

func candidate(name string, typ risk.EntityType, role risk.Role) risk.EntityCandidate {
	return risk.EntityCandidate{Name: name, Type: typ, Role: role, Source: "field:test"}
}

func TestResolveMergesSameKey(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	r := New(repo, nil, nil, nil)

	ents, refs, err := r.Resolve(ctx, &risk.TransactionRecord{ID: "t1"}, []risk.EntityCandidate{
		candidate("Acme Corp", risk.EntityOrganization, risk.RoleReceiver),
		candidate("Panama", risk.EntityLocation, risk.RoleReceiver),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ents) != 2 || len(refs) != 2 {
		t.Fatalf("entities %d refs %d", len(ents), len(refs))
	}
	if refs[0].EntityID != risk.EntityID("ORGANIZATION|acme corp") || refs[0].Role != risk.RoleReceiver {
		t.Errorf("ref = %+v", refs[0])
	}

	ents, _, err = r.Resolve(ctx, &risk.TransactionRecord{ID: "t2"}, []risk.EntityCandidate{
		candidate("ACME CORPORATION", risk.EntityOrganization, risk.RolePayer),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	acme := ents[0]
	if acme.Name != "Acme Corp" {
		t.Errorf("canonical name = %q", acme.Name)
	}
	if !acme.Aliases.Contains("ACME CORPORATION") || acme.Aliases.Contains("Acme Corp") {
		t.Errorf("aliases = %v", acme.Aliases)
	}
	if acme.Roles.Cardinality() != 2 || acme.TransactionIDs.Cardinality() != 2 {
		t.Errorf("roles %v transactions %v", acme.Roles, acme.TransactionIDs)
	}
	if r.locks.Len() != 0 {
		t.Errorf("lock table leaked %d entries", r.locks.Len())
	}
}

func TestResolveAppliesAliasTable(t *testing.T) {
	aliases, err := ReadAliases(strings.NewReader(`
aliases:
  International Business Machines Corporation:
    - IBM
    - Big Blue
`))
	if err != nil {
		t.Fatalf("ReadAliases: %v", err)
	}
	if aliases.Len() != 2 {
		t.Fatalf("Len() = %d", aliases.Len())
	}

	r := New(storage.NewMemoryRepository(), aliases, nil, nil)
	a := r.Key("IBM", risk.EntityOrganization)
	b := r.Key("International Business Machines Corp.", risk.EntityOrganization)
	if a != b || a != "ORGANIZATION|international business machines corp" {
		t.Errorf("keys %q and %q", a, b)
	}

	if _, err := ReadAliases(strings.NewReader("")); err != nil {
		t.Errorf("empty alias file: %v", err)
	}
	if _, err := ReadAliases(strings.NewReader("aliases: [")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestResolveConflict(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	sink := review.NewMemorySink()
	r := New(repo, nil, sink, nil)

	if _, _, err := r.Resolve(ctx, &risk.TransactionRecord{ID: "t1"}, []risk.EntityCandidate{
		candidate("Jordan Lee", risk.EntityIndividual, risk.RolePayer),
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	t.Run("Given an individual When the name arrives as an organization Then conflict", func(t *testing.T) {
		_, _, err := r.Resolve(ctx, &risk.TransactionRecord{ID: "t2", JobID: "j"}, []risk.EntityCandidate{
			candidate("Globex", risk.EntityOrganization, risk.RolePayer),
			candidate("Jordan Lee", risk.EntityOrganization, risk.RoleReceiver),
		})
		var conflict *risk.ResolutionConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("err = %v, want ResolutionConflictError", err)
		}
		if conflict.ExistingType != risk.EntityIndividual || conflict.IncomingType != risk.EntityOrganization {
			t.Errorf("conflict = %+v", conflict)
		}
		if _, err := repo.FindEntity(ctx, "ORGANIZATION|globex"); !errors.Is(err, risk.ErrNotFound) {
			t.Error("record with a conflict merged other candidates")
		}
		cases := sink.Cases()
		if len(cases) != 1 || cases[0].RecordID != "t2" {
			t.Errorf("review cases = %+v", cases)
		}
	})

	t.Run("Given a location with the same name When resolved Then no conflict", func(t *testing.T) {
		_, _, err := r.Resolve(ctx, &risk.TransactionRecord{ID: "t3"}, []risk.EntityCandidate{
			candidate("Jordan Lee", risk.EntityLocation, risk.RolePayer),
		})
		if err != nil {
			t.Errorf("err = %v", err)
		}
	})
}

func TestResolveConcurrentSameEntity(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	r := New(repo, nil, nil, nil)

	const records = 100
	var wg sync.WaitGroup
	errs := make(chan error, records)
	for i := 0; i < records; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &risk.TransactionRecord{ID: fmt.Sprintf("t%03d", i)}
			_, _, err := r.Resolve(ctx, rec, []risk.EntityCandidate{
				candidate("Acme Corp", risk.EntityOrganization, risk.RoleReceiver),
				candidate(fmt.Sprintf("Payer %d Ltd", i), risk.EntityOrganization, risk.RolePayer),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}

	acme, err := repo.FindEntity(ctx, "ORGANIZATION|acme corp")
	if err != nil {
		t.Fatal(err)
	}
	if acme.TransactionIDs.Cardinality() != records {
		t.Errorf("transactions = %d, want %d (lost updates)", acme.TransactionIDs.Cardinality(), records)
	}
	if r.locks.Len() != 0 {
		t.Errorf("lock table leaked %d entries", r.locks.Len())
	}
}

func TestMergeEnrichmentAndApplyScore(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	r := New(repo, nil, nil, nil)
	key := r.Key("Acme Corp", risk.EntityOrganization)
	r.Resolve(ctx, &risk.TransactionRecord{ID: "t1"}, []risk.EntityCandidate{candidate("Acme Corp", risk.EntityOrganization, risk.RoleReceiver)})

	r.MergeEnrichment(ctx, key, risk.Bundle{
		"sanctions": {Provider: "sanctions", Status: risk.EnrichmentSuccess, Payload: risk.Payload{Sanctions: &risk.SanctionsMatch{MatchType: risk.MatchNone}}},
	})
	e, err := r.MergeEnrichment(ctx, key, risk.Bundle{
		"sanctions": {Provider: "sanctions", Status: risk.EnrichmentTimeout},
		"media":     {Provider: "media", Status: risk.EnrichmentProviderError},
	})
	if err != nil {
		t.Fatalf("MergeEnrichment: %v", err)
	}
	if e.Enrichment["sanctions"].Status != risk.EnrichmentSuccess {
		t.Errorf("usable result replaced by %s", e.Enrichment["sanctions"].Status)
	}
	if e.Enrichment["media"].Status != risk.EnrichmentProviderError {
		t.Errorf("media = %+v", e.Enrichment["media"])
	}

	if _, err := r.ApplyScore(ctx, key, risk.RiskScore{Value: 0.2, Version: 9}); err != nil {
		t.Fatalf("ApplyScore v9: %v", err)
	}
	if _, err := r.ApplyScore(ctx, key, risk.RiskScore{Value: 0.8, Version: 4}); !errors.Is(err, risk.ErrStaleScore) {
		t.Fatalf("ApplyScore v4: %v, want ErrStaleScore", err)
	}
	stored, _ := repo.FindEntity(ctx, key)
	if stored.Score.Version != 9 || stored.Score.Value != 0.2 {
		t.Errorf("score = %+v", stored.Score)
	}

	if _, err := r.MergeEnrichment(ctx, "ORGANIZATION|nobody", risk.Bundle{}); !errors.Is(err, risk.ErrNotFound) {
		t.Errorf("missing entity: %v", err)
	}
}

package processors

import (
	"context"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
)

func extractAll(t *testing.T, p *NLPProcessor, rec *risk.TransactionRecord) []risk.EntityCandidate {
	t.Helper()
	seq, err := p.Extract(context.Background(), rec)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return slices.Collect(seq)
}

func TestExtractStructuredParties(t *testing.T) {
	p := NewNLPProcessor(nil, 0)
	rec := &risk.TransactionRecord{
		ID:       "r1",
		RawText:  "Sender: Acme Corp\nReceiver: John Smith",
		Sender:   risk.Party{Name: "Acme Corp", Address: "1 Harbour Rd, Panama"},
		Receiver: risk.Party{Name: "John Smith"},
	}

	got := extractAll(t, p, rec)
	if len(got) < 3 {
		t.Fatalf("expected at least 3 candidates, got %+v", got)
	}

	want := []struct {
		name string
		typ  risk.EntityType
		role risk.Role
	}{
		{"Acme Corp", risk.EntityOrganization, risk.RolePayer},
		{"John Smith", risk.EntityIndividual, risk.RoleReceiver},
		{"Panama", risk.EntityLocation, risk.RolePayer},
	}
	for i, w := range want {
		if got[i].Name != w.name || got[i].Type != w.typ || got[i].Role != w.role {
			t.Errorf("candidate %d = %+v, want %s/%s/%s", i, got[i], w.name, w.typ, w.role)
		}
	}
}

func TestExtractFromNotes(t *testing.T) {
	p := NewNLPProcessor(nil, 0)
	rec := &risk.TransactionRecord{
		ID:     "r2",
		Notes:  "Payment routed through Oceanic Holdings in the Cayman Islands to settle an invoice.",
		Sender: risk.Party{Name: "Acme Corp"},
	}

	got := extractAll(t, p, rec)

	var org, loc *risk.EntityCandidate
	for i := range got {
		switch got[i].Name {
		case "Oceanic Holdings":
			org = &got[i]
		case "Cayman Islands":
			loc = &got[i]
		}
	}
	if org == nil {
		t.Fatalf("expected Oceanic Holdings among %+v", got)
	}
	if org.Type != risk.EntityOrganization || org.Role != risk.RoleIntermediary {
		t.Errorf("org candidate = %+v", *org)
	}
	if loc == nil || loc.Type != risk.EntityLocation {
		t.Errorf("expected Cayman Islands location among %+v", got)
	}
}

func TestExtractDeterministic(t *testing.T) {
	p := NewNLPProcessor(nil, 0)
	rec := &risk.TransactionRecord{
		ID:       "r3",
		Notes:    "Funds from Maria Lopez to Global Trade Partners via Dubai, linked to Helios Capital Ltd.",
		Sender:   risk.Party{Name: "Maria Lopez"},
		Receiver: risk.Party{Name: "Global Trade Partners"},
	}

	first := extractAll(t, p, rec)
	for i := 0; i < 5; i++ {
		again := extractAll(t, p, rec)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, again)
		}
	}

	t.Run("Given a sequence When iterated twice Then it restarts", func(t *testing.T) {
		seq, err := p.Extract(context.Background(), rec)
		if err != nil {
			t.Fatal(err)
		}
		a := slices.Collect(seq)
		b := slices.Collect(seq)
		if !reflect.DeepEqual(a, b) {
			t.Error("sequence is not restartable")
		}
	})

	t.Run("Given duplicate mentions When extracting Then one candidate per name", func(t *testing.T) {
		seen := map[string]bool{}
		for _, c := range first {
			norm := risk.NormalizeName(c.Name)
			if seen[norm] {
				t.Errorf("duplicate candidate %q", c.Name)
			}
			seen[norm] = true
		}
	})
}

func TestExtractCancelled(t *testing.T) {
	p := NewNLPProcessor(nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Extract(ctx, &risk.TransactionRecord{ID: "r4", Notes: "anything at all"})
	if err == nil {
		// the extraction may win the race against the cancelled context
		return
	}
	var ee *risk.ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
}

func TestClassifyName(t *testing.T) {
	tests := []struct {
		name string
		want risk.EntityType
	}{
		{"Acme Corp", risk.EntityOrganization},
		{"Bright Future Nonprofit Inc", risk.EntityOrganization},
		{"Cayman National Bank", risk.EntityOrganization},
		{"Panama", risk.EntityLocation},
		{"John Smith", risk.EntityIndividual},
	}
	for _, tt := range tests {
		if got := ClassifyName(tt.name); got != tt.want {
			t.Errorf("ClassifyName(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestRoleFromContext(t *testing.T) {
	text := "Paid to Jane Roe via Oceanic Bank from Acme"
	if got := roleFromContext(text, len("Paid to ")); got != risk.RoleReceiver {
		t.Errorf("receiver cue: got %s", got)
	}
	if got := roleFromContext(text, len("Paid to Jane Roe via ")); got != risk.RoleIntermediary {
		t.Errorf("intermediary cue: got %s", got)
	}
	if got := roleFromContext(text, len("Paid to Jane Roe via Oceanic Bank from ")); got != risk.RolePayer {
		t.Errorf("payer cue: got %s", got)
	}
}

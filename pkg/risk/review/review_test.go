package review

import (
	"context"
	"strings"
	"testing"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
)

func conflict() *risk.ResolutionConflictError {
	return &risk.ResolutionConflictError{
		Name:         "Jordan",
		Key:          risk.CanonicalKey(risk.EntityOrganization, "jordan"),
		ExistingType: risk.EntityIndividual,
		IncomingType: risk.EntityOrganization,
		ExistingID:   risk.EntityID(risk.CanonicalKey(risk.EntityIndividual, "jordan")),
	}
}

func TestConflictCaseIsStable(t *testing.T) {
	a := ConflictCase(&risk.TransactionRecord{ID: "r1", JobID: "j"}, conflict())
	b := ConflictCase(&risk.TransactionRecord{ID: "r2", JobID: "j"}, conflict())
	if a.ID != b.ID {
		t.Errorf("case IDs differ: %s vs %s", a.ID, b.ID)
	}
	if a.RecordID != "r1" || a.Kind != KindResolutionConflict {
		t.Errorf("case = %+v", a)
	}
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	c := ConflictCase(nil, conflict())
	s.Submit(context.Background(), c)
	s.Submit(context.Background(), c)
	if got := s.Cases(); len(got) != 1 || got[0].Name != "Jordan" {
		t.Errorf("cases = %+v", got)
	}
}

func TestJiraSink(t *testing.T) {
	t.Run("Given a new case When submitted twice Then one issue", func(t *testing.T) {
		m := &MockIssueCreator{}
		s := NewJiraSink(m, "RISK", "", nil)
		c := ConflictCase(&risk.TransactionRecord{ID: "r1", JobID: "j1"}, conflict())

		for i := 0; i < 2; i++ {
			if err := s.Submit(context.Background(), c); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
		if len(m.Payloads) != 1 {
			t.Fatalf("issues = %d, want 1", len(m.Payloads))
		}
		f := m.Payloads[0].Fields
		if f.Project.Key != "RISK" || f.IssueType.Name != "Task" {
			t.Errorf("fields = %+v", f)
		}
		if !strings.Contains(f.Summary, "Jordan") || !strings.Contains(f.Description, "r1") {
			t.Errorf("summary %q description %q", f.Summary, f.Description)
		}
	})

	t.Run("Given Jira fails When submitted Then error and retried later", func(t *testing.T) {
		m := &MockIssueCreator{Err: errors.New("401")}
		s := NewJiraSink(m, "RISK", "Bug", nil)
		c := ConflictCase(nil, conflict())
		if err := s.Submit(context.Background(), c); err == nil {
			t.Fatal("expected error")
		}
		m.Err = nil
		if err := s.Submit(context.Background(), c); err != nil || len(m.Payloads) != 1 {
			t.Errorf("retry: err=%v issues=%d", err, len(m.Payloads))
		}
	})
}

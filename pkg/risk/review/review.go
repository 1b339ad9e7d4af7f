package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/google/uuid"
)

const KindResolutionConflict = "resolution_conflict"

// Case is an item that needs a human decision.
type Case struct {
	ID               string          `json:"id"`
	Kind             string          `json:"kind"`
	JobID            string          `json:"job_id,omitempty"`
	RecordID         string          `json:"record_id,omitempty"`
	Name             string          `json:"name"`
	Key              string          `json:"key"`
	ExistingType     risk.EntityType `json:"existing_type"`
	IncomingType     risk.EntityType `json:"incoming_type"`
	ExistingEntityID string          `json:"existing_entity_id"`
	Reason           string          `json:"reason"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ConflictCase builds the review case for a resolution conflict. The case ID
// depends only on the conflicting identities, so the same conflict seen by
// many records becomes one case.
func ConflictCase(rec *risk.TransactionRecord, conflict *risk.ResolutionConflictError) Case {
	c := Case{
		ID:               uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("conflict:%s:%s:%s", conflict.ExistingID, conflict.Key, conflict.IncomingType))).String(),
		Kind:             KindResolutionConflict,
		Name:             conflict.Name,
		Key:              conflict.Key,
		ExistingType:     conflict.ExistingType,
		IncomingType:     conflict.IncomingType,
		ExistingEntityID: conflict.ExistingID,
		Reason:           conflict.Error(),
		CreatedAt:        time.Now().UTC(),
	}
	if rec != nil {
		c.JobID = rec.JobID
		c.RecordID = rec.ID
	}
	return c
}

// Sink receives review cases. Submitting the same case ID twice is a no-op.
type Sink interface {
	Submit(ctx context.Context, c Case) error
}

type MemorySink struct {
	mutex sync.Mutex
	cases map[string]Case
}

func NewMemorySink() *MemorySink {
	return &MemorySink{cases: make(map[string]Case)}
}

func (s *MemorySink) Submit(ctx context.Context, c Case) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.cases[c.ID]; !ok {
		s.cases[c.ID] = c
	}
	return nil
}

// Cases returns the submitted cases, oldest first.
func (s *MemorySink) Cases() []Case {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

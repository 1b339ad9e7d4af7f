package pipeline

import (
	"context"
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/storage"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// RecordSummary is the status view of one record.
type RecordSummary struct {
	ID            string         `json:"id"`
	SourceID      string         `json:"source_id,omitempty"`
	Row           int            `json:"row"`
	Status        risk.Status    `json:"status"`
	Score         float64        `json:"score,omitempty"`
	Level         risk.RiskLevel `json:"level,omitempty"`
	Entities      int            `json:"entities"`
	FailureReason string         `json:"failure_reason,omitempty"`
	FailureStage  risk.Stage     `json:"failure_stage,omitempty"`
}

// JobReport is a job with the current state of its records.
type JobReport struct {
	Job      *risk.FileJob       `json:"job"`
	ByStatus map[risk.Status]int `json:"by_status"`
	Records  []RecordSummary     `json:"records"`
}

// JobStatus reports the job and every record's current state.
func (c *Coordinator) JobStatus(ctx context.Context, jobID string) (*JobReport, error) {
	job, err := c.Repository.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	recs, err := c.Repository.ListRecords(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report := &JobReport{Job: job, ByStatus: make(map[risk.Status]int), Records: make([]RecordSummary, 0, len(recs))}
	for _, rec := range recs {
		report.ByStatus[rec.Status]++
		s := RecordSummary{
			ID:            rec.ID,
			SourceID:      rec.SourceID,
			Row:           rec.RowIndex,
			Status:        rec.Status,
			Entities:      len(rec.Entities),
			FailureReason: rec.FailureReason,
			FailureStage:  rec.FailureStage,
		}
		if rec.Score != nil {
			s.Score = rec.Score.Value
			s.Level = rec.Score.Level
		}
		report.Records = append(report.Records, s)
	}
	return report, nil
}

// Jobs lists every known job.
func (c *Coordinator) Jobs(ctx context.Context) ([]*risk.FileJob, error) {
	return c.Repository.ListJobs(ctx)
}

// Record returns one stored record.
func (c *Coordinator) Record(ctx context.Context, id string) (*risk.TransactionRecord, error) {
	return c.Repository.GetRecord(ctx, id)
}

// Entity looks an entity up by ID or by canonicalization key ("TYPE|name").
func (c *Coordinator) Entity(ctx context.Context, idOrKey string) (*risk.ResolvedEntity, error) {
	if strings.Contains(idOrKey, "|") {
		typ, name, _ := strings.Cut(idOrKey, "|")
		return c.Repository.FindEntity(ctx, c.Resolver.Key(name, risk.EntityType(strings.ToUpper(typ))))
	}
	return c.Repository.GetEntity(ctx, idOrKey)
}

// Statistics aggregates completed transactions. In-flight and failed
// records are left out.
type Statistics struct {
	Transactions int             `json:"transactions"`
	High         int             `json:"high"`
	Medium       int             `json:"medium"`
	Low          int             `json:"low"`
	AverageScore float64         `json:"average_score"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	// Histogram counts scores in ten equal buckets over [0,1].
	Histogram [10]int `json:"histogram"`
}

// Statistics covers one job, or every job when jobID is empty.
func (c *Coordinator) Statistics(ctx context.Context, jobID string) (*Statistics, error) {
	recs, err := c.Repository.ListRecords(ctx, jobID)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{TotalAmount: decimal.Zero}
	sum := 0.0
	for _, rec := range recs {
		if rec.Status != risk.StatusCompleted || rec.Score == nil {
			continue
		}
		stats.Transactions++
		sum += rec.Score.Value
		stats.TotalAmount = stats.TotalAmount.Add(rec.Amount)
		switch rec.Score.Level {
		case risk.LevelHigh:
			stats.High++
		case risk.LevelMedium:
			stats.Medium++
		default:
			stats.Low++
		}
		stats.Histogram[min(int(rec.Score.Value*10), 9)]++
	}
	if stats.Transactions > 0 {
		stats.AverageScore = sum / float64(stats.Transactions)
	}
	return stats, nil
}

// SimilarEntities finds entities whose embeddings are closest to name.
func (c *Coordinator) SimilarEntities(ctx context.Context, name string, limit int) ([]storage.Match, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("name is required")
	}
	if limit <= 0 {
		limit = 5
	}
	return c.Projector.Similar(ctx, name, limit)
}

// RelatedEntities returns the entities within depth hops in the graph.
func (c *Coordinator) RelatedEntities(ctx context.Context, entityID string, depth int) ([]storage.Node, error) {
	if depth <= 0 {
		depth = 1
	}
	return c.Projector.Related(ctx, entityID, depth)
}

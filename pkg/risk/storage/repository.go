package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/athapong/aio-risk/pkg/risk"
)

// Repository checkpoints jobs, records and resolved entities.
type Repository interface {
	SaveJob(ctx context.Context, job *risk.FileJob) error
	GetJob(ctx context.Context, id string) (*risk.FileJob, error)
	ListJobs(ctx context.Context) ([]*risk.FileJob, error)
	// DeleteJob removes the job and all of its records.
	DeleteJob(ctx context.Context, id string) error

	SaveRecord(ctx context.Context, rec *risk.TransactionRecord) error
	GetRecord(ctx context.Context, id string) (*risk.TransactionRecord, error)
	// ListRecords returns a job's records by row order, or every record when jobID is empty.
	ListRecords(ctx context.Context, jobID string) ([]*risk.TransactionRecord, error)

	// SaveEntity rejects a score older than the stored one with risk.ErrStaleScore.
	SaveEntity(ctx context.Context, entity *risk.ResolvedEntity) error
	FindEntity(ctx context.Context, key string) (*risk.ResolvedEntity, error)
	GetEntity(ctx context.Context, id string) (*risk.ResolvedEntity, error)

	// MaxScoreVersion seeds the version sequence after a restart.
	MaxScoreVersion(ctx context.Context) (uint64, error)
}

// stale reports whether incoming would replace a newer stored score.
func stale(stored, incoming *risk.RiskScore) bool {
	return stored != nil && incoming != nil && incoming.Version < stored.Version
}

// MemoryRepository implements Repository in memory. All values are cloned
// on the way in and out.
type MemoryRepository struct {
	mutex    sync.RWMutex
	jobs     map[string]*risk.FileJob
	records  map[string]*risk.TransactionRecord
	entities map[string]*risk.ResolvedEntity
	byID     map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:     make(map[string]*risk.FileJob),
		records:  make(map[string]*risk.TransactionRecord),
		entities: make(map[string]*risk.ResolvedEntity),
		byID:     make(map[string]string),
	}
}

func (r *MemoryRepository) SaveJob(ctx context.Context, job *risk.FileJob) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) GetJob(ctx context.Context, id string) (*risk.FileJob, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, risk.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryRepository) ListJobs(ctx context.Context) ([]*risk.FileJob, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	jobs := make([]*risk.FileJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

func (r *MemoryRepository) DeleteJob(ctx context.Context, id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return risk.ErrNotFound
	}
	delete(r.jobs, id)
	for rid, rec := range r.records {
		if rec.JobID == id {
			delete(r.records, rid)
		}
	}
	return nil
}

func (r *MemoryRepository) SaveRecord(ctx context.Context, rec *risk.TransactionRecord) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records[rec.ID] = rec.Clone()
	return nil
}

func (r *MemoryRepository) GetRecord(ctx context.Context, id string) (*risk.TransactionRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, risk.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) ListRecords(ctx context.Context, jobID string) ([]*risk.TransactionRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]*risk.TransactionRecord, 0)
	for _, rec := range r.records {
		if jobID == "" || rec.JobID == jobID {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (r *MemoryRepository) SaveEntity(ctx context.Context, entity *risk.ResolvedEntity) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if existing, ok := r.entities[entity.Key]; ok && stale(existing.Score, entity.Score) {
		return risk.ErrStaleScore
	}
	r.entities[entity.Key] = entity.Clone()
	r.byID[entity.ID] = entity.Key
	return nil
}

func (r *MemoryRepository) FindEntity(ctx context.Context, key string) (*risk.ResolvedEntity, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	e, ok := r.entities[key]
	if !ok {
		return nil, risk.ErrNotFound
	}
	return e.Clone(), nil
}

func (r *MemoryRepository) GetEntity(ctx context.Context, id string) (*risk.ResolvedEntity, error) {
	r.mutex.RLock()
	key, ok := r.byID[id]
	r.mutex.RUnlock()
	if !ok {
		return nil, risk.ErrNotFound
	}
	return r.FindEntity(ctx, key)
}

func (r *MemoryRepository) MaxScoreVersion(ctx context.Context) (uint64, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var max uint64
	for _, e := range r.entities {
		if e.Score != nil && e.Score.Version > max {
			max = e.Score.Version
		}
	}
	for _, rec := range r.records {
		if rec.Score != nil && rec.Score.Version > max {
			max = rec.Score.Version
		}
	}
	return max, nil
}

func sortRecords(recs []*risk.TransactionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].JobID != recs[j].JobID {
			return recs[i].JobID < recs[j].JobID
		}
		if recs[i].RowIndex != recs[j].RowIndex {
			return recs[i].RowIndex < recs[j].RowIndex
		}
		return recs[i].ID < recs[j].ID
	})
}

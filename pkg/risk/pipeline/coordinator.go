package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/athapong/aio-risk/pkg/risk/processors"
	"github.com/athapong/aio-risk/pkg/risk/resolver"
	"github.com/athapong/aio-risk/pkg/risk/scoring"
	"github.com/athapong/aio-risk/pkg/risk/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrJobRunning is returned for operations that need a job to be idle.
var ErrJobRunning = errors.New("job is still running")

const cancelledReason = "job cancelled"

// Extractor yields entity candidates for one record.
type Extractor interface {
	Extract(ctx context.Context, rec *risk.TransactionRecord) (iter.Seq[risk.EntityCandidate], error)
}

// Enricher enriches one canonical entity across every configured provider.
type Enricher interface {
	EnrichEntity(ctx context.Context, key, name string, typ risk.EntityType) (risk.Bundle, error)
}

// Projector writes entities into the graph and vector stores and queries them back.
type Projector interface {
	Project(ctx context.Context, rec *risk.TransactionRecord, entities []*risk.ResolvedEntity) error
	Similar(ctx context.Context, text string, limit int) ([]storage.Match, error)
	Related(ctx context.Context, entityID string, depth int) ([]storage.Node, error)
}

// Config bounds the coordinator's concurrency and retries.
type Config struct {
	Workers            int           `mapstructure:"workers"`
	StageTimeout       time.Duration `mapstructure:"stage_timeout"`
	MaxAttempts        uint          `mapstructure:"max_attempts"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	FailOnChildFailure bool          `mapstructure:"fail_on_child_failure"`
}

func DefaultConfig() Config {
	return Config{
		Workers:        8,
		StageTimeout:   30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Repository storage.Repository
	Normalizer *processors.Normalizer
	Extractor  Extractor
	Enricher   Enricher
	Resolver   *resolver.Resolver
	Scorer     *scoring.Scorer
	Projector  Projector
	Logger     *logrus.Logger
}

type jobRun struct {
	id        string
	cancelled atomic.Bool
	done      chan struct{}
}

// Coordinator owns the per-record state machine and the derived FileJob status.
type Coordinator struct {
	Deps
	cfg     Config
	version atomic.Uint64

	mutex       sync.Mutex
	runs        map[string]*jobRun
	jobMutex    sync.Mutex
	submitLocks *risk.KeyLocks
	wg          sync.WaitGroup

	attemptMutex sync.Mutex
}

// New creates a coordinator. The score version sequence continues from the
// highest version already stored.
func New(ctx context.Context, deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Repository == nil || deps.Normalizer == nil || deps.Extractor == nil ||
		deps.Enricher == nil || deps.Resolver == nil || deps.Scorer == nil || deps.Projector == nil {
		return nil, errors.New("coordinator is missing a dependency")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
		deps.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	c := &Coordinator{Deps: deps, cfg: cfg, runs: make(map[string]*jobRun), submitLocks: risk.NewKeyLocks()}
	v, err := deps.Repository.MaxScoreVersion(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "seed score version")
	}
	c.version.Store(v)
	return c, nil
}

// SubmitRequest describes one file to ingest.
type SubmitRequest struct {
	FileName string
	Format   risk.Format
	Data     []byte
	// Reprocess runs the file again even when a job for it already exists.
	Reprocess bool
	// FailOnChildFailure overrides the configured policy when set.
	FailOnChildFailure *bool
}

// Digest is the content digest a job ID is derived from.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Submit registers the file and starts processing it in the background. It
// returns as soon as the records are checkpointed. Submitting the same bytes
// and format again returns the existing job unless Reprocess is set. A
// file-level failure is returned with the job, which is saved as FAILED.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*risk.FileJob, error) {
	req.Format = risk.Format(strings.ToUpper(string(req.Format)))
	id := risk.JobID(Digest(req.Data), req.Format)

	// held until the run is registered so a concurrent submit sees it
	c.submitLocks.Lock(id)
	defer c.submitLocks.Unlock(id)

	job, records, fresh, err := c.accept(ctx, id, req, false)
	if err != nil || !fresh {
		return job, err
	}
	c.start(job.ID, records)
	return job.Clone(), nil
}

// Register saves a job whose records are delivered through the stream and
// returns the normalized records to publish. Records are not checkpointed
// here; consumers checkpoint them through ProcessRecord, and the last one to
// finish settles the job. An existing job is returned with no records unless
// Reprocess is set.
func (c *Coordinator) Register(ctx context.Context, req SubmitRequest) (*risk.FileJob, []*risk.TransactionRecord, error) {
	req.Format = risk.Format(strings.ToUpper(string(req.Format)))
	id := risk.JobID(Digest(req.Data), req.Format)

	c.submitLocks.Lock(id)
	defer c.submitLocks.Unlock(id)

	job, records, fresh, err := c.accept(ctx, id, req, true)
	if err != nil || !fresh {
		return job, nil, err
	}
	return job.Clone(), records, nil
}

// accept normalizes the file and saves its job as PROCESSING. fresh is false
// when an existing job was returned instead. The caller holds the job's lock.
func (c *Coordinator) accept(ctx context.Context, id string, req SubmitRequest, streamed bool) (*risk.FileJob, []*risk.TransactionRecord, bool, error) {
	log := c.Logger.WithFields(logrus.Fields{"job_id": id, "file": req.FileName, "format": req.Format})

	existing, err := c.Repository.GetJob(ctx, id)
	switch {
	case err == nil && !req.Reprocess:
		log.Info("File already submitted")
		return existing, nil, false, nil
	case err == nil && c.active(id):
		return existing, nil, false, ErrJobRunning
	case err == nil:
		if err := c.Repository.DeleteJob(ctx, id); err != nil {
			return nil, nil, false, errors.Wrap(err, "reset job for reprocessing")
		}
	case !errors.Is(err, risk.ErrNotFound):
		return nil, nil, false, errors.Wrap(err, "load job")
	}

	now := time.Now().UTC()
	job := &risk.FileJob{
		ID:                 id,
		FileName:           req.FileName,
		Format:             req.Format,
		Digest:             Digest(req.Data),
		Status:             risk.JobPending,
		FailOnChildFailure: c.cfg.FailOnChildFailure,
		Streamed:           streamed,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.FailOnChildFailure != nil {
		job.FailOnChildFailure = *req.FailOnChildFailure
	}
	if err := c.Repository.SaveJob(ctx, job); err != nil {
		return nil, nil, false, errors.Wrap(err, "save job")
	}

	batch, err := c.Normalizer.Normalize(ctx, job, req.Data)
	if err != nil {
		job.Status = risk.JobFailed
		job.FailureReason = err.Error()
		job.FailureStage = risk.StageOf(err, risk.StageNormalize)
		job.UpdatedAt = time.Now().UTC()
		metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()
		if serr := c.Repository.SaveJob(ctx, job); serr != nil {
			log.WithError(serr).Error("Failed to save failed job")
		}
		return job, nil, false, err
	}

	var records []*risk.TransactionRecord
	for rec := range batch.Records() {
		if !streamed {
			if err := c.Repository.SaveRecord(ctx, rec); err != nil {
				return nil, nil, false, errors.Wrapf(err, "checkpoint record %s", rec.ID)
			}
		}
		records = append(records, rec)
	}

	job.Total = len(records)
	job.RowWarnings = batch.Warnings()
	job.Status = risk.JobProcessing
	if streamed && job.Total == 0 {
		job.Status = risk.JobCompleted
	}
	job.UpdatedAt = time.Now().UTC()
	if err := c.Repository.SaveJob(ctx, job); err != nil {
		return nil, nil, false, errors.Wrap(err, "save job")
	}

	log.WithFields(logrus.Fields{"records": job.Total, "row_warnings": job.RowWarnings, "streamed": streamed}).Info("File accepted")
	return job, records, true, nil
}

// Resume restarts every job left unfinished by a previous process.
func (c *Coordinator) Resume(ctx context.Context) ([]string, error) {
	jobs, err := c.Repository.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	var resumed []string
	for _, job := range jobs {
		if job.Status.Terminal() || job.Streamed || c.active(job.ID) {
			continue
		}
		recs, err := c.Repository.ListRecords(ctx, job.ID)
		if err != nil {
			return resumed, err
		}
		var open []*risk.TransactionRecord
		for _, rec := range recs {
			if !rec.Status.Terminal() {
				open = append(open, rec)
			}
		}
		c.Logger.WithFields(logrus.Fields{"job_id": job.ID, "records": len(open)}).Info("Resuming job")
		c.start(job.ID, open)
		resumed = append(resumed, job.ID)
	}
	return resumed, nil
}

func (c *Coordinator) active(jobID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.runs[jobID]
	return ok
}

func (c *Coordinator) start(jobID string, records []*risk.TransactionRecord) {
	run := &jobRun{id: jobID, done: make(chan struct{})}
	c.mutex.Lock()
	c.runs[jobID] = run
	c.mutex.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(run.done)
		defer func() {
			c.mutex.Lock()
			delete(c.runs, jobID)
			c.mutex.Unlock()
		}()
		c.run(run, records)
	}()
}

// run processes the records on a bounded pool. Records are driven on a
// context that Cancel never interrupts, so in-flight calls finish normally.
func (c *Coordinator) run(run *jobRun, records []*risk.TransactionRecord) {
	ctx := context.Background()
	metrics.QueueLength.Add(float64(len(records)))

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Workers)
	for _, rec := range records {
		if run.cancelled.Load() {
			metrics.QueueLength.Dec()
			continue
		}
		g.Go(func() error {
			metrics.QueueLength.Dec()
			if run.cancelled.Load() {
				return nil
			}
			if _, err := c.drive(ctx, rec); err != nil {
				c.Logger.WithError(err).WithField("record_id", rec.ID).Error("Record checkpoint failed")
			}
			return nil
		})
	}
	g.Wait()

	if err := c.finish(ctx, run.id, run.cancelled.Load()); err != nil {
		c.Logger.WithError(err).WithField("job_id", run.id).Error("Failed to finalize job")
	}
}

// finish derives the terminal job status from its records.
func (c *Coordinator) finish(ctx context.Context, jobID string, cancelled bool) error {
	c.jobMutex.Lock()
	defer c.jobMutex.Unlock()

	job, err := c.Repository.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	recs, err := c.Repository.ListRecords(ctx, jobID)
	if err != nil {
		return err
	}

	// a streamed job keeps its published total until every record arrives
	if !job.Streamed || len(recs) > job.Total {
		job.Total = len(recs)
	}
	job.Completed, job.Failed = 0, 0
	var firstFailure *risk.TransactionRecord
	for _, rec := range recs {
		if cancelled && !rec.Status.Terminal() {
			c.failRecord(ctx, rec, risk.StageSchedule, errors.New(cancelledReason))
		}
		switch rec.Status {
		case risk.StatusCompleted:
			job.Completed++
		case risk.StatusFailed:
			job.Failed++
			if firstFailure == nil && rec.FailureReason != cancelledReason {
				firstFailure = rec
			}
		}
	}

	job.FailureReason, job.FailureStage = "", ""
	switch {
	case cancelled:
		job.Status = risk.JobCancelled
		job.FailureReason = cancelledReason
		job.FailureStage = risk.StageSchedule
	case job.Completed+job.Failed < job.Total:
		job.Status = risk.JobProcessing
	case job.FailOnChildFailure && firstFailure != nil:
		job.Status = risk.JobFailed
		job.FailureReason = fmt.Sprintf("%d of %d records failed; first: %s", job.Failed, job.Total, firstFailure.FailureReason)
		job.FailureStage = firstFailure.FailureStage
	default:
		job.Status = risk.JobCompleted
	}
	job.UpdatedAt = time.Now().UTC()
	if err := c.Repository.SaveJob(ctx, job); err != nil {
		return err
	}

	if job.Status.Terminal() {
		metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()
		c.Logger.WithFields(logrus.Fields{
			"job_id":    job.ID,
			"status":    job.Status,
			"completed": job.Completed,
			"failed":    job.Failed,
		}).Info("Job finished")
	}
	return nil
}

// recordDone bumps the job counters after a record reaches a terminal state.
func (c *Coordinator) recordDone(ctx context.Context, rec *risk.TransactionRecord) {
	c.jobMutex.Lock()
	job, err := c.Repository.GetJob(ctx, rec.JobID)
	if err != nil {
		c.jobMutex.Unlock()
		return
	}
	if rec.Status == risk.StatusCompleted {
		job.Completed++
	} else {
		job.Failed++
	}
	job.UpdatedAt = time.Now().UTC()
	if err := c.Repository.SaveJob(ctx, job); err != nil {
		c.Logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to update job progress")
	}
	settled := !job.Status.Terminal() && job.Completed+job.Failed >= job.Total
	c.jobMutex.Unlock()

	// Records fed from a stream have no run to finalize their job.
	if settled && !c.active(job.ID) {
		if err := c.finish(ctx, job.ID, false); err != nil {
			c.Logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to finalize job")
		}
	}
}

// Wait blocks until the job has no active run, then returns it.
func (c *Coordinator) Wait(ctx context.Context, jobID string) (*risk.FileJob, error) {
	c.mutex.Lock()
	run, ok := c.runs[jobID]
	c.mutex.Unlock()
	if ok {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Repository.GetJob(ctx, jobID)
}

// Cancel stops scheduling the job's remaining records. Records already in
// flight run to completion; records never started end FAILED.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*risk.FileJob, error) {
	job, err := c.Repository.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	c.mutex.Lock()
	run, ok := c.runs[jobID]
	c.mutex.Unlock()
	if ok {
		run.cancelled.Store(true)
		c.Logger.WithField("job_id", jobID).Info("Job cancellation requested")
		return job, nil
	}

	if err := c.finish(ctx, jobID, true); err != nil {
		return nil, err
	}
	return c.Repository.GetJob(ctx, jobID)
}

// Purge deletes an idle job and its records. Entities are kept.
func (c *Coordinator) Purge(ctx context.Context, jobID string) error {
	if c.active(jobID) {
		return ErrJobRunning
	}
	if _, err := c.Repository.GetJob(ctx, jobID); err != nil {
		return err
	}
	c.Logger.WithField("job_id", jobID).Info("Purging job")
	return c.Repository.DeleteJob(ctx, jobID)
}

// Shutdown stops scheduling on every job and waits for in-flight records.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mutex.Lock()
	for _, run := range c.runs {
		run.cancelled.Store(true)
	}
	c.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

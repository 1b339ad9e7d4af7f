package pipeline

import (
	"context"
	"slices"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/athapong/aio-risk/pkg/risk/scoring"
	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ProcessRecord drives one record through the pipeline. It is the entry
// point for streamed records and is idempotent: a record already terminal
// in the repository is returned as stored. The returned error reports
// infrastructure failures only; a record that fails ends FAILED with a reason.
func (c *Coordinator) ProcessRecord(ctx context.Context, rec *risk.TransactionRecord) (*risk.TransactionRecord, error) {
	stored, err := c.Repository.GetRecord(ctx, rec.ID)
	switch {
	case err == nil && stored.Status.Terminal():
		return stored, nil
	case err == nil:
		rec = stored
	case errors.Is(err, risk.ErrNotFound):
		rec = rec.Clone()
		if rec.Status == "" || rec.Status.Terminal() {
			rec.Status = risk.StatusPending
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if err := c.checkpoint(ctx, rec); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return c.drive(ctx, rec)
}

// drive runs every stage not yet passed. Each stage transitions forward
// before doing its work, so a resumed record repeats only the deterministic
// work of earlier stages and never moves backwards.
func (c *Coordinator) drive(ctx context.Context, rec *risk.TransactionRecord) (*risk.TransactionRecord, error) {
	log := c.Logger.WithFields(logrus.Fields{"record_id": rec.ID, "job_id": rec.JobID})
	if rec.Attempts == nil {
		rec.Attempts = make(map[risk.Stage]int)
	}

	fail := func(stage risk.Stage, err error) (*risk.TransactionRecord, error) {
		if cerr := c.failRecord(ctx, rec, stage, err); cerr != nil {
			return rec, cerr
		}
		log.WithError(err).WithField("stage", rec.FailureStage).Warn("Record failed")
		c.recordDone(ctx, rec)
		return rec, nil
	}

	if err := c.enter(ctx, rec, risk.StatusExtracting); err != nil {
		return rec, err
	}
	candidates, err := retry(ctx, c, rec, risk.StageExtract, func(ctx context.Context) ([]risk.EntityCandidate, error) {
		seq, err := c.Extractor.Extract(ctx, rec)
		if err != nil {
			return nil, err
		}
		return slices.Collect(seq), nil
	})
	if err != nil {
		return fail(risk.StageExtract, err)
	}

	if err := c.enter(ctx, rec, risk.StatusEnriching); err != nil {
		return rec, err
	}
	entities, err := c.resolveAndEnrich(ctx, rec, candidates)
	if err != nil {
		return fail(risk.StageEnrich, err)
	}

	if err := c.enter(ctx, rec, risk.StatusScoring); err != nil {
		return rec, err
	}
	entities, err = c.score(ctx, rec, entities)
	if err != nil {
		return fail(risk.StageScore, err)
	}

	// Scores are checkpointed with this transition, before projection.
	if err := c.enter(ctx, rec, risk.StatusPersisting); err != nil {
		return rec, err
	}
	timer := prometheus.NewTimer(metrics.StageDuration.WithLabelValues(string(risk.StagePersist)))
	_, err = retry(ctx, c, rec, risk.StagePersist, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Projector.Project(ctx, rec, entities)
	})
	timer.ObserveDuration()
	if err != nil {
		return fail(risk.StagePersist, err)
	}

	if err := c.enter(ctx, rec, risk.StatusCompleted); err != nil {
		return rec, err
	}
	metrics.RecordsTotal.WithLabelValues(string(risk.StatusCompleted)).Inc()
	log.WithField("score", rec.Score.Value).Debug("Record completed")
	c.recordDone(ctx, rec)
	return rec, nil
}

// resolveAndEnrich registers the candidates, then enriches the distinct
// entities concurrently and folds each bundle into its entity.
func (c *Coordinator) resolveAndEnrich(ctx context.Context, rec *risk.TransactionRecord, candidates []risk.EntityCandidate) ([]*risk.ResolvedEntity, error) {
	type resolved struct {
		entities []*risk.ResolvedEntity
		refs     []risk.EntityRef
	}
	res, err := retry(ctx, c, rec, risk.StageResolve, func(ctx context.Context) (resolved, error) {
		entities, refs, err := c.Resolver.Resolve(ctx, rec, candidates)
		return resolved{entities, refs}, err
	})
	if err != nil {
		return nil, err
	}
	rec.Entities = res.refs

	timer := prometheus.NewTimer(metrics.StageDuration.WithLabelValues(string(risk.StageEnrich)))
	defer timer.ObserveDuration()

	out := make([]*risk.ResolvedEntity, len(res.entities))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range res.entities {
		g.Go(func() error {
			bundle, err := c.Enricher.EnrichEntity(gctx, e.Key, e.Name, e.Type)
			if err != nil {
				return err
			}
			merged, err := retry(gctx, c, rec, risk.StageEnrich, func(ctx context.Context) (*risk.ResolvedEntity, error) {
				return c.Resolver.MergeEnrichment(ctx, e.Key, bundle)
			})
			if err != nil {
				return err
			}
			out[i] = merged
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// score computes identity and transaction-context scores under one version.
func (c *Coordinator) score(ctx context.Context, rec *risk.TransactionRecord, entities []*risk.ResolvedEntity) ([]*risk.ResolvedEntity, error) {
	timer := prometheus.NewTimer(metrics.StageDuration.WithLabelValues(string(risk.StageScore)))
	defer timer.ObserveDuration()

	version := c.version.Add(1)
	scored := make([]*risk.ResolvedEntity, len(entities))
	entityScores := make([]risk.RiskScore, 0, len(entities))

	for i, e := range entities {
		tx := &scoring.TxContext{Amount: rec.Amount, Narrative: rec.Notes}
		for j, other := range entities {
			if j != i {
				tx.Counterparties = append(tx.Counterparties, other.Enrichment)
			}
		}
		es := c.Scorer.ScoreEntity(e, tx, version)
		es.TransactionID = rec.ID
		entityScores = append(entityScores, es)

		identity := c.Scorer.ScoreEntity(e, nil, version)
		updated, err := retry(ctx, c, rec, risk.StageScore, func(ctx context.Context) (*risk.ResolvedEntity, error) {
			return c.Resolver.ApplyScore(ctx, e.Key, identity)
		})
		switch {
		case errors.Is(err, risk.ErrStaleScore):
			// A newer run already scored this entity; project its state as stored.
			c.Logger.WithFields(logrus.Fields{"entity": e.Key, "version": version}).Debug("Skipping stale score")
			if updated, err = c.Repository.FindEntity(ctx, e.Key); err != nil {
				return nil, &risk.PersistenceError{Op: "reload entity", Err: err}
			}
		case err != nil:
			return nil, err
		}
		scored[i] = updated
	}

	rec.EntityScores = entityScores
	txScore := c.Scorer.ScoreTransaction(rec.ID, entityScores, version)
	rec.Score = &txScore
	return scored, nil
}

// enter moves the record forward to status and checkpoints it. Entering a
// status the record has already passed is a no-op.
func (c *Coordinator) enter(ctx context.Context, rec *risk.TransactionRecord, status risk.Status) error {
	if rec.Status == status || !risk.CanTransition(rec.Status, status) {
		return nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return c.checkpoint(ctx, rec)
}

func (c *Coordinator) failRecord(ctx context.Context, rec *risk.TransactionRecord, stage risk.Stage, err error) error {
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = risk.StatusFailed
	rec.FailureReason = err.Error()
	rec.FailureStage = risk.StageOf(err, stage)
	rec.UpdatedAt = time.Now().UTC()
	metrics.RecordsTotal.WithLabelValues(string(risk.StatusFailed)).Inc()
	return c.checkpoint(ctx, rec)
}

// checkpoint saves the record, retrying transient repository failures.
func (c *Coordinator) checkpoint(ctx context.Context, rec *risk.TransactionRecord) error {
	snapshot := rec.Clone()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
		defer cancel()
		return struct{}{}, c.Repository.SaveRecord(cctx, snapshot)
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.cfg.MaxAttempts))
	if err != nil {
		return errors.Wrapf(err, "checkpoint record %s at %s", rec.ID, rec.Status)
	}
	return nil
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	return b
}

// retry runs op with a per-call timeout, retrying in place while the error
// is retryable and attempts remain.
func retry[T any](ctx context.Context, c *Coordinator, rec *risk.TransactionRecord, stage risk.Stage, op func(context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		c.countAttempt(rec, stage)
		cctx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
		defer cancel()

		v, err := op(cctx)
		if err != nil && !risk.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.StageRetries.WithLabelValues(string(stage)).Inc()
			c.Logger.WithError(err).WithFields(logrus.Fields{
				"record_id": rec.ID,
				"stage":     stage,
				"wait":      wait.String(),
			}).Warn("Retrying stage")
		}),
	)
}

func (c *Coordinator) countAttempt(rec *risk.TransactionRecord, stage risk.Stage) {
	c.attemptMutex.Lock()
	defer c.attemptMutex.Unlock()
	rec.Attempts[stage]++
}

package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/athapong/aio-risk/pkg/risk/review"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// EntityRepository is the persistent registry of resolved entities.
type EntityRepository interface {
	FindEntity(ctx context.Context, key string) (*risk.ResolvedEntity, error)
	SaveEntity(ctx context.Context, entity *risk.ResolvedEntity) error
}

// Resolver merges entity candidates into canonical entities. Work on one
// normalized name is serialized; unrelated names proceed in parallel.
type Resolver struct {
	repo    EntityRepository
	aliases *AliasTable
	sink    review.Sink
	locks   *risk.KeyLocks
	logger  *logrus.Logger
	now     func() time.Time
}

// New creates a resolver. aliases and sink may be nil.
func New(repo EntityRepository, aliases *AliasTable, sink review.Sink, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if aliases == nil {
		aliases = NewAliasTable()
	}
	return &Resolver{
		repo:    repo,
		aliases: aliases,
		sink:    sink,
		locks:   risk.NewKeyLocks(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Normalize returns the canonical normalized form of a name.
func (r *Resolver) Normalize(name string) string {
	return r.aliases.Canonical(risk.NormalizeName(name))
}

// Key returns the canonicalization key of a name and type.
func (r *Resolver) Key(name string, typ risk.EntityType) string {
	return risk.CanonicalKey(typ, r.Normalize(name))
}

type pending struct {
	candidate risk.EntityCandidate
	norm      string
	key       string
}

// Resolve registers every candidate of a record and returns the entities in
// candidate order with the record's entity references. A candidate whose name
// is already registered under an incompatible type fails the whole record
// with a ResolutionConflictError, which is also sent to the review sink.
func (r *Resolver) Resolve(ctx context.Context, rec *risk.TransactionRecord, candidates []risk.EntityCandidate) ([]*risk.ResolvedEntity, []risk.EntityRef, error) {
	items := make([]pending, 0, len(candidates))
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		norm := r.Normalize(c.Name)
		if norm == "" {
			continue
		}
		items = append(items, pending{candidate: c, norm: norm, key: risk.CanonicalKey(c.Type, norm)})
		names = append(names, norm)
	}

	release := r.locks.LockAll(names)
	defer release()

	if err := r.checkConflicts(ctx, rec, items); err != nil {
		return nil, nil, err
	}

	merged := make(map[string]*risk.ResolvedEntity, len(items))
	order := make([]string, 0, len(items))
	refs := make([]risk.EntityRef, 0, len(items))
	for _, it := range items {
		e, ok := merged[it.key]
		if !ok {
			var err error
			if e, err = r.load(ctx, it); err != nil {
				return nil, nil, err
			}
			merged[it.key] = e
			order = append(order, it.key)
			refs = append(refs, risk.EntityRef{EntityID: e.ID, Name: e.Name, Type: e.Type, Role: it.candidate.Role})
		}
		if it.candidate.Name != e.Name {
			e.Aliases.Add(it.candidate.Name)
		}
		e.Roles.Add(it.candidate.Role)
		if rec != nil {
			e.TransactionIDs.Add(rec.ID)
		}
		e.LastSeen = r.now()
	}

	out := make([]*risk.ResolvedEntity, 0, len(order))
	for _, key := range order {
		e := merged[key]
		if err := r.repo.SaveEntity(ctx, e); err != nil {
			return nil, nil, errors.Wrapf(err, "save entity %s", key)
		}
		out = append(out, e.Clone())
	}
	return out, refs, nil
}

func (r *Resolver) load(ctx context.Context, it pending) (*risk.ResolvedEntity, error) {
	e, err := r.repo.FindEntity(ctx, it.key)
	switch {
	case err == nil:
		return e, nil
	case errors.Is(err, risk.ErrNotFound):
		e = risk.NewResolvedEntity(it.key, it.candidate.Name, it.candidate.Type)
		e.FirstSeen = r.now()
		return e, nil
	default:
		return nil, errors.Wrapf(err, "find entity %s", it.key)
	}
}

func (r *Resolver) checkConflicts(ctx context.Context, rec *risk.TransactionRecord, items []pending) error {
	inRecord := make(map[string]risk.EntityType, len(items))
	for _, it := range items {
		typ := it.candidate.Type
		if prev, ok := inRecord[it.norm]; ok && !prev.Compatible(typ) {
			return r.conflict(ctx, rec, &risk.ResolutionConflictError{
				Name:         it.candidate.Name,
				Key:          it.key,
				ExistingType: prev,
				IncomingType: typ,
				ExistingID:   risk.EntityID(risk.CanonicalKey(prev, it.norm)),
			})
		}
		if _, ok := inRecord[it.norm]; !ok || typ != risk.EntityLocation {
			inRecord[it.norm] = typ
		}

		for _, other := range []risk.EntityType{risk.EntityIndividual, risk.EntityOrganization} {
			if typ.Compatible(other) {
				continue
			}
			existing, err := r.repo.FindEntity(ctx, risk.CanonicalKey(other, it.norm))
			if errors.Is(err, risk.ErrNotFound) {
				continue
			}
			if err != nil {
				return errors.Wrap(err, "check conflicting types")
			}
			return r.conflict(ctx, rec, &risk.ResolutionConflictError{
				Name:         it.candidate.Name,
				Key:          it.key,
				ExistingType: existing.Type,
				IncomingType: typ,
				ExistingID:   existing.ID,
			})
		}
	}
	return nil
}

func (r *Resolver) conflict(ctx context.Context, rec *risk.TransactionRecord, err *risk.ResolutionConflictError) error {
	metrics.ResolutionConflicts.Inc()
	fields := logrus.Fields{
		"name":          err.Name,
		"existing_type": err.ExistingType,
		"incoming_type": err.IncomingType,
	}
	if rec != nil {
		fields["record_id"] = rec.ID
	}
	r.logger.WithFields(fields).Warn("Entity resolution conflict")

	if r.sink != nil {
		if serr := r.sink.Submit(ctx, review.ConflictCase(rec, err)); serr != nil {
			r.logger.WithError(serr).WithFields(fields).Error("Failed to submit review case")
		}
	}
	return err
}

// Update applies fn to the stored entity under its key lock and saves the result.
func (r *Resolver) Update(ctx context.Context, key string, fn func(*risk.ResolvedEntity) error) (*risk.ResolvedEntity, error) {
	_, norm, _ := strings.Cut(key, "|")
	release := r.locks.LockAll([]string{norm})
	defer release()

	e, err := r.repo.FindEntity(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "find entity %s", key)
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	if err := r.repo.SaveEntity(ctx, e); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// MergeEnrichment folds a provider bundle into the entity. A degraded result
// never replaces a usable one from an earlier run.
func (r *Resolver) MergeEnrichment(ctx context.Context, key string, bundle risk.Bundle) (*risk.ResolvedEntity, error) {
	return r.Update(ctx, key, func(e *risk.ResolvedEntity) error {
		for provider, res := range bundle {
			if prev, ok := e.Enrichment[provider]; ok && prev.Status.Usable() && !res.Status.Usable() {
				continue
			}
			e.Enrichment[provider] = res
		}
		return nil
	})
}

// ApplyScore sets the entity's latest score unless a newer version is stored.
func (r *Resolver) ApplyScore(ctx context.Context, key string, score risk.RiskScore) (*risk.ResolvedEntity, error) {
	e, err := r.Update(ctx, key, func(e *risk.ResolvedEntity) error {
		if e.Score != nil && e.Score.Version > score.Version {
			return risk.ErrStaleScore
		}
		s := score.Clone()
		e.Score = &s
		return nil
	})
	if errors.Is(err, risk.ErrStaleScore) {
		metrics.StaleScores.Inc()
	}
	return e, err
}

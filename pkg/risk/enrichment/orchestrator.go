package enrichment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Provider looks up one kind of risk data for an entity. Lookup returns
// risk.ErrNotFound when the source has nothing on the entity.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error)
}

// ProviderConfig bounds a single provider's calls.
type ProviderConfig struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

type registered struct {
	provider Provider
	timeout  time.Duration
	limiter  *rate.Limiter
}

// Orchestrator fans an entity out to every registered provider and joins
// the outcomes into a bundle once all of them have finished.
type Orchestrator struct {
	mutex     sync.RWMutex
	providers []registered
	sem       *semaphore.Weighted
	flight    singleflight.Group
	logger    *logrus.Logger
}

// NewOrchestrator creates an orchestrator allowing maxEntities concurrent entity enrichments.
func NewOrchestrator(logger *logrus.Logger, maxEntities int64) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if maxEntities <= 0 {
		maxEntities = 8
	}
	return &Orchestrator{
		sem:    semaphore.NewWeighted(maxEntities),
		logger: logger,
	}
}

// Register adds a provider with its own timeout and rate limit.
func (o *Orchestrator) Register(p Provider, cfg ProviderConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	r := registered{provider: p, timeout: cfg.Timeout}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()
	for i, existing := range o.providers {
		if existing.provider.Name() == p.Name() {
			o.providers[i] = r
			return
		}
	}
	o.providers = append(o.providers, r)
}

// Providers returns the registered provider names in sorted order.
func (o *Orchestrator) Providers() []string {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	names := make([]string, 0, len(o.providers))
	for _, r := range o.providers {
		names = append(names, r.provider.Name())
	}
	sort.Strings(names)
	return names
}

// EnrichEntity enriches one canonical entity. Concurrent calls for the same
// key share one fan-out, and at most maxEntities fan-outs run at a time.
func (o *Orchestrator) EnrichEntity(ctx context.Context, key, name string, typ risk.EntityType) (risk.Bundle, error) {
	v, err, shared := o.flight.Do(key, func() (interface{}, error) {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer o.sem.Release(1)
		return o.Enrich(ctx, name, typ), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "waiting for enrichment slot")
	}
	if shared {
		metrics.CacheHits.WithLabelValues("enrichment_inflight").Inc()
	}

	bundle := v.(risk.Bundle)
	out := make(risk.Bundle, len(bundle))
	for k, r := range bundle {
		out[k] = r
	}
	return out, nil
}

// Enrich queries every provider in parallel and waits for all of them.
// A provider failure never short-circuits the others.
func (o *Orchestrator) Enrich(ctx context.Context, name string, typ risk.EntityType) risk.Bundle {
	o.mutex.RLock()
	providers := append([]registered(nil), o.providers...)
	o.mutex.RUnlock()

	results := make([]risk.EnrichmentResult, len(providers))
	var wg sync.WaitGroup
	for i, r := range providers {
		wg.Add(1)
		go func(i int, r registered) {
			defer wg.Done()
			results[i] = o.call(ctx, r, name, typ)
		}(i, r)
	}
	wg.Wait()

	bundle := make(risk.Bundle, len(results))
	for _, res := range results {
		bundle[res.Provider] = res
	}

	o.logger.WithFields(logrus.Fields{
		"entity":    name,
		"type":      typ,
		"providers": len(bundle),
	}).Debug("Enrichment completed")
	return bundle
}

type outcome struct {
	payload *risk.Payload
	err     error
}

func (o *Orchestrator) call(ctx context.Context, r registered, name string, typ risk.EntityType) risk.EnrichmentResult {
	providerName := r.provider.Name()
	start := time.Now()
	res := risk.EnrichmentResult{Provider: providerName, FetchedAt: start.UTC()}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	finish := func(status risk.EnrichmentStatus, err error) risk.EnrichmentResult {
		res.Status = status
		res.Latency = time.Since(start)
		if err != nil {
			res.Error = err.Error()
		}
		metrics.ProviderCalls.WithLabelValues(providerName, string(status)).Inc()
		metrics.ProviderLatency.WithLabelValues(providerName).Observe(res.Latency.Seconds())
		if status == risk.EnrichmentProviderError || status == risk.EnrichmentTimeout {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"provider": providerName,
				"entity":   name,
				"status":   status,
			}).Warn("Provider lookup degraded")
		}
		return res
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(cctx); err != nil {
			return finish(risk.EnrichmentTimeout, &risk.ProviderTimeout{Provider: providerName, After: r.timeout})
		}
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("provider panic: %v", p)}
			}
		}()
		payload, err := r.provider.Lookup(cctx, name, typ)
		ch <- outcome{payload: payload, err: err}
	}()

	select {
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return finish(risk.EnrichmentTimeout, &risk.ProviderTimeout{Provider: providerName, After: r.timeout})
		}
		return finish(risk.EnrichmentProviderError, &risk.ProviderError{Provider: providerName, Err: cctx.Err()})
	case out := <-ch:
		switch {
		case out.err == nil && out.payload != nil:
			res.Payload = *out.payload
			return finish(risk.EnrichmentSuccess, nil)
		case out.err == nil, errors.Is(out.err, risk.ErrNotFound):
			return finish(risk.EnrichmentNotFound, nil)
		case errors.Is(out.err, context.DeadlineExceeded):
			return finish(risk.EnrichmentTimeout, &risk.ProviderTimeout{Provider: providerName, After: r.timeout})
		default:
			return finish(risk.EnrichmentProviderError, &risk.ProviderError{Provider: providerName, Err: out.err})
		}
	}
}

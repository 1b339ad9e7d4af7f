// Package app assembles the risk pipeline from configuration. It owns every
// external connection and closes them in reverse order of opening.
package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/athapong/aio-risk/pkg/config"
	"github.com/athapong/aio-risk/pkg/risk/enrichment"
	"github.com/athapong/aio-risk/pkg/risk/pipeline"
	"github.com/athapong/aio-risk/pkg/risk/processors"
	"github.com/athapong/aio-risk/pkg/risk/projector"
	"github.com/athapong/aio-risk/pkg/risk/resolver"
	"github.com/athapong/aio-risk/pkg/risk/review"
	"github.com/athapong/aio-risk/pkg/risk/scoring"
	"github.com/athapong/aio-risk/pkg/risk/storage"
	"github.com/athapong/aio-risk/services"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type App struct {
	Config      *config.Config
	Logger      *logrus.Logger
	Coordinator *pipeline.Coordinator
	Sanctions   *enrichment.SanctionsList
	Reviews     review.Sink

	graph    storage.GraphStore
	memGraph *storage.MemoryGraphStore
	snapshot *storage.SnapshotStore
	closers  []func() error
}

// New opens the configured stores and providers and builds the coordinator.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *App, err error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	repo, err := a.openRepository()
	if err != nil {
		return nil, err
	}
	if err := a.openGraph(ctx); err != nil {
		return nil, err
	}
	vectors, embedder, err := a.openVectors(ctx)
	if err != nil {
		return nil, err
	}

	a.Sanctions = enrichment.NewSanctionsList()
	if path := cfg.Providers.Sanctions.ListPath; path != "" {
		entries, err := LoadSanctionsFile(path)
		if err != nil {
			return nil, err
		}
		a.Sanctions.Replace(entries)
		logger.WithFields(logrus.Fields{"path": path, "entries": len(entries)}).Info("Loaded sanctions list")
	}
	orch, err := a.providers()
	if err != nil {
		return nil, err
	}

	var aliases *resolver.AliasTable
	if path := cfg.Resolver.AliasesPath; path != "" {
		if aliases, err = resolver.LoadAliases(path); err != nil {
			return nil, err
		}
	}
	if a.Reviews, err = a.reviewSink(); err != nil {
		return nil, err
	}

	a.Coordinator, err = pipeline.New(ctx, pipeline.Deps{
		Repository: repo,
		Normalizer: processors.NewNormalizer(logger),
		Extractor:  processors.NewNLPProcessor(logger, cfg.Extraction.Timeout),
		Enricher:   orch,
		Resolver:   resolver.New(repo, aliases, a.Reviews, logger),
		Scorer:     scoring.New(cfg.Scoring, orch.Providers()...),
		Projector:  projector.New(a.graph, vectors, embedder, logger),
		Logger:     logger,
	}, cfg.Pipeline)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"repository": cfg.Storage.Repository.Driver,
		"graph":      cfg.Storage.Graph.Driver,
		"vector":     cfg.Storage.Vector.Driver,
		"providers":  orch.Providers(),
	}).Info("Risk pipeline ready")
	return a, nil
}

func (a *App) openRepository() (storage.Repository, error) {
	rc := a.Config.Storage.Repository
	if rc.Driver == "memory" || rc.Driver == "" {
		return storage.NewMemoryRepository(), nil
	}
	db, err := storage.OpenGorm(rc.Driver, rc.DSN)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql db")
	}
	a.closers = append(a.closers, sqlDB.Close)
	return storage.NewGormRepository(db), nil
}

func (a *App) openGraph(ctx context.Context) error {
	gc := a.Config.Storage.Graph
	if gc.Driver == "neo4j" {
		store, err := storage.NewNeo4jGraphStore(gc.URI, gc.Username, gc.Password, gc.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		a.graph = store
		return nil
	}

	a.memGraph = storage.NewMemoryGraphStore(a.Logger)
	a.graph = a.memGraph
	if gc.SnapshotPath == "" {
		return nil
	}
	a.snapshot = storage.NewSnapshotStore(gc.SnapshotPath)
	data, err := a.snapshot.Load(ctx)
	if err != nil {
		return err
	}
	return a.memGraph.Restore(ctx, data)
}

func (a *App) openVectors(ctx context.Context) (storage.VectorStore, projector.Embedder, error) {
	vc := a.Config.Storage.Vector

	var embedder projector.Embedder
	switch vc.Embedder {
	case "openai":
		embedder = projector.NewOpenAIEmbedder(services.NewOpenAIClient(vc.OpenAIKey, vc.OpenAIURL), vc.Model, vc.Dimensions)
	default:
		embedder = projector.NewHashEmbedder(vc.Dimensions)
	}

	if vc.Driver != "qdrant" {
		return storage.NewMemoryVectorStore(), embedder, nil
	}
	client, err := services.NewQdrantClient(vc.Host, vc.Port, vc.APIKey, vc.UseTLS)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, client.Close)
	store := storage.NewQdrantVectorStore(client, vc.Collection, uint64(embedder.Dimensions()))
	if err := store.EnsureCollection(ctx); err != nil {
		return nil, nil, err
	}
	return store, embedder, nil
}

func (a *App) providers() (*enrichment.Orchestrator, error) {
	pc := a.Config.Providers
	orch := enrichment.NewOrchestrator(a.Logger, pc.MaxConcurrentEntities)
	limits := func(s config.ProviderSettings) enrichment.ProviderConfig {
		return enrichment.ProviderConfig{Timeout: s.Timeout, RatePerSecond: s.RatePerSecond, Burst: s.Burst}
	}

	if pc.Sanctions.Enabled {
		orch.Register(enrichment.NewSanctionsProvider(a.Sanctions, pc.Sanctions.FuzzyThreshold), limits(pc.Sanctions.ProviderSettings))
	}
	if pc.Regulatory.Enabled {
		orch.Register(enrichment.NewRegulatoryProvider(enrichment.RegulatoryConfig{
			DataURL:    pc.Regulatory.DataURL,
			TickersURL: pc.Regulatory.TickersURL,
			UserAgent:  pc.Regulatory.UserAgent,
			Retries:    pc.Regulatory.Retries,
		}), limits(pc.Regulatory.ProviderSettings))
	}
	if pc.Media.Enabled {
		if pc.Media.SearchURL == "" {
			return nil, errors.New("providers.media.search_url is required when media is enabled")
		}
		orch.Register(enrichment.NewMediaProvider(enrichment.MediaConfig{
			SearchURL:     pc.Media.SearchURL,
			ItemSelector:  pc.Media.ItemSelector,
			TitleSelector: pc.Media.TitleSelector,
			Retries:       pc.Media.Retries,
		}), limits(pc.Media.ProviderSettings))
	}
	if pc.Legal.Enabled {
		orch.Register(enrichment.NewLegalProvider(enrichment.LegalConfig{
			BaseURL: pc.Legal.BaseURL,
			Token:   pc.Legal.Token,
			Retries: pc.Legal.Retries,
		}), limits(pc.Legal.ProviderSettings))
	}
	if pc.Profile.Enabled {
		orch.Register(enrichment.NewProfileProvider(enrichment.ProfileConfig{
			SearchURL: pc.Profile.SearchURL,
			EntityURL: pc.Profile.EntityURL,
			Retries:   pc.Profile.Retries,
		}), limits(pc.Profile.ProviderSettings))
	}
	if pc.Jurisdiction.Enabled {
		var geocoder enrichment.Geocoder
		if key := pc.Jurisdiction.GoogleMapsAPIKey; key != "" {
			client, err := services.NewGoogleMapsClient(key)
			if err != nil {
				return nil, err
			}
			geocoder = client
		}
		orch.Register(enrichment.NewJurisdictionProvider(geocoder, pc.Jurisdiction.HighRisk...), limits(pc.Jurisdiction.ProviderSettings))
	}
	return orch, nil
}

func (a *App) reviewSink() (review.Sink, error) {
	rc := a.Config.Review
	if rc.Driver != "jira" {
		return review.NewMemorySink(), nil
	}
	client, err := services.NewJiraClient(rc.JiraURL, rc.Username, rc.Token)
	if err != nil {
		return nil, err
	}
	return review.NewJiraSink(client.Issue, rc.ProjectKey, rc.IssueType, a.Logger), nil
}

// Deduper returns the configured delivery deduper and a function releasing it.
func (a *App) Deduper(ctx context.Context) (storage.Deduper, func() error, error) {
	dc := a.Config.Stream.Dedup
	if dc.Driver != "redis" {
		return storage.NewMemoryDeduper(), func() error { return nil }, nil
	}
	client, err := services.NewRedisClient(ctx, dc.Addr, dc.Password, dc.DB)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewRedisDeduper(client, dc.Prefix, dc.TTL), client.Close, nil
}

// Graph returns a snapshot of the in-memory graph. Neo4j deployments export
// from Neo4j itself.
func (a *App) Graph() (*storage.GraphData, error) {
	if a.memGraph == nil {
		return nil, errors.Errorf("graph export needs the memory graph driver, not %s", a.Config.Storage.Graph.Driver)
	}
	return a.memGraph.Snapshot(), nil
}

// SaveSnapshot writes the in-memory graph when a snapshot path is configured.
func (a *App) SaveSnapshot(ctx context.Context) error {
	if a.snapshot == nil || a.memGraph == nil {
		return nil
	}
	return a.snapshot.Save(ctx, a.memGraph.Snapshot())
}

// Close stops the coordinator, saves the graph snapshot and closes every
// connection. It returns the first error met.
func (a *App) Close(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if a.Coordinator != nil {
		keep(a.Coordinator.Shutdown(ctx))
	}
	keep(a.SaveSnapshot(ctx))
	keep(a.closeAll())
	return first
}

func (a *App) closeAll() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.WithError(err).Warn("Failed to close connection")
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}

// LoadSanctionsFile reads an OFAC SDN publication. Files ending in .csv are
// read as the SDN CSV; anything else as the SDN XML.
func LoadSanctionsFile(path string) ([]enrichment.SanctionsEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sanctions list %s", path)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return enrichment.LoadSDNCSV(f)
	}
	return enrichment.LoadSDNXML(f)
}

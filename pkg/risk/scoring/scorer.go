package scoring

import (
	"sort"
	"strings"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shopspring/decimal"
)

const (
	AggregateMax     = "max"
	AggregateAverage = "average"
	gapValue         = 0.5
)

// DefaultWeights are the factor weights before renormalization.
var DefaultWeights = map[string]float64{
	FactorSanctions:    0.35,
	FactorRegulatory:   0.15,
	FactorMedia:        0.15,
	FactorLegal:        0.15,
	FactorJurisdiction: 0.10,
	FactorAmount:       0.05,
	FactorCounterparty: 0.05,
	FactorNarrative:    0.05,
}

// Config tunes the scorer. Zero values take the defaults.
type Config struct {
	Weights         map[string]float64 `mapstructure:"weights"`
	SanctionsFloor  float64            `mapstructure:"sanctions_floor"`
	MediumThreshold float64            `mapstructure:"medium_threshold"`
	HighThreshold   float64            `mapstructure:"high_threshold"`
	HighAmount      float64            `mapstructure:"high_amount"`
	ElevatedAmount  float64            `mapstructure:"elevated_amount"`
	Aggregation     string             `mapstructure:"aggregation"`
}

func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights,
		SanctionsFloor:  0.85,
		MediumThreshold: 0.4,
		HighThreshold:   0.7,
		HighAmount:      1_000_000,
		ElevatedAmount:  100_000,
		Aggregation:     AggregateMax,
	}
}

// TxContext is what a transaction adds on top of an entity's own data.
type TxContext struct {
	Amount    decimal.Decimal
	Narrative string
	// Counterparties are the enrichment bundles of the other entities in the transaction.
	Counterparties []risk.Bundle
}

// Scorer turns enrichment bundles into explainable risk scores. It holds no
// mutable state and is safe for concurrent use.
type Scorer struct {
	cfg       Config
	weights   map[string]float64
	providers mapset.Set[string]
	high      decimal.Decimal
	elevated  decimal.Decimal
	now       func() time.Time
}

// New builds a scorer for the given configured providers. Provider factors
// for providers that are not configured are left out of the weight set.
func New(cfg Config, providers ...string) *Scorer {
	def := DefaultConfig()
	if cfg.SanctionsFloor <= 0 {
		cfg.SanctionsFloor = def.SanctionsFloor
	}
	if cfg.MediumThreshold <= 0 {
		cfg.MediumThreshold = def.MediumThreshold
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = def.HighThreshold
	}
	if cfg.HighAmount <= 0 {
		cfg.HighAmount = def.HighAmount
	}
	if cfg.ElevatedAmount <= 0 {
		cfg.ElevatedAmount = def.ElevatedAmount
	}
	if cfg.Aggregation = strings.ToLower(cfg.Aggregation); cfg.Aggregation != AggregateAverage {
		cfg.Aggregation = AggregateMax
	}

	weights := make(map[string]float64, len(DefaultWeights))
	for k, v := range DefaultWeights {
		weights[k] = v
	}
	for k, v := range cfg.Weights {
		weights[strings.ToLower(k)] = v
	}

	return &Scorer{
		cfg:       cfg,
		weights:   weights,
		providers: mapset.NewSet[string](providers...),
		high:      decimal.NewFromFloat(cfg.HighAmount),
		elevated:  decimal.NewFromFloat(cfg.ElevatedAmount),
		now:       time.Now,
	}
}

func (s *Scorer) Config() Config { return s.cfg }

// ScoreEntity scores one entity. A nil tx yields the identity-level score,
// which depends only on the entity's enrichment.
func (s *Scorer) ScoreEntity(e *risk.ResolvedEntity, tx *TxContext, version uint64) risk.RiskScore {
	var (
		factors []risk.Factor
		gap     float64
		missing []string
	)

	for _, name := range providerFactors {
		w := s.weights[name]
		if w <= 0 || !s.providers.Contains(name) || !applies(name, e.Type) {
			continue
		}
		res, ok := e.Enrichment[name]
		if !ok || !res.Status.Usable() {
			gap += w
			missing = append(missing, name)
			continue
		}
		factors = append(factors, risk.Factor{Name: name, Weight: w, Raw: providerRaw(name, res), Source: string(res.Status)})
	}

	if tx != nil {
		if w := s.weights[FactorAmount]; w > 0 {
			factors = append(factors, risk.Factor{Name: FactorAmount, Weight: w, Raw: amountRaw(tx.Amount, s.high, s.elevated), Source: tx.Amount.String()})
		}
		if w := s.weights[FactorNarrative]; w > 0 && strings.TrimSpace(tx.Narrative) != "" {
			factors = append(factors, risk.Factor{Name: FactorNarrative, Weight: w, Raw: narrativeRaw(tx.Narrative)})
		}
		if w := s.weights[FactorCounterparty]; w > 0 && len(tx.Counterparties) > 0 {
			exposure := 0.0
			for _, b := range tx.Counterparties {
				exposure = max(exposure, SanctionsRaw(b))
			}
			factors = append(factors, risk.Factor{Name: FactorCounterparty, Weight: w, Raw: exposure})
		}
	}

	if gap > 0 {
		factors = append(factors, risk.Factor{Name: FactorDataGap, Weight: gap, Raw: gapValue, Source: strings.Join(missing, ",")})
	}

	total := 0.0
	for _, f := range factors {
		total += f.Weight
	}
	value := 0.0
	if total > 0 {
		for i := range factors {
			factors[i].Weight /= total
			factors[i].Contribution = factors[i].Weight * factors[i].Raw
			value += factors[i].Contribution
		}
	}
	value = clamp(value)

	score := risk.RiskScore{
		EntityID:   e.ID,
		Factors:    factors,
		Version:    version,
		ComputedAt: s.now().UTC(),
	}
	if s.providers.Contains(FactorSanctions) && applies(FactorSanctions, e.Type) && exactSanctions(e.Enrichment) {
		score.FloorApplied = true
		value = max(value, s.cfg.SanctionsFloor)
	}
	score.Value = value
	score.Level = risk.LevelFor(value, s.cfg.MediumThreshold, s.cfg.HighThreshold)
	return score
}

// ScoreTransaction aggregates per-entity scores of one transaction. Each
// entity appears as a factor whose weight reflects the aggregation policy.
func (s *Scorer) ScoreTransaction(txID string, entityScores []risk.RiskScore, version uint64) risk.RiskScore {
	score := risk.RiskScore{
		TransactionID: txID,
		Version:       version,
		Aggregation:   s.cfg.Aggregation,
		ComputedAt:    s.now().UTC(),
		Factors:       []risk.Factor{},
	}
	if len(entityScores) == 0 {
		score.Level = risk.LevelLow
		return score
	}

	ordered := append([]risk.RiskScore(nil), entityScores...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].EntityID < ordered[j].EntityID })

	top := 0
	sum := 0.0
	for i, es := range ordered {
		sum += es.Value
		if es.Value > ordered[top].Value {
			top = i
		}
		score.FloorApplied = score.FloorApplied || es.FloorApplied
	}

	for i, es := range ordered {
		f := risk.Factor{Name: "entity", Raw: es.Value, Source: es.EntityID}
		switch s.cfg.Aggregation {
		case AggregateAverage:
			f.Weight = 1 / float64(len(ordered))
		default:
			if i == top {
				f.Weight = 1
			}
		}
		f.Contribution = f.Weight * f.Raw
		score.Factors = append(score.Factors, f)
	}

	if s.cfg.Aggregation == AggregateAverage {
		score.Value = sum / float64(len(ordered))
	} else {
		score.Value = ordered[top].Value
	}
	score.Level = risk.LevelFor(score.Value, s.cfg.MediumThreshold, s.cfg.HighThreshold)
	return score
}

package scoring

import (
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shopspring/decimal"
)

// Factor names. Provider factors share the provider's registered name.
const (
	FactorSanctions    = "sanctions"
	FactorRegulatory   = "regulatory"
	FactorMedia        = "media"
	FactorLegal        = "legal"
	FactorJurisdiction = "jurisdiction"
	FactorAmount       = "amount"
	FactorCounterparty = "counterparty_exposure"
	FactorNarrative    = "narrative"
	FactorDataGap      = "data_gap"
)

// providerFactors is the evaluation order of provider-backed factors.
var providerFactors = []string{FactorSanctions, FactorRegulatory, FactorMedia, FactorLegal, FactorJurisdiction}

var suspiciousTerms = mapset.NewSet[string]("urgent", "missing", "linked", "intermediary", "shell", "offshore", "cash", "split")

// applies reports whether a provider factor is meaningful for an entity type.
func applies(factor string, typ risk.EntityType) bool {
	switch factor {
	case FactorRegulatory:
		return typ == risk.EntityOrganization
	case FactorJurisdiction:
		return typ == risk.EntityLocation
	default:
		return typ != risk.EntityLocation
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// SanctionsRaw is the sanctions factor value of a bundle, 0 when absent or unusable.
func SanctionsRaw(b risk.Bundle) float64 {
	res, ok := b[FactorSanctions]
	if !ok || res.Status != risk.EnrichmentSuccess || res.Sanctions == nil {
		return 0
	}
	switch res.Sanctions.MatchType {
	case risk.MatchExact:
		return 1
	case risk.MatchFuzzy:
		return clamp(0.6 * res.Sanctions.Confidence)
	default:
		return 0
	}
}

func exactSanctions(b risk.Bundle) bool {
	res, ok := b[FactorSanctions]
	return ok && res.Status == risk.EnrichmentSuccess && res.Sanctions != nil && res.Sanctions.MatchType == risk.MatchExact
}

// providerRaw maps a usable provider result to its factor value.
func providerRaw(factor string, res risk.EnrichmentResult) float64 {
	switch factor {
	case FactorSanctions:
		return SanctionsRaw(risk.Bundle{FactorSanctions: res})
	case FactorRegulatory:
		reg := res.Regulatory
		switch {
		case res.Status == risk.EnrichmentNotFound || reg == nil:
			return 0.2
		case reg.DelinquentFilings > 0:
			return 0.6
		case !reg.Active:
			return 0.4
		default:
			return 0.05
		}
	case FactorMedia:
		m := res.Media
		if res.Status == risk.EnrichmentNotFound || m == nil || m.Articles == 0 {
			return 0
		}
		return clamp(0.5*max(0, -m.Sentiment) + 0.5*min(1, float64(m.NegativeHits)/10))
	case FactorLegal:
		l := res.Legal
		if res.Status == risk.EnrichmentNotFound || l == nil {
			return 0
		}
		return clamp(0.25*float64(l.SuedCases) + 0.15*float64(l.OngoingCases) + 0.02*float64(l.TotalCases))
	case FactorJurisdiction:
		if res.Jurisdiction != nil && res.Jurisdiction.HighRisk {
			return 1
		}
		return 0.1
	}
	return 0
}

func amountRaw(amount, high, elevated decimal.Decimal) float64 {
	a := amount.Abs()
	switch {
	case a.GreaterThanOrEqual(high):
		return 1
	case a.GreaterThanOrEqual(elevated):
		return 0.5
	default:
		return 0.1
	}
}

func narrativeRaw(text string) float64 {
	hits := 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if suspiciousTerms.Contains(strings.Trim(w, ".,;:!?\"'()")) {
			hits++
		}
	}
	return clamp(0.25 * float64(hits))
}

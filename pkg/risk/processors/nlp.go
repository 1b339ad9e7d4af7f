package processors

import (
	"context"
	"iter"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jdkato/prose/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ModelVersion identifies the extraction rules. Output is deterministic for a given version.
const ModelVersion = "prose-v2+rules-3"

const (
	sourcePriorityField = iota
	sourcePriorityAddress
	sourcePriorityText
)

var (
	orgPattern = regexp.MustCompile(`\b((?:[A-Z][\w&'.-]*\s+){0,4}(?:Corp(?:oration)?|Inc(?:orporated)?|LLC|Ltd|Limited|GmbH|PLC|Holdings|Group|Bank|Trust|Partners|Company|Co)\b\.?)`)
	orgSuffix  = regexp.MustCompile(`(?i)\b(corp(oration)?|inc(orporated)?|llc|ltd|limited|gmbh|plc|s\.?a\.?|holdings|group|bank|trust|partners|company|co|foundation|fund|capital|ventures|enterprises|industries|trading)\.?$`)

	payerCues        = []string{"from ", "sent by ", "paid by ", "originated by ", "on behalf of "}
	receiverCues     = []string{"to ", "beneficiary ", "paid to ", "in favour of ", "in favor of "}
	intermediaryCues = []string{"via ", "through ", "intermediary ", "routed through "}
)

// NLPProcessor extracts entity candidates from a transaction using prose
// named-entity recognition plus structured party fields and name patterns.
type NLPProcessor struct {
	logger  *logrus.Logger
	timeout time.Duration
}

// NewNLPProcessor creates a new NLP processor
func NewNLPProcessor(logger *logrus.Logger, timeout time.Duration) *NLPProcessor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &NLPProcessor{
		logger:  logger,
		timeout: timeout,
	}
}

type ranked struct {
	risk.EntityCandidate
	priority int
	order    int
}

// Extract returns the candidates of one record as a finite, restartable sequence.
func (p *NLPProcessor) Extract(ctx context.Context, rec *risk.TransactionRecord) (iter.Seq[risk.EntityCandidate], error) {
	timer := prometheus.NewTimer(metrics.StageDuration.WithLabelValues(string(risk.StageExtract)))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		cands []risk.EntityCandidate
		err   error
	}
	done := make(chan result, 1)
	go func() {
		cands, err := p.extract(rec)
		done <- result{cands, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &risk.ExtractionError{RecordID: rec.ID, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			p.logger.WithError(r.err).WithField("record_id", rec.ID).Error("Entity extraction failed")
			return nil, &risk.ExtractionError{RecordID: rec.ID, Err: r.err}
		}
		p.logger.WithFields(logrus.Fields{
			"record_id":     rec.ID,
			"entities":      len(r.cands),
			"model_version": ModelVersion,
		}).Debug("Entity extraction completed")
		return slices.Values(r.cands), nil
	}
}

func (p *NLPProcessor) extract(rec *risk.TransactionRecord) ([]risk.EntityCandidate, error) {
	var found []ranked
	add := func(c risk.EntityCandidate, priority int) {
		if strings.TrimSpace(c.Name) == "" {
			return
		}
		found = append(found, ranked{EntityCandidate: c, priority: priority, order: len(found)})
	}

	parties := []struct {
		party  risk.Party
		role   risk.Role
		source string
	}{
		{rec.Sender, risk.RolePayer, "field:sender"},
		{rec.Receiver, risk.RoleReceiver, "field:receiver"},
	}
	for _, im := range rec.Intermediaries {
		parties = append(parties, struct {
			party  risk.Party
			role   risk.Role
			source string
		}{im, risk.RoleIntermediary, "field:intermediary"})
	}

	for _, pt := range parties {
		if pt.party.Name != "" {
			start := strings.Index(rec.RawText, pt.party.Name)
			add(risk.EntityCandidate{
				Name:   pt.party.Name,
				Type:   ClassifyName(pt.party.Name),
				Role:   pt.role,
				Start:  start,
				End:    start + len(pt.party.Name),
				Source: pt.source,
			}, sourcePriorityField)
		}
		if loc := addressLocation(pt.party.Address); loc != "" {
			start := strings.Index(rec.RawText, loc)
			add(risk.EntityCandidate{
				Name:   loc,
				Type:   risk.EntityLocation,
				Role:   pt.role,
				Start:  start,
				End:    start + len(loc),
				Source: pt.source + ":address",
			}, sourcePriorityAddress)
		}
	}

	text := rec.Notes
	if rec.Sender.Empty() && rec.Receiver.Empty() && len(rec.Intermediaries) == 0 && text == "" {
		text = rec.RawText
	}
	if strings.TrimSpace(text) != "" {
		mentions, err := p.textMentions(text)
		if err != nil {
			return nil, err
		}
		for _, m := range mentions {
			add(m, sourcePriorityText)
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.priority == sourcePriorityText && a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.Name < b.Name
	})

	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]risk.EntityCandidate, 0, len(found))
	for _, c := range found {
		norm := risk.NormalizeName(c.Name)
		if norm == "" || seen.Contains(norm) {
			continue
		}
		seen.Add(norm)
		out = append(out, c.EntityCandidate)
		metrics.EntitiesExtracted.WithLabelValues(string(c.Type), c.Source).Inc()
	}
	return out, nil
}

// textMentions runs NER and organization patterns over free text.
func (p *NLPProcessor) textMentions(text string) ([]risk.EntityCandidate, error) {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create prose document")
	}

	var mentions []risk.EntityCandidate
	var orgSpans [][2]int

	for _, m := range orgPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		name := strings.TrimSpace(strings.TrimSuffix(text[start:end], "."))
		start = start + strings.Index(text[start:end], name)
		orgSpans = append(orgSpans, [2]int{start, start + len(name)})
		mentions = append(mentions, risk.EntityCandidate{
			Name:   name,
			Type:   risk.EntityOrganization,
			Role:   roleFromContext(text, start),
			Start:  start,
			End:    start + len(name),
			Source: "pattern",
		})
	}

	cursor := 0
	for _, ent := range doc.Entities() {
		typ, ok := nerType(ent.Label)
		if !ok {
			continue
		}
		start := strings.Index(text[cursor:], ent.Text)
		if start < 0 {
			start = strings.Index(text, ent.Text)
		} else {
			start += cursor
			cursor = start + len(ent.Text)
		}
		if start < 0 || overlaps(orgSpans, start, start+len(ent.Text)) {
			continue
		}
		if typ == risk.EntityIndividual {
			if _, isCountry := risk.CountryCode(ent.Text); isCountry {
				typ = risk.EntityLocation
			}
		}
		mentions = append(mentions, risk.EntityCandidate{
			Name:   ent.Text,
			Type:   typ,
			Role:   roleFromContext(text, start),
			Start:  start,
			End:    start + len(ent.Text),
			Source: "ner",
		})
	}

	for name := range risk.Countries {
		idx := indexFold(text, name)
		if idx < 0 || overlaps(orgSpans, idx, idx+len(name)) {
			continue
		}
		mentions = append(mentions, risk.EntityCandidate{
			Name:   text[idx : idx+len(name)],
			Type:   risk.EntityLocation,
			Role:   roleFromContext(text, idx),
			Start:  idx,
			End:    idx + len(name),
			Source: "gazetteer",
		})
	}

	sort.SliceStable(mentions, func(i, j int) bool {
		if mentions[i].Start != mentions[j].Start {
			return mentions[i].Start < mentions[j].Start
		}
		if len(mentions[i].Name) != len(mentions[j].Name) {
			return len(mentions[i].Name) > len(mentions[j].Name)
		}
		return mentions[i].Name < mentions[j].Name
	})

	var accepted [][2]int
	kept := mentions[:0]
	for _, m := range mentions {
		if overlaps(accepted, m.Start, m.End) {
			continue
		}
		accepted = append(accepted, [2]int{m.Start, m.End})
		kept = append(kept, m)
	}
	return kept, nil
}

// ClassifyName guesses the entity type of a structured party name.
func ClassifyName(name string) risk.EntityType {
	trimmed := strings.TrimSpace(name)
	if orgSuffix.MatchString(trimmed) {
		return risk.EntityOrganization
	}
	if _, ok := risk.CountryCode(trimmed); ok {
		return risk.EntityLocation
	}
	return risk.EntityIndividual
}

func nerType(label string) (risk.EntityType, bool) {
	switch label {
	case "PERSON":
		return risk.EntityIndividual, true
	case "GPE":
		return risk.EntityLocation, true
	case "ORG":
		return risk.EntityOrganization, true
	}
	return "", false
}

func roleFromContext(text string, start int) risk.Role {
	from := start - 30
	if from < 0 {
		from = 0
	}
	window := strings.ToLower(text[from:start])

	best, role := -1, risk.RoleIntermediary
	for _, cues := range []struct {
		words []string
		role  risk.Role
	}{
		{intermediaryCues, risk.RoleIntermediary},
		{payerCues, risk.RolePayer},
		{receiverCues, risk.RoleReceiver},
	} {
		for _, w := range cues.words {
			if i := strings.LastIndex(window, w); i > best {
				best, role = i, cues.role
			}
		}
	}
	return role
}

// addressLocation returns the trailing country of an address when it is a known one.
func addressLocation(address string) string {
	if address == "" {
		return ""
	}
	parts := strings.Split(address, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		seg := strings.TrimSpace(parts[i])
		if _, ok := risk.CountryCode(seg); ok {
			return seg
		}
	}
	return ""
}

func overlaps(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && end > s[0] {
			return true
		}
	}
	return false
}

func indexFold(text, word string) int {
	lower := strings.ToLower(text)
	offset := 0
	for {
		i := strings.Index(lower[offset:], word)
		if i < 0 {
			return -1
		}
		i += offset
		end := i + len(word)
		if (i == 0 || !isWordByte(lower[i-1])) && (end == len(lower) || !isWordByte(lower[end])) {
			return i
		}
		offset = i + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

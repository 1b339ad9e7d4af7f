package enrichment

import (
	"context"
	"encoding/csv"
	"encoding/xml"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	SanctionsProviderName = "sanctions"
	defaultFuzzyThreshold = 0.85
	maxFuzzyEntries       = 5
)

// SanctionsEntry is one listed party.
type SanctionsEntry struct {
	UID       string   `json:"uid"`
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	Type      string   `json:"type"`
	Programs  []string `json:"programs,omitempty"`
	ListName  string   `json:"list_name"`
	Addresses []string `json:"addresses,omitempty"`
}

func (e SanctionsEntry) compatible(typ risk.EntityType) bool {
	switch strings.ToLower(e.Type) {
	case "individual":
		return typ == risk.EntityIndividual
	case "":
		return true
	default:
		return typ == risk.EntityOrganization
	}
}

type indexedName struct {
	entry int
	name  string
	norm  string
}

// SanctionsList is an in-memory index over sanctions entries, safe for concurrent use.
type SanctionsList struct {
	mutex   sync.RWMutex
	entries []SanctionsEntry
	names   []indexedName
	exact   map[string][]int
}

func NewSanctionsList(entries ...SanctionsEntry) *SanctionsList {
	l := &SanctionsList{}
	l.Replace(entries)
	return l
}

// Replace swaps the whole list atomically.
func (l *SanctionsList) Replace(entries []SanctionsEntry) {
	names := make([]indexedName, 0, len(entries))
	exact := make(map[string][]int)

	for i, e := range entries {
		for _, n := range append([]string{e.Name}, e.Aliases...) {
			norm := risk.NormalizeName(n)
			if norm == "" {
				continue
			}
			names = append(names, indexedName{entry: i, name: n, norm: norm})
			exact[norm] = append(exact[norm], i)
		}
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.entries = append([]SanctionsEntry(nil), entries...)
	l.names = names
	l.exact = exact
}

func (l *SanctionsList) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.entries)
}

// SanctionsProvider screens names against a SanctionsList. Only an exact
// normalized name or alias match marks an entity as sanctioned;
// similar names are reported as FUZZY with their confidence.
type SanctionsProvider struct {
	list      *SanctionsList
	threshold float64
	dmp       *diffmatchpatch.DiffMatchPatch
}

func NewSanctionsProvider(list *SanctionsList, threshold float64) *SanctionsProvider {
	if threshold <= 0 || threshold > 1 {
		threshold = defaultFuzzyThreshold
	}
	return &SanctionsProvider{list: list, threshold: threshold, dmp: diffmatchpatch.New()}
}

func (p *SanctionsProvider) Name() string { return SanctionsProviderName }

func (p *SanctionsProvider) Lookup(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
	if typ == risk.EntityLocation {
		return nil, risk.ErrNotFound
	}
	norm := risk.NormalizeName(name)
	if norm == "" {
		return nil, risk.ErrNotFound
	}

	p.list.mutex.RLock()
	defer p.list.mutex.RUnlock()

	var hits []int
	for _, idx := range p.list.exact[norm] {
		if p.list.entries[idx].compatible(typ) {
			hits = append(hits, idx)
		}
	}
	if len(hits) > 0 {
		match := &risk.SanctionsMatch{Sanctioned: true, MatchType: risk.MatchExact, Confidence: 1.0}
		for _, idx := range hits {
			match.ListEntries = append(match.ListEntries, listEntry(p.list.entries[idx], p.list.entries[idx].Name, risk.MatchExact, 1.0))
		}
		return &risk.Payload{Sanctions: match}, nil
	}

	type scored struct {
		entry int
		name  string
		score float64
	}
	best := map[int]scored{}
	for i, n := range p.list.names {
		if i%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !p.list.entries[n.entry].compatible(typ) || !lengthWithin(norm, n.norm, p.threshold) {
			continue
		}
		s := p.similarity(norm, n.norm)
		if s >= p.threshold && s > best[n.entry].score {
			best[n.entry] = scored{entry: n.entry, name: n.name, score: s}
		}
	}
	if len(best) == 0 {
		return nil, risk.ErrNotFound
	}

	ranked := make([]scored, 0, len(best))
	for _, s := range best {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return p.list.entries[ranked[i].entry].UID < p.list.entries[ranked[j].entry].UID
	})
	if len(ranked) > maxFuzzyEntries {
		ranked = ranked[:maxFuzzyEntries]
	}

	match := &risk.SanctionsMatch{MatchType: risk.MatchFuzzy, Confidence: ranked[0].score}
	for _, s := range ranked {
		match.ListEntries = append(match.ListEntries, listEntry(p.list.entries[s.entry], s.name, risk.MatchFuzzy, s.score))
	}
	return &risk.Payload{Sanctions: match}, nil
}

// similarity is 1 minus the Levenshtein distance over the longer length.
func (p *SanctionsProvider) similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	diffs := p.dmp.DiffMain(a, b, false)
	return 1 - float64(p.dmp.DiffLevenshtein(diffs))/float64(longest)
}

func lengthWithin(a, b string, threshold float64) bool {
	la, lb := len(a), len(b)
	if la > lb {
		la, lb = lb, la
	}
	if lb == 0 {
		return false
	}
	return float64(la)/float64(lb) >= threshold
}

func listEntry(e SanctionsEntry, matched string, mt risk.MatchType, confidence float64) risk.ListEntry {
	return risk.ListEntry{
		UID:         e.UID,
		ListName:    e.ListName,
		EntryType:   e.Type,
		Programs:    append([]string(nil), e.Programs...),
		MatchedName: matched,
		MatchType:   mt,
		Confidence:  confidence,
	}
}

type sdnFile struct {
	Entries []sdnEntry `xml:"sdnEntry"`
}

type sdnName struct {
	FirstName string `xml:"firstName"`
	LastName  string `xml:"lastName"`
}

func (n sdnName) full() string {
	return strings.TrimSpace(strings.TrimSpace(n.FirstName) + " " + strings.TrimSpace(n.LastName))
}

type sdnEntry struct {
	UID       string    `xml:"uid"`
	FirstName string    `xml:"firstName"`
	LastName  string    `xml:"lastName"`
	SDNType   string    `xml:"sdnType"`
	Programs  []string  `xml:"programList>program"`
	Akas      []sdnName `xml:"akaList>aka"`
	Addresses []struct {
		City    string `xml:"city"`
		Country string `xml:"country"`
	} `xml:"addressList>address"`
}

// LoadSDNXML reads the OFAC Specially Designated Nationals XML publication.
func LoadSDNXML(r io.Reader) ([]SanctionsEntry, error) {
	var f sdnFile
	if err := xml.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode SDN XML")
	}

	entries := make([]SanctionsEntry, 0, len(f.Entries))
	for _, e := range f.Entries {
		entry := SanctionsEntry{
			UID:      strings.TrimSpace(e.UID),
			Name:     sdnName{FirstName: e.FirstName, LastName: e.LastName}.full(),
			Type:     strings.TrimSpace(e.SDNType),
			Programs: e.Programs,
			ListName: "OFAC SDN",
		}
		for _, aka := range e.Akas {
			if n := aka.full(); n != "" {
				entry.Aliases = append(entry.Aliases, n)
			}
		}
		for _, a := range e.Addresses {
			if addr := strings.Trim(strings.TrimSpace(a.City)+", "+strings.TrimSpace(a.Country), ", "); addr != "" {
				entry.Addresses = append(entry.Addresses, addr)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LoadSDNCSV reads the OFAC sdn.csv layout: ent_num, SDN_Name, SDN_Type, Program, ...
func LoadSDNCSV(r io.Reader) ([]SanctionsEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var entries []SanctionsEntry
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode SDN CSV")
		}
		if len(row) < 4 || strings.TrimSpace(row[1]) == "" {
			continue
		}
		entry := SanctionsEntry{
			UID:      strings.TrimSpace(row[0]),
			Name:     sdnCSVName(row[1]),
			Type:     sdnCSVField(row[2]),
			ListName: "OFAC SDN",
		}
		if entry.Type == "" {
			entry.Type = "entity"
		}
		for _, prog := range strings.Split(strings.ReplaceAll(sdnCSVField(row[3]), "] [", ";"), ";") {
			if prog = strings.Trim(strings.TrimSpace(prog), "[]"); prog != "" {
				entry.Programs = append(entry.Programs, prog)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func sdnCSVField(s string) string {
	s = strings.TrimSpace(s)
	if s == "-0-" {
		return ""
	}
	return s
}

// sdnCSVName turns "LAST, First" into "First LAST".
func sdnCSVName(s string) string {
	s = sdnCSVField(s)
	if last, first, ok := strings.Cut(s, ", "); ok {
		return strings.TrimSpace(first) + " " + strings.TrimSpace(last)
	}
	return s
}

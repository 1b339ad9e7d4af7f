package risk

import (
	"encoding/json"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a TransactionRecord.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusExtracting Status = "EXTRACTING"
	StatusEnriching  Status = "ENRICHING"
	StatusScoring    Status = "SCORING"
	StatusPersisting Status = "PERSISTING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusExtracting: 1,
	StatusEnriching:  2,
	StatusScoring:    3,
	StatusPersisting: 4,
	StatusCompleted:  5,
	StatusFailed:     6,
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a record may move from one status to another.
// Only forward moves are legal and FAILED is reachable from any non-terminal status.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Stage names a unit of pipeline work, used to attribute failures.
type Stage string

const (
	StageNormalize Stage = "NORMALIZE"
	StageExtract   Stage = "EXTRACT"
	StageResolve   Stage = "RESOLVE"
	StageEnrich    Stage = "ENRICH"
	StageScore     Stage = "SCORE"
	StagePersist   Stage = "PERSIST"
	StageSchedule  Stage = "SCHEDULE"
)

// EntityType classifies a named entity.
type EntityType string

const (
	EntityIndividual   EntityType = "INDIVIDUAL"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityLocation     EntityType = "LOCATION"
)

// Compatible reports whether two types may share a normalized name without conflict.
func (t EntityType) Compatible(other EntityType) bool {
	if t == other || t == EntityLocation || other == EntityLocation {
		return true
	}
	return false
}

// Role is the part an entity plays in one transaction.
type Role string

const (
	RolePayer        Role = "PAYER"
	RoleReceiver     Role = "RECEIVER"
	RoleIntermediary Role = "INTERMEDIARY"
)

// Format is the declared format of an ingested file.
type Format string

const (
	FormatJSON  Format = "JSON"
	FormatCSV   Format = "CSV"
	FormatExcel Format = "EXCEL"
	FormatXML   Format = "XML"
	FormatPDF   Format = "PDF"
	FormatTXT   Format = "TXT"
	FormatHTML  Format = "HTML"
)

// Party is a structured participant copied from the source row.
type Party struct {
	Name    string `json:"name,omitempty"`
	Account string `json:"account,omitempty"`
	Address string `json:"address,omitempty"`
}

// Empty reports whether the party carries no usable data.
func (p Party) Empty() bool {
	return p.Name == "" && p.Account == "" && p.Address == ""
}

// EntityRef links a record to a resolved entity with its transaction-scoped role.
type EntityRef struct {
	EntityID string     `json:"entity_id"`
	Name     string     `json:"name"`
	Type     EntityType `json:"type"`
	Role     Role       `json:"role"`
}

// TransactionRecord is one logical transaction extracted from a file.
type TransactionRecord struct {
	ID             string            `json:"id"`
	JobID          string            `json:"job_id"`
	SourceID       string            `json:"source_id,omitempty"`
	RowIndex       int               `json:"row_index"`
	RawText        string            `json:"raw_text"`
	Fields         map[string]string `json:"fields,omitempty"`
	Sender         Party             `json:"sender"`
	Receiver       Party             `json:"receiver"`
	Intermediaries []Party           `json:"intermediaries,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency,omitempty"`
	Date           string            `json:"date,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	Entities       []EntityRef       `json:"entities,omitempty"`
	EntityScores   []RiskScore       `json:"entity_scores,omitempty"`
	Score          *RiskScore        `json:"score,omitempty"`
	Status         Status            `json:"status"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	FailureStage   Stage             `json:"failure_stage,omitempty"`
	Attempts       map[Stage]int     `json:"attempts,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with r.
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	c.Intermediaries = append([]Party(nil), r.Intermediaries...)
	c.Entities = append([]EntityRef(nil), r.Entities...)
	c.EntityScores = make([]RiskScore, 0, len(r.EntityScores))
	for _, s := range r.EntityScores {
		c.EntityScores = append(c.EntityScores, s.Clone())
	}
	if r.Score != nil {
		s := r.Score.Clone()
		c.Score = &s
	}
	if r.Attempts != nil {
		c.Attempts = make(map[Stage]int, len(r.Attempts))
		for k, v := range r.Attempts {
			c.Attempts[k] = v
		}
	}
	return &c
}

// EntityCandidate is a raw mention produced by the extractor.
type EntityCandidate struct {
	Name   string     `json:"name"`
	Type   EntityType `json:"type"`
	Role   Role       `json:"role"`
	Start  int        `json:"start"`
	End    int        `json:"end"`
	Source string     `json:"source"`
}

// EntityID derives the stable identifier of a canonicalization key.
func EntityID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("entity:"+key)).String()
}

// ResolvedEntity is the canonical deduplicated identity behind one or more candidates.
type ResolvedEntity struct {
	ID             string
	Key            string
	Name           string
	Type           EntityType
	Aliases        mapset.Set[string]
	Roles          mapset.Set[Role]
	Enrichment     Bundle
	Score          *RiskScore
	TransactionIDs mapset.Set[string]
	FirstSeen      time.Time
	LastSeen       time.Time
}

// NewResolvedEntity builds an empty entity for a canonicalization key.
func NewResolvedEntity(key, name string, typ EntityType) *ResolvedEntity {
	now := time.Now().UTC()
	return &ResolvedEntity{
		ID:             EntityID(key),
		Key:            key,
		Name:           name,
		Type:           typ,
		Aliases:        mapset.NewSet[string](),
		Roles:          mapset.NewSet[Role](),
		Enrichment:     Bundle{},
		TransactionIDs: mapset.NewSet[string](),
		FirstSeen:      now,
		LastSeen:       now,
	}
}

type resolvedEntityJSON struct {
	ID             string     `json:"id"`
	Key            string     `json:"key"`
	Name           string     `json:"name"`
	Type           EntityType `json:"type"`
	Aliases        []string   `json:"aliases"`
	Roles          []Role     `json:"roles"`
	Enrichment     Bundle     `json:"enrichment,omitempty"`
	Score          *RiskScore `json:"score,omitempty"`
	TransactionIDs []string   `json:"transaction_ids"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
}

func (e *ResolvedEntity) MarshalJSON() ([]byte, error) {
	return json.Marshal(resolvedEntityJSON{
		ID:             e.ID,
		Key:            e.Key,
		Name:           e.Name,
		Type:           e.Type,
		Aliases:        SortedStrings(e.Aliases),
		Roles:          SortedRoles(e.Roles),
		Enrichment:     e.Enrichment,
		Score:          e.Score,
		TransactionIDs: SortedStrings(e.TransactionIDs),
		FirstSeen:      e.FirstSeen,
		LastSeen:       e.LastSeen,
	})
}

func (e *ResolvedEntity) UnmarshalJSON(data []byte) error {
	var raw resolvedEntityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = ResolvedEntity{
		ID:             raw.ID,
		Key:            raw.Key,
		Name:           raw.Name,
		Type:           raw.Type,
		Aliases:        mapset.NewSet[string](raw.Aliases...),
		Roles:          mapset.NewSet[Role](raw.Roles...),
		Enrichment:     raw.Enrichment,
		Score:          raw.Score,
		TransactionIDs: mapset.NewSet[string](raw.TransactionIDs...),
		FirstSeen:      raw.FirstSeen,
		LastSeen:       raw.LastSeen,
	}
	if e.Enrichment == nil {
		e.Enrichment = Bundle{}
	}
	return nil
}

// Clone returns a deep copy of e.
func (e *ResolvedEntity) Clone() *ResolvedEntity {
	if e == nil {
		return nil
	}
	c := *e
	c.Aliases = e.Aliases.Clone()
	c.Roles = e.Roles.Clone()
	c.TransactionIDs = e.TransactionIDs.Clone()
	c.Enrichment = make(Bundle, len(e.Enrichment))
	for k, v := range e.Enrichment {
		c.Enrichment[k] = v
	}
	if e.Score != nil {
		s := e.Score.Clone()
		c.Score = &s
	}
	return &c
}

// EnrichmentStatus is the outcome tag of a single provider call.
type EnrichmentStatus string

const (
	EnrichmentSuccess       EnrichmentStatus = "SUCCESS"
	EnrichmentNotFound      EnrichmentStatus = "NOT_FOUND"
	EnrichmentProviderError EnrichmentStatus = "PROVIDER_ERROR"
	EnrichmentTimeout       EnrichmentStatus = "TIMEOUT"
)

// Usable reports whether the outcome may feed scoring.
func (s EnrichmentStatus) Usable() bool {
	return s == EnrichmentSuccess || s == EnrichmentNotFound
}

// MatchType qualifies a sanctions hit.
type MatchType string

const (
	MatchExact MatchType = "EXACT"
	MatchFuzzy MatchType = "FUZZY"
	MatchNone  MatchType = "NONE"
)

// ListEntry is one sanctions list row that matched.
type ListEntry struct {
	UID         string    `json:"uid"`
	ListName    string    `json:"list_name"`
	EntryType   string    `json:"entry_type"`
	Programs    []string  `json:"programs,omitempty"`
	MatchedName string    `json:"matched_name"`
	MatchType   MatchType `json:"match_type"`
	Confidence  float64   `json:"confidence"`
}

type SanctionsMatch struct {
	Sanctioned  bool        `json:"sanctioned"`
	MatchType   MatchType   `json:"match_type"`
	Confidence  float64     `json:"confidence"`
	ListEntries []ListEntry `json:"list_entries,omitempty"`
}

type RegulatoryStatus struct {
	CIK               string   `json:"cik"`
	Name              string   `json:"name"`
	SIC               string   `json:"sic,omitempty"`
	SICDescription    string   `json:"sic_description,omitempty"`
	State             string   `json:"state,omitempty"`
	Active            bool     `json:"active"`
	RecentForms       []string `json:"recent_forms,omitempty"`
	DelinquentFilings int      `json:"delinquent_filings"`
	LastFiled         string   `json:"last_filed,omitempty"`
}

type MediaSentiment struct {
	Articles     int      `json:"articles"`
	Sentiment    float64  `json:"sentiment"`
	NegativeHits int      `json:"negative_hits"`
	Headlines    []string `json:"headlines,omitempty"`
}

type LegalCase struct {
	Name         string `json:"name"`
	Court        string `json:"court,omitempty"`
	DocketNumber string `json:"docket_number,omitempty"`
	DateFiled    string `json:"date_filed,omitempty"`
	URL          string `json:"url,omitempty"`
	Ongoing      bool   `json:"ongoing"`
	Defendant    bool   `json:"defendant"`
}

type LegalSummary struct {
	TotalCases   int         `json:"total_cases"`
	OngoingCases int         `json:"ongoing_cases"`
	SuedCases    int         `json:"sued_cases"`
	Cases        []LegalCase `json:"cases,omitempty"`
}

// CompanyProfile is descriptive reference data. It carries no risk weight.
type CompanyProfile struct {
	WikidataID   string `json:"wikidata_id"`
	Label        string `json:"label"`
	Description  string `json:"description,omitempty"`
	Inception    string `json:"inception,omitempty"`
	Website      string `json:"website,omitempty"`
	Headquarters string `json:"headquarters,omitempty"`
	Industry     string `json:"industry,omitempty"`
	Country      string `json:"country,omitempty"`
}

type JurisdictionInfo struct {
	Country          string `json:"country"`
	CountryCode      string `json:"country_code"`
	FormattedAddress string `json:"formatted_address,omitempty"`
	HighRisk         bool   `json:"high_risk"`
}

// Payload carries the provider-specific body of a lookup. Exactly one field is set.
type Payload struct {
	Sanctions    *SanctionsMatch   `json:"sanctions,omitempty"`
	Regulatory   *RegulatoryStatus `json:"regulatory,omitempty"`
	Media        *MediaSentiment   `json:"media,omitempty"`
	Legal        *LegalSummary     `json:"legal,omitempty"`
	Jurisdiction *JurisdictionInfo `json:"jurisdiction,omitempty"`
	Profile      *CompanyProfile   `json:"profile,omitempty"`
}

// EnrichmentResult is the tagged outcome of one provider call for one entity.
type EnrichmentResult struct {
	Provider string           `json:"provider"`
	Status   EnrichmentStatus `json:"status"`
	Payload
	Error     string        `json:"error,omitempty"`
	FetchedAt time.Time     `json:"fetched_at"`
	Latency   time.Duration `json:"latency"`
}

// Bundle maps provider name to its latest result for an entity.
type Bundle map[string]EnrichmentResult

// RiskLevel buckets a score value.
type RiskLevel string

const (
	LevelLow    RiskLevel = "LOW"
	LevelMedium RiskLevel = "MEDIUM"
	LevelHigh   RiskLevel = "HIGH"
)

// Factor is one auditable contribution to a score.
type Factor struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	Raw          float64 `json:"raw"`
	Contribution float64 `json:"contribution"`
	Source       string  `json:"source,omitempty"`
}

// RiskScore is an immutable scoring result. Rescoring produces a new version.
type RiskScore struct {
	EntityID      string    `json:"entity_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Value         float64   `json:"value"`
	Level         RiskLevel `json:"level"`
	Version       uint64    `json:"version"`
	Factors       []Factor  `json:"factors"`
	FloorApplied  bool      `json:"floor_applied"`
	Aggregation   string    `json:"aggregation,omitempty"`
	ComputedAt    time.Time `json:"computed_at"`
}

func (s RiskScore) Clone() RiskScore {
	s.Factors = append([]Factor(nil), s.Factors...)
	return s
}

// JobStatus is the derived status of a FileJob.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// FileJob tracks one ingested file and the aggregate status of its records.
type FileJob struct {
	ID                 string    `json:"id"`
	FileName           string    `json:"file_name"`
	Format             Format    `json:"format"`
	Digest             string    `json:"digest"`
	Status             JobStatus `json:"status"`
	Total              int       `json:"total"`
	Completed          int       `json:"completed"`
	Failed             int       `json:"failed"`
	RowWarnings        int       `json:"row_warnings"`
	FailureReason      string    `json:"failure_reason,omitempty"`
	FailureStage       Stage     `json:"failure_stage,omitempty"`
	FailOnChildFailure bool      `json:"fail_on_child_failure"`
	// Streamed jobs are driven by stream consumers, not by a local run.
	Streamed           bool      `json:"streamed,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (j *FileJob) Clone() *FileJob {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

// JobID derives a FileJob identifier from the file digest and declared format.
func JobID(digest string, format Format) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("job:"+string(format)+":"+digest)).String()
}

// RecordID derives a stable record identifier from its job and row position.
func RecordID(jobID string, row int, sourceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(jobID+"|"+sourceID+"|"+itoa(row))).String()
}

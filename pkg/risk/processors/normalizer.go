package processors

import (
	"context"
	"iter"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	errEmptyRow    = errors.New("row has no party and no text")
	errBadAmount   = errors.New("amount is not a number")
	amountPattern  = regexp.MustCompile(`^([A-Z]{3})?\s*[$€£¥]?\s*(-?[\d,]+(?:\.\d+)?)\s*(?:\(?([A-Za-z]{3})\)?)?$`)
	senderKeys     = []string{"sender", "payer", "from", "originator", "remitter"}
	receiverKeys   = []string{"receiver", "payee", "to", "beneficiary", "recipient"}
	intermediaries = []string{"intermediary", "via", "intermediary_bank", "correspondent"}
)

// Normalizer turns a raw file into draft TransactionRecords through a per-format Parser.
type Normalizer struct {
	parsers map[risk.Format]Parser
	mutex   sync.RWMutex
	logger  *logrus.Logger
}

// NewNormalizer creates a normalizer with every built-in format registered.
func NewNormalizer(logger *logrus.Logger) *Normalizer {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	n := &Normalizer{
		parsers: make(map[risk.Format]Parser),
		logger:  logger,
	}
	for _, p := range []Parser{
		NewJSONParser(),
		NewCSVParser(),
		NewExcelParser(),
		NewXMLParser(),
		NewPDFParser(),
		NewTextParser(),
		NewHTMLParser(),
	} {
		n.Register(p)
	}
	return n
}

// Register adds or replaces the parser for its format.
func (n *Normalizer) Register(p Parser) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.parsers[p.Format()] = p
}

// SupportedFormats lists the registered formats.
func (n *Normalizer) SupportedFormats() []risk.Format {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	out := make([]risk.Format, 0, len(n.parsers))
	for f := range n.parsers {
		out = append(out, f)
	}
	return out
}

// Normalize parses the whole document up front so structural failures surface
// before any record is yielded. Row mapping happens lazily in Batch.Records.
func (n *Normalizer) Normalize(ctx context.Context, job *risk.FileJob, data []byte) (*Batch, error) {
	timer := prometheus.NewTimer(metrics.StageDuration.WithLabelValues(string(risk.StageNormalize)))
	defer timer.ObserveDuration()

	n.mutex.RLock()
	parser, ok := n.parsers[risk.Format(strings.ToUpper(string(job.Format)))]
	n.mutex.RUnlock()
	if !ok {
		return nil, &risk.UnsupportedFormatError{Format: job.Format}
	}

	raws, err := parser.Parse(ctx, data)
	if err != nil {
		var mde *risk.MalformedDocumentError
		if !errors.As(err, &mde) {
			err = &risk.MalformedDocumentError{Format: job.Format, Err: err}
		}
		n.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to parse document")
		return nil, err
	}

	n.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"format": job.Format,
		"rows":   len(raws),
	}).Info("Document parsed")

	return &Batch{job: job, raws: raws, logger: n.logger}, nil
}

// Batch is the lazily mapped output of one document.
type Batch struct {
	job      *risk.FileJob
	raws     []RawRecord
	warnings atomic.Int64
	logger   *logrus.Logger
}

// Records yields PENDING drafts in document order, skipping malformed rows.
// The sequence can be iterated again; every pass yields the same records.
func (b *Batch) Records() iter.Seq[*risk.TransactionRecord] {
	return func(yield func(*risk.TransactionRecord) bool) {
		skipped := 0
		for _, raw := range b.raws {
			rec, err := MapRecord(b.job.ID, raw)
			if err != nil {
				skipped++
				b.logger.WithError(err).WithFields(logrus.Fields{
					"job_id": b.job.ID,
					"row":    raw.Index,
				}).Warn("Skipping malformed row")
				continue
			}
			if !yield(rec) {
				return
			}
		}
		b.warnings.Store(int64(skipped))
		metrics.RowWarnings.Add(float64(skipped))
	}
}

// Warnings is the number of rows skipped during the last complete pass.
func (b *Batch) Warnings() int {
	return int(b.warnings.Load())
}

// MapRecord maps one raw row to a draft record.
func MapRecord(jobID string, raw RawRecord) (*risk.TransactionRecord, error) {
	if raw.Err != nil {
		return nil, raw.Err
	}

	f := raw.Fields
	sourceID := first(f, "transaction_id", "id", "txn_id", "reference")

	amount := decimal.Zero
	currency := strings.ToUpper(first(f, "currency", "amount_currency"))
	if s := first(f, "amount", "value", "amount_value"); s != "" {
		v, cur, err := ParseAmount(s)
		if err != nil {
			return nil, err
		}
		amount = v
		if currency == "" {
			currency = cur
		}
	}

	rec := &risk.TransactionRecord{
		ID:       risk.RecordID(jobID, raw.Index, sourceID),
		JobID:    jobID,
		SourceID: sourceID,
		RowIndex: raw.Index,
		RawText:  raw.Text,
		Fields:   f,
		Sender:   party(f, senderKeys),
		Receiver: party(f, receiverKeys),
		Amount:   amount,
		Currency: currency,
		Date:     first(f, "date", "transaction_date", "timestamp"),
		Notes:    first(f, "notes", "additional_notes", "description", "memo", "narrative"),
		Status:   risk.StatusPending,
	}
	if p := party(f, intermediaries); !p.Empty() {
		rec.Intermediaries = append(rec.Intermediaries, p)
	}

	if rec.Sender.Empty() && rec.Receiver.Empty() && len(rec.Intermediaries) == 0 && rec.Notes == "" {
		rec.Notes = strings.TrimSpace(raw.Text)
		if rec.Notes == "" {
			return nil, errEmptyRow
		}
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec, nil
}

// ParseAmount reads values such as "$250,000.00 (USD)", "EUR 1200" or "42".
func ParseAmount(s string) (decimal.Decimal, string, error) {
	m := amountPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return decimal.Zero, "", errors.Wrapf(errBadAmount, "%q", s)
	}
	v, err := decimal.NewFromString(strings.ReplaceAll(m[2], ",", ""))
	if err != nil {
		return decimal.Zero, "", errors.Wrapf(errBadAmount, "%q", s)
	}
	currency := strings.ToUpper(m[3])
	if currency == "" {
		currency = m[1]
	}
	return v, currency, nil
}

func party(f map[string]string, prefixes []string) risk.Party {
	for _, p := range prefixes {
		party := risk.Party{
			Name:    first(f, p+"_name", p),
			Account: first(f, p+"_account", p+"_account_number"),
			Address: first(f, p+"_address", p+"_country"),
		}
		if !party.Empty() {
			return party
		}
	}
	return risk.Party{}
}

func first(f map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(f[k]); v != "" {
			return v
		}
	}
	return ""
}

package processors

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
)

// RawRecord is one row or block as found in the source document, before mapping.
type RawRecord struct {
	Index  int
	Fields map[string]string
	Text   string
	// Err marks a row that was readable as part of the document but not on its own.
	Err error
}

// Parser turns the bytes of one document format into raw records.
// A returned error means the whole document is unusable.
type Parser interface {
	Parse(ctx context.Context, data []byte) ([]RawRecord, error)
	Format() risk.Format
}

var extFormats = map[string]risk.Format{
	".json": risk.FormatJSON,
	".csv":  risk.FormatCSV,
	".xlsx": risk.FormatExcel,
	".xls":  risk.FormatExcel,
	".xml":  risk.FormatXML,
	".pdf":  risk.FormatPDF,
	".txt":  risk.FormatTXT,
	".html": risk.FormatHTML,
	".htm":  risk.FormatHTML,
}

// FormatOf parses a declared format name or, failing that, derives one from
// the file extension. Unknown extensions come back upper-cased so the
// normalizer can reject them by name.
func FormatOf(declared, fileName string) risk.Format {
	if declared = strings.TrimSpace(declared); declared != "" {
		if strings.EqualFold(declared, "xlsx") {
			return risk.FormatExcel
		}
		return risk.Format(strings.ToUpper(declared))
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if f, ok := extFormats[ext]; ok {
		return f
	}
	return risk.Format(strings.ToUpper(strings.TrimPrefix(ext, ".")))
}

// fieldKey folds a header or element name to a comparable key.
func fieldKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(s)
	return strings.Trim(s, "_:")
}

// renderFields composes a stable text rendering of structured fields.
func renderFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if fields[k] == "" {
			continue
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(fields[k])
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// tableRecords maps a header row plus data rows to raw records.
func tableRecords(rows [][]string) []RawRecord {
	if len(rows) == 0 {
		return nil
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = fieldKey(h)
	}

	records := make([]RawRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec := RawRecord{Index: i, Fields: make(map[string]string, len(header))}
		if blankRow(row) {
			continue
		}
		if len(row) > len(header) {
			rec.Err = errRowWidth
		}
		for j, v := range row {
			if j < len(header) && header[j] != "" {
				rec.Fields[header[j]] = strings.TrimSpace(v)
			}
		}
		rec.Text = renderFields(rec.Fields)
		records = append(records, rec)
	}
	return records
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

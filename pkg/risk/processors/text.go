package processors

import (
	"context"
	"regexp"
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
)

var (
	blockStart   = regexp.MustCompile(`(?m)^[ \t]*Transaction ID:`)
	paragraphSep = regexp.MustCompile(`\n[ \t]*\n`)
	keyValueLine = regexp.MustCompile(`^([A-Za-z][A-Za-z /]{0,40}?):\s*(.*)$`)
)

var partySections = map[string]bool{
	"sender":       true,
	"receiver":     true,
	"intermediary": true,
}

var partyFields = map[string]bool{
	"name":    true,
	"account": true,
	"address": true,
}

// TextParser splits free text into transaction blocks. Blocks start at a
// "Transaction ID:" line; without any, each paragraph is one record.
type TextParser struct{}

func NewTextParser() *TextParser {
	return &TextParser{}
}

func (p *TextParser) Format() risk.Format { return risk.FormatTXT }

func (p *TextParser) Parse(ctx context.Context, data []byte) ([]RawRecord, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !isText(content) {
		return nil, &risk.MalformedDocumentError{Format: risk.FormatTXT, Err: errors.New("content is not text")}
	}
	return parseBlocks(content), nil
}

func parseBlocks(content string) []RawRecord {
	var blocks []string
	if idx := blockStart.FindAllStringIndex(content, -1); len(idx) > 0 {
		for i, loc := range idx {
			end := len(content)
			if i+1 < len(idx) {
				end = idx[i+1][0]
			}
			blocks = append(blocks, content[loc[0]:end])
		}
	} else {
		blocks = paragraphSep.Split(content, -1)
	}

	records := make([]RawRecord, 0, len(blocks))
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		rec := RawRecord{Index: len(records), Fields: parseBlockFields(block), Text: block}
		records = append(records, rec)
	}
	return records
}

func parseBlockFields(block string) map[string]string {
	fields := make(map[string]string)
	section := ""
	lastKey := ""

	for _, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		m := keyValueLine.FindStringSubmatch(trimmed)
		if m == nil {
			if lastKey != "" {
				fields[lastKey] = strings.TrimSpace(fields[lastKey] + " " + trimmed)
			}
			continue
		}

		key := fieldKey(m[1])
		value := strings.Trim(strings.TrimSpace(m[2]), `"'`)

		switch {
		case partySections[key]:
			section = key
			lastKey = ""
			if value != "" {
				fields[key+"_name"] = value
				lastKey = key + "_name"
			}
		case section != "" && partyFields[key]:
			lastKey = section + "_" + key
			fields[lastKey] = value
		default:
			section = ""
			lastKey = key
			fields[key] = value
		}
	}
	return fields
}

func isText(s string) bool {
	if s == "" {
		return true
	}
	control := 0
	for _, r := range s {
		if r == 0 {
			return false
		}
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			control++
		}
	}
	return control*10 < len(s)
}

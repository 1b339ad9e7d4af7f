package processors

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
)

// HTMLParser reads exported statements: the first table with a header row,
// or the body text split into transaction blocks when no table is present.
type HTMLParser struct{}

// NewHTMLParser creates a new instance of HTMLParser.
func NewHTMLParser() *HTMLParser {
	return &HTMLParser{}
}

func (p *HTMLParser) Format() risk.Format { return risk.FormatHTML }

// Parse walks the first table, falling back to the body text.
func (p *HTMLParser) Parse(ctx context.Context, content []byte) ([]RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &risk.MalformedDocumentError{Format: risk.FormatHTML, Err: errors.Wrap(err, "failed to create document from HTML content")}
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return parseBlocks(strings.TrimSpace(doc.Find("body").Text())), nil
	}

	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var row []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			row = append(row, strings.TrimSpace(cell.Text()))
		})
		if len(row) > 0 {
			rows = append(rows, row)
		}
	})

	return tableRecords(rows), nil
}

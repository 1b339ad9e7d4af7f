package processors

import (
	"bytes"
	"context"
	"strings"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/ledongthuc/pdf"
)

// PDFParser extracts plain text page by page and splits it like a text file.
type PDFParser struct{}

func NewPDFParser() *PDFParser {
	return &PDFParser{}
}

func (p *PDFParser) Format() risk.Format { return risk.FormatPDF }

func (p *PDFParser) Parse(ctx context.Context, content []byte) ([]RawRecord, error) {
	reader := bytes.NewReader(content)

	r, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return nil, &risk.MalformedDocumentError{Format: risk.FormatPDF, Err: err}
	}

	var text strings.Builder
	totalPage := r.NumPage()

	for pageIndex := 1; pageIndex <= totalPage; pageIndex++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := r.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}

		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text.WriteString(pageText)
		text.WriteString("\n")
	}

	return parseBlocks(text.String()), nil
}

package processors

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

var errRowWidth = errors.New("row has more cells than the header")

// CSVParser reads comma separated files with a header row.
type CSVParser struct{}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Format() risk.Format { return risk.FormatCSV }

func (p *CSVParser) Parse(ctx context.Context, data []byte) ([]RawRecord, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &risk.MalformedDocumentError{Format: risk.FormatCSV, Err: err}
		}
		rows = append(rows, row)
	}

	return tableRecords(rows), nil
}

// ExcelParser reads the first sheet of an xlsx workbook with a header row.
type ExcelParser struct{}

func NewExcelParser() *ExcelParser {
	return &ExcelParser{}
}

func (p *ExcelParser) Format() risk.Format { return risk.FormatExcel }

func (p *ExcelParser) Parse(ctx context.Context, data []byte) ([]RawRecord, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &risk.MalformedDocumentError{Format: risk.FormatExcel, Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &risk.MalformedDocumentError{Format: risk.FormatExcel, Err: errors.New("workbook has no sheets")}
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &risk.MalformedDocumentError{Format: risk.FormatExcel, Err: err}
	}

	return tableRecords(rows), nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/pipeline"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

var reportHeader = []interface{}{"Record", "Source ID", "Row", "Status", "Score", "Level", "Entities", "Failure Stage", "Failure Reason"}

func printReport(out io.Writer, report *pipeline.JobReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	job := report.Job
	fmt.Fprintf(out, "Job %s  %s  %s  %s\n", job.ID, job.FileName, job.Format, job.Status)
	fmt.Fprintf(out, "  %d records: %d completed, %d failed\n", job.Total, job.Completed, job.Failed)
	if job.FailureReason != "" {
		fmt.Fprintf(out, "  failure: %s (%s)\n", job.FailureReason, job.FailureStage)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROW\tSOURCE\tSTATUS\tSCORE\tLEVEL\tDETAIL")
	for _, r := range report.Records {
		detail := fmt.Sprintf("%d entities", r.Entities)
		if r.Status == risk.StatusFailed {
			detail = fmt.Sprintf("%s: %s", r.FailureStage, r.FailureReason)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%s\t%s\n", r.Row, r.SourceID, r.Status, r.Score, r.Level, detail)
	}
	return w.Flush()
}

// writeReportXLSX writes one row per record to a Records sheet.
func writeReportXLSX(report *pipeline.JobReport, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Records"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return errors.Wrap(err, "name sheet")
	}
	if err := f.SetSheetRow(sheet, "A1", &reportHeader); err != nil {
		return errors.Wrap(err, "write header")
	}
	for i, r := range report.Records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{r.ID, r.SourceID, r.Row, string(r.Status), r.Score, string(r.Level), r.Entities, string(r.FailureStage), r.FailureReason}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return errors.Wrapf(err, "write row %d", i+2)
		}
	}
	return errors.Wrap(f.SaveAs(path), "save workbook")
}

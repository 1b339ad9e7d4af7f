package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/athapong/aio-risk/pkg/app"
	"github.com/athapong/aio-risk/pkg/risk/pipeline"
	"github.com/athapong/aio-risk/pkg/risk/processors"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func processCmd(flags *globalFlags) *cobra.Command {
	var (
		format     string
		reprocess  bool
		failFast   bool
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "process [file...]",
		Short: "Ingest files and print each job's risk report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			var policy *bool
			if cmd.Flags().Changed("fail-on-child-failure") {
				policy = &failFast
			}

			var failed int
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return errors.Wrapf(err, "read %s", path)
				}
				job, err := a.Coordinator.Submit(ctx, pipeline.SubmitRequest{
					FileName:           filepath.Base(path),
					Format:             processors.FormatOf(format, path),
					Data:               data,
					Reprocess:          reprocess,
					FailOnChildFailure: policy,
				})
				if err != nil {
					a.Logger.WithError(err).WithField("file", path).Error("File rejected")
					failed++
					continue
				}
				if _, err := a.Coordinator.Wait(ctx, job.ID); err != nil {
					return errors.Wrapf(err, "wait for job %s", job.ID)
				}
				report, err := a.Coordinator.JobStatus(ctx, job.ID)
				if err != nil {
					return err
				}
				if err := printReport(cmd.OutOrStdout(), report, jsonOutput); err != nil {
					return err
				}
			}
			if failed > 0 {
				return errors.Errorf("%d of %d files were rejected", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Declared format; detected from the extension when empty")
	cmd.Flags().BoolVar(&reprocess, "reprocess", false, "Process files again even if ingested before")
	cmd.Flags().BoolVar(&failFast, "fail-on-child-failure", false, "Fail a job when any of its records fails")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output reports as JSON")
	return cmd
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.WithError(err).Error("Shutdown incomplete")
	}
}

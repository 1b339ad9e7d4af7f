package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/athapong/aio-risk/pkg/risk/pipeline"
	"github.com/athapong/aio-risk/pkg/risk/processors"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func publishCmd(flags *globalFlags) *cobra.Command {
	var (
		format    string
		reprocess bool
	)
	cmd := &cobra.Command{
		Use:   "publish [file]",
		Short: "Register a file as a job and publish its records to the transaction topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "read %s", args[0])
			}
			job, records, err := a.Coordinator.Register(ctx, pipeline.SubmitRequest{
				FileName:  filepath.Base(args[0]),
				Format:    processors.FormatOf(format, args[0]),
				Data:      data,
				Reprocess: reprocess,
			})
			if err != nil {
				return err
			}
			log := a.Logger.WithFields(logrus.Fields{"job_id": job.ID, "topic": a.Config.Stream.Topic})
			if len(records) == 0 {
				log.WithField("status", job.Status).Info("Nothing to publish")
				return nil
			}

			publisher := pipeline.NewPublisher(pipeline.NewKafkaWriter(a.Config.Stream.StreamConfig), a.Logger)
			defer publisher.Close()
			n, err := publisher.Publish(ctx, slices.Values(records))
			if err != nil {
				// drop the job so the file can be published again
				if perr := a.Coordinator.Purge(ctx, job.ID); perr != nil {
					log.WithError(perr).Warn("Failed to remove unpublished job")
				}
				return err
			}
			log.WithFields(logrus.Fields{
				"records": n,
				"skipped": job.RowWarnings,
			}).Info("File published")
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Declared format; detected from the extension when empty")
	cmd.Flags().BoolVar(&reprocess, "reprocess", false, "Publish again even if the file was registered before")
	return cmd
}

func consumeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Process records from the transaction topic until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			deduper, release, err := a.Deduper(ctx)
			if err != nil {
				return err
			}
			defer release()

			consumer := pipeline.NewConsumer(pipeline.NewKafkaReader(a.Config.Stream.StreamConfig), a.Coordinator, deduper, a.Logger)
			defer consumer.Close()

			a.Logger.WithFields(logrus.Fields{
				"brokers": a.Config.Stream.Brokers,
				"topic":   a.Config.Stream.Topic,
				"group":   a.Config.Stream.GroupID,
			}).Info("Consuming transactions")
			return consumer.Run(ctx)
		},
	}
}

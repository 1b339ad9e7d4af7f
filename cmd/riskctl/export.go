package main

import (
	"github.com/athapong/aio-risk/pkg/risk/visualizer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func exportCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the entity graph or a job report",
	}
	cmd.AddCommand(exportGraphCmd(flags))
	cmd.AddCommand(exportReportCmd(flags))
	return cmd
}

func exportGraphCmd(flags *globalFlags) *cobra.Command {
	var output, title string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the entity graph as an interactive D3 page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			graph, err := a.Graph()
			if err != nil {
				return err
			}
			if err := visualizer.NewD3Visualizer(output, title).Visualize(graph); err != nil {
				return err
			}
			a.Logger.WithFields(logrus.Fields{
				"nodes":  len(graph.Nodes),
				"edges":  len(graph.Edges),
				"output": output,
			}).Info("Graph exported")
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "risk_graph.html", "Output HTML file")
	cmd.Flags().StringVar(&title, "title", "", "Page title")
	return cmd
}

func exportReportCmd(flags *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "report [job-id]",
		Short: "Write a job's record report to an Excel workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			report, err := a.Coordinator.JobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeReportXLSX(report, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "risk_report.xlsx", "Output workbook")
	return cmd
}

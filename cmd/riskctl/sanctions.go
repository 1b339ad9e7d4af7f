package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/athapong/aio-risk/pkg/app"
	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/enrichment"
	"github.com/athapong/aio-risk/pkg/risk/processors"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func sanctionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sanctions",
		Short: "Inspect sanctions lists and screen names against them",
	}
	cmd.AddCommand(sanctionsLoadCmd())
	cmd.AddCommand(sanctionsCheckCmd(flags))
	return cmd
}

func sanctionsLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load [file]",
		Short: "Parse an OFAC SDN file (XML or CSV) and summarize it by program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := app.LoadSanctionsFile(args[0])
			if err != nil {
				return err
			}
			byProgram := make(map[string]int)
			for _, e := range entries {
				for _, p := range e.Programs {
					byProgram[p]++
				}
			}
			programs := make([]string, 0, len(byProgram))
			for p := range byProgram {
				programs = append(programs, p)
			}
			sort.Strings(programs)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d entries\n", len(entries))
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, p := range programs {
				fmt.Fprintf(w, "  %s\t%d\n", p, byProgram[p])
			}
			return w.Flush()
		},
	}
}

func sanctionsCheckCmd(flags *globalFlags) *cobra.Command {
	var (
		listPath  string
		entity    string
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "check [name...]",
		Short: "Screen names against the configured sanctions list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if listPath == "" {
				listPath = cfg.Providers.Sanctions.ListPath
			}
			if listPath == "" {
				return errors.New("no sanctions list: pass --list or set providers.sanctions.list_path")
			}
			if !cmd.Flags().Changed("threshold") {
				threshold = cfg.Providers.Sanctions.FuzzyThreshold
			}

			entries, err := app.LoadSanctionsFile(listPath)
			if err != nil {
				return err
			}
			provider := enrichment.NewSanctionsProvider(enrichment.NewSanctionsList(entries...), threshold)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tMATCH\tCONFIDENCE\tLISTED AS")
			for _, name := range args {
				typ := entityType(entity, name)
				payload, err := provider.Lookup(cmd.Context(), name, typ)
				if err != nil && !errors.Is(err, risk.ErrNotFound) {
					return err
				}
				if payload == nil || payload.Sanctions == nil || !payload.Sanctions.Sanctioned {
					fmt.Fprintf(w, "%s\t%s\tNONE\t-\t-\n", name, typ)
					continue
				}
				m := payload.Sanctions
				listed := make([]string, 0, len(m.ListEntries))
				for _, le := range m.ListEntries {
					listed = append(listed, fmt.Sprintf("%s (%s)", le.MatchedName, strings.Join(le.Programs, ",")))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", name, typ, m.MatchType, m.Confidence, strings.Join(listed, "; "))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&listPath, "list", "l", "", "SDN file; defaults to providers.sanctions.list_path")
	cmd.Flags().StringVarP(&entity, "type", "t", "", "individual or organization; guessed from the name when empty")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.85, "Fuzzy match threshold")
	return cmd
}

func entityType(flag, name string) risk.EntityType {
	switch strings.ToLower(flag) {
	case "individual", "person":
		return risk.EntityIndividual
	case "organization", "org", "entity":
		return risk.EntityOrganization
	}
	return processors.ClassifyName(name)
}

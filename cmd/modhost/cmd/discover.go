package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/registry"
)

// NewDiscoverCommand creates the discover command
func NewDiscoverCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List the modules the host would activate, and the skipped directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			report, err := registry.NewResolver(cfg.ModulesDir).Scan(cmd.Context())
			if err != nil {
				return err
			}
			renderReport(cmd.OutOrStdout(), report, modhost.DefaultFactories())
			return nil
		},
	}
}

func renderReport(out io.Writer, report registry.Report, factories *modhost.Factories) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Name", "Version", "Priority", "Listen", "Linked", "Dir"})
	for i, d := range report.Descriptors {
		_, linked := factories.Lookup(d.Name)
		t.AppendRow(table.Row{i + 1, d.Name, d.Version, d.Priority, strings.Join(d.Listen, ", "), yesNo(linked), d.Dir})
	}
	t.AppendFooter(table.Row{"", "Total", len(report.Descriptors)})
	t.Render()

	if len(report.Skipped) == 0 {
		return
	}
	fmt.Fprintln(out)
	s := table.NewWriter()
	s.SetOutputMirror(out)
	s.SetStyle(table.StyleRounded)
	s.AppendHeader(table.Row{"Skipped", "Reason"})
	for _, skipped := range report.Skipped {
		s.AppendRow(table.Row{skipped.Dir, skipped.Reason})
	}
	s.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

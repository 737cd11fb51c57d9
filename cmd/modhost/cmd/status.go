package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

// ErrAdminStatus is returned when the admin API answers with a non-200 code.
var ErrAdminStatus = errors.New("admin API returned an error")

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running host through its admin API",
		Long: `Status queries the admin API of a running host.

Examples:
  modhost status --addr http://127.0.0.1:8080
  modhost status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := fetchStatus(cmd.Context(), addr)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "admin API base URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (modhost.SystemStatus, error) {
	var status modhost.SystemStatus
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/status", nil)
	if err != nil {
		return status, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return status, fmt.Errorf("query admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("%w: %s", ErrAdminStatus, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func renderStatus(out io.Writer, status modhost.SystemStatus) {
	sys := status.System
	fmt.Fprintf(out, "%s v%s (%s) ready=%t uptime=%s\n", sys.Name, sys.Version, sys.Environment, sys.Ready, sys.UptimeFormatted)
	fmt.Fprintf(out, "heap %s / %s, goroutines %d, cache keys %d, database connected=%t\n\n",
		status.Resources.Memory.HeapUsed, status.Resources.Memory.HeapTotal,
		status.Resources.Memory.Goroutines, status.Resources.CacheSize, status.Database.Connected)

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Module", "Version", "Priority", "State", "Error"})
	for _, m := range status.Modules.Modules {
		t.AppendRow(table.Row{m.Name, m.Version, m.Priority, m.State, m.Error})
	}
	t.AppendFooter(table.Row{"Active", fmt.Sprintf("%d/%d", status.Modules.Active, status.Modules.Total)})
	t.Render()
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/internal/admin"
	"github.com/GoCodeAlone/modhost/logging"
)

// ShutdownTimeout bounds the shutdown sequence after a signal.
const ShutdownTimeout = 30 * time.Second

// NewRunCommand creates the run command
func NewRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Activate all modules and serve until interrupted",
		Long: `Run initializes the core, activates every discovered module and keeps the
host running until SIGINT/SIGTERM or a system:shutdown event.

Examples:
  modhost run --config host.yaml
  MODHOST_ADMIN_ADDR=127.0.0.1:8080 modhost run -m ./modules`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
}

func runHost(ctx context.Context, cfg modhost.Config, logOut io.Writer) error {
	logger, err := logging.New(cfg.Log, logOut)
	if err != nil {
		return err
	}

	core, err := modhost.New(cfg, modhost.WithLogger(logger))
	if err != nil {
		return err
	}
	active, err := core.ActivateModules(ctx)
	if err != nil {
		core.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("activate modules: %w", err)
	}
	logger.Info("Host running", "active", len(active), "modules", active)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-core.Done():
		}
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer done()
		core.Shutdown(shutdownCtx)
		cancel()
		return nil
	})

	if cfg.Admin.Addr != "" {
		srv := admin.NewServer(cfg.Admin.Addr, core, logger)
		g.Go(func() error {
			logger.Info("Admin API listening", "addr", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Admin.StatusInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Admin.StatusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					logStatus(ctx, core, logger)
				}
			}
		})
	}

	return g.Wait()
}

func logStatus(ctx context.Context, core *modhost.Core, logger modhost.Logger) {
	status := core.SystemStatus(ctx)
	logger.Info("Host status",
		"uptime", status.System.UptimeFormatted,
		"active", status.Modules.Active,
		"total", status.Modules.Total,
		"heapUsed", status.Resources.Memory.HeapUsed,
		"cacheSize", status.Resources.CacheSize,
		"database", status.Database.Connected)
}

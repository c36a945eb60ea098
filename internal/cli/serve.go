package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/hook"
	"github.com/clauderon/clauderon/internal/tracing"
)

const reconcileInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the clauderond daemon",
	Long: `serve starts the session manager, reconciler loop, and hook ingestion
HTTP surface, and blocks until SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	hubCtx, hubCancel := context.WithCancel(ctx)
	defer hubCancel()
	go d.hub.Run(hubCtx)

	go runReconcileLoop(ctx, d)

	router := hook.NewRouter(d.mgr, d.hub, d.log)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.cfg.Server.Host, d.cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		d.log.Info("hook server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		d.log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			d.log.WithError(err).Error("hook server failed")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.log.WithError(err).Error("hook server shutdown error")
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		d.log.WithError(err).Warn("tracing shutdown error")
	}

	d.log.Info("clauderond stopped")
	return nil
}

// runReconcileLoop sweeps the session list on a fixed interval until ctx is
// cancelled, per spec.md §4.8's reconciliation model.
func runReconcileLoop(ctx context.Context, d *daemon) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := d.mgr.Reconcile(ctx)
			if len(report.MissingWorktrees) > 0 || len(report.MissingBackends) > 0 || len(report.GaveUp) > 0 {
				d.log.Warn("reconcile sweep found issues",
					zap.Strings("missing_worktrees", report.MissingWorktrees),
					zap.Strings("missing_backends", report.MissingBackends),
					zap.Strings("recreated", report.Recreated),
					zap.Strings("gave_up", report.GaveUp),
					zap.Strings("orphaned_backends", report.OrphanedBackends),
				)
			}
		}
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/packfetch/packfetch/internal/events"
	"github.com/packfetch/packfetch/internal/packman"
	"github.com/packfetch/packfetch/pkg/metrics"
	"github.com/packfetch/packfetch/pkg/model"
	"github.com/packfetch/packfetch/pkg/progress"
)

var (
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve [<pack>[:priority]...]",
	Short: "Run the pack queue until interrupted",
	Long: `Run the pack queue in the foreground until interrupted, fetching the
given packs. When metrics are enabled a Prometheus /metrics endpoint is
served with counters for requests, downloads, mounts and failures.

Examples:
  packfetch serve maps sounds
  packfetch serve --metrics-addr :9464 maps:10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		addr := cfg.Metrics.Addr
		if serveMetricsAddr != "" {
			addr = serveMetricsAddr
		}
		metricsOn := cfg.Metrics.Enabled || serveMetricsAddr != ""
		if metricsOn {
			metrics.Init()
		}

		m, err := openManager(cfg, log, packman.WithMetrics(metrics.Default()))
		if err != nil {
			return err
		}
		defer m.Close()

		out := cmd.OutOrStdout()
		counter := progress.NewCountingTerminal(out, "mounted", !jsonOutput)
		unsubscribe := m.Subscribe(func(ev events.Event) {
			if ev.Kind == model.ChangeState && ev.Pack.State == model.PackMounted {
				counter.Increment()
			}
		})
		defer unsubscribe()

		for _, arg := range args {
			name, prio, err := parsePackArg(arg, 1)
			if err != nil {
				return err
			}
			if err := m.RequestPack(name, prio); err != nil {
				return err
			}
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		if metricsOn {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Default().Handler())
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.ErrorErr("metrics server failed", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			if !jsonOutput {
				fmt.Fprintf(out, "Metrics available at http://%s/metrics\n", addr)
			}
		}

		if err := m.Run(ctx, cfg.Tick()); err != nil {
			return err
		}
		counter.Done()
		if jsonOutput {
			return outputJSON(out, map[string]any{"mounted": counter.Count(), "queued": m.Queued()})
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve metrics on this address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

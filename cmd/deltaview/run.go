package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/l7mp/deltaview/pkg/metrics"
	"github.com/l7mp/deltaview/pkg/query"
)

// shrinkPeriod is the number of generations between two shrink requests.
const shrinkPeriod = 50

func newRunCommand(flags *rootFlags) *cobra.Command {
	var metricsAddr string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scene pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.setup()
			if err != nil {
				return err
			}
			log := logger.WithName("run")

			ctx := signals.SetupSignalHandler()

			reg := prometheus.NewRegistry()
			utilruntime.Must(reg.Register(collectors.NewGoCollector()))
			m := metrics.New(reg)
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				mux.Handle("/healthz/", http.StripPrefix("/healthz",
					&healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}))
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					log.Info("serving metrics", "address", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error(err, "metrics server failed")
					}
				}()
				defer srv.Shutdown(context.Background()) //nolint:errcheck
			}

			s, err := newScene(cfg, m, logger)
			if err != nil {
				return err
			}

			exec := query.NewExecutor(ctx, query.Options{
				WorkerPoolSize: cfg.WorkerPoolSize,
				Metrics:        m,
				Logger:         logger,
			})

			s.populate()
			start := time.Now()
			for g := 0; g < cfg.Generations; g++ {
				if g > 0 {
					s.mutate()
				}
				if err := exec.Step(s.sinks...); err != nil {
					_ = exec.Stop()
					return err
				}
				if (g+1)%shrinkPeriod == 0 {
					s.shrink()
				}
				if interval > 0 {
					select {
					case <-ctx.Done():
						return exec.Stop()
					case <-time.After(interval):
					}
				}
			}
			if err := exec.Stop(); err != nil {
				return err
			}

			log.Info("finished", "generations", exec.Generation(), "elapsed", time.Since(start).String(),
				"label-changes", s.stats.labels, "draw-changes", s.stats.draws,
				"pass-changes", s.stats.passes, "upload-changes", s.stats.uploads,
				"vertex-capacity", s.vertices.Capacity(), "vertex-used", s.vertices.Used(),
				"grows", s.stats.grows, "relocations", s.stats.relocations,
				"exhausted", len(s.vertices.Exhausted()), "shared", s.registry.Len(),
				"encodings-cached", s.encoded.Len())
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", "",
		"The address the metric and health endpoints bind to, disabled if empty.")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Pause between two generations.")
	return cmd
}

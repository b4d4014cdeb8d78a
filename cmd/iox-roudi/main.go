// Command iox-roudi runs a standalone broker and serves its health and
// Prometheus metrics.
//
// Ports are created through a *broker.Broker held in the same process, so the
// command wires no foreign applications. It is the monitoring shell around a
// broker: it sets up the segment and the pools from the environment, runs
// discovery and exports what the broker observes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Indra5196/iceoryx/internal/broker"
	"github.com/Indra5196/iceoryx/internal/config"
	"github.com/Indra5196/iceoryx/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iox-roudi",
		Short: "Shared memory broker monitor",
		Long: "iox-roudi creates the shared memory segment and its chunk pools, runs " +
			"broker discovery and serves /metrics and /healthz. Ports are created by " +
			"code linked against the broker in the same process. Configuration comes " +
			"from IOX_* environment variables; flags override them.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("log-level") {
				cfg.LogLevel, _ = flags.GetString("log-level")
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
			}
			if flags.Changed("segment-dir") {
				cfg.SegmentDir, _ = flags.GetString("segment-dir")
			}
			if flags.Changed("segment-name") {
				cfg.SegmentName, _ = flags.GetString("segment-name")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, nil)
		},
	}
	cmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("metrics-addr", "", "metrics listen address, empty disables")
	cmd.Flags().String("segment-dir", "", "directory of the shared memory segment")
	cmd.Flags().String("segment-name", "", "name of the shared memory segment")
	return cmd
}

// run serves until ctx is done; ready, when set, receives the metrics address once listening
func run(ctx context.Context, cfg *config.Config, ready func(addr string)) error {
	log := logging.NewOrNop(logging.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
	})
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := broker.New(*cfg, broker.WithLogger(log), broker.WithMetrics(reg))
	if err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error("close broker", zap.Error(err))
		}
	}()

	var ln net.Listener
	if cfg.MetricsAddr != "" {
		if ln, err = net.Listen("tcp", cfg.MetricsAddr); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(ctx) })
	if ln != nil {
		srv := &http.Server{
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info("serving metrics", zap.Stringer("addr", ln.Addr()))
		if ready != nil {
			ready(ln.Addr().String())
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	err = g.Wait()
	log.Info("shutting down")
	return err
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

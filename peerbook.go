package peerbook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/peerbook/addrbook"
	"github.com/lightningnetwork/peerbook/build"
	"github.com/lightningnetwork/peerbook/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// metricsShutdownTimeout bounds the graceful shutdown of the metrics server.
const metricsShutdownTimeout = 5 * time.Second

// Main is the true entry point for peerbookd. It sets up logging, starts the
// server and blocks until the interceptor signals a shutdown.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	logWriter := &build.LogWriter{}
	if !cfg.Log.File.Disable {
		logFile, err := build.OpenLogFile(cfg.Log.File, cfg.logFile())
		if err != nil {
			return fmt.Errorf("unable to open log file: %w", err)
		}
		defer logFile.Close()

		logWriter.File = logFile
	}

	backend := btclog.NewBackend(logWriter, cfg.Log.BackendOptions()...)
	root := build.NewSubLoggerManager(backend)
	SetupLoggers(root, interceptor)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			root.SupportedSubsystems())
		return nil
	}

	if err := build.ParseAndSetDebugLevels(cfg.DebugLevel, root); err != nil {
		return err
	}

	pbkdLog.Infof("Version: %s commit=%s, build=%s, debuglevel=%s",
		build.Version(), build.Commit, build.Deployment, cfg.DebugLevel)
	pbkdLog.Infof("Active network: %v", cfg.ActiveNetParams.Name)

	if cfg.configFileErr != nil {
		pbkdLog.Warnf("%v", cfg.configFileErr)
	}

	srv, err := newServer(cfg, clock.NewDefaultClock())
	if err != nil {
		return fmt.Errorf("unable to create server: %w", err)
	}

	var metrics *http.Server
	if cfg.PrometheusListen != "" {
		metrics = newMetricsServer(cfg.PrometheusListen, srv.book)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("unable to start server: %w", err)
	}

	var g errgroup.Group
	done := make(chan struct{})

	if metrics != nil {
		g.Go(func() error {
			pbkdLog.Infof("Prometheus metrics listening on %v",
				metrics.Addr)

			err := metrics.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}

			// The daemon can't run without the metrics it was asked
			// to export.
			interceptor.RequestShutdown()

			return fmt.Errorf("metrics server: %w", err)
		})
	}

	g.Go(func() error {
		for {
			select {
			case err := <-srv.crawler.Errors():
				pbkdLog.Errorf("Peer crawler stopped: %v", err)

			case <-done:
				return nil
			}
		}
	})

	<-interceptor.ShutdownChannel()
	pbkdLog.Infof("Shutting down")

	close(done)
	if err := srv.Stop(); err != nil {
		pbkdLog.Errorf("Unable to stop server: %v", err)
	}

	if metrics != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), metricsShutdownTimeout,
		)
		defer cancel()

		if err := metrics.Shutdown(ctx); err != nil {
			pbkdLog.Errorf("Unable to stop metrics server: %v", err)
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}

	pbkdLog.Infof("Shutdown complete")

	return nil
}

// newMetricsServer creates the HTTP server exporting the book's metrics next
// to the Go runtime metrics.
func newMetricsServer(listen string, book *addrbook.AddressBook) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		addrbook.NewCollector(book),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))

	return &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command lb-server runs the TCP load balancer.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/dlorenc/tcplb/pkg/lb/accept"
	"github.com/dlorenc/tcplb/pkg/lb/api"
	"github.com/dlorenc/tcplb/pkg/lb/bootstrap"
	"github.com/dlorenc/tcplb/pkg/lb/dispatch"
	"github.com/dlorenc/tcplb/pkg/lb/forward"
	"github.com/dlorenc/tcplb/pkg/lb/metrics"
	"github.com/dlorenc/tcplb/pkg/lb/roster"
)

var (
	listenAddr      = flag.String("listen-addr", accept.DefaultListenAddr, "TCP listen address for client connections")
	adminAddr       = flag.String("admin-addr", ":9090", "HTTP listen address for /healthz and /metrics (empty disables it)")
	serversMeta     = flag.String("servers-metadata", bootstrap.DefaultMetadataPath, "Path to the plain-text backend metadata file")
	serversConfig   = flag.String("servers-config", "", "Path to a YAML backend config file (overrides -servers-metadata)")
	maxConnPerBack  = flag.Int("max-connections-per-backend", 1000, "Maximum clients a single backend will accept")
	debugPollTO     = flag.Duration("debug-poll-timeout", 0, "Override the worker's poll(2) timeout (0 = default 100ms)")
	metricsInterval = flag.Duration("metrics-interval", 5*time.Second, "How often to refresh roster metrics gauges")
)

func main() {
	flag.Parse()

	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := clog.WithLogger(context.Background(), logger)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)

	if err := run(ctx); err != nil {
		clog.FromContext(ctx).Errorf("error: %v", err)
		cancel()
		os.Exit(1)
	}
	cancel()
}

func run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	entries, err := loadEntries(log)
	if err != nil {
		return err
	}
	for len(entries) == 0 {
		path, perr := bootstrap.PromptForMetadataPath(os.Stdin, os.Stdout)
		if perr != nil {
			return fmt.Errorf("reading metadata path: %w", perr)
		}
		*serversMeta = path
		entries, err = bootstrap.LoadMetadataFile(path, log)
		if err != nil {
			log.Errorf("opening %s: %v", path, err)
			continue
		}
	}

	m := metrics.New()
	fwd := forward.TraceForwarder{Log: log}

	result, err := bootstrap.InitServers(entries, *maxConnPerBack, *debugPollTO, fwd, m, log)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	log.Infof("bootstrap: %d backend(s) dialed", result.Roster.Len())

	bootstrap.RunWorkers(ctx, result.Workers)

	ln, err := accept.Listen(*listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *listenAddr, err)
	}

	d := dispatch.New(result.Roster)
	acceptor := accept.New(ln, d, log, m)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Infof("accepting clients on %s", *listenAddr)
		return acceptor.Serve(ctx)
	})

	eg.Go(func() error {
		return runMetricsLoop(ctx, result.Roster, m, *metricsInterval)
	})

	var adminServer *http.Server
	if *adminAddr != "" {
		adminServer = newAdminServer(*adminAddr, result.Roster, m)
		eg.Go(func() error {
			log.Infof("admin server listening on %s", *adminAddr)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := acceptor.Shutdown(shutdownCtx); err != nil {
			log.Errorf("acceptor shutdown: %v", err)
		}
		if adminServer != nil {
			if err := adminServer.Shutdown(shutdownCtx); err != nil {
				log.Errorf("admin server shutdown: %v", err)
			}
		}
		return nil
	})

	return eg.Wait()
}

func loadEntries(log bootstrap.Logger) ([]bootstrap.Entry, error) {
	if *serversConfig != "" {
		cfg, err := bootstrap.LoadConfigFile(*serversConfig)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", *serversConfig, err)
		}
		if *maxConnPerBack == 1000 && cfg.MaxConnectionsPerBackend > 0 {
			*maxConnPerBack = cfg.MaxConnectionsPerBackend
		}
		return cfg.Backends, nil
	}

	f, err := os.Open(*serversMeta)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return bootstrap.ParseMetadata(bufio.NewReader(f), log), nil
}

func runMetricsLoop(ctx context.Context, r *roster.Roster, m *metrics.LBMetrics, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Observe(r.Status())
		}
	}
}

// newAdminServer wires the read-only admin API and Prometheus handler
// behind one http.Server, matching cmd/melange-server's single-mux
// approach of routing "/metrics" alongside the API's own routes.
func newAdminServer(addr string, r *roster.Roster, m *metrics.LBMetrics) *http.Server {
	mux := http.NewServeMux()
	apiServer := api.NewServer(r)
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", apiServer)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

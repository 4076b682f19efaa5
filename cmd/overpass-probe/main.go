// Command overpass-probe runs a batch of Overpass QL queries concurrently
// against an API instance and reports their outcome.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	overpass "github.com/timwie/go-overpass"
)

const exitFail = 1

func main() {
	if err := run(os.Args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFail)
	}
}

func run(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet(filepath.Base(args[0]), flag.ExitOnError)

	var (
		debug       = flags.Bool("debug", false, "debug output (enables verbose)")
		verbose     = flags.Bool("verbose", false, "verbose logging")
		instance    = flags.String("instance", overpass.DefaultInstance, "Overpass API instance base URL")
		concurrency = flags.Int("concurrency", 32, "maximum simultaneous connections")
		runTimeout  = flags.Duration("run-timeout", 2*time.Minute, "per-query run timeout budget")
		maxTries    = flags.Int("max-tries", 5, "maximum tries per query")
		cacheTTL    = flags.Duration("cache-ttl", 0, "cache successful responses for this long (0 disables)")
		cacheDir    = flags.String("cache-dir", "", "directory for the file cache (uses an in-memory cache if empty)")
		metricsAddr = flags.String("metrics-address", ":9090", "listen address for the Prometheus /metrics endpoint")
		queryFiles  stringList
	)

	flags.Var(&queryFiles, "query", "path to a file containing Overpass QL (repeatable)")

	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	if len(queryFiles) == 0 {
		return errors.New("at least one -query is required")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zl := zerolog.New(stdout).With().Timestamp().Str("program", filepath.Base(args[0])).Logger()

	switch {
	case *debug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		zl = zl.With().Caller().Logger()
	case *verbose:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(baseCtx)

	g.Go(func() error { return signalHandler(ctx, zl.With().Str("subsystem", "signal").Logger()) })

	promRegisterer := prometheus.NewRegistry()

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(promRegisterer, promhttp.HandlerOpts{})}
	g.Go(func() error {
		zl.Info().Str("address", *metricsAddr).Msg("serving /metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	runner := &overpass.DefaultRunner{
		MaxTries: *maxTries,
		CacheTTL: *cacheTTL,
		Cache:    buildCache(*cacheDir, zl.With().Str("subsystem", "cache").Logger()),
		Logger:   zl.With().Str("subsystem", "runner").Logger(),
	}

	client, err := overpass.NewClient(*instance,
		overpass.WithConcurrency(*concurrency),
		overpass.WithRunner(runner),
		overpass.WithClientLogger(zl.With().Str("subsystem", "client").Logger()),
		overpass.WithClientMetrics(overpass.NewClientMetrics(promRegisterer)),
	)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}

	for _, path := range queryFiles {
		path := path
		g.Go(func() error {
			return runOne(ctx, client, path, *runTimeout, zl)
		})
	}

	return g.Wait()
}

func runOne(ctx context.Context, client *overpass.Client, path string, runTimeout time.Duration, zl zerolog.Logger) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	q, err := overpass.NewQuery(string(code),
		overpass.WithKwargs(map[string]any{"file": path}),
		overpass.WithRunTimeout(runTimeout),
	)
	if err != nil {
		return fmt.Errorf("building query from %s: %w", path, err)
	}

	logger := zl.With().Str("file", path).Logger()

	err = client.RunQuery(ctx, q, true)
	if err != nil {
		logger.Error().Err(err).Msg("query failed")
		return nil
	}

	logger.Info().
		Int("nb_tries", q.NbTries()).
		Int("response_bytes", q.ResponseBytes()).
		Bool("was_cached", q.WasCached()).
		Msg("query succeeded")

	return nil
}

func buildCache(dir string, logger zerolog.Logger) overpass.Cache {
	if dir == "" {
		return overpass.NewMemoryCache(time.Minute)
	}
	return overpass.NewFileCache(newOsFs(), dir, overpass.WithFileCacheLogger(logger))
}

func signalHandler(ctx context.Context, logger zerolog.Logger) error {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Command codesearch builds or loads a suffix-indexed source-code corpus
// and answers regex queries interactively, over a unix socket, or over TCP.
//
// Usage:
//
//	codesearch [flags] [name@]path[:rev1,rev2,...] ...
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calvinfo/livegrep/internal/alloc"
	"github.com/calvinfo/livegrep/internal/analytics"
	"github.com/calvinfo/livegrep/internal/corpus"
	"github.com/calvinfo/livegrep/internal/index"
	"github.com/calvinfo/livegrep/internal/ingest"
	"github.com/calvinfo/livegrep/internal/search"
	searchcache "github.com/calvinfo/livegrep/internal/search/cache"
	"github.com/calvinfo/livegrep/internal/server"
	"github.com/calvinfo/livegrep/pkg/config"
	"github.com/calvinfo/livegrep/pkg/health"
	"github.com/calvinfo/livegrep/pkg/kafka"
	"github.com/calvinfo/livegrep/pkg/logger"
	"github.com/calvinfo/livegrep/pkg/metrics"
	"github.com/calvinfo/livegrep/pkg/postgres"
	pkgredis "github.com/calvinfo/livegrep/pkg/redis"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		loadIndex   = flag.String("load_index", "", "load a prebuilt index instead of walking repositories")
		dumpIndex   = flag.String("dump_index", "", "write the index to this path during ingest")
		listen      = flag.String("listen", "", "listen spec: a unix socket path or tcp://HOST:PORT")
		concurrency = flag.Int("concurrency", 0, "number of concurrent queries to allow")
		jsonMode    = flag.Bool("json", false, "use JSON framing")
		quiet       = flag.Bool("quiet", false, "run searches but do not print results")
		name        = flag.String("name", "", "the name of this index")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *listen, *concurrency, *jsonMode, *quiet, *name, *loadIndex, *dumpIndex)

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Index.LoadPath != "" && flag.NArg() > 0 {
		slog.Error("--load_index is mutually exclusive with ingest arguments")
		os.Exit(1)
	}
	if cfg.Index.LoadPath == "" && flag.NArg() == 0 {
		slog.Error("nothing to do: provide trees to ingest or --load_index")
		os.Exit(1)
	}

	var mets *metrics.Metrics
	checker := health.NewChecker()
	if cfg.Metrics.Enabled {
		mets = metrics.New()
		shutdown := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/healthz/live":  checker.LiveHandler(),
			"/healthz/ready": checker.ReadyHandler(),
		})
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ix, cleanup, err := buildOrLoad(ctx, cfg, mets)
	if err != nil {
		slog.Error("index initialization failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		if ix.Catalog().Sealed() {
			return health.ComponentHealth{Status: health.StatusUp}
		}
		return health.ComponentHealth{Status: health.StatusDown, Message: "index not sealed"}
	})

	engine := search.New(ix, search.Limits{
		MatchLimit:   cfg.Limits.MatchLimit,
		Timeout:      cfg.Limits.Timeout,
		ContextLines: cfg.Limits.ContextLines,
	}, mets)

	var queryCache *searchcache.QueryCache
	if cfg.Redis.Addr != "" {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, query caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = searchcache.New(redisClient, cfg.Redis)
			checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
				if err := redisClient.Ping(ctx); err != nil {
					return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
				}
				return health.ComponentHealth{Status: health.StatusUp}
			})
			slog.Info("query cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var collector *analytics.Collector
	if cfg.Analytics.Enabled && len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.EventsTopic)
		defer producer.Close()
		collector = analytics.NewCollector(producer, cfg.Analytics.BufferSize)
		collector.Start(ctx)
		defer collector.Close()

		aggregator := analytics.NewAggregator()
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.EventsTopic, analytics.HandleEvent(aggregator))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("analytics consumer error", "error", err)
			}
		}()
		if cfg.Postgres.Host != "" {
			if db, err := postgres.New(cfg.Postgres); err != nil {
				slog.Warn("postgres unavailable, snapshots disabled", "error", err)
			} else {
				defer db.Close()
				store := analytics.NewStore(db)
				store.StartPeriodicSave(ctx, aggregator, cfg.Analytics.SnapshotInterval)
				checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
					if err := db.Ping(ctx); err != nil {
						return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
					}
					return health.ComponentHealth{Status: health.StatusUp}
				})
			}
		}
		slog.Info("analytics enabled", "topic", cfg.Kafka.EventsTopic)
	}

	srv := server.New(server.Config{
		Engine:      engine,
		Cache:       queryCache,
		Collector:   collector,
		Name:        cfg.Server.Name,
		Concurrency: cfg.Server.Concurrency,
		JSON:        cfg.Server.JSON,
		Quiet:       cfg.Server.Quiet,
		Metrics:     mets,
	})

	if cfg.Server.Listen != "" {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe(cfg.Server.Listen) }()
		select {
		case err := <-errCh:
			if err != nil {
				slog.Error("server error", "error", err)
				os.Exit(1)
			}
		case <-ctx.Done():
			slog.Info("shutting down")
			srv.Stop()
		}
		return
	}
	srv.Interact(os.Stdin, os.Stdout)
}

// applyFlags overlays explicitly-set command line flags onto the config.
func applyFlags(cfg *config.Config, listen string, concurrency int, jsonMode, quiet bool, name, loadIndex, dumpIndex string) {
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if concurrency > 0 {
		cfg.Server.Concurrency = concurrency
	}
	if jsonMode {
		cfg.Server.JSON = true
	}
	if quiet {
		cfg.Server.Quiet = true
	}
	if name != "" {
		cfg.Server.Name = name
	}
	if loadIndex != "" {
		cfg.Index.LoadPath = loadIndex
	}
	if dumpIndex != "" {
		cfg.Index.DumpPath = dumpIndex
	}
}

// buildOrLoad either loads a prebuilt index image or ingests the positional
// tree specs and finalizes a fresh index. The returned cleanup releases the
// backing storage.
func buildOrLoad(ctx context.Context, cfg *config.Config, mets *metrics.Metrics) (*index.Index, func(), error) {
	if cfg.Index.LoadPath != "" {
		ix, mapped, err := index.Load(cfg.Index.LoadPath)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Index.DumpPath != "" {
			if err := index.WriteFile(ix, cfg.Index.DumpPath); err != nil {
				mapped.Close()
				return nil, nil, err
			}
			slog.Info("index re-dumped", "path", cfg.Index.DumpPath)
		}
		return ix, func() { mapped.Close() }, nil
	}

	var allocator alloc.Allocator
	var fileAlloc *alloc.FileAllocator
	if cfg.Index.DumpPath != "" {
		fa, err := alloc.NewFile(cfg.Index.DumpPath, index.HeaderSize)
		if err != nil {
			return nil, nil, err
		}
		fileAlloc = fa
		allocator = fa
	} else {
		allocator = alloc.NewMem()
	}

	cat := corpus.NewCatalog(allocator, corpus.Options{
		ChunkMaxSize:  cfg.Index.ChunkMaxSize,
		MaxLineLength: cfg.Index.MaxLineLength,
	})
	ingestor := ingest.New(cat, mets)

	start := time.Now()
	for _, arg := range flag.Args() {
		spec := ingest.ParseWalkSpec(arg)
		slog.Info("walking tree", "name", spec.Name, "path", spec.Path, "revs", spec.Revs)
		src := ingest.NewFSSource(spec.Name, spec.Path)
		for _, rev := range spec.Revs {
			if err := ingestor.Tree(ctx, src, rev, map[string]string{"path": spec.Path}); err != nil {
				return nil, nil, err
			}
		}
	}

	slog.Info("finalizing index")
	ix, err := index.Finalize(ctx, cat)
	if err != nil {
		return nil, nil, err
	}
	if fileAlloc != nil {
		if err := index.FinishDump(ix, fileAlloc); err != nil {
			return nil, nil, err
		}
		slog.Info("index dumped", "path", cfg.Index.DumpPath)
	}

	st := cat.Stats()
	if !cfg.Server.JSON {
		slog.Info("repository indexed",
			"trees", st.Trees,
			"files", st.Files,
			"contents", st.Contents,
			"chunks", st.Chunks,
			"bytes", st.Bytes,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}
	cleanup := func() {
		if err := allocator.Close(); err != nil {
			slog.Error("closing allocator", "error", err)
		}
	}
	return ix, cleanup, nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/roach88/realmindex/internal/config"
	"github.com/roach88/realmindex/internal/engine"
	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/manifest"
	"github.com/roach88/realmindex/internal/queue"
	"github.com/roach88/realmindex/internal/store"
)

// app is the wired index for one command invocation.
type app struct {
	cfg    config.Config
	store  *store.Store
	index  *index.Index
	engine *engine.Engine
	logger *slog.Logger
}

// openStore opens the configured backend: Postgres when a DSN is set,
// SQLite otherwise.
func openStore(cfg config.Config, logger *slog.Logger) (*store.Store, error) {
	if cfg.Postgres() {
		logger.Info("opening database", "backend", "postgres")
		return store.OpenPostgresStore(cfg.DatabaseURL, store.WithLogger(logger))
	}
	logger.Info("opening database", "backend", "sqlite", "path", cfg.DBPath)
	return store.Open(cfg.DBPath, store.WithLogger(logger))
}

// openApp wires store, index and engine. pub receives rebuild jobs; when
// nil a durable publisher over the same store is used. comp may be nil for
// commands that never rebuild.
func openApp(opts *RootOptions, pub engine.Publisher, comp engine.Compiler) (*app, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st, err := openStore(opts.Config, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	x, err := index.New(st,
		index.WithLogger(logger),
		index.WithCacheSize(opts.Config.ReadCacheSize),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create index", err)
	}
	if pub == nil {
		pub = durablePublisher(st, opts.Config)
	}
	return &app{
		cfg:    opts.Config,
		store:  st,
		index:  x,
		engine: engine.New(x, pub, comp, engine.WithLogger(logger)),
		logger: logger,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// durablePublisher records rebuild jobs in the job table for a worker
// process. Jobs of one realm share a concurrency group.
func durablePublisher(st *store.Store, cfg config.Config) *queue.DurablePublisher {
	return queue.NewDurablePublisher(st,
		queue.WithJobTimeout(engine.CategoryFromScratch, cfg.JobTimeout),
		queue.WithPublisherPoll(cfg.JobPoll),
		queue.WithConcurrencyGroup(realmGroup),
	)
}

func realmGroup(category string, arg json.RawMessage) string {
	var args engine.RebuildArgs
	if err := json.Unmarshal(arg, &args); err != nil || args.RealmURL == "" {
		return ""
	}
	return "realm:" + ir.NormalizeURL(args.RealmURL)
}

// inProcessQueue runs rebuild jobs inside this process.
func inProcessQueue(cfg config.Config, logger *slog.Logger) (*queue.Queue, error) {
	q := queue.New(
		queue.WithDebounce(cfg.QueueDebounce),
		queue.WithWorkers(cfg.QueueWorkers),
		queue.WithTimeout(engine.CategoryFromScratch, cfg.JobTimeout),
		queue.WithLogger(logger),
	)
	if err := q.Start(); err != nil {
		return nil, err
	}
	return q, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// realmCompilers dispatches compilation to the manifest of each realm.
type realmCompilers map[string]*manifest.Compiler

// loadManifests loads each manifest directory. Two manifests may not claim
// the same realm.
func loadManifests(dirs []string) (realmCompilers, error) {
	rc := realmCompilers{}
	for _, dir := range dirs {
		m, err := manifest.Load(dir)
		if err != nil {
			return nil, err
		}
		if _, dup := rc[m.RealmURL]; dup {
			return nil, fmt.Errorf("realm %s is declared by more than one manifest", m.RealmURL)
		}
		rc[m.RealmURL] = manifest.NewCompiler(m)
	}
	return rc, nil
}

func (rc realmCompilers) Realms() []string {
	realms := make([]string, 0, len(rc))
	for r := range rc {
		realms = append(realms, r)
	}
	sort.Strings(realms)
	return realms
}

func (rc realmCompilers) Compile(ctx context.Context, realmURL, url string) (ir.Artifact, error) {
	c, ok := rc[ir.NormalizeURL(realmURL)]
	if !ok {
		return ir.Artifact{}, fmt.Errorf("no manifest for realm %s: %w", realmURL, engine.ErrNotFound)
	}
	return c.Compile(ctx, realmURL, url)
}

func (rc realmCompilers) URLs(ctx context.Context, realmURL string) ([]string, error) {
	c, ok := rc[ir.NormalizeURL(realmURL)]
	if !ok {
		return nil, fmt.Errorf("no manifest for realm %s", realmURL)
	}
	return c.URLs(ctx, realmURL)
}

package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/realmindex/internal/engine"
	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
	"github.com/roach88/realmindex/internal/queue"
	"github.com/roach88/realmindex/internal/store"
	"github.com/roach88/realmindex/internal/testutil"
)

// Harness executes one scenario against a private store.
type Harness struct {
	realm    string
	store    *store.Store
	engine   *engine.Engine
	compiler *fixtureCompiler
	jobs     *jobRecorder
	seq      int64
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each run opens a fresh in-memory store, so scenarios are isolated.
// Setup failures and infrastructure errors are returned; expectation and
// assertion failures are recorded in the result.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	x, err := index.New(st,
		index.WithClock(testutil.NewDeterministicClock()),
		index.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	realm := scenario.Realm
	if realm == "" {
		realm = DefaultRealm
	}
	comp := newFixtureCompiler()
	for url, a := range scenario.Artifacts {
		comp.set(url, a.Artifact())
	}
	jobs := &jobRecorder{}

	h := &Harness{
		realm:    ir.NormalizeURL(realm),
		store:    st,
		engine:   engine.New(x, jobs, comp, engine.WithLogger(logger)),
		compiler: comp,
		jobs:     jobs,
		logger:   logger,
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Setup {
		ev := h.execute(ctx, step)
		result.AddTrace(ev)
		if ev.Outcome != OutcomeOK {
			return nil, fmt.Errorf("setup step %d (%s): %s", i, step.Op, ev.Error)
		}
	}

	for i, step := range scenario.Flow {
		ev := h.execute(ctx, step)
		result.AddTrace(ev)
		for _, msg := range checkExpect(step, ev) {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Op, msg))
		}
		h.logger.Info("flow step completed",
			"step", i,
			"op", step.Op,
			"outcome", ev.Outcome,
		)
	}

	actx := &AssertionContext{Store: st, Realm: h.realm, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step and records it as a trace event.
func (h *Harness) execute(ctx context.Context, step Step) TraceEvent {
	h.seq++
	res, err := h.dispatch(ctx, step)
	ev := TraceEvent{
		Seq:     h.seq,
		Op:      step.Op,
		Args:    step.Args(),
		Outcome: outcomeOf(err),
		Result:  res,
	}
	if err != nil {
		ev.Error = err.Error()
		ev.Result = nil
	}
	return ev
}

func (h *Harness) dispatch(ctx context.Context, step Step) (map[string]any, error) {
	e := h.engine
	switch step.Op {
	case OpPut:
		entry := ir.IndexEntry{
			URL:          step.URL,
			RealmURL:     h.realm,
			Type:         ir.EntryType(step.Type),
			RealmVersion: step.Version,
			Deps:         step.Deps,
		}
		if step.SearchDoc != nil {
			entry.SearchDoc = ir.Doc(step.SearchDoc)
		}
		stored, err := e.Index.Put(ctx, entry)
		if err != nil {
			return nil, err
		}
		return map[string]any{"realm_version": stored.RealmVersion}, nil

	case OpGet:
		got, err := e.Index.Get(ctx, step.URL, h.realm, index.ReadOptions{WorkInProgress: step.WorkInProgress})
		if err != nil {
			return nil, err
		}
		if got == nil {
			return map[string]any{"found": false}, nil
		}
		m := entryMap(got)
		m["found"] = true
		return m, nil

	case OpRemove:
		inv, err := e.Invalidator.Remove(ctx, step.URL, h.realm)
		if err != nil {
			return nil, err
		}
		return invalidationMap(inv), nil

	case OpInvalidate:
		var opts []engine.InvalidateOption
		if step.IncludeChanged {
			opts = append(opts, engine.IncludeChanged())
		}
		inv, err := e.Invalidator.Invalidate(ctx, step.URL, h.realm, opts...)
		if err != nil {
			return nil, err
		}
		return invalidationMap(inv), nil

	case OpCreateGeneration:
		var opts []engine.GenerationOption
		if step.FromScratch {
			opts = append(opts, engine.FromScratch())
		}
		v, err := e.Generations.CreateGeneration(ctx, h.realm, opts...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"version": v}, nil

	case OpPromote:
		v, err := h.targetVersion(ctx, step.Version)
		if err != nil {
			return nil, err
		}
		pr, err := e.Generations.Promote(ctx, h.realm, v)
		if err != nil {
			return nil, err
		}
		res := map[string]any{
			"version":  v,
			"upserted": pr.Upserted,
			"purged":   pr.Purged,
			"retagged": pr.Retagged,
			"cleared":  pr.Cleared,
		}
		if len(pr.Pending) > 0 {
			res["pending"] = pr.Pending
			res["next_working"] = pr.NextWorking
		}
		return res, nil

	case OpAbandon:
		v, err := h.targetVersion(ctx, step.Version)
		if err != nil {
			return nil, err
		}
		if err := e.Generations.Abandon(ctx, h.realm, v); err != nil {
			return nil, err
		}
		return map[string]any{"version": v}, nil

	case OpVersions:
		v, err := h.store.Versions(ctx, h.realm)
		if err != nil {
			return nil, err
		}
		return versionsMap(v), nil

	case OpRunJobs:
		n := 0
		var total ir.Stats
		for {
			args, ok := h.jobs.next()
			if !ok {
				break
			}
			stats, err := e.Indexer.HandleFromScratch(ctx, args)
			if err != nil {
				return nil, err
			}
			n++
			total = addStats(total, stats)
		}
		m := statsMap(total)
		m["jobs"] = n
		return m, nil

	case OpRebuildRealm:
		stats, err := e.Indexer.RebuildRealm(ctx, h.realm)
		if err != nil {
			return nil, err
		}
		return statsMap(stats), nil

	case OpSetArtifact:
		a := ArtifactSpec{Type: step.Type, Deps: step.Deps, SearchDoc: step.SearchDoc}
		h.compiler.set(step.URL, a.Artifact())
		return nil, nil

	case OpDropArtifact:
		h.compiler.drop(step.URL)
		return nil, nil

	case OpFailArtifact:
		msg := step.Message
		if msg == "" {
			msg = "compile failed"
		}
		h.compiler.fail(step.URL, errors.New(msg))
		return nil, nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

// targetVersion resolves a zero version to the open working generation.
func (h *Harness) targetVersion(ctx context.Context, v int64) (int64, error) {
	if v != 0 {
		return v, nil
	}
	versions, err := h.store.Versions(ctx, h.realm)
	if err != nil {
		return 0, err
	}
	if !versions.HasWorking() {
		return 0, store.ErrNoGeneration
	}
	return versions.Working, nil
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	var ie *index.IndexError
	if errors.As(err, &ie) {
		return string(ie.Code)
	}
	if errors.Is(err, store.ErrNoGeneration) {
		return OutcomeNoGeneration
	}
	return OutcomeError
}

// checkExpect compares a step's event with its expect clause. A step
// without one must succeed.
func checkExpect(step Step, ev TraceEvent) []string {
	if step.Expect == nil {
		if ev.Outcome != OutcomeOK {
			return []string{fmt.Sprintf("unexpected %s: %s", ev.Outcome, ev.Error)}
		}
		return nil
	}
	if ev.Outcome != step.Expect.Outcome {
		return []string{fmt.Sprintf("expected outcome %s, got %s %s", step.Expect.Outcome, ev.Outcome, ev.Error)}
	}
	var msgs []string
	for _, key := range sortedKeys(step.Expect.Result) {
		want := step.Expect.Result[key]
		got, ok := ev.Result[key]
		if !ok {
			msgs = append(msgs, fmt.Sprintf("result field %q missing", key))
			continue
		}
		if !canonicalEqual(got, want) {
			msgs = append(msgs, fmt.Sprintf("result field %q = %s, expected %s", key, canonicalString(got), canonicalString(want)))
		}
	}
	return msgs
}

func entryMap(e *ir.IndexEntry) map[string]any {
	m := map[string]any{
		"url":           e.URL,
		"type":          string(e.Type),
		"realm_version": e.RealmVersion,
		"deps":          e.Deps,
		"is_deleted":    e.IsDeleted,
		"is_stale":      e.IsStale,
		"has_error":     e.HasError,
	}
	if e.SearchDoc != nil {
		m["search_doc"] = map[string]any(e.SearchDoc)
	}
	if e.ErrorDoc != nil {
		m["error_doc"] = map[string]any(e.ErrorDoc)
	}
	return m
}

func invalidationMap(inv engine.Invalidation) map[string]any {
	return map[string]any{
		"version": inv.Version,
		"closure": inv.Closure.URLs,
		"stubbed": inv.Stubbed,
	}
}

func versionsMap(v ir.RealmVersions) map[string]any {
	return map[string]any{
		"current":   v.Current,
		"working":   v.Working,
		"allocated": v.Allocated,
	}
}

func statsMap(s ir.Stats) map[string]any {
	return map[string]any{
		"instances_indexed":   s.InstancesIndexed,
		"modules_indexed":     s.ModulesIndexed,
		"files_indexed":       s.FilesIndexed,
		"instance_errors":     s.InstanceErrors,
		"module_errors":       s.ModuleErrors,
		"total_index_entries": s.TotalIndexEntries,
	}
}

func addStats(a, b ir.Stats) ir.Stats {
	a.InstancesIndexed += b.InstancesIndexed
	a.ModulesIndexed += b.ModulesIndexed
	a.FilesIndexed += b.FilesIndexed
	a.InstanceErrors += b.InstanceErrors
	a.ModuleErrors += b.ModuleErrors
	a.TotalIndexEntries += b.TotalIndexEntries
	return a
}

// fixtureCompiler serves scenario artifacts.
type fixtureCompiler struct {
	mu        sync.Mutex
	artifacts map[string]ir.Artifact
	failures  map[string]error
}

func newFixtureCompiler() *fixtureCompiler {
	return &fixtureCompiler{artifacts: map[string]ir.Artifact{}, failures: map[string]error{}}
}

func (c *fixtureCompiler) set(url string, a ir.Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url = ir.NormalizeURL(url)
	c.artifacts[url] = a
	delete(c.failures, url)
}

func (c *fixtureCompiler) drop(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url = ir.NormalizeURL(url)
	delete(c.artifacts, url)
	delete(c.failures, url)
}

func (c *fixtureCompiler) fail(url string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ir.NormalizeURL(url)] = err
}

func (c *fixtureCompiler) Compile(_ context.Context, realmURL, url string) (ir.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url = ir.NormalizeURL(url)
	if err, ok := c.failures[url]; ok {
		return ir.Artifact{}, err
	}
	a, ok := c.artifacts[url]
	if !ok || !ir.InRealm(realmURL, url) {
		return ir.Artifact{}, fmt.Errorf("%s: %w", url, engine.ErrNotFound)
	}
	return a, nil
}

func (c *fixtureCompiler) URLs(_ context.Context, realmURL string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	for u := range c.artifacts {
		seen[u] = true
	}
	for u := range c.failures {
		seen[u] = true
	}
	var urls []string
	for u := range seen {
		if ir.InRealm(realmURL, u) {
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)
	return urls, nil
}

// jobRecorder holds published rebuild jobs until run_jobs drains them.
type jobRecorder struct {
	mu      sync.Mutex
	pending []engine.RebuildArgs
}

func (r *jobRecorder) Publish(category string, arg any) (*queue.Job, error) {
	args, ok := arg.(engine.RebuildArgs)
	if category != engine.CategoryFromScratch || !ok {
		return nil, fmt.Errorf("unexpected job %s", category)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, args)
	return nil, nil
}

func (r *jobRecorder) next() (engine.RebuildArgs, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return engine.RebuildArgs{}, false
	}
	args := r.pending[0]
	r.pending = r.pending[1:]
	return args, true
}

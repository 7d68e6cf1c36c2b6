package manifest

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/realmindex/internal/engine"
	"github.com/roach88/realmindex/internal/ir"
)

// Compiler serves a manifest's artifacts to the indexer. The manifest can be
// swapped while the compiler is in use.
type Compiler struct {
	mu sync.RWMutex
	m  *Manifest
}

var _ engine.Compiler = (*Compiler)(nil)

// NewCompiler creates a compiler serving m.
func NewCompiler(m *Manifest) *Compiler {
	return &Compiler{m: m}
}

// Manifest returns the manifest being served.
func (c *Compiler) Manifest() *Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m
}

// Swap replaces the manifest and reports which URLs changed or disappeared.
func (c *Compiler) Swap(next *Manifest) (changed, removed []string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed, removed, err = Diff(c.m, next)
	if err != nil {
		return nil, nil, err
	}
	c.m = next
	return changed, removed, nil
}

// Compile returns the artifact declared for url, or engine.ErrNotFound.
func (c *Compiler) Compile(ctx context.Context, realmURL, url string) (ir.Artifact, error) {
	m := c.Manifest()
	if err := checkRealm(m, realmURL); err != nil {
		return ir.Artifact{}, err
	}
	art, ok := m.Artifacts[ir.NormalizeURL(url)]
	if !ok {
		return ir.Artifact{}, fmt.Errorf("%s: %w", url, engine.ErrNotFound)
	}
	return art, nil
}

// URLs lists the manifest's file URLs.
func (c *Compiler) URLs(ctx context.Context, realmURL string) ([]string, error) {
	m := c.Manifest()
	if err := checkRealm(m, realmURL); err != nil {
		return nil, err
	}
	return m.URLs(), nil
}

func checkRealm(m *Manifest, realmURL string) error {
	if ir.NormalizeURL(realmURL) != m.RealmURL {
		return fmt.Errorf("manifest serves realm %s, not %s", m.RealmURL, realmURL)
	}
	return nil
}

// Diff compares two manifests of the same realm by entry content hash.
// changed lists URLs that are new or whose artifact differs; removed lists
// URLs only in old. Both are sorted.
func Diff(old, next *Manifest) (changed, removed []string, err error) {
	changed, removed = []string{}, []string{}
	if old == nil {
		return next.URLs(), removed, nil
	}
	if old.RealmURL != next.RealmURL {
		return nil, nil, fmt.Errorf("manifest realm changed from %s to %s", old.RealmURL, next.RealmURL)
	}
	for _, u := range next.URLs() {
		prev, ok := old.Artifacts[u]
		if !ok {
			changed = append(changed, u)
			continue
		}
		a, err := ir.EntryHash(prev.Entry(u, old.RealmURL))
		if err != nil {
			return nil, nil, err
		}
		b, err := ir.EntryHash(next.Artifacts[u].Entry(u, next.RealmURL))
		if err != nil {
			return nil, nil, err
		}
		if a != b {
			changed = append(changed, u)
		}
	}
	for _, u := range old.URLs() {
		if _, ok := next.Artifacts[u]; !ok {
			removed = append(removed, u)
		}
	}
	return changed, removed, nil
}

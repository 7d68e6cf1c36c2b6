package deps

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/realmindex/internal/ir"
)

// Source returns the entries whose deps contain key.
type Source interface {
	Dependents(ctx context.Context, key string) ([]ir.IndexEntry, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, key string) ([]ir.IndexEntry, error)

func (f SourceFunc) Dependents(ctx context.Context, key string) ([]ir.IndexEntry, error) {
	return f(ctx, key)
}

// Closure is the transitive set of dependents of one changed URL.
type Closure struct {
	// Root is the changed URL.
	Root string `json:"root"`

	// URLs is every entry reached from Root, sorted. Root itself appears only
	// when a cycle leads back to it.
	URLs []string `json:"urls"`

	// Edges maps each expanded URL to the dependents found for it, sorted.
	// URLs with no dependents are omitted.
	Edges map[string][]string `json:"edges,omitempty"`
}

// Contains reports whether url is in the closure.
func (c Closure) Contains(url string) bool {
	i := sort.SearchStrings(c.URLs, url)
	return i < len(c.URLs) && c.URLs[i] == url
}

// Empty reports whether nothing depends on Root.
func (c Closure) Empty() bool {
	return len(c.URLs) == 0
}

// Compute walks dependents of changedURL breadth first. Each visited URL is
// looked up under every key a deps list may use for it (see ir.DepKeys).
func Compute(ctx context.Context, src Source, changedURL string) (Closure, error) {
	root := ir.NormalizeURL(changedURL)
	c := Closure{Root: root, URLs: []string{}, Edges: map[string][]string{}}

	visited := make(map[string]bool)
	result := make(map[string]bool)
	frontier := []string{root}

	for len(frontier) > 0 {
		u := frontier[0]
		frontier = frontier[1:]
		if visited[u] {
			continue
		}
		visited[u] = true

		if err := ctx.Err(); err != nil {
			return Closure{}, err
		}

		found := make(map[string]bool)
		for _, key := range ir.DepKeys(u) {
			dependents, err := src.Dependents(ctx, key)
			if err != nil {
				return Closure{}, fmt.Errorf("dependents of %s: %w", key, err)
			}
			for _, e := range dependents {
				found[e.URL] = true
			}
		}

		if len(found) == 0 {
			continue
		}
		edge := make([]string, 0, len(found))
		for d := range found {
			edge = append(edge, d)
			if !result[d] {
				result[d] = true
				c.URLs = append(c.URLs, d)
			}
			if !visited[d] {
				frontier = append(frontier, d)
			}
		}
		sort.Strings(edge)
		c.Edges[u] = edge
	}

	sort.Strings(c.URLs)
	return c, nil
}

// Merge combines closures of several changed URLs into one sorted URL set.
func Merge(closures ...Closure) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, c := range closures {
		for _, u := range c.URLs {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	sort.Strings(out)
	return out
}

package engine

import (
	"context"
	"errors"

	"github.com/roach88/realmindex/internal/index"
	"github.com/roach88/realmindex/internal/ir"
)

// ErrNotFound is returned by a Compiler when a URL no longer exists in the
// realm. The indexer records it as a deletion.
var ErrNotFound = errors.New("engine: url not found")

// Compiler produces the artifact stored for a URL. It is the external
// collaborator of the index: the index only stores what it returns.
type Compiler interface {
	// Compile computes the artifact for url in realmURL.
	Compile(ctx context.Context, realmURL, url string) (ir.Artifact, error)

	// URLs lists every indexable URL of realmURL for a whole-realm rebuild.
	URLs(ctx context.Context, realmURL string) ([]string, error)
}

// errorArtifact records a compute failure so dependents can reference it
// without triggering recomputation.
func errorArtifact(url string, err error) ir.Artifact {
	return ir.Artifact{
		Type: ir.EntryTypeFor(url),
		ErrorDoc: ir.Doc{
			"code":    string(index.ErrCodeComputeError),
			"message": err.Error(),
		},
	}
}

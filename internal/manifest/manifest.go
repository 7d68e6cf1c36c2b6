// Package manifest loads realm manifests written in CUE and serves them as
// the compiler the indexer consumes.
//
// A manifest declares a realm URL and, for each file path under it, the
// artifact the index stores:
//
//	realm: "http://localhost:4201/demo/"
//	files: "person.gts": {type: "module", source: "..."}
//	files: "mango.json": {pristine: {name: "Mango"}, deps: ["./person"]}
//
// Relative deps resolve against the file's own URL.
package manifest

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/realmindex/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// Error codes reported by Load.
const (
	ErrCodeNotFound    = "E005"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeBuildFailed = "E006"
	ErrCodeInvalid     = "E010"
)

// LoadError is a manifest loading failure with its CUE position when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Manifest is a loaded realm manifest.
type Manifest struct {
	RealmURL  string
	Artifacts map[string]ir.Artifact
	// Dir is the directory the manifest was loaded from.
	Dir string
}

// URLs returns every file URL in the manifest, sorted.
func (m *Manifest) URLs() []string {
	urls := make([]string, 0, len(m.Artifacts))
	for u := range m.Artifacts {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// Entries returns the index entries the manifest describes, in URL order.
func (m *Manifest) Entries() []ir.IndexEntry {
	out := make([]ir.IndexEntry, 0, len(m.Artifacts))
	for _, u := range m.URLs() {
		out = append(out, m.Artifacts[u].Entry(u, m.RealmURL))
	}
	return out
}

type fileSpec struct {
	Type         string         `json:"type"`
	Pristine     map[string]any `json:"pristine"`
	Search       map[string]any `json:"search"`
	Error        map[string]any `json:"error"`
	Deps         []string       `json:"deps"`
	Types        []string       `json:"types"`
	HTML         htmlSpec       `json:"html"`
	DisplayNames []string       `json:"display_names"`
	Source       string         `json:"source"`
	Transpiled   string         `json:"transpiled"`
	LastModified int64          `json:"last_modified"`
	CreatedAt    int64          `json:"created_at"`
}

type htmlSpec struct {
	Isolated string            `json:"isolated"`
	Embedded map[string]string `json:"embedded"`
	Fitted   map[string]string `json:"fitted"`
	Atom     string            `json:"atom"`
	Icon     string            `json:"icon"`
}

type manifestSpec struct {
	Realm string              `json:"realm"`
	Files map[string]fileSpec `json:"files"`
}

// Load reads every .cue file in dir as one manifest.
func Load(dir string) (*Manifest, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("manifest directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil || len(matches) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	if err := instances[0].Err; err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", err)}
	}
	value := ctx.BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}
	m, err := compile(ctx, value)
	if err != nil {
		return nil, err
	}
	m.Dir = dir
	return m, nil
}

// Parse compiles a manifest from CUE source.
func Parse(filename, src string) (*Manifest, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}
	return compile(ctx, value)
}

func compile(ctx *cue.Context, value cue.Value) (*Manifest, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeInvalid, err)
	}

	var decl manifestSpec
	if err := unified.Decode(&decl); err != nil {
		return nil, cueError(ErrCodeInvalid, err)
	}

	m := &Manifest{
		RealmURL:  ir.NormalizeURL(decl.Realm),
		Artifacts: make(map[string]ir.Artifact, len(decl.Files)),
	}
	for path, f := range decl.Files {
		fileURL, err := resolve(m.RealmURL, strings.TrimPrefix(path, "/"))
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("file %q: %v", path, err)}
		}
		if !ir.InRealm(m.RealmURL, fileURL) {
			return nil, &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("file %q resolves outside realm %s", path, m.RealmURL)}
		}
		art, err := f.artifact(fileURL)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("file %q: %v", path, err)}
		}
		m.Artifacts[fileURL] = art
	}
	return m, nil
}

func (f fileSpec) artifact(fileURL string) (ir.Artifact, error) {
	typ := ir.EntryType(f.Type)
	if f.Type == "" {
		typ = ir.EntryTypeFor(fileURL)
	}
	deps := make([]string, 0, len(f.Deps))
	for _, d := range f.Deps {
		resolved, err := resolve(fileURL, d)
		if err != nil {
			return ir.Artifact{}, fmt.Errorf("dep %q: %w", d, err)
		}
		deps = append(deps, resolved)
	}
	return ir.Artifact{
		Type:         typ,
		PristineDoc:  doc(f.Pristine),
		SearchDoc:    doc(f.Search),
		ErrorDoc:     doc(f.Error),
		Deps:         deps,
		Types:        f.Types,
		IsolatedHTML: f.HTML.Isolated,
		EmbeddedHTML: f.HTML.Embedded,
		FittedHTML:   f.HTML.Fitted,
		AtomHTML:     f.HTML.Atom,
		IconHTML:     f.HTML.Icon,
		DisplayNames: f.DisplayNames,
		Source:       f.Source,
		Transpiled:   f.Transpiled,
		LastModified: f.LastModified,
		CreatedAt:    f.CreatedAt,
	}, nil
}

func doc(m map[string]any) ir.Doc {
	if m == nil {
		return nil
	}
	return ir.Doc(m)
}

// resolve resolves ref against base. Absolute URLs are returned as is.
func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return ir.NormalizeURL(b.ResolveReference(r).String()), nil
}

func cueError(code string, err error) *LoadError {
	le := &LoadError{Code: code, Message: cueerrors.Details(err, nil)}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		le.Message = errs[0].Error()
		le.Pos = errs[0].Position()
	}
	return le
}

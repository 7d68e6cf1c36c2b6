package ir

import (
	"fmt"
	"sort"
)

// EntryType distinguishes the kinds of indexed artifacts.
type EntryType string

const (
	// EntryInstance is a serialized card instance (a .json document).
	EntryInstance EntryType = "instance"
	// EntryModule is an executable module with transpiled code.
	EntryModule EntryType = "module"
	// EntryFile is any other file indexed for its source and deps.
	EntryFile EntryType = "file"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryInstance, EntryModule, EntryFile:
		return true
	}
	return false
}

// Doc is a JSON document payload (pristine, search, or error doc).
type Doc map[string]any

// IndexEntry is one row of the realm index, keyed by (URL, RealmURL).
//
// Timestamps are unix milliseconds so both backends store plain integers.
type IndexEntry struct {
	URL          string    `json:"url"`
	RealmURL     string    `json:"realm_url"`
	Type         EntryType `json:"type"`
	RealmVersion int64     `json:"realm_version"`

	PristineDoc Doc `json:"pristine_doc,omitempty"`
	SearchDoc   Doc `json:"search_doc,omitempty"`
	ErrorDoc    Doc `json:"error_doc,omitempty"`

	Deps  []string `json:"deps"`
	Types []string `json:"types,omitempty"`

	IsolatedHTML string            `json:"isolated_html,omitempty"`
	EmbeddedHTML map[string]string `json:"embedded_html,omitempty"`
	FittedHTML   map[string]string `json:"fitted_html,omitempty"`
	AtomHTML     string            `json:"atom_html,omitempty"`
	IconHTML     string            `json:"icon_html,omitempty"`
	DisplayNames []string          `json:"display_names,omitempty"`

	IndexedAt         int64 `json:"indexed_at"`
	LastModified      int64 `json:"last_modified,omitempty"`
	ResourceCreatedAt int64 `json:"resource_created_at,omitempty"`

	IsDeleted bool `json:"is_deleted"`
	HasError  bool `json:"has_error"`

	// IsStale marks a stub written by invalidation: the row exists in the
	// working generation but carries no payload until it is rebuilt.
	IsStale bool `json:"is_stale,omitempty"`

	Source         string `json:"source,omitempty"`
	TranspiledCode string `json:"transpiled_code,omitempty"`
}

// Normalize enforces the entry invariants in place: deps are a sorted set of
// normalized URLs, and an error doc always implies HasError.
func (e *IndexEntry) Normalize() {
	e.URL = NormalizeURL(e.URL)
	e.RealmURL = NormalizeURL(e.RealmURL)
	e.Deps = DepSet(e.Deps)
	if e.ErrorDoc != nil {
		e.HasError = true
	}
}

// Validate checks the fields every stored entry must carry.
func (e *IndexEntry) Validate() error {
	if e.URL == "" {
		return fmt.Errorf("index entry: url is required")
	}
	if e.RealmURL == "" {
		return fmt.Errorf("index entry %s: realm url is required", e.URL)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("index entry %s: invalid type %q", e.URL, e.Type)
	}
	if e.ErrorDoc != nil && !e.HasError {
		return fmt.Errorf("index entry %s: error doc present without has_error", e.URL)
	}
	return nil
}

// DepSet returns the normalized, de-duplicated, sorted form of deps.
// Always returns a non-nil slice.
func DepSet(deps []string) []string {
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		d = NormalizeURL(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Artifact is what the external compiler produces for one URL.
// The index stores it; it never computes it.
type Artifact struct {
	Type         EntryType
	PristineDoc  Doc
	SearchDoc    Doc
	ErrorDoc     Doc
	Deps         []string
	Types        []string
	IsolatedHTML string
	EmbeddedHTML map[string]string
	FittedHTML   map[string]string
	AtomHTML     string
	IconHTML     string
	DisplayNames []string
	Source       string
	Transpiled   string
	LastModified int64
	CreatedAt    int64
}

// Entry builds the index entry for url in realmURL from the artifact.
// RealmVersion and IndexedAt are left for the writer to stamp.
func (a Artifact) Entry(url, realmURL string) IndexEntry {
	e := IndexEntry{
		URL:               url,
		RealmURL:          realmURL,
		Type:              a.Type,
		PristineDoc:       a.PristineDoc,
		SearchDoc:         a.SearchDoc,
		ErrorDoc:          a.ErrorDoc,
		Deps:              a.Deps,
		Types:             a.Types,
		IsolatedHTML:      a.IsolatedHTML,
		EmbeddedHTML:      a.EmbeddedHTML,
		FittedHTML:        a.FittedHTML,
		AtomHTML:          a.AtomHTML,
		IconHTML:          a.IconHTML,
		DisplayNames:      a.DisplayNames,
		Source:            a.Source,
		TranspiledCode:    a.Transpiled,
		LastModified:      a.LastModified,
		ResourceCreatedAt: a.CreatedAt,
	}
	e.Normalize()
	return e
}

// RealmVersions is the version row for one realm.
//
// Current is the last promoted generation (what production reads resolve
// against). Working is the open working generation, or 0 when none is open.
// Allocated is the high-water mark of every version ever handed out; it only
// grows, so abandoned generations are never reused.
type RealmVersions struct {
	RealmURL  string `json:"realm_url"`
	Current   int64  `json:"current_version"`
	Working   int64  `json:"working_version"`
	Allocated int64  `json:"allocated_version"`
}

// HasWorking reports whether a working generation is open.
func (v RealmVersions) HasWorking() bool {
	return v.Working > 0
}

// Stats counts the work done by an indexing run.
type Stats struct {
	InstancesIndexed  int `json:"instances_indexed"`
	ModulesIndexed    int `json:"modules_indexed"`
	FilesIndexed      int `json:"files_indexed"`
	InstanceErrors    int `json:"instance_errors"`
	ModuleErrors      int `json:"module_errors"`
	TotalIndexEntries int `json:"total_index_entries"`
}

// Record counts one written entry.
func (s *Stats) Record(e IndexEntry) {
	s.TotalIndexEntries++
	switch e.Type {
	case EntryInstance:
		if e.HasError {
			s.InstanceErrors++
		} else {
			s.InstancesIndexed++
		}
	case EntryModule:
		if e.HasError {
			s.ModuleErrors++
		} else {
			s.ModulesIndexed++
		}
	default:
		s.FilesIndexed++
	}
}

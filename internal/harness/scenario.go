package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/realmindex/internal/ir"
)

// DefaultRealm is used by scenarios that do not name a realm.
const DefaultRealm = "http://test-realm/"

// Scenario is a sequence of index operations with expectations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Realm is the realm every operation targets.
	Realm string `yaml:"realm,omitempty"`

	// Artifacts seeds the compiler, keyed by URL.
	Artifacts map[string]ArtifactSpec `yaml:"artifacts,omitempty"`

	// Setup runs before the flow. Every setup step must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow is the main sequence of operations.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and stored state.
	Assertions []Assertion `yaml:"assertions"`
}

// ArtifactSpec is a compiler fixture.
type ArtifactSpec struct {
	Type      string         `yaml:"type"`
	Deps      []string       `yaml:"deps,omitempty"`
	SearchDoc map[string]any `yaml:"search_doc,omitempty"`
}

// Artifact converts the fixture.
func (a ArtifactSpec) Artifact() ir.Artifact {
	art := ir.Artifact{Type: ir.EntryType(a.Type), Deps: a.Deps}
	if a.SearchDoc != nil {
		art.SearchDoc = ir.Doc(a.SearchDoc)
	}
	return art
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	URL       string         `yaml:"url,omitempty"`
	Type      string         `yaml:"type,omitempty"`
	Deps      []string       `yaml:"deps,omitempty"`
	SearchDoc map[string]any `yaml:"search_doc,omitempty"`
	Message   string         `yaml:"message,omitempty"`

	// Version targets a generation. Zero means the open one.
	Version int64 `yaml:"version,omitempty"`

	IncludeChanged bool `yaml:"include_changed,omitempty"`
	FromScratch    bool `yaml:"from_scratch,omitempty"`
	WorkInProgress bool `yaml:"wip,omitempty"`

	// Expect validates the outcome. Without it the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Args returns the step's arguments as recorded in the trace.
func (s Step) Args() map[string]any {
	args := map[string]any{}
	if s.URL != "" {
		args["url"] = s.URL
	}
	if s.Type != "" {
		args["type"] = s.Type
	}
	if s.Deps != nil {
		args["deps"] = s.Deps
	}
	if s.SearchDoc != nil {
		args["search_doc"] = s.SearchDoc
	}
	if s.Message != "" {
		args["message"] = s.Message
	}
	if s.Version != 0 {
		args["version"] = s.Version
	}
	if s.IncludeChanged {
		args["include_changed"] = true
	}
	if s.FromScratch {
		args["from_scratch"] = true
	}
	if s.WorkInProgress {
		args["wip"] = true
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Outcome is "ok" or an error code such as STALE_GENERATION.
	Outcome string `yaml:"outcome"`

	// Result is a subset match against the step's result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Op and Args are used by trace_contains and trace_count.
	Op   string         `yaml:"op,omitempty"`
	Args map[string]any `yaml:"args,omitempty"`

	// Ops is the expected order for trace_order.
	Ops []string `yaml:"ops,omitempty"`

	// Count is used by trace_count.
	Count int `yaml:"count,omitempty"`

	// Table is "production" or "working", for entry and no_entry.
	Table string `yaml:"table,omitempty"`
	URL   string `yaml:"url,omitempty"`

	// Expect is a subset match for entry and versions.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertEntry         = "entry"
	AssertNoEntry       = "no_entry"
	AssertVersions      = "versions"
)

// Operation names.
const (
	OpPut              = "put"
	OpGet              = "get"
	OpRemove           = "remove"
	OpInvalidate       = "invalidate"
	OpCreateGeneration = "create_generation"
	OpPromote          = "promote"
	OpAbandon          = "abandon"
	OpVersions         = "versions"
	OpRunJobs          = "run_jobs"
	OpRebuildRealm     = "rebuild_realm"
	OpSetArtifact      = "set_artifact"
	OpDropArtifact     = "drop_artifact"
	OpFailArtifact     = "fail_artifact"
)

var urlOps = map[string]bool{
	OpPut:          true,
	OpGet:          true,
	OpRemove:       true,
	OpInvalidate:   true,
	OpSetArtifact:  true,
	OpDropArtifact: true,
	OpFailArtifact: true,
}

var knownOps = map[string]bool{
	OpPut: true, OpGet: true, OpRemove: true, OpInvalidate: true,
	OpCreateGeneration: true, OpPromote: true, OpAbandon: true, OpVersions: true,
	OpRunJobs: true, OpRebuildRealm: true,
	OpSetArtifact: true, OpDropArtifact: true, OpFailArtifact: true,
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Realm == "" {
		scenario.Realm = DefaultRealm
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for url, a := range s.Artifacts {
		if !ir.EntryType(a.Type).Valid() {
			return fmt.Errorf("artifacts[%s]: invalid type %q", url, a.Type)
		}
	}
	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is not allowed in setup", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Expect != nil && step.Expect.Outcome == "" {
			return fmt.Errorf("flow[%d].expect: outcome is required", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s Step) error {
	if s.Op == "" {
		return fmt.Errorf("op is required")
	}
	if !knownOps[s.Op] {
		return fmt.Errorf("unknown op %q", s.Op)
	}
	if urlOps[s.Op] && s.URL == "" {
		return fmt.Errorf("url is required for %s", s.Op)
	}
	if (s.Op == OpPut || s.Op == OpSetArtifact) && !ir.EntryType(s.Type).Valid() {
		return fmt.Errorf("%s: invalid type %q", s.Op, s.Type)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertEntry, AssertNoEntry:
		if a.Table != "production" && a.Table != "working" {
			return fmt.Errorf("assertions[%d]: table must be production or working", index)
		}
		if a.URL == "" {
			return fmt.Errorf("assertions[%d]: url is required for %s", index, a.Type)
		}
		if a.Type == AssertEntry && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for entry", index)
		}
	case AssertVersions:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for versions", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

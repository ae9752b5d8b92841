// Package harness runs YAML-described batch scenarios end to end: seed
// a model, submit batches through a real engine, assert on the
// committed state and per-operation outcomes. Tests and golden
// snapshots both build on it.
package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/openarch/mason/internal/model"
)

// Scenario describes one harness run.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Engine overrides. Zero values keep the defaults.
	Ceiling              int    `yaml:"ceiling,omitempty"`
	Granularity          string `yaml:"granularity,omitempty"`
	DuplicateErrorAborts *bool  `yaml:"duplicate_error_aborts,omitempty"`
	AutoSwapDirection    bool   `yaml:"auto_swap_direction,omitempty"`
	AutoResolveVisuals   bool   `yaml:"auto_resolve_visuals,omitempty"`

	// Seed is the committed state before the first batch.
	Seed []SeedObject `yaml:"seed,omitempty"`

	// Batches are JSON batch files, run in order. Inline batches may be
	// given instead via BatchJSON.
	Batches   []string `yaml:"batches,omitempty"`
	BatchJSON []string `yaml:"batch_json,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// SeedObject is one pre-existing model object.
type SeedObject struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"`
	Type    string `yaml:"type,omitempty"`
	Name    string `yaml:"name,omitempty"`
	Source  string `yaml:"source,omitempty"`
	Target  string `yaml:"target,omitempty"`
	View    string `yaml:"view,omitempty"`
	Concept string `yaml:"concept,omitempty"`
}

func (s SeedObject) toObject() *model.Object {
	return &model.Object{
		ID:        s.ID,
		Kind:      model.Kind(s.Kind),
		Type:      s.Type,
		Name:      s.Name,
		SourceID:  s.Source,
		TargetID:  s.Target,
		ViewID:    s.View,
		ConceptID: s.Concept,
	}
}

// Assertion types.
const (
	AssertObjectExists = "object_exists" // kind/type/name present in final state
	AssertObjectCount  = "object_count"  // kind (and optional type) occurs count times
	AssertOpStatus     = "op_status"     // operation batch_index/op_index ended with status
	AssertTempResolved = "temp_resolved" // tempId resolved (to id, if given)
	AssertJobState     = "job_state"     // job batch_index ended in state
)

// Assertion is one expectation against the run.
type Assertion struct {
	Type string `yaml:"type"`

	Kind       string `yaml:"kind,omitempty"`
	ObjectType string `yaml:"object_type,omitempty"`
	Name       string `yaml:"name,omitempty"`
	Count      int    `yaml:"count,omitempty"`

	BatchIndex int    `yaml:"batch_index,omitempty"`
	OpIndex    int    `yaml:"op_index,omitempty"`
	Status     string `yaml:"status,omitempty"`

	TempID string `yaml:"temp_id,omitempty"`
	ID     string `yaml:"id,omitempty"`

	State string `yaml:"state,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected so typos fail loudly. Batch paths resolve relative to
// the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i, bp := range scenario.Batches {
		if !filepath.IsAbs(bp) {
			scenario.Batches[i] = filepath.Join(base, bp)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Batches) == 0 && len(s.BatchJSON) == 0 {
		return fmt.Errorf("at least one batch is required")
	}
	for i, a := range s.Assertions {
		switch a.Type {
		case AssertObjectExists, AssertObjectCount, AssertOpStatus, AssertTempResolved, AssertJobState:
		default:
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}

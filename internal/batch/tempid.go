package batch

import (
	"fmt"
	"sort"

	"github.com/openarch/mason/internal/model"
)

// TempKind classifies what a tempId will resolve to.
type TempKind string

const (
	TempConcept    TempKind = "concept"
	TempVisual     TempKind = "visual"
	TempConnection TempKind = "connection"
	TempView       TempKind = "view"
)

// Pending records what a not-yet-committed creation will look like, so
// duplicate matching and connection reconciliation can consult entities
// that exist only earlier in the batch.
type Pending struct {
	ObjectKind model.Kind
	Type       string
	Name       string

	// Relationship endpoints, as raw references (IDs or tempIds).
	SourceRef string
	TargetRef string

	// Visual placement, as raw references.
	ViewRef    string
	ConceptRef string
}

// Entry is one tempId registration.
type Entry struct {
	Kind      TempKind
	DefinedAt int    // operation index that registers the tempId
	OwnerKind OpKind // operation kind, for diagnostics
	Pending   Pending

	// ResolvedID is filled by the result collector after the owning
	// operation's chunk commits; empty means unresolved.
	ResolvedID string

	// Skipped marks registrations whose owning operation was skipped, so
	// the tempId can never resolve.
	Skipped bool
}

// Resolved reports whether the entry has a committed identity.
func (e *Entry) Resolved() bool { return e.ResolvedID != "" }

// Table maps tempIds to registrations. Job-scoped: built during
// validation, filled in during execution, discarded with the job.
//
// Invariant: a tempId is registered exactly once, and every reference to
// it comes from a strictly later operation.
type Table struct {
	entries map[string]*Entry
	order   []string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Register adds a tempId definition. Redefinition is an error.
func (t *Table) Register(tempID string, e Entry) error {
	if prev, ok := t.entries[tempID]; ok {
		return fmt.Errorf("tempId %q already defined by operation %d", tempID, prev.DefinedAt)
	}
	cp := e
	t.entries[tempID] = &cp
	t.order = append(t.order, tempID)
	return nil
}

// Lookup returns the entry for a tempId.
func (t *Table) Lookup(tempID string) (*Entry, bool) {
	e, ok := t.entries[tempID]
	return e, ok
}

// Resolve records the committed identity for a tempId.
func (t *Table) Resolve(tempID, id string) error {
	e, ok := t.entries[tempID]
	if !ok {
		return fmt.Errorf("tempId %q not registered", tempID)
	}
	if e.ResolvedID != "" && e.ResolvedID != id {
		return fmt.Errorf("tempId %q already resolved to %s", tempID, e.ResolvedID)
	}
	e.ResolvedID = id
	return nil
}

// MarkSkipped flags a registration whose owning operation was skipped.
func (t *Table) MarkSkipped(tempID string) {
	if e, ok := t.entries[tempID]; ok {
		e.Skipped = true
	}
}

// Unresolve withdraws a committed identity after its chunk was rolled
// back. The tempId can never resolve afterwards.
func (t *Table) Unresolve(tempID string) {
	if e, ok := t.entries[tempID]; ok {
		e.ResolvedID = ""
		e.Skipped = true
	}
}

// ResolvedMap returns tempId → committed ID for every resolved entry,
// the tempIdMap of the response envelope.
func (t *Table) ResolvedMap() map[string]string {
	out := make(map[string]string)
	for id, e := range t.entries {
		if e.Resolved() {
			out[id] = e.ResolvedID
		}
	}
	return out
}

// Mapping is one row of the ordered tempIdMappings response field.
type Mapping struct {
	TempID     string   `json:"tempId"`
	Kind       TempKind `json:"kind"`
	ResolvedID string   `json:"resolvedId,omitempty"`
}

// Mappings returns all registrations in definition order.
func (t *Table) Mappings() []Mapping {
	out := make([]Mapping, 0, len(t.order))
	for _, tempID := range t.order {
		e := t.entries[tempID]
		out = append(out, Mapping{TempID: tempID, Kind: e.Kind, ResolvedID: e.ResolvedID})
	}
	return out
}

// Unresolved returns the tempIds that never resolved, sorted.
func (t *Table) Unresolved() []string {
	var out []string
	for id, e := range t.entries {
		if !e.Resolved() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

package model

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// MemModel is the reference in-memory substrate.
//
// Commit applies a unit atomically under a single lock: either every
// primitive lands or none does. Final identity is assigned inside
// Commit, never earlier, which is the contract the rest of the engine
// is built around.
//
// Thread-safety: all methods are safe for concurrent use. Reads taken
// while a commit is in flight observe either the pre- or post-commit
// state, never a partial unit.
type MemModel struct {
	mu      sync.RWMutex
	objects map[string]*Object
	seq     map[Kind]int

	// Failure injection for tests. failCommits rolls back the next n
	// units; dropCommits acknowledges the next n units but discards
	// them, which is the silent-rollback shape commit verification
	// exists to catch.
	failCommits int
	dropCommits int
}

// NewMemModel returns an empty model.
func NewMemModel() *MemModel {
	return &MemModel{
		objects: make(map[string]*Object),
		seq:     make(map[Kind]int),
	}
}

// NewSeeded returns a model pre-populated with committed objects.
// Seed IDs are preserved as-is; generated identity continues past any
// seed ID that matches the substrate's own naming.
func NewSeeded(objs []*Object) *MemModel {
	m := NewMemModel()
	for _, o := range objs {
		m.objects[o.ID] = o.Clone()
		prefix := idPrefix[o.Kind] + "-"
		if strings.HasPrefix(o.ID, prefix) {
			if n, err := strconv.Atoi(o.ID[len(prefix):]); err == nil && n > m.seq[o.Kind] {
				m.seq[o.Kind] = n
			}
		}
	}
	return m
}

// FailNextCommits makes the next n commits roll back.
func (m *MemModel) FailNextCommits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCommits = n
}

// DropNextCommits makes the next n commits report success without
// applying anything.
func (m *MemModel) DropNextCommits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropCommits = n
}

var idPrefix = map[Kind]string{
	KindElement:      "el",
	KindRelationship: "rel",
	KindFolder:       "fld",
	KindView:         "vw",
	KindVisual:       "vis",
	KindConnection:   "con",
}

func (m *MemModel) nextID(kind Kind) string {
	m.seq[kind]++
	return fmt.Sprintf("%s-%04d", idPrefix[kind], m.seq[kind])
}

// FindMatch implements Reader. Name comparison uses Unicode case folding.
func (m *MemModel) FindMatch(c MatchCriteria) (*Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := foldCaser.String(c.Name)
	var ids []string
	for id := range m.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic pick when several match
	for _, id := range ids {
		o := m.objects[id]
		if o.Kind != c.Kind {
			continue
		}
		if c.Type != "" && o.Type != c.Type {
			continue
		}
		if foldCaser.String(o.Name) != want {
			continue
		}
		if c.Kind == KindRelationship {
			if o.SourceID != c.SourceID || o.TargetID != c.TargetID {
				continue
			}
		}
		return o.Clone(), true
	}
	return nil, false
}

// ReadCommitted implements Reader.
func (m *MemModel) ReadCommitted(ids []string) map[string]*Object {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*Object, len(ids))
	for _, id := range ids {
		if o, ok := m.objects[id]; ok {
			out[id] = o.Clone()
		}
	}
	return out
}

// VisualsFor implements Reader.
func (m *MemModel) VisualsFor(viewID, conceptID string) []*Object {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Object
	for _, o := range m.objects {
		if o.Kind == KindVisual && o.ViewID == viewID && o.ConceptID == conceptID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Objects returns every committed object, sorted by ID.
func (m *MemModel) Objects() []*Object {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Object, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Commit implements Substrate.
//
// A unit that references unknown objects is refused as a rollback (the
// model's state cannot satisfy it); a unit that still carries TempID
// refs is a caller bug and returns an error instead.
func (m *MemModel) Commit(ctx context.Context, unit []Primitive) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCommits > 0 {
		m.failCommits--
		return CommitResult{Committed: false}, nil
	}

	stage := &commitStage{model: m, staged: make(map[string]*Object)}
	for i := range unit {
		if err := stage.apply(&unit[i]); err != nil {
			if isContractViolation(err) {
				return CommitResult{}, fmt.Errorf("primitive %d: %w", i, err)
			}
			return CommitResult{Committed: false}, nil
		}
	}
	stage.cascadeDeletes()

	assigned := make([]string, len(stage.created))
	copy(assigned, stage.created)

	if m.dropCommits > 0 {
		m.dropCommits--
		return CommitResult{Committed: true, AssignedIDs: assigned}, nil
	}

	// Point of no return: fold staged state into committed state.
	for id, o := range stage.staged {
		m.objects[id] = o
	}
	for id := range stage.deleted {
		delete(m.objects, id)
	}
	return CommitResult{Committed: true, AssignedIDs: assigned}, nil
}

// contractViolation marks unit-construction bugs (as opposed to model
// state that refuses the unit).
type contractViolation struct{ msg string }

func (e *contractViolation) Error() string { return e.msg }

func isContractViolation(err error) bool {
	_, ok := err.(*contractViolation)
	return ok
}

// commitStage holds the uncommitted effects of a unit.
type commitStage struct {
	model   *MemModel
	staged  map[string]*Object
	deleted map[string]bool
	created []string
}

func (s *commitStage) resolve(r Ref) (*Object, error) {
	switch {
	case r.TempID != "":
		return nil, &contractViolation{msg: "unresolved tempId ref " + r.TempID + " reached the substrate"}
	case r.Handle != 0:
		if r.Handle < 1 || r.Handle > len(s.created) {
			return nil, &contractViolation{msg: fmt.Sprintf("handle %d out of range (unit created %d objects)", r.Handle, len(s.created))}
		}
		return s.staged[s.created[r.Handle-1]], nil
	case r.ID != "":
		if s.deleted[r.ID] {
			return nil, fmt.Errorf("object %s deleted earlier in unit", r.ID)
		}
		if o, ok := s.staged[r.ID]; ok {
			return o, nil
		}
		if o, ok := s.model.objects[r.ID]; ok {
			cp := o.Clone()
			s.staged[r.ID] = cp
			return cp, nil
		}
		return nil, fmt.Errorf("unknown object %s", r.ID)
	default:
		return nil, &contractViolation{msg: "empty ref"}
	}
}

func (s *commitStage) resolveID(r Ref) (string, error) {
	o, err := s.resolve(r)
	if err != nil {
		return "", err
	}
	return o.ID, nil
}

func (s *commitStage) apply(p *Primitive) error {
	switch p.Op {
	case PrimInstantiate:
		id := s.model.nextID(p.NewKind)
		s.staged[id] = &Object{ID: id, Kind: p.NewKind, Type: p.NewType}
		s.created = append(s.created, id)
		return nil

	case PrimSetField:
		o, err := s.resolve(p.Target)
		if err != nil {
			return err
		}
		return s.setField(o, p.Field, p.Value)

	case PrimSetProperty:
		o, err := s.resolve(p.Target)
		if err != nil {
			return err
		}
		if o.Properties == nil {
			o.Properties = make(map[string]string)
		}
		o.Properties[p.PropKey] = p.PropVal
		return nil

	case PrimAddToFolder:
		o, err := s.resolve(p.Target)
		if err != nil {
			return err
		}
		f, err := s.resolve(p.Folder)
		if err != nil {
			return err
		}
		if f.Kind != KindFolder {
			return fmt.Errorf("object %s is not a folder", f.ID)
		}
		o.FolderID = f.ID
		return nil

	case PrimDelete:
		o, err := s.resolve(p.Target)
		if err != nil {
			return err
		}
		if s.deleted == nil {
			s.deleted = make(map[string]bool)
		}
		s.deleted[o.ID] = true
		delete(s.staged, o.ID)
		return nil

	default:
		return &contractViolation{msg: "unknown primitive op " + string(p.Op)}
	}
}

func (s *commitStage) setField(o *Object, field string, v Value) error {
	refID := func() (string, error) {
		if v.Kind != ValueRef {
			return "", fmt.Errorf("field %s requires a ref value", field)
		}
		return s.resolveID(v.Ref)
	}

	switch field {
	case FieldName:
		o.Name = v.Str
	case FieldDocumentation:
		o.Documentation = v.Str
	case FieldSource:
		id, err := refID()
		if err != nil {
			return err
		}
		o.SourceID = id
	case FieldTarget:
		id, err := refID()
		if err != nil {
			return err
		}
		o.TargetID = id
	case FieldView:
		id, err := refID()
		if err != nil {
			return err
		}
		o.ViewID = id
	case FieldConcept:
		id, err := refID()
		if err != nil {
			return err
		}
		o.ConceptID = id
	case FieldSourceVisual:
		id, err := refID()
		if err != nil {
			return err
		}
		o.SourceVisualID = id
	case FieldTargetVisual:
		id, err := refID()
		if err != nil {
			return err
		}
		o.TargetVisualID = id
	case FieldParent:
		id, err := refID()
		if err != nil {
			return err
		}
		o.ParentVisualID = id
	case FieldX:
		o.Bounds.X = v.Int
	case FieldY:
		o.Bounds.Y = v.Int
	case FieldWidth:
		o.Bounds.Width = v.Int
	case FieldHeight:
		o.Bounds.Height = v.Int
	case FieldFillColor:
		o.Style.FillColor = v.Str
	case FieldLineColor:
		o.Style.LineColor = v.Str
	case FieldFontColor:
		o.Style.FontColor = v.Str
	case FieldOpacity:
		o.Style.Opacity = v.Int
	case FieldLineWidth:
		o.Style.LineWidth = v.Int
	default:
		return &contractViolation{msg: "unknown field " + field}
	}
	return nil
}

// cascadeDeletes removes objects left dangling by deletes in this unit:
// relationships that lost an endpoint, visuals whose concept or view is
// gone, connections whose relationship or endpoint visual is gone, and
// visuals nested under a deleted parent. Runs to a fixpoint.
func (s *commitStage) cascadeDeletes() {
	if len(s.deleted) == 0 {
		return
	}
	gone := func(id string) bool {
		if id == "" {
			return false
		}
		return s.deleted[id]
	}
	for {
		grew := false
		for id, o := range s.model.objects {
			if s.deleted[id] {
				continue
			}
			victim := false
			switch o.Kind {
			case KindRelationship:
				victim = gone(o.SourceID) || gone(o.TargetID)
			case KindVisual:
				victim = gone(o.ConceptID) || gone(o.ViewID) || gone(o.ParentVisualID)
			case KindConnection:
				victim = gone(o.ConceptID) || gone(o.ViewID) ||
					gone(o.SourceVisualID) || gone(o.TargetVisualID)
			}
			if victim {
				s.deleted[id] = true
				delete(s.staged, id)
				grew = true
			}
		}
		if !grew {
			return
		}
	}
}

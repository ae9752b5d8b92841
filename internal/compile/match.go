package compile

import (
	"fmt"

	"golang.org/x/text/cases"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/canon"
	"github.com/openarch/mason/internal/model"
)

var foldCaser = cases.Fold()

// matchIndex tracks earlier-in-batch creations so duplicate lookups see
// entities that exist only as unresolved registrations. Only operations
// carrying a tempId are indexed: without one, nothing later in the
// batch can name the creation anyway.
type matchIndex struct {
	byKey map[string]string // match key -> tempId
}

func newMatchIndex(_ *batch.Table) *matchIndex {
	return &matchIndex{byKey: make(map[string]string)}
}

func elementKey(typ, name string) string {
	key, err := canon.MatchKey(map[string]any{
		"kind": string(model.KindElement),
		"type": typ,
		"name": foldCaser.String(name),
	})
	if err != nil {
		// Criteria are plain strings; canonical marshal cannot fail.
		panic(err)
	}
	return key
}

func relationshipKey(typ, name, source, target string) string {
	key, err := canon.MatchKey(map[string]any{
		"kind":   string(model.KindRelationship),
		"type":   typ,
		"name":   foldCaser.String(name),
		"source": source,
		"target": target,
	})
	if err != nil {
		panic(err)
	}
	return key
}

func (m *matchIndex) lookup(key string) (string, bool) {
	tempID, ok := m.byKey[key]
	return tempID, ok
}

func (m *matchIndex) register(key, tempID string) {
	if tempID == "" {
		return
	}
	if _, taken := m.byKey[key]; !taken {
		m.byKey[key] = tempID
	}
}

type elementCreate struct {
	typ, name, doc string
	props          map[string]string
	folder         string
	tempID         string
	strategy       batch.DuplicateStrategy
	orGet          bool
}

func (c *Compiler) compileElementCreate(i int, op batch.Operation, table *batch.Table, matches *matchIndex, spec elementCreate) (*CompiledOp, error) {
	existingID, inBatchTempID := c.findElementMatch(matches, spec.typ, spec.name)
	name := spec.name
	compiled := &CompiledOp{OpIndex: i, Op: op, Status: batch.StatusCreated}

	if existingID != "" || inBatchTempID != "" {
		switch resolveMatchAction(spec.strategy, spec.orGet) {
		case matchReuse:
			compiled.Status = batch.StatusReused
			compiled.ResolvedExisting = existingID
			compiled.ResolvedTempID = inBatchTempID
			return compiled, nil
		case matchRename:
			name = c.uniquifyElementName(matches, spec.typ, spec.name)
			compiled.Status = batch.StatusRenamed
			compiled.RenamedTo = name
		case matchConflict:
			compiled.Conflict = &Conflict{
				ExistingID: existingID,
				TempID:     inBatchTempID,
				Name:       spec.name,
			}
		}
	}

	prims := []model.Primitive{
		model.Instantiate(model.KindElement, spec.typ),
		model.SetField(ownRef(), model.FieldName, model.StringValue(name)),
	}
	if spec.doc != "" {
		prims = append(prims, model.SetField(ownRef(), model.FieldDocumentation, model.StringValue(spec.doc)))
	}
	for _, k := range sortedKeys(spec.props) {
		prims = append(prims, model.SetProperty(ownRef(), k, spec.props[k]))
	}
	if spec.folder != "" {
		prims = append(prims, model.AddToFolder(ownRef(), refFor(spec.folder, table)))
	}
	compiled.Prims = prims

	if compiled.Conflict == nil {
		matches.register(elementKey(spec.typ, name), spec.tempID)
	}
	return compiled, nil
}

type relationshipCreate struct {
	typ, name, doc string
	props          map[string]string
	source, target string
	folder         string
	tempID         string
	strategy       batch.DuplicateStrategy
	orGet          bool
}

func (c *Compiler) compileRelationshipCreate(i int, op batch.Operation, table *batch.Table, matches *matchIndex, spec relationshipCreate) (*CompiledOp, error) {
	existingID, inBatchTempID := c.findRelationshipMatch(table, matches, spec)
	compiled := &CompiledOp{OpIndex: i, Op: op, Status: batch.StatusCreated}

	if existingID != "" || inBatchTempID != "" {
		switch resolveMatchAction(spec.strategy, spec.orGet) {
		case matchReuse:
			compiled.Status = batch.StatusReused
			compiled.ResolvedExisting = existingID
			compiled.ResolvedTempID = inBatchTempID
			return compiled, nil
		case matchRename:
			// Relationships are matched by endpoints, not display name, so
			// renaming does not dodge the duplicate; treat rename as an
			// unconditional create tagged renamed.
			compiled.Status = batch.StatusRenamed
			compiled.RenamedTo = spec.name
		case matchConflict:
			compiled.Conflict = &Conflict{
				ExistingID: existingID,
				TempID:     inBatchTempID,
				Name:       spec.name,
			}
		}
	}

	prims := []model.Primitive{
		model.Instantiate(model.KindRelationship, spec.typ),
		model.SetField(ownRef(), model.FieldSource, model.RefValue(refFor(spec.source, table))),
		model.SetField(ownRef(), model.FieldTarget, model.RefValue(refFor(spec.target, table))),
	}
	if spec.name != "" {
		prims = append(prims, model.SetField(ownRef(), model.FieldName, model.StringValue(spec.name)))
	}
	if spec.doc != "" {
		prims = append(prims, model.SetField(ownRef(), model.FieldDocumentation, model.StringValue(spec.doc)))
	}
	for _, k := range sortedKeys(spec.props) {
		prims = append(prims, model.SetProperty(ownRef(), k, spec.props[k]))
	}
	if spec.folder != "" {
		prims = append(prims, model.AddToFolder(ownRef(), refFor(spec.folder, table)))
	}
	compiled.Prims = prims

	if compiled.Conflict == nil {
		matches.register(relationshipKey(spec.typ, spec.name, spec.source, spec.target), spec.tempID)
	}
	return compiled, nil
}

// matchAction decides what a duplicate match means under the resolved
// strategy.
type matchAction int

const (
	matchReuse matchAction = iota + 1
	matchRename
	matchConflict
)

func resolveMatchAction(strategy batch.DuplicateStrategy, orGet bool) matchAction {
	switch strategy {
	case batch.DupRename:
		return matchRename
	case batch.DupReuse:
		return matchReuse
	default: // "error"
		if orGet {
			// createOrGet's whole point is resolving the match; the error
			// strategy does not turn a successful "get" into a conflict.
			return matchReuse
		}
		return matchConflict
	}
}

func (c *Compiler) findElementMatch(matches *matchIndex, typ, name string) (existingID, tempID string) {
	if obj, ok := c.reader.FindMatch(model.MatchCriteria{
		Kind: model.KindElement,
		Type: typ,
		Name: name,
	}); ok {
		return obj.ID, ""
	}
	if t, ok := matches.lookup(elementKey(typ, name)); ok {
		return "", t
	}
	return "", ""
}

func (c *Compiler) findRelationshipMatch(table *batch.Table, matches *matchIndex, spec relationshipCreate) (existingID, tempID string) {
	// Committed lookup requires committed endpoint IDs. When either
	// endpoint is an in-batch tempId the relationship cannot already
	// exist in the model, so only the in-batch index applies.
	_, sourceIsTemp := table.Lookup(spec.source)
	_, targetIsTemp := table.Lookup(spec.target)
	if !sourceIsTemp && !targetIsTemp {
		if obj, ok := c.reader.FindMatch(model.MatchCriteria{
			Kind:     model.KindRelationship,
			Type:     spec.typ,
			Name:     spec.name,
			SourceID: spec.source,
			TargetID: spec.target,
		}); ok {
			return obj.ID, ""
		}
	}
	if t, ok := matches.lookup(relationshipKey(spec.typ, spec.name, spec.source, spec.target)); ok {
		return "", t
	}
	return "", ""
}

// uniquifyElementName finds the first "name (n)" free of both committed
// and in-batch matches.
func (c *Compiler) uniquifyElementName(matches *matchIndex, typ, name string) string {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", name, n)
		if _, ok := c.reader.FindMatch(model.MatchCriteria{
			Kind: model.KindElement,
			Type: typ,
			Name: candidate,
		}); ok {
			continue
		}
		if _, ok := matches.lookup(elementKey(typ, candidate)); ok {
			continue
		}
		return candidate
	}
}

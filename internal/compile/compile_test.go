package compile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/model"
	"github.com/openarch/mason/internal/validate"
)

// compileAll validates then compiles, the same pipeline the engine runs.
func compileAll(t *testing.T, m *model.MemModel, b *batch.Batch) []*CompiledOp {
	t.Helper()
	table, err := validate.New(m).Validate(b)
	require.NoError(t, err)
	ops, err := New(m).CompileBatch(b, table)
	require.NoError(t, err)
	require.Len(t, ops, len(b.Changes))
	return ops
}

func seedCustomer(t *testing.T) *model.MemModel {
	t.Helper()
	m := model.NewMemModel()
	res, err := m.Commit(context.Background(), []model.Primitive{
		model.Instantiate(model.KindElement, "actor"),
		model.SetField(model.Ref{Handle: 1}, model.FieldName, model.StringValue("Customer")),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)
	return m
}

func TestCompile_CreateElementLowering(t *testing.T) {
	ops := compileAll(t, model.NewMemModel(), &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{
			Type: "application", Name: "Billing",
			Documentation: "handles invoices",
			Properties:    map[string]string{"owner": "team-b", "env": "prod"},
			Meta:          batch.Meta{TempID: "app"},
		},
	}})

	op := ops[0]
	assert.Equal(t, batch.StatusCreated, op.Status)
	require.Equal(t, 5, op.SubCommands())
	assert.Equal(t, model.PrimInstantiate, op.Prims[0].Op)
	assert.Equal(t, model.KindElement, op.Prims[0].NewKind)
	assert.Equal(t, "application", op.Prims[0].NewType)
	assert.Equal(t, model.FieldName, op.Prims[1].Field)
	assert.Equal(t, model.FieldDocumentation, op.Prims[2].Field)
	// Properties lower in sorted key order for deterministic units.
	assert.Equal(t, "env", op.Prims[3].PropKey)
	assert.Equal(t, "owner", op.Prims[4].PropKey)
	assert.Equal(t, 1, op.Instantiates())
}

func TestCompile_CreateRelationshipLowering(t *testing.T) {
	m := seedCustomer(t)
	ops := compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Meta: batch.Meta{TempID: "app"}, Type: "application", Name: "Billing"},
		&batch.CreateRelationship{Type: "serving", Name: "bills", Source: "app", Target: "el-0001"},
	}})

	op := ops[1]
	require.Equal(t, 4, op.SubCommands())
	assert.Equal(t, model.PrimInstantiate, op.Prims[0].Op)
	// The in-batch endpoint stays a tempId; the committed one is an ID.
	assert.Equal(t, model.Ref{TempID: "app"}, op.Prims[1].Value.Ref)
	assert.Equal(t, model.Ref{ID: "el-0001"}, op.Prims[2].Value.Ref)
	assert.Equal(t, model.FieldName, op.Prims[3].Field)
}

func TestCompile_CommittedDuplicateReuse(t *testing.T) {
	m := seedCustomer(t)
	ops := compileAll(t, m, &batch.Batch{
		DuplicateStrategy: batch.DupReuse,
		Changes: []batch.Operation{
			&batch.CreateElement{Type: "actor", Name: "customer"}, // case-folded match
		},
	})

	op := ops[0]
	assert.Equal(t, batch.StatusReused, op.Status)
	assert.Equal(t, "el-0001", op.ResolvedExisting)
	assert.Empty(t, op.ResolvedTempID)
	assert.Zero(t, op.SubCommands())
}

func TestCompile_InBatchDuplicateReuse(t *testing.T) {
	ops := compileAll(t, model.NewMemModel(), &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Meta: batch.Meta{TempID: "a"}, Type: "actor", Name: "Customer"},
		&batch.CreateElement{Meta: batch.Meta{DuplicateStrategy: batch.DupReuse}, Type: "actor", Name: "Customer"},
	}})

	op := ops[1]
	assert.Equal(t, batch.StatusReused, op.Status)
	assert.Equal(t, "a", op.ResolvedTempID)
	assert.Empty(t, op.ResolvedExisting)
}

func TestCompile_DuplicateRename(t *testing.T) {
	m := seedCustomer(t)
	ops := compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Meta: batch.Meta{DuplicateStrategy: batch.DupRename}, Type: "actor", Name: "Customer"},
	}})

	op := ops[0]
	assert.Equal(t, batch.StatusRenamed, op.Status)
	assert.Equal(t, "Customer (2)", op.RenamedTo)
	require.GreaterOrEqual(t, op.SubCommands(), 2)
	assert.Equal(t, model.StringValue("Customer (2)"), op.Prims[1].Value)
}

func TestCompile_RenameSkipsTakenSuffixes(t *testing.T) {
	m := seedCustomer(t)
	res, err := m.Commit(context.Background(), []model.Primitive{
		model.Instantiate(model.KindElement, "actor"),
		model.SetField(model.Ref{Handle: 1}, model.FieldName, model.StringValue("Customer (2)")),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	ops := compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Meta: batch.Meta{DuplicateStrategy: batch.DupRename}, Type: "actor", Name: "Customer"},
	}})
	assert.Equal(t, "Customer (3)", ops[0].RenamedTo)
}

func TestCompile_DuplicateConflictStillLowers(t *testing.T) {
	m := seedCustomer(t)
	ops := compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Type: "actor", Name: "Customer"},
	}})

	op := ops[0]
	require.NotNil(t, op.Conflict)
	assert.Equal(t, "el-0001", op.Conflict.ExistingID)
	assert.Equal(t, "Customer", op.Conflict.Name)
	// Prims are still compiled so skip-mode accounting stays uniform.
	assert.Equal(t, 2, op.SubCommands())
}

func TestCompile_CreateOrGetResolvesUnderErrorStrategy(t *testing.T) {
	m := seedCustomer(t)
	ops := compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateOrGetElement{Type: "actor", Name: "Customer"},
	}})

	op := ops[0]
	assert.Nil(t, op.Conflict)
	assert.Equal(t, batch.StatusReused, op.Status)
	assert.Equal(t, "el-0001", op.ResolvedExisting)
}

func TestCompile_OpStrategyOverridesBatchDefault(t *testing.T) {
	m := seedCustomer(t)
	ops := compileAll(t, m, &batch.Batch{
		DuplicateStrategy: batch.DupReuse,
		Changes: []batch.Operation{
			&batch.CreateElement{Meta: batch.Meta{DuplicateStrategy: batch.DupRename}, Type: "actor", Name: "Customer"},
		},
	})
	assert.Equal(t, batch.StatusRenamed, ops[0].Status)
	assert.Equal(t, "Customer (2)", ops[0].RenamedTo)
}

func TestCompile_RelationshipMatchNeedsCommittedEndpoints(t *testing.T) {
	m := seedCustomer(t)
	res, err := m.Commit(context.Background(), []model.Primitive{
		model.Instantiate(model.KindElement, "application"),
		model.SetField(model.Ref{Handle: 1}, model.FieldName, model.StringValue("Billing")),
		model.Instantiate(model.KindRelationship, "serving"),
		model.SetField(model.Ref{Handle: 2}, model.FieldSource, model.RefValue(model.Ref{Handle: 1})),
		model.SetField(model.Ref{Handle: 2}, model.FieldTarget, model.RefValue(model.Ref{ID: "el-0001"})),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	// Same endpoints, committed IDs: the existing relationship matches.
	ops := compileAll(t, m, &batch.Batch{
		DuplicateStrategy: batch.DupReuse,
		Changes: []batch.Operation{
			&batch.CreateRelationship{Type: "serving", Source: "el-0002", Target: "el-0001"},
		},
	})
	assert.Equal(t, batch.StatusReused, ops[0].Status)
	assert.NotEmpty(t, ops[0].ResolvedExisting)

	// A tempId endpoint cannot collide with anything committed.
	ops = compileAll(t, m, &batch.Batch{
		DuplicateStrategy: batch.DupReuse,
		Changes: []batch.Operation{
			&batch.CreateElement{Meta: batch.Meta{TempID: "app2"}, Type: "application", Name: "Billing v2"},
			&batch.CreateRelationship{Type: "serving", Source: "app2", Target: "el-0001"},
		},
	})
	assert.Equal(t, batch.StatusCreated, ops[1].Status)
}

func TestCompile_RelationshipRenameIsUnconditionalCreate(t *testing.T) {
	m := seedCustomer(t)
	res, err := m.Commit(context.Background(), []model.Primitive{
		model.Instantiate(model.KindElement, "application"),
		model.Instantiate(model.KindRelationship, "serving"),
		model.SetField(model.Ref{Handle: 2}, model.FieldSource, model.RefValue(model.Ref{Handle: 1})),
		model.SetField(model.Ref{Handle: 2}, model.FieldTarget, model.RefValue(model.Ref{ID: "el-0001"})),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	ops := compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateRelationship{
			Meta: batch.Meta{DuplicateStrategy: batch.DupRename},
			Type: "serving", Source: "el-0002", Target: "el-0001",
		},
	}})
	assert.Equal(t, batch.StatusRenamed, ops[0].Status)
	assert.Equal(t, 1, ops[0].Instantiates())
}

func TestCompile_AddConnectionToViewShape(t *testing.T) {
	m := model.NewMemModel()
	res, err := m.Commit(context.Background(), []model.Primitive{
		model.Instantiate(model.KindElement, "actor"),
		model.Instantiate(model.KindElement, "service"),
		model.Instantiate(model.KindRelationship, "serving"),
		model.SetField(model.Ref{Handle: 3}, model.FieldSource, model.RefValue(model.Ref{Handle: 1})),
		model.SetField(model.Ref{Handle: 3}, model.FieldTarget, model.RefValue(model.Ref{Handle: 2})),
		model.Instantiate(model.KindView, ""),
		model.Instantiate(model.KindVisual, ""),
		model.SetField(model.Ref{Handle: 5}, model.FieldView, model.RefValue(model.Ref{Handle: 4})),
		model.SetField(model.Ref{Handle: 5}, model.FieldConcept, model.RefValue(model.Ref{Handle: 1})),
		model.Instantiate(model.KindVisual, ""),
		model.SetField(model.Ref{Handle: 6}, model.FieldView, model.RefValue(model.Ref{Handle: 4})),
		model.SetField(model.Ref{Handle: 6}, model.FieldConcept, model.RefValue(model.Ref{Handle: 2})),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	ops := compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.AddConnectionToView{
			View: "vw-0001", Relationship: "rel-0001",
			SourceVisual: "vis-0001", TargetVisual: "vis-0002",
		},
	}})

	op := ops[0]
	assert.True(t, op.NeedsEndpointResolution)
	require.Equal(t, 5, op.SubCommands())
	assert.Equal(t, model.FieldSourceVisual, op.Prims[3].Field)
	assert.Equal(t, model.FieldTargetVisual, op.Prims[4].Field)
}

func TestCompile_MoveViewObjectOptionalSize(t *testing.T) {
	m := model.NewMemModel()
	res, err := m.Commit(context.Background(), []model.Primitive{
		model.Instantiate(model.KindView, ""),
		model.Instantiate(model.KindVisual, ""),
		model.SetField(model.Ref{Handle: 2}, model.FieldView, model.RefValue(model.Ref{Handle: 1})),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	ops := compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.MoveViewObject{Visual: "vis-0001", X: 10, Y: 20},
	}})
	assert.Equal(t, 2, ops[0].SubCommands())

	w, h := 120, 60
	ops = compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.MoveViewObject{Visual: "vis-0001", X: 10, Y: 20, Width: &w, Height: &h},
	}})
	assert.Equal(t, 4, ops[0].SubCommands())
}

func TestCompile_UpdateElementPatch(t *testing.T) {
	m := seedCustomer(t)
	name := "Retail Customer"
	ops := compileAll(t, m, &batch.Batch{Changes: []batch.Operation{
		&batch.UpdateElement{Ref: "el-0001", Name: &name, Properties: map[string]string{"tier": "gold"}},
	}})

	op := ops[0]
	assert.Equal(t, batch.StatusUpdated, op.Status)
	require.Equal(t, 2, op.SubCommands())
	assert.Equal(t, model.Ref{ID: "el-0001"}, op.Prims[0].Target)
	assert.Equal(t, model.PrimSetProperty, op.Prims[1].Op)
	assert.Zero(t, op.Instantiates())
}

package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommit_AssignsIdentityInOrder(t *testing.T) {
	m := NewMemModel()

	res, err := m.Commit(context.Background(), []Primitive{
		Instantiate(KindElement, "actor"),
		SetField(Ref{Handle: 1}, FieldName, StringValue("Customer")),
		Instantiate(KindElement, "service"),
		SetField(Ref{Handle: 2}, FieldName, StringValue("Orders")),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Equal(t, []string{"el-0001", "el-0002"}, res.AssignedIDs)

	objs := m.ReadCommitted(res.AssignedIDs)
	assert.Equal(t, "Customer", objs["el-0001"].Name)
	assert.Equal(t, "Orders", objs["el-0002"].Name)
}

func TestCommit_AtomicRollbackOnUnknownObject(t *testing.T) {
	m := NewMemModel()

	res, err := m.Commit(context.Background(), []Primitive{
		Instantiate(KindElement, "actor"),
		SetField(Ref{ID: "el-9999"}, FieldName, StringValue("ghost")),
	})
	require.NoError(t, err)
	assert.False(t, res.Committed)

	// The instantiate from the rolled-back unit must not be visible.
	assert.Empty(t, m.Objects())
}

func TestCommit_TempIDRefIsContractViolation(t *testing.T) {
	m := NewMemModel()

	_, err := m.Commit(context.Background(), []Primitive{
		SetField(Ref{TempID: "x"}, FieldName, StringValue("nope")),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tempId")
}

func TestCommit_HandleOutOfRangeIsContractViolation(t *testing.T) {
	m := NewMemModel()

	_, err := m.Commit(context.Background(), []Primitive{
		Instantiate(KindElement, "actor"),
		SetField(Ref{Handle: 2}, FieldName, StringValue("nope")),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handle")
}

func TestCommit_RelationshipEndpoints(t *testing.T) {
	m := seedPair(t)

	res, err := m.Commit(context.Background(), []Primitive{
		Instantiate(KindRelationship, "serving"),
		SetField(Ref{Handle: 1}, FieldSource, RefValue(Ref{ID: "el-0001"})),
		SetField(Ref{Handle: 1}, FieldTarget, RefValue(Ref{ID: "el-0002"})),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	rel := m.ReadCommitted(res.AssignedIDs)[res.AssignedIDs[0]]
	assert.Equal(t, "el-0001", rel.SourceID)
	assert.Equal(t, "el-0002", rel.TargetID)
}

func TestFindMatch_CaseFoldsNames(t *testing.T) {
	m := seedPair(t)

	got, ok := m.FindMatch(MatchCriteria{Kind: KindElement, Type: "actor", Name: "CUSTOMER"})
	require.True(t, ok)
	assert.Equal(t, "el-0001", got.ID)

	_, ok = m.FindMatch(MatchCriteria{Kind: KindElement, Type: "service", Name: "customer"})
	assert.False(t, ok)
}

func TestFindMatch_RelationshipNeedsEndpoints(t *testing.T) {
	m := seedPair(t)
	_, err := m.Commit(context.Background(), []Primitive{
		Instantiate(KindRelationship, "serving"),
		SetField(Ref{Handle: 1}, FieldSource, RefValue(Ref{ID: "el-0001"})),
		SetField(Ref{Handle: 1}, FieldTarget, RefValue(Ref{ID: "el-0002"})),
		SetField(Ref{Handle: 1}, FieldName, StringValue("uses")),
	})
	require.NoError(t, err)

	_, ok := m.FindMatch(MatchCriteria{
		Kind: KindRelationship, Type: "serving", Name: "uses",
		SourceID: "el-0001", TargetID: "el-0002",
	})
	assert.True(t, ok)

	// Reversed endpoints are a different relationship.
	_, ok = m.FindMatch(MatchCriteria{
		Kind: KindRelationship, Type: "serving", Name: "uses",
		SourceID: "el-0002", TargetID: "el-0001",
	})
	assert.False(t, ok)
}

func TestCommit_CascadeDeletes(t *testing.T) {
	m := seedPair(t)
	res, err := m.Commit(context.Background(), []Primitive{
		Instantiate(KindRelationship, "serving"),
		SetField(Ref{Handle: 1}, FieldSource, RefValue(Ref{ID: "el-0001"})),
		SetField(Ref{Handle: 1}, FieldTarget, RefValue(Ref{ID: "el-0002"})),
		Instantiate(KindView, ""),
		Instantiate(KindVisual, ""),
		SetField(Ref{Handle: 3}, FieldView, RefValue(Ref{Handle: 2})),
		SetField(Ref{Handle: 3}, FieldConcept, RefValue(Ref{ID: "el-0001"})),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	// Deleting the element takes the relationship and the visual with it.
	res, err = m.Commit(context.Background(), []Primitive{
		Delete(Ref{ID: "el-0001"}),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	var kinds []Kind
	for _, o := range m.Objects() {
		kinds = append(kinds, o.Kind)
	}
	assert.Equal(t, []Kind{KindElement, KindView}, kinds)
}

func TestFailNextCommits_RollsBackThenRecovers(t *testing.T) {
	m := NewMemModel()
	m.FailNextCommits(1)

	unit := []Primitive{Instantiate(KindElement, "actor")}

	res, err := m.Commit(context.Background(), unit)
	require.NoError(t, err)
	assert.False(t, res.Committed)

	res, err = m.Commit(context.Background(), unit)
	require.NoError(t, err)
	assert.True(t, res.Committed)
}

func TestDropNextCommits_AcknowledgesWithoutApplying(t *testing.T) {
	m := NewMemModel()
	m.DropNextCommits(1)

	res, err := m.Commit(context.Background(), []Primitive{Instantiate(KindElement, "actor")})
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Len(t, res.AssignedIDs, 1)

	// The acknowledged object is not actually there.
	assert.Empty(t, m.ReadCommitted(res.AssignedIDs))
}

func TestNewSeeded_IdentityContinuesPastSeeds(t *testing.T) {
	m := NewSeeded([]*Object{
		{ID: "el-0007", Kind: KindElement, Type: "actor", Name: "Customer"},
		{ID: "legacy-x", Kind: KindView, Name: "Overview"},
	})

	res, err := m.Commit(context.Background(), []Primitive{
		Instantiate(KindElement, "service"),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)
	assert.Equal(t, []string{"el-0008"}, res.AssignedIDs)

	// Seeded objects are readable and survive new commits.
	objs := m.ReadCommitted([]string{"el-0007", "legacy-x"})
	assert.Len(t, objs, 2)
}

func seedPair(t *testing.T) *MemModel {
	t.Helper()
	m := NewMemModel()
	res, err := m.Commit(context.Background(), []Primitive{
		Instantiate(KindElement, "actor"),
		SetField(Ref{Handle: 1}, FieldName, StringValue("Customer")),
		Instantiate(KindElement, "service"),
		SetField(Ref{Handle: 2}, FieldName, StringValue("Orders")),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)
	return m
}

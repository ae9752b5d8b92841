package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/config"
	"github.com/openarch/mason/internal/model"
	"github.com/openarch/mason/internal/testutil"
)

func startEngine(t *testing.T, sub model.Substrate, mutate func(*config.Config)) (*Engine, *testutil.Clock) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := testutil.NewClock()
	e := New(cfg, sub, nil,
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewIDGen().Next),
	)
	e.Start()
	t.Cleanup(func() { _ = e.Shutdown(5 * time.Second) })
	return e, clock
}

func runBatch(t *testing.T, e *Engine, b *batch.Batch) JobView {
	t.Helper()
	receipt, err := e.Submit(b)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := e.Wait(ctx, receipt.JobID)
	require.NoError(t, err)
	return view
}

// seedDiagram commits two elements, a relationship between them, a view,
// and one visual per element.
func seedDiagram(t *testing.T) *model.MemModel {
	t.Helper()
	m := model.NewMemModel()
	res, err := m.Commit(context.Background(), []model.Primitive{
		model.Instantiate(model.KindElement, "actor"),
		model.SetField(model.Ref{Handle: 1}, model.FieldName, model.StringValue("Customer")),
		model.Instantiate(model.KindElement, "service"),
		model.SetField(model.Ref{Handle: 2}, model.FieldName, model.StringValue("Orders")),
		model.Instantiate(model.KindRelationship, "serving"),
		model.SetField(model.Ref{Handle: 3}, model.FieldSource, model.RefValue(model.Ref{Handle: 1})),
		model.SetField(model.Ref{Handle: 3}, model.FieldTarget, model.RefValue(model.Ref{Handle: 2})),
		model.Instantiate(model.KindView, ""),
		model.SetField(model.Ref{Handle: 4}, model.FieldName, model.StringValue("Overview")),
		model.Instantiate(model.KindVisual, ""),
		model.SetField(model.Ref{Handle: 5}, model.FieldView, model.RefValue(model.Ref{Handle: 4})),
		model.SetField(model.Ref{Handle: 5}, model.FieldConcept, model.RefValue(model.Ref{Handle: 1})),
		model.Instantiate(model.KindVisual, ""),
		model.SetField(model.Ref{Handle: 6}, model.FieldView, model.RefValue(model.Ref{Handle: 4})),
		model.SetField(model.Ref{Handle: 6}, model.FieldConcept, model.RefValue(model.Ref{Handle: 2})),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)
	return m
}

func statuses(view JobView) []batch.Status {
	out := make([]batch.Status, len(view.Results))
	for i, r := range view.Results {
		out[i] = r.Status
	}
	return out
}

func TestEngine_SameChunkTempIDs(t *testing.T) {
	m := model.NewMemModel()
	e, _ := startEngine(t, m, nil)

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Meta: batch.Meta{TempID: "cust"}, Type: "actor", Name: "Customer"},
		&batch.CreateElement{Meta: batch.Meta{TempID: "svc"}, Type: "service", Name: "Orders"},
		&batch.CreateRelationship{Meta: batch.Meta{TempID: "rel"}, Type: "serving", Source: "cust", Target: "svc"},
	}})

	require.Equal(t, JobSucceeded, view.State)
	assert.Equal(t, []batch.Status{batch.StatusCreated, batch.StatusCreated, batch.StatusCreated}, statuses(view))
	assert.Equal(t, 3, view.Digest.Executed)
	assert.False(t, view.Digest.IntegrityFlags.HasErrors)

	// All three resolved within a single commit unit.
	rel := m.ReadCommitted([]string{view.Results[2].ResolvedID})[view.Results[2].ResolvedID]
	require.NotNil(t, rel)
	assert.Equal(t, view.Results[0].ResolvedID, rel.SourceID)
	assert.Equal(t, view.Results[1].ResolvedID, rel.TargetID)

	require.Len(t, view.TempIDMappings, 3)
	for _, mapping := range view.TempIDMappings {
		assert.NotEmpty(t, mapping.ResolvedID)
	}
}

func TestEngine_CrossChunkTempIDs(t *testing.T) {
	m := model.NewMemModel()
	e, _ := startEngine(t, m, func(c *config.Config) { c.ChunkCeiling = 2 })

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Meta: batch.Meta{TempID: "cust"}, Type: "actor", Name: "Customer"},
		&batch.CreateElement{Meta: batch.Meta{TempID: "svc"}, Type: "service", Name: "Orders"},
		&batch.CreateRelationship{Type: "serving", Source: "cust", Target: "svc"},
	}})

	require.Equal(t, JobSucceeded, view.State)

	// Three chunks: the relationship's tempId refs were rewritten to the
	// IDs committed by earlier chunks.
	committed := 0
	for _, ev := range view.Timeline {
		if ev.Event == "chunk-committed" {
			committed++
		}
	}
	assert.Equal(t, 3, committed)

	rel := m.ReadCommitted([]string{view.Results[2].ResolvedID})[view.Results[2].ResolvedID]
	require.NotNil(t, rel)
	assert.Equal(t, view.Results[0].ResolvedID, rel.SourceID)
	assert.Equal(t, view.Results[1].ResolvedID, rel.TargetID)
}

// flakySubstrate refuses the nth commit, counting from 1.
type flakySubstrate struct {
	*model.MemModel
	mu      sync.Mutex
	commits int
	failAt  int
}

func (f *flakySubstrate) Commit(ctx context.Context, unit []model.Primitive) (model.CommitResult, error) {
	f.mu.Lock()
	f.commits++
	n := f.commits
	f.mu.Unlock()
	if n == f.failAt {
		return model.CommitResult{}, nil
	}
	return f.MemModel.Commit(ctx, unit)
}

func TestEngine_ChunkRollbackStopsExecution(t *testing.T) {
	sub := &flakySubstrate{MemModel: model.NewMemModel(), failAt: 2}
	e, _ := startEngine(t, sub, func(c *config.Config) { c.ChunkCeiling = 2 })

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Type: "actor", Name: "A"},
		&batch.CreateElement{Type: "actor", Name: "B"},
		&batch.CreateElement{Type: "actor", Name: "C"},
	}})

	// Chunk 1 committed and stays committed; chunk 2 rolled back; chunk 3
	// never ran.
	require.Equal(t, JobPartial, view.State)
	assert.Equal(t, []batch.Status{batch.StatusCreated, batch.StatusFailed, batch.StatusPending}, statuses(view))
	require.NotNil(t, view.Error)
	assert.Equal(t, CodeChunkRollback, view.Error.Code)
	assert.Equal(t, CodeChunkRollback, view.Results[1].Error.Code)
	assert.Len(t, sub.Objects(), 1)
	assert.True(t, view.Digest.IntegrityFlags.Pending)
}

func TestEngine_DuplicateConflictAborts(t *testing.T) {
	m := seedDiagram(t)
	e, _ := startEngine(t, m, nil)
	before := len(m.Objects())

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Type: "actor", Name: "Customer"},
		&batch.CreateFolder{Name: "Apps"},
	}})

	require.Equal(t, JobFailed, view.State)
	require.NotNil(t, view.Error)
	assert.Equal(t, CodeDuplicateConflict, view.Error.Code)
	assert.Equal(t, []batch.Status{batch.StatusFailed, batch.StatusPending}, statuses(view))
	// Nothing committed: the conflict is known before any chunk runs.
	assert.Len(t, m.Objects(), before)
}

func TestEngine_DuplicateConflictSkipCascades(t *testing.T) {
	m := seedDiagram(t)
	e, _ := startEngine(t, m, func(c *config.Config) { c.DuplicateErrorAborts = false })

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Meta: batch.Meta{TempID: "dup"}, Type: "actor", Name: "Customer"},
		&batch.CreateRelationship{Type: "serving", Source: "dup", Target: "el-0002"},
		&batch.CreateFolder{Name: "Apps"},
	}})

	// Skips are not failures: the rest of the batch ran to completion.
	require.Equal(t, JobSucceeded, view.State)
	assert.Equal(t, []batch.Status{batch.StatusSkipped, batch.StatusSkipped, batch.StatusCreated}, statuses(view))
	assert.Equal(t, "duplicate conflict", view.Results[0].SkipReason)
	assert.Contains(t, view.Results[1].SkipReason, `"dup"`)
	assert.Equal(t, 2, view.Digest.Skipped)
	assert.True(t, view.Digest.IntegrityFlags.HasSkips)
	assert.False(t, view.Digest.IntegrityFlags.HasErrors)
}

func TestEngine_ConnectionExactDirection(t *testing.T) {
	m := seedDiagram(t)
	e, _ := startEngine(t, m, nil)

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.AddConnectionToView{
			View: "vw-0001", Relationship: "rel-0001",
			SourceVisual: "vis-0001", TargetVisual: "vis-0002",
		},
	}})

	require.Equal(t, JobSucceeded, view.State)
	conn := m.ReadCommitted([]string{view.Results[0].ResolvedID})[view.Results[0].ResolvedID]
	require.NotNil(t, conn)
	assert.Equal(t, "vis-0001", conn.SourceVisualID)
	assert.Equal(t, "vis-0002", conn.TargetVisualID)
	assert.Empty(t, view.Results[0].Warnings)
}

func TestEngine_ConnectionAutoSwap(t *testing.T) {
	m := seedDiagram(t)
	e, _ := startEngine(t, m, nil)
	swap := true

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.AddConnectionToView{
			View: "vw-0001", Relationship: "rel-0001",
			SourceVisual: "vis-0002", TargetVisual: "vis-0001",
			AutoSwapDirection: &swap,
		},
	}})

	require.Equal(t, JobSucceeded, view.State)
	require.Len(t, view.Results[0].Warnings, 1)
	assert.Contains(t, view.Results[0].Warnings[0], "swapped")

	conn := m.ReadCommitted([]string{view.Results[0].ResolvedID})[view.Results[0].ResolvedID]
	require.NotNil(t, conn)
	assert.Equal(t, "vis-0001", conn.SourceVisualID)
	assert.Equal(t, "vis-0002", conn.TargetVisualID)
}

func TestEngine_ConnectionDirectionMismatch(t *testing.T) {
	m := seedDiagram(t)
	e, _ := startEngine(t, m, nil)

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.AddConnectionToView{
			View: "vw-0001", Relationship: "rel-0001",
			SourceVisual: "vis-0002", TargetVisual: "vis-0001",
		},
		&batch.CreateFolder{Name: "Apps"},
	}})

	// The reversed connection fails; the rest of the batch continues.
	require.Equal(t, JobPartial, view.State)
	assert.Equal(t, []batch.Status{batch.StatusFailed, batch.StatusCreated}, statuses(view))
	require.NotNil(t, view.Results[0].Error)
	assert.Equal(t, CodeDirectionMismatch, view.Results[0].Error.Code)
	assert.Contains(t, view.Results[0].Error.Hint, "autoSwapDirection")
}

func TestEngine_ConnectionAutoResolveVisuals(t *testing.T) {
	m := seedDiagram(t)
	e, _ := startEngine(t, m, nil)
	auto := true

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.AddConnectionToView{
			View: "vw-0001", Relationship: "rel-0001",
			AutoResolveVisuals: &auto,
		},
	}})

	require.Equal(t, JobSucceeded, view.State)
	conn := m.ReadCommitted([]string{view.Results[0].ResolvedID})[view.Results[0].ResolvedID]
	require.NotNil(t, conn)
	assert.Equal(t, "vis-0001", conn.SourceVisualID)
	assert.Equal(t, "vis-0002", conn.TargetVisualID)
}

func TestEngine_ConnectionAutoResolveAmbiguity(t *testing.T) {
	m := seedDiagram(t)
	// A second visual for el-0001 in the same view makes the source
	// endpoint ambiguous.
	res, err := m.Commit(context.Background(), []model.Primitive{
		model.Instantiate(model.KindVisual, ""),
		model.SetField(model.Ref{Handle: 1}, model.FieldView, model.RefValue(model.Ref{ID: "vw-0001"})),
		model.SetField(model.Ref{Handle: 1}, model.FieldConcept, model.RefValue(model.Ref{ID: "el-0001"})),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	e, _ := startEngine(t, m, func(c *config.Config) { c.AutoResolveVisuals = true })
	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.AddConnectionToView{View: "vw-0001", Relationship: "rel-0001"},
	}})

	require.Equal(t, JobPartial, view.State)
	require.NotNil(t, view.Results[0].Error)
	assert.Equal(t, CodeAmbiguousVisual, view.Results[0].Error.Code)
	assert.Contains(t, view.Results[0].Error.Message, "multiple visuals")
}

func TestEngine_ConnectionEndpointsRequiredWithoutAutoResolve(t *testing.T) {
	m := seedDiagram(t)
	e, _ := startEngine(t, m, nil)

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.AddConnectionToView{View: "vw-0001", Relationship: "rel-0001"},
	}})

	require.Equal(t, JobPartial, view.State)
	require.NotNil(t, view.Results[0].Error)
	assert.Equal(t, CodeAmbiguousVisual, view.Results[0].Error.Code)
	assert.Contains(t, view.Results[0].Error.Message, "not specified")
}

func TestEngine_PostCommitVerificationCatchesLostWrites(t *testing.T) {
	m := model.NewMemModel()
	m.DropNextCommits(1)
	e, _ := startEngine(t, m, nil)

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Type: "actor", Name: "Customer"},
	}})

	// The substrate acknowledged the commit but the object is absent;
	// the chunk is treated as rolled back.
	require.Equal(t, JobFailed, view.State)
	require.NotNil(t, view.Error)
	assert.Equal(t, CodeChunkRollback, view.Error.Code)
	assert.Contains(t, view.Error.Message, "post-commit verification")
	assert.Equal(t, batch.StatusFailed, view.Results[0].Status)
	assert.Empty(t, view.Results[0].ResolvedID)
}

func TestEngine_VerificationFailureFailsWholeChunk(t *testing.T) {
	m := seedDiagram(t)
	m.DropNextCommits(1)
	e, _ := startEngine(t, m, nil)

	name := "Customer Renamed"
	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.UpdateElement{Ref: "el-0001", Name: &name},
		&batch.CreateElement{Meta: batch.Meta{TempID: "app"}, Type: "application", Name: "Billing"},
	}})

	// Both operations shared the discarded chunk, so neither reports
	// success even though only the creation's read-back exposed it.
	require.Equal(t, JobFailed, view.State)
	for _, r := range view.Results {
		assert.Equal(t, batch.StatusFailed, r.Status)
		require.NotNil(t, r.Error)
		assert.Equal(t, CodeChunkRollback, r.Error.Code)
		assert.Empty(t, r.ResolvedID)
	}
	require.NotNil(t, view.Error)
	assert.Equal(t, CodeChunkRollback, view.Error.Code)
	assert.Equal(t, 0, view.Error.OpIndex)

	// The dropped update left the committed name untouched, and the
	// discarded creation's tempId never resolved.
	assert.Equal(t, "Customer", m.ReadCommitted([]string{"el-0001"})["el-0001"].Name)
	assert.Empty(t, view.TempIDMap)
}

func TestEngine_ReuseMarkerResolvesToExisting(t *testing.T) {
	m := seedDiagram(t)
	e, _ := startEngine(t, m, nil)

	view := runBatch(t, e, &batch.Batch{
		DuplicateStrategy: batch.DupReuse,
		Changes: []batch.Operation{
			&batch.CreateElement{Meta: batch.Meta{TempID: "cust"}, Type: "actor", Name: "Customer"},
			&batch.SetProperty{Ref: "cust", Key: "tier", Value: "gold"},
		},
	})

	require.Equal(t, JobSucceeded, view.State)
	assert.Equal(t, []batch.Status{batch.StatusReused, batch.StatusUpdated}, statuses(view))
	assert.Equal(t, "el-0001", view.Results[0].ResolvedID)
	assert.Equal(t, "el-0001", view.Results[1].ResolvedID)
	assert.Equal(t, "gold", m.ReadCommitted([]string{"el-0001"})["el-0001"].Properties["tier"])
}

func TestEngine_RenameStrategyWarns(t *testing.T) {
	m := seedDiagram(t)
	e, _ := startEngine(t, m, nil)

	view := runBatch(t, e, &batch.Batch{
		DuplicateStrategy: batch.DupRename,
		Changes: []batch.Operation{
			&batch.CreateElement{Type: "actor", Name: "Customer"},
		},
	})

	require.Equal(t, JobSucceeded, view.State)
	assert.Equal(t, batch.StatusRenamed, view.Results[0].Status)
	require.Len(t, view.Results[0].Warnings, 1)
	assert.Contains(t, view.Results[0].Warnings[0], `"Customer (2)"`)

	created := m.ReadCommitted([]string{view.Results[0].ResolvedID})[view.Results[0].ResolvedID]
	require.NotNil(t, created)
	assert.Equal(t, "Customer (2)", created.Name)
}

func TestEngine_ValidationFailureLandsTerminal(t *testing.T) {
	e, _ := startEngine(t, model.NewMemModel(), nil)

	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.DeleteElement{Ref: "el-9999"},
	}})

	require.Equal(t, JobFailed, view.State)
	require.NotNil(t, view.Error)
	assert.Equal(t, "UNRESOLVED_TEMP_ID", view.Error.Code)
	assert.Equal(t, 1, view.Digest.Pending)
	assert.Empty(t, view.Results)
}

func TestEngine_IdempotentReplay(t *testing.T) {
	m := model.NewMemModel()
	e, clock := startEngine(t, m, nil)

	mkBatch := func() *batch.Batch {
		return &batch.Batch{
			IdempotencyKey: "key-1",
			Changes: []batch.Operation{
				&batch.CreateElement{Type: "actor", Name: "Customer"},
			},
		}
	}

	first, err := e.Submit(mkBatch())
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, 1, first.Digest.Requested)
	assert.Equal(t, 1, first.Digest.Pending)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = e.Wait(ctx, first.JobID)
	require.NoError(t, err)

	// Identical resubmission replays without touching the model, and
	// its receipt carries the digest of the job that served the key.
	second, err := e.Submit(mkBatch())
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, second.Digest.Executed)
	assert.Len(t, m.Objects(), 1)

	// Same key with different content is refused.
	conflicting := mkBatch()
	conflicting.Changes = append(conflicting.Changes, &batch.CreateFolder{Name: "Apps"})
	_, err = e.Submit(conflicting)
	var eerr *Error
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, CodeIdempotencyConflict, eerr.Code)

	// Past the TTL the key is free again and the batch runs fresh.
	clock.Advance(25 * time.Hour)
	third, err := e.Submit(mkBatch())
	require.NoError(t, err)
	assert.False(t, third.Replayed)
	assert.NotEqual(t, first.JobID, third.JobID)
}

func TestEngine_FailedJobDoesNotConsumeIdempotencyKey(t *testing.T) {
	m := model.NewMemModel()
	e, _ := startEngine(t, m, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The batch fails validation, so nothing was executed under the key.
	bad := &batch.Batch{
		IdempotencyKey: "key-retry",
		Changes: []batch.Operation{
			&batch.DeleteElement{Ref: "el-9999"},
		},
	}
	first, err := e.Submit(bad)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	v, err := e.Wait(ctx, first.JobID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, v.State)

	// An identical retry runs fresh instead of replaying the failure.
	second, err := e.Submit(&batch.Batch{
		IdempotencyKey: "key-retry",
		Changes: []batch.Operation{
			&batch.DeleteElement{Ref: "el-9999"},
		},
	})
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.JobID, second.JobID)
	_, err = e.Wait(ctx, second.JobID)
	require.NoError(t, err)

	// The key is also free for different content without a conflict.
	good, err := e.Submit(&batch.Batch{
		IdempotencyKey: "key-retry",
		Changes: []batch.Operation{
			&batch.CreateElement{Type: "actor", Name: "Customer"},
		},
	})
	require.NoError(t, err)
	assert.False(t, good.Replayed)
	gv, err := e.Wait(ctx, good.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, gv.State)

	// Once a job under the key has executed, the key is consumed.
	replayed, err := e.Submit(&batch.Batch{
		IdempotencyKey: "key-retry",
		Changes: []batch.Operation{
			&batch.CreateElement{Type: "actor", Name: "Customer"},
		},
	})
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, good.JobID, replayed.JobID)
	assert.Len(t, m.Objects(), 1)
}

func TestEngine_JobsExecuteInSubmissionOrder(t *testing.T) {
	m := model.NewMemModel()
	e, _ := startEngine(t, m, nil)

	var ids []string
	for _, name := range []string{"A", "B", "C"} {
		receipt, err := e.Submit(&batch.Batch{Changes: []batch.Operation{
			&batch.CreateElement{Type: "actor", Name: name},
		}})
		require.NoError(t, err)
		ids = append(ids, receipt.JobID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		_, err := e.Wait(ctx, id)
		require.NoError(t, err)
	}

	// Identity assignment follows submission order.
	objs := m.Objects()
	require.Len(t, objs, 3)
	names := []string{objs[0].Name, objs[1].Name, objs[2].Name}
	assert.Equal(t, []string{"A", "B", "C"}, names)
}

func TestEngine_ListJobsPages(t *testing.T) {
	e, _ := startEngine(t, model.NewMemModel(), nil)

	var ids []string
	for i := 0; i < 3; i++ {
		receipt, err := e.Submit(&batch.Batch{Changes: []batch.Operation{
			&batch.CreateFolder{Name: "f"},
		}})
		require.NoError(t, err)
		ids = append(ids, receipt.JobID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		_, err := e.Wait(ctx, id)
		require.NoError(t, err)
	}

	page, next := e.ListJobs("", 2, "")
	require.Len(t, page, 2)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Equal(t, ids[1], next)
	// Summary views carry state and digest, not per-operation results.
	assert.Nil(t, page[0].Results)
	assert.Equal(t, JobSucceeded, page[0].State)

	page, next = e.ListJobs(next, 2, "")
	require.Len(t, page, 1)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Empty(t, next)

	succeeded, _ := e.ListJobs("", 10, JobSucceeded)
	assert.Len(t, succeeded, 3)
	failed, _ := e.ListJobs("", 10, JobFailed)
	assert.Empty(t, failed)
}

func TestEngine_PollStatusViews(t *testing.T) {
	e, _ := startEngine(t, model.NewMemModel(), nil)
	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateFolder{Meta: batch.Meta{TempID: "f"}, Name: "Apps"},
	}})

	summary, ok := e.PollStatus(view.ID, PollOptions{Summary: true})
	require.True(t, ok)
	assert.Nil(t, summary.Results)
	assert.Nil(t, summary.Timeline)
	assert.Nil(t, summary.TempIDMap)
	assert.Nil(t, summary.TempIDMappings)
	assert.Equal(t, JobSucceeded, summary.State)
	assert.Positive(t, summary.DurationMs)

	full, ok := e.PollStatus(view.ID, PollOptions{})
	require.True(t, ok)
	assert.NotEmpty(t, full.Results)
	assert.NotEmpty(t, full.Timeline)
	assert.Equal(t, "fld-0001", full.TempIDMap["f"])
	assert.NotEmpty(t, full.TempIDMappings)
	assert.Equal(t, full.FinishedAt.Sub(*full.StartedAt).Milliseconds(), full.DurationMs)

	_, ok = e.PollStatus("job-9999", PollOptions{Summary: true})
	assert.False(t, ok)
}

func TestEngine_PollStatusPagesResults(t *testing.T) {
	e, _ := startEngine(t, model.NewMemModel(), nil)
	view := runBatch(t, e, &batch.Batch{Changes: []batch.Operation{
		&batch.CreateElement{Meta: batch.Meta{TempID: "a"}, Type: "node", Name: "A"},
		&batch.CreateElement{Meta: batch.Meta{TempID: "b"}, Type: "node", Name: "B"},
		&batch.CreateElement{Meta: batch.Meta{TempID: "c"}, Type: "node", Name: "C"},
	}})

	page, ok := e.PollStatus(view.ID, PollOptions{PageSize: 2})
	require.True(t, ok)
	require.Len(t, page.Results, 2)
	assert.Equal(t, 0, page.Results[0].OpIndex)
	assert.Equal(t, 2, page.NextCursor)
	// The digest still covers the whole job, not the page.
	assert.Equal(t, 3, page.Digest.Executed)

	page, ok = e.PollStatus(view.ID, PollOptions{Cursor: page.NextCursor, PageSize: 2})
	require.True(t, ok)
	require.Len(t, page.Results, 1)
	assert.Equal(t, 2, page.Results[0].OpIndex)
	assert.Zero(t, page.NextCursor)

	past, ok := e.PollStatus(view.ID, PollOptions{Cursor: 10})
	require.True(t, ok)
	assert.Empty(t, past.Results)
}

func TestEngine_ShutdownRefusesNewWork(t *testing.T) {
	e, _ := startEngine(t, model.NewMemModel(), nil)
	require.NoError(t, e.Shutdown(5*time.Second))

	_, err := e.Submit(&batch.Batch{Changes: []batch.Operation{
		&batch.CreateFolder{Name: "f"},
	}})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestEngine_SubmitRawPipeline(t *testing.T) {
	m := model.NewMemModel()
	e, _ := startEngine(t, m, nil)

	receipt, err := e.SubmitRaw([]byte(`{
		"changes": [
			{"op": "createElement", "type": "actor", "name": "Customer", "tempId": "c"},
			{"op": "createView", "name": "Overview", "tempId": "v"},
			{"op": "addToView", "view": "v", "element": "c",
			 "bounds": {"x": 10, "y": 20, "width": 120, "height": 60}}
		]
	}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := e.Wait(ctx, receipt.JobID)
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, view.State)

	visual := m.ReadCommitted([]string{view.Results[2].ResolvedID})[view.Results[2].ResolvedID]
	require.NotNil(t, visual)
	assert.Equal(t, view.Results[0].ResolvedID, visual.ConceptID)
	assert.Equal(t, view.Results[1].ResolvedID, visual.ViewID)
	assert.Equal(t, model.Bounds{X: 10, Y: 20, Width: 120, Height: 60}, visual.Bounds)

	_, err = e.SubmitRaw([]byte(`{"changes": [{"op": "mystery"}]}`))
	require.Error(t, err)
}

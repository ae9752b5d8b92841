package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/compile"
	"github.com/openarch/mason/internal/model"
	"github.com/openarch/mason/internal/plan"
)

// executor runs one job's compiled operations chunk by chunk. Chunks
// commit sequentially; a chunk that rolls back stops execution, and
// everything already committed stays committed.
type executor struct {
	substrate model.Substrate
	planner   *plan.Planner

	granularity          batch.Granularity
	duplicateErrorAborts bool
	autoSwap             bool
	autoResolve          bool

	now func() time.Time
}

type execOutcome struct {
	results []batch.OperationResult
	state   JobState
	err     *batch.ErrorDetail
}

// unitOp is one operation's placement inside an assembled commit unit.
type unitOp struct {
	op *compile.CompiledOp

	// handleBase is the number of instantiates that precede this
	// operation in the unit; its own objects occupy handles
	// handleBase+1..handleBase+instantiates.
	handleBase   int
	instantiates int
}

func (e *executor) run(ctx context.Context, job *Job, ops []*compile.CompiledOp) execOutcome {
	table := job.Table
	results := make([]batch.OperationResult, len(ops))
	for i, op := range ops {
		results[i] = batch.OperationResult{
			OpIndex: op.OpIndex,
			Op:      op.Op.OpKind(),
			Status:  batch.StatusPending,
			TempID:  op.Op.OpTempID(),
		}
	}

	// Duplicate conflicts are known before anything commits. In abort
	// mode the whole batch is refused; in skip mode the conflicting
	// operations are dropped and their tempIds poisoned so dependents
	// skip too.
	dead := make(map[int]bool)
	for i, op := range ops {
		if op.Conflict == nil {
			continue
		}
		conflictErr := &Error{
			Code:      CodeDuplicateConflict,
			Message:   fmt.Sprintf("%q already exists", op.Conflict.Name),
			OpIndex:   op.OpIndex,
			Reference: op.Conflict.ExistingID,
			Hint:      "set duplicateStrategy to reuse or rename, or use a createOrGet operation",
		}
		if e.duplicateErrorAborts {
			results[i].Status = batch.StatusFailed
			results[i].Error = conflictErr.Detail()
			return execOutcome{results: results, state: JobFailed, err: conflictErr.Detail()}
		}
		results[i].Status = batch.StatusSkipped
		results[i].SkipReason = "duplicate conflict"
		results[i].Error = conflictErr.Detail()
		dead[i] = true
		if t := op.Op.OpTempID(); t != "" {
			table.MarkSkipped(t)
		}
	}

	// Reuse markers bound to committed IDs resolve their tempIds before
	// any chunk runs; markers bound to an earlier in-batch creation
	// resolve once that creation does.
	aliases := make(map[string]string)
	for _, op := range ops {
		t := op.Op.OpTempID()
		if t == "" {
			continue
		}
		switch {
		case op.ResolvedExisting != "":
			if err := table.Resolve(t, op.ResolvedExisting); err != nil {
				return e.internalFailure(results, err)
			}
		case op.ResolvedTempID != "":
			aliases[t] = op.ResolvedTempID
		}
	}
	propagateAliases(table, aliases)

	var planned []*compile.CompiledOp
	for i, op := range ops {
		if !dead[i] && op.SubCommands() > 0 {
			planned = append(planned, op)
		}
	}
	chunks := e.planner.Plan(planned, e.granularity)

	resolver := &connectionResolver{
		reader:      e.substrate,
		table:       table,
		autoSwap:    e.autoSwap,
		autoResolve: e.autoResolve,
	}

	aborted := false
	var abortDetail *batch.ErrorDetail
	for ci, chunk := range chunks {
		if ctxErr := ctx.Err(); ctxErr != nil {
			aborted = true
			abortDetail = timeoutDetail(ctxErr)
			break
		}

		unit, unitOps := e.assemble(job, chunk, results, table, resolver)
		if len(unit) == 0 {
			continue
		}

		res, err := e.substrate.Commit(ctx, unit)
		if err != nil || !res.Committed {
			aborted = true
			abortDetail = e.rollbackChunk(ctx, job, ci, unitOps, results, table, err)
			break
		}

		if detail := e.collect(job, ci, unitOps, results, table, res); detail != nil {
			aborted = true
			abortDetail = detail
			break
		}
		propagateAliases(table, aliases)

		job.addEvent(e.now(), "chunk-committed",
			fmt.Sprintf("chunk %d/%d, %d sub-commands, %d objects", ci+1, len(chunks), len(unit), len(res.AssignedIDs)))
	}

	e.finalize(ops, results, table, aborted)

	state := JobSucceeded
	var jobErr *batch.ErrorDetail
	switch {
	case aborted:
		jobErr = abortDetail
		state = JobFailed
		for i := range results {
			if results[i].Status != batch.StatusPending && results[i].Status != batch.StatusFailed && results[i].Status != batch.StatusSkipped {
				state = JobPartial
				break
			}
		}
	default:
		for i := range results {
			if results[i].Status == batch.StatusFailed {
				state = JobPartial
			}
		}
	}
	return execOutcome{results: results, state: state, err: jobErr}
}

// assemble builds one commit unit: handles renumbered unit-wide, tempId
// refs rewritten to committed IDs or same-unit handles. Operations that
// depend on a poisoned tempId are skipped here; connection operations
// that fail endpoint resolution fail here. Both drop out of the unit
// without sinking the chunk.
func (e *executor) assemble(job *Job, chunk plan.Chunk, results []batch.OperationResult, table *batch.Table, resolver *connectionResolver) ([]model.Primitive, []unitOp) {
	var unit []model.Primitive
	var unitOps []unitOp
	handles := 0
	unitHandles := make(map[string]int) // tempId -> unit handle

	for _, op := range chunk.Ops {
		i := op.OpIndex

		if dep, skipped := skippedDependency(op, table); skipped {
			results[i].Status = batch.StatusSkipped
			results[i].SkipReason = fmt.Sprintf("depends on skipped tempId %q", dep)
			if t := op.Op.OpTempID(); t != "" {
				table.MarkSkipped(t)
			}
			continue
		}

		if conn, ok := op.Op.(*batch.AddConnectionToView); ok && op.NeedsEndpointResolution {
			warnings, rerr := resolver.Resolve(i, conn, op.Prims)
			if rerr != nil {
				results[i].Status = batch.StatusFailed
				results[i].Error = rerr.Detail()
				if t := op.Op.OpTempID(); t != "" {
					table.MarkSkipped(t)
				}
				job.addEvent(e.now(), "operation-failed", rerr.Code)
				continue
			}
			results[i].Warnings = warnings
		}

		base := handles
		ok := true
		var prims []model.Primitive
		for _, p := range op.Prims {
			cp := p
			for _, ref := range cp.Refs() {
				switch {
				case ref.Handle != 0:
					ref.Handle += base
				case ref.TempID != "":
					entry, found := table.Lookup(ref.TempID)
					if found && entry.Resolved() {
						*ref = model.Ref{ID: entry.ResolvedID}
					} else if h, inUnit := unitHandles[ref.TempID]; inUnit {
						*ref = model.Ref{Handle: h}
					} else {
						ok = false
					}
				}
			}
			prims = append(prims, cp)
		}
		if !ok {
			// Forward-only references and in-order chunking make this
			// unreachable unless the table is inconsistent.
			results[i].Status = batch.StatusFailed
			results[i].Error = execErr(CodeInternal, i, "unresolvable reference at submission time").Detail()
			if t := op.Op.OpTempID(); t != "" {
				table.MarkSkipped(t)
			}
			continue
		}

		inst := op.Instantiates()
		if t := op.Op.OpTempID(); t != "" && inst > 0 {
			unitHandles[t] = base + 1
		}
		unit = append(unit, prims...)
		handles += inst
		unitOps = append(unitOps, unitOp{op: op, handleBase: base, instantiates: inst})
	}
	return unit, unitOps
}

// rollbackChunk marks every operation of a rolled-back chunk failed.
// Later chunks never ran, so their operations stay pending.
func (e *executor) rollbackChunk(ctx context.Context, job *Job, ci int, unitOps []unitOp, results []batch.OperationResult, table *batch.Table, cause error) *batch.ErrorDetail {
	if cause != nil && (errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		detail := timeoutDetail(cause)
		job.addEvent(e.now(), "timeout", detail.Message)
		return detail
	}

	msg := "substrate rolled back the chunk"
	if cause != nil {
		msg = cause.Error()
	}
	detail := (&Error{Code: CodeChunkRollback, Message: msg, OpIndex: -1}).Detail()
	for _, u := range unitOps {
		i := u.op.OpIndex
		results[i].Status = batch.StatusFailed
		results[i].Error = detail
		if t := u.op.Op.OpTempID(); t != "" {
			table.MarkSkipped(t)
		}
	}
	job.addEvent(e.now(), "chunk-rolled-back", fmt.Sprintf("chunk %d, %d operations", ci+1, len(unitOps)))
	slog.Warn("chunk rolled back", "job", job.ID, "chunk", ci+1, "operations", len(unitOps), "cause", msg)
	return detail
}

// collect turns a committed chunk into per-operation results, built
// strictly from post-commit state: every assigned ID is read back, and
// every delete is verified gone. Any contradiction between the
// acknowledgement and the read-back discards the whole chunk.
func (e *executor) collect(job *Job, ci int, unitOps []unitOp, results []batch.OperationResult, table *batch.Table, res model.CommitResult) *batch.ErrorDetail {
	committed := e.substrate.ReadCommitted(res.AssignedIDs)

	for _, u := range unitOps {
		i := u.op.OpIndex

		if u.instantiates > 0 {
			if u.handleBase >= len(res.AssignedIDs) {
				return e.discardChunk(job, ci, unitOps, results, table, "substrate assigned fewer identities than instantiated")
			}
			id := res.AssignedIDs[u.handleBase]
			if _, ok := committed[id]; !ok {
				return e.discardChunk(job, ci, unitOps, results, table, fmt.Sprintf("object %s missing after commit", id))
			}
			results[i].Status = u.op.Status
			results[i].ResolvedID = id
			if u.op.RenamedTo != "" {
				results[i].Warnings = append(results[i].Warnings,
					fmt.Sprintf("renamed to %q to avoid a duplicate", u.op.RenamedTo))
			}
			if t := u.op.Op.OpTempID(); t != "" {
				if err := table.Resolve(t, id); err != nil {
					return e.discardChunk(job, ci, unitOps, results, table, err.Error())
				}
			}
			continue
		}

		// Mutation of an existing object: resolve the target to its
		// committed identity for the result.
		results[i].Status = u.op.Status
		if len(u.op.Prims) > 0 {
			target := u.op.Prims[0].Target
			switch {
			case target.ID != "":
				results[i].ResolvedID = target.ID
			case target.TempID != "":
				if entry, ok := table.Lookup(target.TempID); ok && entry.Resolved() {
					results[i].ResolvedID = entry.ResolvedID
				}
			}
			if u.op.Prims[0].Op == model.PrimDelete && results[i].ResolvedID != "" {
				if _, still := e.substrate.ReadCommitted([]string{results[i].ResolvedID})[results[i].ResolvedID]; still {
					return e.discardChunk(job, ci, unitOps, results, table, fmt.Sprintf("object %s still present after delete", results[i].ResolvedID))
				}
			}
		}
	}
	return nil
}

// finalize settles zero-primitive operations: reuse markers and empty
// updates. They mutate nothing, so they succeed whenever their referent
// is settled, independent of chunk outcomes.
func (e *executor) finalize(ops []*compile.CompiledOp, results []batch.OperationResult, table *batch.Table, aborted bool) {
	for _, op := range ops {
		i := op.OpIndex
		if results[i].Status != batch.StatusPending || op.SubCommands() > 0 || op.Conflict != nil {
			continue
		}
		switch {
		case op.ResolvedExisting != "":
			results[i].Status = op.Status
			results[i].ResolvedID = op.ResolvedExisting
		case op.ResolvedTempID != "":
			entry, ok := table.Lookup(op.ResolvedTempID)
			switch {
			case ok && entry.Resolved():
				results[i].Status = op.Status
				results[i].ResolvedID = entry.ResolvedID
			case ok && entry.Skipped:
				results[i].Status = batch.StatusSkipped
				results[i].SkipReason = fmt.Sprintf("reused tempId %q was skipped", op.ResolvedTempID)
				if t := op.Op.OpTempID(); t != "" {
					table.MarkSkipped(t)
				}
			case aborted:
				// Still pending: the creation it reuses never ran.
			default:
				results[i].Status = batch.StatusFailed
				results[i].Error = execErr(CodeInternal, i, "reused tempId %q never resolved", op.ResolvedTempID).Detail()
			}
		default:
			// Zero-field update: nothing to do, trivially applied.
			results[i].Status = op.Status
		}
	}
}

func (e *executor) internalFailure(results []batch.OperationResult, err error) execOutcome {
	detail := (&Error{Code: CodeInternal, Message: err.Error(), OpIndex: -1}).Detail()
	return execOutcome{results: results, state: JobFailed, err: detail}
}

// discardChunk fails a chunk whose post-commit read-back contradicted
// the substrate's acknowledgement. The unit is treated as rolled back
// as a whole: every operation in it fails at the chunk's first index,
// and any tempIds settled during collection are withdrawn so dependents
// in later chunks skip instead of pointing at discarded identities.
func (e *executor) discardChunk(job *Job, ci int, unitOps []unitOp, results []batch.OperationResult, table *batch.Table, msg string) *batch.ErrorDetail {
	first := unitOps[0].op.OpIndex
	detail := execErr(CodeChunkRollback, first, "post-commit verification failed: %s", msg).Detail()
	for _, u := range unitOps {
		i := u.op.OpIndex
		results[i].Status = batch.StatusFailed
		results[i].Error = detail
		results[i].ResolvedID = ""
		results[i].Warnings = nil
		if t := u.op.Op.OpTempID(); t != "" {
			table.Unresolve(t)
		}
	}
	job.addEvent(e.now(), "chunk-rolled-back", fmt.Sprintf("chunk %d, %d operations, verification failed", ci+1, len(unitOps)))
	slog.Warn("chunk discarded after commit verification failed", "job", job.ID, "chunk", ci+1, "cause", msg)
	return detail
}

// skippedDependency reports whether the operation references a tempId
// whose owning operation was skipped.
func skippedDependency(op *compile.CompiledOp, table *batch.Table) (string, bool) {
	for pi := range op.Prims {
		for _, ref := range op.Prims[pi].Refs() {
			if ref.TempID == "" {
				continue
			}
			if entry, ok := table.Lookup(ref.TempID); ok && entry.Skipped {
				return ref.TempID, true
			}
		}
	}
	if op.ResolvedTempID != "" {
		if entry, ok := table.Lookup(op.ResolvedTempID); ok && entry.Skipped {
			return op.ResolvedTempID, true
		}
	}
	return "", false
}

// propagateAliases chases reuse aliases until a fixpoint, resolving
// tempIds that reuse another tempId once the target resolves.
func propagateAliases(table *batch.Table, aliases map[string]string) {
	for changed := true; changed; {
		changed = false
		for a, b := range aliases {
			ea, okA := table.Lookup(a)
			eb, okB := table.Lookup(b)
			if !okA || !okB || ea.Resolved() {
				continue
			}
			switch {
			case eb.Resolved():
				if err := table.Resolve(a, eb.ResolvedID); err == nil {
					changed = true
				}
			case eb.Skipped && !ea.Skipped:
				table.MarkSkipped(a)
				changed = true
			}
		}
	}
}

func timeoutDetail(cause error) *batch.ErrorDetail {
	msg := "job deadline exceeded"
	if cause != nil {
		msg = cause.Error()
	}
	return (&Error{Code: CodeTimeout, Message: msg, OpIndex: -1}).Detail()
}

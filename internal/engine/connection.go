package engine

import (
	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/model"
)

// connectionResolver reconciles a connection's visual endpoints against
// the relationship's committed direction just before its chunk is
// submitted. It runs at execution time, not compile time, because the
// relationship or the visuals may only gain identity when earlier
// chunks commit.
type connectionResolver struct {
	reader model.Reader
	table  *batch.Table

	// Defaults applied when the operation does not set its own flags.
	autoSwap    bool
	autoResolve bool
}

// prim indexes within a compiled addConnectionToView operation. The
// compiler emits exactly this shape.
const (
	connPrimSourceVisual = 3
	connPrimTargetVisual = 4
)

// Resolve fills in auto-resolved visual endpoints and corrects reversed
// direction, mutating prims in place. Returned warnings are attached to
// the operation's result.
func (r *connectionResolver) Resolve(opIndex int, op *batch.AddConnectionToView, prims []model.Primitive) ([]string, *Error) {
	relSource, relTarget, err := r.relationshipEndpoints(opIndex, op.Relationship)
	if err != nil {
		return nil, err
	}

	sourceVisual, targetVisual := op.SourceVisual, op.TargetVisual
	if sourceVisual == "" || targetVisual == "" {
		if !r.flag(op.AutoResolveVisuals, r.autoResolve) {
			return nil, &Error{
				Code:    CodeAmbiguousVisual,
				Message: "connection endpoints are not specified",
				OpIndex: opIndex,
				Hint:    "pass sourceVisual and targetVisual, or set autoResolveVisuals",
			}
		}
		var rerr *Error
		if sourceVisual == "" {
			sourceVisual, rerr = r.resolveVisual(opIndex, op.View, relSource)
			if rerr != nil {
				return nil, rerr
			}
		}
		if targetVisual == "" {
			targetVisual, rerr = r.resolveVisual(opIndex, op.View, relTarget)
			if rerr != nil {
				return nil, rerr
			}
		}
		prims[connPrimSourceVisual].Value.Ref = r.refFor(sourceVisual)
		prims[connPrimTargetVisual].Value.Ref = r.refFor(targetVisual)
	}

	srcConcept, err := r.conceptOfVisual(opIndex, sourceVisual)
	if err != nil {
		return nil, err
	}
	tgtConcept, err := r.conceptOfVisual(opIndex, targetVisual)
	if err != nil {
		return nil, err
	}

	switch {
	case srcConcept == relSource && tgtConcept == relTarget:
		return nil, nil

	case srcConcept == relTarget && tgtConcept == relSource:
		if !r.flag(op.AutoSwapDirection, r.autoSwap) {
			return nil, &Error{
				Code:      CodeDirectionMismatch,
				Message:   "connection endpoints are reversed relative to the relationship",
				OpIndex:   opIndex,
				Reference: op.Relationship,
				Hint:      "swap sourceVisual and targetVisual, or set autoSwapDirection",
			}
		}
		prims[connPrimSourceVisual].Value.Ref, prims[connPrimTargetVisual].Value.Ref =
			prims[connPrimTargetVisual].Value.Ref, prims[connPrimSourceVisual].Value.Ref
		return []string{"connection endpoints swapped to match relationship direction"}, nil

	default:
		return nil, &Error{
			Code:      CodeDirectionMismatch,
			Message:   "connection endpoints do not match the relationship's source and target",
			OpIndex:   opIndex,
			Reference: op.Relationship,
		}
	}
}

// flag resolves a per-operation override against the configured default.
func (r *connectionResolver) flag(override *bool, def bool) bool {
	if override != nil {
		return *override
	}
	return def
}

// token normalizes a raw reference for comparison: resolved tempIds
// collapse to their committed ID, unresolved ones stay distinct under a
// prefix no committed ID can collide with.
func (r *connectionResolver) token(raw string) string {
	if e, ok := r.table.Lookup(raw); ok {
		if e.Resolved() {
			return e.ResolvedID
		}
		return "temp:" + raw
	}
	return raw
}

// refFor builds the primitive ref for a raw endpoint reference.
func (r *connectionResolver) refFor(raw string) model.Ref {
	if _, ok := r.table.Lookup(raw); ok {
		return model.Ref{TempID: raw}
	}
	return model.Ref{ID: raw}
}

// relationshipEndpoints returns the relationship's source and target as
// comparison tokens.
func (r *connectionResolver) relationshipEndpoints(opIndex int, raw string) (source, target string, err *Error) {
	if e, ok := r.table.Lookup(raw); ok && !e.Resolved() {
		// Same-chunk pending relationship: endpoints come from its
		// registration.
		return r.token(e.Pending.SourceRef), r.token(e.Pending.TargetRef), nil
	}
	id := r.token(raw)
	obj, ok := r.reader.ReadCommitted([]string{id})[id]
	if !ok || obj.Kind != model.KindRelationship {
		return "", "", execErr(CodeInternal, opIndex, "relationship %s not found in committed state", raw)
	}
	return obj.SourceID, obj.TargetID, nil
}

// conceptOfVisual returns the concept token a visual endpoint stands
// for.
func (r *connectionResolver) conceptOfVisual(opIndex int, raw string) (string, *Error) {
	if e, ok := r.table.Lookup(raw); ok && !e.Resolved() {
		return r.token(e.Pending.ConceptRef), nil
	}
	id := r.token(raw)
	obj, ok := r.reader.ReadCommitted([]string{id})[id]
	if !ok || obj.Kind != model.KindVisual {
		return "", execErr(CodeInternal, opIndex, "visual %s not found in committed state", raw)
	}
	return obj.ConceptID, nil
}

// resolveVisual finds the single visual in the view that represents the
// given concept. Committed visuals and pending in-batch visuals both
// count; anything other than exactly one candidate is refused.
func (r *connectionResolver) resolveVisual(opIndex int, viewRaw, conceptToken string) (string, *Error) {
	viewToken := r.token(viewRaw)

	var candidates []string
	if !isTempToken(viewToken) && !isTempToken(conceptToken) {
		for _, obj := range r.reader.VisualsFor(viewToken, conceptToken) {
			candidates = append(candidates, obj.ID)
		}
	}
	for _, m := range r.table.Mappings() {
		if m.Kind != batch.TempVisual {
			continue
		}
		e, ok := r.table.Lookup(m.TempID)
		if !ok || e.Resolved() || e.Skipped {
			// Resolved visuals are committed and already counted above.
			continue
		}
		if r.token(e.Pending.ViewRef) == viewToken && r.token(e.Pending.ConceptRef) == conceptToken {
			candidates = append(candidates, m.TempID)
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", &Error{
			Code:    CodeAmbiguousVisual,
			Message: "no visual in the view represents the relationship endpoint",
			OpIndex: opIndex,
			Hint:    "add the endpoint to the view first, or pass the visual explicitly",
		}
	default:
		return "", &Error{
			Code:    CodeAmbiguousVisual,
			Message: "multiple visuals in the view represent the relationship endpoint",
			OpIndex: opIndex,
			Hint:    "pass sourceVisual and targetVisual explicitly",
		}
	}
}

func isTempToken(tok string) bool {
	return len(tok) > 5 && tok[:5] == "temp:"
}

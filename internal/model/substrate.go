package model

import "context"

// MatchCriteria describes a duplicate-match lookup. Name matching is
// case-insensitive (Unicode case folding). For relationships the
// endpoint IDs participate in the match; for other kinds they are
// ignored.
type MatchCriteria struct {
	Kind     Kind
	Type     string
	Name     string
	SourceID string
	TargetID string
}

// CommitResult reports the outcome of one atomic commit unit.
type CommitResult struct {
	// Committed is false when the substrate rolled the whole unit back.
	Committed bool

	// AssignedIDs holds the final identity of each object the unit
	// instantiated, indexed by handle-1. Only valid when Committed.
	AssignedIDs []string
}

// Reader is the read-only half of the substrate boundary. The compiler
// and connection resolver depend on this interface only; they never
// mutate the model.
type Reader interface {
	// FindMatch returns a committed object matching the criteria, if any.
	FindMatch(c MatchCriteria) (*Object, bool)

	// ReadCommitted returns committed objects for the given IDs. Missing
	// IDs are simply absent from the result; callers decide whether
	// absence is an error.
	ReadCommitted(ids []string) map[string]*Object

	// VisualsFor returns committed visual objects in the given view that
	// represent the given concept.
	VisualsFor(viewID, conceptID string) []*Object
}

// Substrate is the full collaborator boundary to the externally-owned
// model. Commit is the only mutation entry point: it applies an ordered
// unit of primitives atomically, assigning final identity to every
// instantiated object, or rolls the whole unit back.
//
// Every TempID ref must have been rewritten to an ID or Handle before
// submission; the substrate rejects units that still carry one.
type Substrate interface {
	Reader
	Commit(ctx context.Context, unit []Primitive) (CommitResult, error)
}

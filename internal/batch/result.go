package batch

// Status describes the outcome of one operation.
type Status string

const (
	StatusCreated Status = "created"
	StatusReused  Status = "reused"
	StatusRenamed Status = "renamed"
	StatusUpdated Status = "updated"
	StatusDeleted Status = "deleted"
	StatusMoved   Status = "moved"
	StatusAdded   Status = "added"
	StatusNested  Status = "nested"
	StatusStyled  Status = "styled"
	StatusSkipped Status = "skipped"

	// StatusFailed covers operations that were attempted and refused, or
	// abandoned after a chunk rollback. StatusPending covers operations
	// never attempted because execution stopped earlier.
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// ErrorDetail is the structured error payload attached to failed
// operations and failed jobs. Enough context to pinpoint and fix the
// batch without re-deriving it from logs.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	OpIndex   int    `json:"opIndex,omitempty"`
	Path      string `json:"path,omitempty"`
	Field     string `json:"field,omitempty"`
	Reference string `json:"reference,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// OperationResult is the per-operation outcome, built strictly from
// post-commit state.
type OperationResult struct {
	OpIndex    int          `json:"opIndex"`
	Op         OpKind       `json:"op"`
	Status     Status       `json:"status"`
	ResolvedID string       `json:"resolvedId,omitempty"`
	TempID     string       `json:"tempId,omitempty"`
	SkipReason string       `json:"skipReason,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// IntegrityFlags distinguish "nothing happened" from "partially
// happened" for callers.
type IntegrityFlags struct {
	HasErrors bool `json:"hasErrors"`
	HasSkips  bool `json:"hasSkips"`
	Pending   bool `json:"pending"`
}

// Digest summarizes requested vs executed vs skipped counts for a job.
type Digest struct {
	Requested      int            `json:"requested"`
	Executed       int            `json:"executed"`
	Skipped        int            `json:"skipped"`
	Failed         int            `json:"failed"`
	Pending        int            `json:"pending"`
	IntegrityFlags IntegrityFlags `json:"integrityFlags"`
}

// BuildDigest derives the digest from per-operation results. requested
// may exceed len(results) when validation stopped the batch before any
// result was produced.
func BuildDigest(requested int, results []OperationResult) Digest {
	d := Digest{Requested: requested}
	for _, r := range results {
		switch r.Status {
		case StatusSkipped:
			d.Skipped++
		case StatusFailed:
			d.Failed++
		case StatusPending:
			d.Pending++
		default:
			d.Executed++
		}
	}
	d.Pending += requested - len(results)
	d.IntegrityFlags = IntegrityFlags{
		HasErrors: d.Failed > 0,
		HasSkips:  d.Skipped > 0,
		Pending:   d.Pending > 0,
	}
	return d
}

package engine

import (
	"fmt"

	"github.com/openarch/mason/internal/batch"
)

// Execution-time error codes. Validation codes live in the validate
// package; these cover failures that only surface once chunks hit the
// substrate.
const (
	CodeDuplicateConflict   = "DUPLICATE_CONFLICT"
	CodeChunkRollback       = "CHUNK_ROLLBACK"
	CodeDirectionMismatch   = "DIRECTION_MISMATCH"
	CodeAmbiguousVisual     = "AMBIGUOUS_VISUAL_RESOLUTION"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL"
)

// Error is a structured execution error. OpIndex is -1 for job-level
// failures that no single operation caused.
type Error struct {
	Code      string
	Message   string
	OpIndex   int
	Reference string
	Hint      string
}

func (e *Error) Error() string {
	if e.OpIndex >= 0 {
		return fmt.Sprintf("%s at changes[%d]: %s", e.Code, e.OpIndex, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Detail converts the error to the response payload shape.
func (e *Error) Detail() *batch.ErrorDetail {
	d := &batch.ErrorDetail{
		Code:      e.Code,
		Message:   e.Message,
		Reference: e.Reference,
		Hint:      e.Hint,
	}
	if e.OpIndex >= 0 {
		d.OpIndex = e.OpIndex
		d.Path = fmt.Sprintf("changes[%d]", e.OpIndex)
	}
	return d
}

func execErr(code string, opIndex int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), OpIndex: opIndex}
}

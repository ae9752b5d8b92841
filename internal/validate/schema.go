package validate

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaCUE string

var (
	schemaOnce sync.Once
	schemaVal  cue.Value
	schemaErr  error
)

// batchSchema compiles the embedded wire schema once. Uses the CUE SDK's
// Go API directly, not a CLI subprocess.
func batchSchema() (cue.Value, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		v := ctx.CompileString(schemaCUE)
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile batch schema: %w", err)
			return
		}
		schemaVal = v.LookupPath(cue.ParsePath("#Batch"))
		if err := schemaVal.Err(); err != nil {
			schemaErr = fmt.Errorf("lookup #Batch: %w", err)
		}
	})
	return schemaVal, schemaErr
}

// VetJSON checks a raw submit request against the wire schema. Returns a
// *Error with code VALIDATION_FAILED describing the first structural
// problem, or nil when the shape is acceptable.
func VetJSON(data []byte) error {
	schema, err := batchSchema()
	if err != nil {
		return err
	}

	expr, err := json.Extract("request", data)
	if err != nil {
		return &Error{
			Code:    CodeValidationFailed,
			Message: fmt.Sprintf("malformed JSON: %v", err),
		}
	}

	val := schema.Context().BuildExpr(expr)
	if err := val.Err(); err != nil {
		return &Error{
			Code:    CodeValidationFailed,
			Message: fmt.Sprintf("malformed request: %v", err),
		}
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &Error{
			Code:    CodeValidationFailed,
			Message: firstCUEError(err),
			Hint:    "request does not match the batch wire schema",
		}
	}
	return nil
}

// firstCUEError flattens a CUE error list to its first message; the full
// list repeats the same disjunction failure per branch and drowns the
// actual cause.
func firstCUEError(err error) string {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return err.Error()
	}
	first := list[0]
	if p := first.Path(); len(p) > 0 {
		return fmt.Sprintf("%s: %s", strings.Join(p, "."), first.Error())
	}
	return first.Error()
}

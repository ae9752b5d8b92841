package validate

import (
	"fmt"
	"log/slog"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/model"
)

// Error codes surfaced by validation. Pre-execution: a batch that fails
// validation has mutated nothing.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeUnresolvedTempID = "UNRESOLVED_TEMP_ID"
)

// Error is a structured validation failure. Validation is fail-fast:
// the first violation stops the batch, so one Error describes the whole
// outcome.
type Error struct {
	Code      string
	Message   string
	OpIndex   int
	Path      string
	Field     string
	Reference string
	Hint      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Message)
}

// Detail converts the error to its wire form.
func (e *Error) Detail() batch.ErrorDetail {
	return batch.ErrorDetail{
		Code:      e.Code,
		Message:   e.Message,
		OpIndex:   e.OpIndex,
		Path:      e.Path,
		Field:     e.Field,
		Reference: e.Reference,
		Hint:      e.Hint,
	}
}

// Validator checks batches and builds the tempId table. It reads the
// committed model only to distinguish literal IDs from dangling
// references; it never mutates anything.
type Validator struct {
	reader model.Reader
}

// New returns a validator over the given committed-state reader.
func New(reader model.Reader) *Validator {
	return &Validator{reader: reader}
}

// Validate checks the batch and returns the populated (unresolved)
// tempId table. On the first violation it returns a *Error and no
// table: there is no partial validation result.
func (v *Validator) Validate(b *batch.Batch) (*batch.Table, error) {
	if n := len(b.Changes); n < 1 || n > batch.MaxOperations {
		return nil, &Error{
			Code:    CodeValidationFailed,
			Message: fmt.Sprintf("batch must contain between 1 and %d operations, got %d", batch.MaxOperations, n),
			Path:    "changes",
		}
	}
	if err := checkStrategy(string(b.DuplicateStrategy), "duplicateStrategy", -1); err != nil {
		return nil, err
	}
	if g := b.Granularity; g != "" && g != batch.GranularityBatch && g != batch.GranularityPerOp {
		return nil, &Error{
			Code:    CodeValidationFailed,
			Message: fmt.Sprintf("unknown granularity %q", g),
			Path:    "granularity",
			Field:   "granularity",
		}
	}

	table := batch.NewTable()
	for i, op := range b.Changes {
		if err := v.validateOp(table, i, op); err != nil {
			return nil, err
		}
	}
	slog.Debug("batch validated", "operations", len(b.Changes), "tempIds", len(table.Mappings()))
	return table, nil
}

func opPath(i int) string { return fmt.Sprintf("changes[%d]", i) }

// createsObject reports whether an operation kind registers a new model
// object (and may therefore carry a tempId).
func createsObject(k batch.OpKind) bool {
	switch k {
	case batch.KindCreateElement, batch.KindCreateRelationship,
		batch.KindCreateOrGetElement, batch.KindCreateOrGetRelationship,
		batch.KindCreateFolder, batch.KindCreateView, batch.KindAddToView,
		batch.KindAddConnectionToView, batch.KindCreateNote, batch.KindCreateGroup:
		return true
	}
	return false
}

func checkStrategy(s, field string, opIndex int) error {
	switch batch.DuplicateStrategy(s) {
	case "", batch.DupError, batch.DupReuse, batch.DupRename:
		return nil
	}
	e := &Error{
		Code:    CodeValidationFailed,
		Message: fmt.Sprintf("unknown duplicate strategy %q", s),
		Field:   field,
		Path:    field,
	}
	if opIndex >= 0 {
		e.OpIndex = opIndex
		e.Path = opPath(opIndex) + "." + field
	}
	return e
}

// validateOp checks one operation's fields and references, then
// registers its tempId (if any). Registration happens last so a
// self-reference is still undefined while the operation's own refs are
// checked.
func (v *Validator) validateOp(table *batch.Table, i int, op batch.Operation) error {
	path := opPath(i)

	if err := checkStrategy(string(op.OpStrategy()), "duplicateStrategy", i); err != nil {
		return err
	}
	if op.OpTempID() != "" && !createsObject(op.OpKind()) {
		return &Error{
			Code: CodeValidationFailed, OpIndex: i, Path: path + ".tempId",
			Field:     "tempId",
			Reference: op.OpTempID(),
			Message:   fmt.Sprintf("%s does not create an object and cannot carry a tempId", op.OpKind()),
		}
	}

	switch o := op.(type) {
	case *batch.CreateElement:
		if err := v.requireFields(i, path, field{"type", o.Type}, field{"name", o.Name}); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "folder", o.Folder, model.KindFolder); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempConcept, batch.Pending{
			ObjectKind: model.KindElement, Type: o.Type, Name: o.Name,
		})

	case *batch.CreateOrGetElement:
		if err := v.requireFields(i, path, field{"type", o.Type}, field{"name", o.Name}); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "folder", o.Folder, model.KindFolder); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempConcept, batch.Pending{
			ObjectKind: model.KindElement, Type: o.Type, Name: o.Name,
		})

	case *batch.CreateRelationship:
		if err := v.validateRelationshipCreate(table, i, path, o.Type, o.Source, o.Target); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "folder", o.Folder, model.KindFolder); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempConcept, batch.Pending{
			ObjectKind: model.KindRelationship, Type: o.Type, Name: o.Name,
			SourceRef: o.Source, TargetRef: o.Target,
		})

	case *batch.CreateOrGetRelationship:
		if err := v.validateRelationshipCreate(table, i, path, o.Type, o.Source, o.Target); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "folder", o.Folder, model.KindFolder); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempConcept, batch.Pending{
			ObjectKind: model.KindRelationship, Type: o.Type, Name: o.Name,
			SourceRef: o.Source, TargetRef: o.Target,
		})

	case *batch.UpdateElement:
		if err := v.requireFields(i, path, field{"ref", o.Ref}); err != nil {
			return err
		}
		if o.Name == nil && o.Documentation == nil && len(o.Properties) == 0 {
			return &Error{
				Code: CodeValidationFailed, OpIndex: i, Path: path,
				Message: "updateElement changes nothing",
				Hint:    "set at least one of name, documentation, properties",
			}
		}
		return v.checkRef(table, i, path, "ref", o.Ref, model.KindElement)

	case *batch.UpdateRelationship:
		if err := v.requireFields(i, path, field{"ref", o.Ref}); err != nil {
			return err
		}
		if o.Name == nil && o.Documentation == nil && len(o.Properties) == 0 {
			return &Error{
				Code: CodeValidationFailed, OpIndex: i, Path: path,
				Message: "updateRelationship changes nothing",
				Hint:    "set at least one of name, documentation, properties",
			}
		}
		return v.checkRef(table, i, path, "ref", o.Ref, model.KindRelationship)

	case *batch.DeleteElement:
		if err := v.requireFields(i, path, field{"ref", o.Ref}); err != nil {
			return err
		}
		return v.checkRef(table, i, path, "ref", o.Ref, model.KindElement)

	case *batch.DeleteRelationship:
		if err := v.requireFields(i, path, field{"ref", o.Ref}); err != nil {
			return err
		}
		return v.checkRef(table, i, path, "ref", o.Ref, model.KindRelationship)

	case *batch.SetProperty:
		if err := v.requireFields(i, path, field{"ref", o.Ref}, field{"key", o.Key}); err != nil {
			return err
		}
		return v.checkRef(table, i, path, "ref", o.Ref,
			model.KindElement, model.KindRelationship, model.KindFolder, model.KindView)

	case *batch.MoveToFolder:
		if err := v.requireFields(i, path, field{"ref", o.Ref}, field{"folder", o.Folder}); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "ref", o.Ref,
			model.KindElement, model.KindRelationship, model.KindFolder, model.KindView); err != nil {
			return err
		}
		return v.checkRef(table, i, path, "folder", o.Folder, model.KindFolder)

	case *batch.CreateFolder:
		if err := v.requireFields(i, path, field{"name", o.Name}); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "parent", o.Parent, model.KindFolder); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempConcept, batch.Pending{
			ObjectKind: model.KindFolder, Name: o.Name,
		})

	case *batch.CreateView:
		if err := v.requireFields(i, path, field{"name", o.Name}); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "folder", o.Folder, model.KindFolder); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempView, batch.Pending{
			ObjectKind: model.KindView, Name: o.Name,
		})

	case *batch.DeleteView:
		if err := v.requireFields(i, path, field{"ref", o.Ref}); err != nil {
			return err
		}
		return v.checkRef(table, i, path, "ref", o.Ref, model.KindView)

	case *batch.AddToView:
		if err := v.requireFields(i, path, field{"view", o.View}, field{"element", o.Element}); err != nil {
			return err
		}
		if err := v.checkBounds(i, path, o.Bounds); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "view", o.View, model.KindView); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "element", o.Element, model.KindElement); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempVisual, batch.Pending{
			ObjectKind: model.KindVisual, ViewRef: o.View, ConceptRef: o.Element,
		})

	case *batch.AddConnectionToView:
		if err := v.requireFields(i, path, field{"view", o.View}, field{"relationship", o.Relationship}); err != nil {
			return err
		}
		if (o.SourceVisual == "") != (o.TargetVisual == "") {
			return &Error{
				Code: CodeValidationFailed, OpIndex: i, Path: path,
				Message: "sourceVisual and targetVisual must be supplied together or both omitted",
				Hint:    "omit both and set autoResolveVisuals to locate endpoints automatically",
			}
		}
		if err := v.checkRef(table, i, path, "view", o.View, model.KindView); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "relationship", o.Relationship, model.KindRelationship); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "sourceVisual", o.SourceVisual, model.KindVisual); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "targetVisual", o.TargetVisual, model.KindVisual); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempConnection, batch.Pending{
			ObjectKind: model.KindConnection, ViewRef: o.View, ConceptRef: o.Relationship,
		})

	case *batch.DeleteConnectionFromView:
		if err := v.requireFields(i, path, field{"connection", o.Connection}); err != nil {
			return err
		}
		return v.checkRef(table, i, path, "connection", o.Connection, model.KindConnection)

	case *batch.NestInView:
		if err := v.requireFields(i, path, field{"visual", o.Visual}, field{"parent", o.Parent}); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "visual", o.Visual, model.KindVisual); err != nil {
			return err
		}
		return v.checkRef(table, i, path, "parent", o.Parent, model.KindVisual)

	case *batch.StyleViewObject:
		if err := v.requireFields(i, path, field{"visual", o.Visual}); err != nil {
			return err
		}
		if err := v.checkStyle(i, path, o.Style); err != nil {
			return err
		}
		return v.checkRef(table, i, path, "visual", o.Visual, model.KindVisual)

	case *batch.StyleConnection:
		if err := v.requireFields(i, path, field{"connection", o.Connection}); err != nil {
			return err
		}
		if err := v.checkStyle(i, path, o.Style); err != nil {
			return err
		}
		return v.checkRef(table, i, path, "connection", o.Connection, model.KindConnection)

	case *batch.MoveViewObject:
		if err := v.requireFields(i, path, field{"visual", o.Visual}); err != nil {
			return err
		}
		if o.Width != nil && *o.Width < 1 {
			return v.rangeError(i, path, "width", *o.Width, "width must be >= 1")
		}
		if o.Height != nil && *o.Height < 1 {
			return v.rangeError(i, path, "height", *o.Height, "height must be >= 1")
		}
		return v.checkRef(table, i, path, "visual", o.Visual, model.KindVisual)

	case *batch.CreateNote:
		if err := v.requireFields(i, path, field{"view", o.View}, field{"text", o.Text}); err != nil {
			return err
		}
		if err := v.checkBounds(i, path, o.Bounds); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "view", o.View, model.KindView); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempVisual, batch.Pending{
			ObjectKind: model.KindVisual, Type: "note", ViewRef: o.View,
		})

	case *batch.CreateGroup:
		if err := v.requireFields(i, path, field{"view", o.View}, field{"name", o.Name}); err != nil {
			return err
		}
		if err := v.checkBounds(i, path, o.Bounds); err != nil {
			return err
		}
		if err := v.checkRef(table, i, path, "view", o.View, model.KindView); err != nil {
			return err
		}
		return v.register(table, i, op, batch.TempVisual, batch.Pending{
			ObjectKind: model.KindVisual, Type: "group", Name: o.Name, ViewRef: o.View,
		})

	default:
		return &Error{
			Code: CodeValidationFailed, OpIndex: i, Path: path,
			Message: fmt.Sprintf("unsupported operation kind %q", op.OpKind()),
		}
	}
}

func (v *Validator) validateRelationshipCreate(table *batch.Table, i int, path, typ, source, target string) error {
	if err := v.requireFields(i, path, field{"type", typ}, field{"source", source}, field{"target", target}); err != nil {
		return err
	}
	if err := v.checkRef(table, i, path, "source", source, model.KindElement); err != nil {
		return err
	}
	return v.checkRef(table, i, path, "target", target, model.KindElement)
}

type field struct {
	name  string
	value string
}

func (v *Validator) requireFields(i int, path string, fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return &Error{
				Code:    CodeValidationFailed,
				Message: fmt.Sprintf("%s is required", f.name),
				OpIndex: i,
				Path:    path + "." + f.name,
				Field:   f.name,
			}
		}
	}
	return nil
}

func (v *Validator) rangeError(i int, path, field string, got int, msg string) error {
	return &Error{
		Code:    CodeValidationFailed,
		Message: fmt.Sprintf("%s (got %d)", msg, got),
		OpIndex: i,
		Path:    path + "." + field,
		Field:   field,
	}
}

func (v *Validator) checkBounds(i int, path string, b *model.Bounds) error {
	if b == nil {
		return nil
	}
	if b.Width < 1 {
		return v.rangeError(i, path, "bounds.width", b.Width, "bounds.width must be >= 1")
	}
	if b.Height < 1 {
		return v.rangeError(i, path, "bounds.height", b.Height, "bounds.height must be >= 1")
	}
	return nil
}

func (v *Validator) checkStyle(i int, path string, s batch.StylePatch) error {
	if s.IsZero() {
		return &Error{
			Code: CodeValidationFailed, OpIndex: i, Path: path + ".style",
			Message: "style patch changes nothing",
			Hint:    "set at least one style field",
		}
	}
	if s.Opacity != nil && (*s.Opacity < 0 || *s.Opacity > 255) {
		return v.rangeError(i, path, "style.opacity", *s.Opacity, "opacity must be between 0 and 255")
	}
	if s.LineWidth != nil && (*s.LineWidth < 1 || *s.LineWidth > 10) {
		return v.rangeError(i, path, "style.lineWidth", *s.LineWidth, "lineWidth must be between 1 and 10")
	}
	return nil
}

// checkRef validates a reference field: empty refs are skipped, tempIds
// must be defined strictly earlier with a compatible kind, and anything
// else must name a committed object of a compatible kind.
func (v *Validator) checkRef(table *batch.Table, i int, path, fieldName, ref string, want ...model.Kind) error {
	if ref == "" {
		return nil
	}

	if entry, ok := table.Lookup(ref); ok {
		if entry.DefinedAt >= i {
			return &Error{
				Code:      CodeUnresolvedTempID,
				Message:   fmt.Sprintf("tempId %q is defined by operation %d, which does not precede operation %d", ref, entry.DefinedAt, i),
				OpIndex:   i,
				Path:      path + "." + fieldName,
				Field:     fieldName,
				Reference: ref,
				Hint:      "tempIds may only reference operations that appear strictly earlier in the batch",
			}
		}
		if !kindAllowed(entry.Pending.ObjectKind, want) {
			return &Error{
				Code:      CodeValidationFailed,
				Message:   fmt.Sprintf("tempId %q resolves to a %s, expected %s", ref, entry.Pending.ObjectKind, kindList(want)),
				OpIndex:   i,
				Path:      path + "." + fieldName,
				Field:     fieldName,
				Reference: ref,
			}
		}
		return nil
	}

	objs := v.reader.ReadCommitted([]string{ref})
	obj, ok := objs[ref]
	if !ok {
		return &Error{
			Code:      CodeUnresolvedTempID,
			Message:   fmt.Sprintf("%q is neither a committed ID nor a tempId defined earlier in the batch", ref),
			OpIndex:   i,
			Path:      path + "." + fieldName,
			Field:     fieldName,
			Reference: ref,
			Hint:      "create the referenced object with an earlier operation carrying a tempId, or use an existing committed ID",
		}
	}
	if !kindAllowed(obj.Kind, want) {
		return &Error{
			Code:      CodeValidationFailed,
			Message:   fmt.Sprintf("%q is a %s, expected %s", ref, obj.Kind, kindList(want)),
			OpIndex:   i,
			Path:      path + "." + fieldName,
			Field:     fieldName,
			Reference: ref,
		}
	}
	return nil
}

func kindAllowed(kind model.Kind, want []model.Kind) bool {
	for _, w := range want {
		if kind == w {
			return true
		}
	}
	return false
}

func kindList(kinds []model.Kind) string {
	if len(kinds) == 1 {
		return string(kinds[0])
	}
	s := ""
	for i, k := range kinds {
		if i > 0 {
			s += " or "
		}
		s += string(k)
	}
	return s
}

// register records an operation's tempId in the table. Operations
// without a tempId register nothing.
func (v *Validator) register(table *batch.Table, i int, op batch.Operation, kind batch.TempKind, pending batch.Pending) error {
	tempID := op.OpTempID()
	if tempID == "" {
		return nil
	}
	err := table.Register(tempID, batch.Entry{
		Kind:      kind,
		DefinedAt: i,
		OwnerKind: op.OpKind(),
		Pending:   pending,
	})
	if err != nil {
		return &Error{
			Code:      CodeValidationFailed,
			Message:   err.Error(),
			OpIndex:   i,
			Path:      opPath(i) + ".tempId",
			Field:     "tempId",
			Reference: tempID,
			Hint:      "tempIds must be unique within a batch",
		}
	}
	return nil
}

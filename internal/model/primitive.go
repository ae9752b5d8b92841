package model

import "fmt"

// Ref identifies a model object from within a primitive. Exactly one of
// the three forms is set:
//
//   - ID: a committed identifier, valid against the substrate.
//   - TempID: a client placeholder. The executor rewrites every TempID to
//     an ID or a Handle before a unit is submitted; the substrate itself
//     never sees one.
//   - Handle: 1-based ordinal of an instantiate primitive within the same
//     commit unit. Handles exist because final identity is only assigned
//     at commit time, so primitives in a unit cannot name the objects the
//     unit itself creates any other way.
type Ref struct {
	ID     string `json:"id,omitempty"`
	TempID string `json:"tempId,omitempty"`
	Handle int    `json:"handle,omitempty"`
}

// IsZero reports whether the ref names nothing.
func (r Ref) IsZero() bool {
	return r.ID == "" && r.TempID == "" && r.Handle == 0
}

func (r Ref) String() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.TempID != "":
		return "temp:" + r.TempID
	case r.Handle != 0:
		return fmt.Sprintf("handle:%d", r.Handle)
	default:
		return "<nil-ref>"
	}
}

// PrimOp enumerates substrate primitives (sub-commands). Several are
// needed per logical operation; each is indivisible at the substrate.
type PrimOp string

const (
	PrimInstantiate PrimOp = "instantiate"
	PrimSetField    PrimOp = "setField"
	PrimSetProperty PrimOp = "setProperty"
	PrimAddToFolder PrimOp = "addToFolder"
	PrimDelete      PrimOp = "delete"
)

// Field names accepted by PrimSetField. The substrate rejects anything
// outside this vocabulary.
const (
	FieldName          = "name"
	FieldDocumentation = "documentation"
	FieldSource        = "source"
	FieldTarget        = "target"
	FieldView          = "view"
	FieldConcept       = "concept"
	FieldSourceVisual  = "sourceVisual"
	FieldTargetVisual  = "targetVisual"
	FieldParent        = "parent"
	FieldX             = "x"
	FieldY             = "y"
	FieldWidth         = "width"
	FieldHeight        = "height"
	FieldFillColor     = "fillColor"
	FieldLineColor     = "lineColor"
	FieldFontColor     = "fontColor"
	FieldOpacity       = "opacity"
	FieldLineWidth     = "lineWidth"
)

// ValueKind tags the payload of a field value.
type ValueKind int

const (
	ValueString ValueKind = iota + 1
	ValueInt
	ValueRef
)

// Value is the payload of a PrimSetField.
type Value struct {
	Kind ValueKind
	Str  string
	Int  int
	Ref  Ref
}

func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }
func IntValue(i int) Value       { return Value{Kind: ValueInt, Int: i} }
func RefValue(r Ref) Value       { return Value{Kind: ValueRef, Ref: r} }

// Primitive is one indivisible mutation against the substrate.
type Primitive struct {
	Op PrimOp

	// Instantiate.
	NewKind Kind
	NewType string

	// Object being mutated (setField, setProperty, addToFolder, delete).
	Target Ref

	// SetField.
	Field string
	Value Value

	// SetProperty.
	PropKey string
	PropVal string

	// AddToFolder.
	Folder Ref
}

// Instantiate returns an instantiate primitive for the given kind/type.
func Instantiate(kind Kind, typ string) Primitive {
	return Primitive{Op: PrimInstantiate, NewKind: kind, NewType: typ}
}

// SetField returns a setField primitive.
func SetField(target Ref, field string, value Value) Primitive {
	return Primitive{Op: PrimSetField, Target: target, Field: field, Value: value}
}

// SetProperty returns a setProperty primitive.
func SetProperty(target Ref, key, val string) Primitive {
	return Primitive{Op: PrimSetProperty, Target: target, PropKey: key, PropVal: val}
}

// AddToFolder returns an addToFolder primitive.
func AddToFolder(target, folder Ref) Primitive {
	return Primitive{Op: PrimAddToFolder, Target: target, Folder: folder}
}

// Delete returns a delete primitive.
func Delete(target Ref) Primitive {
	return Primitive{Op: PrimDelete, Target: target}
}

// Refs returns every ref the primitive carries, for rewriting by the
// executor. The returned pointers alias the primitive.
func (p *Primitive) Refs() []*Ref {
	var refs []*Ref
	if !p.Target.IsZero() {
		refs = append(refs, &p.Target)
	}
	if p.Op == PrimSetField && p.Value.Kind == ValueRef {
		refs = append(refs, &p.Value.Ref)
	}
	if p.Op == PrimAddToFolder && !p.Folder.IsZero() {
		refs = append(refs, &p.Folder)
	}
	return refs
}

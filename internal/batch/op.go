package batch

import "github.com/openarch/mason/internal/model"

// DuplicateStrategy governs what happens when a create-like operation
// matches an existing entity.
type DuplicateStrategy string

const (
	DupError  DuplicateStrategy = "error"
	DupReuse  DuplicateStrategy = "reuse"
	DupRename DuplicateStrategy = "rename"
)

// Granularity selects the execution mode: normal chunk packing, or one
// operation per chunk (trades throughput for zero multi-operation
// rollback blast radius).
type Granularity string

const (
	GranularityBatch Granularity = "per-batch-chunking"
	GranularityPerOp Granularity = "per-operation"
)

// OpKind discriminates operation variants on the wire (the "op" field).
type OpKind string

const (
	KindCreateElement            OpKind = "createElement"
	KindCreateRelationship       OpKind = "createRelationship"
	KindCreateOrGetElement       OpKind = "createOrGetElement"
	KindCreateOrGetRelationship  OpKind = "createOrGetRelationship"
	KindUpdateElement            OpKind = "updateElement"
	KindUpdateRelationship       OpKind = "updateRelationship"
	KindDeleteElement            OpKind = "deleteElement"
	KindDeleteRelationship       OpKind = "deleteRelationship"
	KindSetProperty              OpKind = "setProperty"
	KindMoveToFolder             OpKind = "moveToFolder"
	KindCreateFolder             OpKind = "createFolder"
	KindCreateView               OpKind = "createView"
	KindDeleteView               OpKind = "deleteView"
	KindAddToView                OpKind = "addToView"
	KindAddConnectionToView      OpKind = "addConnectionToView"
	KindDeleteConnectionFromView OpKind = "deleteConnectionFromView"
	KindNestInView               OpKind = "nestInView"
	KindStyleViewObject          OpKind = "styleViewObject"
	KindStyleConnection          OpKind = "styleConnection"
	KindMoveViewObject           OpKind = "moveViewObject"
	KindCreateNote               OpKind = "createNote"
	KindCreateGroup              OpKind = "createGroup"
)

// Operation is the closed sum over all mutation kinds. Implementations
// live in this package only; the unexported marker keeps the sum closed
// so compiler and collector switches stay exhaustive.
type Operation interface {
	OpKind() OpKind
	OpTempID() string
	OpStrategy() DuplicateStrategy
	isOperation()
}

// Meta carries fields common to every operation.
type Meta struct {
	TempID            string            `json:"tempId,omitempty"`
	DuplicateStrategy DuplicateStrategy `json:"duplicateStrategy,omitempty"`
}

func (m Meta) OpTempID() string              { return m.TempID }
func (m Meta) OpStrategy() DuplicateStrategy { return m.DuplicateStrategy }
func (Meta) isOperation()                    {}

// StylePatch carries optional style updates. Nil pointer = leave as-is.
type StylePatch struct {
	FillColor *string `json:"fillColor,omitempty"`
	LineColor *string `json:"lineColor,omitempty"`
	FontColor *string `json:"fontColor,omitempty"`
	Opacity   *int    `json:"opacity,omitempty"`
	LineWidth *int    `json:"lineWidth,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p StylePatch) IsZero() bool {
	return p.FillColor == nil && p.LineColor == nil && p.FontColor == nil &&
		p.Opacity == nil && p.LineWidth == nil
}

// Reference fields below hold either a committed model ID or a tempId
// registered by an earlier operation in the same batch; the validator
// decides which.

type CreateElement struct {
	Meta
	Type          string            `json:"type"`
	Name          string            `json:"name"`
	Documentation string            `json:"documentation,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Folder        string            `json:"folder,omitempty"`
}

func (CreateElement) OpKind() OpKind { return KindCreateElement }

type CreateRelationship struct {
	Meta
	Type          string            `json:"type"`
	Name          string            `json:"name,omitempty"`
	Source        string            `json:"source"`
	Target        string            `json:"target"`
	Documentation string            `json:"documentation,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Folder        string            `json:"folder,omitempty"`
}

func (CreateRelationship) OpKind() OpKind { return KindCreateRelationship }

// CreateOrGetElement creates the element unless a duplicate match
// already exists, in which case the match is resolved instead.
type CreateOrGetElement struct {
	Meta
	Type          string            `json:"type"`
	Name          string            `json:"name"`
	Documentation string            `json:"documentation,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Folder        string            `json:"folder,omitempty"`
}

func (CreateOrGetElement) OpKind() OpKind { return KindCreateOrGetElement }

type CreateOrGetRelationship struct {
	Meta
	Type          string            `json:"type"`
	Name          string            `json:"name,omitempty"`
	Source        string            `json:"source"`
	Target        string            `json:"target"`
	Documentation string            `json:"documentation,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Folder        string            `json:"folder,omitempty"`
}

func (CreateOrGetRelationship) OpKind() OpKind { return KindCreateOrGetRelationship }

type UpdateElement struct {
	Meta
	Ref           string            `json:"ref"`
	Name          *string           `json:"name,omitempty"`
	Documentation *string           `json:"documentation,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

func (UpdateElement) OpKind() OpKind { return KindUpdateElement }

type UpdateRelationship struct {
	Meta
	Ref           string            `json:"ref"`
	Name          *string           `json:"name,omitempty"`
	Documentation *string           `json:"documentation,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

func (UpdateRelationship) OpKind() OpKind { return KindUpdateRelationship }

type DeleteElement struct {
	Meta
	Ref string `json:"ref"`
}

func (DeleteElement) OpKind() OpKind { return KindDeleteElement }

type DeleteRelationship struct {
	Meta
	Ref string `json:"ref"`
}

func (DeleteRelationship) OpKind() OpKind { return KindDeleteRelationship }

type SetProperty struct {
	Meta
	Ref   string `json:"ref"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (SetProperty) OpKind() OpKind { return KindSetProperty }

type MoveToFolder struct {
	Meta
	Ref    string `json:"ref"`
	Folder string `json:"folder"`
}

func (MoveToFolder) OpKind() OpKind { return KindMoveToFolder }

type CreateFolder struct {
	Meta
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

func (CreateFolder) OpKind() OpKind { return KindCreateFolder }

type CreateView struct {
	Meta
	Name          string `json:"name"`
	Documentation string `json:"documentation,omitempty"`
	Folder        string `json:"folder,omitempty"`
}

func (CreateView) OpKind() OpKind { return KindCreateView }

type DeleteView struct {
	Meta
	Ref string `json:"ref"`
}

func (DeleteView) OpKind() OpKind { return KindDeleteView }

// AddToView places an element on a view as a new visual object.
type AddToView struct {
	Meta
	View    string        `json:"view"`
	Element string        `json:"element"`
	Bounds  *model.Bounds `json:"bounds,omitempty"`
}

func (AddToView) OpKind() OpKind { return KindAddToView }

// AddConnectionToView draws a relationship between two visual objects.
// When SourceVisual/TargetVisual are omitted and AutoResolveVisuals is
// set, endpoints are located by searching the view.
type AddConnectionToView struct {
	Meta
	View               string `json:"view"`
	Relationship       string `json:"relationship"`
	SourceVisual       string `json:"sourceVisual,omitempty"`
	TargetVisual       string `json:"targetVisual,omitempty"`
	AutoSwapDirection  *bool  `json:"autoSwapDirection,omitempty"`
	AutoResolveVisuals *bool  `json:"autoResolveVisuals,omitempty"`
}

func (AddConnectionToView) OpKind() OpKind { return KindAddConnectionToView }

type DeleteConnectionFromView struct {
	Meta
	Connection string `json:"connection"`
}

func (DeleteConnectionFromView) OpKind() OpKind { return KindDeleteConnectionFromView }

type NestInView struct {
	Meta
	Visual string `json:"visual"`
	Parent string `json:"parent"`
}

func (NestInView) OpKind() OpKind { return KindNestInView }

type StyleViewObject struct {
	Meta
	Visual string     `json:"visual"`
	Style  StylePatch `json:"style"`
}

func (StyleViewObject) OpKind() OpKind { return KindStyleViewObject }

type StyleConnection struct {
	Meta
	Connection string     `json:"connection"`
	Style      StylePatch `json:"style"`
}

func (StyleConnection) OpKind() OpKind { return KindStyleConnection }

type MoveViewObject struct {
	Meta
	Visual string `json:"visual"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  *int   `json:"width,omitempty"`
	Height *int   `json:"height,omitempty"`
}

func (MoveViewObject) OpKind() OpKind { return KindMoveViewObject }

// CreateNote places a free-floating text note on a view.
type CreateNote struct {
	Meta
	View   string        `json:"view"`
	Text   string        `json:"text"`
	Bounds *model.Bounds `json:"bounds,omitempty"`
}

func (CreateNote) OpKind() OpKind { return KindCreateNote }

// CreateGroup places a grouping box on a view.
type CreateGroup struct {
	Meta
	View   string        `json:"view"`
	Name   string        `json:"name"`
	Bounds *model.Bounds `json:"bounds,omitempty"`
}

func (CreateGroup) OpKind() OpKind { return KindCreateGroup }

package model

// Kind classifies objects in the architecture model.
//
// Elements, relationships, folders and views are "concept" level objects.
// Visuals and connections are view-level representations of concepts.
type Kind string

const (
	KindElement      Kind = "element"
	KindRelationship Kind = "relationship"
	KindFolder       Kind = "folder"
	KindView         Kind = "view"
	KindVisual       Kind = "visual"
	KindConnection   Kind = "connection"
)

// Bounds positions a visual object inside a view.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Style holds visual styling for view objects and connections.
// Zero values mean "unset" and leave the rendered default in place,
// except Opacity and LineWidth which are only applied when their
// corresponding field is explicitly set by a primitive.
type Style struct {
	FillColor string `json:"fillColor,omitempty"`
	LineColor string `json:"lineColor,omitempty"`
	FontColor string `json:"fontColor,omitempty"`
	Opacity   int    `json:"opacity,omitempty"`
	LineWidth int    `json:"lineWidth,omitempty"`
}

// Object is the committed state of one model object. The same struct
// covers every kind; kind-irrelevant fields stay zero.
//
// Identity: ID is assigned by the substrate at commit time, never at
// construction time. Code outside the substrate must not fabricate IDs.
type Object struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Type          string            `json:"type,omitempty"` // e.g. "business-actor", "serving"
	Name          string            `json:"name,omitempty"`
	Documentation string            `json:"documentation,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	FolderID      string            `json:"folderId,omitempty"`

	// Relationship endpoints (concept IDs).
	SourceID string `json:"sourceId,omitempty"`
	TargetID string `json:"targetId,omitempty"`

	// View-level fields.
	ViewID         string `json:"viewId,omitempty"`
	ConceptID      string `json:"conceptId,omitempty"` // concept a visual/connection represents
	SourceVisualID string `json:"sourceVisualId,omitempty"`
	TargetVisualID string `json:"targetVisualId,omitempty"`
	ParentVisualID string `json:"parentVisualId,omitempty"`
	Bounds         Bounds `json:"bounds,omitempty"`
	Style          Style  `json:"style,omitempty"`
}

// Clone returns a deep copy. Substrate reads hand out clones so callers
// can never mutate committed state in place.
func (o *Object) Clone() *Object {
	cp := *o
	if o.Properties != nil {
		cp.Properties = make(map[string]string, len(o.Properties))
		for k, v := range o.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

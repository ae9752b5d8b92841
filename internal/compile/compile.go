package compile

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/model"
)

// CompiledOp is one logical operation lowered to substrate primitives.
// Downstream code treats it as indivisible: a chunk boundary never falls
// inside Prims.
type CompiledOp struct {
	OpIndex int
	Op      batch.Operation

	// Prims is the ordered primitive list. Instantiate handles are local
	// to this operation (1-based); the executor renumbers them unit-wide
	// when a chunk is assembled. Empty for resolved-existing markers.
	Prims []model.Primitive

	// Status the operation will report if its chunk commits.
	Status batch.Status

	// Resolved-existing markers: exactly one is set when the operation
	// compiled to zero mutations because a duplicate match resolved it.
	ResolvedExisting string // committed ID
	ResolvedTempID   string // earlier in-batch registration

	// RenamedTo is the uniquified name chosen under the rename strategy.
	RenamedTo string

	// Conflict is set when a duplicate matched under the error strategy.
	// The execution policy decides whether it skips the operation or
	// aborts the batch.
	Conflict *Conflict

	// NeedsEndpointResolution marks connection operations whose visual
	// endpoints must be reconciled against committed relationship
	// endpoints just before submission.
	NeedsEndpointResolution bool
}

// Conflict records a duplicate match under the "error" strategy.
type Conflict struct {
	ExistingID string // committed match, if any
	TempID     string // in-batch match, if any
	Name       string
}

// SubCommands returns the primitive count, the unit the chunk ceiling
// is measured in. Resolved-existing markers count zero.
func (c *CompiledOp) SubCommands() int { return len(c.Prims) }

// Instantiates returns how many objects the operation creates.
func (c *CompiledOp) Instantiates() int {
	n := 0
	for i := range c.Prims {
		if c.Prims[i].Op == model.PrimInstantiate {
			n++
		}
	}
	return n
}

// Compiler lowers validated operations to primitives. Compilation is
// read-only: duplicate lookups consult committed state and the tempId
// table, and nothing is mutated until the executor submits a chunk.
type Compiler struct {
	reader model.Reader
}

// New returns a compiler over the given committed-state reader.
func New(reader model.Reader) *Compiler {
	return &Compiler{reader: reader}
}

// CompileBatch lowers every operation in order. The returned slice is
// index-aligned with b.Changes.
func (c *Compiler) CompileBatch(b *batch.Batch, table *batch.Table) ([]*CompiledOp, error) {
	matches := newMatchIndex(table)
	out := make([]*CompiledOp, 0, len(b.Changes))
	for i, op := range b.Changes {
		compiled, err := c.compileOp(i, op, b, table, matches)
		if err != nil {
			return nil, fmt.Errorf("compile changes[%d]: %w", i, err)
		}
		out = append(out, compiled)
		slog.Debug("operation compiled",
			"opIndex", i,
			"op", op.OpKind(),
			"subCommands", compiled.SubCommands(),
			"status", compiled.Status,
		)
	}
	return out, nil
}

// strategyFor resolves duplicate-strategy precedence: per-operation
// override, then batch default, then "error".
func strategyFor(op batch.Operation, b *batch.Batch) batch.DuplicateStrategy {
	if s := op.OpStrategy(); s != "" {
		return s
	}
	if b.DuplicateStrategy != "" {
		return b.DuplicateStrategy
	}
	return batch.DupError
}

// refFor turns a raw reference string into a primitive ref: a tempId if
// the table defines it, a committed ID otherwise. Validation has
// already guaranteed one of the two holds.
func refFor(raw string, table *batch.Table) model.Ref {
	if raw == "" {
		return model.Ref{}
	}
	if _, ok := table.Lookup(raw); ok {
		return model.Ref{TempID: raw}
	}
	return model.Ref{ID: raw}
}

// ownRef references the object this operation instantiates (always the
// operation's first and only instantiate).
func ownRef() model.Ref { return model.Ref{Handle: 1} }

func (c *Compiler) compileOp(i int, op batch.Operation, b *batch.Batch, table *batch.Table, matches *matchIndex) (*CompiledOp, error) {
	switch o := op.(type) {
	case *batch.CreateElement:
		return c.compileElementCreate(i, op, table, matches, elementCreate{
			typ: o.Type, name: o.Name, doc: o.Documentation, props: o.Properties,
			folder: o.Folder, tempID: o.TempID,
			strategy: strategyFor(op, b), orGet: false,
		})

	case *batch.CreateOrGetElement:
		return c.compileElementCreate(i, op, table, matches, elementCreate{
			typ: o.Type, name: o.Name, doc: o.Documentation, props: o.Properties,
			folder: o.Folder, tempID: o.TempID,
			strategy: strategyFor(op, b), orGet: true,
		})

	case *batch.CreateRelationship:
		return c.compileRelationshipCreate(i, op, table, matches, relationshipCreate{
			typ: o.Type, name: o.Name, doc: o.Documentation, props: o.Properties,
			source: o.Source, target: o.Target, folder: o.Folder, tempID: o.TempID,
			strategy: strategyFor(op, b), orGet: false,
		})

	case *batch.CreateOrGetRelationship:
		return c.compileRelationshipCreate(i, op, table, matches, relationshipCreate{
			typ: o.Type, name: o.Name, doc: o.Documentation, props: o.Properties,
			source: o.Source, target: o.Target, folder: o.Folder, tempID: o.TempID,
			strategy: strategyFor(op, b), orGet: true,
		})

	case *batch.UpdateElement:
		return compileUpdate(i, op, refFor(o.Ref, table), o.Name, o.Documentation, o.Properties), nil

	case *batch.UpdateRelationship:
		return compileUpdate(i, op, refFor(o.Ref, table), o.Name, o.Documentation, o.Properties), nil

	case *batch.DeleteElement:
		return deleteOp(i, op, refFor(o.Ref, table)), nil

	case *batch.DeleteRelationship:
		return deleteOp(i, op, refFor(o.Ref, table)), nil

	case *batch.DeleteView:
		return deleteOp(i, op, refFor(o.Ref, table)), nil

	case *batch.SetProperty:
		return &CompiledOp{
			OpIndex: i, Op: op, Status: batch.StatusUpdated,
			Prims: []model.Primitive{
				model.SetProperty(refFor(o.Ref, table), o.Key, o.Value),
			},
		}, nil

	case *batch.MoveToFolder:
		return &CompiledOp{
			OpIndex: i, Op: op, Status: batch.StatusMoved,
			Prims: []model.Primitive{
				model.AddToFolder(refFor(o.Ref, table), refFor(o.Folder, table)),
			},
		}, nil

	case *batch.CreateFolder:
		prims := []model.Primitive{
			model.Instantiate(model.KindFolder, ""),
			model.SetField(ownRef(), model.FieldName, model.StringValue(o.Name)),
		}
		if o.Parent != "" {
			prims = append(prims, model.AddToFolder(ownRef(), refFor(o.Parent, table)))
		}
		return &CompiledOp{OpIndex: i, Op: op, Status: batch.StatusCreated, Prims: prims}, nil

	case *batch.CreateView:
		prims := []model.Primitive{
			model.Instantiate(model.KindView, ""),
			model.SetField(ownRef(), model.FieldName, model.StringValue(o.Name)),
		}
		if o.Documentation != "" {
			prims = append(prims, model.SetField(ownRef(), model.FieldDocumentation, model.StringValue(o.Documentation)))
		}
		if o.Folder != "" {
			prims = append(prims, model.AddToFolder(ownRef(), refFor(o.Folder, table)))
		}
		return &CompiledOp{OpIndex: i, Op: op, Status: batch.StatusCreated, Prims: prims}, nil

	case *batch.AddToView:
		prims := []model.Primitive{
			model.Instantiate(model.KindVisual, ""),
			model.SetField(ownRef(), model.FieldView, model.RefValue(refFor(o.View, table))),
			model.SetField(ownRef(), model.FieldConcept, model.RefValue(refFor(o.Element, table))),
		}
		prims = append(prims, boundsPrims(o.Bounds)...)
		return &CompiledOp{OpIndex: i, Op: op, Status: batch.StatusAdded, Prims: prims}, nil

	case *batch.AddConnectionToView:
		// Endpoint refs may be rewritten (swapped or auto-resolved) just
		// before submission; the primitive shape is fixed here so chunk
		// planning sees the final sub-command count.
		prims := []model.Primitive{
			model.Instantiate(model.KindConnection, ""),
			model.SetField(ownRef(), model.FieldView, model.RefValue(refFor(o.View, table))),
			model.SetField(ownRef(), model.FieldConcept, model.RefValue(refFor(o.Relationship, table))),
			model.SetField(ownRef(), model.FieldSourceVisual, model.RefValue(refFor(o.SourceVisual, table))),
			model.SetField(ownRef(), model.FieldTargetVisual, model.RefValue(refFor(o.TargetVisual, table))),
		}
		return &CompiledOp{
			OpIndex: i, Op: op, Status: batch.StatusAdded, Prims: prims,
			NeedsEndpointResolution: true,
		}, nil

	case *batch.DeleteConnectionFromView:
		return deleteOp(i, op, refFor(o.Connection, table)), nil

	case *batch.NestInView:
		return &CompiledOp{
			OpIndex: i, Op: op, Status: batch.StatusNested,
			Prims: []model.Primitive{
				model.SetField(refFor(o.Visual, table), model.FieldParent, model.RefValue(refFor(o.Parent, table))),
			},
		}, nil

	case *batch.StyleViewObject:
		return &CompiledOp{
			OpIndex: i, Op: op, Status: batch.StatusStyled,
			Prims: stylePrims(refFor(o.Visual, table), o.Style),
		}, nil

	case *batch.StyleConnection:
		return &CompiledOp{
			OpIndex: i, Op: op, Status: batch.StatusStyled,
			Prims: stylePrims(refFor(o.Connection, table), o.Style),
		}, nil

	case *batch.MoveViewObject:
		target := refFor(o.Visual, table)
		prims := []model.Primitive{
			model.SetField(target, model.FieldX, model.IntValue(o.X)),
			model.SetField(target, model.FieldY, model.IntValue(o.Y)),
		}
		if o.Width != nil {
			prims = append(prims, model.SetField(target, model.FieldWidth, model.IntValue(*o.Width)))
		}
		if o.Height != nil {
			prims = append(prims, model.SetField(target, model.FieldHeight, model.IntValue(*o.Height)))
		}
		return &CompiledOp{OpIndex: i, Op: op, Status: batch.StatusMoved, Prims: prims}, nil

	case *batch.CreateNote:
		prims := []model.Primitive{
			model.Instantiate(model.KindVisual, "note"),
			model.SetField(ownRef(), model.FieldView, model.RefValue(refFor(o.View, table))),
			model.SetField(ownRef(), model.FieldName, model.StringValue(o.Text)),
		}
		prims = append(prims, boundsPrims(o.Bounds)...)
		return &CompiledOp{OpIndex: i, Op: op, Status: batch.StatusAdded, Prims: prims}, nil

	case *batch.CreateGroup:
		prims := []model.Primitive{
			model.Instantiate(model.KindVisual, "group"),
			model.SetField(ownRef(), model.FieldView, model.RefValue(refFor(o.View, table))),
			model.SetField(ownRef(), model.FieldName, model.StringValue(o.Name)),
		}
		prims = append(prims, boundsPrims(o.Bounds)...)
		return &CompiledOp{OpIndex: i, Op: op, Status: batch.StatusAdded, Prims: prims}, nil

	default:
		return nil, fmt.Errorf("no lowering for operation kind %q", op.OpKind())
	}
}

func deleteOp(i int, op batch.Operation, target model.Ref) *CompiledOp {
	return &CompiledOp{
		OpIndex: i, Op: op, Status: batch.StatusDeleted,
		Prims: []model.Primitive{model.Delete(target)},
	}
}

func compileUpdate(i int, op batch.Operation, target model.Ref, name, doc *string, props map[string]string) *CompiledOp {
	var prims []model.Primitive
	if name != nil {
		prims = append(prims, model.SetField(target, model.FieldName, model.StringValue(*name)))
	}
	if doc != nil {
		prims = append(prims, model.SetField(target, model.FieldDocumentation, model.StringValue(*doc)))
	}
	for _, k := range sortedKeys(props) {
		prims = append(prims, model.SetProperty(target, k, props[k]))
	}
	return &CompiledOp{OpIndex: i, Op: op, Status: batch.StatusUpdated, Prims: prims}
}

func boundsPrims(b *model.Bounds) []model.Primitive {
	if b == nil {
		return nil
	}
	return []model.Primitive{
		model.SetField(ownRef(), model.FieldX, model.IntValue(b.X)),
		model.SetField(ownRef(), model.FieldY, model.IntValue(b.Y)),
		model.SetField(ownRef(), model.FieldWidth, model.IntValue(b.Width)),
		model.SetField(ownRef(), model.FieldHeight, model.IntValue(b.Height)),
	}
}

func stylePrims(target model.Ref, s batch.StylePatch) []model.Primitive {
	var prims []model.Primitive
	if s.FillColor != nil {
		prims = append(prims, model.SetField(target, model.FieldFillColor, model.StringValue(*s.FillColor)))
	}
	if s.LineColor != nil {
		prims = append(prims, model.SetField(target, model.FieldLineColor, model.StringValue(*s.LineColor)))
	}
	if s.FontColor != nil {
		prims = append(prims, model.SetField(target, model.FieldFontColor, model.StringValue(*s.FontColor)))
	}
	if s.Opacity != nil {
		prims = append(prims, model.SetField(target, model.FieldOpacity, model.IntValue(*s.Opacity)))
	}
	if s.LineWidth != nil {
		prims = append(prims, model.SetField(target, model.FieldLineWidth, model.IntValue(*s.LineWidth)))
	}
	return prims
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package plan splits compiled operations into chunks that fit the
// substrate's sub-command ceiling. Operations are indivisible: a chunk
// boundary never falls inside one operation's primitive list, so an
// operation either commits whole or not at all.
package plan

import (
	"log/slog"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/compile"
)

// DefaultCeiling is the sub-command budget per chunk when the
// configuration does not override it.
const DefaultCeiling = 50

// Chunk is one commit unit.
type Chunk struct {
	Ops []*compile.CompiledOp
}

// SubCommands is the chunk's total primitive count.
func (c *Chunk) SubCommands() int {
	n := 0
	for _, op := range c.Ops {
		n += op.SubCommands()
	}
	return n
}

// Planner packs operations greedily in batch order.
type Planner struct {
	ceiling int
}

// New returns a planner with the given ceiling; non-positive falls back
// to DefaultCeiling.
func New(ceiling int) *Planner {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Planner{ceiling: ceiling}
}

// Ceiling reports the planner's sub-command budget.
func (p *Planner) Ceiling() int { return p.ceiling }

// Plan splits ops into chunks. Under per-operation granularity every
// operation gets its own chunk. Under batch granularity chunks are
// filled greedily up to the ceiling; an operation that alone exceeds
// the ceiling is still planned, as a singleton chunk, because splitting
// it would break its atomicity.
func (p *Planner) Plan(ops []*compile.CompiledOp, g batch.Granularity) []Chunk {
	if len(ops) == 0 {
		return nil
	}

	var chunks []Chunk
	if g == batch.GranularityPerOp {
		for _, op := range ops {
			chunks = append(chunks, Chunk{Ops: []*compile.CompiledOp{op}})
		}
	} else {
		cur := Chunk{}
		budget := 0
		for _, op := range ops {
			n := op.SubCommands()
			if len(cur.Ops) > 0 && (budget+n > p.ceiling || n > p.ceiling) {
				chunks = append(chunks, cur)
				cur = Chunk{}
				budget = 0
			}
			cur.Ops = append(cur.Ops, op)
			budget += n
			if n > p.ceiling {
				// Oversized singleton: close it immediately so nothing
				// piles on top of an already over-budget chunk.
				chunks = append(chunks, cur)
				cur = Chunk{}
				budget = 0
				slog.Warn("operation exceeds chunk ceiling, planned as singleton",
					"opIndex", op.OpIndex,
					"subCommands", n,
					"ceiling", p.ceiling,
				)
			}
		}
		if len(cur.Ops) > 0 {
			chunks = append(chunks, cur)
		}
	}

	slog.Debug("batch planned",
		"operations", len(ops),
		"chunks", len(chunks),
		"ceiling", p.ceiling,
		"granularity", g,
	)
	return chunks
}

package harness

import (
	"context"
	"fmt"
	"os"

	"github.com/openarch/mason/internal/batch"
	"github.com/openarch/mason/internal/config"
	"github.com/openarch/mason/internal/engine"
	"github.com/openarch/mason/internal/model"
	"github.com/openarch/mason/internal/testutil"
)

// Result is the outcome of one scenario run.
type Result struct {
	Pass   bool
	Errors []string

	Jobs    []engine.JobView
	Objects []*model.Object
	Model   *model.MemModel
}

// Run executes the scenario with a deterministic clock and ID
// generator, so two runs of the same scenario produce identical job
// views.
func Run(scenario *Scenario) (*Result, error) {
	cfg := config.Default()
	cfg.JobHistoryLimit = 0 // keep everything; scenarios are small
	if scenario.Ceiling > 0 {
		cfg.ChunkCeiling = scenario.Ceiling
	}
	if scenario.Granularity != "" {
		cfg.Granularity = batch.Granularity(scenario.Granularity)
	}
	if scenario.DuplicateErrorAborts != nil {
		cfg.DuplicateErrorAborts = *scenario.DuplicateErrorAborts
	}
	cfg.AutoSwapDirection = scenario.AutoSwapDirection
	cfg.AutoResolveVisuals = scenario.AutoResolveVisuals

	seed := make([]*model.Object, 0, len(scenario.Seed))
	for _, s := range scenario.Seed {
		seed = append(seed, s.toObject())
	}
	mem := model.NewSeeded(seed)

	clock := testutil.NewClock()
	ids := testutil.NewIDGen()
	eng := engine.New(cfg, mem, nil,
		engine.WithClock(clock.Now),
		engine.WithIDGenerator(ids.Next),
	)
	eng.Start()
	defer eng.Shutdown(cfg.ShutdownTimeout)

	result := &Result{Model: mem}
	for bi, raw := range scenario.batchPayloads() {
		data, err := raw.load()
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", bi, err)
		}
		receipt, err := eng.SubmitRaw(data)
		if err != nil {
			return nil, fmt.Errorf("batch %d refused: %w", bi, err)
		}
		view, err := eng.Wait(context.Background(), receipt.JobID)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", bi, err)
		}
		result.Jobs = append(result.Jobs, view)
	}
	result.Objects = mem.Objects()

	result.Errors = checkAssertions(scenario, result)
	result.Pass = len(result.Errors) == 0
	return result, nil
}

type batchPayload struct {
	path   string
	inline string
}

func (p batchPayload) load() ([]byte, error) {
	if p.inline != "" {
		return []byte(p.inline), nil
	}
	return os.ReadFile(p.path)
}

func (s *Scenario) batchPayloads() []batchPayload {
	var out []batchPayload
	for _, p := range s.Batches {
		out = append(out, batchPayload{path: p})
	}
	for _, raw := range s.BatchJSON {
		out = append(out, batchPayload{inline: raw})
	}
	return out
}

func checkAssertions(scenario *Scenario, result *Result) []string {
	var errs []string
	fail := func(i int, format string, args ...any) {
		errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, fmt.Sprintf(format, args...)))
	}

	for i, a := range scenario.Assertions {
		switch a.Type {
		case AssertObjectExists:
			if findObject(result.Objects, a) == nil {
				fail(i, "no %s object with type=%q name=%q", a.Kind, a.ObjectType, a.Name)
			}

		case AssertObjectCount:
			n := 0
			for _, obj := range result.Objects {
				if string(obj.Kind) == a.Kind && (a.ObjectType == "" || obj.Type == a.ObjectType) {
					n++
				}
			}
			if n != a.Count {
				fail(i, "expected %d %s objects, found %d", a.Count, a.Kind, n)
			}

		case AssertOpStatus:
			job, ok := jobAt(result, a.BatchIndex)
			if !ok {
				fail(i, "no batch %d", a.BatchIndex)
				continue
			}
			if a.OpIndex >= len(job.Results) {
				fail(i, "batch %d has no operation %d", a.BatchIndex, a.OpIndex)
				continue
			}
			if got := string(job.Results[a.OpIndex].Status); got != a.Status {
				fail(i, "operation %d: expected status %q, got %q", a.OpIndex, a.Status, got)
			}

		case AssertTempResolved:
			job, ok := jobAt(result, a.BatchIndex)
			if !ok {
				fail(i, "no batch %d", a.BatchIndex)
				continue
			}
			resolved := ""
			for _, m := range job.TempIDMappings {
				if m.TempID == a.TempID {
					resolved = m.ResolvedID
				}
			}
			if resolved == "" {
				fail(i, "tempId %q never resolved", a.TempID)
			} else if a.ID != "" && resolved != a.ID {
				fail(i, "tempId %q resolved to %s, expected %s", a.TempID, resolved, a.ID)
			}

		case AssertJobState:
			job, ok := jobAt(result, a.BatchIndex)
			if !ok {
				fail(i, "no batch %d", a.BatchIndex)
				continue
			}
			if string(job.State) != a.State {
				fail(i, "batch %d: expected state %q, got %q", a.BatchIndex, a.State, job.State)
			}
		}
	}
	return errs
}

func jobAt(result *Result, i int) (engine.JobView, bool) {
	if i < 0 || i >= len(result.Jobs) {
		return engine.JobView{}, false
	}
	return result.Jobs[i], true
}

func findObject(objs []*model.Object, a Assertion) *model.Object {
	for _, obj := range objs {
		if string(obj.Kind) != a.Kind {
			continue
		}
		if a.ObjectType != "" && obj.Type != a.ObjectType {
			continue
		}
		if a.Name != "" && obj.Name != a.Name {
			continue
		}
		return obj
	}
	return nil
}

package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/openarch/mason/internal/canon"
	"github.com/openarch/mason/internal/engine"
)

// Snapshot is the golden-file shape of a scenario run. Wall-clock
// fields are excluded so the snapshot is byte-stable; everything else
// is deterministic under the harness clock and ID generator.
type Snapshot struct {
	ScenarioName string
	Jobs         []engine.JobView
	FinalObjects int
}

// toCanonicalMap flattens the snapshot for canonical JSON marshaling,
// keeping only the deterministic fields.
func (s *Snapshot) toCanonicalMap() map[string]any {
	jobList := make([]any, len(s.Jobs))
	for i, job := range s.Jobs {
		results := make([]any, len(job.Results))
		for ri, r := range job.Results {
			rm := map[string]any{
				"opIndex": r.OpIndex,
				"op":      string(r.Op),
				"status":  string(r.Status),
			}
			if r.ResolvedID != "" {
				rm["resolvedId"] = r.ResolvedID
			}
			if r.TempID != "" {
				rm["tempId"] = r.TempID
			}
			if r.SkipReason != "" {
				rm["skipReason"] = r.SkipReason
			}
			if len(r.Warnings) > 0 {
				warns := make([]any, len(r.Warnings))
				for wi, w := range r.Warnings {
					warns[wi] = w
				}
				rm["warnings"] = warns
			}
			if r.Error != nil {
				rm["errorCode"] = r.Error.Code
			}
			results[ri] = rm
		}

		mappings := make([]any, len(job.TempIDMappings))
		for mi, m := range job.TempIDMappings {
			mm := map[string]any{
				"tempId": m.TempID,
				"kind":   string(m.Kind),
			}
			if m.ResolvedID != "" {
				mm["resolvedId"] = m.ResolvedID
			}
			mappings[mi] = mm
		}

		jm := map[string]any{
			"id":      job.ID,
			"state":   string(job.State),
			"results": results,
			"digest": map[string]any{
				"requested": job.Digest.Requested,
				"executed":  job.Digest.Executed,
				"skipped":   job.Digest.Skipped,
				"failed":    job.Digest.Failed,
				"pending":   job.Digest.Pending,
			},
		}
		if len(mappings) > 0 {
			jm["tempIdMappings"] = mappings
		}
		jobList[i] = jm
	}

	return map[string]any{
		"scenario":     s.ScenarioName,
		"jobs":         jobList,
		"finalObjects": s.FinalObjects,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	snapshot := Snapshot{
		ScenarioName: scenario.Name,
		Jobs:         result.Jobs,
		FinalObjects: len(result.Objects),
	}
	data, err := canon.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result, nil
}

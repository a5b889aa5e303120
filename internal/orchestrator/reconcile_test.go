package orchestrator

import (
	"testing"

	"gpudispatch/internal/job"
)

func batchJobs(ids ...string) []job.Job {
	jobs := make([]job.Job, len(ids))
	for i, id := range ids {
		jobs[i] = job.Job{ID: id, PromptID: "p", Operation: job.OpInference}
	}
	return jobs
}

func TestReconcile_MatchByID(t *testing.T) {
	t.Parallel()

	jobs := batchJobs("run_aaa1", "run_bbb2")
	artifacts := []string{"output_bbb2.mp4", "output_aaa1.mp4"}

	matches := HeuristicReconciler{}.Reconcile(jobs, artifacts)
	if matches[0].Artifact != "output_aaa1.mp4" || matches[0].Method != MatchByID {
		t.Errorf("match[0] = %+v", matches[0])
	}
	if matches[1].Artifact != "output_bbb2.mp4" || matches[1].Method != MatchByID {
		t.Errorf("match[1] = %+v", matches[1])
	}
}

func TestReconcile_MatchByPosition(t *testing.T) {
	t.Parallel()

	jobs := batchJobs("run_aaa1", "run_bbb2", "run_ccc3")
	artifacts := []string{"clip_001.mp4", "clip-002.mp4", "clip_000.mp4"}

	matches := HeuristicReconciler{}.Reconcile(jobs, artifacts)
	want := []string{"clip_000.mp4", "clip_001.mp4", "clip-002.mp4"}
	for i, m := range matches {
		if m.Artifact != want[i] || m.Method != MatchByPosition {
			t.Errorf("match[%d] = %+v, want %q by position", i, m, want[i])
		}
	}
}

func TestReconcile_FallbackAssumed(t *testing.T) {
	t.Parallel()

	jobs := batchJobs("run_aaa1", "run_bbb2")
	artifacts := []string{"render_alpha.mp4", "render_beta.mp4"}

	matches := HeuristicReconciler{}.Reconcile(jobs, artifacts)
	if matches[0].Artifact != "render_alpha.mp4" || matches[0].Method != MatchAssumed {
		t.Errorf("match[0] = %+v", matches[0])
	}
	if matches[1].Artifact != "render_beta.mp4" || matches[1].Method != MatchAssumed {
		t.Errorf("match[1] = %+v", matches[1])
	}
}

func TestReconcile_FewerArtifactsThanJobs(t *testing.T) {
	t.Parallel()

	jobs := batchJobs("run_aaa1", "run_bbb2", "run_ccc3")
	artifacts := []string{"output_ccc3.mp4", "render.mp4"}

	matches := HeuristicReconciler{}.Reconcile(jobs, artifacts)
	if matches[2].Artifact != "output_ccc3.mp4" || matches[2].Method != MatchByID {
		t.Errorf("match[2] = %+v, want id match", matches[2])
	}
	if matches[0].Artifact != "render.mp4" || matches[0].Method != MatchAssumed {
		t.Errorf("match[0] = %+v, want assumed", matches[0])
	}
	if matches[1].Method != MatchMissing || matches[1].Artifact != "" {
		t.Errorf("match[1] = %+v, want missing", matches[1])
	}
}

func TestReconcile_NoArtifacts(t *testing.T) {
	t.Parallel()

	matches := HeuristicReconciler{}.Reconcile(batchJobs("run_a", "run_b"), nil)
	for i, m := range matches {
		if m.Method != MatchMissing {
			t.Errorf("match[%d] = %+v, want missing", i, m)
		}
	}
}

func TestReconcile_EachArtifactClaimedOnce(t *testing.T) {
	t.Parallel()

	jobs := batchJobs("run_aaa1", "run_aaa1x")
	artifacts := []string{"output_aaa1.mp4"}

	matches := HeuristicReconciler{}.Reconcile(jobs, artifacts)
	claimed := 0
	for _, m := range matches {
		if m.Artifact != "" {
			claimed++
		}
	}
	if claimed != 1 {
		t.Errorf("artifact claimed %d times: %+v", claimed, matches)
	}
}

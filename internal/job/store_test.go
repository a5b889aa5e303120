package job

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gpudispatch/internal/apperrors"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	j := &Job{
		ID:        "run_abc123",
		PromptID:  "prompt_1",
		Operation: OpInference,
		Config: ExecConfig{
			NumSteps:       35,
			GuidanceScale:  7.0,
			Seed:           42,
			ControlWeights: map[string]float64{"vis": 0.5, "edge": 0.25},
		},
	}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, "run_abc123")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatePending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Config.NumSteps != 35 || got.Config.ControlWeights["edge"] != 0.25 {
		t.Errorf("Config round trip mismatch: %+v", got.Config)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetJob(context.Background(), "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateJob_PartialFields(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, &Job{ID: "run_1", PromptID: "p", Operation: OpUpscale}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	logPath := "outputs/run_1/run.log"
	if err := s.UpdateJob(ctx, "run_1", Update{LogPath: &logPath}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	outPath := "outputs/run_1"
	errMsg := ""
	if err := s.UpdateJob(ctx, "run_1", Update{OutputPath: &outPath, ErrorMessage: &errMsg}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.LogPath != logPath {
		t.Errorf("LogPath = %q, want %q (partial update must not clear it)", got.LogPath, logPath)
	}
	if got.OutputPath != outPath {
		t.Errorf("OutputPath = %q, want %q", got.OutputPath, outPath)
	}
}

func TestUpdateJobStatus(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, &Job{ID: "run_2", PromptID: "p", Operation: OpInference}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "run_2", StateCompleted); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	got, _ := s.GetJob(ctx, "run_2")
	if got.Status != StateCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}

	if err := s.UpdateJobStatus(ctx, "missing", StateFailed); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("UpdateJobStatus(missing) = %v, want ErrNotFound", err)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"run_a", "run_b", "run_c"} {
		if err := s.CreateJob(ctx, &Job{ID: id, PromptID: "p", Operation: OpInference}); err != nil {
			t.Fatalf("CreateJob(%s): %v", id, err)
		}
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("ListJobs returned %d jobs, want 3", len(jobs))
	}
}

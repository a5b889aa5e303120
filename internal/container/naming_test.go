package container

import "testing"

func TestContainerName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind, jobID, want string
	}{
		{"inference", "run_abc123", "infer_abc123"},
		{"inference", "run_0123456789abcdef", "infer_01234567"},
		{"upscale", "run_xyz", "upscale_xyz"},
		{"enhance", "plainid", "enhance_plainid"},
		{"batch", "run_20260823T1015", "batch_20260823"},
	}
	for _, tc := range tests {
		if got := ContainerName(tc.kind, tc.jobID); got != tc.want {
			t.Errorf("ContainerName(%q, %q) = %q, want %q", tc.kind, tc.jobID, got, tc.want)
		}
	}
}

func TestContainerName_Deterministic(t *testing.T) {
	t.Parallel()

	first := ContainerName("inference", "run_deadbeef01")
	for i := 0; i < 10; i++ {
		if got := ContainerName("inference", "run_deadbeef01"); got != first {
			t.Fatalf("name changed between calls: %q vs %q", got, first)
		}
	}
}

func TestContainerName_DistinctJobsDistinctNames(t *testing.T) {
	t.Parallel()

	a := ContainerName("inference", "run_a1b2c3d4")
	b := ContainerName("inference", "run_e5f6a7b8")
	if a == b {
		t.Errorf("two distinct jobs mapped to the same container name %q", a)
	}
}

package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	metrics, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}
	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecorders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 202, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/run_abc123", 404, 0.005)
	metrics.RecordJob(ctx, "inference", "started")
	metrics.RecordJob(ctx, "inference", "completed")
	metrics.RecordJob(ctx, "batch", "failed")
	metrics.RecordMonitorPoll(ctx, "ok")
	metrics.RecordSSHCommand(ctx, true, 0.12)
	metrics.RecordSSHCommand(ctx, false, 30.0)
	metrics.RecordTransfer(ctx, "upload", 1<<20)
	metrics.RecordTransfer(ctx, "download", 1<<24)
	metrics.RecordNotification(ctx, "delivered")
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/run_abc123", "/v1/jobs/{jobId}"},
		{"/v1/containers", "/v1/containers"},
		{"/v1/containers/infer_abc123", "/v1/containers/{name}"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

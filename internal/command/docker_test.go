package command

import (
	"strings"
	"testing"
)

func TestDockerRun_Minimal(t *testing.T) {
	t.Parallel()

	got := NewDockerRun("cosmos-engine:latest").Build()
	want := "docker run cosmos-engine:latest"
	if got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestDockerRun_Full(t *testing.T) {
	t.Parallel()

	got := NewDockerRun("cosmos-engine:latest").
		WithGPUs("all").
		WithName("infer_a1b2c3d4").
		WithOption("--rm").
		WithOption("--ipc=host").
		WithVolume("/data", "/workspace").
		WithEnv("NUM_STEPS", "35").
		WithWorkDir("/workspace").
		WithCommand("python inference.py --spec inputs/prompts/a1b2c3d4.json").
		Build()

	want := "docker run --gpus all --name infer_a1b2c3d4 --rm --ipc=host " +
		"-v /data:/workspace -e NUM_STEPS=35 -w /workspace cosmos-engine:latest " +
		"bash -c 'python inference.py --spec inputs/prompts/a1b2c3d4.json'"
	if got != want {
		t.Errorf("Build() =\n%q\nwant\n%q", got, want)
	}
}

func TestDockerRun_Background(t *testing.T) {
	t.Parallel()

	got := NewDockerRun("img").
		WithName("upscale_x").
		WithCommand("run").
		InBackground("/workspace/outputs/run_x/run.log").
		Build()

	if !strings.HasPrefix(got, "nohup docker run ") {
		t.Errorf("background invocation missing nohup prefix: %q", got)
	}
	if !strings.HasSuffix(got, "> /workspace/outputs/run_x/run.log 2>&1 &") {
		t.Errorf("background invocation missing redirect suffix: %q", got)
	}
}

func TestDockerRun_BackgroundQuotesLogPath(t *testing.T) {
	t.Parallel()

	got := NewDockerRun("img").
		WithName("infer_x").
		WithCommand("run").
		InBackground("/workspace/logs/my run.log").
		Build()

	if !strings.HasSuffix(got, "> '/workspace/logs/my run.log' 2>&1 &") {
		t.Errorf("log path with whitespace not quoted: %q", got)
	}
}

func TestDockerRun_Deterministic(t *testing.T) {
	t.Parallel()

	env := map[string]string{"B": "2", "A": "1", "C": "3"}
	build := func() string {
		return NewDockerRun("img").WithEnvMap(env).Build()
	}

	first := build()
	for i := 0; i < 10; i++ {
		if got := build(); got != first {
			t.Fatalf("Build() not deterministic: %q vs %q", got, first)
		}
	}
	if !strings.Contains(first, "-e A=1 -e B=2 -e C=3") {
		t.Errorf("env vars not in sorted order: %q", first)
	}
}

func TestQuote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", "''"},
		{"has space", "'has space'"},
		{"a$b", "'a$b'"},
		{"don't", `'don'"'"'t'`},
		{"semi;colon", "'semi;colon'"},
	}

	for _, tt := range tests {
		if got := Quote(tt.in); got != tt.want {
			t.Errorf("Quote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

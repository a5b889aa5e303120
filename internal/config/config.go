// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Monitor reconnect policies. A transport drop mid-monitor either resolves the
// job as failed immediately, or redials once and resumes polling within the
// job's deadline. The job may have finished during the gap, so "resume" can
// still observe a terminal container state; "fail" never misclassifies but
// gives up on jobs that actually completed.
const (
	ReconnectFail   = "fail"
	ReconnectResume = "resume"
)

// Settings holds the resolved runtime configuration for the dispatcher.
// Connection and image values arrive resolved; no config files are parsed here.
type Settings struct {
	// Remote host connection descriptor.
	Host    string
	User    string
	SSHPort int
	KeyPath string

	// Remote execution environment.
	Image      string // container image running the compute engine
	RemoteRoot string // root of the remote filesystem layout
	WorkDir    string // working directory inside the container
	LocalRoot  string // local staging area for requests and downloaded results

	// Orchestration.
	PollInterval     time.Duration // monitor poll interval
	ConnectTimeout   time.Duration
	CommandTimeout   time.Duration // default for short remote commands
	TransferTimeout  time.Duration
	InferenceTimeout time.Duration
	UpscaleTimeout   time.Duration
	EnhanceTimeout   time.Duration
	BatchTimeout     time.Duration
	ReconnectPolicy  string // ReconnectFail or ReconnectResume

	// Service surface.
	Port              string
	MetricsPort       string
	APIKey            string
	DBPath            string
	NotifyURL         string // optional webhook for job lifecycle events
	ShutdownDrainWait time.Duration
}

// Load loads settings from environment variables.
func Load() *Settings {
	return &Settings{
		Host:    envString("GPU_HOST", ""),
		User:    envString("GPU_USER", "ubuntu"),
		SSHPort: envInt("GPU_PORT", 22),
		KeyPath: envString("GPU_KEY_PATH", ""),

		Image:      envString("ENGINE_IMAGE", "cosmos-engine:latest"),
		RemoteRoot: envString("REMOTE_ROOT", "/workspace"),
		WorkDir:    envString("ENGINE_WORKDIR", "/workspace"),
		LocalRoot:  envString("LOCAL_ROOT", "data"),

		PollInterval:     envDuration("POLL_INTERVAL", 30*time.Second),
		ConnectTimeout:   envDuration("CONNECT_TIMEOUT", 15*time.Second),
		CommandTimeout:   envDuration("COMMAND_TIMEOUT", 60*time.Second),
		TransferTimeout:  envDuration("TRANSFER_TIMEOUT", 10*time.Minute),
		InferenceTimeout: envDuration("INFERENCE_TIMEOUT", 2*time.Hour),
		UpscaleTimeout:   envDuration("UPSCALE_TIMEOUT", 2*time.Hour),
		EnhanceTimeout:   envDuration("ENHANCE_TIMEOUT", 30*time.Minute),
		BatchTimeout:     envDuration("BATCH_TIMEOUT", 8*time.Hour),
		ReconnectPolicy:  envString("MONITOR_RECONNECT_POLICY", ReconnectFail),

		Port:              envString("PORT", "8080"),
		MetricsPort:       envString("METRICS_PORT", "9090"),
		APIKey:            secretFromFile(envString("API_KEY_FILE", "")),
		DBPath:            envString("DB_PATH", "dispatch.db"),
		NotifyURL:         envString("NOTIFY_URL", ""),
		ShutdownDrainWait: envDuration("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring unparsable integer setting", "key", key, "value", v)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Ignoring unparsable duration setting", "key", key, "value", v)
		return fallback
	}
	return d
}

// secretFromFile reads a secret mounted as a file (docker secrets, k8s secret
// volumes). An unset path or unreadable file yields an empty secret.
func secretFromFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Secret file not readable", "path", path)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// OperationTimeout returns the execution timeout for an operation kind.
// Unknown kinds fall back to the inference timeout.
func (s *Settings) OperationTimeout(kind string) time.Duration {
	switch kind {
	case "upscale":
		return s.UpscaleTimeout
	case "enhance":
		return s.EnhanceTimeout
	case "batch":
		return s.BatchTimeout
	default:
		return s.InferenceTimeout
	}
}

// Package job defines job records, the persistence Store, and state constants.
package job

import (
	"time"
)

// State constants
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Operation kinds dispatched to the remote engine.
const (
	OpInference = "inference"
	OpUpscale   = "upscale"
	OpEnhance   = "enhance"
	OpBatch     = "batch"
)

// ExecConfig holds the sampling parameters and per-channel control weights
// for one job. Only fields the engine consumes are carried.
type ExecConfig struct {
	NumSteps       int                `json:"numSteps"`
	GuidanceScale  float64            `json:"guidanceScale"`
	Seed           int64              `json:"seed"`
	ControlWeights map[string]float64 `json:"controlWeights,omitempty"`
}

// Job is one request to execute an operation on the remote compute resource.
// Status and output fields are mutated only by the orchestrator's completion
// handlers; jobs are never deleted here.
type Job struct {
	ID           string     `json:"id"`
	PromptID     string     `json:"promptId"`
	Operation    string     `json:"operation"`
	Config       ExecConfig `json:"config"`
	Status       string     `json:"status"`
	OutputPath   string     `json:"outputPath,omitempty"`
	LogPath      string     `json:"logPath,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Prompt is the narrow prompt record a job references.
type Prompt struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	VideoPath string `json:"videoPath,omitempty"`
}

// Update carries the mutable fields a completion handler may write.
// Nil pointers leave the stored value untouched.
type Update struct {
	LogPath      *string
	ErrorMessage *string
	OutputPath   *string
}

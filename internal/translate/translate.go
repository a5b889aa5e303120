// Package translate converts job and prompt records into the request
// documents the engine consumes. Translation is pure; file placement and
// upload are the caller's concern.
package translate

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gpudispatch/internal/apperrors"
	"gpudispatch/internal/job"
)

// Engine defaults applied when a job config leaves a field unset.
const (
	DefaultNumSteps      = 35
	DefaultGuidanceScale = 7.0
)

// Request is one engine invocation document.
type Request struct {
	JobID          string             `json:"jobId"`
	Operation      string             `json:"operation"`
	Prompt         string             `json:"prompt"`
	InputVideo     string             `json:"inputVideo,omitempty"`
	NumSteps       int                `json:"numSteps"`
	GuidanceScale  float64            `json:"guidanceScale"`
	Seed           int64              `json:"seed"`
	ControlWeights map[string]float64 `json:"controlWeights,omitempty"`
}

// BatchRequest bundles several jobs into one engine run. Entries keep their
// job ids so outputs can be traced back after the batch completes.
type BatchRequest struct {
	BatchID string    `json:"batchId"`
	Entries []Request `json:"entries"`
}

// JobRequest builds the engine request for a single job. The prompt must be
// the one the job references and must carry text.
func JobRequest(j *job.Job, p *job.Prompt) (*Request, error) {
	if j.PromptID != p.ID {
		return nil, apperrors.Validation("promptId", "job references prompt "+j.PromptID+" but got "+p.ID)
	}
	if p.Text == "" {
		return nil, apperrors.Validation("prompt", "prompt text is empty")
	}

	req := &Request{
		JobID:          j.ID,
		Operation:      j.Operation,
		Prompt:         p.Text,
		InputVideo:     p.VideoPath,
		NumSteps:       j.Config.NumSteps,
		GuidanceScale:  j.Config.GuidanceScale,
		Seed:           j.Config.Seed,
		ControlWeights: j.Config.ControlWeights,
	}
	if req.NumSteps == 0 {
		req.NumSteps = DefaultNumSteps
	}
	if req.GuidanceScale == 0 {
		req.GuidanceScale = DefaultGuidanceScale
	}
	return req, nil
}

// Batch builds the engine request for a batch run. Prompts are looked up by
// the prompt id each job references.
func Batch(batchID string, jobs []job.Job, prompts map[string]*job.Prompt) (*BatchRequest, error) {
	if len(jobs) == 0 {
		return nil, apperrors.Validation("jobs", "batch has no jobs")
	}

	batch := &BatchRequest{BatchID: batchID}
	for i := range jobs {
		p, ok := prompts[jobs[i].PromptID]
		if !ok {
			return nil, apperrors.NotFound("prompt", jobs[i].PromptID)
		}
		req, err := JobRequest(&jobs[i], p)
		if err != nil {
			return nil, err
		}
		batch.Entries = append(batch.Entries, *req)
	}
	return batch, nil
}

// WriteRequest serializes a request into dir as <jobID>.json and returns the
// file path.
func WriteRequest(dir string, req *Request) (string, error) {
	return writeJSON(dir, req.JobID+".json", req)
}

// WriteBatch serializes a batch request into dir as <batchID>.json and
// returns the file path.
func WriteBatch(dir string, batch *BatchRequest) (string, error) {
	return writeJSON(dir, batch.BatchID+".json", batch)
}

func writeJSON(dir, name string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Transfer("mkdir", dir, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", apperrors.Validation("request", err.Error())
	}
	target := filepath.Join(dir, name)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", apperrors.Transfer("write", target, err)
	}
	return target, nil
}

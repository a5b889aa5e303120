// Package orchestrator drives job execution end to end: it stages inputs,
// launches engine containers, monitors them to completion, and reconciles
// results back into the job store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gpudispatch/internal/apperrors"
	"gpudispatch/internal/config"
	"gpudispatch/internal/container"
	"gpudispatch/internal/job"
	"gpudispatch/internal/sshconn"
	"gpudispatch/internal/transfer"
	"gpudispatch/internal/translate"
)

// Runner is the container surface the orchestrator drives. Satisfied by
// *container.Runner.
type Runner interface {
	StartInference(ctx context.Context, jobID, requestPath string) (*container.Launch, error)
	StartUpscale(ctx context.Context, jobID, inputPath string) (*container.Launch, error)
	StartEnhance(ctx context.Context, jobID, inputPath string) (*container.Launch, error)
	RunBatchInference(ctx context.Context, batchID, requestPath string, onLine func(line string, stderr bool)) (sshconn.Result, error)
	GetContainerLogs(ctx context.Context, kind, jobID string, tail int) (string, error)
	KillContainer(ctx context.Context, kind, jobID string) (int, error)
	RemoveContainer(ctx context.Context, name string) error
	OutputDir(jobID string) string
}

// Prober is the narrow surface a monitor needs on its own connection.
type Prober interface {
	State(ctx context.Context, name string) (container.State, error)
	KillContainer(ctx context.Context, kind, jobID string) (int, error)
}

// ProberFactory opens an independent connection for one monitor and returns
// the prober plus its close function.
type ProberFactory func() (Prober, func() error, error)

// Files is the transfer surface the orchestrator uses. Satisfied by
// *transfer.Service.
type Files interface {
	UploadFile(localPath, remoteDir string) (string, error)
	DownloadResults(jobName string) (*transfer.Results, error)
	ListRemoteDirectory(remoteDir string) []string
}

// Notifier receives a callback after every terminal job transition.
type Notifier interface {
	JobUpdated(ctx context.Context, j *job.Job)
}

// MetricsRecorder is an optional interface for recording orchestration
// metrics.
type MetricsRecorder interface {
	RecordJob(ctx context.Context, operation, outcome string)
	RecordMonitorPoll(ctx context.Context, outcome string)
}

// Deps bundles the orchestrator's collaborators. Notifier, Metrics, and
// Reconciler are optional.
type Deps struct {
	Store      job.Store
	Runner     Runner
	Files      Files
	Probers    ProberFactory
	Notifier   Notifier
	Metrics    MetricsRecorder
	Reconciler Reconciler
}

// completion is the single terminal event a monitor emits for its job.
type completion struct {
	jobID    string
	kind     string
	name     string
	exitCode int
	absent   bool
	timedOut bool
	err      error
}

// Orchestrator owns the completion loop and one monitor goroutine per
// running job. All store writes for terminal transitions happen on the
// completion loop, so each job is finalized exactly once.
type Orchestrator struct {
	cfg        *config.Settings
	store      job.Store
	runner     Runner
	files      Files
	probers    ProberFactory
	notifier   Notifier
	metrics    MetricsRecorder
	reconciler Reconciler
	logger     *slog.Logger

	completions chan completion
	quit        chan struct{}
	loopWg      sync.WaitGroup
	monitorWg   sync.WaitGroup

	mu     sync.Mutex
	active map[string]bool
}

// New creates an orchestrator. Call Start before submitting jobs.
func New(cfg *config.Settings, d Deps) *Orchestrator {
	rec := d.Reconciler
	if rec == nil {
		rec = HeuristicReconciler{}
	}
	return &Orchestrator{
		cfg:         cfg,
		store:       d.Store,
		runner:      d.Runner,
		files:       d.Files,
		probers:     d.Probers,
		notifier:    d.Notifier,
		metrics:     d.Metrics,
		reconciler:  rec,
		logger:      slog.With("component", "orchestrator"),
		completions: make(chan completion, 16),
		quit:        make(chan struct{}),
		active:      map[string]bool{},
	}
}

// Start launches the completion loop.
func (o *Orchestrator) Start() {
	o.loopWg.Add(1)
	go o.completionLoop()
}

// Close stops monitors and drains the completion loop. Monitors exit at
// their next poll without finalizing their jobs; those jobs stay running in
// the store.
func (o *Orchestrator) Close(ctx context.Context) error {
	close(o.quit)

	done := make(chan struct{})
	go func() {
		o.monitorWg.Wait()
		close(o.completions)
		o.loopWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return apperrors.Timeout("orchestrator.close", o.cfg.ShutdownDrainWait)
	}
}

// ExecuteJob stages the job's input on the remote host, starts its container
// in the background, and hands it to a monitor. Returns the container name.
func (o *Orchestrator) ExecuteJob(ctx context.Context, j *job.Job, p *job.Prompt) (string, error) {
	switch j.Operation {
	case job.OpInference, job.OpUpscale, job.OpEnhance:
	case job.OpBatch:
		return "", apperrors.Validation("operation", "batch jobs are submitted through ExecuteBatch")
	default:
		return "", apperrors.Validation("operation", "unknown operation "+j.Operation)
	}

	if err := o.acquire(j.ID); err != nil {
		return "", err
	}
	started := false
	defer func() {
		if !started {
			o.release(j.ID)
		}
	}()

	launch, err := o.launch(ctx, j, p)
	if err != nil {
		o.recordJob(j.Operation, "launch_error")
		msg := err.Error()
		_ = o.store.UpdateJob(ctx, j.ID, job.Update{ErrorMessage: &msg})
		_ = o.store.UpdateJobStatus(ctx, j.ID, job.StateFailed)
		return "", err
	}

	logPath := launch.LogPath
	if err := o.store.UpdateJob(ctx, j.ID, job.Update{LogPath: &logPath}); err != nil {
		o.logger.Warn("Failed to record log path", "jobId", j.ID, "error", err)
	}
	if err := o.store.UpdateJobStatus(ctx, j.ID, job.StateRunning); err != nil {
		o.logger.Warn("Failed to mark job running", "jobId", j.ID, "error", err)
	}
	o.recordJob(j.Operation, "started")
	o.logger.Info("Job started", "jobId", j.ID, "operation", j.Operation, "container", launch.Name)

	started = true
	o.monitorWg.Add(1)
	go o.monitor(j.Operation, j.ID, launch.Name, o.cfg.OperationTimeout(j.Operation))
	return launch.Name, nil
}

func (o *Orchestrator) launch(ctx context.Context, j *job.Job, p *job.Prompt) (*container.Launch, error) {
	switch j.Operation {
	case job.OpInference:
		req, err := translate.JobRequest(j, p)
		if err != nil {
			return nil, err
		}
		local, err := translate.WriteRequest(filepath.Join(o.cfg.LocalRoot, "requests"), req)
		if err != nil {
			return nil, err
		}
		remote, err := o.files.UploadFile(local, path.Join(o.cfg.RemoteRoot, "inputs", "prompts"))
		if err != nil {
			return nil, err
		}
		return o.runner.StartInference(ctx, j.ID, remote)
	case job.OpUpscale, job.OpEnhance:
		input, err := o.stageVideo(p)
		if err != nil {
			return nil, err
		}
		if j.Operation == job.OpUpscale {
			return o.runner.StartUpscale(ctx, j.ID, input)
		}
		return o.runner.StartEnhance(ctx, j.ID, input)
	}
	return nil, apperrors.Validation("operation", "unknown operation "+j.Operation)
}

// stageVideo resolves the prompt's video reference. A path that exists
// locally is uploaded first; anything else is taken as an existing remote
// path.
func (o *Orchestrator) stageVideo(p *job.Prompt) (string, error) {
	if p.VideoPath == "" {
		return "", apperrors.Validation("videoPath", "operation requires an input video")
	}
	if _, err := os.Stat(p.VideoPath); err == nil {
		return o.files.UploadFile(p.VideoPath, path.Join(o.cfg.RemoteRoot, "inputs", "videos"))
	}
	return transfer.NormalizeRemote(p.VideoPath), nil
}

// BatchResult summarizes a finished batch run.
type BatchResult struct {
	BatchID   string
	ExitCode  int
	Matches   []Match
	OutputDir string
}

// ExecuteBatch runs a set of jobs as one synchronous engine invocation, then
// attributes the produced artifacts back to the jobs. Blocks until the batch
// container exits or times out.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, batchID string, jobs []job.Job, prompts map[string]*job.Prompt) (*BatchResult, error) {
	batch, err := translate.Batch(batchID, jobs, prompts)
	if err != nil {
		return nil, err
	}
	if err := o.acquire(batchID); err != nil {
		return nil, err
	}
	defer o.release(batchID)

	local, err := translate.WriteBatch(filepath.Join(o.cfg.LocalRoot, "requests"), batch)
	if err != nil {
		return nil, err
	}
	remote, err := o.files.UploadFile(local, path.Join(o.cfg.RemoteRoot, "inputs", "batches"))
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		if err := o.store.UpdateJobStatus(ctx, jobs[i].ID, job.StateRunning); err != nil {
			o.logger.Warn("Failed to mark batch job running", "jobId", jobs[i].ID, "error", err)
		}
	}
	o.logger.Info("Batch started", "batchId", batchID, "jobs", len(jobs))

	res, err := o.runner.RunBatchInference(ctx, batchID, remote, nil)
	if err != nil {
		if errors.Is(err, apperrors.ErrTimeout) {
			// The session is gone but the container may still be burning GPU.
			o.logger.Warn("Batch deadline exceeded, killing container", "batchId", batchID)
			if _, kerr := o.runner.KillContainer(ctx, "batch", batchID); kerr != nil {
				o.logger.Error("Failed to kill timed-out batch container", "batchId", batchID, "error", kerr)
			}
		}
		o.failBatch(ctx, jobs, "batch execution failed: "+err.Error())
		o.recordJob(job.OpBatch, "error")
		return nil, err
	}
	if res.ExitCode != 0 {
		o.failBatch(ctx, jobs, fmt.Sprintf("batch exited with code %d: %s", res.ExitCode, lastLines(res.Stderr, 5)))
		o.recordJob(job.OpBatch, "failed")
		return &BatchResult{BatchID: batchID, ExitCode: res.ExitCode}, nil
	}

	artifacts := o.files.ListRemoteDirectory(o.runner.OutputDir(batchID))
	matches := o.reconciler.Reconcile(jobs, artifacts)

	results, err := o.files.DownloadResults(batchID)
	if err != nil {
		o.failBatch(ctx, jobs, "batch completed but result download failed: "+err.Error())
		o.recordJob(job.OpBatch, "error")
		return nil, err
	}

	for _, m := range matches {
		o.finishBatchJob(ctx, m, results.PrimaryDir)
	}
	o.recordJob(job.OpBatch, "completed")
	return &BatchResult{BatchID: batchID, ExitCode: 0, Matches: matches, OutputDir: results.PrimaryDir}, nil
}

func (o *Orchestrator) finishBatchJob(ctx context.Context, m Match, outputDir string) {
	switch m.Method {
	case MatchMissing:
		msg := "no output artifact could be attributed to this job"
		_ = o.store.UpdateJob(ctx, m.JobID, job.Update{ErrorMessage: &msg})
		_ = o.store.UpdateJobStatus(ctx, m.JobID, job.StateFailed)
	default:
		out := filepath.Join(outputDir, m.Artifact)
		upd := job.Update{OutputPath: &out}
		if m.Method == MatchAssumed {
			note := "output attributed by order, not by name"
			upd.ErrorMessage = &note
		}
		_ = o.store.UpdateJob(ctx, m.JobID, upd)
		_ = o.store.UpdateJobStatus(ctx, m.JobID, job.StateCompleted)
	}
	o.notify(ctx, m.JobID)
}

func (o *Orchestrator) failBatch(ctx context.Context, jobs []job.Job, msg string) {
	for i := range jobs {
		_ = o.store.UpdateJob(ctx, jobs[i].ID, job.Update{ErrorMessage: &msg})
		_ = o.store.UpdateJobStatus(ctx, jobs[i].ID, job.StateFailed)
		o.notify(ctx, jobs[i].ID)
	}
}

// monitor polls one container on its own connection until it reaches a
// terminal condition, then emits exactly one completion event.
func (o *Orchestrator) monitor(kind, jobID, name string, timeout time.Duration) {
	defer o.monitorWg.Done()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	logger := o.logger.With("jobId", jobID, "container", name)

	prober, closeProber, err := o.probers()
	if err != nil {
		o.emit(completion{jobID: jobID, kind: kind, name: name, err: err})
		return
	}
	defer func() { _ = closeProber() }()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	// At most one redial per monitor. A connection that keeps failing after a
	// fresh dial fails the job instead of looping.
	redialed := false

	for {
		st, err := prober.State(ctx, name)
		if err != nil {
			o.recordPoll("error")
			recovered := false
			if o.cfg.ReconnectPolicy == config.ReconnectResume && !redialed {
				redialed = true
				_ = closeProber()
				var rerr error
				prober, closeProber, rerr = o.probers()
				if rerr == nil {
					recovered = true
					logger.Warn("Monitor connection lost, resumed on a new connection", "error", err)
				} else {
					err = rerr
				}
			}
			if !recovered {
				o.emit(completion{jobID: jobID, kind: kind, name: name, err: err})
				return
			}
		} else {
			o.recordPoll("ok")
			switch {
			case !st.Found:
				o.emit(completion{jobID: jobID, kind: kind, name: name, absent: true})
				return
			case !st.Running:
				o.emit(completion{jobID: jobID, kind: kind, name: name, exitCode: st.ExitCode})
				return
			}
		}

		if time.Now().After(deadline) {
			logger.Warn("Job deadline exceeded, killing container", "timeout", timeout)
			if _, kerr := prober.KillContainer(ctx, kind, jobID); kerr != nil {
				logger.Error("Failed to kill timed-out container", "error", kerr)
			}
			o.emit(completion{jobID: jobID, kind: kind, name: name, timedOut: true})
			return
		}

		select {
		case <-ticker.C:
		case <-o.quit:
			logger.Info("Monitor stopping, job left running")
			return
		}
	}
}

func (o *Orchestrator) emit(c completion) {
	select {
	case o.completions <- c:
	case <-o.quit:
	}
}

func (o *Orchestrator) completionLoop() {
	defer o.loopWg.Done()
	for c := range o.completions {
		o.handleCompletion(c)
	}
}

// handleCompletion finalizes one job. Runs on the completion loop only.
func (o *Orchestrator) handleCompletion(c completion) {
	ctx := context.Background()
	o.release(c.jobID)

	switch {
	case c.err != nil:
		o.fail(ctx, c, "monitoring failed: "+c.err.Error())
	case c.absent:
		o.fail(ctx, c, "container disappeared before an exit was observed")
	case c.timedOut:
		o.fail(ctx, c, fmt.Sprintf("%s exceeded its deadline and was killed", c.kind))
	case c.exitCode != 0:
		msg := fmt.Sprintf("container exited with code %d", c.exitCode)
		if logs, err := o.runner.GetContainerLogs(ctx, c.kind, c.jobID, 50); err == nil && logs != "" {
			msg += ": " + lastLines(logs, 5)
		}
		o.fail(ctx, c, msg)
	default:
		o.succeed(ctx, c)
	}

	if !c.absent {
		if err := o.runner.RemoveContainer(ctx, c.name); err != nil {
			o.logger.Warn("Failed to remove container", "container", c.name, "error", err)
		}
	}
	o.notify(ctx, c.jobID)
}

func (o *Orchestrator) succeed(ctx context.Context, c completion) {
	res, err := o.files.DownloadResults(c.jobID)
	if err != nil {
		o.fail(ctx, c, "completed but result download failed: "+err.Error())
		return
	}
	upd := job.Update{OutputPath: &res.PrimaryDir}
	if err := o.store.UpdateJob(ctx, c.jobID, upd); err != nil {
		o.logger.Error("Failed to record output path", "jobId", c.jobID, "error", err)
	}
	if err := o.store.UpdateJobStatus(ctx, c.jobID, job.StateCompleted); err != nil {
		o.logger.Error("Failed to mark job completed", "jobId", c.jobID, "error", err)
	}
	o.recordJob(c.kind, "completed")
	o.logger.Info("Job completed", "jobId", c.jobID, "output", res.PrimaryDir)
}

func (o *Orchestrator) fail(ctx context.Context, c completion, msg string) {
	o.writeErrorMarker(c.jobID, msg)
	if err := o.store.UpdateJob(ctx, c.jobID, job.Update{ErrorMessage: &msg}); err != nil {
		o.logger.Error("Failed to record error", "jobId", c.jobID, "error", err)
	}
	if err := o.store.UpdateJobStatus(ctx, c.jobID, job.StateFailed); err != nil {
		o.logger.Error("Failed to mark job failed", "jobId", c.jobID, "error", err)
	}
	o.recordJob(c.kind, "failed")
	o.logger.Error("Job failed", "jobId", c.jobID, "reason", msg)
}

// writeErrorMarker leaves a local marker file where the job's results would
// have landed, so downstream consumers see why nothing arrived.
func (o *Orchestrator) writeErrorMarker(jobID, msg string) {
	dir := filepath.Join(o.cfg.LocalRoot, "outputs", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Warn("Failed to create error marker directory", "jobId", jobID, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "error.txt"), []byte(msg+"\n"), 0o644); err != nil {
		o.logger.Warn("Failed to write error marker", "jobId", jobID, "error", err)
	}
}

func (o *Orchestrator) acquire(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[id] {
		return apperrors.Conflict("job", id, "already executing")
	}
	o.active[id] = true
	return nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

func (o *Orchestrator) notify(ctx context.Context, jobID string) {
	if o.notifier == nil {
		return
	}
	j, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			o.logger.Warn("Failed to load job for notification", "jobId", jobID, "error", err)
		}
		return
	}
	o.notifier.JobUpdated(ctx, j)
}

func (o *Orchestrator) recordJob(operation, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordJob(context.Background(), operation, outcome)
	}
}

func (o *Orchestrator) recordPoll(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordMonitorPoll(context.Background(), outcome)
	}
}

func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

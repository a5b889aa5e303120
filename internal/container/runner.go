// Package container launches and supervises engine containers on the remote
// GPU host. All docker interaction happens through the shared command
// executor; nothing here talks to a local docker daemon.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"gpudispatch/internal/apperrors"
	"gpudispatch/internal/command"
	"gpudispatch/internal/sshconn"
)

// Config carries the runner's launch parameters.
type Config struct {
	Image          string
	RemoteRoot     string
	WorkDir        string // working directory inside the container; defaults to RemoteRoot
	CommandTimeout time.Duration
	BatchTimeout   time.Duration
}

// Launch describes a container started in the background.
type Launch struct {
	Name    string
	LogPath string
}

// Runner starts, inspects, and kills engine containers.
type Runner struct {
	exec   sshconn.Executor
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a runner bound to an executor.
func NewRunner(exec sshconn.Executor, cfg Config) *Runner {
	if cfg.WorkDir == "" {
		cfg.WorkDir = cfg.RemoteRoot
	}
	return &Runner{
		exec:   exec,
		cfg:    cfg,
		logger: slog.With("component", "container"),
	}
}

// LogPath returns the remote log file a background container writes to.
func (r *Runner) LogPath(name string) string {
	return path.Join(r.cfg.RemoteRoot, "logs", name+".log")
}

// OutputDir returns the remote output directory for a job.
func (r *Runner) OutputDir(jobID string) string {
	return path.Join(r.cfg.RemoteRoot, "outputs", jobID)
}

// EnsureHost prepares the remote filesystem layout and verifies docker and
// the engine image are present, pulling the image if needed. Run once after
// connecting, before any job is dispatched.
func (r *Runner) EnsureHost(ctx context.Context) error {
	script := command.NewScript().
		SetOptions("-euo pipefail").
		Comment("dispatch host layout").
		Command(fmt.Sprintf("mkdir -p %s %s %s %s %s %s %s",
			command.Quote(path.Join(r.cfg.RemoteRoot, "inputs", "prompts")),
			command.Quote(path.Join(r.cfg.RemoteRoot, "inputs", "videos")),
			command.Quote(path.Join(r.cfg.RemoteRoot, "inputs", "batches")),
			command.Quote(path.Join(r.cfg.RemoteRoot, "outputs")),
			command.Quote(path.Join(r.cfg.RemoteRoot, "logs")),
			command.Quote(path.Join(r.cfg.RemoteRoot, "scripts")),
			command.Quote(path.Join(r.cfg.RemoteRoot, "bashscripts")))).
		Blank().
		Command("docker info > /dev/null").
		If("! docker image inspect "+command.Quote(r.cfg.Image)+" > /dev/null 2>&1",
			[]string{
				"echo pulling " + command.Quote(r.cfg.Image),
				"docker pull " + command.Quote(r.cfg.Image),
			}, nil).
		Build()

	// Pulls can take a while on a cold host.
	if _, err := r.exec.ExecuteCommandOrFail(ctx, script, r.cfg.BatchTimeout); err != nil {
		return err
	}
	r.logger.Info("Remote host ready", "image", r.cfg.Image, "root", r.cfg.RemoteRoot)
	return nil
}

// StartInference launches a detached inference container reading the given
// remote request file. Returns immediately after the container is started.
func (r *Runner) StartInference(ctx context.Context, jobID, requestPath string) (*Launch, error) {
	args := fmt.Sprintf("--operation inference --request %s --output-dir %s",
		command.Quote(requestPath), command.Quote(r.OutputDir(jobID)))
	return r.startBackground(ctx, "inference", jobID, requestPath, args)
}

// StartUpscale launches a detached upscaling container over an existing
// remote video.
func (r *Runner) StartUpscale(ctx context.Context, jobID, inputPath string) (*Launch, error) {
	args := fmt.Sprintf("--operation upscale --input %s --output-dir %s",
		command.Quote(inputPath), command.Quote(r.OutputDir(jobID)))
	return r.startBackground(ctx, "upscale", jobID, inputPath, args)
}

// StartEnhance launches a detached enhancement container over an existing
// remote video.
func (r *Runner) StartEnhance(ctx context.Context, jobID, inputPath string) (*Launch, error) {
	args := fmt.Sprintf("--operation enhance --input %s --output-dir %s",
		command.Quote(inputPath), command.Quote(r.OutputDir(jobID)))
	return r.startBackground(ctx, "enhance", jobID, inputPath, args)
}

// RunBatchInference runs a batch request synchronously, streaming engine
// output as it arrives. Blocks until the container exits or the batch
// timeout fires.
func (r *Runner) RunBatchInference(ctx context.Context, batchID, requestPath string, onLine func(line string, stderr bool)) (sshconn.Result, error) {
	if err := r.verifyRemoteInput(ctx, requestPath); err != nil {
		return sshconn.Result{}, err
	}
	name := ContainerName("batch", batchID)
	if err := r.ensureRemoteDirs(ctx, batchID); err != nil {
		return sshconn.Result{}, err
	}

	args := fmt.Sprintf("--operation batch --request %s --output-dir %s",
		command.Quote(requestPath), command.Quote(r.OutputDir(batchID)))
	cmd := r.dockerRun(name).
		WithOption("--rm").
		WithCommand(engineCommand(args)).
		Build()

	r.logger.Info("Starting batch container", "name", name, "batchId", batchID)
	return r.exec.ExecuteCommand(ctx, cmd, sshconn.ExecOptions{
		Timeout: r.cfg.BatchTimeout,
		Stream:  true,
		OnLine:  onLine,
	})
}

func (r *Runner) startBackground(ctx context.Context, kind, jobID, inputPath, engineArgs string) (*Launch, error) {
	if err := r.verifyRemoteInput(ctx, inputPath); err != nil {
		return nil, err
	}
	if err := r.ensureRemoteDirs(ctx, jobID); err != nil {
		return nil, err
	}

	name := ContainerName(kind, jobID)
	logPath := r.LogPath(name)
	cmd := r.dockerRun(name).
		WithCommand(engineCommand(engineArgs)).
		InBackground(logPath).
		Build()

	if _, err := r.exec.ExecuteCommandOrFail(ctx, cmd, r.cfg.CommandTimeout); err != nil {
		return nil, err
	}
	r.logger.Info("Started container", "name", name, "jobId", jobID, "kind", kind, "log", logPath)
	return &Launch{Name: name, LogPath: logPath}, nil
}

// dockerRun builds the common launch invocation. The remote root is mounted
// at the same path inside the container so request and output paths stay
// valid on both sides. Background containers are not auto-removed; their
// exit codes must stay inspectable until a monitor has observed them.
func (r *Runner) dockerRun(name string) *command.DockerRunBuilder {
	return command.NewDockerRun(r.cfg.Image).
		WithGPUs("all").
		WithName(name).
		WithVolume(r.cfg.RemoteRoot, r.cfg.RemoteRoot).
		WithWorkDir(r.cfg.WorkDir)
}

func engineCommand(args string) string {
	return "python -m engine.run " + args
}

func (r *Runner) verifyRemoteInput(ctx context.Context, remotePath string) error {
	res, err := r.exec.ExecuteCommand(ctx, "test -e "+command.Quote(remotePath), sshconn.ExecOptions{Timeout: r.cfg.CommandTimeout})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.NotFound("remote input", remotePath)
	}
	return nil
}

func (r *Runner) ensureRemoteDirs(ctx context.Context, jobID string) error {
	cmd := fmt.Sprintf("mkdir -p %s %s",
		command.Quote(path.Join(r.cfg.RemoteRoot, "logs")),
		command.Quote(r.OutputDir(jobID)))
	_, err := r.exec.ExecuteCommandOrFail(ctx, cmd, r.cfg.CommandTimeout)
	return err
}

// Active describes the most recently started container running the engine
// image. Warning is set when more than one was found.
type Active struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
}

// GetActiveContainer returns the most recently started container running the
// configured image, or nil if none is running. docker ps lists newest first.
func (r *Runner) GetActiveContainer(ctx context.Context) (*Active, error) {
	out, err := r.exec.ExecuteCommandOrFail(ctx,
		fmt.Sprintf("docker ps --filter ancestor=%s --format '{{.ID}}|{{.Names}}|{{.Status}}'", command.Quote(r.cfg.Image)),
		r.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, nil
	}

	fields := strings.SplitN(lines[0], "|", 3)
	if len(fields) != 3 {
		return nil, apperrors.Command("docker ps", 0, "", fmt.Errorf("unexpected ps output %q", lines[0]))
	}
	active := &Active{ID: fields[0], Name: fields[1], Status: fields[2]}
	if len(lines) > 1 {
		active.Warning = fmt.Sprintf("%d containers running image %s", len(lines), r.cfg.Image)
		r.logger.Warn("Multiple engine containers running", "count", len(lines), "image", r.cfg.Image)
	}
	return active, nil
}

// resolveName maps a job to its container name. An empty job id selects the
// most recently started engine container; none running is a not-found error.
func (r *Runner) resolveName(ctx context.Context, kind, jobID string) (string, error) {
	if jobID != "" {
		return ContainerName(kind, jobID), nil
	}
	active, err := r.GetActiveContainer(ctx)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", apperrors.NotFound("running container for image", r.cfg.Image)
	}
	return active.Name, nil
}

// GetContainerLogs fetches recent log output for a job, auto-detecting the
// most recent container when no job id is given. Running containers are read
// through docker; exited ones fall back to the launch log file.
func (r *Runner) GetContainerLogs(ctx context.Context, kind, jobID string, tail int) (string, error) {
	name, err := r.resolveName(ctx, kind, jobID)
	if err != nil {
		return "", err
	}
	res, err := r.exec.ExecuteCommand(ctx,
		fmt.Sprintf("docker logs --tail %d %s", tail, name),
		sshconn.ExecOptions{Timeout: r.cfg.CommandTimeout})
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return res.Stdout + res.Stderr, nil
	}

	logPath := r.LogPath(name)
	res, err = r.exec.ExecuteCommand(ctx,
		fmt.Sprintf("tail -n %d %s", tail, command.Quote(logPath)),
		sshconn.ExecOptions{Timeout: r.cfg.CommandTimeout})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", apperrors.NotFound("container logs", name)
	}
	return res.Stdout, nil
}

// StreamContainerLogs follows a job's log output until the timeout fires or
// the source ends, delivering each line to onLine. An empty job id follows
// the most recent engine container.
func (r *Runner) StreamContainerLogs(ctx context.Context, kind, jobID string, timeout time.Duration, onLine func(line string, stderr bool)) error {
	name, err := r.resolveName(ctx, kind, jobID)
	if err != nil {
		return err
	}
	st, err := r.State(ctx, name)
	if err != nil {
		return err
	}

	var cmd string
	if st.Found && st.Running {
		cmd = "docker logs -f " + name
	} else {
		cmd = "tail -n +1 -f " + command.Quote(r.LogPath(name))
	}
	_, err = r.exec.ExecuteCommand(ctx, cmd, sshconn.ExecOptions{
		Timeout: timeout,
		Stream:  true,
		OnLine:  onLine,
	})
	return err
}

// State is the probed condition of one container.
type State struct {
	Found    bool
	Running  bool
	ExitCode int
}

// State inspects a container by name. An unknown name yields Found=false
// with no error; monitors treat absence as a terminal signal.
func (r *Runner) State(ctx context.Context, name string) (State, error) {
	res, err := r.exec.ExecuteCommand(ctx,
		fmt.Sprintf("docker inspect --format '{{.State.Running}} {{.State.ExitCode}}' %s", name),
		sshconn.ExecOptions{Timeout: r.cfg.CommandTimeout})
	if err != nil {
		return State{}, err
	}
	if res.ExitCode != 0 {
		return State{Found: false}, nil
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) != 2 {
		return State{}, apperrors.Command("docker inspect", res.ExitCode, res.Stdout, fmt.Errorf("unexpected inspect output %q", res.Stdout))
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return State{}, apperrors.Command("docker inspect", res.ExitCode, res.Stdout, err)
	}
	return State{Found: true, Running: fields[0] == "true", ExitCode: code}, nil
}

// RemoveContainer deletes an exited container. Removal of an already-gone
// container is not an error.
func (r *Runner) RemoveContainer(ctx context.Context, name string) error {
	res, err := r.exec.ExecuteCommand(ctx, "docker rm -f "+name, sshconn.ExecOptions{Timeout: r.cfg.CommandTimeout})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !strings.Contains(res.Stderr, "No such container") {
		return apperrors.Command("docker rm", res.ExitCode, res.Stderr, fmt.Errorf("remove %s", name))
	}
	return nil
}

// Kill is the outcome of one force-stop.
type Kill struct {
	ID     string `json:"id"`
	Killed bool   `json:"killed"`
	Error  string `json:"error,omitempty"`
}

// KillContainer stops one job's container. Returns the number of containers
// killed; a job with no running container is not an error.
func (r *Runner) KillContainer(ctx context.Context, kind, jobID string) (int, error) {
	kills, err := r.killMatching(ctx, "^"+ContainerName(kind, jobID)+"$")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range kills {
		if k.Killed {
			n++
		}
	}
	return n, nil
}

// KillContainers stops every managed container on the host and reports the
// outcome per container id. Zero running containers is a success with an
// empty report.
func (r *Runner) KillContainers(ctx context.Context) ([]Kill, error) {
	var all []Kill
	for _, prefix := range AllPrefixes() {
		kills, err := r.killMatching(ctx, "^"+prefix+"_")
		if err != nil {
			return all, err
		}
		all = append(all, kills...)
	}
	return all, nil
}

func (r *Runner) killMatching(ctx context.Context, pattern string) ([]Kill, error) {
	out, err := r.exec.ExecuteCommandOrFail(ctx,
		fmt.Sprintf("docker ps -q --filter name=%s", command.Quote(pattern)),
		r.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}
	ids := strings.Fields(out)
	if len(ids) == 0 {
		return nil, nil
	}

	kills := make([]Kill, 0, len(ids))
	for _, id := range ids {
		res, err := r.exec.ExecuteCommand(ctx, "docker kill "+id, sshconn.ExecOptions{Timeout: r.cfg.CommandTimeout})
		if err != nil {
			return kills, err
		}
		k := Kill{ID: id, Killed: res.ExitCode == 0}
		if !k.Killed {
			k.Error = strings.TrimSpace(res.Stderr)
		}
		kills = append(kills, k)
	}
	r.logger.Info("Killed containers", "count", len(kills), "filter", pattern)
	return kills, nil
}

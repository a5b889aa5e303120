// Package command provides pure, stateless builders for container invocations
// and shell scripts. Nothing here executes anything; builders render
// deterministic strings for the connection layer to run.
package command

import (
	"fmt"
	"sort"
	"strings"
)

// DockerRunBuilder accumulates the parts of a docker run invocation.
// The zero value is ready to use.
type DockerRunBuilder struct {
	gpus       string
	name       string
	options    []string
	volumes    []volumeMount
	env        []envVar
	workDir    string
	image      string
	cmd        string
	background bool
	logPath    string
}

type volumeMount struct {
	host      string
	container string
}

type envVar struct {
	key   string
	value string
}

// NewDockerRun creates a builder for the given image.
func NewDockerRun(image string) *DockerRunBuilder {
	return &DockerRunBuilder{image: image}
}

// WithGPUs requests GPU access (e.g. "all" or "device=0").
func (b *DockerRunBuilder) WithGPUs(spec string) *DockerRunBuilder {
	b.gpus = spec
	return b
}

// WithName sets the container name.
func (b *DockerRunBuilder) WithName(name string) *DockerRunBuilder {
	b.name = name
	return b
}

// WithOption appends a raw docker option (e.g. "--rm", "--ipc=host").
func (b *DockerRunBuilder) WithOption(opt string) *DockerRunBuilder {
	b.options = append(b.options, opt)
	return b
}

// WithVolume adds a host:container bind mount.
func (b *DockerRunBuilder) WithVolume(host, container string) *DockerRunBuilder {
	b.volumes = append(b.volumes, volumeMount{host: host, container: container})
	return b
}

// WithEnv adds an environment variable.
func (b *DockerRunBuilder) WithEnv(key, value string) *DockerRunBuilder {
	b.env = append(b.env, envVar{key: key, value: value})
	return b
}

// WithEnvMap adds environment variables in sorted key order for determinism.
func (b *DockerRunBuilder) WithEnvMap(env map[string]string) *DockerRunBuilder {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WithEnv(k, env[k])
	}
	return b
}

// WithWorkDir sets the working directory inside the container.
func (b *DockerRunBuilder) WithWorkDir(dir string) *DockerRunBuilder {
	b.workDir = dir
	return b
}

// WithCommand sets the command run inside the container.
func (b *DockerRunBuilder) WithCommand(cmd string) *DockerRunBuilder {
	b.cmd = cmd
	return b
}

// InBackground wraps the invocation so it detaches from the calling shell and
// redirects all output to logPath. Used for non-blocking launches.
func (b *DockerRunBuilder) InBackground(logPath string) *DockerRunBuilder {
	b.background = true
	b.logPath = logPath
	return b
}

// Build renders the full invocation string.
func (b *DockerRunBuilder) Build() string {
	parts := []string{"docker", "run"}

	if b.gpus != "" {
		parts = append(parts, "--gpus", Quote(b.gpus))
	}
	if b.name != "" {
		parts = append(parts, "--name", b.name)
	}
	parts = append(parts, b.options...)
	for _, v := range b.volumes {
		parts = append(parts, "-v", fmt.Sprintf("%s:%s", v.host, v.container))
	}
	for _, e := range b.env {
		parts = append(parts, "-e", Quote(fmt.Sprintf("%s=%s", e.key, e.value)))
	}
	if b.workDir != "" {
		parts = append(parts, "-w", b.workDir)
	}
	parts = append(parts, b.image)
	if b.cmd != "" {
		parts = append(parts, "bash", "-c", Quote(b.cmd))
	}

	invocation := strings.Join(parts, " ")
	if b.background {
		return fmt.Sprintf("nohup %s > %s 2>&1 &", invocation, Quote(b.logPath))
	}
	return invocation
}

// Quote shell-quotes a value when it contains whitespace or metacharacters.
// Plain identifiers pass through unchanged.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$&|;<>()*?[]#~`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

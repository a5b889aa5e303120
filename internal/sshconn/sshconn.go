// Package sshconn manages the authenticated SSH session to the remote GPU host.
//
// One Manager owns one transport. The primary session is a stateful,
// sequentially-multiplexed channel: commands on it are serialized by a mutex,
// and anything that needs to poll concurrently (job monitors, background
// downloads) must Dial its own short-lived Manager instead of sharing this one.
package sshconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"gpudispatch/internal/apperrors"
	"gpudispatch/pkg/backoff"
)

const (
	probeCommand = "echo ok"
	probeTimeout = 5 * time.Second

	reconnectAttempts = 3
)

// Jitter spreads reconnect storms when several monitors lose the same host.
var reconnectBackoff = backoff.Policy{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}

// Config holds the resolved connection descriptor for the remote host.
type Config struct {
	Host           string
	User           string
	Port           int
	KeyPath        string
	ConnectTimeout time.Duration
}

// Result holds the outcome of a remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecOptions controls command execution.
type ExecOptions struct {
	Timeout time.Duration
	Stream  bool                           // echo output line-by-line as it arrives
	OnLine  func(line string, stderr bool) // receives streamed lines; nil logs them
}

// Executor runs commands on the remote host. Satisfied by *Manager and by
// test fakes.
type Executor interface {
	ExecuteCommand(ctx context.Context, cmd string, opts ExecOptions) (Result, error)
	ExecuteCommandOrFail(ctx context.Context, cmd string, timeout time.Duration) (string, error)
}

// FileSession is a scoped file-transfer sub-session. It is valid only inside
// the WithFileSession callback that produced it.
type FileSession interface {
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	MkdirAll(path string) error
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
}

// SessionHost grants scoped access to file-transfer sub-sessions.
type SessionHost interface {
	WithFileSession(fn func(FileSession) error) error
}

// Dialer opens additional independent connections to the same host.
type Dialer interface {
	Dial() (*Manager, error)
}

// MetricsRecorder is an optional interface for recording command metrics.
type MetricsRecorder interface {
	RecordSSHCommand(ctx context.Context, success bool, durationSeconds float64)
}

// Manager owns one authenticated SSH session to the remote host.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	mu     sync.Mutex // serializes primary-session use and guards client
	client *ssh.Client
}

// NewManager creates a Manager. It does not connect; call Connect or rely on
// EnsureConnected.
func NewManager(cfg Config, metrics MetricsRecorder) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  slog.With("component", "sshconn", "host", cfg.Host),
		metrics: metrics,
	}
}

// Connect establishes the transport, replacing any previous connection.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked()
}

func (m *Manager) connectLocked() error {
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}

	key, err := os.ReadFile(m.cfg.KeyPath)
	if err != nil {
		return apperrors.Connection("sshconn.readKey", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return apperrors.Connection("sshconn.parseKey", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            m.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.cfg.ConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return apperrors.Connection("sshconn.dial "+addr, err)
	}

	m.client = client
	m.logger.Info("Connected", "user", m.cfg.User, "port", m.cfg.Port)
	return nil
}

// IsConnected performs a cheap liveness probe with a short timeout.
func (m *Manager) IsConnected(ctx context.Context) bool {
	res, err := m.ExecuteCommand(ctx, probeCommand, ExecOptions{Timeout: probeTimeout})
	return err == nil && res.ExitCode == 0
}

// EnsureConnected reconnects transparently if the liveness probe fails.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	connected := m.client != nil
	m.mu.Unlock()

	if connected && m.IsConnected(ctx) {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return apperrors.Connection("sshconn.reconnect", ctx.Err())
			case <-time.After(reconnectBackoff.Delay(attempt - 1)):
			}
		}
		if lastErr = m.Connect(); lastErr == nil {
			return nil
		}
		m.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", lastErr)
	}
	return lastErr
}

// ExecuteCommand runs a command on the primary session, returning exit code
// and captured output. A nonzero exit is not an error; transport faults and
// timeouts are.
func (m *Manager) ExecuteCommand(ctx context.Context, cmd string, opts ExecOptions) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return Result{ExitCode: -1}, apperrors.Connection("sshconn.execute", fmt.Errorf("not connected"))
	}

	m.logger.Debug("Remote command", "cmd", truncateForLog(cmd))
	start := time.Now()
	res, err := m.run(ctx, cmd, opts)
	if m.metrics != nil {
		m.metrics.RecordSSHCommand(ctx, err == nil, time.Since(start).Seconds())
	}
	return res, err
}

func (m *Manager) run(ctx context.Context, cmd string, opts ExecOptions) (Result, error) {
	session, err := m.client.NewSession()
	if err != nil {
		// Session creation failing usually means the transport dropped.
		return Result{ExitCode: -1}, apperrors.Connection("sshconn.newSession", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, apperrors.Connection("sshconn.stdoutPipe", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, apperrors.Connection("sshconn.stderrPipe", err)
	}

	if err := session.Start(cmd); err != nil {
		return Result{ExitCode: -1}, apperrors.Connection("sshconn.start", err)
	}

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go m.capture(&wg, stdout, &outBuf, false, opts)
	go m.capture(&wg, stderr, &errBuf, true, opts)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- session.Wait()
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		return Result{ExitCode: -1, Stdout: outBuf.String(), Stderr: errBuf.String()},
			apperrors.Timeout("remote command", timeout)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{ExitCode: -1, Stdout: outBuf.String(), Stderr: errBuf.String()},
			apperrors.Connection("sshconn.execute", ctx.Err())
	}

	result := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if err == nil {
		return result, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	result.ExitCode = -1
	return result, apperrors.Connection("sshconn.wait", err)
}

func (m *Manager) capture(wg *sync.WaitGroup, r io.Reader, buf *strings.Builder, isStderr bool, opts ExecOptions) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if opts.Stream {
			if opts.OnLine != nil {
				opts.OnLine(line, isStderr)
			} else {
				m.logger.Info("Remote output", "stderr", isStderr, "line", line)
			}
		}
	}
}

// ExecuteCommandOrFail runs a command and returns stdout, failing with a
// CommandExecutionError on nonzero exit.
func (m *Manager) ExecuteCommandOrFail(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	res, err := m.ExecuteCommand(ctx, cmd, ExecOptions{Timeout: timeout})
	if err != nil {
		return res.Stdout, err
	}
	if res.ExitCode != 0 {
		return res.Stdout, apperrors.Command(truncateForLog(cmd), res.ExitCode, strings.TrimSpace(res.Stderr), nil)
	}
	return res.Stdout, nil
}

// WithFileSession acquires a scoped SFTP sub-session and guarantees release on
// every exit path. Fails with a ConnectionError if the transport is down.
func (m *Manager) WithFileSession(fn func(FileSession) error) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil {
		return apperrors.Connection("sshconn.fileSession", fmt.Errorf("not connected"))
	}

	sess, err := sftp.NewClient(client)
	if err != nil {
		return apperrors.Connection("sshconn.sftp", err)
	}
	defer sess.Close()

	return fn(&sftpSession{c: sess})
}

// Dial opens an additional independent connection with the same descriptor.
// Callers own the returned Manager and must Close it.
func (m *Manager) Dial() (*Manager, error) {
	peer := NewManager(m.cfg, m.metrics)
	if err := peer.Connect(); err != nil {
		return nil, err
	}
	return peer, nil
}

// Close tears down the transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}

// sftpSession adapts *sftp.Client to the FileSession interface.
type sftpSession struct {
	c *sftp.Client
}

func (s *sftpSession) Create(path string) (io.WriteCloser, error) { return s.c.Create(path) }
func (s *sftpSession) Open(path string) (io.ReadCloser, error)    { return s.c.Open(path) }
func (s *sftpSession) MkdirAll(path string) error                 { return s.c.MkdirAll(path) }
func (s *sftpSession) ReadDir(path string) ([]os.FileInfo, error) { return s.c.ReadDir(path) }
func (s *sftpSession) Stat(path string) (os.FileInfo, error)      { return s.c.Stat(path) }

func truncateForLog(cmd string) string {
	const max = 200
	if len(cmd) <= max {
		return cmd
	}
	return cmd[:max] + "..."
}

// Verify Manager satisfies the narrow interfaces.
var (
	_ Executor    = (*Manager)(nil)
	_ SessionHost = (*Manager)(nil)
	_ Dialer      = (*Manager)(nil)
)

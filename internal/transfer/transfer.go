// Package transfer moves files between the local machine and the remote GPU
// host over scoped SFTP sub-sessions. Sessions are acquired per operation and
// never held across unrelated calls.
package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gpudispatch/internal/apperrors"
	"gpudispatch/internal/sshconn"
)

// MetricsRecorder is an optional interface for recording transfer metrics.
type MetricsRecorder interface {
	RecordTransfer(ctx context.Context, direction string, bytes int64)
}

// Service transfers files to and from the remote host.
type Service struct {
	host       sshconn.SessionHost
	remoteRoot string
	localRoot  string
	timeout    time.Duration
	logger     *slog.Logger
	metrics    MetricsRecorder
}

// NewService creates a transfer service rooted at remoteRoot on the remote
// side and localRoot for downloaded results. Uploads and downloads are bounded
// by timeout; zero disables the bound.
func NewService(host sshconn.SessionHost, remoteRoot, localRoot string, timeout time.Duration, metrics MetricsRecorder) *Service {
	return &Service{
		host:       host,
		remoteRoot: NormalizeRemote(remoteRoot),
		localRoot:  localRoot,
		timeout:    timeout,
		logger:     slog.With("component", "transfer"),
		metrics:    metrics,
	}
}

// session runs one transfer inside a file session, bounded by the service
// timeout. A timed-out session keeps draining in the background until its
// current operation returns; the caller sees only the timeout error.
func (s *Service) session(op string, fn func(fs sshconn.FileSession) error) error {
	if s.timeout <= 0 {
		return s.host.WithFileSession(fn)
	}
	done := make(chan error, 1)
	go func() { done <- s.host.WithFileSession(fn) }()
	select {
	case err := <-done:
		return err
	case <-time.After(s.timeout):
		return apperrors.Timeout(op, s.timeout)
	}
}

// NormalizeRemote converts a path with mixed separators to the remote
// system's forward-slash form. Callers may hand in Windows-style local paths;
// behavior is identical either way.
func NormalizeRemote(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return p
	}
	return path.Clean(p)
}

// UploadFile creates remoteDir and copies the local file into it, returning
// the remote path. Fails with a not-found error if the local file is missing.
func (s *Service) UploadFile(localPath, remoteDir string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperrors.NotFound("local file", localPath)
		}
		return "", apperrors.Transfer("upload stat", localPath, err)
	}

	remoteDir = NormalizeRemote(remoteDir)
	remotePath := path.Join(remoteDir, filepath.Base(localPath))

	err := s.session("upload", func(fs sshconn.FileSession) error {
		if err := fs.MkdirAll(remoteDir); err != nil {
			return apperrors.Transfer("mkdir", remoteDir, err)
		}
		n, err := s.copyUp(fs, localPath, remotePath)
		if err != nil {
			return err
		}
		s.record("upload", n)
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("Uploaded file", "local", localPath, "remote", remotePath)
	return remotePath, nil
}

// UploadDirectory recursively copies localDir under remoteDir, creating
// remote subdirectories as needed.
func (s *Service) UploadDirectory(localDir, remoteDir string) error {
	if _, err := os.Stat(localDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.NotFound("local directory", localDir)
		}
		return apperrors.Transfer("upload stat", localDir, err)
	}

	remoteDir = NormalizeRemote(remoteDir)
	return s.session("upload", func(fs sshconn.FileSession) error {
		return filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return apperrors.Transfer("walk", p, err)
			}
			rel, err := filepath.Rel(localDir, p)
			if err != nil {
				return apperrors.Transfer("walk", p, err)
			}
			target := path.Join(remoteDir, NormalizeRemote(rel))
			if d.IsDir() {
				if err := fs.MkdirAll(target); err != nil {
					return apperrors.Transfer("mkdir", target, err)
				}
				return nil
			}
			n, err := s.copyUp(fs, p, target)
			if err != nil {
				return err
			}
			s.record("upload", n)
			return nil
		})
	})
}

// DownloadFile copies a remote file to localPath. A missing remote path is a
// distinct not-found error; any other transport failure is a transfer error.
func (s *Service) DownloadFile(remotePath, localPath string) error {
	remotePath = NormalizeRemote(remotePath)
	return s.session("download", func(fs sshconn.FileSession) error {
		if _, err := fs.Stat(remotePath); err != nil {
			if isNotExist(err) {
				return apperrors.NotFound("remote file", remotePath)
			}
			return apperrors.Transfer("download stat", remotePath, err)
		}
		n, err := s.copyDown(fs, remotePath, localPath)
		if err != nil {
			return err
		}
		s.record("download", n)
		return nil
	})
}

// DownloadDirectory recursively copies a remote directory to localDir and
// writes an audit manifest alongside the downloaded files.
func (s *Service) DownloadDirectory(remoteDir, localDir string) (*Manifest, error) {
	remoteDir = NormalizeRemote(remoteDir)
	manifest := &Manifest{Dir: remoteDir}

	err := s.session("download", func(fs sshconn.FileSession) error {
		if _, err := fs.Stat(remoteDir); err != nil {
			if isNotExist(err) {
				return apperrors.NotFound("remote directory", remoteDir)
			}
			return apperrors.Transfer("download stat", remoteDir, err)
		}
		return s.downloadTree(fs, remoteDir, localDir, "", manifest)
	})
	if err != nil {
		return nil, err
	}

	if err := manifest.Write(localDir); err != nil {
		return nil, err
	}
	s.logger.Info("Downloaded directory", "remote", remoteDir, "files", len(manifest.Files))
	return manifest, nil
}

func (s *Service) downloadTree(fs sshconn.FileSession, remoteDir, localDir, rel string, manifest *Manifest) error {
	entries, err := fs.ReadDir(path.Join(remoteDir, rel))
	if err != nil {
		return apperrors.Transfer("readdir", path.Join(remoteDir, rel), err)
	}
	if err := os.MkdirAll(filepath.Join(localDir, rel), 0o755); err != nil {
		return apperrors.Transfer("mkdir", filepath.Join(localDir, rel), err)
	}
	for _, e := range entries {
		relName := path.Join(rel, e.Name())
		if e.IsDir() {
			if err := s.downloadTree(fs, remoteDir, localDir, relName, manifest); err != nil {
				return err
			}
			continue
		}
		n, err := s.copyDown(fs, path.Join(remoteDir, relName), filepath.Join(localDir, relName))
		if err != nil {
			return err
		}
		s.record("download", n)
		manifest.Files = append(manifest.Files, Entry{
			Name:     relName,
			Size:     e.Size(),
			Modified: e.ModTime().UTC(),
		})
	}
	return nil
}

// Results holds the local destinations of a job's downloaded outputs.
type Results struct {
	PrimaryDir  string // empty if the primary output directory was absent
	UpscaledDir string // empty if no upscaled sibling existed
}

// DownloadResults fetches a job's primary output directory and, when present,
// its upscaled sibling. A missing upscaled directory is normal; a missing
// primary directory is a not-found error.
func (s *Service) DownloadResults(jobName string) (*Results, error) {
	res := &Results{}

	primary := path.Join(s.remoteRoot, "outputs", jobName)
	localPrimary := filepath.Join(s.localRoot, "outputs", jobName)
	if _, err := s.DownloadDirectory(primary, localPrimary); err != nil {
		return nil, err
	}
	res.PrimaryDir = localPrimary

	upscaled := path.Join(s.remoteRoot, "outputs", jobName+"_upscaled")
	localUpscaled := filepath.Join(s.localRoot, "outputs", jobName+"_upscaled")
	if _, err := s.DownloadDirectory(upscaled, localUpscaled); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return res, nil
		}
		return nil, err
	}
	res.UpscaledDir = localUpscaled
	return res, nil
}

// FileExists reports whether a remote path exists. Degrades to false on any
// error rather than raising.
func (s *Service) FileExists(remotePath string) bool {
	exists := false
	_ = s.host.WithFileSession(func(fs sshconn.FileSession) error {
		if _, err := fs.Stat(NormalizeRemote(remotePath)); err == nil {
			exists = true
		}
		return nil
	})
	return exists
}

// ListRemoteDirectory returns the entry names of a remote directory.
// Degrades to an empty list on any error rather than raising.
func (s *Service) ListRemoteDirectory(remoteDir string) []string {
	var names []string
	_ = s.host.WithFileSession(func(fs sshconn.FileSession) error {
		entries, err := fs.ReadDir(NormalizeRemote(remoteDir))
		if err != nil {
			return nil
		}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return nil
	})
	return names
}

func (s *Service) copyUp(fs sshconn.FileSession, localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, apperrors.Transfer("open", localPath, err)
	}
	defer src.Close()

	dst, err := fs.Create(remotePath)
	if err != nil {
		return 0, apperrors.Transfer("create", remotePath, err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, apperrors.Transfer("copy", remotePath, err)
	}
	return n, nil
}

func (s *Service) copyDown(fs sshconn.FileSession, remotePath, localPath string) (int64, error) {
	src, err := fs.Open(remotePath)
	if err != nil {
		if isNotExist(err) {
			return 0, apperrors.NotFound("remote file", remotePath)
		}
		return 0, apperrors.Transfer("open", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, apperrors.Transfer("mkdir", filepath.Dir(localPath), err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return 0, apperrors.Transfer("create", localPath, err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, apperrors.Transfer("copy", remotePath, err)
	}
	return n, nil
}

func (s *Service) record(direction string, bytes int64) {
	if s.metrics != nil {
		s.metrics.RecordTransfer(context.Background(), direction, bytes)
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || os.IsNotExist(err)
}

// Package workspace owns the on-disk layout for pipeline runs: one
// clone directory per run, released on cleanup, plus a per-protocol
// cache of contract sources that survives run teardown so validation
// runs can read them later.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type Manager struct {
	root   string
	gitBin string
}

func NewManager(root string, gitBin string) *Manager {
	return &Manager{root: root, gitBin: gitBin}
}

// Clone checks out repoURL at the pinned commit into a fresh directory
// owned by the run. The returned path is released with Remove.
func (m *Manager) Clone(ctx context.Context, runID uuid.UUID, repoURL string, commitHash string) (string, error) {
	path := filepath.Join(m.root, "runs", runID.String())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	if _, err := m.git(ctx, "clone", repoURL, path); err != nil {
		return "", err
	}

	if _, err := m.git(ctx, "-C", path, "checkout", "--detach", commitHash); err != nil {
		_ = os.RemoveAll(path)
		return "", err
	}

	return path, nil
}

// Remove deletes a cloned working directory.
func (m *Manager) Remove(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

// CacheFile stores a contract source under the protocol cache so later
// validations can read it after the run directory is gone.
func (m *Manager) CacheFile(protocolID uuid.UUID, relPath string, data []byte) error {
	path := filepath.Join(m.root, "cache", protocolID.String(), relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadCachedFile returns a contract source cached by a previous scan.
func (m *Manager) ReadCachedFile(protocolID uuid.UUID, relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(m.root, "cache", protocolID.String(), relPath))
}

// git runs a git command, capturing stderr into the error on failure.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, m.gitBin, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

package gitx

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitX is a thin wrapper around the git binary. All validators read
// point-in-time snapshots through it and never write.
type GitX struct {
	Dir string // optional; empty means current working directory
}

func (g GitX) Run(args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("gitx: no args")
	}

	cmd := exec.Command("git", args...)
	if g.Dir != "" {
		cmd.Dir = g.Dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s failed: %s", strings.Join(args, " "), msg)
	}

	return stdout.String(), nil
}

// ChangedPaths lists paths changed between base and the working tree.
func (g GitX) ChangedPaths(base string) ([]string, error) {
	if base == "" {
		base = "HEAD"
	}
	out, err := g.Run("diff", "--name-only", base)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// StagedPaths lists paths with staged (proposed, uncommitted) changes.
func (g GitX) StagedPaths() ([]string, error) {
	out, err := g.Run("diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// TrackedPaths lists every path git currently tracks.
func (g GitX) TrackedPaths() ([]string, error) {
	out, err := g.Run("ls-files")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ShowFile returns a file's content at the given revision.
func (g GitX) ShowFile(rev, path string) ([]byte, error) {
	if rev == "" {
		rev = "HEAD"
	}
	out, err := g.Run("show", rev+":"+path)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// StagedContent returns a file's staged (index) content.
func (g GitX) StagedContent(path string) ([]byte, error) {
	out, err := g.Run("show", ":"+path)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// ReadWorkingFile reads a file from the working tree relative to Dir.
func (g GitX) ReadWorkingFile(path string) ([]byte, error) {
	dir := g.Dir
	if dir == "" {
		dir = "."
	}
	return os.ReadFile(filepath.Join(dir, path))
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

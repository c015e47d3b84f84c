// Package sandbox implements the Tool Executor's path and command
// validation: every filesystem path must resolve to a descendant of the
// sandbox's working directory, and every command string is scanned for
// forbidden prefixes and dangerous shell metacharacters before it is ever
// handed to the OS.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kaix-agent/kaix-core/internal/kerrors"
)

// Sandbox validates paths and commands against a fixed working directory.
type Sandbox struct {
	workDir string
}

// New returns a Sandbox rooted at workDir. workDir is resolved to an
// absolute, symlink-free path at construction time so later comparisons are
// apples-to-apples.
func New(workDir string) (*Sandbox, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInvalidPath, "cannot resolve working directory", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Working directory may not exist yet in tests; fall back to the
		// absolute form, matching the same "use pre-canonical form" rule
		// applied to individual paths below.
		resolved = abs
	}
	return &Sandbox{workDir: resolved}, nil
}

// WorkDir returns the sandbox root.
func (s *Sandbox) WorkDir() string { return s.workDir }

// ResolvePath implements the three-step validation in §4.4:
//  1. relative paths are joined with the working directory; absolute paths
//     are taken as-is.
//  2. the joined path is canonicalized (symlinks + . / ..) resolved; if
//     canonicalization fails (e.g. the file does not exist yet), the
//     pre-canonical form is used.
//  3. the canonical path must be a descendant of the working directory.
func (s *Sandbox) ResolvePath(p string) (string, error) {
	joined := p
	if !filepath.IsAbs(p) {
		joined = filepath.Join(s.workDir, p)
	}
	joined = filepath.Clean(joined)

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		resolved = joined
	} else {
		resolved = filepath.Clean(resolved)
	}

	if !s.isDescendant(resolved) {
		return "", kerrors.NewSecurity("path outside sandbox: " + p)
	}
	return resolved, nil
}

func (s *Sandbox) isDescendant(resolved string) bool {
	if resolved == s.workDir {
		return true
	}
	rel, err := filepath.Rel(s.workDir, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// forbiddenPrefixes is checked as a case-insensitive substring match against
// the whole command string, per §4.4.
var forbiddenPrefixes = []string{
	"rm", "rmdir", "del", "format", "fdisk", "mkfs", "sudo", "su",
	"chmod", "chown", "passwd", "curl", "wget", "nc", "telnet", "ssh", "ftp",
	"python -c", "perl -e", "ruby -e", "node -e", "eval", "exec", "system",
}

// dangerousPatterns are literal substrings that are never allowed in a
// command, regardless of position.
var dangerousPatterns = []string{
	"&&", ";", "|", ">>", ">", "<", "$(", "`",
	"rm -rf", "dd if=", ":(){ :|:& };:", "fork()",
}

// ValidateCommand scans cmd for forbidden prefixes and dangerous patterns.
// It returns the tokenized (program, args) pair on success, or a Security
// error and the matched reason string on rejection.
func ValidateCommand(cmd string) (program string, args []string, reason string, err error) {
	for _, pat := range dangerousPatterns {
		if strings.Contains(cmd, pat) {
			reason = "Dangerous pattern: " + pat
			return "", nil, reason, kerrors.NewSecurity(reason)
		}
	}
	lower := strings.ToLower(cmd)
	for _, prefix := range forbiddenPrefixes {
		if strings.Contains(lower, prefix) {
			reason = "Forbidden prefix: " + prefix
			return "", nil, reason, kerrors.NewSecurity(reason)
		}
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		reason = "empty command"
		return "", nil, reason, kerrors.NewValidation("command", reason)
	}
	return fields[0], fields[1:], "", nil
}

// ValidateDelete enforces the Delete task's extra guards (§4.4): the caller
// must pass force=true, and the resolved path may not contain "src" or
// ".git" as a substring, nor equal the working directory itself.
func (s *Sandbox) ValidateDelete(resolvedPath string, force bool) (string, error) {
	if !force {
		reason := "delete requires force=true"
		return reason, kerrors.NewSecurity(reason)
	}
	if resolvedPath == s.workDir {
		reason := "refusing to delete the working directory itself"
		return reason, kerrors.NewSecurity(reason)
	}
	if strings.Contains(resolvedPath, "src") || strings.Contains(resolvedPath, ".git") {
		reason := "refusing to delete a path containing src or .git"
		return reason, kerrors.NewSecurity(reason)
	}
	return "", nil
}

// EnsureWorkDir creates the sandbox's working directory if it does not
// already exist, mirroring the teacher's workspace-bootstrap idiom.
func (s *Sandbox) EnsureWorkDir() error {
	return os.MkdirAll(s.workDir, 0o755)
}

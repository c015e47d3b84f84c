package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	dir := t.TempDir()
	sb, err := New(dir)
	require.NoError(t, err)
	return sb
}

// ── ResolvePath ──────────────────────────────────────────────────────────────

func TestResolvePath_RelativeStaysInside(t *testing.T) {
	sb := newTestSandbox(t)
	got, err := sb.ResolvePath("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.WorkDir(), "hello.txt"), got)
}

func TestResolvePath_TraversalEscapesAreRejected(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.ResolvePath("../../etc/passwd")
	require.Error(t, err)
}

func TestResolvePath_AbsoluteOutsideRejected(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.ResolvePath("/etc/passwd")
	require.Error(t, err)
}

func TestResolvePath_NonexistentCreateTargetStillValidated(t *testing.T) {
	sb := newTestSandbox(t)
	got, err := sb.ResolvePath("newdir/nested")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.WorkDir(), "newdir", "nested"), got)
}

// ── Property 5: sandbox escape impossibility ─────────────────────────────────

func TestProperty_SandboxEscapeImpossibility(t *testing.T) {
	sb := newTestSandbox(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	props := gopter.NewProperties(parameters)

	segGen := gen.OneConstOf("..", "etc", "passwd", "a", "b", "..", "..", "tmp")

	props.Property("resolved path is always a descendant or resolution fails", prop.ForAll(
		func(segs []string) bool {
			p := filepath.Join(segs...)
			resolved, err := sb.ResolvePath(p)
			if err != nil {
				return true
			}
			return isDescendantPath(sb.WorkDir(), resolved)
		},
		gen.SliceOfN(6, segGen),
	))

	props.Property("absolute adversarial inputs never resolve outside", prop.ForAll(
		func(p string) bool {
			resolved, err := sb.ResolvePath("/" + p)
			if err != nil {
				return true
			}
			return isDescendantPath(sb.WorkDir(), resolved)
		},
		gen.OneConstOf("etc/passwd", "../../etc/shadow", "root/.ssh/id_rsa"),
	))

	props.TestingRun(t)
}

func isDescendantPath(root, resolved string) bool {
	if resolved == root {
		return true
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ── ValidateCommand / property 6 ────────────────────────────────────────────

func TestValidateCommand_AllowsSafeCommand(t *testing.T) {
	prog, args, _, err := ValidateCommand("ls -la")
	require.NoError(t, err)
	assert.Equal(t, "ls", prog)
	assert.Equal(t, []string{"-la"}, args)
}

func TestValidateCommand_RejectsForbiddenPrefix(t *testing.T) {
	_, _, reason, err := ValidateCommand("sudo rm file")
	require.Error(t, err)
	assert.Contains(t, reason, "Forbidden prefix")
}

func TestValidateCommand_RejectsDangerousPattern(t *testing.T) {
	_, _, reason, err := ValidateCommand("rm -rf /")
	require.Error(t, err)
	assert.Contains(t, reason, "rm -rf")
}

func TestProperty_CommandAllowlistImpossibility(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	props := gopter.NewProperties(parameters)

	badTokens := gen.OneConstOf(
		"sudo ls", "rm -rf /", "echo hi && rm x", "echo `id`",
		"wget http://x", "curl http://x", "a; b", "a | b", "a > b",
	)

	props.Property("any command containing a forbidden prefix or dangerous pattern is rejected", prop.ForAll(
		func(cmd string) bool {
			_, _, _, err := ValidateCommand(cmd)
			return err != nil
		},
		badTokens,
	))

	props.TestingRun(t)
}

// ── ValidateDelete ───────────────────────────────────────────────────────────

func TestValidateDelete_RequiresForce(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.ValidateDelete(filepath.Join(sb.WorkDir(), "x"), false)
	require.Error(t, err)
}

func TestValidateDelete_RefusesSrcAndGit(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.ValidateDelete(filepath.Join(sb.WorkDir(), "src", "main.go"), true)
	require.Error(t, err)
	_, err = sb.ValidateDelete(filepath.Join(sb.WorkDir(), ".git"), true)
	require.Error(t, err)
}

func TestValidateDelete_RefusesWorkDirItself(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.ValidateDelete(sb.WorkDir(), true)
	require.Error(t, err)
}

func TestEnsureWorkDir(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "kaix-sandbox-test-ensure")
	defer os.RemoveAll(dir)
	sb, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, sb.EnsureWorkDir())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

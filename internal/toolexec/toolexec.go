// Package toolexec implements the Tool Executor (§4.4): the component that
// runs exactly one Task under the sandbox, dispatching by the task's kind
// tag and recording an audit entry for every filesystem or command
// operation. Grounded on the teacher's internal/tools helpers (fileio.go,
// shell.go, glob.go), generalized from free functions into one sandboxed,
// audited dispatcher.
package toolexec

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kaix-agent/kaix-core/internal/audit"
	"github.com/kaix-agent/kaix-core/internal/kerrors"
	"github.com/kaix-agent/kaix-core/internal/plan"
	"github.com/kaix-agent/kaix-core/internal/provider"
	"github.com/kaix-agent/kaix-core/internal/sandbox"
)

// DefaultCommandTimeout is ExecuteCommand's default per-invocation timeout
// (§4.4: "default 300s, configurable").
const DefaultCommandTimeout = 300 * time.Second

// timeoutExitCode is the synthetic exit code ExecuteCommand returns when the
// process is killed for exceeding its timeout.
const timeoutExitCode = -124

// Executor runs one Task at a time under a fixed sandbox, recording an
// AuditEntry for every filesystem/command operation whether allowed or
// denied.
type Executor struct {
	sandbox        *sandbox.Sandbox
	audit          *audit.Log
	provider       provider.Interface
	commandTimeout time.Duration
}

// New builds an Executor. provider may be nil if GenerateContent/AnalyzeCode
// deep-analysis are never invoked (e.g. in tests exercising only filesystem
// kinds).
func New(sb *sandbox.Sandbox, auditLog *audit.Log, p provider.Interface) *Executor {
	return &Executor{sandbox: sb, audit: auditLog, provider: p, commandTimeout: DefaultCommandTimeout}
}

// WithCommandTimeout overrides the default ExecuteCommand timeout.
func (e *Executor) WithCommandTimeout(d time.Duration) *Executor {
	e.commandTimeout = d
	return e
}

func (e *Executor) recordAudit(taskID, op, path string, allowed bool, reason string) {
	if e.audit == nil {
		return
	}
	e.audit.Record(audit.Entry{
		TaskID:    taskID,
		Operation: op,
		Path:      path,
		Timestamp: time.Now(),
		Allowed:   allowed,
		Reason:    reason,
	})
}

func paramString(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func paramBool(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Execute dispatches task by its Kind and returns the populated TaskResult.
// The result's Success/Output/Error fields match the contract of the kind
// that ran; DurationMs is always populated.
func (e *Executor) Execute(ctx context.Context, task *plan.Task, refinedInstruction, genContext, expectedOutcome string) plan.TaskResult {
	start := time.Now()
	var (
		output any
		err    error
	)

	switch task.Kind {
	case plan.KindReadFile:
		output, err = e.readFile(task)
	case plan.KindWriteFile:
		output, err = e.writeFile(task, refinedInstruction)
	case plan.KindCreateDirectory:
		output, err = e.createDirectory(task)
	case plan.KindDelete:
		output, err = e.deleteTask(task)
	case plan.KindListFiles:
		output, err = e.listFiles(task)
	case plan.KindExecuteCommand:
		output, err = e.executeCommand(ctx, task, refinedInstruction)
	case plan.KindGenerateContent:
		output, err = e.generateContent(ctx, refinedInstruction, genContext, task)
	case plan.KindAnalyzeCode:
		output, err = e.analyzeCode(ctx, task, genContext, expectedOutcome)
	default:
		err = kerrors.New(kerrors.KindValidation, "unknown task kind")
	}

	result := plan.TaskResult{
		Success:    err == nil,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// --- ReadFile ---

type ReadFileResult struct {
	Content string `json:"content"`
	Bytes   int    `json:"bytes"`
	Path    string `json:"path"`
}

func (e *Executor) readFile(task *plan.Task) (ReadFileResult, error) {
	path, _ := paramString(task.Parameters, "path")
	resolved, err := e.sandbox.ResolvePath(path)
	if err != nil {
		e.recordAudit(task.ID, "read_file", path, false, err.Error())
		return ReadFileResult{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		e.recordAudit(task.ID, "read_file", resolved, false, err.Error())
		return ReadFileResult{}, kerrors.NewFileSystem(resolved, err)
	}
	e.recordAudit(task.ID, "read_file", resolved, true, "")
	return ReadFileResult{Content: string(data), Bytes: len(data), Path: resolved}, nil
}

// --- WriteFile ---

type WriteFileResult struct {
	Path           string `json:"path"`
	BytesWritten   int    `json:"bytes_written"`
	PreExisted     bool   `json:"pre_existed"`
	PriorLength    int    `json:"prior_length"`
	Destructive    bool   `json:"destructive"`
}

func (e *Executor) writeFile(task *plan.Task, refinedInstruction string) (WriteFileResult, error) {
	path, _ := paramString(task.Parameters, "path")
	content, ok := paramString(task.Parameters, "content")
	if !ok {
		content = refinedInstruction
	}

	resolved, err := e.sandbox.ResolvePath(path)
	if err != nil {
		e.recordAudit(task.ID, "write_file", path, false, err.Error())
		return WriteFileResult{}, err
	}

	var preExisted bool
	var priorLength int
	if info, statErr := os.Stat(resolved); statErr == nil {
		preExisted = true
		priorLength = int(info.Size())
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		e.recordAudit(task.ID, "write_file", resolved, false, err.Error())
		return WriteFileResult{}, kerrors.NewFileSystem(resolved, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		e.recordAudit(task.ID, "write_file", resolved, false, err.Error())
		return WriteFileResult{}, kerrors.NewFileSystem(resolved, err)
	}

	e.recordAudit(task.ID, "write_file", resolved, true, "")
	return WriteFileResult{
		Path:         resolved,
		BytesWritten: len(content),
		PreExisted:   preExisted,
		PriorLength:  priorLength,
		Destructive:  preExisted && priorLength > 0,
	}, nil
}

// --- CreateDirectory ---

type CreateDirectoryResult struct {
	Path string `json:"path"`
}

func (e *Executor) createDirectory(task *plan.Task) (CreateDirectoryResult, error) {
	path, _ := paramString(task.Parameters, "path")
	resolved, err := e.sandbox.ResolvePath(path)
	if err != nil {
		e.recordAudit(task.ID, "create_directory", path, false, err.Error())
		return CreateDirectoryResult{}, err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		e.recordAudit(task.ID, "create_directory", resolved, false, err.Error())
		return CreateDirectoryResult{}, kerrors.NewFileSystem(resolved, err)
	}
	e.recordAudit(task.ID, "create_directory", resolved, true, "")
	return CreateDirectoryResult{Path: resolved}, nil
}

// --- Delete ---

type DeleteResult struct {
	Path string `json:"path"`
}

func (e *Executor) deleteTask(task *plan.Task) (DeleteResult, error) {
	path, _ := paramString(task.Parameters, "path")
	force := paramBool(task.Parameters, "force")

	resolved, err := e.sandbox.ResolvePath(path)
	if err != nil {
		e.recordAudit(task.ID, "delete", path, false, err.Error())
		return DeleteResult{}, err
	}
	if reason, err := e.sandbox.ValidateDelete(resolved, force); err != nil {
		e.recordAudit(task.ID, "delete", resolved, false, reason)
		return DeleteResult{}, err
	}
	if err := os.RemoveAll(resolved); err != nil {
		e.recordAudit(task.ID, "delete", resolved, false, err.Error())
		return DeleteResult{}, kerrors.NewFileSystem(resolved, err)
	}
	e.recordAudit(task.ID, "delete", resolved, true, "")
	return DeleteResult{Path: resolved}, nil
}

// --- ListFiles ---

type FileEntry struct {
	Path    string `json:"path"`
	IsDir   bool   `json:"is_dir"`
	Size    int64  `json:"size,omitempty"`
	ModTime int64  `json:"mod_time"`
	Perm    string `json:"perm"`
}

type ListFilesResult struct {
	Entries []FileEntry `json:"entries"`
}

func (e *Executor) listFiles(task *plan.Task) (ListFilesResult, error) {
	path, _ := paramString(task.Parameters, "path")
	includeHidden := paramBool(task.Parameters, "include_hidden")
	recursive := paramBool(task.Parameters, "recursive")
	glob, hasGlob := paramString(task.Parameters, "glob")

	resolved, err := e.sandbox.ResolvePath(path)
	if err != nil {
		e.recordAudit(task.ID, "list_files", path, false, err.Error())
		return ListFilesResult{}, err
	}

	var entries []FileEntry
	walk := func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if p == resolved {
			return nil
		}
		if !includeHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(resolved, p)
		if relErr != nil {
			return nil
		}
		if hasGlob {
			matched, _ := doublestar.Match(glob, rel)
			if !matched {
				return nil
			}
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		entry := FileEntry{
			Path:    rel,
			IsDir:   d.IsDir(),
			ModTime: info.ModTime().Unix(),
			Perm:    strconv.FormatUint(uint64(info.Mode().Perm()), 8),
		}
		if !d.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		if d.IsDir() && !recursive && p != resolved {
			return filepath.SkipDir
		}
		return nil
	}

	if err := filepath.WalkDir(resolved, walk); err != nil {
		e.recordAudit(task.ID, "list_files", resolved, false, err.Error())
		return ListFilesResult{}, kerrors.NewFileSystem(resolved, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	e.recordAudit(task.ID, "list_files", resolved, true, "")
	return ListFilesResult{Entries: entries}, nil
}

// --- ExecuteCommand ---

type ExecuteCommandResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (e *Executor) executeCommand(ctx context.Context, task *plan.Task, refinedInstruction string) (ExecuteCommandResult, error) {
	cmdStr, ok := paramString(task.Parameters, "command")
	if !ok {
		cmdStr = refinedInstruction
	}

	program, args, reason, err := sandbox.ValidateCommand(cmdStr)
	if err != nil {
		e.recordAudit(task.ID, "execute_command", cmdStr, false, reason)
		return ExecuteCommandResult{ExitCode: -1}, err
	}

	dir := e.sandbox.WorkDir()
	if wd, ok := paramString(task.Parameters, "working_dir"); ok && wd != "" {
		resolvedDir, err := e.sandbox.ResolvePath(wd)
		if err != nil {
			e.recordAudit(task.ID, "execute_command", wd, false, err.Error())
			return ExecuteCommandResult{ExitCode: -1}, err
		}
		dir = resolvedDir
	}

	timeout := e.commandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	c := exec.CommandContext(runCtx, program, args...)
	c.Dir = dir
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	runErr := c.Run()
	elapsed := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		e.recordAudit(task.ID, "execute_command", cmdStr, true, "")
		return ExecuteCommandResult{
			Stdout: outBuf.String(), Stderr: errBuf.String(),
			ExitCode: timeoutExitCode, ElapsedMs: elapsed,
		}, kerrors.NewTimeout(timeout.Milliseconds())
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			e.recordAudit(task.ID, "execute_command", cmdStr, false, runErr.Error())
			return ExecuteCommandResult{}, kerrors.Wrap(kerrors.KindExecution, "command failed to start", runErr)
		}
	}

	e.recordAudit(task.ID, "execute_command", cmdStr, true, "")
	return ExecuteCommandResult{
		Stdout: outBuf.String(), Stderr: errBuf.String(),
		ExitCode: exitCode, ElapsedMs: elapsed,
	}, nil
}

// --- GenerateContent ---

type GenerateContentResult struct {
	Content string          `json:"content"`
	Usage   *provider.Usage `json:"usage,omitempty"`
}

func (e *Executor) generateContent(ctx context.Context, refinedInstruction, genContext string, task *plan.Task) (GenerateContentResult, error) {
	if e.provider == nil {
		return GenerateContentResult{}, kerrors.New(kerrors.KindExecution, "no provider configured for generate_content")
	}
	model, _ := paramString(task.Parameters, "model")
	cfg := provider.GenConfig{}
	switch n := task.Parameters["max_tokens"].(type) {
	case float64:
		mt := int(n)
		cfg.MaxTokens = &mt
	case int:
		cfg.MaxTokens = &n
	}
	resp, err := e.provider.Generate(ctx,
		[]provider.Message{
			{Role: provider.RoleSystem, Content: "Context:\n" + genContext},
			{Role: provider.RoleUser, Content: refinedInstruction},
		}, model, nil, cfg)
	if err != nil {
		return GenerateContentResult{}, err
	}
	return GenerateContentResult{Content: resp.Content, Usage: resp.Usage}, nil
}

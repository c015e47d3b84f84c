package toolexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaix-agent/kaix-core/internal/kerrors"
	"github.com/kaix-agent/kaix-core/internal/plan"
	"github.com/kaix-agent/kaix-core/internal/provider"
)

// AnalyzeCodeResult reports shallow metrics for one source file, plus an
// optional provider-assisted deep analysis (§4.4).
type AnalyzeCodeResult struct {
	Path         string `json:"path"`
	Lines        int    `json:"lines"`
	Chars        int    `json:"chars"`
	HasTests     bool   `json:"has_tests"`
	HasComments  bool   `json:"has_comments"`
	Language     string `json:"language"`
	Complexity   int    `json:"complexity"`
	DeepAnalysis string `json:"deep_analysis,omitempty"`
}

var extToLanguage = map[string]string{
	".rs":   "rust",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".go":   "go",
}

// controlTokens gives, per detected language, the control-flow and
// declaration tokens the complexity estimate counts occurrences of (§4.4).
var controlTokens = map[string][]string{
	"rust":       {"if ", "else", "match ", "for ", "while ", "loop", "fn "},
	"javascript": {"if (", "else", "switch", "for (", "while (", "catch", "function ", " => "},
	"typescript": {"if (", "else", "switch", "for (", "while (", "catch", "function ", " => "},
	"python":     {"if ", "elif", "else:", "for ", "while ", "except:", "def "},
	"go":         {"if ", "else", "switch ", "for ", "select ", "case ", "func ", "go "},
}

// genericControlTokens is the fallback table for unrecognized extensions.
var genericControlTokens = []string{"if ", "else", "for ", "while ", "switch", "case "}

func detectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extToLanguage[ext]; ok {
		return lang
	}
	return "unknown"
}

func estimateComplexity(content, language string) int {
	tokens, ok := controlTokens[language]
	if !ok {
		tokens = genericControlTokens
	}
	complexity := 1
	for _, tok := range tokens {
		complexity += strings.Count(content, tok)
	}
	return complexity
}

func hasTestMarkers(content, language string) bool {
	switch language {
	case "go":
		return strings.Contains(content, "func Test")
	case "python":
		return strings.Contains(content, "def test_") || strings.Contains(content, "import pytest") || strings.Contains(content, "import unittest")
	case "javascript", "typescript":
		return strings.Contains(content, "describe(") || strings.Contains(content, "test(") || strings.Contains(content, "it(")
	case "rust":
		return strings.Contains(content, "#[test]")
	default:
		return strings.Contains(content, "test")
	}
}

func hasCommentMarkers(content, language string) bool {
	switch language {
	case "python":
		return strings.Contains(content, "#")
	default:
		return strings.Contains(content, "//") || strings.Contains(content, "/*")
	}
}

func (e *Executor) analyzeCode(ctx context.Context, task *plan.Task, projectContext, expectedOutcome string) (AnalyzeCodeResult, error) {
	path, _ := paramString(task.Parameters, "path")
	deep := paramBool(task.Parameters, "deep_analysis")

	resolved, err := e.sandbox.ResolvePath(path)
	if err != nil {
		e.recordAudit(task.ID, "analyze_code", path, false, err.Error())
		return AnalyzeCodeResult{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		e.recordAudit(task.ID, "analyze_code", resolved, false, err.Error())
		return AnalyzeCodeResult{}, kerrors.NewFileSystem(resolved, err)
	}
	e.recordAudit(task.ID, "analyze_code", resolved, true, "")

	content := string(data)
	language := detectLanguage(resolved)
	result := AnalyzeCodeResult{
		Path:        resolved,
		Lines:       strings.Count(content, "\n") + 1,
		Chars:       len(content),
		HasTests:    hasTestMarkers(content, language),
		HasComments: hasCommentMarkers(content, language),
		Language:    language,
		Complexity:  estimateComplexity(content, language),
	}

	if deep && e.provider != nil {
		analysis, err := e.provider.GenerateContent(ctx,
			"Analyze this source file for quality, risk, and notable issues.",
			"File: "+resolved+"\nProject context:\n"+projectContext+"\n\nContent:\n"+content,
			"", provider.GenConfig{})
		if err != nil {
			return result, err
		}
		result.DeepAnalysis = analysis
	}
	_ = expectedOutcome
	return result, nil
}

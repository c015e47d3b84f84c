package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripThinkBlocks(t *testing.T) {
	in := "<think>pondering the request</think>\nthe answer is 42"
	assert.Equal(t, "the answer is 42", StripThinkBlocks(in))
}

func TestStripFences(t *testing.T) {
	in := "```json\n{\"a\":1}\n```"
	assert.Equal(t, `{"a":1}`, StripFences(in))
}

func TestStripFences_NoFence(t *testing.T) {
	in := `{"a":1}`
	assert.Equal(t, in, StripFences(in))
}

func TestParseTaskAnalysis_MalformedInputYieldsZeroValue(t *testing.T) {
	ta := ParseTaskAnalysis("not json at all")
	assert.False(t, ta.Success)
	assert.Empty(t, ta.Summary)
}

func TestParseTaskAnalysis_PermissivePartialFields(t *testing.T) {
	ta := ParseTaskAnalysis(`{"success": true, "summary": "done"}`)
	assert.True(t, ta.Success)
	assert.Equal(t, "done", ta.Summary)
	assert.Nil(t, ta.ExtractedData)
}

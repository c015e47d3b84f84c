package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaix-agent/kaix-core/internal/plan"
)

func TestMock_DefaultsAreDeterministic(t *testing.T) {
	m := NewMock()
	resp, err := m.Generate(context.Background(), nil, "", nil, GenConfig{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	p, err := m.GeneratePlan(context.Background(), "do it", "", "")
	require.NoError(t, err)
	assert.Equal(t, "mock plan", p.Description)

	assert.Equal(t, []string{"generate", "generate_plan"}, m.Calls)
}

func TestMock_OverridesTakePrecedence(t *testing.T) {
	m := NewMock()
	m.RefineTaskFunc = func(ctx context.Context, task *plan.Task, rc RefinementContext, model string) (string, error) {
		return "refined: " + task.Description, nil
	}
	out, err := m.RefineTask(context.Background(), &plan.Task{Description: "build it"}, RefinementContext{}, "")
	require.NoError(t, err)
	assert.Equal(t, "refined: build it", out)
}

var _ Interface = (*Mock)(nil)

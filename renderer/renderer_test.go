package renderer

import (
	"testing"
	"time"

	"github.com/lcpu-dev/labsched/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteExpressionPassthrough(t *testing.T) {
	r := NewRenderer(nil)
	v, err := r.ExecuteExpression("plain value", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain value", v)
}

func TestRenderConfig(t *testing.T) {
	inst := &models.Instance{
		Lab:         models.Lab{ID: "net"},
		Username:    "alice",
		PublicToken: "pub",
		StartTime:   time.Unix(1700000000, 0),
		Machines:    map[string]*models.InstanceMachine{"gw": {Name: "alpine-alice-1700000000"}},
	}
	r := NewRenderer(map[string]interface{}{"site": "lab"})
	out, err := r.RenderConfig(map[string]string{
		"user.owner":       "${ upper(username) }",
		"user.hostname":    "${ name }",
		"limits.processes": "${ 100 * 5 }",
		"user.site":        "${ site + '-' + lab }",
		"security.nesting": "true",
	}, InstanceEnv(inst, "gw"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"user.owner":       "ALICE",
		"user.hostname":    "alpine-alice-1700000000",
		"limits.processes": "500",
		"user.site":        "lab-net",
		"security.nesting": "true",
	}, out)
}

func TestRenderConfigErrors(t *testing.T) {
	r := NewRenderer(nil)
	_, err := r.RenderConfig(map[string]string{"k": "${ [1, 2] }"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config k")

	_, err = r.RenderConfig(map[string]string{"k": "${ 1 + }"}, nil)
	require.Error(t, err)
}

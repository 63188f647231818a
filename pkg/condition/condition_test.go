package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBool(t *testing.T) {
	e := NewEvaluator()

	ok, err := e.EvalBool("state.score >= 0.9", map[string]any{"score": 0.95})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvalBool("state.score >= 0.9", map[string]any{"score": 0.3})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBool_MissingFieldIsNil(t *testing.T) {
	e := NewEvaluator()

	// comparing nil is false, not an error: later steps may not have run yet
	ok, err := e.EvalBool("state.score == 1.0", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBool_NonBoolResult(t *testing.T) {
	e := NewEvaluator()

	_, err := e.EvalBool("state.score", map[string]any{"score": 0.5})
	require.Error(t, err)
}

func TestEval_Computed(t *testing.T) {
	e := NewEvaluator()

	result, err := e.Eval(`state.amount > 1000 ? "large" : "small"`, map[string]any{"amount": 1500})
	require.NoError(t, err)
	assert.Equal(t, "large", result)
}

func TestResolvePath(t *testing.T) {
	state := map[string]any{
		"Order": map[string]any{
			"Status": "settled",
			"Total":  99.5,
		},
	}

	value, ok := ResolvePath(state, "Order.Status")
	require.True(t, ok)
	assert.Equal(t, "settled", value)

	_, ok = ResolvePath(state, "Order.Missing")
	assert.False(t, ok)

	_, ok = ResolvePath(state, "Nope")
	assert.False(t, ok)
}

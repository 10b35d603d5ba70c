package celengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndEval(t *testing.T) {
	attrs := map[string]any{
		"time_tracked_seconds": int64(0),
		"unlocks_completed":    int64(0),
	}
	rule, err := Compile("time_tracked_seconds >= 180 || unlocks_completed >= 1", attrs)
	require.NoError(t, err)

	ok, err := rule.Eval(map[string]any{"time_tracked_seconds": int64(200), "unlocks_completed": int64(0)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rule.Eval(map[string]any{"time_tracked_seconds": int64(10), "unlocks_completed": int64(0)})
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := Compile("time_tracked_seconds >= 180 || unlocks_completed >= 1", attrs)
	require.NoError(t, err)
	assert.Same(t, rule, again)
}

func TestCompileRejectsNonBool(t *testing.T) {
	_, err := Compile("unlocks_completed + 1", map[string]any{"unlocks_completed": int64(0)})
	assert.Error(t, err)

	_, err = Compile("missing_var > 1", map[string]any{"unlocks_completed": int64(0)})
	assert.Error(t, err)
}

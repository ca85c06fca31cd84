package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_EmptyQueue(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Equal(t, "Pending: 0 (due 0)\nInFlight: 0\nDeadLettered: 0\nMappings: 0\n", out)
}

func TestStatus_CountsQueuedWrites(t *testing.T) {
	env := newCLIEnv(t)
	env.runJSON(t, nil, "record", "create", "Report")
	env.runJSON(t, nil, "record", "create", "Respondent", "--body", `{"name": "Kim"}`)

	var status StatusResult
	env.runJSON(t, &status, "status")
	assert.Equal(t, 2, status.Queue.Pending)
	assert.Equal(t, 2, status.Queue.Due)
	require.NotNil(t, status.NextWakeup)

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Pending: 2 (due 2)")
	assert.Contains(t, out, "Next attempt:")
}

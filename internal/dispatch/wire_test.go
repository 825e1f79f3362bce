package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Envelope_roundtrip(t *testing.T) {
	envelope, err := NewEnvelope(MethodReportProgress, "subtask-1", 42.0)
	require.NoError(t, err)

	assert.Equal(t, MethodReportProgress, envelope.Method)
	require.Len(t, envelope.Args, 2)

	subtaskID, err := envelope.StringArg(0)
	require.NoError(t, err)
	assert.Equal(t, "subtask-1", subtaskID)

	var percent float64
	require.NoError(t, envelope.Arg(1, &percent))
	assert.Equal(t, 42.0, percent)
}

func Test_Envelope_Arg_errors(t *testing.T) {
	envelope, err := NewEnvelope(MethodAcknowledgeExecutionStart, "subtask-1")
	require.NoError(t, err)

	t.Run("missing argument", func(t *testing.T) {
		var dest string
		assert.ErrorContains(t, envelope.Arg(1, &dest), "missing argument 1")
	})

	t.Run("type mismatch", func(t *testing.T) {
		var dest int
		assert.ErrorContains(t, envelope.Arg(0, &dest), "unmarshalling argument 0")
	})
}

package logging_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/senpuki/senpuki/internal/logging"
)

func TestSetupAcceptsKnownLevels(t *testing.T) {
	require.NoError(t, logging.Setup("debug", false))
	require.NoError(t, logging.Setup("info", true))
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	require.Error(t, logging.Setup("verbose", false))
}

func TestWithExecutionAttachesExecutionID(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := base.WithContext(context.Background())

	ctx = logging.WithExecution(ctx, "exec-1")
	zerolog.Ctx(ctx).Info().Msg("hello")

	require.Contains(t, buf.String(), `"execution_id":"exec-1"`)
	require.Contains(t, buf.String(), `"message":"hello"`)
}

func TestWithTaskAttachesAllFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := base.WithContext(context.Background())

	ctx = logging.WithTask(ctx, "exec-1", "task-1", "double")
	zerolog.Ctx(ctx).Info().Msg("running")

	out := buf.String()
	require.Contains(t, out, `"execution_id":"exec-1"`)
	require.Contains(t, out, `"task_id":"task-1"`)
	require.Contains(t, out, `"function":"double"`)
}

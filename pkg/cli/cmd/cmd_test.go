package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/senpuki/senpuki/pkg/execctx"
	"github.com/senpuki/senpuki/pkg/senpuki"
	"github.com/senpuki/senpuki/pkg/worker"
)

// captureStdout runs fn with os.Stdout swapped for a pipe and returns
// everything written to it. Only exercises code paths that read
// os.Stdout at call time (fmt.Print*, encoding/json against os.Stdout),
// not fatih/color's Success/Error/Warning, which resolve their writer
// once at package init.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	done := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	w.Close()
	os.Stdout = orig
	return <-done
}

func seedExecution(t *testing.T, dsn string) string {
	t.Helper()
	ctx := context.Background()
	s, err := senpuki.New(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Register("double", func(c execctx.Context) (any, error) {
		var n int
		require.NoError(t, c.Params(&n))
		return n * 2, nil
	}))

	execID, err := s.Dispatch(ctx, "double", 21)
	require.NoError(t, err)

	w := s.CreateWorkerLifecycle(worker.DefaultConfig("cli-test"))
	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	<-w.Ready()

	_, err = s.WaitFor(ctx, execID)
	require.NoError(t, err)
	cancel()
	<-w.Stopped()

	return execID
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestExecListJSON(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cli.sqlite")
	execID := seedExecution(t, dsn)

	out := captureStdout(t, func() {
		require.NoError(t, run(t, "--db", dsn, "--json", "exec", "list"))
	})
	require.Contains(t, out, execID)
	require.Contains(t, out, "double")
}

func TestExecShowRendersProgressAndResult(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cli.sqlite")
	execID := seedExecution(t, dsn)

	out := captureStdout(t, func() {
		require.NoError(t, run(t, "--db", dsn, "--json=false", "exec", "show", execID))
	})
	require.Contains(t, out, execID)
	require.Contains(t, out, "State:    completed")
	require.Contains(t, out, "Progress:")
	require.Contains(t, out, "Result: ")
}

func TestStatsJSONReportsCompletedCount(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cli.sqlite")
	seedExecution(t, dsn)

	out := captureStdout(t, func() {
		require.NoError(t, run(t, "--db", dsn, "--json", "stats"))
	})
	require.Contains(t, out, "completed")
}

func TestDlqListEmpty(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "empty.sqlite")
	_, err := senpuki.New(context.Background(), dsn)
	require.NoError(t, err)

	err = run(t, "--db", dsn, "--json=false", "dlq", "list")
	require.NoError(t, err)
}

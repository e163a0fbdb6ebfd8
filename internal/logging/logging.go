// Package logging wires up zerolog the way gnotnek-golang-redisq's
// cmd package does at startup (zerolog.SetGlobalLevel plus the global
// log.Logger), and provides the context-injection helper the rest of
// the tree assumes via log.Ctx(ctx): pkg/storage/sqlite,
// pkg/storage/sql, pkg/orchestrator, and pkg/worker all log through
// log.Ctx(ctx) rather than the bare global logger, so a caller can
// attach request/execution-scoped fields.
package logging

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger: level from levelName
// (debug/info/warn/error), pretty console output when pretty is true
// (for local development), structured JSON otherwise (for production
// log shipping).
func Setup(levelName string, pretty bool) error {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("logging: parse level %q: %w", levelName, err)
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stderr
	if pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: writer}).With().Timestamp().Caller().Logger()
		return nil
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
	return nil
}

// WithExecution returns a context carrying a logger annotated with
// executionID, so every log line emitted while handling that execution
// (through log.Ctx(ctx)) is attributable to it without threading an
// explicit logger argument through every function signature.
func WithExecution(ctx context.Context, executionID string) context.Context {
	logger := log.Ctx(ctx).With().Str("execution_id", executionID).Logger()
	return logger.WithContext(ctx)
}

// WithTask is WithExecution's task-scoped counterpart.
func WithTask(ctx context.Context, executionID, taskID, functionName string) context.Context {
	logger := log.Ctx(ctx).With().
		Str("execution_id", executionID).
		Str("task_id", taskID).
		Str("function", functionName).
		Logger()
	return logger.WithContext(ctx)
}

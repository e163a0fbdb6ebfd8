package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/senpuki/senpuki/pkg/execctx"
	"github.com/senpuki/senpuki/pkg/registry"
)

func noop(execctx.Context) (any, error) { return nil, nil }

func TestRegisterAndLookup(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register("greet", noop, registry.WithQueue("high"), registry.WithPriority(5)))

	def, err := r.Lookup("greet")
	require.NoError(t, err)
	require.Equal(t, "high", def.Queue)
	require.Equal(t, 5, def.Priority)
}

func TestRegisterDefaultsQueueAndRetryPolicy(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register("f", noop))
	def, err := r.Lookup("f")
	require.NoError(t, err)
	require.Equal(t, "default", def.Queue)
	require.Equal(t, 3, def.Retry.MaxAttempts)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register("f", noop))
	err := r.Register("f", noop)
	require.ErrorIs(t, err, registry.ErrAlreadyRegistered)
}

func TestLookupUnknownNameFails(t *testing.T) {
	r := registry.New()
	_, err := r.Lookup("missing")
	require.ErrorIs(t, err, registry.ErrNotRegistered)
}

func TestWithIdempotencyKeyFuncImpliesCacheable(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register("f", noop, registry.WithIdempotencyKeyFunc(func(args any) string { return "k" })))
	def, err := r.Lookup("f")
	require.NoError(t, err)
	require.True(t, def.Cacheable)
}

func TestNamesListsAllRegistrations(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register("a", noop))
	require.NoError(t, r.Register("b", noop))
	require.ElementsMatch(t, []string{"a", "b"}, r.Names())
}

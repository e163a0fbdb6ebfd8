// Package registry maps a stable function name to a callable and its
// durability metadata, generalizing the teacher's reflection-heavy
// WrapJobFunc (pkg/core/task/job_function.go) into a typed-signature
// registration API. Go has no runtime equivalent of Python's
// __module__/__qualname__ introspection, so the caller supplies the
// stable name explicitly rather than it being derived implicitly.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/senpuki/senpuki/pkg/execctx"
	"github.com/senpuki/senpuki/pkg/retry"
)

// ErrNotRegistered is returned when a task references a function name
// with no matching registration.
var ErrNotRegistered = errors.New("registry: function not registered")

// ErrAlreadyRegistered guards against silently shadowing a previous
// registration under the same name.
var ErrAlreadyRegistered = errors.New("registry: function already registered")

// Func is the shape every durable function must satisfy: given a
// Context (for parameter decoding and, for orchestrators, durable
// calls/sleeps/signals) it returns an opaque result and error.
type Func func(execctx.Context) (any, error)

// IdempotencyKeyFunc derives a cache/idempotency key from decoded
// arguments, letting two dispatches with equivalent input dedupe to
// one cached result.
type IdempotencyKeyFunc func(args any) string

// Definition holds one function's durability metadata alongside its
// callable body.
type Definition struct {
	Name         string
	Fn           Func
	IsOrchestrator bool

	Queue    string
	Priority int
	Tags     []string

	Retry   retry.Policy
	Timeout int // seconds; 0 means no explicit timeout

	Cacheable         bool
	IdempotencyKeyFn  IdempotencyKeyFunc

	ConcurrencyGroup string
	ConcurrencyLimit int
}

// Option configures a Definition at registration time.
type Option func(*Definition)

func WithQueue(queue string) Option    { return func(d *Definition) { d.Queue = queue } }
func WithPriority(p int) Option        { return func(d *Definition) { d.Priority = p } }
func WithTags(tags ...string) Option   { return func(d *Definition) { d.Tags = tags } }
func WithRetry(p retry.Policy) Option  { return func(d *Definition) { d.Retry = p } }
func WithTimeoutSeconds(s int) Option  { return func(d *Definition) { d.Timeout = s } }
func WithCacheable() Option            { return func(d *Definition) { d.Cacheable = true } }
func WithIdempotencyKeyFunc(fn IdempotencyKeyFunc) Option {
	return func(d *Definition) { d.IdempotencyKeyFn = fn; d.Cacheable = true }
}
func WithConcurrencyLimit(group string, limit int) Option {
	return func(d *Definition) { d.ConcurrencyGroup = group; d.ConcurrencyLimit = limit }
}
func AsOrchestrator() Option { return func(d *Definition) { d.IsOrchestrator = true } }

// Registry is a stable-name to Definition map, owned by one Senpuki
// executor instance rather than a package-level global: two executors
// in the same process (e.g. in tests) never share registrations.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*Definition
}

func New() *Registry {
	return &Registry{byName: map[string]*Definition{}}
}

// Register adds fn under name with the given options. It is an error
// to register the same name twice.
func (r *Registry) Register(name string, fn Func, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("registry: name must not be empty")
	}
	def := &Definition{
		Name:        name,
		Fn:          fn,
		Queue:       "default",
		Retry:       retry.Default(),
	}
	for _, opt := range opts {
		opt(def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.byName[name] = def
	return nil
}

// Lookup returns the Definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return def, nil
}

// Names returns every registered function name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Package registry maps routing keys to handlers for each endpoint role.
// It is filled before consumers start and read-only afterwards.
package registry

import (
	"fmt"
	"strings"
	"sync"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
)

// Role selects one of the four disjoint endpoint tables. The value doubles as
// the role segment of coordination keys.
type Role string

const (
	RoleREST        Role = "rest"
	RoleRPC         Role = "rpc"
	RoleWorkerEvent Role = "worker_event"
	RoleFanoutEvent Role = "fanout_event"
)

// Roles returns every role in a fixed order.
func Roles() []Role {
	return []Role{RoleREST, RoleRPC, RoleWorkerEvent, RoleFanoutEvent}
}

// Valid reports whether r names a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleREST, RoleRPC, RoleWorkerEvent, RoleFanoutEvent:
		return true
	}
	return false
}

// IsEvent reports whether r is dispatched by the event router.
func (r Role) IsEvent() bool {
	return r == RoleWorkerEvent || r == RoleFanoutEvent
}

// ContextKeyLevel is the context entry holding the required auth level.
const ContextKeyLevel = "level"

// Descriptor is one registered endpoint. Context is published to the
// coordination store and never read by dispatch.
type Descriptor struct {
	Owner   string
	Name    string
	Context map[string]any
	Handler handlers.HandlerFunc
}

// Level returns the auth level stored in Context, or handlers.LevelAll.
func (d Descriptor) Level() int {
	switch v := d.Context[ContextKeyLevel].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return handlers.LevelAll
}

// Option customises a Descriptor.
type Option func(*Descriptor)

// WithContext merges values into the descriptor context.
func WithContext(values map[string]any) Option {
	return func(d *Descriptor) {
		if d.Context == nil {
			d.Context = make(map[string]any, len(values))
		}
		for k, v := range values {
			d.Context[k] = v
		}
	}
}

// WithLevel sets the auth level required to call the endpoint.
func WithLevel(level int) Option {
	return func(d *Descriptor) {
		if d.Context == nil {
			d.Context = make(map[string]any, 1)
		}
		d.Context[ContextKeyLevel] = level
	}
}

// WithOwner names the component that owns the handler.
func WithOwner(owner string) Option {
	return func(d *Descriptor) { d.Owner = owner }
}

// WithName names the handler within its owner.
func WithName(name string) Option {
	return func(d *Descriptor) { d.Name = name }
}

// NewDescriptor builds a descriptor for h. Context is never nil.
func NewDescriptor(h handlers.HandlerFunc, opts ...Option) Descriptor {
	d := Descriptor{Handler: h, Context: map[string]any{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&d)
		}
	}
	return d
}

// Entry is what List yields for external publication.
type Entry struct {
	Key     string
	Context map[string]any
}

type table struct {
	order   []string
	entries map[string]Descriptor
}

// Registry holds the four endpoint tables.
type Registry struct {
	mu     sync.RWMutex
	tables map[Role]*table
	frozen bool
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{tables: make(map[Role]*table, 4)}
	for _, role := range Roles() {
		r.tables[role] = &table{entries: make(map[string]Descriptor)}
	}
	return r
}

// Register inserts or overwrites the descriptor for key. An overwritten key
// keeps the position of its first registration.
func (r *Registry) Register(role Role, key string, d Descriptor) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownRole, role)
	}
	if key == "" {
		return errspkg.ErrRoutingKeyRequired
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s %s", errspkg.ErrHandlerRequired, role, key)
	}
	if d.Context == nil {
		d.Context = map[string]any{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errspkg.ErrRegistryFrozen
	}
	t := r.tables[role]
	if _, exists := t.entries[key]; !exists {
		t.order = append(t.order, key)
	}
	t.entries[key] = d
	return nil
}

// Lookup returns the descriptor registered under key.
func (r *Registry) Lookup(role Role, key string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[role]
	if !ok {
		return Descriptor{}, false
	}
	d, ok := t.entries[key]
	return d, ok
}

// List returns (key, context) pairs in registration order. Contexts are copies.
func (r *Registry) List(role Role) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownRole, role)
	}
	entries := make([]Entry, 0, len(t.order))
	for _, key := range t.order {
		ctx := make(map[string]any, len(t.entries[key].Context))
		for k, v := range t.entries[key].Context {
			ctx[k] = v
		}
		entries = append(entries, Entry{Key: key, Context: ctx})
	}
	return entries, nil
}

// Keys returns the keys of role in registration order.
func (r *Registry) Keys(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[role]
	if !ok {
		return nil
	}
	return append([]string(nil), t.order...)
}

// Len returns the number of endpoints registered for role.
func (r *Registry) Len(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tables[role]; ok {
		return len(t.order)
	}
	return 0
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// RPCKeyPrefix starts every RPC routing key.
const RPCKeyPrefix = "RPC@"

// RPCKey returns the routing key of the RPC endpoint name.
func RPCKey(name string) string {
	return RPCKeyPrefix + name
}

// RESTKey returns the routing key of a REST endpoint. Slashes in path become
// pipes so the key is a single topic word.
func RESTKey(method, path string) string {
	return strings.ToUpper(method) + "@" + strings.ReplaceAll(path, "/", "|")
}

// ParseRoute splits "GET /users/:id" into method and path. A route missing
// either part is a NOT_INIT_REST_ENDPOINT fatal error.
func ParseRoute(route string) (method, path string, err error) {
	parts := strings.Fields(route)
	if len(parts) != 2 {
		return "", "", errspkg.New(errspkg.CodeNotInitRESTEndpoint, fmt.Sprintf("route %q needs a method and a path", route))
	}
	return strings.ToUpper(parts[0]), parts[1], nil
}

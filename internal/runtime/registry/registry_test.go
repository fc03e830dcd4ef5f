package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
)

func handlerReturning(v any) handlers.HandlerFunc {
	return func(ctx context.Context, msg handlers.Message) (any, error) { return v, nil }
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(RoleRPC, RPCKey("get"), NewDescriptor(handlerReturning(1), WithOwner("Users"), WithName("Get"))))

	d, ok := r.Lookup(RoleRPC, "RPC@get")
	require.True(t, ok)
	assert.Equal(t, "Users", d.Owner)
	assert.Equal(t, "Get", d.Name)
	assert.NotNil(t, d.Context)

	_, ok = r.Lookup(RoleREST, "RPC@get")
	assert.False(t, ok, "roles are disjoint")
	_, ok = r.Lookup(Role("bogus"), "RPC@get")
	assert.False(t, ok)
}

func TestRegisterLastWinsKeepsOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(RoleWorkerEvent, "a", NewDescriptor(handlerReturning("a1"))))
	require.NoError(t, r.Register(RoleWorkerEvent, "b", NewDescriptor(handlerReturning("b"))))
	require.NoError(t, r.Register(RoleWorkerEvent, "a", NewDescriptor(handlerReturning("a2"))))

	assert.Equal(t, []string{"a", "b"}, r.Keys(RoleWorkerEvent))
	assert.Equal(t, 2, r.Len(RoleWorkerEvent))

	d, _ := r.Lookup(RoleWorkerEvent, "a")
	got, err := d.Handler(context.Background(), handlers.Message{})
	require.NoError(t, err)
	assert.Equal(t, "a2", got)
}

func TestRegisterValidation(t *testing.T) {
	r := New()

	assert.ErrorIs(t, r.Register(Role("bogus"), "k", NewDescriptor(handlerReturning(nil))), errspkg.ErrUnknownRole)
	assert.ErrorIs(t, r.Register(RoleRPC, "", NewDescriptor(handlerReturning(nil))), errspkg.ErrRoutingKeyRequired)
	assert.ErrorIs(t, r.Register(RoleRPC, "k", Descriptor{}), errspkg.ErrHandlerRequired)

	r.Freeze()
	assert.True(t, r.Frozen())
	assert.ErrorIs(t, r.Register(RoleRPC, "k", NewDescriptor(handlerReturning(nil))), errspkg.ErrRegistryFrozen)
}

func TestListCopiesContext(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(RoleREST, RESTKey("get", "/users"), NewDescriptor(handlerReturning(nil), WithLevel(handlers.LevelUser))))
	require.NoError(t, r.Register(RoleREST, RESTKey("post", "/users"), NewDescriptor(handlerReturning(nil), WithContext(map[string]any{"audit": true}))))

	entries, err := r.List(RoleREST)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "GET@|users", entries[0].Key)
	assert.Equal(t, map[string]any{"level": handlers.LevelUser}, entries[0].Context)
	assert.Equal(t, map[string]any{"audit": true}, entries[1].Context)

	entries[0].Context["level"] = 99
	d, _ := r.Lookup(RoleREST, "GET@|users")
	assert.Equal(t, handlers.LevelUser, d.Level())

	_, err = r.List(Role("bogus"))
	assert.ErrorIs(t, err, errspkg.ErrUnknownRole)
	assert.Nil(t, r.Keys(Role("bogus")))
	assert.Zero(t, r.Len(Role("bogus")))
}

func TestDescriptorLevel(t *testing.T) {
	assert.Equal(t, handlers.LevelAll, NewDescriptor(nil).Level())
	assert.Equal(t, 2, NewDescriptor(nil, WithLevel(2)).Level())
	assert.Equal(t, 1, NewDescriptor(nil, WithContext(map[string]any{"level": float64(1)})).Level())
	assert.Equal(t, 1, NewDescriptor(nil, WithContext(map[string]any{"level": int64(1)})).Level())
}

func TestOptionsOnNilContext(t *testing.T) {
	var d Descriptor
	WithLevel(2)(&d)
	WithContext(map[string]any{"x": 1})(&Descriptor{})
	assert.Equal(t, 2, d.Context["level"])
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "RPC@get", RPCKey("get"))
	assert.Equal(t, "GET@|users|:id", RESTKey("get", "/users/:id"))
	assert.Equal(t, "DELETE@", RESTKey("delete", ""))
}

func TestParseRoute(t *testing.T) {
	method, path, err := ParseRoute("get   /users/:id")
	require.NoError(t, err)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/users/:id", path)

	for _, route := range []string{"", "GET", "/users", "GET /a /b"} {
		_, _, err := ParseRoute(route)
		assert.ErrorIs(t, err, errspkg.ErrNotInitRESTEndpoint, route)
		assert.True(t, errspkg.IsLevel(err, errspkg.LevelFatal))
	}
}

func TestRoles(t *testing.T) {
	for _, role := range Roles() {
		assert.True(t, role.Valid())
	}
	assert.False(t, Role("x").Valid())
	assert.True(t, RoleWorkerEvent.IsEvent())
	assert.True(t, RoleFanoutEvent.IsEvent())
	assert.False(t, RoleRPC.IsEvent())
}

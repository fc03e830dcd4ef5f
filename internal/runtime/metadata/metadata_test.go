package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])
	assert.Len(t, clone, 2)

	var empty Metadata
	assert.NotNil(t, empty.Clone())
}

func TestWith(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With(KeyOrigin, "users")

	assert.NotContains(t, base, KeyOrigin)
	assert.Equal(t, "users", enriched[KeyOrigin])
	assert.Equal(t, "bar", enriched["foo"])
}

func TestNewIgnoresDanglingKey(t *testing.T) {
	md := New("a", "1", "b")
	assert.Equal(t, Metadata{"a": "1"}, md)
}

func TestFromHeaders(t *testing.T) {
	md := FromHeaders(map[string]any{
		"s":   "text",
		"b":   []byte("raw"),
		"n":   int32(7),
		"nil": nil,
	})

	assert.Equal(t, Metadata{"s": "text", "b": "raw", "n": "7", "nil": ""}, md)
	assert.Empty(t, FromHeaders(nil))
}

func TestToWatermill(t *testing.T) {
	wm := ToWatermill(Metadata{KeyCorrelationID: "c1"})
	assert.Equal(t, "c1", wm.Get(KeyCorrelationID))
	assert.NotNil(t, ToWatermill(nil))
}

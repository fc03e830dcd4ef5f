package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "stardust"}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out testPayload
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	indented, err := MarshalIndent(in, "", "  ")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(indented), "\n  \"id\""), "expected indented output, got %s", indented)
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	require.NoError(t, Encode(buf, payload))

	var decoded testPayload
	require.NoError(t, Decode(buf, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestRawMessagePassesThrough(t *testing.T) {
	type envelope struct {
		Data RawMessage `json:"data"`
	}

	data, err := Marshal(envelope{Data: RawMessage(`{"a":[1,2]}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"a":[1,2]}}`, string(data))

	var out envelope
	require.NoError(t, Unmarshal(data, &out))
	assert.JSONEq(t, `{"a":[1,2]}`, string(out.Data))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"id":1}`)))
	assert.True(t, Valid([]byte(`"text"`)))
	assert.True(t, Valid([]byte(`null`)))
	assert.False(t, Valid([]byte(`{"id":`)))
	assert.False(t, Valid([]byte(`not json`)))
	assert.False(t, Valid(nil))
}

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrServiceRequired", ErrServiceRequired, "stardust: service name is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "stardust: handler function is required"},
		{"ErrUnknownRole", ErrUnknownRole, "stardust: unknown endpoint role"},
		{"ErrTopicRequired", ErrTopicRequired, "stardust: event key is required"},
		{"ErrConfigRequired", ErrConfigRequired, "stardust: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "stardust: logger is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	assert.Equal(t, "stardust: invalid configuration: invalid port", err.Error())
	assert.Equal(t, inner, err.Unwrap())
	assert.Nil(t, NewConfigValidationError(nil))
	assert.ErrorIs(t, NewConfigValidationError(inner), inner)
}

func TestCodeValue(t *testing.T) {
	assert.Equal(t, 10020001, CodeRPCTimeout.Value())
	assert.Equal(t, 10030003, CodeUnregisteredEventKey.Value())
	assert.Equal(t, 10010007, Code{Level: LevelExpected, Number: 7}.Value())
}

func TestStarErrorMessage(t *testing.T) {
	err := New(CodeRPCTimeout, "RPC@getUser")
	assert.Equal(t, "LogicError: 10020001-RPC_TIMEOUT: RPC@getUser", err.Error())

	wrapped := Wrap(CodeMalformedPayload, "", errors.New("unexpected end"))
	assert.Equal(t, "LogicError: 10020004-MALFORMED_PAYLOAD: unexpected end", wrapped.Error())
}

func TestStarErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("invoke: %w", New(CodeRPCTimeout, "RPC@ping"))

	assert.ErrorIs(t, err, ErrRPCTimeout)
	assert.NotErrorIs(t, err, ErrMalformedPayload)
}

func TestStarErrorUnwrap(t *testing.T) {
	cause := errors.New("channel closed")
	err := Wrap(CodeTransportInitFailed, "declare exchange", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransportInitFailed)
}

func TestLevelHelpers(t *testing.T) {
	expected := Expected(7, "EMAIL_TAKEN", "a@b.c")
	logic := Logic(9, "BAD_STATE", "")
	fatal := Fatal(9, "BROKEN", "")

	assert.Equal(t, LevelExpected, LevelOf(expected))
	assert.Equal(t, LevelLogic, LevelOf(fmt.Errorf("wrap: %w", logic)))
	assert.True(t, IsLevel(fatal, LevelFatal))
	assert.Equal(t, Level(0), LevelOf(errors.New("plain")))

	se, ok := As(fmt.Errorf("outer: %w", expected))
	require.True(t, ok)
	assert.Equal(t, 10010007, se.Code.Value())
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "ExpectedError", LevelExpected.String())
	assert.Equal(t, "LogicError", LevelLogic.String())
	assert.Equal(t, "FatalError", LevelFatal.String())
	assert.Equal(t, "Error", Level(0).String())
}

func TestCodeOfAndNormalize(t *testing.T) {
	plain := errors.New("disk on fire")
	assert.Equal(t, CodeUnhandledError, CodeOf(plain))
	assert.Equal(t, CodeRPCTimeout, CodeOf(fmt.Errorf("call: %w", New(CodeRPCTimeout, ""))))

	normalized := Normalize(plain)
	require.NotNil(t, normalized)
	assert.ErrorIs(t, normalized, ErrUnhandled)
	assert.ErrorIs(t, normalized, plain)

	typed := Expected(3, "NOT_FOUND", "user 7")
	assert.Same(t, typed, Normalize(fmt.Errorf("wrapped: %w", typed)))
	assert.Nil(t, Normalize(nil))
}

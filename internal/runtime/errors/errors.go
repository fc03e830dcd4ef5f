package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrServiceRequired         = sterrors.New("stardust: service name is required")
	ErrHandlerRequired         = sterrors.New("stardust: handler function is required")
	ErrRoutingKeyRequired      = sterrors.New("stardust: routing key is required")
	ErrUnknownRole             = sterrors.New("stardust: unknown endpoint role")
	ErrRegistryFrozen          = sterrors.New("stardust: endpoint registry is frozen once consumers run")
	ErrPublisherRequired       = sterrors.New("stardust: publisher is required")
	ErrTopicRequired           = sterrors.New("stardust: event key is required")
	ErrConfigRequired          = sterrors.New("stardust: configuration is required")
	ErrLoggerRequired          = sterrors.New("stardust: logger is required")
	ErrStoreRequired           = sterrors.New("stardust: coordination store is required")
	ErrEventPayloadRequired    = sterrors.New("stardust: event payload is required")
	ErrTransportNotInitialized = sterrors.New("stardust: transport is not initialised")
	ErrAlreadyRunning          = sterrors.New("stardust: star is already running")
)

// ConfigValidationError wraps configuration problems detected before start-up.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "stardust: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Level tells how an error propagates: returned to callers, logged, or fatal.
type Level int

const (
	LevelExpected Level = 1
	LevelLogic    Level = 2
	LevelFatal    Level = 3
)

func (l Level) String() string {
	switch l {
	case LevelExpected:
		return "ExpectedError"
	case LevelLogic:
		return "LogicError"
	case LevelFatal:
		return "FatalError"
	default:
		return "Error"
	}
}

// StarCode prefixes every numeric error code emitted by this runtime.
const StarCode = 100

// Code identifies one error condition.
//
//	1 0 0 1 0 0 0 1
//	_____ _ _______
//	|     | \_ number
//	|     \_ level
//	\_ star code
type Code struct {
	Level  Level
	Number int
	Name   string
}

// Value merges star code, level and number into the wire representation.
func (c Code) Value() int {
	return StarCode*100000 + int(c.Level)*10000 + c.Number
}

var (
	CodeRPCTimeout         = Code{Level: LevelLogic, Number: 1, Name: "RPC_TIMEOUT"}
	CodeParamUserMissing   = Code{Level: LevelLogic, Number: 2, Name: "PARAM_USER_MISSING"}
	CodeUserHasNoAuthority = Code{Level: LevelLogic, Number: 3, Name: "USER_HAS_NO_AUTHORITY"}
	CodeMalformedPayload   = Code{Level: LevelLogic, Number: 4, Name: "MALFORMED_PAYLOAD"}
	CodeUnhandledError     = Code{Level: LevelLogic, Number: 5, Name: "UNHANDLED_ERROR"}

	CodeMissingCoordinationToken = Code{Level: LevelFatal, Number: 1, Name: "MISSING_COORDINATION_TOKEN"}
	CodeNotInitRESTEndpoint      = Code{Level: LevelFatal, Number: 2, Name: "NOT_INIT_REST_ENDPOINT"}
	CodeUnregisteredEventKey     = Code{Level: LevelFatal, Number: 3, Name: "UNREGISTERED_EVENT_KEY"}
	CodeTransportInitFailed      = Code{Level: LevelFatal, Number: 4, Name: "TRANSPORT_INIT_FAILED"}
)

// Sentinels usable with errors.Is; matching compares codes only.
var (
	ErrRPCTimeout           = &StarError{Code: CodeRPCTimeout}
	ErrMalformedPayload     = &StarError{Code: CodeMalformedPayload}
	ErrParamUserMissing     = &StarError{Code: CodeParamUserMissing}
	ErrUserHasNoAuthority   = &StarError{Code: CodeUserHasNoAuthority}
	ErrUnhandled            = &StarError{Code: CodeUnhandledError}
	ErrMissingCoordToken    = &StarError{Code: CodeMissingCoordinationToken}
	ErrNotInitRESTEndpoint  = &StarError{Code: CodeNotInitRESTEndpoint}
	ErrUnregisteredEventKey = &StarError{Code: CodeUnregisteredEventKey}
	ErrTransportInitFailed  = &StarError{Code: CodeTransportInitFailed}
)

// StarError is a leveled error carrying a numeric code that survives the wire.
type StarError struct {
	Code   Code
	Reason string
	Err    error
}

func (e *StarError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d-%s", e.Code.Level, e.Code.Value(), e.Code.Name)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StarError) Unwrap() error { return e.Err }

// Is reports whether target is a StarError with the same code.
func (e *StarError) Is(target error) bool {
	t, ok := target.(*StarError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds a StarError for code.
func New(code Code, reason string) *StarError {
	return &StarError{Code: code, Reason: reason}
}

// Wrap builds a StarError for code that unwraps to cause.
func Wrap(code Code, reason string, cause error) *StarError {
	return &StarError{Code: code, Reason: reason, Err: cause}
}

// Expected builds an application-level error that callers are expected to handle.
func Expected(number int, name, reason string) *StarError {
	return New(Code{Level: LevelExpected, Number: number, Name: name}, reason)
}

// Logic builds an application-level contract violation.
func Logic(number int, name, reason string) *StarError {
	return New(Code{Level: LevelLogic, Number: number, Name: name}, reason)
}

// Fatal builds an application-level unrecoverable error.
func Fatal(number int, name, reason string) *StarError {
	return New(Code{Level: LevelFatal, Number: number, Name: name}, reason)
}

// As extracts the StarError from err's chain.
func As(err error) (*StarError, bool) {
	var se *StarError
	if sterrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// LevelOf returns the level of err, or 0 when err carries none.
func LevelOf(err error) Level {
	if se, ok := As(err); ok {
		return se.Code.Level
	}
	return 0
}

// CodeOf returns the code carried by err. Errors without one report UNHANDLED_ERROR.
func CodeOf(err error) Code {
	if se, ok := As(err); ok {
		return se.Code
	}
	return CodeUnhandledError
}

// Normalize returns err as a StarError, wrapping plain errors as UNHANDLED_ERROR.
func Normalize(err error) *StarError {
	if err == nil {
		return nil
	}
	if se, ok := As(err); ok {
		return se
	}
	return Wrap(CodeUnhandledError, "", err)
}

// IsLevel reports whether err carries the given level.
func IsLevel(err error, level Level) bool {
	return LevelOf(err) == level
}

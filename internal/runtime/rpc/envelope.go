package rpc

import (
	"fmt"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
)

// ReplyEnvelope is the wire shape of every RPC and REST reply.
type ReplyEnvelope struct {
	Success bool                 `json:"success"`
	Data    jsoncodec.RawMessage `json:"data,omitempty"`
	Code    int                  `json:"code,omitempty"`
	Message string               `json:"message,omitempty"`
}

// Success wraps a handler result. A nil result leaves data out.
func Success(result any) (ReplyEnvelope, error) {
	if result == nil {
		return ReplyEnvelope{Success: true}, nil
	}
	data, err := jsoncodec.Marshal(result)
	if err != nil {
		return ReplyEnvelope{}, errspkg.Wrap(errspkg.CodeUnhandledError, "encode reply", err)
	}
	return ReplyEnvelope{Success: true, Data: data}, nil
}

// Failure converts err into a failure envelope. Errors without a code are
// reported as UNHANDLED_ERROR.
func Failure(err error) ReplyEnvelope {
	se := errspkg.Normalize(err)
	return ReplyEnvelope{Code: se.Code.Value(), Message: se.Error()}
}

// Err returns nil for a success envelope and a *RemoteError otherwise.
func (e ReplyEnvelope) Err() error {
	if e.Success {
		return nil
	}
	return &RemoteError{Code: e.Code, Message: e.Message}
}

// Decode unmarshals data into out. A success envelope without data leaves out untouched.
func (e ReplyEnvelope) Decode(out any) error {
	if out == nil || len(e.Data) == 0 {
		return nil
	}
	if err := jsoncodec.Unmarshal(e.Data, out); err != nil {
		return errspkg.Wrap(errspkg.CodeMalformedPayload, "decode reply data", err)
	}
	return nil
}

// RemoteError is a failure reported by the serving side.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Level extracts the level digit from the numeric code.
func (e *RemoteError) Level() errspkg.Level {
	return errspkg.Level((e.Code / 10000) % 10)
}

// Is matches StarError sentinels by numeric code, so a remote timeout
// satisfies errors.Is(err, errors.ErrRPCTimeout).
func (e *RemoteError) Is(target error) bool {
	switch t := target.(type) {
	case *errspkg.StarError:
		return t.Code.Value() == e.Code
	case *RemoteError:
		return t.Code == e.Code
	}
	return false
}

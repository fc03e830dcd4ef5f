package handlers

import (
	"bytes"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
)

// Authorization levels carried in endpoint context and user records.
const (
	LevelAll   = 0
	LevelUser  = 1
	LevelAdmin = 2
)

// RESTRequest is the payload gateways send to REST-over-queue endpoints.
type RESTRequest struct {
	MessageContextBase `json:"-"`

	Params  map[string]string    `json:"params,omitempty"`
	Query   map[string]any       `json:"query,omitempty"`
	Body    jsoncodec.RawMessage `json:"body,omitempty"`
	Headers map[string]string    `json:"headers,omitempty"`
	User    jsoncodec.RawMessage `json:"user,omitempty"`
}

// ParseRESTRequest decodes a REST payload. An empty payload is an empty request.
func ParseRESTRequest(payload []byte) (RESTRequest, error) {
	var req RESTRequest
	if err := decode(payload, &req); err != nil {
		return RESTRequest{}, err
	}
	return req, nil
}

// Param returns a path parameter.
func (r RESTRequest) Param(name string) string {
	return r.Params[name]
}

// Bind decodes the body into v.
func (r RESTRequest) Bind(v any) error {
	return decode(r.Body, v)
}

// HasUser reports whether the gateway attached an authenticated user.
func (r RESTRequest) HasUser() bool {
	trimmed := bytes.TrimSpace(r.User)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// BindUser decodes the user into v, failing with PARAM_USER_MISSING when absent.
func (r RESTRequest) BindUser(v any) error {
	if !r.HasUser() {
		return errspkg.New(errspkg.CodeParamUserMissing, "request carries no user")
	}
	return decode(r.User, v)
}

// UserLevel returns the authorization level of the attached user.
func (r RESTRequest) UserLevel() (int, error) {
	var user struct {
		Level int `json:"level"`
	}
	if err := r.BindUser(&user); err != nil {
		return 0, err
	}
	return user.Level, nil
}

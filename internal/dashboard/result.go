package dashboard

import (
	"errors"
	"fmt"
)

// CodeOK and CodeCredentialExpired are the envelope codes with fixed meaning.
// Every other non-zero code is a soft failure.
const (
	CodeOK                = 0
	CodeCredentialExpired = 403
)

// ErrCredentialExpired matches any error signalling that the account's
// session is no longer accepted by the dashboard.
var ErrCredentialExpired = errors.New("dashboard: credentials expired")

// Result is the response envelope returned by every dashboard endpoint.
type Result[T any] struct {
	Code      int    `json:"code"`
	Data      T      `json:"data"`
	Msg       string `json:"msg"`
	RequestID string `json:"request_id,omitempty"`
}

// Ok reports whether the envelope carries data.
func (r *Result[T]) Ok() bool {
	return r.Code == CodeOK
}

// Err converts a failed envelope to an *APIError. It returns nil on success.
func (r *Result[T]) Err(path string) error {
	if r.Ok() {
		return nil
	}
	return &APIError{Path: path, Code: r.Code, Msg: r.Msg, RequestID: r.RequestID}
}

// APIError is a non-zero envelope code.
type APIError struct {
	Path      string
	Code      int
	Msg       string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("dashboard %s: code %d: %s (request %s)", e.Path, e.Code, e.Msg, e.RequestID)
	}
	return fmt.Sprintf("dashboard %s: code %d: %s", e.Path, e.Code, e.Msg)
}

// Is makes errors.Is(err, ErrCredentialExpired) true for the expiry code.
func (e *APIError) Is(target error) bool {
	return target == ErrCredentialExpired && e.Code == CodeCredentialExpired
}

// IsCredentialExpired reports whether err is the credential-expiry sentinel.
func IsCredentialExpired(err error) bool {
	return errors.Is(err, ErrCredentialExpired)
}

package smart

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedState         = errors.New("smart state is missing client_id or api_base")
	ErrIncompatibleState      = errors.New("smart state belongs to a different client registration")
	ErrAuthorizationDenied    = errors.New("authorization denied by provider")
	ErrStateMismatch          = errors.New("callback state does not match the pending authorization")
	ErrMissingCode            = errors.New("callback carries no authorization code")
	ErrNoPendingAuthorization = errors.New("no authorization is in progress")
	ErrTokenExchange          = errors.New("authorization code exchange failed")
	ErrIDTokenInvalid         = errors.New("id_token verification failed")
	ErrDiscovery              = errors.New("smart endpoint discovery failed")
	ErrNotReady               = errors.New("client holds no access token")
)

// CallbackError is a provider reported authorization failure.
type CallbackError struct {
	Code        string
	Description string
}

func (e *CallbackError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider returned %s", e.Code)
	}
	return fmt.Sprintf("provider returned %s: %s", e.Code, e.Description)
}

func (e *CallbackError) Unwrap() error {
	return ErrAuthorizationDenied
}

// ResponseError is a non-2xx answer from the FHIR server.
type ResponseError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

package auth

import (
	"fmt"

	"github.com/jrsteele09/go-smart-fhir-app/internal/errors"
)

var (
	ErrNoPatientData     = fmt.Errorf("%w: no patient data available", errors.ErrNotAuthorized)
	ErrNoSession         = errors.ErrSessionNotFound
	ErrNoAuthorizeURL    = errors.New("no authorization url available")
	ErrInvalidRedirect   = errors.New("invalid redirect url")
	ErrWriteForbidden    = errors.New("fhir server refused the write")
	ErrNoClientAvailable = errors.New("no smart client available for session")
)

// EpicWriteErrorCodes explains the OperationOutcome codes Epic returns when it
// refuses to file an observation.
var EpicWriteErrorCodes = map[string]string{
	"4118":  "User not authorized for request",
	"59187": "No patient-entered flowsheets found",
	"59188": "Failed to find vital-signs flowsheet row",
	"59189": "Failed to file the reading",
}

// Package patient turns raw FHIR resources for the launch patient into the summaries
// served to the client application, and builds the vital signs it writes back.
package patient

import (
	"context"
	"errors"
	"net/url"
)

// Resources is the FHIR access an authorized protocol client provides.
type Resources interface {
	PatientID() string
	Read(ctx context.Context, resourceType, id string) ([]byte, error)
	Search(ctx context.Context, resourceType string, params url.Values) ([][]byte, error)
	Create(ctx context.Context, resourceType string, body []byte) ([]byte, error)
	Update(ctx context.Context, resourceType, id string, body []byte) ([]byte, error)
}

var ErrNoPatient = errors.New("no patient in launch context")

package sessions

import (
	"context"
	"time"
)

// StateObserver receives the serialized protocol state whenever a client changes it.
// The token identifies the owning session so observers hold no per-session context.
type StateObserver interface {
	OnStateChanged(ctx context.Context, token string, state []byte)
}

// ProtocolClient is the SMART-on-FHIR capability a session drives.
type ProtocolClient interface {
	AuthorizeURL(ctx context.Context) (string, error)
	HandleCallback(ctx context.Context, callbackURL string) error
	Ready() bool
	PatientID() string
	AccessToken() string
	RefreshToken() string
	ExpiresIn() time.Duration
	// State is the opaque blob persisted as Record.ProtocolState.
	State() ([]byte, error)
}

// ClientFactory builds protocol clients for a session token.
type ClientFactory[C ProtocolClient] interface {
	// New builds a client from default configuration with seed as its initial state value.
	New(token, seed string, observer StateObserver) (C, error)
	// Rehydrate rebuilds a client from a blob previously returned by State.
	Rehydrate(token string, state []byte, observer StateObserver) (C, error)
}

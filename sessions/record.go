package sessions

import "time"

// DefaultTTL is the lifetime of a session from the moment it is issued.
const DefaultTTL = 2 * time.Hour

// Phase is the derived position of a session in the authorization flow.
type Phase string

const (
	PhaseNew         Phase = "new"
	PhaseAuthorizing Phase = "authorizing"
	PhaseAuthorized  Phase = "authorized"
)

// Record is the persisted state of one session, stored as a flat document keyed by Token.
// ProtocolState is the only authoritative source for rebuilding the protocol client;
// the token fields are a cache.
type Record struct {
	Token          string     `json:"token" bson:"token"`
	SessionID      string     `json:"session_id" bson:"session_id"`
	OAuthState     string     `json:"oauth_state,omitempty" bson:"oauth_state,omitempty"`
	ProtocolState  string     `json:"protocol_state,omitempty" bson:"protocol_state,omitempty"`
	AccessToken    string     `json:"access_token,omitempty" bson:"access_token,omitempty"`
	RefreshToken   string     `json:"refresh_token,omitempty" bson:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty" bson:"token_expires_at,omitempty"`
	PatientID      string     `json:"patient_id,omitempty" bson:"patient_id,omitempty"`
	PatientData    string     `json:"patient_data,omitempty" bson:"patient_data,omitempty"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	LastAccessed   time.Time  `json:"last_accessed" bson:"last_accessed"`
	ExpiresAt      time.Time  `json:"expires_at" bson:"expires_at"`
}

// Expired reports whether the record is past its absolute expiry.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

func (r *Record) Phase() Phase {
	switch {
	case r.AccessToken != "":
		return PhaseAuthorized
	case r.ProtocolState != "":
		return PhaseAuthorizing
	default:
		return PhaseNew
	}
}

// Clear drops everything learned since the session was issued.
func (r *Record) Clear() {
	r.OAuthState = ""
	r.ProtocolState = ""
	r.AccessToken = ""
	r.RefreshToken = ""
	r.TokenExpiresAt = nil
	r.PatientID = ""
	r.PatientData = ""
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.TokenExpiresAt != nil {
		t := *r.TokenExpiresAt
		c.TokenExpiresAt = &t
	}
	return &c
}

// ShortToken is the form of a token that may appear in logs and debug output.
func ShortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

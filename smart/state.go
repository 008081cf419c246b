package smart

import (
	"encoding/json"
	"time"
)

// State is the serialized form of a Client. It never contains the client secret.
type State struct {
	ClientID     string     `json:"client_id"`
	APIBase      string     `json:"api_base"`
	RedirectURI  string     `json:"redirect_uri"`
	Scope        string     `json:"scope"`
	Audience     string     `json:"aud,omitempty"`
	State        string     `json:"state"`
	AuthorizeURI string     `json:"authorize_uri,omitempty"`
	TokenURI     string     `json:"token_uri,omitempty"`
	CodeVerifier string     `json:"code_verifier,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	Expiry       *time.Time `json:"expiry,omitempty"`
	Patient      string     `json:"patient,omitempty"`
	FHIRUser     string     `json:"fhir_user,omitempty"`
	GrantedScope string     `json:"granted_scope,omitempty"`
	IDToken      string     `json:"id_token,omitempty"`
}

func decodeState(blob []byte) (State, error) {
	var st State
	if err := json.Unmarshal(blob, &st); err != nil {
		return State{}, err
	}
	if st.ClientID == "" || st.APIBase == "" {
		return State{}, ErrMalformedState
	}
	return st, nil
}

package smart

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/jrsteele09/go-smart-fhir-app/sessions"
)

// Settings is the client registration used for every session.
type Settings struct {
	ClientID     string
	ClientSecret string
	APIBase      string
	RedirectURL  string
	Scopes       []string
	// Audience defaults to APIBase.
	Audience string
	// AuthorizeURL and TokenURL skip discovery when both are set.
	AuthorizeURL string
	TokenURL     string
}

// Factory builds and rehydrates SMART clients.
type Factory struct {
	settings   Settings
	httpClient *http.Client
	verifier   *oidc.IDTokenVerifier
}

type FactoryOption func(*Factory)

// WithHTTPClient sets the client used for discovery, token and FHIR requests.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) { f.httpClient = c }
}

// WithIDTokenVerifier enables id_token verification on callback.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) FactoryOption {
	return func(f *Factory) { f.verifier = v }
}

var _ sessions.ClientFactory[*Client] = (*Factory)(nil)

func NewFactory(settings Settings, opts ...FactoryOption) *Factory {
	settings.APIBase = strings.TrimSuffix(settings.APIBase, "/")
	if settings.Audience == "" {
		settings.Audience = settings.APIBase
	}
	f := &Factory{
		settings:   settings,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Settings() Settings {
	return f.settings
}

// New returns an unauthorized client whose state value is seed.
func (f *Factory) New(token, seed string, observer sessions.StateObserver) (*Client, error) {
	if f.settings.ClientID == "" || f.settings.APIBase == "" {
		return nil, fmt.Errorf("[smart New] client id and api base are required")
	}
	return f.client(token, observer, State{
		ClientID:     f.settings.ClientID,
		APIBase:      f.settings.APIBase,
		RedirectURI:  f.settings.RedirectURL,
		Scope:        strings.Join(f.settings.Scopes, " "),
		Audience:     f.settings.Audience,
		State:        seed,
		AuthorizeURI: f.settings.AuthorizeURL,
		TokenURI:     f.settings.TokenURL,
	}), nil
}

// Rehydrate rebuilds a client from a blob produced by Client.State.
func (f *Factory) Rehydrate(token string, blob []byte, observer sessions.StateObserver) (*Client, error) {
	st, err := decodeState(blob)
	if err != nil {
		return nil, fmt.Errorf("[smart Rehydrate] %w", err)
	}
	if st.ClientID != f.settings.ClientID {
		return nil, fmt.Errorf("[smart Rehydrate] %w", ErrIncompatibleState)
	}
	return f.client(token, observer, st), nil
}

func (f *Factory) client(token string, observer sessions.StateObserver, st State) *Client {
	return &Client{
		token:      token,
		observer:   observer,
		secret:     f.settings.ClientSecret,
		httpClient: f.httpClient,
		verifier:   f.verifier,
		state:      st,
	}
}

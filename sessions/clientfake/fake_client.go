// Package clientfake provides an in-process protocol client and FHIR server for tests.
package clientfake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jrsteele09/go-smart-fhir-app/sessions"
)

// State is the blob a fake client persists.
type State struct {
	ClientID     string `json:"client_id"`
	State        string `json:"state"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Patient      string `json:"patient,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

var (
	ErrMalformedState = errors.New("malformed fake state")
	ErrDenied         = errors.New("authorization denied")
	ErrStateMismatch  = errors.New("state mismatch")
	ErrNotFound       = errors.New("resource not found")
)

// Factory builds fake clients that share one FHIR server.
type Factory struct {
	FHIR      *FHIR
	PatientID string
	Scope     string
	NewErr    error

	mu      sync.Mutex
	counter int
}

var _ sessions.ClientFactory[*Client] = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{
		FHIR:      NewFHIR(),
		PatientID: "patient-1",
		Scope:     "launch/patient patient/Patient.read patient/Observation.read patient/Observation.write",
	}
}

func (f *Factory) New(token, seed string, observer sessions.StateObserver) (*Client, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	return &Client{factory: f, token: token, observer: observer, state: State{ClientID: "fake-client", State: seed}}, nil
}

func (f *Factory) Rehydrate(token string, blob []byte, observer sessions.StateObserver) (*Client, error) {
	var st State
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedState, err)
	}
	if st.ClientID == "" {
		return nil, ErrMalformedState
	}
	return &Client{factory: f, token: token, observer: observer, state: st, rehydrated: true}, nil
}

func (f *Factory) nextState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	return "fake-state-" + strconv.Itoa(f.counter)
}

// Client is a protocol client that authorizes any code it is given.
type Client struct {
	factory    *Factory
	token      string
	observer   sessions.StateObserver
	state      State
	rehydrated bool
}

func (c *Client) Rehydrated() bool { return c.rehydrated }
func (c *Client) OAuthState() string { return c.state.State }

func (c *Client) AuthorizeURL(ctx context.Context) (string, error) {
	c.state.State = c.factory.nextState()
	c.notify(ctx)
	return "https://auth.test/authorize?state=" + url.QueryEscape(c.state.State), nil
}

func (c *Client) HandleCallback(ctx context.Context, callbackURL string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return err
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return fmt.Errorf("%w: %s", ErrDenied, e)
	}
	if q.Get("state") != c.state.State {
		return ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return errors.New("missing code")
	}
	c.state.AccessToken = "access-" + code
	c.state.RefreshToken = "refresh-" + code
	c.state.ExpiresIn = 3600
	c.state.Patient = c.factory.PatientID
	c.state.Scope = c.factory.Scope
	c.notify(ctx)
	return nil
}

func (c *Client) Ready() bool          { return c.state.AccessToken != "" }
func (c *Client) PatientID() string    { return c.state.Patient }
func (c *Client) AccessToken() string  { return c.state.AccessToken }
func (c *Client) RefreshToken() string { return c.state.RefreshToken }
func (c *Client) GrantedScope() string { return c.state.Scope }

func (c *Client) ExpiresIn() time.Duration {
	return time.Duration(c.state.ExpiresIn) * time.Second
}

func (c *Client) State() ([]byte, error) {
	return json.Marshal(c.state)
}

func (c *Client) Read(_ context.Context, resourceType, id string) ([]byte, error) {
	return c.factory.FHIR.Read(resourceType, id)
}

func (c *Client) Search(_ context.Context, resourceType string, _ url.Values) ([][]byte, error) {
	return c.factory.FHIR.Search(resourceType)
}

func (c *Client) Create(_ context.Context, resourceType string, body []byte) ([]byte, error) {
	return c.factory.FHIR.Create(resourceType, body)
}

func (c *Client) Update(_ context.Context, resourceType, id string, body []byte) ([]byte, error) {
	return c.factory.FHIR.Put(resourceType, id, body)
}

func (c *Client) notify(ctx context.Context) {
	if c.observer == nil {
		return
	}
	blob, err := c.State()
	if err != nil {
		return
	}
	c.observer.OnStateChanged(ctx, c.token, blob)
}

// FHIR is a map backed resource server.
type FHIR struct {
	mu        sync.Mutex
	resources map[string]map[string][]byte
	// Errors fails every call for a resource type.
	Errors map[string]error
	nextID int
}

func NewFHIR() *FHIR {
	return &FHIR{resources: map[string]map[string][]byte{}, Errors: map[string]error{}}
}

func (f *FHIR) Put(resourceType, id string, body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors[resourceType]; err != nil {
		return nil, err
	}
	if f.resources[resourceType] == nil {
		f.resources[resourceType] = map[string][]byte{}
	}
	f.resources[resourceType][id] = append([]byte(nil), body...)
	return body, nil
}

func (f *FHIR) Read(resourceType, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors[resourceType]; err != nil {
		return nil, err
	}
	body, ok := f.resources[resourceType][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	return body, nil
}

func (f *FHIR) Search(resourceType string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors[resourceType]; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(f.resources[resourceType]))
	for id := range f.resources[resourceType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.resources[resourceType][id])
	}
	return out, nil
}

func (f *FHIR) Create(resourceType string, body []byte) ([]byte, error) {
	f.mu.Lock()
	f.nextID++
	id := "created-" + strconv.Itoa(f.nextID)
	f.mu.Unlock()

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	doc["id"] = id
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return f.Put(resourceType, id, out)
}

package smart_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-smart-fhir-app/smart"
)

const (
	testClientID = "test-app"
	goodCode     = "good-code"
)

// recordingObserver keeps the last state reported for each token.
type recordingObserver struct {
	mu     sync.Mutex
	states map[string][]byte
	calls  int
}

func (o *recordingObserver) OnStateChanged(_ context.Context, token string, state []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states == nil {
		o.states = map[string][]byte{}
	}
	o.states[token] = append([]byte(nil), state...)
	o.calls++
}

func (o *recordingObserver) last(token string) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[token]
}

type fakeEpic struct {
	t          *testing.T
	server     *httptest.Server
	signingKey *rsa.PrivateKey

	mu            sync.Mutex
	wellKnown     bool
	tokenRequests []url.Values
	accessTokens  int
	expiresIn     int
	lastAuth      string
}

func newFakeEpic(t *testing.T) *fakeEpic {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeEpic{t: t, signingKey: key, wellKnown: true, expiresIn: 3600}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/FHIR/R4/.well-known/smart-configuration", f.smartConfiguration)
	mux.HandleFunc("GET /api/FHIR/R4/metadata", f.metadata)
	mux.HandleFunc("POST /oauth2/token", f.token)
	mux.HandleFunc("GET /api/FHIR/R4/Patient/{id}", f.patient)
	mux.HandleFunc("GET /api/FHIR/R4/Observation", f.observations)
	mux.HandleFunc("POST /api/FHIR/R4/Observation", f.createObservation)
	mux.HandleFunc("PUT /api/FHIR/R4/Observation/{id}", f.updateObservation)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeEpic) apiBase() string { return f.server.URL + "/api/FHIR/R4" }

func (f *fakeEpic) smartConfiguration(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	enabled := f.wellKnown
	f.mu.Unlock()
	if !enabled {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authorization_endpoint": f.server.URL + "/oauth2/authorize",
		"token_endpoint":         f.server.URL + "/oauth2/token",
	})
}

func (f *fakeEpic) metadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resourceType": "CapabilityStatement",
		"rest": []any{map[string]any{
			"security": map[string]any{
				"extension": []any{map[string]any{
					"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
					"extension": []any{
						map[string]any{"url": "authorize", "valueUri": f.server.URL + "/meta/authorize"},
						map[string]any{"url": "token", "valueUri": f.server.URL + "/oauth2/token"},
					},
				}},
			},
		}},
	})
}

func (f *fakeEpic) token(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.tokenRequests = append(f.tokenRequests, r.PostForm)
	f.accessTokens++
	n := f.accessTokens
	expiresIn := f.expiresIn
	f.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != goodCode || r.PostForm.Get("code_verifier") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-" + strconv.Itoa(n),
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    expiresIn,
			"scope":         "launch/patient patient/Patient.read patient/Observation.write",
			"patient":       "erXuFYUfucBZaryVksYEcMg3",
			"id_token":      f.idToken(),
		})
	case "refresh_token":
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "refreshed-" + strconv.Itoa(n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
	}
}

func (f *fakeEpic) idToken() string {
	now := time.Now()
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, jwtlib.MapClaims{
		"iss":      f.server.URL,
		"aud":      testClientID,
		"sub":      "practitioner-1",
		"fhirUser": f.apiBase() + "/Practitioner/practitioner-1",
		"iat":      now.Unix(),
		"exp":      now.Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(f.signingKey)
	require.NoError(f.t, err)
	return signed
}

func (f *fakeEpic) authorized(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	f.lastAuth = r.Header.Get("Authorization")
	f.mu.Unlock()
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"resourceType": "OperationOutcome"})
		return false
	}
	return true
}

func (f *fakeEpic) patient(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resourceType": "Patient", "id": r.PathValue("id"), "gender": "female"})
}

func (f *fakeEpic) observations(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	if r.URL.Query().Get("page") == "2" {
		writeJSON(w, http.StatusOK, map[string]any{
			"resourceType": "Bundle",
			"entry":        []any{map[string]any{"resource": map[string]any{"resourceType": "Observation", "id": "obs-3"}}},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resourceType": "Bundle",
		"link":         []any{map[string]any{"relation": "next", "url": f.apiBase() + "/Observation?page=2"}},
		"entry": []any{
			map[string]any{"resource": map[string]any{"resourceType": "Observation", "id": "obs-1"}},
			map[string]any{"resource": map[string]any{"resourceType": "OperationOutcome", "id": "warning"}},
			map[string]any{"resource": map[string]any{"resourceType": "Observation", "id": "obs-2"}},
		},
	})
}

func (f *fakeEpic) createObservation(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	w.Header().Set("Location", f.apiBase()+"/Observation/new-obs/_history/1")
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeEpic) updateObservation(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	writeJSON(w, http.StatusForbidden, map[string]any{"resourceType": "OperationOutcome", "issue": []any{map[string]any{"code": "forbidden"}}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type clientFixture struct {
	ctx      context.Context
	epic     *fakeEpic
	factory  *smart.Factory
	observer *recordingObserver
}

func setupClient(t *testing.T, opts ...smart.FactoryOption) *clientFixture {
	t.Helper()
	epic := newFakeEpic(t)
	opts = append([]smart.FactoryOption{smart.WithHTTPClient(epic.server.Client())}, opts...)
	factory := smart.NewFactory(smart.Settings{
		ClientID:    testClientID,
		APIBase:     epic.apiBase() + "/",
		RedirectURL: "http://localhost:8000/fhir-app/",
		Scopes:      []string{"launch/patient", "openid", "fhirUser"},
	}, opts...)
	return &clientFixture{
		ctx:      context.Background(),
		epic:     epic,
		factory:  factory,
		observer: &recordingObserver{},
	}
}

// authorize runs the redirect round trip and returns the authorized client.
func (f *clientFixture) authorize(t *testing.T, token string) *smart.Client {
	t.Helper()
	client, err := f.factory.New(token, "sid|"+token, f.observer)
	require.NoError(t, err)

	authURL, err := client.AuthorizeURL(f.ctx)
	require.NoError(t, err)
	state := mustParse(t, authURL).Query().Get("state")

	require.NoError(t, client.HandleCallback(f.ctx, callbackURL(state, goodCode)))
	return client
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func callbackURL(state, code string) string {
	q := url.Values{}
	q.Set("state", state)
	if code != "" {
		q.Set("code", code)
	}
	return "http://localhost:8000/fhir-app/?" + q.Encode()
}

func TestNewClientCarriesSeed(t *testing.T) {
	f := setupClient(t)

	client, err := f.factory.New("tok", "sid-1|tok", f.observer)
	require.NoError(t, err)
	require.False(t, client.Ready())
	require.Equal(t, "sid-1|tok", client.OAuthState())

	blob, err := client.State()
	require.NoError(t, err)
	var st smart.State
	require.NoError(t, json.Unmarshal(blob, &st))
	require.Equal(t, "sid-1|tok", st.State)
	require.Equal(t, f.epic.apiBase(), st.APIBase)
	require.NotContains(t, string(blob), "secret")
}

func TestNewRequiresRegistration(t *testing.T) {
	_, err := smart.NewFactory(smart.Settings{}).New("tok", "seed", nil)
	require.Error(t, err)
}

func TestAuthorizeURL(t *testing.T) {
	f := setupClient(t)
	client, err := f.factory.New("tok", "sid|tok", f.observer)
	require.NoError(t, err)

	authURL, err := client.AuthorizeURL(f.ctx)
	require.NoError(t, err)

	u := mustParse(t, authURL)
	q := u.Query()
	require.Equal(t, f.epic.server.URL+"/oauth2/authorize", u.Scheme+"://"+u.Host+u.Path)
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, testClientID, q.Get("client_id"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.Equal(t, f.epic.apiBase(), q.Get("aud"))
	require.Equal(t, "launch/patient openid fhirUser", q.Get("scope"))
	require.NotEqual(t, "sid|tok", q.Get("state"))
	require.Equal(t, q.Get("state"), client.OAuthState())

	var st smart.State
	require.NoError(t, json.Unmarshal(f.observer.last("tok"), &st))
	require.Equal(t, q.Get("state"), st.State)
	require.NotEmpty(t, st.CodeVerifier)
	require.Equal(t, f.epic.server.URL+"/oauth2/token", st.TokenURI)
}

func TestAuthorizeURLFallsBackToMetadata(t *testing.T) {
	f := setupClient(t)
	f.epic.wellKnown = false
	client, err := f.factory.New("tok", "seed", f.observer)
	require.NoError(t, err)

	authURL, err := client.AuthorizeURL(f.ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(authURL, f.epic.server.URL+"/meta/authorize?"))
}

func TestAuthorizeURLDiscoveryFailure(t *testing.T) {
	factory := smart.NewFactory(smart.Settings{ClientID: testClientID, APIBase: "http://127.0.0.1:1/fhir"})
	client, err := factory.New("tok", "seed", nil)
	require.NoError(t, err)

	_, err = client.AuthorizeURL(context.Background())
	require.ErrorIs(t, err, smart.ErrDiscovery)
}

func TestHandleCallback(t *testing.T) {
	f := setupClient(t)
	client := f.authorize(t, "tok")

	require.True(t, client.Ready())
	require.Equal(t, "erXuFYUfucBZaryVksYEcMg3", client.PatientID())
	require.NotEmpty(t, client.AccessToken())
	require.Equal(t, "refresh-1", client.RefreshToken())
	require.InDelta(t, time.Hour.Seconds(), client.ExpiresIn().Seconds(), 5)
	require.Contains(t, client.GrantedScope(), "patient/Observation.write")

	form := f.epic.tokenRequests[0]
	require.Equal(t, "authorization_code", form.Get("grant_type"))
	require.Equal(t, testClientID, form.Get("client_id"))
	require.Equal(t, "http://localhost:8000/fhir-app/", form.Get("redirect_uri"))

	var st smart.State
	require.NoError(t, json.Unmarshal(f.observer.last("tok"), &st))
	require.Empty(t, st.CodeVerifier)
	require.Equal(t, client.AccessToken(), st.AccessToken)
}

func TestHandleCallbackFailures(t *testing.T) {
	f := setupClient(t)
	client, err := f.factory.New("tok", "seed", f.observer)
	require.NoError(t, err)

	require.ErrorIs(t, client.HandleCallback(f.ctx, callbackURL("seed", goodCode)), smart.ErrNoPendingAuthorization)

	authURL, err := client.AuthorizeURL(f.ctx)
	require.NoError(t, err)
	state := mustParse(t, authURL).Query().Get("state")

	err = client.HandleCallback(f.ctx, "http://localhost/fhir-app/?error=access_denied&error_description=User+declined&state="+state)
	var cbErr *smart.CallbackError
	require.True(t, errors.As(err, &cbErr))
	require.Equal(t, "access_denied", cbErr.Code)
	require.ErrorIs(t, err, smart.ErrAuthorizationDenied)

	require.ErrorIs(t, client.HandleCallback(f.ctx, callbackURL("other", goodCode)), smart.ErrStateMismatch)
	require.ErrorIs(t, client.HandleCallback(f.ctx, callbackURL(state, "")), smart.ErrMissingCode)
	require.ErrorIs(t, client.HandleCallback(f.ctx, callbackURL(state, "bad-code")), smart.ErrTokenExchange)
	require.False(t, client.Ready())

	// A failed attempt can still be completed
	require.NoError(t, client.HandleCallback(f.ctx, callbackURL(state, goodCode)))
	require.True(t, client.Ready())
}

func TestHandleCallbackVerifiesIDToken(t *testing.T) {
	f := setupClient(t)
	verifier := oidc.NewVerifier(f.epic.server.URL, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&f.epic.signingKey.PublicKey}},
		&oidc.Config{ClientID: testClientID})
	f.factory = smart.NewFactory(f.factory.Settings(), smart.WithHTTPClient(f.epic.server.Client()), smart.WithIDTokenVerifier(verifier))

	client := f.authorize(t, "tok")
	require.Equal(t, f.epic.apiBase()+"/Practitioner/practitioner-1", client.FHIRUser())

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	wrong := oidc.NewVerifier(f.epic.server.URL, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&other.PublicKey}},
		&oidc.Config{ClientID: testClientID})
	f.factory = smart.NewFactory(f.factory.Settings(), smart.WithHTTPClient(f.epic.server.Client()), smart.WithIDTokenVerifier(wrong))

	c, err := f.factory.New("tok2", "seed", f.observer)
	require.NoError(t, err)
	authURL, err := c.AuthorizeURL(f.ctx)
	require.NoError(t, err)
	err = c.HandleCallback(f.ctx, callbackURL(mustParse(t, authURL).Query().Get("state"), goodCode))
	require.ErrorIs(t, err, smart.ErrIDTokenInvalid)
	require.False(t, c.Ready())
}

func TestRehydrateRoundTrip(t *testing.T) {
	f := setupClient(t)
	client := f.authorize(t, "tok")

	again, err := f.factory.Rehydrate("tok", f.observer.last("tok"), f.observer)
	require.NoError(t, err)
	require.True(t, again.Ready())
	require.Equal(t, client.PatientID(), again.PatientID())
	require.Equal(t, client.AccessToken(), again.AccessToken())
	require.Equal(t, client.OAuthState(), again.OAuthState())
}

func TestRehydrateRejectsBadState(t *testing.T) {
	f := setupClient(t)

	for name, blob := range map[string]string{
		"not json":        `{{`,
		"no client id":    `{"api_base":"http://x"}`,
		"no api base":     `{"client_id":"test-app"}`,
		"other client":    `{"client_id":"someone-else","api_base":"http://x"}`,
		"wrong json type": `[]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.factory.Rehydrate("tok", []byte(blob), f.observer)
			require.Error(t, err)
		})
	}
}

func TestResources(t *testing.T) {
	f := setupClient(t)
	client := f.authorize(t, "tok")

	patient, err := client.Read(f.ctx, "Patient", "p1")
	require.NoError(t, err)
	require.JSONEq(t, `{"resourceType":"Patient","id":"p1","gender":"female"}`, string(patient))
	require.Equal(t, "Bearer "+client.AccessToken(), f.epic.lastAuth)

	observations, err := client.Search(f.ctx, "Observation", url.Values{"patient": {"p1"}, "_count": {"50"}})
	require.NoError(t, err)
	require.Len(t, observations, 3)
	require.Contains(t, string(observations[2]), "obs-3")

	created, err := client.Create(f.ctx, "Observation", []byte(`{"resourceType":"Observation"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"resourceType":"Observation","id":"new-obs"}`, string(created))

	_, err = client.Update(f.ctx, "Observation", "obs-1", []byte(`{"resourceType":"Observation","id":"obs-1"}`))
	var respErr *smart.ResponseError
	require.True(t, errors.As(err, &respErr))
	require.Equal(t, http.StatusForbidden, respErr.StatusCode)
	require.Contains(t, string(respErr.Body), "forbidden")
}

func TestResourcesRequireAuthorization(t *testing.T) {
	f := setupClient(t)
	client, err := f.factory.New("tok", "seed", f.observer)
	require.NoError(t, err)

	_, err = client.Read(f.ctx, "Patient", "p1")
	require.ErrorIs(t, err, smart.ErrNotReady)
}

func TestExpiredAccessTokenIsRefreshedAndPersisted(t *testing.T) {
	f := setupClient(t)
	f.epic.expiresIn = 1
	client := f.authorize(t, "tok")
	calls := f.observer.calls

	// Tokens within ten seconds of expiry are refreshed before use
	_, err := client.Read(f.ctx, "Patient", "p1")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(client.AccessToken(), "refreshed-"))
	require.Equal(t, "refresh-1", client.RefreshToken())
	require.Equal(t, "Bearer "+client.AccessToken(), f.epic.lastAuth)
	require.Greater(t, f.observer.calls, calls)

	var st smart.State
	require.NoError(t, json.Unmarshal(f.observer.last("tok"), &st))
	require.Equal(t, client.AccessToken(), st.AccessToken)
	require.Equal(t, "refresh_token", f.epic.tokenRequests[len(f.epic.tokenRequests)-1].Get("grant_type"))
}

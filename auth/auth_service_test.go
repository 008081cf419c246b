package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-smart-fhir-app/auth"
	errs "github.com/jrsteele09/go-smart-fhir-app/internal/errors"
	"github.com/jrsteele09/go-smart-fhir-app/patient"
	"github.com/jrsteele09/go-smart-fhir-app/sessions"
	"github.com/jrsteele09/go-smart-fhir-app/sessions/clientfake"
	"github.com/jrsteele09/go-smart-fhir-app/sessions/storetest"
	"github.com/jrsteele09/go-smart-fhir-app/smart"
)

const (
	testClientRedirect = "http://localhost:3000/"
	testCallbackBase   = "http://localhost:8000/fhir-app/"
	testPatientID      = "patient-1"
)

// testFixture holds all test dependencies
type testFixture struct {
	ctx     context.Context
	clock   *storetest.Clock
	store   *sessions.InMemoryStore
	factory *clientfake.Factory
	manager *sessions.Manager[*clientfake.Client]
	service *auth.AuthorizationService[*clientfake.Client]
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	clock := storetest.InstallClock(t)
	store := sessions.NewInMemoryStore()
	factory := clientfake.NewFactory()
	manager := sessions.NewManager[*clientfake.Client](store, factory, sessions.Options{SessionTTL: time.Hour, MaxSessions: 100})

	service, err := auth.NewAuthorizationService(manager, testClientRedirect)
	require.NoError(t, err)

	f := &testFixture{
		ctx:     context.Background(),
		clock:   clock,
		store:   store,
		factory: factory,
		manager: manager,
		service: service,
	}
	f.seedPatient(t)
	return f
}

func (f *testFixture) seedPatient(t *testing.T) {
	t.Helper()
	put := func(resourceType, id, body string) {
		_, err := f.factory.FHIR.Put(resourceType, id, []byte(body))
		require.NoError(t, err)
	}
	put("Patient", testPatientID, `{"resourceType":"Patient","id":"patient-1","name":[{"text":"Camila Lopez"}],"gender":"female","birthDate":"1987-09-12"}`)
	put("MedicationRequest", "rx-1", `{"status":"active","medicationCodeableConcept":{"text":"Metformin"}}`)
	put("Condition", "cond-1", `{"code":{"text":"Diabetes"}}`)
	put("Condition", "cond-2", `{"code":{"text":"Hypertension"}}`)
}

// authorize runs the full launch and returns the session token.
func (f *testFixture) authorize(t *testing.T) string {
	t.Helper()
	start, err := f.service.BeginAuthorization(f.ctx)
	require.NoError(t, err)
	result := f.service.CompleteCallback(f.ctx, callbackURL(start.State, "good-code"), start.Token)
	require.NoError(t, result.Err)
	return start.Token
}

func callbackURL(state, code string) string {
	return testCallbackBase + "?" + url.Values{"state": {state}, "code": {code}}.Encode()
}

func decodeRedirect(t *testing.T, redirect, param string, into any) {
	t.Helper()
	require.True(t, strings.HasPrefix(redirect, testClientRedirect+"?"+param+"="), redirect)
	require.NotContains(t, redirect, "+")
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(u.Query().Get(param)), into))
}

func TestNewAuthorizationService_Validation(t *testing.T) {
	manager := sessions.NewManager[*clientfake.Client](sessions.NewInMemoryStore(), clientfake.NewFactory(), sessions.Options{})

	_, err := auth.NewAuthorizationService[*clientfake.Client](nil, testClientRedirect)
	require.Error(t, err)

	_, err = auth.NewAuthorizationService(manager, "/relative")
	require.ErrorIs(t, err, auth.ErrInvalidRedirect)

	_, err = auth.NewAuthorizationService(manager, "ftp://example.com/")
	require.ErrorIs(t, err, auth.ErrInvalidRedirect)
}

func TestBeginAuthorization(t *testing.T) {
	f := setupTestFixture(t)

	start, err := f.service.BeginAuthorization(f.ctx)
	require.NoError(t, err)
	require.NotEmpty(t, start.Token)
	require.Equal(t, "fake-state-1", start.State)
	require.Contains(t, start.AuthURL, "state=fake-state-1")

	record, found, err := f.store.Get(f.ctx, start.Token)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "fake-state-1", record.OAuthState)
	require.Equal(t, sessions.PhaseAuthorizing, record.Phase())
}

func TestBeginAuthorization_ClientFailure(t *testing.T) {
	f := setupTestFixture(t)
	f.factory.NewErr = errors.New("registration missing")

	_, err := f.service.BeginAuthorization(f.ctx)
	require.ErrorIs(t, err, auth.ErrNoClientAvailable)
}

func TestCompleteCallback_WithSessionToken(t *testing.T) {
	f := setupTestFixture(t)
	start, err := f.service.BeginAuthorization(f.ctx)
	require.NoError(t, err)

	result := f.service.CompleteCallback(f.ctx, callbackURL(start.State, "good-code"), "", start.Token)
	require.NoError(t, result.Err)
	require.Equal(t, start.Token, result.Token)

	var summary auth.CallbackSummary
	decodeRedirect(t, result.RedirectURL, "data", &summary)
	require.Equal(t, auth.CallbackSummary{
		Success:          true,
		PatientID:        testPatientID,
		Name:             "Camila Lopez",
		Gender:           "female",
		BirthDate:        "September 12, 1987",
		MedicationsCount: 1,
		ConditionsCount:  2,
		SessionToken:     start.Token,
	}, summary)

	record, found, err := f.store.Get(f.ctx, start.Token)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "access-good-code", record.AccessToken)
	require.Equal(t, "refresh-good-code", record.RefreshToken)
	require.NotNil(t, record.TokenExpiresAt)
	require.True(t, record.TokenExpiresAt.Equal(storetest.Epoch.Add(time.Hour)))
	require.Equal(t, testPatientID, record.PatientID)
	require.Contains(t, record.PatientData, "Camila Lopez")
	require.Equal(t, sessions.PhaseAuthorized, record.Phase())
}

func TestCompleteCallback_RecoversSessionFromState(t *testing.T) {
	f := setupTestFixture(t)
	start, err := f.service.BeginAuthorization(f.ctx)
	require.NoError(t, err)

	// The browser lost its cookie on the way back from the provider.
	result := f.service.CompleteCallback(f.ctx, callbackURL(start.State, "good-code"), "stale-token")
	require.NoError(t, result.Err)
	require.Equal(t, start.Token, result.Token)

	status := f.service.Status(f.ctx, start.Token)
	require.True(t, status.Authenticated)
	require.Equal(t, testPatientID, status.PatientID)
}

func TestCompleteCallback_UnknownState(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.service.BeginAuthorization(f.ctx)
	require.NoError(t, err)

	result := f.service.CompleteCallback(f.ctx, callbackURL("forged-state", "good-code"))
	require.ErrorIs(t, result.Err, errs.ErrOAuthStateRecoveryFailed)
	require.Empty(t, result.Token)

	var failure struct {
		Success      bool   `json:"success"`
		Error        string `json:"error"`
		SessionToken string `json:"session_token"`
	}
	decodeRedirect(t, result.RedirectURL, "error", &failure)
	require.False(t, failure.Success)
	require.Equal(t, "Invalid session state - please restart the authorization flow", failure.Error)
	require.Empty(t, failure.SessionToken)
}

func TestCompleteCallback_NoStateNoToken(t *testing.T) {
	f := setupTestFixture(t)

	result := f.service.CompleteCallback(f.ctx, testCallbackBase+"?code=good-code")
	require.ErrorIs(t, result.Err, errs.ErrOAuthStateRecoveryFailed)
}

func TestCompleteCallback_ProviderFailureKeepsSession(t *testing.T) {
	f := setupTestFixture(t)
	start, err := f.service.BeginAuthorization(f.ctx)
	require.NoError(t, err)

	denied := testCallbackBase + "?" + url.Values{"state": {start.State}, "error": {"access_denied"}}.Encode()
	result := f.service.CompleteCallback(f.ctx, denied, start.Token)
	require.ErrorIs(t, result.Err, errs.ErrCallbackProcessingFailed)
	require.ErrorIs(t, result.Err, clientfake.ErrDenied)
	require.Equal(t, start.Token, result.Token)

	var failure struct {
		Error        string `json:"error"`
		SessionToken string `json:"session_token"`
	}
	decodeRedirect(t, result.RedirectURL, "error", &failure)
	require.Contains(t, failure.Error, "access_denied")
	require.Equal(t, start.Token, failure.SessionToken)

	record, found, err := f.store.Get(f.ctx, start.Token)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sessions.PhaseAuthorizing, record.Phase())

	// A retry with a good code can still complete on the same session.
	result = f.service.CompleteCallback(f.ctx, callbackURL(start.State, "good-code"), start.Token)
	require.NoError(t, result.Err)
}

func TestCompleteCallback_NoPatientContext(t *testing.T) {
	f := setupTestFixture(t)
	f.factory.PatientID = ""
	start, err := f.service.BeginAuthorization(f.ctx)
	require.NoError(t, err)

	result := f.service.CompleteCallback(f.ctx, callbackURL(start.State, "good-code"), start.Token)
	require.ErrorIs(t, result.Err, auth.ErrNoPatientData)

	var failure struct {
		Error string `json:"error"`
	}
	decodeRedirect(t, result.RedirectURL, "error", &failure)
	require.Equal(t, "No patient data available", failure.Error)
}

func TestCompleteCallback_UsesChangedRedirectURL(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.service.SetClientRedirectURL("https://app.example.com/landing?tab=summary")
	require.NoError(t, err)

	result := f.service.CompleteCallback(f.ctx, callbackURL("forged-state", "good-code"))
	require.True(t, strings.HasPrefix(result.RedirectURL, "https://app.example.com/landing?tab=summary&error="), result.RedirectURL)
}

func TestStatus(t *testing.T) {
	f := setupTestFixture(t)

	token, err := f.service.ResolveToken(f.ctx)
	require.NoError(t, err)
	require.Equal(t, auth.Status{}, f.service.Status(f.ctx, token))
	require.Equal(t, auth.Status{}, f.service.Status(f.ctx, "unknown"))

	token = f.authorize(t)
	require.Equal(t, auth.Status{Authenticated: true, PatientID: testPatientID}, f.service.Status(f.ctx, token))
}

func TestResolveToken(t *testing.T) {
	f := setupTestFixture(t)
	token := f.authorize(t)

	resolved, err := f.service.ResolveToken(f.ctx, "", "unknown", token)
	require.NoError(t, err)
	require.Equal(t, token, resolved)

	fresh, err := f.service.ResolveToken(f.ctx, "unknown")
	require.NoError(t, err)
	require.NotEqual(t, token, fresh)
	require.Equal(t, sessions.KindMemory, f.service.StoreKind())
}

func TestPatientData(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.service.PatientData(f.ctx, "unknown")
	require.ErrorIs(t, err, auth.ErrNoPatientData)

	token := f.authorize(t)
	summary, err := f.service.PatientData(f.ctx, token)
	require.NoError(t, err)
	require.Equal(t, "Camila Lopez", summary.Demographics.Name)
	require.ElementsMatch(t, []string{"Diabetes (Status: Unknown, Onset: Unknown)", "Hypertension (Status: Unknown, Onset: Unknown)"}, summary.Conditions)
}

func TestObservations(t *testing.T) {
	f := setupTestFixture(t)
	token := f.authorize(t)

	id, err := f.service.CreateObservation(f.ctx, token, patient.ObservationInput{Type: "heart_rate", Value: 64.0})
	require.NoError(t, err)

	observations, err := f.service.Observations(f.ctx, token)
	require.NoError(t, err)
	require.Len(t, observations, 1)
	require.Equal(t, id, observations[0].ID)
	require.Equal(t, "Heart rate", observations[0].Name)
	require.Equal(t, "64", observations[0].Value)

	used, err := f.service.UpdateObservation(f.ctx, token, id, patient.ObservationUpdate{Value: "66"})
	require.NoError(t, err)
	require.Equal(t, patient.ObservationUpdate{Value: "66", Unit: "Cel"}, used)

	observations, err = f.service.Observations(f.ctx, token)
	require.NoError(t, err)
	require.Equal(t, "66", observations[0].Value)
}

func TestCreateObservation_Forbidden(t *testing.T) {
	f := setupTestFixture(t)
	token := f.authorize(t)
	f.factory.FHIR.Errors["Observation"] = &smart.ResponseError{Method: "POST", URL: "Observation", StatusCode: 403}

	_, err := f.service.CreateObservation(f.ctx, token, patient.ObservationInput{})
	require.ErrorIs(t, err, auth.ErrWriteForbidden)

	f.factory.FHIR.Errors["Observation"] = &smart.ResponseError{Method: "POST", URL: "Observation", StatusCode: 500}
	_, err = f.service.CreateObservation(f.ctx, token, patient.ObservationInput{})
	require.Error(t, err)
	require.NotErrorIs(t, err, auth.ErrWriteForbidden)
}

func TestObservations_RequireAuthorizedSession(t *testing.T) {
	f := setupTestFixture(t)
	token, err := f.service.ResolveToken(f.ctx)
	require.NoError(t, err)

	_, err = f.service.Observations(f.ctx, token)
	require.ErrorIs(t, err, auth.ErrNoPatientData)
	_, err = f.service.CreateObservation(f.ctx, token, patient.ObservationInput{})
	require.ErrorIs(t, err, auth.ErrNoPatientData)
	_, err = f.service.UpdateObservation(f.ctx, token, "obs-1", patient.ObservationUpdate{})
	require.ErrorIs(t, err, auth.ErrNoPatientData)
	require.ErrorIs(t, err, errs.ErrNotAuthorized)
}

func TestPermissions(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.service.Permissions(f.ctx, "unknown")
	require.ErrorIs(t, err, auth.ErrNoSession)
	require.ErrorIs(t, err, errs.ErrSessionNotFound)

	token := f.authorize(t)
	perms, err := f.service.Permissions(f.ctx, token)
	require.NoError(t, err)
	require.Equal(t, strings.Fields(f.factory.Scope), perms.GrantedScopes)
	require.True(t, perms.CanReadObservations)
	require.True(t, perms.CanWriteObservations)
	require.False(t, perms.CanCreateObservations)
	require.True(t, perms.HasPatientContext)
	require.False(t, perms.HasUserContext)
	require.Equal(t, testPatientID, perms.PatientID)
	require.Contains(t, perms.EpicRequirements.LOINCCodesSupported, "8310-5")
}

func TestResetAndLogout(t *testing.T) {
	f := setupTestFixture(t)
	token := f.authorize(t)

	require.True(t, f.service.Reset(f.ctx, token))
	require.False(t, f.service.Status(f.ctx, token).Authenticated)
	record, found, err := f.store.Get(f.ctx, token)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sessions.PhaseNew, record.Phase())

	require.True(t, f.service.Logout(f.ctx, token))
	require.False(t, f.service.Logout(f.ctx, token))
	require.False(t, f.service.Reset(f.ctx, token))
}

func TestListSessionsAndCleanup(t *testing.T) {
	f := setupTestFixture(t)
	authorized := f.authorize(t)

	f.clock.Advance(45 * time.Minute)
	fresh, err := f.service.ResolveToken(f.ctx)
	require.NoError(t, err)

	listing, err := f.service.ListSessions(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, listing.ActiveSessionsCount)
	require.Equal(t, 100, listing.MaxSessions)
	require.Equal(t, sessions.KindMemory, listing.StorageType)

	info, ok := listing.Sessions[sessions.ShortToken(authorized)]
	require.True(t, ok)
	require.True(t, info.HasPatient)
	require.True(t, info.HasTokens)
	require.Equal(t, string(sessions.PhaseAuthorized), info.Phase)
	for key := range listing.Sessions {
		require.True(t, strings.HasSuffix(key, "..."), key)
	}

	f.clock.Advance(30 * time.Minute)
	result, err := f.service.Cleanup(f.ctx)
	require.NoError(t, err)
	require.Equal(t, &auth.CleanupResult{SessionsBefore: 1, SessionsAfter: 1, SessionsRemoved: 1}, result)

	_, found, err := f.store.Get(f.ctx, fresh)
	require.NoError(t, err)
	require.True(t, found)
}

func TestSetClientRedirectURL(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.service.SetClientRedirectURL("not a url")
	require.ErrorIs(t, err, auth.ErrInvalidRedirect)
	require.Equal(t, testClientRedirect, f.service.ClientRedirectURL())

	got, err := f.service.SetClientRedirectURL(" https://app.example.com/ ")
	require.NoError(t, err)
	require.Equal(t, "https://app.example.com/", got)
	require.Equal(t, "https://app.example.com/", f.service.ClientRedirectURL())
}

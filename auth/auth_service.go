// Package auth drives the SMART launch for browser sessions: it issues sessions,
// completes the provider callback and serves the patient data of authorized sessions.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-smart-fhir-app/internal/errors"
	"github.com/jrsteele09/go-smart-fhir-app/patient"
	"github.com/jrsteele09/go-smart-fhir-app/sessions"
	"github.com/jrsteele09/go-smart-fhir-app/smart"
)

// Client is a protocol client that can also reach the patient's FHIR resources.
type Client interface {
	sessions.ProtocolClient
	patient.Resources
	GrantedScope() string
}

// AuthorizationService ties the session manager to the patient data service.
type AuthorizationService[C Client] struct {
	sessions *sessions.Manager[C]
	patients *patient.Service

	redirectMu        sync.RWMutex
	clientRedirectURL string
}

// AuthorizationServiceOption defines a function type to modify the AuthorizationService instance.
type AuthorizationServiceOption[C Client] func(*AuthorizationService[C])

// WithPatientService replaces the default patient data service.
func WithPatientService[C Client](p *patient.Service) AuthorizationServiceOption[C] {
	return func(as *AuthorizationService[C]) {
		as.patients = p
	}
}

// NewAuthorizationService builds the service. clientRedirectURL is where the browser
// lands after the provider callback and must be an absolute http(s) URL.
func NewAuthorizationService[C Client](
	manager *sessions.Manager[C],
	clientRedirectURL string,
	options ...AuthorizationServiceOption[C],
) (*AuthorizationService[C], error) {
	if manager == nil {
		return nil, errors.New("[NewAuthorizationService] session manager is required")
	}
	redirect, err := validateRedirectURL(clientRedirectURL)
	if err != nil {
		return nil, fmt.Errorf("[NewAuthorizationService] %w", err)
	}

	as := &AuthorizationService[C]{
		sessions:          manager,
		patients:          patient.NewService(),
		clientRedirectURL: redirect,
	}
	for _, opt := range options {
		opt(as)
	}
	return as, nil
}

// ResolveToken picks the first live candidate token or issues a new session.
func (as *AuthorizationService[C]) ResolveToken(ctx context.Context, candidates ...string) (string, error) {
	token, _, err := as.sessions.ResolveToken(ctx, candidates...)
	if err != nil {
		return "", fmt.Errorf("[auth ResolveToken] %w", err)
	}
	return token, nil
}

// LiveToken returns the first candidate that names a live session without issuing one.
func (as *AuthorizationService[C]) LiveToken(ctx context.Context, candidates ...string) (string, bool) {
	return as.sessions.Lookup(ctx, candidates...)
}

// StoreKind names the session backend in use.
func (as *AuthorizationService[C]) StoreKind() string {
	return as.sessions.StoreKind()
}

type Status struct {
	Authenticated bool   `json:"authenticated"`
	PatientID     string `json:"patient_id,omitempty"`
}

// Status reports whether the session holds an authorized client with a patient.
func (as *AuthorizationService[C]) Status(ctx context.Context, token string) Status {
	client, ok := as.sessions.GetProtocolClient(ctx, token, false)
	if !ok || !client.Ready() || client.PatientID() == "" {
		return Status{}
	}
	as.sessions.Touch(ctx, token)
	return Status{Authenticated: true, PatientID: client.PatientID()}
}

type AuthorizationStart struct {
	Token   string `json:"session_token"`
	AuthURL string `json:"auth_url"`
	State   string `json:"state,omitempty"`
}

// BeginAuthorization issues a new session with a fresh client and returns the
// provider URL the browser should visit.
func (as *AuthorizationService[C]) BeginAuthorization(ctx context.Context) (*AuthorizationStart, error) {
	token, err := as.sessions.CreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("[auth BeginAuthorization] %w", err)
	}

	client, ok := as.sessions.GetProtocolClient(ctx, token, true)
	if !ok {
		return nil, fmt.Errorf("[auth BeginAuthorization] %w", ErrNoClientAvailable)
	}
	authURL, err := client.AuthorizeURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("[auth BeginAuthorization] %w", err)
	}
	if authURL == "" {
		return nil, ErrNoAuthorizeURL
	}

	start := &AuthorizationStart{Token: token, AuthURL: authURL}
	if record, ok := as.sessions.Session(ctx, token); ok {
		start.State = record.OAuthState
	}
	log.Info().Str("token", sessions.ShortToken(token)).Msg("Authorization started")
	return start, nil
}

// PatientData builds the patient summary of an authorized session and caches it
// on the session record.
func (as *AuthorizationService[C]) PatientData(ctx context.Context, token string) (*patient.Summary, error) {
	client, err := as.patientClient(ctx, token)
	if err != nil {
		return nil, err
	}
	summary, err := as.patients.Summary(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("[auth PatientData] %w", err)
	}
	as.cache(ctx, token, summary)
	return summary, nil
}

// Observations lists the patient's observations with ids for editing.
func (as *AuthorizationService[C]) Observations(ctx context.Context, token string) ([]patient.ObservationDetail, error) {
	client, err := as.patientClient(ctx, token)
	if err != nil {
		return nil, err
	}
	observations, err := as.patients.Observations(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("[auth Observations] %w", err)
	}
	return observations, nil
}

// CreateObservation files a vital sign. A 403 from the FHIR server is reported as
// ErrWriteForbidden.
func (as *AuthorizationService[C]) CreateObservation(ctx context.Context, token string, in patient.ObservationInput) (string, error) {
	client, err := as.patientClient(ctx, token)
	if err != nil {
		return "", err
	}
	id, err := as.patients.CreateObservation(ctx, client, in)
	if err != nil {
		if forbidden(err) {
			return "", fmt.Errorf("[auth CreateObservation] %w: %w", ErrWriteForbidden, err)
		}
		return "", fmt.Errorf("[auth CreateObservation] %w", err)
	}
	return id, nil
}

// UpdateObservation changes the quantity of an observation and returns the values
// actually written.
func (as *AuthorizationService[C]) UpdateObservation(ctx context.Context, token, id string, update patient.ObservationUpdate) (patient.ObservationUpdate, error) {
	client, err := as.patientClient(ctx, token)
	if err != nil {
		return update, err
	}
	update = update.WithDefaults()
	if err := as.patients.UpdateObservation(ctx, client, id, update); err != nil {
		if forbidden(err) {
			return update, fmt.Errorf("[auth UpdateObservation] %w: %w", ErrWriteForbidden, err)
		}
		return update, fmt.Errorf("[auth UpdateObservation] %w", err)
	}
	return update, nil
}

type EpicRequirements struct {
	FlowsheetConfigured string   `json:"flowsheet_configured"`
	VitalSignsCategory  string   `json:"vital_signs_category"`
	LOINCCodesSupported []string `json:"loinc_codes_supported"`
}

type Permissions struct {
	GrantedScopes         []string         `json:"granted_scopes"`
	CanReadObservations   bool             `json:"can_read_observations"`
	CanWriteObservations  bool             `json:"can_write_observations"`
	CanCreateObservations bool             `json:"can_create_observations"`
	HasPatientContext     bool             `json:"has_patient_context"`
	HasUserContext        bool             `json:"has_user_context"`
	PatientID             string           `json:"patient_id,omitempty"`
	EpicRequirements      EpicRequirements `json:"epic_requirements"`
}

// Permissions reports what the granted scope allows.
func (as *AuthorizationService[C]) Permissions(ctx context.Context, token string) (*Permissions, error) {
	client, ok := as.sessions.GetProtocolClient(ctx, token, false)
	if !ok {
		return nil, ErrNoSession
	}

	scopes := strings.Fields(client.GrantedScope())
	granted := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		granted[s] = true
	}
	anyOf := func(candidates ...string) bool {
		for _, c := range candidates {
			if granted[c] {
				return true
			}
		}
		return false
	}

	return &Permissions{
		GrantedScopes:         scopes,
		CanReadObservations:   anyOf("user/Observation.read", "patient/Observation.read"),
		CanWriteObservations:  anyOf("user/Observation.write", "patient/Observation.write"),
		CanCreateObservations: anyOf("user/Observation.create", "patient/Observation.create"),
		HasPatientContext:     granted["launch/patient"],
		HasUserContext:        granted["fhirUser"],
		PatientID:             client.PatientID(),
		EpicRequirements: EpicRequirements{
			FlowsheetConfigured: "Epic must have flowsheet rows for LOINC codes",
			VitalSignsCategory:  "Required for all observations",
			LOINCCodesSupported: patient.SupportedLOINCCodes(),
		},
	}, nil
}

// Reset clears the protocol state of a session but keeps its token.
func (as *AuthorizationService[C]) Reset(ctx context.Context, token string) bool {
	return as.sessions.ResetSession(ctx, token)
}

// Logout deletes the session.
func (as *AuthorizationService[C]) Logout(ctx context.Context, token string) bool {
	return as.sessions.Logout(ctx, token)
}

type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at"`
	Phase        string    `json:"phase"`
	HasPatient   bool      `json:"has_patient"`
	HasTokens    bool      `json:"has_tokens"`
}

type SessionListing struct {
	ActiveSessionsCount int                    `json:"active_sessions_count"`
	MaxSessions         int                    `json:"max_sessions"`
	StorageType         string                 `json:"storage_type"`
	Sessions            map[string]SessionInfo `json:"sessions"`
}

// ListSessions sweeps and then lists live sessions keyed by shortened token.
func (as *AuthorizationService[C]) ListSessions(ctx context.Context) (*SessionListing, error) {
	as.sessions.Sweep(ctx)
	records, err := as.sessions.ActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("[auth ListSessions] %w", err)
	}

	listing := &SessionListing{
		ActiveSessionsCount: len(records),
		MaxSessions:         as.sessions.MaxSessions(),
		StorageType:         as.sessions.StoreKind(),
		Sessions:            make(map[string]SessionInfo, len(records)),
	}
	for _, r := range records {
		listing.Sessions[sessions.ShortToken(r.Token)] = SessionInfo{
			SessionID:    r.SessionID,
			CreatedAt:    r.CreatedAt,
			LastAccessed: r.LastAccessed,
			ExpiresAt:    r.ExpiresAt,
			Phase:        string(r.Phase()),
			HasPatient:   r.PatientID != "",
			HasTokens:    r.AccessToken != "",
		}
	}
	return listing, nil
}

type CleanupResult struct {
	SessionsBefore  int `json:"sessions_before"`
	SessionsAfter   int `json:"sessions_after"`
	SessionsRemoved int `json:"sessions_removed"`
}

// Cleanup runs a sweep and reports the live session count around it.
func (as *AuthorizationService[C]) Cleanup(ctx context.Context) (*CleanupResult, error) {
	before, err := as.sessions.ActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("[auth Cleanup] %w", err)
	}
	removed := as.sessions.Sweep(ctx)
	after, err := as.sessions.ActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("[auth Cleanup] %w", err)
	}
	return &CleanupResult{SessionsBefore: len(before), SessionsAfter: len(after), SessionsRemoved: removed}, nil
}

// ClientRedirectURL is where completed callbacks send the browser.
func (as *AuthorizationService[C]) ClientRedirectURL() string {
	as.redirectMu.RLock()
	defer as.redirectMu.RUnlock()
	return as.clientRedirectURL
}

// SetClientRedirectURL changes the landing page for completed callbacks.
func (as *AuthorizationService[C]) SetClientRedirectURL(raw string) (string, error) {
	redirect, err := validateRedirectURL(raw)
	if err != nil {
		return "", err
	}
	as.redirectMu.Lock()
	as.clientRedirectURL = redirect
	as.redirectMu.Unlock()
	log.Info().Str("redirect_url", redirect).Msg("Client redirect URL changed")
	return redirect, nil
}

func (as *AuthorizationService[C]) patientClient(ctx context.Context, token string) (C, error) {
	client, ok := as.sessions.GetProtocolClient(ctx, token, false)
	if !ok || client.PatientID() == "" {
		var zero C
		return zero, ErrNoPatientData
	}
	as.sessions.Touch(ctx, token)
	return client, nil
}

func (as *AuthorizationService[C]) cache(ctx context.Context, token string, summary *patient.Summary) {
	data, err := json.Marshal(summary)
	if err != nil {
		log.Err(err).Str("token", sessions.ShortToken(token)).Msg("Failed to encode patient summary")
		return
	}
	as.sessions.CachePatientData(ctx, token, summary.PatientID, data)
}

func forbidden(err error) bool {
	var respErr *smart.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusForbidden
}

func validateRedirectURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRedirect, raw)
	}
	return raw, nil
}

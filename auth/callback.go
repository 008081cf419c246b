package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-smart-fhir-app/internal/errors"
	"github.com/jrsteele09/go-smart-fhir-app/internal/metrics"
	"github.com/jrsteele09/go-smart-fhir-app/sessions"
)

const invalidSessionMessage = "Invalid session state - please restart the authorization flow"

// CallbackSummary is the payload handed to the client application after a
// successful launch, URL encoded into the data parameter.
type CallbackSummary struct {
	Success          bool   `json:"success"`
	PatientID        string `json:"patient_id"`
	Name             string `json:"name"`
	Gender           string `json:"gender"`
	BirthDate        string `json:"birth_date"`
	MedicationsCount int    `json:"medications_count"`
	ConditionsCount  int    `json:"conditions_count"`
	SessionToken     string `json:"session_token"`
}

type callbackFailure struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	SessionToken string `json:"session_token,omitempty"`
}

// CallbackResult tells the transport where to send the browser. RedirectURL is
// always set; Err carries the reason a failed callback was sent to the error page.
type CallbackResult struct {
	Token       string
	RedirectURL string
	Err         error
}

// CompleteCallback finishes the authorization code flow for the provider redirect
// at callbackURL. The session is found through the first live candidate token and
// otherwise through the state parameter.
func (as *AuthorizationService[C]) CompleteCallback(ctx context.Context, callbackURL string, candidates ...string) CallbackResult {
	token, ok := as.sessions.Lookup(ctx, candidates...)
	if !ok {
		token, ok = as.recoverSession(ctx, callbackURL)
	}
	if !ok {
		metrics.Callbacks.WithLabelValues("unrecoverable").Inc()
		log.Error().Msg("Session recovery failed for OAuth callback")
		return as.failure("", invalidSessionMessage, errors.ErrOAuthStateRecoveryFailed)
	}
	log.Info().Str("token", sessions.ShortToken(token)).Msg("Using session for OAuth callback")

	client, ok := as.sessions.GetProtocolClient(ctx, token, false)
	if !ok {
		metrics.Callbacks.WithLabelValues("failed").Inc()
		return as.failure(token, ErrNoClientAvailable.Error(), ErrNoClientAvailable)
	}

	if err := client.HandleCallback(ctx, callbackURL); err != nil {
		metrics.Callbacks.WithLabelValues("failed").Inc()
		return as.failure(token, err.Error(), fmt.Errorf("[auth CompleteCallback] %w: %w", errors.ErrCallbackProcessingFailed, err))
	}

	if !as.sessions.StoreTokens(ctx, token, client.AccessToken(), client.RefreshToken(), client.ExpiresIn()) {
		log.Warn().Str("token", sessions.ShortToken(token)).Msg("Failed to store tokens for session")
	}

	if !client.Ready() || client.PatientID() == "" {
		metrics.Callbacks.WithLabelValues("failed").Inc()
		return as.failure(token, "No patient data available", ErrNoPatientData)
	}

	summary, err := as.patients.Summary(ctx, client)
	if err != nil {
		metrics.Callbacks.WithLabelValues("failed").Inc()
		return as.failure(token, "Failed to process patient data: "+err.Error(), err)
	}
	as.cache(ctx, token, summary)

	metrics.Callbacks.WithLabelValues("ok").Inc()
	log.Info().Str("token", sessions.ShortToken(token)).Msg("OAuth success, redirecting to client")
	redirect := as.clientURL("data", CallbackSummary{
		Success:          true,
		PatientID:        summary.PatientID,
		Name:             summary.Demographics.Name,
		Gender:           summary.Demographics.Gender,
		BirthDate:        summary.Demographics.BirthDate,
		MedicationsCount: len(summary.Medications),
		ConditionsCount:  len(summary.Conditions),
		SessionToken:     token,
	})
	return CallbackResult{Token: token, RedirectURL: redirect}
}

func (as *AuthorizationService[C]) recoverSession(ctx context.Context, callbackURL string) (string, bool) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", false
	}
	state := u.Query().Get("state")
	if state == "" {
		return "", false
	}
	log.Warn().Str("state", prefix(state, 20)).Msg("Attempting session recovery with OAuth state")
	return as.sessions.RecoverByOAuthState(ctx, state)
}

func (as *AuthorizationService[C]) failure(token, message string, err error) CallbackResult {
	if err != nil {
		log.Err(err).Str("token", sessions.ShortToken(token)).Msg("OAuth callback failed")
	}
	return CallbackResult{
		Token:       token,
		RedirectURL: as.clientURL("error", callbackFailure{Error: message, SessionToken: token}),
		Err:         err,
	}
}

// clientURL appends payload as URL encoded JSON under param. Spaces are encoded as
// %20 so browsers can decode the value with decodeURIComponent.
func (as *AuthorizationService[C]) clientURL(param string, payload any) string {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"success":false,"error":"internal error"}`)
	}
	base := as.ClientRedirectURL()
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + param + "=" + strings.ReplaceAll(url.QueryEscape(string(body)), "+", "%20")
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

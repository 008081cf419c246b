package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-smart-fhir-app/auth"
	"github.com/jrsteele09/go-smart-fhir-app/patient"
	"github.com/jrsteele09/go-smart-fhir-app/sessions"
)

func (s *Server[C]) AuthStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.sessionToken(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, struct {
			auth.Status
			SessionToken string `json:"session_token"`
		}{s.auth.Status(r.Context(), token), token})
	}
}

func (s *Server[C]) AuthURLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, err := s.auth.BeginAuthorization(r.Context())
		if errors.Is(err, auth.ErrNoAuthorizeURL) {
			writeJSONError(w, http.StatusBadRequest, "No authorization URL available", nil)
			return
		}
		if err != nil {
			log.Err(err).Msg("Error in auth-url")
			writeJSONError(w, http.StatusInternalServerError, "Failed to generate auth URL", err)
			return
		}
		s.echoToken(w, r, start.Token)
		writeJSON(w, http.StatusOK, start)
	}
}

func (s *Server[C]) PatientDataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.sessionToken(w, r)
		if !ok {
			return
		}
		summary, err := s.auth.PatientData(r.Context(), token)
		if err != nil {
			s.patientError(w, "Failed to retrieve patient data", err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			*patient.Summary
			SessionToken string `json:"session_token"`
		}{summary, token})
	}
}

func (s *Server[C]) ObservationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.sessionToken(w, r)
		if !ok {
			return
		}
		observations, err := s.auth.Observations(r.Context(), token)
		if err != nil {
			s.patientError(w, "Failed to retrieve observations", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"observations":  observations,
			"session_token": token,
		})
	}
}

func (s *Server[C]) CreateObservationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.sessionToken(w, r)
		if !ok {
			return
		}
		var in patient.ObservationInput
		decodeJSON(r, &in)

		id, err := s.auth.CreateObservation(r.Context(), token, in)
		if errors.Is(err, auth.ErrWriteForbidden) {
			log.Err(err).Msg("Observation write refused by FHIR server")
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":            "Permission denied - Epic FHIR write restrictions",
				"epic_error_codes": auth.EpicWriteErrorCodes,
				"solution":         "Contact Epic customer to enable write permissions or test in sandbox",
				"session_token":    token,
			})
			return
		}
		if err != nil {
			s.patientError(w, "Failed to create observation", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"message":        "Observation created successfully",
			"id":             id,
			"data_used":      in,
			"session_token":  token,
			"epic_compliant": true,
		})
	}
}

func (s *Server[C]) UpdateObservationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.sessionToken(w, r)
		if !ok {
			return
		}
		var update patient.ObservationUpdate
		decodeJSON(r, &update)

		used, err := s.auth.UpdateObservation(r.Context(), token, r.PathValue("id"), update)
		if err != nil {
			s.patientError(w, "Failed to update observation", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"message":       "Observation updated successfully",
			"data_used":     used,
			"session_token": token,
		})
	}
}

func (s *Server[C]) PermissionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.sessionToken(w, r)
		if !ok {
			return
		}
		perms, err := s.auth.Permissions(r.Context(), token)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "Session not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			SessionToken string `json:"session_token"`
			*auth.Permissions
		}{token, perms})
	}
}

func (s *Server[C]) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, found := s.auth.LiveToken(r.Context(), s.tokenCandidates(r)...)
		if found {
			s.auth.Logout(r.Context(), token)
		}
		s.cookies.clear(w, r)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":                true,
			"message":                "Logged out successfully",
			"previous_session_token": token,
		})
	}
}

func (s *Server[C]) ResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.sessionToken(w, r)
		if !ok {
			return
		}
		cleared := s.auth.Reset(r.Context(), token)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":                cleared,
			"message":                "Session reset",
			"session_token":          token,
			"previous_state_cleared": cleared,
		})
	}
}

func (s *Server[C]) SessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		listing, err := s.auth.ListSessions(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "Failed to list sessions", err)
			return
		}
		var current *string
		if token, ok := s.auth.LiveToken(r.Context(), s.tokenCandidates(r)...); ok {
			short := sessions.ShortToken(token)
			current = &short
		}
		writeJSON(w, http.StatusOK, struct {
			CurrentSessionToken *string `json:"current_session_token"`
			*auth.SessionListing
		}{current, listing})
	}
}

func (s *Server[C]) CleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.auth.Cleanup(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "Cleanup failed", err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
			*auth.CleanupResult
		}{true, "Cleanup completed", result})
	}
}

func (s *Server[C]) SetRedirectURLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RedirectURL string `json:"redirect_url"`
		}
		decodeJSON(r, &body)

		redirect, err := s.auth.SetClientRedirectURL(body.RedirectURL)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid redirect URL", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "redirect_url": redirect})
	}
}

func (s *Server[C]) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store": s.auth.StoreKind()})
	}
}

// patientError maps patient access failures to 404 when there is no authorized
// patient and 500 otherwise.
func (s *Server[C]) patientError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, auth.ErrNoPatientData) {
		writeJSONError(w, http.StatusNotFound, "No patient data available", nil)
		return
	}
	log.Err(err).Msg(message)
	writeJSONError(w, http.StatusInternalServerError, message, err)
}

// CallbackHandler completes the provider redirect and sends the browser on to the
// client application.
func (s *Server[C]) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := s.auth.CompleteCallback(r.Context(), requestURL(r), s.tokenCandidates(r)...)
		if result.Token != "" {
			s.echoToken(w, r, result.Token)
		}
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	}
}

package server

import (
	"encoding/json"
	"net/http"
)

const (
	sessionTokenHeader = "X-Session-Token"
	sessionTokenParam  = "session_token"
)

// tokenCandidates lists the session tokens a request carries: header, then cookie,
// then query parameter.
func (s *Server[C]) tokenCandidates(r *http.Request) []string {
	return []string{
		r.Header.Get(sessionTokenHeader),
		s.cookies.token(r),
		r.URL.Query().Get(sessionTokenParam),
	}
}

// sessionToken resolves the request's session, issuing a new one when no candidate
// is live, and echoes it on the response.
func (s *Server[C]) sessionToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, err := s.auth.ResolveToken(r.Context(), s.tokenCandidates(r)...)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Session store unavailable", err)
		return "", false
	}
	s.echoToken(w, r, token)
	return token, true
}

func (s *Server[C]) echoToken(w http.ResponseWriter, r *http.Request, token string) {
	w.Header().Set(sessionTokenHeader, token)
	s.cookies.set(w, r, token)
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string, err error) {
	body := map[string]any{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	writeJSON(w, statusCode, body)
}

// decodeJSON reads an optional JSON body. Decode errors are ignored.
func decodeJSON(r *http.Request, into any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(into)
}

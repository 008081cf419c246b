// Package server exposes the SMART launch and the patient API over HTTP.
package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-smart-fhir-app/auth"
	"github.com/jrsteele09/go-smart-fhir-app/internal/config"
)

type Server[C auth.Client] struct {
	env          string // Environment (e.g., "DEV", "PROD")
	mux          *http.ServeMux
	routes       []string
	config       config.Config
	auth         *auth.AuthorizationService[C]
	cookies      *sessionCookies
	callbackPath string
}

func New[C auth.Client](cfg config.Config, authService *auth.AuthorizationService[C]) (*Server[C], error) {
	if authService == nil {
		return nil, fmt.Errorf("[Server New] authorization service is required")
	}
	callbackPath, err := callbackPattern(cfg.GetRedirectURI())
	if err != nil {
		return nil, fmt.Errorf("[Server New] %w", err)
	}
	cookies, err := newSessionCookies(cfg.GetSecretKey(), cfg.GetCookieSecure(), cfg.GetSessionTTL())
	if err != nil {
		return nil, fmt.Errorf("[Server New] failed to create cookie signer: %w", err)
	}

	s := &Server[C]{
		env:          cfg.GetEnv(),
		mux:          http.NewServeMux(),
		config:       cfg,
		auth:         authService,
		cookies:      cookies,
		callbackPath: callbackPath,
	}
	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server[C]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server[C]) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server[C]) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server[C]) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	color, ok := methodColors[method]
	if !ok {
		color = Gray
	}
	log.Debug().Msgf("[%s %-7s%s] %s", color, method, ResetColor, path)
}

// callbackPattern turns the registered redirect URI into an exact-match path.
func callbackPattern(redirectURI string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Path == "" {
		return "", fmt.Errorf("redirect uri %q has no path", redirectURI)
	}
	if strings.HasSuffix(u.Path, "/") {
		return u.Path + "{$}", nil
	}
	return u.Path, nil
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}

// requestURL rebuilds the absolute URL the browser requested.
func requestURL(r *http.Request) string {
	return getScheme(r) + "://" + r.Host + r.URL.RequestURI()
}

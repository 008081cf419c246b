package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server[C]) initRoutes() {
	s.RegisterRouteHandler("GET "+s.callbackPath, ChainMiddleware(s.CallbackHandler(), s.LoggingMiddleware, s.RecoverMiddleware))

	s.RegisterRouteHandler("GET "+RouteAuthStatus, ChainMiddleware(s.AuthStatusHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthURL, ChainMiddleware(s.AuthURLHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteReset, ChainMiddleware(s.ResetHandler(), s.APIMiddleware()...))

	s.RegisterRouteHandler("GET "+RoutePatientData, ChainMiddleware(s.PatientDataHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteObservations, ChainMiddleware(s.ObservationsHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteObservations, ChainMiddleware(s.CreateObservationHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("PUT "+RouteObservation, ChainMiddleware(s.UpdateObservationHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RoutePermissions, ChainMiddleware(s.PermissionsHandler(), s.APIMiddleware()...))

	s.RegisterRouteHandler("GET "+RouteSessions, ChainMiddleware(s.SessionsHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteCleanup, ChainMiddleware(s.CleanupHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteSetRedirectURL, ChainMiddleware(s.SetRedirectURLHandler(), s.APIMiddleware()...))

	// Preflight for every API route
	s.RegisterRouteHandler("OPTIONS /api/", ChainMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, s.APIMiddleware()...))

	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())
	s.RegisterRouteHandler("GET "+RouteMetrics, promhttp.Handler())
}

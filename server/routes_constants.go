package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Authorization
	RouteAuthStatus = "/api/auth-status"
	RouteAuthURL    = "/api/auth-url"
	RouteLogout     = "/api/logout"
	RouteReset      = "/api/reset"

	// Patient data
	RoutePatientData  = "/api/patient-data"
	RouteObservations = "/api/observations"
	RouteObservation  = "/api/observations/{id}"
	RoutePermissions  = "/api/check-permissions"

	// Session administration
	RouteSessions       = "/api/sessions"
	RouteCleanup        = "/api/cleanup"
	RouteSetRedirectURL = "/api/set-redirect-url"

	// Operations
	RouteHealth  = "/healthz"
	RouteMetrics = "/metrics"
)

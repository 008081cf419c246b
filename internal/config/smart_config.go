package config

import (
	"strings"

	"github.com/spf13/viper"
)

const (
	fhirAppIDVar         = "FHIR_APP_ID"
	fhirClientSecretVar  = "FHIR_CLIENT_SECRET"
	fhirAPIBaseVar       = "FHIR_API_BASE"
	fhirRedirectURIVar   = "FHIR_REDIRECT_URI"
	fhirScopesVar        = "FHIR_SCOPES"
	fhirAuthorizeURLVar  = "FHIR_AUTHORIZE_URL"
	fhirTokenURLVar      = "FHIR_TOKEN_URL"
	oidcIssuerVar        = "OIDC_ISSUER"
	clientRedirectURLVar = "CLIENT_REDIRECT_URL"

	defaultFhirAPIBase = "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4"
	defaultScopes      = "launch/patient openid fhirUser patient/Patient.read patient/Observation.read " +
		"patient/Observation.write patient/MedicationRequest.read patient/Condition.read " +
		"patient/AllergyIntolerance.read patient/Procedure.read"
)

type SmartConfig interface {
	GetAppID() string
	GetClientSecret() string
	GetAPIBase() string
	GetRedirectURI() string
	GetScopes() []string
	GetAuthorizeURL() string
	GetTokenURL() string
	GetOIDCIssuer() string
	GetClientRedirectURL() string
}

type Smart struct {
	v *viper.Viper
}

var _ SmartConfig = Smart{}

func (s Smart) GetAppID() string {
	return s.v.GetString(fhirAppIDVar)
}

func (s Smart) GetClientSecret() string {
	return s.v.GetString(fhirClientSecretVar)
}

func (s Smart) GetAPIBase() string {
	return strings.TrimSuffix(s.v.GetString(fhirAPIBaseVar), "/")
}

func (s Smart) GetRedirectURI() string {
	return s.v.GetString(fhirRedirectURIVar)
}

func (s Smart) GetScopes() []string {
	return strings.Fields(strings.ReplaceAll(s.v.GetString(fhirScopesVar), ",", " "))
}

// GetAuthorizeURL is empty unless the endpoint should bypass SMART discovery
func (s Smart) GetAuthorizeURL() string {
	return s.v.GetString(fhirAuthorizeURLVar)
}

func (s Smart) GetTokenURL() string {
	return s.v.GetString(fhirTokenURLVar)
}

// GetOIDCIssuer enables id_token verification when set
func (s Smart) GetOIDCIssuer() string {
	return s.v.GetString(oidcIssuerVar)
}

func (s Smart) GetClientRedirectURL() string {
	return s.v.GetString(clientRedirectURLVar)
}

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/jrsteele09/go-smart-fhir-app/internal/errors"
)

type Config interface {
	EnvConfig
	CorsConfig
	SmartConfig
	SessionConfig
	Validate() error
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetLogLevel() string
	GetHTTPReadTimeout() time.Duration
	GetHTTPWriteTimeout() time.Duration
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
	GetExposedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	Smart
	Sessions
}

var _ Config = mainConfig{}

// New loads configuration from the environment, with an optional .env file
// in the working directory.
func New() Config {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()
	setDefaults(v)
	bindEnv(v)

	// A missing .env file is fine
	_ = v.ReadInConfig()

	return FromViper(v)
}

// FromViper builds a Config over an already populated viper instance.
func FromViper(v *viper.Viper) Config {
	setDefaults(v)
	return mainConfig{
		EnvVars:  EnvVars{v: v},
		Cors:     Cors{v: v},
		Smart:    Smart{v: v},
		Sessions: Sessions{v: v},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(portEnvVar, "8000")
	v.SetDefault(appNameVar, "SMART FHIR App")
	v.SetDefault(envVar, "DEV")
	v.SetDefault(baseURLVar, "http://localhost:8000")
	v.SetDefault(logLevelVar, "info")
	v.SetDefault(httpReadTimeoutVar, "30s")
	v.SetDefault(httpWriteTimeoutVar, "30s")

	v.SetDefault(corsOriginsVar, "http://localhost:3000")

	v.SetDefault(fhirAppIDVar, "")
	v.SetDefault(fhirAPIBaseVar, defaultFhirAPIBase)
	v.SetDefault(fhirRedirectURIVar, "http://localhost:8000/fhir-app/")
	v.SetDefault(fhirScopesVar, defaultScopes)
	v.SetDefault(clientRedirectURLVar, "http://localhost:3000/")

	v.SetDefault(sessionStoreVar, StoreMongoDB)
	v.SetDefault(mongoURIVar, "mongodb://localhost:27017")
	v.SetDefault(mongoDatabaseVar, "fhir_sessions")
	v.SetDefault(mongoCollectionVar, "sessions")
	v.SetDefault(redisURLVar, "redis://localhost:6379/0")
	v.SetDefault(redisKeyPrefixVar, "fhir:")
	v.SetDefault(sessionTTLVar, "2h")
	v.SetDefault(maxSessionsVar, 10000)
	v.SetDefault(sweepIntervalVar, "5m")
	v.SetDefault(cookieSecureVar, false)
	v.SetDefault(storeConnectTimeoutVar, "5s")
}

func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		portEnvVar, appNameVar, envVar, baseURLVar, logLevelVar, httpReadTimeoutVar, httpWriteTimeoutVar,
		corsOriginsVar,
		fhirAppIDVar, fhirClientSecretVar, fhirAPIBaseVar, fhirRedirectURIVar, fhirScopesVar,
		fhirAuthorizeURLVar, fhirTokenURLVar, oidcIssuerVar, clientRedirectURLVar,
		sessionStoreVar, mongoURIVar, mongoDatabaseVar, mongoCollectionVar, redisURLVar, redisKeyPrefixVar,
		sessionTTLVar, maxSessionsVar, sweepIntervalVar, secretKeyVar, cookieSecureVar, storeConnectTimeoutVar,
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks the values that would otherwise fail at runtime.
func (c mainConfig) Validate() error {
	if n := c.GetMaxSessions(); n < MinMaxSessions || n > MaxMaxSessions {
		return errors.Wrapf(errors.ErrInvalidConfig, "%s must be between %d and %d, got %d",
			maxSessionsVar, MinMaxSessions, MaxMaxSessions, n)
	}
	if c.GetSessionTTL() <= 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "%s must be positive", sessionTTLVar)
	}
	if c.GetSweepInterval() <= 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "%s must be positive", sweepIntervalVar)
	}
	switch c.GetSessionStore() {
	case StoreMongoDB, StoreRedis, StoreMemory:
	default:
		return errors.Wrapf(errors.ErrInvalidConfig, "%s must be one of %q, %q or %q, got %q",
			sessionStoreVar, StoreMongoDB, StoreRedis, StoreMemory, c.GetSessionStore())
	}
	if c.GetAPIBase() == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "%s is required", fhirAPIBaseVar)
	}
	if c.GetRedirectURI() == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "%s is required", fhirRedirectURIVar)
	}
	return nil
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d := v.GetDuration(key)
	if d == 0 {
		return fallback
	}
	return d
}

func (c mainConfig) String() string {
	return fmt.Sprintf("env=%s port=%s store=%s api=%s", c.GetEnv(), c.GetPort(), c.GetSessionStore(), c.GetAPIBase())
}

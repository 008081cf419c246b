package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	portEnvVar          = "PORT"
	appNameVar          = "APP_NAME"
	envVar              = "ENV"
	baseURLVar          = "BASE_URL"
	logLevelVar         = "LOG_LEVEL"
	httpReadTimeoutVar  = "HTTP_READ_TIMEOUT"
	httpWriteTimeoutVar = "HTTP_WRITE_TIMEOUT"
)

type EnvVars struct {
	v *viper.Viper
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.v.GetString(portEnvVar)
	if port != "" && port[0] != ':' {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.v.GetString(appNameVar)
}

func (e EnvVars) GetEnv() string {
	return strings.ToUpper(e.v.GetString(envVar))
}

// GetBaseURL returns the externally visible base URL of this service
func (e EnvVars) GetBaseURL() string {
	return strings.TrimSuffix(e.v.GetString(baseURLVar), "/")
}

func (e EnvVars) GetLogLevel() string {
	return e.v.GetString(logLevelVar)
}

func (e EnvVars) GetHTTPReadTimeout() time.Duration {
	return durationOr(e.v, httpReadTimeoutVar, 30*time.Second)
}

func (e EnvVars) GetHTTPWriteTimeout() time.Duration {
	return durationOr(e.v, httpWriteTimeoutVar, 30*time.Second)
}

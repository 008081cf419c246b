package config

import (
	"sort"
	"strings"

	"github.com/spf13/viper"
)

const corsOriginsVar = "CORS_ORIGINS"

type Cors struct {
	v *viper.Viper
}

var _ CorsConfig = Cors{}

type AllowedOrigins map[string]struct{}
type nullValue = struct{}

func (a AllowedOrigins) IsAllowedOrigin(origin string) bool {
	_, ok := a[origin]
	return ok
}

func (a AllowedOrigins) String() string {
	var origins []string
	for k := range a {
		origins = append(origins, k)
	}
	sort.Strings(origins)
	return strings.Join(origins, ", ")
}

// ParseAllowedOrigins splits a comma separated origin list. "*" allows any origin.
func ParseAllowedOrigins(raw string) AllowedOrigins {
	origins := AllowedOrigins{}
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o != "" {
			origins[o] = nullValue{}
		}
	}
	return origins
}

func (c Cors) GetAllowedOrigins() AllowedOrigins {
	return ParseAllowedOrigins(c.v.GetString(corsOriginsVar))
}

func (Cors) GetAllowedMethods() string {
	return "GET, POST, PUT, OPTIONS"
}

func (Cors) GetAllowedHeaders() string {
	return "Content-Type, Authorization, X-Session-Token"
}

func (Cors) GetExposedHeaders() string {
	return "X-Session-Token"
}

// Package endpoint expands the collect, engage, and user id URL templates.
package endpoint

import (
	"strconv"
	"strings"
	"time"
)

// URL templates. Each has an unsigned and a signed (hash) variant.
const (
	CollectTemplate       = "{host}/{env_key}/bulk"
	CollectHashTemplate   = "{host}/{env_key}/bulk/hash/{hash}"
	EngageTemplate        = "{host}/{env_key}"
	EngageHashTemplate    = "{host}/{env_key}/hash/{hash}"
	UserIDTemplate        = "{host}/{env_key}/userid"
	UserIDHashTemplate    = "{host}/{env_key}/userid/hash/{hash}"
	cacheBusterQueryParam = "_"
)

// Endpoints builds request URLs for one environment.
type Endpoints struct {
	CollectHost string
	EngageHost  string
	EnvKey      string
}

// New returns Endpoints for the given hosts. Trailing slashes are dropped and
// a missing scheme defaults to https.
func New(collectHost, engageHost, envKey string) Endpoints {
	return Endpoints{
		CollectHost: normalizeHost(collectHost),
		EngageHost:  normalizeHost(engageHost),
		EnvKey:      envKey,
	}
}

// Collect returns the bulk upload URL; hash selects the signed variant.
func (e Endpoints) Collect(hash string) string {
	if hash == "" {
		return expand(CollectTemplate, e.CollectHost, e.EnvKey, "")
	}
	return expand(CollectHashTemplate, e.CollectHost, e.EnvKey, hash)
}

// Engage returns the decisioning URL; hash selects the signed variant.
func (e Endpoints) Engage(hash string) string {
	if hash == "" {
		return expand(EngageTemplate, e.EngageHost, e.EnvKey, "")
	}
	return expand(EngageHashTemplate, e.EngageHost, e.EnvKey, hash)
}

// UserID returns the user id issuance URL with a cache-busting timestamp.
func (e Endpoints) UserID(hash string, ts time.Time) string {
	tmpl := UserIDTemplate
	if hash != "" {
		tmpl = UserIDHashTemplate
	}
	return expand(tmpl, e.CollectHost, e.EnvKey, hash) + "?" + cacheBusterQueryParam + "=" + CacheBuster(ts)
}

// CacheBuster formats ts as milliseconds since the epoch.
func CacheBuster(ts time.Time) string {
	return strconv.FormatInt(ts.UnixMilli(), 10)
}

func expand(tmpl, host, envKey, hash string) string {
	r := strings.NewReplacer("{host}", host, "{env_key}", envKey, "{hash}", hash)
	return r.Replace(tmpl)
}

func normalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return host
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return host
}

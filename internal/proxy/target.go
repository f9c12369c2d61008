package proxy

import (
	"net/url"
	"strings"
)

// buildTargetURL appends the client's path to the upstream base URL, keeping
// any path prefix the base carries (e.g. a compatible gateway under /anthropic).
func buildTargetURL(baseURL, path, rawQuery string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "https", Host: "api.anthropic.com"}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

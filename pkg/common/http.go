package common

import (
	_ "embed"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

//go:embed VERSION
var version string

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	v := strings.TrimSpace(version)
	userAgent := "WWZSync/" + v

	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: userAgent,
		},
		Timeout: timeout,
	}
}

// CookieHTTPClient returns an http client like HTTPClient but with a fresh
// cookie jar. The metering portal tracks its session in an AL_SESS-S cookie
// so the jar is required for anything past the login bootstrap.
func CookieHTTPClient(timeout time.Duration) *http.Client {
	c := HTTPClient(timeout)
	// cookiejar.New never returns an error with nil options
	jar, _ := cookiejar.New(nil)
	c.Jar = jar
	return c
}

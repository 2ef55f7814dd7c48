package portal

import (
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wwzsync/wwzsync/pkg/common"
)

// Configured sets up the portal client from command-line flags.
func Configured() *Client {
	baseURL := lflag.String("portal-base-url", defaultBaseURL, "Base URL of the WWZ portal API")
	username := lflag.RequiredString("portal-username", "Portal login email")
	password := lflag.RequiredString("portal-password", "Portal login password")
	timeout := lflag.Duration("portal-timeout", time.Minute, "Per-request timeout for portal calls")

	c := &Client{}

	lflag.Do(func() {
		c.client = common.CookieHTTPClient(*timeout)
		c.baseURL = *baseURL
		c.username = *username
		c.password = *password
	})

	return c
}

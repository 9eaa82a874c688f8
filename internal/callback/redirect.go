package callback

import (
	"net/url"
	"strings"
)

// Redirect is the query the identity provider attached to the callback URL.
type Redirect struct {
	// URI is the full callback URL, handed to the bridge for the exchange.
	URI              string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseRedirect extracts the callback parameters from rawURL.
func ParseRedirect(rawURL string) (Redirect, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Redirect{}, err
	}
	query := parsed.Query()
	return Redirect{
		URI:              rawURL,
		Code:             strings.TrimSpace(query.Get("code")),
		State:            query.Get("state"),
		Error:            strings.TrimSpace(query.Get("error")),
		ErrorDescription: query.Get("error_description"),
	}, nil
}

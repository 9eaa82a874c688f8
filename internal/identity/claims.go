package identity

import "strings"

// Claims is the identity asserted by the provider for one login.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// Valid reports whether the claims carry a usable subject.
func (c Claims) Valid() bool {
	return strings.TrimSpace(c.Subject) != ""
}

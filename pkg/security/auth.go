package security

import (
	"crypto/subtle"
	"net/http"
)

// CheckBasicAuth reports whether r carries the expected Basic credentials.
// Both fields are compared in constant time.
func CheckBasicAuth(r *http.Request, user, password string) bool {
	u, p, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(p), []byte(password)) == 1
	return userOK && passOK
}

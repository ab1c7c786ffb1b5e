// Package signing computes the request hash that selects the signed endpoint
// variants.
package signing

import (
	"crypto/md5"
	"encoding/hex"
)

// Sign returns the lowercase hex MD5 digest of body followed by secret.
func Sign(body, secret string) string {
	sum := md5.Sum([]byte(body + secret))
	return hex.EncodeToString(sum[:])
}

// SignIfConfigured returns Sign(body, secret), or "" when no secret is set.
func SignIfConfigured(body, secret string) string {
	if secret == "" {
		return ""
	}
	return Sign(body, secret)
}

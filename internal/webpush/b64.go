// Package webpush implements Web Push message encryption (RFC 8291,
// aes128gcm) and VAPID sender authentication over raw P-256 primitives.
package webpush

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// b64encode renders bytes as unpadded base64url, the only form push
// services accept in headers.
func b64encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// b64decode accepts base64url with or without padding, and tolerates
// standard-alphabet input since browser exports are inconsistent.
func b64decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "=")
	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	return b, nil
}

package fingerprint

import (
	"encoding/base64"
	"strings"

	"github.com/tidwall/gjson"
)

// GuestUserID is the sentinel returned when no user id can be decoded from a
// token.
const GuestUserID = "guest"

// userIDClaims are probed in priority order; the first present non-empty
// scalar wins.
var userIDClaims = []string{"id", "user_id", "uid", "sub"}

// UserIDFromToken extracts a user identifier from the middle segment of a
// bearer token, decoded as a JWT payload without signature verification.
// Tokens that are not JWTs, or whose payload carries none of the candidate
// claims, yield GuestUserID.
func UserIDFromToken(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return GuestUserID
	}
	payload, err := base64URLDecode(parts[1])
	if err != nil {
		return GuestUserID
	}
	for _, claim := range userIDClaims {
		result := gjson.GetBytes(payload, claim)
		switch result.Type {
		case gjson.String:
			if result.Str != "" {
				return result.Str
			}
		case gjson.Number:
			return result.String()
		}
	}
	return GuestUserID
}

// base64URLDecode decodes a base64 URL-encoded string with proper padding.
func base64URLDecode(data string) ([]byte, error) {
	switch len(data) % 4 {
	case 2:
		data += "=="
	case 3:
		data += "="
	}
	return base64.URLEncoding.DecodeString(data)
}

package domain

import (
	"slices"
	"time"
)

// AccessClaims is the verified content of a stream access token.
type AccessClaims struct {
	TokenID           string       `json:"jti"`
	StreamID          StreamID     `json:"stream_id"`
	UserID            UserID       `json:"user_id"`
	Role              UserRole     `json:"role"`
	Permissions       []Permission `json:"permissions"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	ClientIP          string       `json:"client_ip,omitempty"`
	IssuedAt          time.Time    `json:"iat"`
	ExpiresAt         time.Time    `json:"exp"`
}

func (c *AccessClaims) Has(p Permission) bool {
	return c != nil && slices.Contains(c.Permissions, p)
}

// HasAny reports whether the claims carry at least one of perms.
func (c *AccessClaims) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if c.Has(p) {
			return true
		}
	}
	return false
}

package domain

import (
	"slices"
	"time"
)

type UserID string

type UserRole string

const (
	RoleTeacher UserRole = "teacher"
	RoleStudent UserRole = "student"
	RoleAdmin   UserRole = "admin"
)

func (r UserRole) Valid() bool {
	return r == RoleTeacher || r == RoleStudent || r == RoleAdmin
}

type Permission string

const (
	PermStream    Permission = "stream"
	PermChat      Permission = "chat"
	PermModerate  Permission = "moderate"
	PermControl   Permission = "control"
	PermRecord    Permission = "record"
	PermAnalytics Permission = "analytics"
	PermAdmin     Permission = "admin"
	PermView      Permission = "view"
)

var teacherPermissions = []Permission{PermStream, PermChat, PermModerate, PermControl, PermRecord, PermAnalytics}

// RolePermissions returns a fresh copy of the permission set granted to role.
// Unknown roles get nothing.
func RolePermissions(role UserRole) []Permission {
	switch role {
	case RoleTeacher:
		return slices.Clone(teacherPermissions)
	case RoleAdmin:
		return append(slices.Clone(teacherPermissions), PermAdmin)
	case RoleStudent:
		return []Permission{PermView, PermChat}
	default:
		return nil
	}
}

// Caller is the identity resolved by the external auth collaborator.
type Caller struct {
	UserID    UserID   `json:"user_id"`
	Role      UserRole `json:"role"`
	IsBlocked bool     `json:"is_blocked"`
}

func (c *Caller) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// AccessGrant is returned to a caller that was admitted into a session.
type AccessGrant struct {
	Token       string        `json:"token"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Permissions []Permission  `json:"permissions"`
	PlayerURL   string        `json:"player_url"`
	ChatURL     string        `json:"chat_url"`
	ChatToken   string        `json:"chat_token"`
	Status      SessionStatus `json:"status"`
}

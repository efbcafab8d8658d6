package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleTrainer    UserRole = "TRAINER"
	RoleStudent    UserRole = "STUDENT"
	RoleSystem     UserRole = "SYSTEM"
)

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Actor is the authenticated user on whose behalf an operation runs.
// It is passed explicitly to every mutating operation.
type Actor struct {
	ID   string
	Role UserRole
}

// ActorFromClaims converts validated token claims into an Actor.
func ActorFromClaims(c *JWTClaims) Actor {
	if c == nil {
		return Actor{}
	}
	return Actor{ID: c.UserID, Role: c.Role}
}

// IsStaff reports whether the actor administers enrollments rather than being the learner.
func (a Actor) IsStaff() bool {
	switch a.Role {
	case RoleSuperAdmin, RoleAdmin, RoleTrainer, RoleSystem:
		return true
	}
	return false
}

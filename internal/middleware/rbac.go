package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
	"github.com/noah-isme/lms-enrollment-api/pkg/response"
)

const (
	// Self is the pseudo-role admitting a caller whose user id equals the SelfParam route parameter.
	Self = "SELF"
	// SelfParam names the route parameter compared against the caller for Self access.
	SelfParam = "studentId"
)

type accessRule struct {
	roles map[models.UserRole]struct{}
	self  bool
}

func newAccessRule(allowed []string) accessRule {
	rule := accessRule{roles: make(map[models.UserRole]struct{}, len(allowed))}
	for _, a := range allowed {
		if a == Self {
			rule.self = true
			continue
		}
		rule.roles[models.UserRole(a)] = struct{}{}
	}
	return rule
}

func (r accessRule) permits(claims *models.JWTClaims, target string) bool {
	if _, ok := r.roles[claims.Role]; ok {
		return true
	}
	return r.self && target != "" && target == claims.UserID
}

// RBAC admits callers holding one of the allowed roles. Must run after JWT.
func RBAC(allowed ...string) gin.HandlerFunc {
	rule := newAccessRule(allowed)
	return func(c *gin.Context) {
		value, _ := c.Get(ContextUserKey)
		claims, ok := value.(*models.JWTClaims)
		if !ok || claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if !rule.permits(claims, c.Param(SelfParam)) {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireRoles is RBAC for typed roles without Self access.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, len(roles))
	for i, r := range roles {
		allowed[i] = string(r)
	}
	return RBAC(allowed...)
}

package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-enrollment-api/internal/middleware"
	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext returns the authenticated actor. Handlers behind the JWT
// middleware always have one.
func actorFromContext(c *gin.Context) (models.Actor, error) {
	claims := claimsFromContext(c)
	if claims == nil || claims.UserID == "" {
		return models.Actor{}, appErrors.ErrUnauthorized
	}
	return models.ActorFromClaims(claims), nil
}

func stepParam(c *gin.Context) (int, error) {
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil || step < 1 || step > 6 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "step must be between 1 and 6")
	}
	return step, nil
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/lms-enrollment-api/pkg/errors"
	"github.com/noah-isme/lms-enrollment-api/pkg/logger"
)

type stubValidator map[string]*models.JWTClaims

func (s stubValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := s[token]; ok {
		return claims, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

func TestJWT(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := stubValidator{"good": {UserID: "admin-1", Role: models.RoleAdmin}}

	cases := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", status: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", status: http.StatusUnauthorized},
		{name: "rejected token", header: "Bearer bad", status: http.StatusUnauthorized},
		{name: "valid token", header: "bearer good", status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				c.Request.Header.Set("Authorization", tc.header)
			}

			JWT(validator)(c)

			if tc.status != http.StatusOK {
				assert.True(t, c.IsAborted())
				assert.Equal(t, tc.status, rec.Code)
				return
			}
			assert.False(t, c.IsAborted())
			claims, ok := c.Get(ContextUserKey)
			assert.True(t, ok)
			assert.Equal(t, "admin-1", claims.(*models.JWTClaims).UserID)
			assert.Equal(t, "admin-1", c.GetString(logger.ActorKey))
		})
	}
}

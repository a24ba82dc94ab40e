package controller

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/response"
)

const (
	identityUserKey  = "user_id"
	identityAdminKey = "is_admin"
)

// AuthConfig tunes the identity middleware. With Required false an
// absent token yields an anonymous caller instead of a 401; a token
// that is present but invalid is always rejected.
type AuthConfig struct {
	Secret   string `yaml:"secret"`
	Required bool   `yaml:"required"`
}

// IdentityMiddleware extracts the caller's identity from an HS256
// bearer token into the request context, where Execute folds it into
// the hook context handed to the worker.
func IdentityMiddleware(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			if cfg.Required {
				response.AbortWithErrorCode(c, appErr.Unauthorized, "missing bearer token")
				return
			}
			c.Next()
			return
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, appErr.Newf(appErr.Unauthorized, "unexpected signing method %v", t.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		})
		if err != nil || !parsed.Valid {
			response.AbortWithErrorCode(c, appErr.Unauthorized, "invalid token")
			return
		}

		if userID, ok := claims[identityUserKey].(float64); ok {
			c.Set(identityUserKey, int64(userID))
		}
		if isAdmin, ok := claims[identityAdminKey].(bool); ok {
			c.Set(identityAdminKey, isAdmin)
		}
		c.Next()
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

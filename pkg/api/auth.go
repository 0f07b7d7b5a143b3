package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
)

const requesterContextKey = "requester"

// ErrInvalidToken is returned for unparsable, expired or unscoped tokens
var ErrInvalidToken = errors.New("invalid token")

// Claims carries the requester scope: sub is the owner id, kind the owner kind
type Claims struct {
	jwt.RegisteredClaims
	Kind models.OwnerKind `json:"kind"`
}

// GenerateToken signs an HS256 token for scope
func GenerateToken(secret string, scope models.PrivacyScope, ttl time.Duration) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   scope.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind: scope.Kind,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken parses tokenString and returns the scope it grants
func ValidateToken(tokenString, secret string) (models.PrivacyScope, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return models.PrivacyScope{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.PrivacyScope{}, ErrInvalidToken
	}
	scope := models.Scope(claims.Kind, claims.Subject)
	if err := scope.Validate(); err != nil {
		return models.PrivacyScope{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return scope, nil
}

// AuthMiddleware requires a bearer token and stores its scope as the requester
func AuthMiddleware(secret string, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		scope, err := ValidateToken(strings.TrimPrefix(authHeader, "Bearer "), secret)
		if err != nil {
			logger.Debug("Rejected bearer token", map[string]interface{}{"error": err.Error()})
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Set(requesterContextKey, scope)
		c.Next()
	}
}

// requesterFrom returns the authenticated scope, or fallback when the
// server runs without authentication
func requesterFrom(c *gin.Context, fallback models.PrivacyScope) models.PrivacyScope {
	if value, ok := c.Get(requesterContextKey); ok {
		if scope, ok := value.(models.PrivacyScope); ok {
			return scope
		}
	}
	return fallback
}

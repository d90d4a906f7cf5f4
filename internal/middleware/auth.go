package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

// ContextUserID is the gin context key holding the participant id.
const ContextUserID = "user_id"

const maxUserIDLength = 128

// ErrMissingAuthHeader means no token was presented.
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// UserID returns the participant id set by Auth.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// Auth identifies the participant of a request.
//
// With a secret, a HS256 JWT is required, from the Authorization header or,
// for browser websockets, the token query parameter. Its user_id claim (or
// sub) is the participant id. Without a secret the id is taken from the
// userId query parameter or the X-User-ID header; that mode is for
// development only.
func Auth(jwtSecret string) gin.HandlerFunc {
	if jwtSecret == "" {
		logrus.Warn("Auth middleware: JWT_SECRET is empty, trusting userId from the request")
		return trustRequest
	}

	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err != nil {
			if errors.Is(err, ErrMissingAuthHeader) {
				logrus.Warn("Auth middleware: Missing Authorization header")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			} else {
				logrus.Warnf("Auth middleware: Malformed token format: %v", err)
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token format"})
			}
			c.Abort()
			return
		}

		claims, err := validateToken(tokenStr, jwtSecret)
		if err != nil {
			logCtx := logrus.WithError(err)
			logCtx.Warn("Auth middleware: Invalid token")
			var validationError *jwt.ValidationError
			if errors.As(err, &validationError) {
				if validationError.Errors&jwt.ValidationErrorExpired != 0 {
					logCtx.Warn("Reason: Token is expired")
				}
				if validationError.Errors&jwt.ValidationErrorSignatureInvalid != 0 {
					logCtx.Warn("Reason: Token signature is invalid")
				}
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		userID, err := userIDFromClaims(claims)
		if err != nil {
			logrus.WithError(err).Warn("Auth middleware: Token carries no usable user id")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token has no user id"})
			c.Abort()
			return
		}

		c.Set(ContextUserID, userID)
		logrus.WithField("user_id", userID).Debug("Auth middleware: User authenticated via JWT")
		c.Next()
	}
}

func trustRequest(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		userID = c.GetHeader("X-User-ID")
	}
	if userID == "" || len(userID) > maxUserIDLength {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "userId is required"})
		c.Abort()
		return
	}
	c.Set(ContextUserID, userID)
	c.Next()
}

func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingAuthHeader
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}

func validateToken(tokenStr string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token or claims type")
}

// userIDFromClaims accepts string or integer user_id claims, then sub.
func userIDFromClaims(claims jwt.MapClaims) (string, error) {
	var id string
	switch v := claims["user_id"].(type) {
	case string:
		id = v
	case float64:
		if v <= 0 || v != float64(uint64(v)) {
			return "", fmt.Errorf("user_id claim is not a positive integer: %v", v)
		}
		id = strconv.FormatUint(uint64(v), 10)
	case nil:
		if sub, ok := claims["sub"].(string); ok {
			id = sub
		}
	default:
		return "", fmt.Errorf("user_id claim has unsupported type %T", v)
	}
	if id == "" || len(id) > maxUserIDLength {
		return "", errors.New("user id missing or too long")
	}
	return id, nil
}

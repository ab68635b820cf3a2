package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userKey = "user"

// User is the caller identity taken from the bearer token.
type User struct {
	ID   string
	Name string
}

// supabaseClaims is the subset of a Supabase access token we read.
type supabaseClaims struct {
	UserMetadata struct {
		FullName string `json:"full_name"`
	} `json:"user_metadata"`
	jwt.RegisteredClaims
}

// authenticate verifies the HS256 bearer token and stores the User in the
// gin context. With auth disabled every request is the anonymous local user,
// which shares sessions with the CLI.
func (s *Server) authenticate(c *gin.Context) {
	if s.cfg.AuthDisabled {
		c.Set(userKey, User{})
		c.Next()
		return
	}

	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	var claims supabaseClaims
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		s.logger.Debug("token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if claims.Subject == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token has no subject"})
		return
	}

	c.Set(userKey, User{ID: claims.Subject, Name: claims.UserMetadata.FullName})
	c.Next()
}

func currentUser(c *gin.Context) User {
	u, _ := c.MustGet(userKey).(User)
	return u
}

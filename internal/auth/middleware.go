package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	clientIDContextKey  = "auth_client_id"
	authTokenContextKey = "auth_token"
)

// Middleware validates bearer tokens or the auth cookie and stores the
// authenticated client in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		clientID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			msg := "authorization failed"
			if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) {
				msg = err.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set(clientIDContextKey, clientID)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// ClientIDFromContext retrieves the authenticated client id from the gin context.
func ClientIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(clientIDContextKey)
	if !ok {
		return 0, false
	}
	clientID, ok := val.(int64)
	return clientID, ok
}

// AuthTokenFromContext retrieves the token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

// SetSessionCookies writes the auth and CSRF cookies for a freshly issued token.
func (s *Service) SetSessionCookies(c *gin.Context, authToken, csrfToken string, secure bool) {
	maxAge := int(s.tokenTTL.Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, authToken, maxAge, "/", "", secure, true)
	c.SetCookie(s.csrfCookieName, csrfToken, maxAge, "/", "", secure, false)
}

// ClearSessionCookies expires both cookies.
func (s *Service) ClearSessionCookies(c *gin.Context, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, "", -1, "/", "", secure, true)
	c.SetCookie(s.csrfCookieName, "", -1, "/", "", secure, false)
}

// extractToken prefers a bearer header over the auth cookie.
func (s *Service) extractToken(c *gin.Context) string {
	if token := s.bearerToken(c); token != "" {
		return token
	}
	if token, err := c.Cookie(s.cookieName); err == nil {
		return strings.TrimSpace(token)
	}
	return ""
}

func (s *Service) bearerToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(c.GetHeader(s.headerName)), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

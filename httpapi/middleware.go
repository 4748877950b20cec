package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const userKey = "userId"

// Authenticator checks account credentials. *db.DB implements it.
type Authenticator interface {
	AuthenticateUser(login, password string) (bool, error)
}

// BasicAuth resolves the current user from HTTP Basic credentials.
func BasicAuth(auth Authenticator, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		login, password, ok := c.Request.BasicAuth()
		if !ok || login == "" {
			c.Header("WWW-Authenticate", `Basic realm="dmsim"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "credentials required"})
			return
		}

		valid, err := auth.AuthenticateUser(login, password)
		if err != nil {
			log.Error().Err(err).Msg("Authentication lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		c.Set(userKey, login)
		c.Next()
	}
}

// RequestLogger logs every request with timing.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		if status >= 400 {
			event = log.Warn()
		}
		if status >= 500 {
			event = log.Error()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Str("user_id", c.GetString(userKey)).
			Msg("request")
	}
}

package middleware

import (
	"strings"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
	"lecturecast/internal/core/services"
	"lecturecast/pkg/errors"
	"lecturecast/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	callerKey = "caller"
	claimsKey = "stream_claims"

	// FingerprintHeader carries the device fingerprint a token may be bound to.
	FingerprintHeader = "X-Device-Fingerprint"
)

// CallerAuth resolves the platform caller from the Authorization header and
// stores it on the context. Requests without a valid platform session stop
// here.
func CallerAuth(provider ports.IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := provider.Identify(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			_ = c.Error(errors.FromDomain(err))
			c.Abort()
			return
		}

		c.Set(callerKey, caller)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), string(caller.UserID)))
		c.Next()
	}
}

// StreamTokenAuth admits requests carrying a valid stream access token,
// either as a Bearer header or a token query parameter. Device and address
// bindings present in the token are enforced.
func StreamTokenAuth(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			_ = c.Error(errors.NewTokenInvalidError())
			c.Abort()
			return
		}

		claims := tokens.Verify(token,
			services.ExpectFingerprint(c.GetHeader(FingerprintHeader)),
			services.ExpectClientIP(c.ClientIP()),
		)
		if claims == nil {
			_ = c.Error(errors.NewTokenInvalidError())
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		ctx := logger.WithUserID(c.Request.Context(), string(claims.UserID))
		c.Request = c.Request.WithContext(logger.WithStreamID(ctx, string(claims.StreamID)))
		c.Next()
	}
}

// CallerFrom returns the caller stored by CallerAuth.
func CallerFrom(c *gin.Context) *domain.Caller {
	v, ok := c.Get(callerKey)
	if !ok {
		return nil
	}
	caller, _ := v.(*domain.Caller)
	return caller
}

// ClaimsFrom returns the token claims stored by StreamTokenAuth.
func ClaimsFrom(c *gin.Context) *domain.AccessClaims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*domain.AccessClaims)
	return claims
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

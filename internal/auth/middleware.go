package auth

import (
	"net/http"
	"strings"

	"github.com/flakestry/flakestry/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const claimContextKey = "identity_claim"

// RequireIdentity validates the bearer token on the request and stores the
// resulting claim in the gin context. Requests without a valid token are
// rejected with 401.
func RequireIdentity(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
				Message: "missing bearer token",
			})
			return
		}

		claim, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			log.Warn().Err(err).Msg("identity token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
				Message: "invalid identity token",
			})
			return
		}

		c.Set(claimContextKey, claim)
		c.Next()
	}
}

// ClaimFromContext returns the claim stored by RequireIdentity.
func ClaimFromContext(c *gin.Context) (*Claim, bool) {
	value, exists := c.Get(claimContextKey)
	if !exists {
		return nil, false
	}
	claim, ok := value.(*Claim)
	return claim, ok
}

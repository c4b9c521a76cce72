package middleware

import "github.com/gin-gonic/gin"

const identityHeader = "X-Dp-User"
const identityContextKey = "dp_user_id"

// Identity extracts the caller identity an upstream authentication layer
// has already asserted. Authentication itself is out of scope for this
// service — it is a collaborator's job, not this middleware's — so
// Identity only trusts and forwards the header, it never verifies a
// credential. developMode additionally accepts
// requests with no header at all, attributing them to a fixed local
// development user, for running the service without a fronting gateway.
func Identity(developMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(identityHeader)
		if userID == "" {
			if !developMode {
				c.AbortWithStatusJSON(401, gin.H{"error": "missing " + identityHeader})
				return
			}
			userID = "dev-user"
		}
		c.Set(identityContextKey, userID)
		c.Next()
	}
}

// UserID returns the identity Identity attached to c. Empty if Identity
// was not run or rejected the request.
func UserID(c *gin.Context) string {
	v, _ := c.Get(identityContextKey)
	id, _ := v.(string)
	return id
}

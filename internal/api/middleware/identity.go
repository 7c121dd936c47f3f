package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

// Identity headers set by the gateway in front of this service. Auth
// mechanics live upstream; this service only consumes the resolved
// principal for the proxy access predicate.
const (
	HeaderUserID       = "X-User-Id"
	HeaderDepartmentID = "X-Department-Id"
	HeaderElevated     = "X-Elevated"

	callerKey = "caller"
)

// Identity extracts the caller principal from request headers and stores it
// in the request context for handlers and the proxy.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := types.Caller{
			UserID:       c.GetHeader(HeaderUserID),
			DepartmentID: c.GetHeader(HeaderDepartmentID),
			Elevated:     c.GetHeader(HeaderElevated) == "true",
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFrom returns the caller stored by the Identity middleware.
func CallerFrom(c *gin.Context) types.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(types.Caller); ok {
			return caller
		}
	}
	return types.Caller{}
}

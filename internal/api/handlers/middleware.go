package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
)

// Identity headers set by the upstream token verifier
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	actorKey = "actor"
)

// Identity reads the caller from the identity headers, falling back to the
// user_id and role query parameters for websocket upgrades.
func (h *Handlers) Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		role := strings.TrimSpace(c.GetHeader(HeaderUserRole))
		if id == "" {
			id = c.Query("user_id")
			role = c.Query("role")
		}
		if id == "" {
			h.respondError(c, apperrors.ErrMissingIdentity)
			return
		}

		actor := ride.Actor{ID: id, Role: ride.Role(strings.ToLower(role))}
		switch actor.Role {
		case ride.RoleRequester, ride.RoleDriver, ride.RoleAdmin:
		default:
			h.respondError(c, apperrors.Unauthorized("Unknown caller role", nil).WithDetail("role", role))
			return
		}

		c.Set(actorKey, actor)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed
func (h *Handlers) RequireRole(roles ...ride.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := currentActor(c)
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		h.respondError(c, apperrors.Forbidden("Role not allowed for this operation", nil).WithDetail("role", string(actor.Role)))
	}
}

func currentActor(c *gin.Context) ride.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(ride.Actor); ok {
			return actor
		}
	}
	return ride.Actor{}
}

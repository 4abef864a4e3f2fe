package auth

import (
	"github.com/gin-gonic/gin"
)

const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	roleSystem = "system"
)

// Actor is the already-authenticated caller of an engine operation.
type Actor struct {
	ID   string
	Role string
}

// Privileged reports whether the actor may approve, reject, and otherwise
// act on requests it does not own.
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == roleSystem
}

func (a Actor) Owns(requesterID string) bool {
	return a.ID != "" && a.ID == requesterID
}

// System is the actor used by background jobs such as the overdue sweeper.
func System() Actor {
	return Actor{ID: "system", Role: roleSystem}
}

// ActorFrom は RequireAuth が詰めた値から Actor を組み立てる
func ActorFrom(c *gin.Context) (Actor, bool) {
	id := c.GetString(CtxUserIDKey)
	if id == "" {
		return Actor{}, false
	}
	return Actor{ID: id, Role: c.GetString(CtxRoleKey)}, true
}

package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/caisse/internal/authorization"
)

func newUserActor(id, role string) authorization.Actor {
	return authorization.Actor{
		Type: authorization.ActorTypeUser,
		ID:   id,
		Role: role,
	}
}

// authorize gates a route on the casbin policy of the request tenant.
func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeWithContext(c *gin.Context, object string, action string) error {
	actor, ok := actorFromGin(c)
	if !ok {
		return ErrUnauthorized
	}
	if actor.Type != authorization.ActorTypeUser {
		return ErrForbidden
	}
	orgID, err := orgIDFromGin(c)
	if err != nil {
		return err
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(c.Request.Context(), actor, orgID.String(), strings.TrimSpace(object), strings.TrimSpace(action))
}

func actorFromGin(c *gin.Context) (authorization.Actor, bool) {
	if c == nil {
		return authorization.Actor{}, false
	}
	value, ok := c.Get(contextActorKey)
	if !ok {
		return authorization.Actor{}, false
	}
	actor, ok := value.(authorization.Actor)
	if !ok || strings.TrimSpace(actor.ID) == "" {
		return authorization.Actor{}, false
	}
	return actor, true
}

// actorLabel is the free-text actor stored on reports and audit rows.
func actorLabel(actor authorization.Actor) string {
	return actor.Type + ":" + actor.ID
}

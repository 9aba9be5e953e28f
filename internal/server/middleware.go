package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
)

const (
	HeaderOrg       = "X-Org-ID"
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	contextOrgIDKey = "org_id"
	contextActorKey = "actor"
)

// OrgContext resolves the tenant of the request from the X-Org-ID header.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if raw == "" {
			AbortWithError(c, newValidationError("org_id", "required", "X-Org-ID header is required"))
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID <= 0 {
			AbortWithError(c, newValidationError("org_id", "invalid_org_id", "invalid X-Org-ID header"))
			return
		}
		if _, err := s.organizations.GetByID(c.Request.Context(), orgID); err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextOrgIDKey, orgID)
		c.Request = c.Request.WithContext(obscontext.WithOrgID(c.Request.Context(), orgID.String()))
		c.Next()
	}
}

// ActorContext reads the caller identity asserted by the upstream gateway.
func (s *Server) ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
		if id == "" || role == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := newUserActor(id, role)
		c.Set(contextActorKey, actor)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), actor.Type, actor.ID))
		c.Next()
	}
}

func orgIDFromGin(c *gin.Context) (snowflake.ID, error) {
	value, ok := c.Get(contextOrgIDKey)
	if !ok {
		return 0, ErrInvalidRequest
	}
	orgID, ok := value.(snowflake.ID)
	if !ok || orgID == 0 {
		return 0, ErrInvalidRequest
	}
	return orgID, nil
}

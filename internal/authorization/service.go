package authorization

import (
	"context"
	"errors"
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidObject       = errors.New("invalid_object")
	ErrInvalidAction       = errors.New("invalid_action")
	ErrInvalidRole         = errors.New("invalid_role")
)

// Actor is the caller of a fiscal action. Role is asserted by the caller;
// authentication happens upstream.
type Actor struct {
	Type string
	ID   string
	Role string
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, orgID string, object string, action string) error
}

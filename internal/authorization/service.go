package authorization

import (
	"context"

	"github.com/smallbiznis/licensegate/internal/apierror"
)

// Service authorizes administrative actions. Actors are "system",
// "admin:<id>" or "caller:<id>"; scope names the dataset the action
// touches, or GlobalScope.
type Service interface {
	Authorize(ctx context.Context, actor string, scope string, object string, action string) error
}

var (
	ErrForbidden     = apierror.New(apierror.KindForbidden, "FORBIDDEN", "actor is not allowed to perform this action")
	ErrInvalidActor  = apierror.New(apierror.KindValidation, "INVALID_ACTOR", "actor is malformed")
	ErrInvalidScope  = apierror.New(apierror.KindValidation, "INVALID_SCOPE", "scope is required")
	ErrInvalidObject = apierror.New(apierror.KindValidation, "INVALID_OBJECT", "object is required")
	ErrInvalidAction = apierror.New(apierror.KindValidation, "INVALID_ACTION", "action is required")
)

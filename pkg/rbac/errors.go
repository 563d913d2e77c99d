package rbac

import (
	"errors"
	"fmt"
)

// PermissionDeniedError is returned by Require when a check fails. It is
// distinct from authentication failure: the principal is known, but lacks
// the permission.
type PermissionDeniedError struct {
	UserID     int64
	Permission string
	TenantID   int64
}

// Error implements the error interface
func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user %d lacks permission %q in tenant %d", e.UserID, e.Permission, e.TenantID)
}

// IsPermissionDenied reports whether err is a permission denial
func IsPermissionDenied(err error) bool {
	var denied *PermissionDeniedError
	return errors.As(err, &denied)
}

// ErrRoleNotFound is returned when a role lookup matches nothing or the
// role has been deactivated
var ErrRoleNotFound = errors.New("role not found")

// ErrRoleScopeMismatch is returned when an assignment targets a role scoped
// to a different tenant or organization
var ErrRoleScopeMismatch = errors.New("role is not available in this tenant or organization")

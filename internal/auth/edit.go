package auth

import (
	"time"

	"bbj/internal/bbjerr"
	"bbj/internal/models"
)

// EditWindow is how long after creation a non-admin author may still modify
// their own message.
const EditWindow = 24 * time.Hour

// CanMutate decides whether the principal may edit or delete the message.
// The rules apply in order: anonymous principals are always refused, admins
// are always allowed, and otherwise the principal must be the author and
// within the edit window. A nil return means allowed.
func CanMutate(principal *models.User, message models.Message, now time.Time) error {
	if principal == nil {
		return bbjerr.PermissionDenied("anonymous principals cannot modify content")
	}
	if principal.IsAdmin {
		return nil
	}
	if principal.ID != message.AuthorID {
		return bbjerr.PermissionDenied("you are not the author of this message")
	}
	if now.Sub(message.CreatedAt) > EditWindow {
		return bbjerr.PermissionDenied(
			"posts may only be modified within %v of their creation", EditWindow)
	}
	return nil
}

// Package bbjerr defines the closed error taxonomy returned to API clients.
// Every failure a handler can surface is one of these kinds; anything else is
// coerced into an internal error at the pipeline boundary.
package bbjerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a failure category. The integer values are part of the wire
// protocol and must not be renumbered.
type Kind int

const (
	// KindMalformedInput means the request body failed to decode.
	KindMalformedInput Kind = 0
	// KindInternal covers any unanticipated fault. The detail is logged
	// server-side under a correlation id and never sent to the client.
	KindInternal Kind = 1
	// KindTransport surfaces a non-2xx HTTP layer failure through the same
	// envelope shape.
	KindTransport Kind = 2
	// KindMissingParameter means a required key was absent or the body empty.
	KindMissingParameter Kind = 3
	// KindAdminRequired means a non-admin invoked an admin-only action.
	KindAdminRequired Kind = 4
	// KindAuthHeaderMismatch means one of the User/Auth headers was given
	// without the other.
	KindAuthHeaderMismatch Kind = 5
	// KindUnknownUser means the User header named an unregistered user.
	KindUnknownUser Kind = 6
	// KindInvalidCredential means the Auth header did not match the stored
	// credential digest.
	KindInvalidCredential Kind = 7
	// KindPermissionDenied covers ownership, edit-window, and anonymous-gate
	// refusals.
	KindPermissionDenied Kind = 8
)

var kindNames = map[Kind]string{
	KindMalformedInput:     "malformed_input",
	KindInternal:           "internal_error",
	KindTransport:          "transport_error",
	KindMissingParameter:   "missing_parameter",
	KindAdminRequired:      "admin_required",
	KindAuthHeaderMismatch: "auth_header_mismatch",
	KindUnknownUser:        "unknown_user",
	KindInvalidCredential:  "invalid_credential",
	KindPermissionDenied:   "permission_denied",
}

// String returns the stable snake_case name for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a domain failure carrying its kind and a user-facing description.
// Values are immutable once constructed.
type Error struct {
	Kind        Kind
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// New constructs a domain error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// MalformedInput reports a body that failed to decode.
func MalformedInput(format string, args ...any) *Error {
	return New(KindMalformedInput, format, args...)
}

// Internal reports an unanticipated fault identified by a correlation id.
func Internal(correlationID string) *Error {
	return New(KindInternal, "internal server error: code %s", correlationID)
}

// MissingParameter names the absent key and the endpoint's full required set.
func MissingParameter(key string, required []string) *Error {
	return New(KindMissingParameter,
		"required parameter %q is absent from the request; this method requires the following arguments: %s",
		key, joinKeys(required))
}

// EmptyBody reports an empty request body for an endpoint that declares
// required arguments.
func EmptyBody(required []string) *Error {
	return New(KindMissingParameter,
		"request body is empty; this method requires the following arguments: %s",
		joinKeys(required))
}

// AuthHeaderMismatch reports a lone User or Auth header.
func AuthHeaderMismatch() *Error {
	return New(KindAuthHeaderMismatch, "User or Auth was given without the other")
}

// UnknownUser reports an unregistered username.
func UnknownUser(name string) *Error {
	return New(KindUnknownUser, "user %s is not registered", name)
}

// InvalidCredential reports a failed credential digest match.
func InvalidCredential() *Error {
	return New(KindInvalidCredential, "invalid authorization key for user")
}

// PermissionDenied reports a refused mutation or gated action.
func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, format, args...)
}

// AdminRequired reports an admin-only action invoked by a non-admin.
func AdminRequired() *Error {
	return New(KindAdminRequired, "this action requires an administrator")
}

// As extracts a domain error from an error chain.
func As(err error) (*Error, bool) {
	var domain *Error
	if errors.As(err, &domain) {
		return domain, true
	}
	return nil, false
}

func joinKeys(keys []string) string {
	return strings.Join(keys, ", ")
}

// Package auth defines the user identity handed to the messaging core and
// the bearer-token verification hook. The core treats tokens as opaque: a
// token that fails verification refuses the connection, nothing more.
package auth

import "errors"

// User roles, matching the venue backend's user table.
const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleWorker  = "worker"
)

// ErrAuthRequired is returned when a handshake carries no credential or an
// invalid one.
var ErrAuthRequired = errors.New("auth: missing or invalid credential")

// Identity is a verified user identity. It is immutable for the lifetime of
// a session.
type Identity struct {
	ID   int64
	Name string
	Role string
}

// Authenticator verifies a bearer credential and resolves it to an Identity.
// Implementations are provided by the surrounding application; the core
// never inspects token contents itself.
type Authenticator interface {
	Verify(token string) (Identity, error)
}

// Authorizer gates message sending by role and scope. The chat surface in
// the venue app is flat (every role may post anywhere), so the default
// implementation allows everything; the hook exists so the application can
// tighten policy without touching the router.
type Authorizer interface {
	CanSend(id Identity, private bool) bool
}

// AllowAll is the default Authorizer.
type AllowAll struct{}

// CanSend always returns true.
func (AllowAll) CanSend(Identity, bool) bool { return true }

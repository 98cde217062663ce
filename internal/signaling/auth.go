package signaling

import "context"

// Authenticator verifies a handshake's bearer token against the external
// identity authority (out of scope per spec §1: "CRUD data model... an
// external transactional store"). A non-nil error closes the socket with
// reason auth-failed.
type Authenticator interface {
	Authenticate(ctx context.Context, token, agentID, tenantID, userID string) error
}

// AuthenticatorFunc adapts a plain function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token, agentID, tenantID, userID string) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token, agentID, tenantID, userID string) error {
	return f(ctx, token, agentID, tenantID, userID)
}

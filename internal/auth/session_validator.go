package auth

import "context"

// SessionValidator checks whether a user's session is still valid. Session
// issuance and revocation live in the authentication service; this backend
// only consumes the check.
type SessionValidator interface {
	Validate(ctx context.Context, userID, sessionID string) error
}

// AllowAllSessions accepts every session. Used when no external session
// service is wired, typically in development and tests.
type AllowAllSessions struct{}

func (AllowAllSessions) Validate(ctx context.Context, userID, sessionID string) error {
	return nil
}

package session

import (
	"context"
	"time"

	"github.com/quantrail/identity/pkg/kernel"
)

// Store is the TTL-aware KV behind sessions, refresh families, rate limits,
// and the platform's one-shot tokens. Every mutation that must be atomic is
// atomic inside the store, not in the caller.
type Store interface {
	// CreateSession writes the session record, opens its refresh family, and
	// registers the family's first JTI. The caller mints the refresh token
	// with that JTI.
	CreateSession(ctx context.Context, userID kernel.UserID, deviceFP, ip string, mfa, persistent bool) (*Session, string, error)

	GetSession(ctx context.Context, sid kernel.SessionID) (*Session, error)

	// TouchSession advances last_active_at and re-derives the TTL as the
	// lesser of time-to-absolute-deadline and the inactivity window.
	TouchSession(ctx context.Context, sid kernel.SessionID) error

	// RotateFamily consumes oldJTI and registers a fresh JTI in one atomic
	// step. A consumed oldJTI means replay: the whole family and its session
	// are destroyed before the ReuseDetected error returns.
	RotateFamily(ctx context.Context, oldJTI string) (*Rotation, error)

	// RevokeSession deletes the session and every JTI of its family.
	// Revoking an already-gone session is a no-op, not an error.
	RevokeSession(ctx context.Context, sid kernel.SessionID) error

	// RevokeAllForUser revokes every live session of the user and reports
	// how many were removed.
	RevokeAllForUser(ctx context.Context, userID kernel.UserID) (int, error)

	ListSessions(ctx context.Context, userID kernel.UserID) ([]Session, error)

	CheckRateLimit(ctx context.Context, scope, id string, limit int, window time.Duration) (*RateLimitResult, error)

	// One-shot tokens. Every Take consumes: a second Take of the same token
	// misses regardless of TTL.
	PutChallenge(ctx context.Context, token string, userID kernel.UserID) error
	TakeChallenge(ctx context.Context, token string) (kernel.UserID, error)

	PutResetToken(ctx context.Context, tokenHash string, userID kernel.UserID) error
	TakeResetToken(ctx context.Context, tokenHash string) (kernel.UserID, error)

	PutOAuthState(ctx context.Context, state string, st OAuthState) error
	TakeOAuthState(ctx context.Context, state string) (*OAuthState, error)
}

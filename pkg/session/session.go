package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("SESSION")

var (
	CodeUnknownToken  = ErrRegistry.Register("UNKNOWN_TOKEN", errx.TypeAuthentication, http.StatusUnauthorized, "Refresh token unknown or expired")
	CodeReuseDetected = ErrRegistry.Register("REUSE_DETECTED", errx.TypeReuseDetected, http.StatusUnauthorized, "Refresh token reuse detected; session revoked")
	CodeNotFound      = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Session not found")
	CodeStoreFailed   = ErrRegistry.Register("STORE_FAILED", errx.TypeDependency, http.StatusServiceUnavailable, "Session store unavailable")
)

// ============================================================================
// Domain
// ============================================================================

// Session is the server-side record of one device's authenticated presence.
// Exactly one refresh-token family belongs to it.
type Session struct {
	ID           kernel.SessionID
	UserID       kernel.UserID
	Family       kernel.FamilyID
	DeviceFP     string
	IP           string
	MFAVerified  bool
	Persistent   bool
	CreatedAt    time.Time
	LastActiveAt time.Time
	// Deadline is the absolute expiry; inactivity may end the session sooner.
	Deadline time.Time
}

// Rotation is the outcome of a successful refresh-family CAS. The new JTI has
// been registered before this returns; the caller mints the matching token.
type Rotation struct {
	NewJTI    string
	OldJTI    string
	UserID    kernel.UserID
	SessionID kernel.SessionID
	Family    kernel.FamilyID
}

// RateLimitResult reports a sliding-window decision.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// OAuthState is the one-shot record behind an OAuth authorization round trip.
type OAuthState struct {
	RedirectURI string `json:"redirect_uri"`
	Nonce       string `json:"nonce"`
}

// TTLs carries the store's time policy. Absolute bounds the session outright;
// Short replaces it for non-persistent logins; Inactivity ends idle sessions
// early on every touch.
type TTLs struct {
	Absolute   time.Duration
	Short      time.Duration
	Inactivity time.Duration
	Refresh    time.Duration
	Challenge  time.Duration
	Reset      time.Duration
	OAuthState time.Duration
}

// Fingerprint derives a stable device fingerprint from the client's
// user agent and IP. It is an identifier for session listings and audit
// trails, not an authentication factor.
func Fingerprint(userAgent, ip string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + ip))
	return hex.EncodeToString(sum[:16])
}

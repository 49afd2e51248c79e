package auth

import (
	"net/http"
	"time"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/session"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("AUTH")

var (
	// Missing user and wrong password are indistinguishable on purpose.
	CodeInvalidCredentials = ErrRegistry.Register("INVALID_CREDENTIALS", errx.TypeAuthentication, http.StatusUnauthorized, "Invalid credentials")
	CodeAccountDisabled    = ErrRegistry.Register("ACCOUNT_DISABLED", errx.TypeAuthorization, http.StatusForbidden, "Account is suspended or deactivated")
	CodeRateLimited        = ErrRegistry.Register("RATE_LIMITED", errx.TypeRateLimited, http.StatusTooManyRequests, "Too many attempts, try again later")
	CodeChallengeExpired   = ErrRegistry.Register("CHALLENGE_EXPIRED", errx.TypeAuthentication, http.StatusUnauthorized, "MFA challenge expired or already used")
	CodeSessionRevoked     = ErrRegistry.Register("SESSION_REVOKED", errx.TypeAuthentication, http.StatusUnauthorized, "Session revoked, please sign in again")
	CodeResetInvalid       = ErrRegistry.Register("RESET_INVALID", errx.TypeAuthentication, http.StatusUnauthorized, "Reset token invalid, expired, or already used")
	CodeForbidden          = ErrRegistry.Register("FORBIDDEN", errx.TypeAuthorization, http.StatusForbidden, "Not allowed")
	CodeOAuthDisabled      = ErrRegistry.Register("OAUTH_DISABLED", errx.TypeValidation, http.StatusBadRequest, "OAuth provider not configured")
	CodeOAuthFailed        = ErrRegistry.Register("OAUTH_FAILED", errx.TypeDependency, http.StatusBadGateway, "OAuth code exchange failed")
	CodeEmailUnverified    = ErrRegistry.Register("EMAIL_UNVERIFIED", errx.TypeAuthentication, http.StatusUnauthorized, "Identity provider did not verify the email")
)

// ============================================================================
// Inputs & results
// ============================================================================

// Client identifies the device behind a request; it feeds fingerprints,
// rate limits, and the audit trail.
type Client struct {
	IP        string
	UserAgent string
}

// RegisterInput is the self-service registration payload.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
	Timezone    string
	Locale      string
}

// LoginInput is the password login payload. Persistent selects the long
// absolute session TTL ("remember me").
type LoginInput struct {
	Email      string
	Password   string
	Persistent bool
	Client     Client
}

// TokenPair is a freshly minted access + refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is the outcome of Login or VerifyMfa. When MFARequired is
// set only Challenge is populated; tokens come from the VerifyMfa step.
type LoginResult struct {
	MFARequired bool
	Challenge   string

	UserID  kernel.UserID
	Session *session.Session
	Tokens  *TokenPair
}

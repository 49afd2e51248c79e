package token

import (
	"net/http"
	"time"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("TOKEN")

var (
	CodeExpired       = ErrRegistry.Register("EXPIRED", errx.TypeAuthentication, http.StatusUnauthorized, "Token expired")
	CodeNotYetValid   = ErrRegistry.Register("NOT_YET_VALID", errx.TypeAuthentication, http.StatusUnauthorized, "Token not yet valid")
	CodeBadSignature  = ErrRegistry.Register("BAD_SIGNATURE", errx.TypeAuthentication, http.StatusUnauthorized, "Token signature invalid")
	CodeUnknownKey    = ErrRegistry.Register("UNKNOWN_KEY", errx.TypeAuthentication, http.StatusUnauthorized, "Token signed with unknown key")
	CodeWrongAudience = ErrRegistry.Register("WRONG_AUDIENCE", errx.TypeAuthentication, http.StatusUnauthorized, "Token audience mismatch")
	CodeMalformed     = ErrRegistry.Register("MALFORMED", errx.TypeAuthentication, http.StatusUnauthorized, "Token malformed")
	CodeMintFailed    = ErrRegistry.Register("MINT_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Token minting failed")
)

// ============================================================================
// Kinds & Claims
// ============================================================================

// Kind distinguishes the three first-party token types. Each kind gets its
// own audience so a refresh token can never pass as an access token.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindService Kind = "service"
)

// Claims is the decoded, kind-agnostic payload of a minted token. Zero-value
// fields are absent from the wire form.
type Claims struct {
	// Subject is "user:<id>" or "svc:<name>".
	Subject string

	// User-token claims.
	SessionID   kernel.SessionID
	Roles       []string
	AccountIDs  []kernel.AccountID
	MFAVerified bool

	// Refresh-token claims.
	JTI       string
	Family    kernel.FamilyID
	ParentJTI string

	// Service-token claims.
	Scope string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// UserID extracts the user id from a "user:<id>" subject.
func (c *Claims) UserID() (kernel.UserID, bool) {
	const prefix = "user:"
	if len(c.Subject) > len(prefix) && c.Subject[:len(prefix)] == prefix {
		return kernel.NewUserID(c.Subject[len(prefix):]), true
	}
	return "", false
}

// ServiceName extracts the service name from a "svc:<name>" subject.
func (c *Claims) ServiceName() (string, bool) {
	const prefix = "svc:"
	if len(c.Subject) > len(prefix) && c.Subject[:len(prefix)] == prefix {
		return c.Subject[len(prefix):], true
	}
	return "", false
}

// Principal converts validated access/service claims into a kernel principal.
func (c *Claims) Principal() kernel.Principal {
	p := kernel.Principal{
		SessionID:   c.SessionID,
		Roles:       c.Roles,
		AccountIDs:  c.AccountIDs,
		MFAVerified: c.MFAVerified,
		Scope:       c.Scope,
	}
	if uid, ok := c.UserID(); ok {
		p.UserID = uid
	}
	if svc, ok := c.ServiceName(); ok {
		p.Service = svc
	}
	return p
}

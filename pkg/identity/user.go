package identity

import (
	"net/http"
	"strings"
	"time"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("USER")

var (
	CodeNotFound      = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "User not found")
	CodeEmailTaken    = ErrRegistry.Register("EMAIL_TAKEN", errx.TypeConflict, http.StatusConflict, "Email already registered")
	CodeRoleNotFound  = ErrRegistry.Register("ROLE_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Role not found")
	CodeDuplicateRole = ErrRegistry.Register("DUPLICATE_ROLE", errx.TypeConflict, http.StatusConflict, "Role already assigned")
	CodeLastRole      = ErrRegistry.Register("LAST_ROLE", errx.TypeConflict, http.StatusConflict, "Cannot revoke a user's last role")
)

// ============================================================================
// Domain
// ============================================================================

// Status is the user lifecycle state. Deactivated is terminal; the ID shell
// is never reused or hard-deleted.
type Status string

const (
	StatusPendingVerification Status = "PENDING_VERIFICATION"
	StatusActive              Status = "ACTIVE"
	StatusSuspended           Status = "SUSPENDED"
	StatusDeactivated         Status = "DEACTIVATED"
)

// User is a human principal. The password hash is opaque and
// algorithm-tagged; everything secret beyond it lives in the vault.
type User struct {
	ID            kernel.UserID
	Email         string
	DisplayName   string
	Phone         string
	Timezone      string
	Locale        string
	Status        Status
	PasswordHash  string
	MFAEnabled    bool
	OAuthProvider string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanAuthenticate reports whether login may proceed. Pending users may log
// in; suspended and deactivated ones may not.
func (u *User) CanAuthenticate() bool {
	return u.Status == StatusActive || u.Status == StatusPendingVerification
}

// NormalizeEmail case-folds for the uniqueness check and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Role is a symbolic grant, seeded at deployment.
type Role struct {
	Name        string
	Description string
}

// DefaultRole is assigned to every registration.
const DefaultRole = "user"

// RoleAssignment records who granted a role and when.
type RoleAssignment struct {
	UserID    kernel.UserID
	Role      string
	GrantedBy kernel.UserID
	GrantedAt time.Time
}

// UserStats is the admin statistics view.
type UserStats struct {
	Total      int
	ByStatus   map[Status]int
	MFAEnabled int
}

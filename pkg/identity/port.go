package identity

import (
	"context"

	"github.com/quantrail/identity/pkg/kernel"
)

// UserStore persists principals. Users are never hard-deleted; deactivation
// and PII scrubbing keep the ID shell for audit linkage.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id kernel.UserID) (*User, error)
	// GetUserByEmail resolves among non-deactivated users only.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateProfile(ctx context.Context, user *User) error
	SetPasswordHash(ctx context.Context, id kernel.UserID, hash string) error
	SetMFAEnabled(ctx context.Context, id kernel.UserID, enabled bool) error
	SetStatus(ctx context.Context, id kernel.UserID, status Status) error
	// SearchUsers matches email or display name, paginated.
	SearchUsers(ctx context.Context, query string, opts kernel.PaginationOptions) (kernel.Paginated[User], error)
	Stats(ctx context.Context) (*UserStats, error)
	// ScrubPII blanks email, name, and phone while keeping the ID shell.
	ScrubPII(ctx context.Context, id kernel.UserID) error
}

// RoleStore persists roles and their assignments.
type RoleStore interface {
	EnsureRole(ctx context.Context, role Role) error
	ListRoles(ctx context.Context) ([]Role, error)
	RolesForUser(ctx context.Context, id kernel.UserID) ([]string, error)
	AssignRole(ctx context.Context, id kernel.UserID, role string, grantedBy kernel.UserID) error
	// RevokeRole fails with LastRole when it would leave the user roleless.
	RevokeRole(ctx context.Context, id kernel.UserID, role string) error
}

// AccountStore persists trading accounts and memberships.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct *TradingAccount) error
	GetAccount(ctx context.Context, id kernel.AccountID) (*TradingAccount, error)
	UpdateAccount(ctx context.Context, acct *TradingAccount) error
	ListAccountsForOwner(ctx context.Context, ownerID kernel.UserID) ([]TradingAccount, error)
	// AccountIDsForUser returns owned plus membership-granted account ids,
	// the set stamped into token claims.
	AccountIDsForUser(ctx context.Context, userID kernel.UserID) ([]kernel.AccountID, error)
	AddMembership(ctx context.Context, m Membership) error
	RemoveMembership(ctx context.Context, accountID kernel.AccountID, userID kernel.UserID) error
	ListMembers(ctx context.Context, accountID kernel.AccountID) ([]Membership, error)
}

// PrefStore persists preference blobs.
type PrefStore interface {
	GetPrefs(ctx context.Context, userID kernel.UserID) (Prefs, error)
	SavePrefs(ctx context.Context, userID kernel.UserID, prefs Prefs) error
}

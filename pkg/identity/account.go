package identity

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

var AcctRegistry = errx.NewRegistry("ACCT")

var (
	CodeAccountNotFound = AcctRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Trading account not found")
	CodeAccountRevoked  = AcctRegistry.Register("REVOKED", errx.TypeConflict, http.StatusConflict, "Trading account is revoked")
	CodeMemberExists    = AcctRegistry.Register("MEMBER_EXISTS", errx.TypeConflict, http.StatusConflict, "Membership already granted")
	CodeMemberNotFound  = AcctRegistry.Register("MEMBER_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Membership not found")
)

// ============================================================================
// Domain
// ============================================================================

// AccountStatus is the broker-link lifecycle state.
type AccountStatus string

const (
	AccountActive      AccountStatus = "ACTIVE"
	AccountNeedsReauth AccountStatus = "NEEDS_REAUTH"
	AccountRevoked     AccountStatus = "REVOKED"
)

// TradingAccount links a user to a broker-side account. The operational
// store holds only the vault reference; broker credentials never appear here
// in plaintext.
type TradingAccount struct {
	ID        kernel.AccountID
	OwnerID   kernel.UserID
	Broker    string
	Handle    string
	Status    AccountStatus
	VaultRef  kernel.VaultRef
	Profile   json.RawMessage // broker snapshot, opaque to this service
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership grants another user use-permission on an account. Ownership
// itself is not a membership.
type Membership struct {
	AccountID kernel.AccountID
	UserID    kernel.UserID
	GrantedBy kernel.UserID
	GrantedAt time.Time
}

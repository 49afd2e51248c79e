package mfa

import (
	"context"
	"time"

	"github.com/quantrail/identity/pkg/kernel"
)

// TotpRecord is the per-user MFA state. It holds vault references only; the
// secret and backup codes never touch this store in plaintext.
type TotpRecord struct {
	UserID     kernel.UserID
	SecretRef  kernel.VaultRef
	Confirmed  bool
	BackupRefs []kernel.VaultRef
	CreatedAt  time.Time
}

// SecretStore persists TOTP enrollment state.
type SecretStore interface {
	// SaveTotp upserts the record, replacing any prior enrollment state.
	SaveTotp(ctx context.Context, rec TotpRecord) error
	// GetTotp returns the record, or a NotFound error when the user has no
	// enrollment at all.
	GetTotp(ctx context.Context, userID kernel.UserID) (*TotpRecord, error)
	ConfirmTotp(ctx context.Context, userID kernel.UserID) error
	// ReplaceBackupRefs swaps the full backup-code reference list.
	ReplaceBackupRefs(ctx context.Context, userID kernel.UserID, refs []kernel.VaultRef) error
	// RemoveBackupRef drops one consumed backup-code reference.
	RemoveBackupRef(ctx context.Context, userID kernel.UserID, ref kernel.VaultRef) error
	DeleteTotp(ctx context.Context, userID kernel.UserID) error
	// ListUnconfirmed returns users whose enrollment started before the
	// cutoff and was never confirmed.
	ListUnconfirmed(ctx context.Context, before time.Time) ([]kernel.UserID, error)
}

// UserFlags flips the user's mfa-enabled marker when enrollment state
// changes. Implemented by the user store.
type UserFlags interface {
	SetMFAEnabled(ctx context.Context, userID kernel.UserID, enabled bool) error
}

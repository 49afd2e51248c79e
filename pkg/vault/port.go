package vault

import (
	"context"
	"time"

	"github.com/quantrail/identity/pkg/kernel"
)

// KMS is the contract the vault requires of any key-management service:
// symmetric wrap/unwrap of per-record data keys under a master key the
// process never sees.
type KMS interface {
	Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Record is one envelope-encrypted secret as persisted. Only ciphertext and
// the wrapped data key touch storage; the plaintext data key lives in process
// memory for the duration of a single operation.
type Record struct {
	Ref        kernel.VaultRef `db:"ref"`
	OwnerID    kernel.UserID   `db:"owner_id"`
	Label      string          `db:"label"`
	Ciphertext []byte          `db:"ciphertext"`
	Nonce      []byte          `db:"nonce"`
	WrappedKey []byte          `db:"wrapped_key"`
	KMSKeyID   string          `db:"kms_key_id"`
	CreatedAt  time.Time       `db:"created_at"`
	Tombstoned bool            `db:"tombstoned"`
}

// RecordStore persists vault records. Tombstoned records stay retrievable by
// the audit-retention sweeper but are invisible to Fetch.
type RecordStore interface {
	Save(ctx context.Context, rec Record) error
	Find(ctx context.Context, ref kernel.VaultRef) (*Record, error)
	Tombstone(ctx context.Context, ref kernel.VaultRef) error
	ListLive(ctx context.Context) ([]Record, error)
	Update(ctx context.Context, rec Record) error
	DeleteByOwnerAndLabel(ctx context.Context, owner kernel.UserID, labelPrefix string) error
}

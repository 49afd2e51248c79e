package keyring

import (
	"context"
	"time"
)

// KeyStore persists signing keys. Implementations encrypt private material
// at rest (the postgres store wraps it through the KMS envelope); the
// in-memory store used in tests keeps it in process only.
type KeyStore interface {
	SaveKey(ctx context.Context, key SigningKey) error
	ListKeys(ctx context.Context) ([]SigningKey, error)
	UpdateStatus(ctx context.Context, kid string, status KeyStatus, notAfter *time.Time) error
}

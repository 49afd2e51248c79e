package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"net/http"

	"github.com/google/uuid"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/logx"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("VAULT")

var (
	CodeNotFound      = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Vault record not found")
	CodeDecryptFailed = ErrRegistry.Register("DECRYPT_FAILED", errx.TypeDependency, http.StatusServiceUnavailable, "Vault record could not be decrypted")
	CodeKMSFailed     = ErrRegistry.Register("KMS_FAILED", errx.TypeDependency, http.StatusServiceUnavailable, "KMS operation failed")
	CodeStoreFailed   = ErrRegistry.Register("STORE_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Vault storage operation failed")
)

func ErrNotFound() *errx.Error      { return ErrRegistry.New(CodeNotFound) }
func ErrDecryptFailed() *errx.Error { return ErrRegistry.New(CodeDecryptFailed) }

// ============================================================================
// Service
// ============================================================================

// Service stores high-sensitivity per-user secrets (TOTP secrets, backup
// codes, broker credentials) with envelope encryption: a fresh 256-bit data
// key per record, AES-256-GCM over the plaintext, and the data key wrapped by
// the KMS master key. Callers hold only the opaque vault ref.
type Service struct {
	store    RecordStore
	kms      KMS
	masterID string
}

func NewService(store RecordStore, kms KMS, masterKeyID string) *Service {
	return &Service{store: store, kms: kms, masterID: masterKeyID}
}

// Store envelope-encrypts plaintext and persists it, returning the ref.
func (s *Service) Store(ctx context.Context, owner kernel.UserID, label string, plaintext []byte) (kernel.VaultRef, error) {
	dataKey := make([]byte, 32)
	if _, err := rand.Read(dataKey); err != nil {
		return "", ErrRegistry.NewWithCause(CodeStoreFailed, err)
	}
	defer zero(dataKey)

	ciphertext, nonce, err := seal(dataKey, plaintext)
	if err != nil {
		return "", ErrRegistry.NewWithCause(CodeStoreFailed, err)
	}

	wrapped, err := s.kms.Encrypt(ctx, s.masterID, dataKey)
	if err != nil {
		return "", ErrRegistry.NewWithCause(CodeKMSFailed, err)
	}

	rec := Record{
		Ref:        kernel.NewVaultRef(uuid.NewString()),
		OwnerID:    owner,
		Label:      label,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		WrappedKey: wrapped,
		KMSKeyID:   s.masterID,
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return "", errx.Wrap(err, "saving vault record", errx.TypeInternal)
	}
	return rec.Ref, nil
}

// Fetch decrypts the record behind ref. A decrypt failure is logged at error
// severity and never cached; callers treat it as the credential being
// unavailable, not absent.
func (s *Service) Fetch(ctx context.Context, ref kernel.VaultRef) ([]byte, error) {
	rec, err := s.store.Find(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.Tombstoned {
		return nil, ErrNotFound().WithDetail("ref", ref.String())
	}

	dataKey, err := s.kms.Decrypt(ctx, rec.WrappedKey)
	if err != nil {
		logx.WithError(err).WithField("ref", ref.String()).Error("vault: data key unwrap failed")
		return nil, ErrRegistry.NewWithCause(CodeDecryptFailed, err)
	}
	defer zero(dataKey)

	plaintext, err := open(dataKey, rec.Nonce, rec.Ciphertext)
	if err != nil {
		logx.WithError(err).WithField("ref", ref.String()).Error("vault: record decrypt failed")
		return nil, ErrRegistry.NewWithCause(CodeDecryptFailed, err)
	}
	return plaintext, nil
}

// Rotate replaces the secret with newPlaintext under a fresh data key and a
// new ref. The old record is tombstoned, not purged, so audit linkage
// survives until retention eviction.
func (s *Service) Rotate(ctx context.Context, ref kernel.VaultRef, newPlaintext []byte) (kernel.VaultRef, error) {
	old, err := s.store.Find(ctx, ref)
	if err != nil {
		return "", err
	}
	newRef, err := s.Store(ctx, old.OwnerID, old.Label, newPlaintext)
	if err != nil {
		return "", err
	}
	if err := s.store.Tombstone(ctx, ref); err != nil {
		return "", errx.Wrap(err, "tombstoning rotated vault record", errx.TypeInternal)
	}
	return newRef, nil
}

// Delete tombstones the record behind ref.
func (s *Service) Delete(ctx context.Context, ref kernel.VaultRef) error {
	return s.store.Tombstone(ctx, ref)
}

// DeleteByOwnerAndLabel tombstones every live record of owner whose label
// starts with labelPrefix. Used when MFA is disabled (secret + all backups).
func (s *Service) DeleteByOwnerAndLabel(ctx context.Context, owner kernel.UserID, labelPrefix string) error {
	return s.store.DeleteByOwnerAndLabel(ctx, owner, labelPrefix)
}

// ReencryptAllUnder rewraps every live record's data key under newKMSKeyID.
// Offline migration path; record ciphertext is untouched.
func (s *Service) ReencryptAllUnder(ctx context.Context, newKMSKeyID string) (int, error) {
	records, err := s.store.ListLive(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, rec := range records {
		if rec.KMSKeyID == newKMSKeyID {
			continue
		}
		dataKey, err := s.kms.Decrypt(ctx, rec.WrappedKey)
		if err != nil {
			return migrated, ErrRegistry.NewWithCause(CodeKMSFailed, err).WithDetail("ref", rec.Ref.String())
		}
		wrapped, err := s.kms.Encrypt(ctx, newKMSKeyID, dataKey)
		zero(dataKey)
		if err != nil {
			return migrated, ErrRegistry.NewWithCause(CodeKMSFailed, err).WithDetail("ref", rec.Ref.String())
		}
		rec.WrappedKey = wrapped
		rec.KMSKeyID = newKMSKeyID
		if err := s.store.Update(ctx, rec); err != nil {
			return migrated, errx.Wrap(err, "updating rewrapped record", errx.TypeInternal)
		}
		migrated++
	}
	return migrated, nil
}

// ─── AEAD helpers ────────────────────────────────────────────────────────────

func seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

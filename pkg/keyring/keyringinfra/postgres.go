package keyringinfra

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/keyring"
	"github.com/quantrail/identity/pkg/vault"
)

// PostgresKeyStore persists signing keys with the private half wrapped by
// the KMS master key. Only issuer nodes hold the KMS permissions to unwrap.
type PostgresKeyStore struct {
	db       *sqlx.DB
	kms      vault.KMS
	masterID string
}

func NewPostgresKeyStore(db *sqlx.DB, kms vault.KMS, masterKeyID string) keyring.KeyStore {
	return &PostgresKeyStore{db: db, kms: kms, masterID: masterKeyID}
}

type keyRow struct {
	KID        string     `db:"kid"`
	Status     string     `db:"status"`
	NotBefore  time.Time  `db:"not_before"`
	NotAfter   *time.Time `db:"not_after"`
	PublicDER  []byte     `db:"public_der"`
	PrivateEnc []byte     `db:"private_enc"`
}

func (s *PostgresKeyStore) SaveKey(ctx context.Context, key keyring.SigningKey) error {
	privateDER := x509.MarshalPKCS1PrivateKey(key.Private)
	privateEnc, err := s.kms.Encrypt(ctx, s.masterID, privateDER)
	if err != nil {
		return errx.Wrap(err, "wrapping private key", errx.TypeDependency)
	}

	row := keyRow{
		KID:        key.KID,
		Status:     string(key.Status),
		NotBefore:  key.NotBefore,
		NotAfter:   key.NotAfter,
		PublicDER:  x509.MarshalPKCS1PublicKey(key.Public),
		PrivateEnc: privateEnc,
	}
	query := `
		INSERT INTO signing_keys (kid, status, not_before, not_after, public_der, private_enc)
		VALUES (:kid, :status, :not_before, :not_after, :public_der, :private_enc)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return errx.Wrap(err, "saving signing key", errx.TypeInternal).WithDetail("kid", key.KID)
	}
	return nil
}

func (s *PostgresKeyStore) ListKeys(ctx context.Context) ([]keyring.SigningKey, error) {
	var rows []keyRow
	query := `SELECT * FROM signing_keys WHERE status != 'RETIRED' ORDER BY not_before`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errx.Wrap(err, "listing signing keys", errx.TypeInternal)
	}

	keys := make([]keyring.SigningKey, 0, len(rows))
	for _, row := range rows {
		privateDER, err := s.kms.Decrypt(ctx, row.PrivateEnc)
		if err != nil {
			return nil, errx.Wrap(err, "unwrapping private key", errx.TypeDependency).
				WithDetail("kid", row.KID)
		}
		priv, err := x509.ParsePKCS1PrivateKey(privateDER)
		if err != nil {
			return nil, errx.Wrap(err, "parsing private key", errx.TypeInternal).
				WithDetail("kid", row.KID)
		}
		keys = append(keys, keyring.SigningKey{
			KID:       row.KID,
			Status:    keyring.KeyStatus(row.Status),
			NotBefore: row.NotBefore,
			NotAfter:  row.NotAfter,
			Private:   priv,
			Public:    &priv.PublicKey,
		})
	}
	return keys, nil
}

func (s *PostgresKeyStore) UpdateStatus(ctx context.Context, kid string, status keyring.KeyStatus, notAfter *time.Time) error {
	query := `UPDATE signing_keys SET status = $2, not_after = COALESCE($3, not_after) WHERE kid = $1`
	result, err := s.db.ExecContext(ctx, query, kid, string(status), notAfter)
	if err != nil {
		return errx.Wrap(err, "updating signing key status", errx.TypeInternal).WithDetail("kid", kid)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return keyring.ErrUnknownKey().WithDetail("kid", kid)
	}
	return nil
}

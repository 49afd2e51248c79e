package vaultinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/vault"
)

// PostgresRecordStore is the PostgreSQL implementation of vault.RecordStore.
type PostgresRecordStore struct {
	db *sqlx.DB
}

func NewPostgresRecordStore(db *sqlx.DB) vault.RecordStore {
	return &PostgresRecordStore{db: db}
}

func (r *PostgresRecordStore) Save(ctx context.Context, rec vault.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO vault_records (
			ref, owner_id, label, ciphertext, nonce, wrapped_key, kms_key_id,
			created_at, tombstoned
		) VALUES (
			:ref, :owner_id, :label, :ciphertext, :nonce, :wrapped_key, :kms_key_id,
			:created_at, :tombstoned
		)`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return errx.Wrap(err, "failed to save vault record", errx.TypeInternal).
			WithDetail("ref", rec.Ref.String())
	}
	return nil
}

func (r *PostgresRecordStore) Find(ctx context.Context, ref kernel.VaultRef) (*vault.Record, error) {
	var rec vault.Record
	query := `SELECT * FROM vault_records WHERE ref = $1`
	if err := r.db.GetContext(ctx, &rec, query, ref.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, vault.ErrNotFound().WithDetail("ref", ref.String())
		}
		return nil, errx.Wrap(err, "failed to find vault record", errx.TypeInternal)
	}
	return &rec, nil
}

func (r *PostgresRecordStore) Tombstone(ctx context.Context, ref kernel.VaultRef) error {
	query := `UPDATE vault_records SET tombstoned = true WHERE ref = $1`
	result, err := r.db.ExecContext(ctx, query, ref.String())
	if err != nil {
		return errx.Wrap(err, "failed to tombstone vault record", errx.TypeInternal)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return vault.ErrNotFound().WithDetail("ref", ref.String())
	}
	return nil
}

func (r *PostgresRecordStore) ListLive(ctx context.Context) ([]vault.Record, error) {
	var recs []vault.Record
	query := `SELECT * FROM vault_records WHERE tombstoned = false ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &recs, query); err != nil {
		return nil, errx.Wrap(err, "failed to list vault records", errx.TypeInternal)
	}
	return recs, nil
}

func (r *PostgresRecordStore) Update(ctx context.Context, rec vault.Record) error {
	query := `
		UPDATE vault_records SET
			wrapped_key = :wrapped_key,
			kms_key_id = :kms_key_id
		WHERE ref = :ref`
	result, err := r.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return errx.Wrap(err, "failed to update vault record", errx.TypeInternal)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return vault.ErrNotFound().WithDetail("ref", rec.Ref.String())
	}
	return nil
}

func (r *PostgresRecordStore) DeleteByOwnerAndLabel(ctx context.Context, owner kernel.UserID, labelPrefix string) error {
	query := `UPDATE vault_records SET tombstoned = true WHERE owner_id = $1 AND label LIKE $2 || '%'`
	if _, err := r.db.ExecContext(ctx, query, owner.String(), labelPrefix); err != nil {
		return errx.Wrap(err, "failed to tombstone vault records by label", errx.TypeInternal)
	}
	return nil
}

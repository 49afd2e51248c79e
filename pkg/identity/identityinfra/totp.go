package identityinfra

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/mfa"
)

// PostgresTotpStore persists TOTP enrollment state. Only vault references
// land here; the secrets themselves live in the credential vault.
type PostgresTotpStore struct {
	db *sqlx.DB
}

func NewPostgresTotpStore(db *sqlx.DB) mfa.SecretStore {
	return &PostgresTotpStore{db: db}
}

type totpRow struct {
	UserID     string         `db:"user_id"`
	SecretRef  string         `db:"secret_ref"`
	Confirmed  bool           `db:"confirmed"`
	BackupRefs pq.StringArray `db:"backup_refs"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (s *PostgresTotpStore) SaveTotp(ctx context.Context, rec mfa.TotpRecord) error {
	refs := make(pq.StringArray, 0, len(rec.BackupRefs))
	for _, ref := range rec.BackupRefs {
		refs = append(refs, ref.String())
	}
	row := totpRow{
		UserID:     rec.UserID.String(),
		SecretRef:  rec.SecretRef.String(),
		Confirmed:  rec.Confirmed,
		BackupRefs: refs,
		CreatedAt:  rec.CreatedAt,
	}
	query := `
		INSERT INTO totp_secrets (user_id, secret_ref, confirmed, backup_refs, created_at)
		VALUES (:user_id, :secret_ref, :confirmed, :backup_refs, :created_at)
		ON CONFLICT (user_id) DO UPDATE SET
			secret_ref  = EXCLUDED.secret_ref,
			confirmed   = EXCLUDED.confirmed,
			backup_refs = EXCLUDED.backup_refs,
			created_at  = EXCLUDED.created_at`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return errx.Wrap(err, "saving totp record", errx.TypeInternal)
	}
	return nil
}

func (s *PostgresTotpStore) GetTotp(ctx context.Context, userID kernel.UserID) (*mfa.TotpRecord, error) {
	var row totpRow
	if err := s.db.GetContext(ctx, &row,
		`SELECT * FROM totp_secrets WHERE user_id = $1`, userID.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errx.New("no totp enrollment", errx.TypeNotFound)
		}
		return nil, errx.Wrap(err, "loading totp record", errx.TypeInternal)
	}

	refs := make([]kernel.VaultRef, 0, len(row.BackupRefs))
	for _, ref := range row.BackupRefs {
		refs = append(refs, kernel.NewVaultRef(ref))
	}
	return &mfa.TotpRecord{
		UserID:     kernel.NewUserID(row.UserID),
		SecretRef:  kernel.NewVaultRef(row.SecretRef),
		Confirmed:  row.Confirmed,
		BackupRefs: refs,
		CreatedAt:  row.CreatedAt,
	}, nil
}

func (s *PostgresTotpStore) ConfirmTotp(ctx context.Context, userID kernel.UserID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE totp_secrets SET confirmed = TRUE WHERE user_id = $1`, userID.String())
	if err != nil {
		return errx.Wrap(err, "confirming totp", errx.TypeInternal)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errx.New("no totp enrollment", errx.TypeNotFound)
	}
	return nil
}

func (s *PostgresTotpStore) ReplaceBackupRefs(ctx context.Context, userID kernel.UserID, refs []kernel.VaultRef) error {
	arr := make(pq.StringArray, 0, len(refs))
	for _, ref := range refs {
		arr = append(arr, ref.String())
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE totp_secrets SET backup_refs = $2 WHERE user_id = $1`, userID.String(), arr)
	if err != nil {
		return errx.Wrap(err, "replacing backup refs", errx.TypeInternal)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errx.New("no totp enrollment", errx.TypeNotFound)
	}
	return nil
}

func (s *PostgresTotpStore) RemoveBackupRef(ctx context.Context, userID kernel.UserID, ref kernel.VaultRef) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE totp_secrets SET backup_refs = array_remove(backup_refs, $2) WHERE user_id = $1`,
		userID.String(), ref.String()); err != nil {
		return errx.Wrap(err, "removing backup ref", errx.TypeInternal)
	}
	return nil
}

func (s *PostgresTotpStore) DeleteTotp(ctx context.Context, userID kernel.UserID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM totp_secrets WHERE user_id = $1`, userID.String()); err != nil {
		return errx.Wrap(err, "deleting totp record", errx.TypeInternal)
	}
	return nil
}

func (s *PostgresTotpStore) ListUnconfirmed(ctx context.Context, before time.Time) ([]kernel.UserID, error) {
	var raw []string
	err := s.db.SelectContext(ctx, &raw,
		`SELECT user_id FROM totp_secrets WHERE confirmed = false AND created_at < $1`, before)
	if err != nil {
		return nil, errx.Wrap(err, "listing unconfirmed enrollments", errx.TypeInternal)
	}
	ids := make([]kernel.UserID, 0, len(raw))
	for _, r := range raw {
		ids = append(ids, kernel.NewUserID(r))
	}
	return ids, nil
}

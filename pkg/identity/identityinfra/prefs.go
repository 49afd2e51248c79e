package identityinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/identity"
	"github.com/quantrail/identity/pkg/kernel"
)

// PostgresPrefStore persists preference blobs as one JSONB document per
// user. Merging happens in the domain layer; this store reads and writes
// whole documents.
type PostgresPrefStore struct {
	db *sqlx.DB
}

func NewPostgresPrefStore(db *sqlx.DB) *PostgresPrefStore {
	return &PostgresPrefStore{db: db}
}

func (s *PostgresPrefStore) GetPrefs(ctx context.Context, userID kernel.UserID) (identity.Prefs, error) {
	var raw []byte
	if err := s.db.GetContext(ctx, &raw,
		`SELECT prefs FROM user_preferences WHERE user_id = $1`, userID.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.DefaultPrefs(), nil
		}
		return nil, errx.Wrap(err, "loading preferences", errx.TypeInternal)
	}

	var prefs identity.Prefs
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return nil, errx.Wrap(err, "decoding preferences", errx.TypeInternal).
			WithDetail("user_id", userID.String())
	}
	return prefs, nil
}

func (s *PostgresPrefStore) SavePrefs(ctx context.Context, userID kernel.UserID, prefs identity.Prefs) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return errx.Wrap(err, "encoding preferences", errx.TypeInternal)
	}
	query := `
		INSERT INTO user_preferences (user_id, prefs, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET prefs = EXCLUDED.prefs, updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, userID.String(), raw); err != nil {
		return errx.Wrap(err, "saving preferences", errx.TypeInternal)
	}
	return nil
}

package policyinfra

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/policy"
)

// PostgresPolicyStore persists policies. Matcher lists map to text arrays;
// conditions serialize as JSONB.
type PostgresPolicyStore struct {
	db *sqlx.DB
}

func NewPostgresPolicyStore(db *sqlx.DB) policy.PolicyStore {
	return &PostgresPolicyStore{db: db}
}

type policyRow struct {
	ID          string         `db:"id"`
	Description string         `db:"description"`
	Priority    int            `db:"priority"`
	Effect      string         `db:"effect"`
	Subjects    pq.StringArray `db:"subjects"`
	Actions     pq.StringArray `db:"actions"`
	Resources   pq.StringArray `db:"resources"`
	Conditions  []byte         `db:"conditions"`
}

func toRow(p policy.Policy) (policyRow, error) {
	conditions, err := json.Marshal(p.Conditions)
	if err != nil {
		return policyRow{}, errx.Wrap(err, "encoding policy conditions", errx.TypeInternal)
	}
	return policyRow{
		ID:          p.ID,
		Description: p.Description,
		Priority:    p.Priority,
		Effect:      string(p.Effect),
		Subjects:    pq.StringArray(p.Subjects),
		Actions:     pq.StringArray(p.Actions),
		Resources:   pq.StringArray(p.Resources),
		Conditions:  conditions,
	}, nil
}

func (r policyRow) toDomain() (policy.Policy, error) {
	var conditions []policy.Condition
	if len(r.Conditions) > 0 {
		if err := json.Unmarshal(r.Conditions, &conditions); err != nil {
			return policy.Policy{}, errx.Wrap(err, "decoding policy conditions", errx.TypeInternal).
				WithDetail("policy_id", r.ID)
		}
	}
	return policy.Policy{
		ID:          r.ID,
		Description: r.Description,
		Priority:    r.Priority,
		Effect:      policy.Effect(r.Effect),
		Subjects:    []string(r.Subjects),
		Actions:     []string(r.Actions),
		Resources:   []string(r.Resources),
		Conditions:  conditions,
	}, nil
}

func (s *PostgresPolicyStore) ListPolicies(ctx context.Context) ([]policy.Policy, error) {
	var rows []policyRow
	query := `SELECT * FROM policies ORDER BY priority, id`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errx.Wrap(err, "listing policies", errx.TypeInternal)
	}

	policies := make([]policy.Policy, 0, len(rows))
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (s *PostgresPolicyStore) SavePolicy(ctx context.Context, p policy.Policy) error {
	row, err := toRow(p)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO policies (id, description, priority, effect, subjects, actions, resources, conditions)
		VALUES (:id, :description, :priority, :effect, :subjects, :actions, :resources, :conditions)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			priority    = EXCLUDED.priority,
			effect      = EXCLUDED.effect,
			subjects    = EXCLUDED.subjects,
			actions     = EXCLUDED.actions,
			resources   = EXCLUDED.resources,
			conditions  = EXCLUDED.conditions`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return errx.Wrap(err, "saving policy", errx.TypeInternal).WithDetail("policy_id", p.ID)
	}
	return nil
}

func (s *PostgresPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id); err != nil {
		return errx.Wrap(err, "deleting policy", errx.TypeInternal).WithDetail("policy_id", id)
	}
	return nil
}

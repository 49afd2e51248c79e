package identityinfra

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/identity"
	"github.com/quantrail/identity/pkg/kernel"
)

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// ============================================================================
// Users
// ============================================================================

// PostgresUserStore persists principals in the users table. Email uniqueness
// is enforced by a partial unique index over non-deactivated rows.
type PostgresUserStore struct {
	db *sqlx.DB
}

func NewPostgresUserStore(db *sqlx.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

type userRow struct {
	ID            string    `db:"id"`
	Email         string    `db:"email"`
	DisplayName   string    `db:"display_name"`
	Phone         string    `db:"phone"`
	Timezone      string    `db:"timezone"`
	Locale        string    `db:"locale"`
	Status        string    `db:"status"`
	PasswordHash  string    `db:"password_hash"`
	MFAEnabled    bool      `db:"mfa_enabled"`
	OAuthProvider string    `db:"oauth_provider"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func userToRow(u *identity.User) userRow {
	return userRow{
		ID:            u.ID.String(),
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		Phone:         u.Phone,
		Timezone:      u.Timezone,
		Locale:        u.Locale,
		Status:        string(u.Status),
		PasswordHash:  u.PasswordHash,
		MFAEnabled:    u.MFAEnabled,
		OAuthProvider: u.OAuthProvider,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func (r userRow) toDomain() *identity.User {
	return &identity.User{
		ID:            kernel.NewUserID(r.ID),
		Email:         r.Email,
		DisplayName:   r.DisplayName,
		Phone:         r.Phone,
		Timezone:      r.Timezone,
		Locale:        r.Locale,
		Status:        identity.Status(r.Status),
		PasswordHash:  r.PasswordHash,
		MFAEnabled:    r.MFAEnabled,
		OAuthProvider: r.OAuthProvider,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, user *identity.User) error {
	query := `
		INSERT INTO users (id, email, display_name, phone, timezone, locale, status,
			password_hash, mfa_enabled, oauth_provider, created_at, updated_at)
		VALUES (:id, :email, :display_name, :phone, :timezone, :locale, :status,
			:password_hash, :mfa_enabled, :oauth_provider, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, userToRow(user)); err != nil {
		if isUniqueViolation(err) {
			return identity.ErrRegistry.New(identity.CodeEmailTaken)
		}
		return errx.Wrap(err, "creating user", errx.TypeInternal)
	}
	return nil
}

func (s *PostgresUserStore) GetUser(ctx context.Context, id kernel.UserID) (*identity.User, error) {
	var row userRow
	query := `SELECT * FROM users WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrRegistry.New(identity.CodeNotFound).WithDetail("user_id", id.String())
		}
		return nil, errx.Wrap(err, "loading user", errx.TypeInternal)
	}
	return row.toDomain(), nil
}

func (s *PostgresUserStore) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	var row userRow
	query := `SELECT * FROM users WHERE email = $1 AND status != $2`
	if err := s.db.GetContext(ctx, &row, query, identity.NormalizeEmail(email), string(identity.StatusDeactivated)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrRegistry.New(identity.CodeNotFound)
		}
		return nil, errx.Wrap(err, "loading user by email", errx.TypeInternal)
	}
	return row.toDomain(), nil
}

func (s *PostgresUserStore) UpdateProfile(ctx context.Context, user *identity.User) error {
	query := `
		UPDATE users SET display_name = :display_name, phone = :phone,
			timezone = :timezone, locale = :locale, updated_at = NOW()
		WHERE id = :id`
	result, err := s.db.NamedExecContext(ctx, query, userToRow(user))
	if err != nil {
		return errx.Wrap(err, "updating user profile", errx.TypeInternal)
	}
	return requireRow(result, user.ID)
}

func (s *PostgresUserStore) SetPasswordHash(ctx context.Context, id kernel.UserID, hash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`,
		id.String(), hash)
	if err != nil {
		return errx.Wrap(err, "updating password hash", errx.TypeInternal)
	}
	return requireRow(result, id)
}

func (s *PostgresUserStore) SetMFAEnabled(ctx context.Context, id kernel.UserID, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET mfa_enabled = $2, updated_at = NOW() WHERE id = $1`,
		id.String(), enabled)
	if err != nil {
		return errx.Wrap(err, "updating mfa flag", errx.TypeInternal)
	}
	return requireRow(result, id)
}

func (s *PostgresUserStore) SetStatus(ctx context.Context, id kernel.UserID, status identity.Status) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = $2, updated_at = NOW() WHERE id = $1`,
		id.String(), string(status))
	if err != nil {
		return errx.Wrap(err, "updating user status", errx.TypeInternal)
	}
	return requireRow(result, id)
}

func (s *PostgresUserStore) SearchUsers(ctx context.Context, query string, opts kernel.PaginationOptions) (kernel.Paginated[identity.User], error) {
	opts = opts.Normalize()
	pattern := "%" + query + "%"

	var total int
	countQuery := `SELECT COUNT(*) FROM users WHERE email ILIKE $1 OR display_name ILIKE $1`
	if err := s.db.GetContext(ctx, &total, countQuery, pattern); err != nil {
		return kernel.Paginated[identity.User]{}, errx.Wrap(err, "counting users", errx.TypeInternal)
	}

	var rows []userRow
	listQuery := `
		SELECT * FROM users
		WHERE email ILIKE $1 OR display_name ILIKE $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	offset := (opts.Page - 1) * opts.PageSize
	if err := s.db.SelectContext(ctx, &rows, listQuery, pattern, opts.PageSize, offset); err != nil {
		return kernel.Paginated[identity.User]{}, errx.Wrap(err, "searching users", errx.TypeInternal)
	}

	users := make([]identity.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, *row.toDomain())
	}
	return kernel.NewPaginated(users, opts.Page, opts.PageSize, total), nil
}

func (s *PostgresUserStore) Stats(ctx context.Context) (*identity.UserStats, error) {
	type statusCount struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	var counts []statusCount
	if err := s.db.SelectContext(ctx, &counts,
		`SELECT status, COUNT(*) AS count FROM users GROUP BY status`); err != nil {
		return nil, errx.Wrap(err, "counting users by status", errx.TypeInternal)
	}

	stats := &identity.UserStats{ByStatus: make(map[identity.Status]int)}
	for _, c := range counts {
		stats.ByStatus[identity.Status(c.Status)] = c.Count
		stats.Total += c.Count
	}
	if err := s.db.GetContext(ctx, &stats.MFAEnabled,
		`SELECT COUNT(*) FROM users WHERE mfa_enabled`); err != nil {
		return nil, errx.Wrap(err, "counting mfa adoption", errx.TypeInternal)
	}
	return stats, nil
}

func (s *PostgresUserStore) ScrubPII(ctx context.Context, id kernel.UserID) error {
	// Keep the ID shell; blank everything a subject-erasure request covers.
	query := `
		UPDATE users SET
			email = 'scrubbed+' || id || '@invalid',
			display_name = '', phone = '', password_hash = '',
			updated_at = NOW()
		WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, id.String())
	if err != nil {
		return errx.Wrap(err, "scrubbing user pii", errx.TypeInternal)
	}
	return requireRow(result, id)
}

func requireRow(result sql.Result, id kernel.UserID) error {
	if n, _ := result.RowsAffected(); n == 0 {
		return identity.ErrRegistry.New(identity.CodeNotFound).WithDetail("user_id", id.String())
	}
	return nil
}

// ============================================================================
// Roles
// ============================================================================

type PostgresRoleStore struct {
	db *sqlx.DB
}

func NewPostgresRoleStore(db *sqlx.DB) *PostgresRoleStore {
	return &PostgresRoleStore{db: db}
}

func (s *PostgresRoleStore) EnsureRole(ctx context.Context, role identity.Role) error {
	query := `
		INSERT INTO roles (name, description) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, role.Name, role.Description); err != nil {
		return errx.Wrap(err, "seeding role", errx.TypeInternal).WithDetail("role", role.Name)
	}
	return nil
}

func (s *PostgresRoleStore) ListRoles(ctx context.Context) ([]identity.Role, error) {
	type roleRow struct {
		Name        string `db:"name"`
		Description string `db:"description"`
	}
	var rows []roleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, description FROM roles ORDER BY name`); err != nil {
		return nil, errx.Wrap(err, "listing roles", errx.TypeInternal)
	}
	roles := make([]identity.Role, 0, len(rows))
	for _, r := range rows {
		roles = append(roles, identity.Role{Name: r.Name, Description: r.Description})
	}
	return roles, nil
}

func (s *PostgresRoleStore) RolesForUser(ctx context.Context, id kernel.UserID) ([]string, error) {
	var roles []string
	query := `SELECT role_name FROM user_roles WHERE user_id = $1 ORDER BY role_name`
	if err := s.db.SelectContext(ctx, &roles, query, id.String()); err != nil {
		return nil, errx.Wrap(err, "listing user roles", errx.TypeInternal)
	}
	return roles, nil
}

func (s *PostgresRoleStore) AssignRole(ctx context.Context, id kernel.UserID, role string, grantedBy kernel.UserID) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM roles WHERE name = $1)`, role); err != nil {
		return errx.Wrap(err, "checking role", errx.TypeInternal)
	}
	if !exists {
		return identity.ErrRegistry.New(identity.CodeRoleNotFound).WithDetail("role", role)
	}

	query := `
		INSERT INTO user_roles (user_id, role_name, granted_by, granted_at)
		VALUES ($1, $2, $3, NOW())`
	if _, err := s.db.ExecContext(ctx, query, id.String(), role, grantedBy.String()); err != nil {
		if isUniqueViolation(err) {
			return identity.ErrRegistry.New(identity.CodeDuplicateRole).WithDetail("role", role)
		}
		return errx.Wrap(err, "assigning role", errx.TypeInternal)
	}
	return nil
}

func (s *PostgresRoleStore) RevokeRole(ctx context.Context, id kernel.UserID, role string) error {
	// Guard and delete in one transaction so two concurrent revokes cannot
	// strip the last role.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "starting revoke transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM user_roles WHERE user_id = $1 FOR UPDATE`, id.String()); err != nil {
		return errx.Wrap(err, "counting user roles", errx.TypeInternal)
	}
	if count <= 1 {
		return identity.ErrRegistry.New(identity.CodeLastRole)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_name = $2`, id.String(), role)
	if err != nil {
		return errx.Wrap(err, "revoking role", errx.TypeInternal)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return identity.ErrRegistry.New(identity.CodeRoleNotFound).WithDetail("role", role)
	}
	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "committing revoke", errx.TypeInternal)
	}
	return nil
}

// ============================================================================
// Trading accounts
// ============================================================================

type PostgresAccountStore struct {
	db *sqlx.DB
}

func NewPostgresAccountStore(db *sqlx.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

type accountRow struct {
	ID        string    `db:"id"`
	OwnerID   string    `db:"owner_id"`
	Broker    string    `db:"broker"`
	Handle    string    `db:"handle"`
	Status    string    `db:"status"`
	VaultRef  string    `db:"vault_ref"`
	Profile   []byte    `db:"profile"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func accountToRow(a *identity.TradingAccount) accountRow {
	profile := a.Profile
	if len(profile) == 0 {
		profile = []byte("{}")
	}
	return accountRow{
		ID:        a.ID.String(),
		OwnerID:   a.OwnerID.String(),
		Broker:    a.Broker,
		Handle:    a.Handle,
		Status:    string(a.Status),
		VaultRef:  a.VaultRef.String(),
		Profile:   profile,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func (r accountRow) toDomain() *identity.TradingAccount {
	return &identity.TradingAccount{
		ID:        kernel.NewAccountID(r.ID),
		OwnerID:   kernel.NewUserID(r.OwnerID),
		Broker:    r.Broker,
		Handle:    r.Handle,
		Status:    identity.AccountStatus(r.Status),
		VaultRef:  kernel.NewVaultRef(r.VaultRef),
		Profile:   r.Profile,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *PostgresAccountStore) CreateAccount(ctx context.Context, acct *identity.TradingAccount) error {
	query := `
		INSERT INTO trading_accounts (id, owner_id, broker, handle, status, vault_ref, profile, created_at, updated_at)
		VALUES (:id, :owner_id, :broker, :handle, :status, :vault_ref, :profile, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, accountToRow(acct)); err != nil {
		return errx.Wrap(err, "creating trading account", errx.TypeInternal)
	}
	return nil
}

func (s *PostgresAccountStore) GetAccount(ctx context.Context, id kernel.AccountID) (*identity.TradingAccount, error) {
	var row accountRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM trading_accounts WHERE id = $1`, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.AcctRegistry.New(identity.CodeAccountNotFound).WithDetail("account_id", id.String())
		}
		return nil, errx.Wrap(err, "loading trading account", errx.TypeInternal)
	}
	return row.toDomain(), nil
}

func (s *PostgresAccountStore) UpdateAccount(ctx context.Context, acct *identity.TradingAccount) error {
	query := `
		UPDATE trading_accounts SET broker = :broker, handle = :handle, status = :status,
			vault_ref = :vault_ref, profile = :profile, updated_at = NOW()
		WHERE id = :id`
	result, err := s.db.NamedExecContext(ctx, query, accountToRow(acct))
	if err != nil {
		return errx.Wrap(err, "updating trading account", errx.TypeInternal)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return identity.AcctRegistry.New(identity.CodeAccountNotFound).WithDetail("account_id", acct.ID.String())
	}
	return nil
}

func (s *PostgresAccountStore) ListAccountsForOwner(ctx context.Context, ownerID kernel.UserID) ([]identity.TradingAccount, error) {
	var rows []accountRow
	query := `SELECT * FROM trading_accounts WHERE owner_id = $1 ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &rows, query, ownerID.String()); err != nil {
		return nil, errx.Wrap(err, "listing trading accounts", errx.TypeInternal)
	}
	accounts := make([]identity.TradingAccount, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, *row.toDomain())
	}
	return accounts, nil
}

func (s *PostgresAccountStore) AccountIDsForUser(ctx context.Context, userID kernel.UserID) ([]kernel.AccountID, error) {
	var ids []string
	query := `
		SELECT id FROM trading_accounts WHERE owner_id = $1 AND status != $2
		UNION
		SELECT m.account_id FROM trading_account_members m
		JOIN trading_accounts a ON a.id = m.account_id
		WHERE m.user_id = $1 AND a.status != $2`
	if err := s.db.SelectContext(ctx, &ids, query, userID.String(), string(identity.AccountRevoked)); err != nil {
		return nil, errx.Wrap(err, "listing account ids", errx.TypeInternal)
	}
	out := make([]kernel.AccountID, 0, len(ids))
	for _, id := range ids {
		out = append(out, kernel.NewAccountID(id))
	}
	return out, nil
}

func (s *PostgresAccountStore) AddMembership(ctx context.Context, m identity.Membership) error {
	query := `
		INSERT INTO trading_account_members (account_id, user_id, granted_by, granted_at)
		VALUES ($1, $2, $3, NOW())`
	if _, err := s.db.ExecContext(ctx, query, m.AccountID.String(), m.UserID.String(), m.GrantedBy.String()); err != nil {
		if isUniqueViolation(err) {
			return identity.AcctRegistry.New(identity.CodeMemberExists)
		}
		return errx.Wrap(err, "granting membership", errx.TypeInternal)
	}
	return nil
}

func (s *PostgresAccountStore) RemoveMembership(ctx context.Context, accountID kernel.AccountID, userID kernel.UserID) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM trading_account_members WHERE account_id = $1 AND user_id = $2`,
		accountID.String(), userID.String())
	if err != nil {
		return errx.Wrap(err, "revoking membership", errx.TypeInternal)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return identity.AcctRegistry.New(identity.CodeMemberNotFound)
	}
	return nil
}

func (s *PostgresAccountStore) ListMembers(ctx context.Context, accountID kernel.AccountID) ([]identity.Membership, error) {
	type memberRow struct {
		AccountID string    `db:"account_id"`
		UserID    string    `db:"user_id"`
		GrantedBy string    `db:"granted_by"`
		GrantedAt time.Time `db:"granted_at"`
	}
	var rows []memberRow
	query := `SELECT * FROM trading_account_members WHERE account_id = $1 ORDER BY granted_at`
	if err := s.db.SelectContext(ctx, &rows, query, accountID.String()); err != nil {
		return nil, errx.Wrap(err, "listing memberships", errx.TypeInternal)
	}
	members := make([]identity.Membership, 0, len(rows))
	for _, row := range rows {
		members = append(members, identity.Membership{
			AccountID: kernel.NewAccountID(row.AccountID),
			UserID:    kernel.NewUserID(row.UserID),
			GrantedBy: kernel.NewUserID(row.GrantedBy),
			GrantedAt: row.GrantedAt,
		})
	}
	return members, nil
}

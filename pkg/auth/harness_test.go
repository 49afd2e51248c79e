package auth_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/quantrail/identity/pkg/asyncx"
	"github.com/quantrail/identity/pkg/audit"
	"github.com/quantrail/identity/pkg/auth"
	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/identity"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/keyring"
	"github.com/quantrail/identity/pkg/mfa"
	"github.com/quantrail/identity/pkg/notifx"
	"github.com/quantrail/identity/pkg/password"
	"github.com/quantrail/identity/pkg/policy"
	"github.com/quantrail/identity/pkg/session"
	"github.com/quantrail/identity/pkg/session/sessioninfra"
	"github.com/quantrail/identity/pkg/token"
	"github.com/quantrail/identity/pkg/vault"
	"github.com/quantrail/identity/pkg/vault/vaultinfra"
)

// ============================================================================
// In-memory collaborators
// ============================================================================

type memUsers struct {
	mu    sync.Mutex
	users map[kernel.UserID]identity.User
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[kernel.UserID]identity.User)}
}

func (m *memUsers) CreateUser(_ context.Context, user *identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email && u.Status != identity.StatusDeactivated {
			return identity.ErrRegistry.New(identity.CodeEmailTaken)
		}
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = *user
	return nil
}

func (m *memUsers) GetUser(_ context.Context, id kernel.UserID) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, identity.ErrRegistry.New(identity.CodeNotFound)
	}
	return &u, nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email && u.Status != identity.StatusDeactivated {
			return &u, nil
		}
	}
	return nil, identity.ErrRegistry.New(identity.CodeNotFound)
}

func (m *memUsers) UpdateProfile(_ context.Context, user *identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = *user
	return nil
}

func (m *memUsers) SetPasswordHash(_ context.Context, id kernel.UserID, hash string) error {
	return m.mutate(id, func(u *identity.User) { u.PasswordHash = hash })
}

func (m *memUsers) SetMFAEnabled(_ context.Context, id kernel.UserID, enabled bool) error {
	return m.mutate(id, func(u *identity.User) { u.MFAEnabled = enabled })
}

func (m *memUsers) SetStatus(_ context.Context, id kernel.UserID, status identity.Status) error {
	return m.mutate(id, func(u *identity.User) { u.Status = status })
}

func (m *memUsers) mutate(id kernel.UserID, fn func(*identity.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return identity.ErrRegistry.New(identity.CodeNotFound)
	}
	fn(&u)
	u.UpdatedAt = time.Now()
	m.users[id] = u
	return nil
}

func (m *memUsers) SearchUsers(_ context.Context, query string, opts kernel.PaginationOptions) (kernel.Paginated[identity.User], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts = opts.Normalize()
	var hits []identity.User
	for _, u := range m.users {
		if strings.Contains(u.Email, query) || strings.Contains(u.DisplayName, query) {
			hits = append(hits, u)
		}
	}
	return kernel.NewPaginated(hits, opts.Page, opts.PageSize, len(hits)), nil
}

func (m *memUsers) Stats(_ context.Context) (*identity.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &identity.UserStats{ByStatus: make(map[identity.Status]int)}
	for _, u := range m.users {
		stats.Total++
		stats.ByStatus[u.Status]++
		if u.MFAEnabled {
			stats.MFAEnabled++
		}
	}
	return stats, nil
}

func (m *memUsers) ScrubPII(_ context.Context, id kernel.UserID) error {
	return m.mutate(id, func(u *identity.User) {
		u.Email = "scrubbed+" + id.String() + "@invalid"
		u.DisplayName = ""
		u.Phone = ""
		u.PasswordHash = ""
	})
}

type memRoles struct {
	mu    sync.Mutex
	roles map[kernel.UserID][]string
}

func newMemRoles() *memRoles {
	return &memRoles{roles: make(map[kernel.UserID][]string)}
}

func (m *memRoles) EnsureRole(context.Context, identity.Role) error { return nil }

func (m *memRoles) ListRoles(context.Context) ([]identity.Role, error) {
	return []identity.Role{{Name: "user"}, {Name: "admin"}}, nil
}

func (m *memRoles) RolesForUser(_ context.Context, id kernel.UserID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.roles[id]...), nil
}

func (m *memRoles) AssignRole(_ context.Context, id kernel.UserID, role string, _ kernel.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles[id] {
		if r == role {
			return identity.ErrRegistry.New(identity.CodeDuplicateRole)
		}
	}
	m.roles[id] = append(m.roles[id], role)
	return nil
}

func (m *memRoles) RevokeRole(_ context.Context, id kernel.UserID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.roles[id]
	if len(current) <= 1 {
		return identity.ErrRegistry.New(identity.CodeLastRole)
	}
	for i, r := range current {
		if r == role {
			m.roles[id] = append(current[:i], current[i+1:]...)
			return nil
		}
	}
	return identity.ErrRegistry.New(identity.CodeRoleNotFound)
}

type memAccounts struct {
	mu      sync.Mutex
	accts   map[kernel.AccountID]identity.TradingAccount
	members map[kernel.AccountID][]identity.Membership
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		accts:   make(map[kernel.AccountID]identity.TradingAccount),
		members: make(map[kernel.AccountID][]identity.Membership),
	}
}

func (m *memAccounts) CreateAccount(_ context.Context, acct *identity.TradingAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct.CreatedAt = time.Now()
	acct.UpdatedAt = acct.CreatedAt
	m.accts[acct.ID] = *acct
	return nil
}

func (m *memAccounts) GetAccount(_ context.Context, id kernel.AccountID) (*identity.TradingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accts[id]
	if !ok {
		return nil, identity.AcctRegistry.New(identity.CodeAccountNotFound)
	}
	return &a, nil
}

func (m *memAccounts) UpdateAccount(_ context.Context, acct *identity.TradingAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct.UpdatedAt = time.Now()
	m.accts[acct.ID] = *acct
	return nil
}

func (m *memAccounts) ListAccountsForOwner(_ context.Context, ownerID kernel.UserID) ([]identity.TradingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []identity.TradingAccount
	for _, a := range m.accts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAccounts) AccountIDsForUser(_ context.Context, userID kernel.UserID) ([]kernel.AccountID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []kernel.AccountID
	for id, a := range m.accts {
		if a.Status == identity.AccountRevoked {
			continue
		}
		if a.OwnerID == userID {
			out = append(out, id)
			continue
		}
		for _, mem := range m.members[id] {
			if mem.UserID == userID {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (m *memAccounts) AddMembership(_ context.Context, mem identity.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.members[mem.AccountID] {
		if existing.UserID == mem.UserID {
			return identity.AcctRegistry.New(identity.CodeMemberExists)
		}
	}
	mem.GrantedAt = time.Now()
	m.members[mem.AccountID] = append(m.members[mem.AccountID], mem)
	return nil
}

func (m *memAccounts) RemoveMembership(_ context.Context, accountID kernel.AccountID, userID kernel.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mem := range m.members[accountID] {
		if mem.UserID == userID {
			m.members[accountID] = append(m.members[accountID][:i], m.members[accountID][i+1:]...)
			return nil
		}
	}
	return identity.AcctRegistry.New(identity.CodeMemberNotFound)
}

func (m *memAccounts) ListMembers(_ context.Context, accountID kernel.AccountID) ([]identity.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]identity.Membership(nil), m.members[accountID]...), nil
}

type memPrefs struct {
	mu    sync.Mutex
	prefs map[kernel.UserID]identity.Prefs
}

func newMemPrefs() *memPrefs {
	return &memPrefs{prefs: make(map[kernel.UserID]identity.Prefs)}
}

func (m *memPrefs) GetPrefs(_ context.Context, id kernel.UserID) (identity.Prefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[id]; ok {
		return p, nil
	}
	return identity.DefaultPrefs(), nil
}

func (m *memPrefs) SavePrefs(_ context.Context, id kernel.UserID, p identity.Prefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[id] = p
	return nil
}

type memKeyStore struct {
	mu   sync.Mutex
	keys map[string]keyring.SigningKey
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: make(map[string]keyring.SigningKey)}
}

func (m *memKeyStore) SaveKey(_ context.Context, key keyring.SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.KID] = key
	return nil
}

func (m *memKeyStore) ListKeys(context.Context) ([]keyring.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []keyring.SigningKey
	for _, k := range m.keys {
		if k.Status != keyring.StatusRetired {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memKeyStore) UpdateStatus(_ context.Context, kid string, status keyring.KeyStatus, notAfter *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.keys[kid]
	k.Status = status
	if notAfter != nil {
		k.NotAfter = notAfter
	}
	m.keys[kid] = k
	return nil
}

type memRecordStore struct {
	mu   sync.Mutex
	recs map[kernel.VaultRef]vault.Record
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{recs: make(map[kernel.VaultRef]vault.Record)}
}

func (m *memRecordStore) Save(_ context.Context, rec vault.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Ref] = rec
	return nil
}

func (m *memRecordStore) Find(_ context.Context, ref kernel.VaultRef) (*vault.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[ref]
	if !ok {
		return nil, vault.ErrNotFound()
	}
	return &rec, nil
}

func (m *memRecordStore) Tombstone(_ context.Context, ref kernel.VaultRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[ref]
	if !ok {
		return vault.ErrNotFound()
	}
	rec.Tombstoned = true
	m.recs[ref] = rec
	return nil
}

func (m *memRecordStore) ListLive(context.Context) ([]vault.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vault.Record
	for _, rec := range m.recs {
		if !rec.Tombstoned {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memRecordStore) Update(_ context.Context, rec vault.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Ref] = rec
	return nil
}

func (m *memRecordStore) DeleteByOwnerAndLabel(_ context.Context, owner kernel.UserID, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, rec := range m.recs {
		if rec.OwnerID == owner && strings.HasPrefix(rec.Label, prefix) {
			rec.Tombstoned = true
			m.recs[ref] = rec
		}
	}
	return nil
}

type memSecretStore struct {
	mu   sync.Mutex
	recs map[kernel.UserID]mfa.TotpRecord
}

func newMemSecretStore() *memSecretStore {
	return &memSecretStore{recs: make(map[kernel.UserID]mfa.TotpRecord)}
}

func (m *memSecretStore) SaveTotp(_ context.Context, rec mfa.TotpRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.UserID] = rec
	return nil
}

func (m *memSecretStore) GetTotp(_ context.Context, id kernel.UserID) (*mfa.TotpRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, identity.ErrRegistry.New(identity.CodeNotFound)
	}
	return &rec, nil
}

func (m *memSecretStore) ConfirmTotp(_ context.Context, id kernel.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return identity.ErrRegistry.New(identity.CodeNotFound)
	}
	rec.Confirmed = true
	m.recs[id] = rec
	return nil
}

func (m *memSecretStore) ReplaceBackupRefs(_ context.Context, id kernel.UserID, refs []kernel.VaultRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return identity.ErrRegistry.New(identity.CodeNotFound)
	}
	rec.BackupRefs = refs
	m.recs[id] = rec
	return nil
}

func (m *memSecretStore) RemoveBackupRef(_ context.Context, id kernel.UserID, ref kernel.VaultRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil
	}
	for i, r := range rec.BackupRefs {
		if r == ref {
			rec.BackupRefs = append(rec.BackupRefs[:i], rec.BackupRefs[i+1:]...)
			break
		}
	}
	m.recs[id] = rec
	return nil
}

func (m *memSecretStore) DeleteTotp(_ context.Context, id kernel.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memSecretStore) ListUnconfirmed(_ context.Context, before time.Time) ([]kernel.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []kernel.UserID
	for id, rec := range m.recs {
		if !rec.Confirmed && rec.CreatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memEventStore struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memEventStore) Append(_ context.Context, event audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memEventStore) AppendBatch(_ context.Context, events []audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memEventStore) Query(_ context.Context, filter audit.Filter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, e := range m.events {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Subject != "" && e.Subject != filter.Subject {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memEventStore) DropPartitionsBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (m *memEventStore) byType(eventType string) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type memPolicyStore struct {
	mu       sync.Mutex
	policies map[string]policy.Policy
}

func newMemPolicyStore(policies ...policy.Policy) *memPolicyStore {
	s := &memPolicyStore{policies: make(map[string]policy.Policy)}
	for _, p := range policies {
		s.policies[p.ID] = p
	}
	return s
}

func (s *memPolicyStore) ListPolicies(context.Context) ([]policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]policy.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out, nil
}

func (s *memPolicyStore) SavePolicy(_ context.Context, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

func (s *memPolicyStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

// capTransport records published events in memory.
type capTransport struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	channel eventbus.Channel
	event   eventbus.Event
}

func (t *capTransport) Publish(_ context.Context, channel eventbus.Channel, event eventbus.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, publishedEvent{channel: channel, event: event})
	return nil
}

func (t *capTransport) Subscribe(context.Context, eventbus.Channel, func(eventbus.Event)) error {
	return nil
}

func (t *capTransport) Close() error { return nil }

func (t *capTransport) on(channel eventbus.Channel, eventType string) []eventbus.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []eventbus.Event
	for _, p := range t.published {
		if p.channel == channel && p.event.Type == eventType {
			out = append(out, p.event)
		}
	}
	return out
}

type capSender struct {
	mu   sync.Mutex
	sent []notifx.EmailMessage
}

func (s *capSender) SendEmail(_ context.Context, msg notifx.EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *capSender) messages() []notifx.EmailMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notifx.EmailMessage(nil), s.sent...)
}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	svc      *auth.Service
	users    *memUsers
	roles    *memRoles
	accounts *memAccounts
	sessions session.Store
	issuer   *token.Issuer
	ring     *keyring.KeyRing
	policy   *policy.Engine
	policies *memPolicyStore
	auditDB  *memEventStore
	wire     *capTransport
	outbox   *capSender
	mr       *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := sessioninfra.NewRedisStore(rdb, session.TTLs{
		Absolute:   90 * 24 * time.Hour,
		Short:      24 * time.Hour,
		Inactivity: 14 * 24 * time.Hour,
		Refresh:    90 * 24 * time.Hour,
		Challenge:  10 * time.Minute,
		Reset:      30 * time.Minute,
		OAuthState: 10 * time.Minute,
	})

	ring := keyring.New(newMemKeyStore(), 24*time.Hour)
	if err := ring.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap keyring: %v", err)
	}
	issuer := token.NewIssuer(ring, "identity-test", "trading-platform", token.TTLs{})

	recs := newMemRecordStore()
	kms, err := vaultinfra.NewLocalKMS("")
	if err != nil {
		t.Fatalf("local kms: %v", err)
	}
	v := vault.NewService(recs, kms, "local-master")

	users := newMemUsers()
	secrets := newMemSecretStore()
	engine := mfa.NewEngine("QuantrailTest", secrets, v, users)

	policies := newMemPolicyStore()
	pdp := policy.NewEngine(policies, time.Minute)
	if err := pdp.Reload(context.Background()); err != nil {
		t.Fatalf("reload policies: %v", err)
	}

	auditDB := &memEventStore{}
	log := audit.NewLog(auditDB, audit.Config{FlushInterval: 10 * time.Millisecond})
	t.Cleanup(log.Close)

	wire := &capTransport{}
	bus := eventbus.NewBus(wire)

	outbox := &capSender{}
	mailer := notifx.NewMailer(outbox, "noreply@quantrail.io", "Quantrail")

	roles := newMemRoles()
	accounts := newMemAccounts()

	svc := auth.New(auth.Deps{
		Users:    users,
		Roles:    roles,
		Accounts: accounts,
		Prefs:    newMemPrefs(),
		Hasher:   password.NewHasher(bcrypt.MinCost),
		HashPool: asyncx.NewPool(4),
		Sessions: sessions,
		Tokens:   issuer,
		Ring:     ring,
		MFA:      engine,
		Vault:    v,
		Policy:   pdp,
		Audit:    log,
		Bus:      bus,
		Mailer:   mailer,
		Limits: auth.Limits{
			LoginRateLimit:  5,
			LoginRateWindow: 15 * time.Minute,
			ResetTokenTTL:   30 * time.Minute,
			ResetURL:        "https://app.quantrail.io/reset",
		},
	})

	return &harness{
		svc:      svc,
		users:    users,
		roles:    roles,
		accounts: accounts,
		sessions: sessions,
		issuer:   issuer,
		ring:     ring,
		policy:   pdp,
		policies: policies,
		auditDB:  auditDB,
		wire:     wire,
		outbox:   outbox,
		mr:       mr,
	}
}

const testPassword = "Br4ve$Otter!Lamp82"

// register signs the user up and marks the email verified, the way the
// verification collaborator would. Tests that care about the pending state
// call svc.Register directly.
func (h *harness) register(t *testing.T, email string) kernel.UserID {
	t.Helper()
	user, err := h.svc.Register(context.Background(), auth.RegisterInput{
		Email:       email,
		Password:    testPassword,
		DisplayName: "Test Trader",
	}, testClient())
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	if err := h.users.SetStatus(context.Background(), user.ID, identity.StatusActive); err != nil {
		t.Fatalf("activate %s: %v", email, err)
	}
	return user.ID
}

func (h *harness) login(t *testing.T, email, pwd string) *auth.LoginResult {
	t.Helper()
	res, err := h.svc.Login(context.Background(), auth.LoginInput{
		Email:    email,
		Password: pwd,
		Client:   testClient(),
	})
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return res
}

func testClient() auth.Client {
	return auth.Client{IP: "203.0.113.9", UserAgent: "test-agent/1.0"}
}

// waitFor polls cond until it holds or the deadline passes. Asynchronous
// side effects (event publish, mail) settle within it.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// totpCode derives a live code from the enrollment provisioning URI.
func totpCode(t *testing.T, uri string, at time.Time) string {
	t.Helper()
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		t.Fatalf("parse provisioning uri: %v", err)
	}
	code, err := totp.GenerateCodeCustom(key.Secret(), at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generate totp code: %v", err)
	}
	return code
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/quantrail/identity/pkg/asyncx"
	"github.com/quantrail/identity/pkg/audit"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/identity"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/keyring"
	"github.com/quantrail/identity/pkg/logx"
	"github.com/quantrail/identity/pkg/mfa"
	"github.com/quantrail/identity/pkg/notifx"
	"github.com/quantrail/identity/pkg/password"
	"github.com/quantrail/identity/pkg/policy"
	"github.com/quantrail/identity/pkg/session"
	"github.com/quantrail/identity/pkg/token"
	"github.com/quantrail/identity/pkg/vault"
)

const (
	loginRateScope = "login"
	resetRateScope = "pwreset"
)

// Limits carries the orchestrator's tunables, filled from config.
type Limits struct {
	LoginRateLimit  int
	LoginRateWindow time.Duration
	ResetTokenTTL   time.Duration
	ResetURL        string
}

func (l Limits) withDefaults() Limits {
	if l.LoginRateLimit == 0 {
		l.LoginRateLimit = 5
	}
	if l.LoginRateWindow == 0 {
		l.LoginRateWindow = 15 * time.Minute
	}
	if l.ResetTokenTTL == 0 {
		l.ResetTokenTTL = 30 * time.Minute
	}
	return l
}

// Deps is everything the orchestrator composes. All fields are required
// except OAuth and Mailer, which disable their flows when nil.
type Deps struct {
	Users    identity.UserStore
	Roles    identity.RoleStore
	Accounts identity.AccountStore
	Prefs    identity.PrefStore

	Hasher   *password.Hasher
	HashPool *asyncx.Pool
	Sessions session.Store
	Tokens   *token.Issuer
	Ring     *keyring.KeyRing
	MFA      *mfa.Engine
	Vault    *vault.Service
	Policy   *policy.Engine
	Audit    *audit.Log
	Bus      *eventbus.Bus
	Mailer   *notifx.Mailer
	OAuth    *oauth2.Config

	Limits Limits
}

// Service implements the public authentication workflows by composing the
// key ring, hasher, issuer, session store, MFA engine, vault, PDP, audit
// log, and event bus.
type Service struct {
	users    identity.UserStore
	roles    identity.RoleStore
	accounts identity.AccountStore
	prefs    identity.PrefStore

	hasher   *password.Hasher
	hashPool *asyncx.Pool
	sessions session.Store
	tokens   *token.Issuer
	ring     *keyring.KeyRing
	mfa      *mfa.Engine
	vault    *vault.Service
	policy   *policy.Engine
	audit    *audit.Log
	bus      *eventbus.Bus
	mailer   *notifx.Mailer
	oauth    *oauth2.Config

	limits Limits
	now    func() time.Time
}

// New wires the orchestrator.
func New(deps Deps) *Service {
	return &Service{
		users:    deps.Users,
		roles:    deps.Roles,
		accounts: deps.Accounts,
		prefs:    deps.Prefs,
		hasher:   deps.Hasher,
		hashPool: deps.HashPool,
		sessions: deps.Sessions,
		tokens:   deps.Tokens,
		ring:     deps.Ring,
		mfa:      deps.MFA,
		vault:    deps.Vault,
		policy:   deps.Policy,
		audit:    deps.Audit,
		bus:      deps.Bus,
		mailer:   deps.Mailer,
		oauth:    deps.OAuth,
		limits:   deps.Limits.withDefaults(),
		now:      time.Now,
	}
}

// ============================================================================
// Registration
// ============================================================================

// Register creates a user in PENDING_VERIFICATION with the default role
// and default preferences.
func (s *Service) Register(ctx context.Context, in RegisterInput, client Client) (*identity.User, error) {
	email := identity.NormalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := password.CheckStrength(in.Password, password.StrengthContext{
		Email: email,
		Name:  in.DisplayName,
	}); err != nil {
		return nil, err
	}

	var hash string
	err := s.hashPool.Submit(ctx, func() error {
		var err error
		hash, err = s.hasher.Hash(in.Password)
		return err
	})
	if err != nil {
		return nil, err
	}

	user := &identity.User{
		ID:           kernel.NewUserID(newRandomID()),
		Email:        email,
		DisplayName:  in.DisplayName,
		Timezone:     in.Timezone,
		Locale:       in.Locale,
		Status:       identity.StatusPendingVerification,
		PasswordHash: hash,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	if err := s.roles.AssignRole(ctx, user.ID, identity.DefaultRole, user.ID); err != nil {
		return nil, err
	}
	if err := s.prefs.SavePrefs(ctx, user.ID, identity.DefaultPrefs()); err != nil {
		logx.WithError(err).WithField("user_id", user.ID.String()).Warn("auth: default preferences not written")
	}

	s.auditThenPublish(ctx, audit.Event{
		Type:    "user.registered",
		Subject: user.ID.Subject(),
	}, client, eventbus.UserRegistered(user.ID, email))

	return user, nil
}

// ============================================================================
// Login & MFA challenge
// ============================================================================

// dummyHash keeps the work factor identical when the email is unknown.
var dummyHash = func() string {
	h, _ := password.NewHasher(0).Hash("correct horse battery staple")
	return h
}()

// Login authenticates with email and password. Users with MFA enabled get
// a one-shot challenge instead of tokens; VerifyMfa completes the login.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := identity.NormalizeEmail(in.Email)

	rl, err := s.sessions.CheckRateLimit(ctx, loginRateScope, email, s.limits.LoginRateLimit, s.limits.LoginRateWindow)
	if err != nil {
		return nil, err
	}
	if !rl.Allowed {
		s.auditThenPublish(ctx, audit.Event{
			Type:    "login.rate_limited",
			Payload: map[string]any{"email": email},
		}, in.Client, eventbus.LoginFailed(email, "rate_limited"))
		return nil, ErrRegistry.New(CodeRateLimited).
			WithDetail("retry_after_seconds", int(rl.RetryAfter.Seconds()))
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil && errx.TypeOf(err) != errx.TypeNotFound {
		return nil, err
	}
	if err != nil {
		user = nil
	}

	ok := false
	needsRehash := false
	verifyErr := s.hashPool.Submit(ctx, func() error {
		if user == nil {
			// Unknown email burns the same bcrypt cost as a real miss.
			s.hasher.Verify(in.Password, dummyHash)
			return nil
		}
		ok, needsRehash = s.hasher.Verify(in.Password, user.PasswordHash)
		return nil
	})
	if verifyErr != nil {
		return nil, verifyErr
	}

	if user == nil || !ok {
		s.auditThenPublish(ctx, audit.Event{
			Type:    "login.failed",
			Payload: map[string]any{"email": email},
		}, in.Client, eventbus.LoginFailed(email, "bad_credentials"))
		return nil, ErrRegistry.New(CodeInvalidCredentials)
	}

	if !user.CanAuthenticate() {
		s.auditThenPublish(ctx, audit.Event{
			Type:    "login.failed",
			Subject: user.ID.Subject(),
			Payload: map[string]any{"reason": "account_disabled"},
		}, in.Client, eventbus.LoginFailed(email, "account_disabled"))
		return nil, ErrRegistry.New(CodeAccountDisabled)
	}

	if needsRehash {
		s.rehashAsync(user.ID, in.Password)
	}

	if user.MFAEnabled {
		challenge := newOpaqueToken()
		if err := s.sessions.PutChallenge(ctx, challenge, user.ID); err != nil {
			return nil, err
		}
		return &LoginResult{MFARequired: true, Challenge: challenge, UserID: user.ID}, nil
	}

	return s.establishSession(ctx, user, in.Client, false, in.Persistent)
}

// VerifyMfa completes a login that returned MFARequired. The challenge is
// single-use regardless of the verification outcome.
func (s *Service) VerifyMfa(ctx context.Context, challenge, code string, client Client, persistent bool) (*LoginResult, error) {
	userID, err := s.sessions.TakeChallenge(ctx, challenge)
	if err != nil {
		return nil, ErrRegistry.New(CodeChallengeExpired)
	}

	if _, err := s.mfa.Verify(ctx, userID, code, true); err != nil {
		s.auditThenPublish(ctx, audit.Event{
			Type:    "mfa.failed",
			Subject: userID.Subject(),
		}, client, eventbus.MFAFailed(userID))
		return nil, err
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.CanAuthenticate() {
		return nil, ErrRegistry.New(CodeAccountDisabled)
	}

	return s.establishSession(ctx, user, client, true, persistent)
}

// establishSession opens a session with its refresh family and mints the
// token pair. Roles and account ids are read at mint time; they ride the
// access token until the next refresh.
func (s *Service) establishSession(ctx context.Context, user *identity.User, client Client, mfaVerified, persistent bool) (*LoginResult, error) {
	roles, err := s.roles.RolesForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	acctIDs, err := s.accounts.AccountIDsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	fp := session.Fingerprint(client.UserAgent, client.IP)
	sess, firstJTI, err := s.sessions.CreateSession(ctx, user.ID, fp, client.IP, mfaVerified, persistent)
	if err != nil {
		return nil, err
	}

	pair, err := s.mintPair(sess, roles, acctIDs, firstJTI, "")
	if err != nil {
		return nil, err
	}

	s.auditThenPublish(ctx, audit.Event{
		Type:    "login.success",
		Subject: user.ID.Subject(),
		Payload: map[string]any{"session_id": sess.ID.String(), "mfa_verified": mfaVerified},
	}, client, eventbus.LoginSuccess(user.ID, sess.ID, mfaVerified))

	return &LoginResult{
		UserID:  user.ID,
		Session: sess,
		Tokens:  pair,
	}, nil
}

func (s *Service) mintPair(sess *session.Session, roles []string, acctIDs []kernel.AccountID, jti, parentJTI string) (*TokenPair, error) {
	now := s.now()

	access, err := s.tokens.Mint(token.KindAccess, token.Claims{
		Subject:     sess.UserID.Subject(),
		SessionID:   sess.ID,
		Roles:       roles,
		AccountIDs:  acctIDs,
		MFAVerified: sess.MFAVerified,
	})
	if err != nil {
		return nil, err
	}

	refresh, err := s.tokens.Mint(token.KindRefresh, token.Claims{
		Subject:   sess.UserID.Subject(),
		SessionID: sess.ID,
		JTI:       jti,
		Family:    sess.Family,
		ParentJTI: parentJTI,
	})
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  now.Add(s.tokens.TTL(token.KindAccess)),
		RefreshExpiresAt: now.Add(s.tokens.TTL(token.KindRefresh)),
	}, nil
}

// rehashAsync upgrades a verified-but-stale hash off the request path.
func (s *Service) rehashAsync(userID kernel.UserID, plaintext string) {
	asyncx.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hash, err := s.hasher.Hash(plaintext)
		if err != nil {
			return
		}
		if err := s.users.SetPasswordHash(ctx, userID, hash); err != nil {
			logx.WithError(err).WithField("user_id", userID.String()).Warn("auth: hash upgrade not persisted")
		}
	})
}

// ============================================================================
// Refresh & logout
// ============================================================================

// Refresh rotates the refresh family and mints a fresh pair. A replayed
// refresh token destroys the whole family and surfaces SessionRevoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client Client) (*LoginResult, error) {
	claims, err := s.tokens.Validate(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, err
	}

	rot, err := s.sessions.RotateFamily(ctx, claims.JTI)
	if err != nil {
		switch errx.TypeOf(err) {
		case errx.TypeReuseDetected:
			s.onRefreshReuse(ctx, err, client)
			return nil, ErrRegistry.New(CodeSessionRevoked)
		case errx.TypeAuthentication:
			return nil, ErrRegistry.New(CodeSessionRevoked)
		}
		return nil, err
	}

	if err := s.sessions.TouchSession(ctx, rot.SessionID); err != nil {
		return nil, ErrRegistry.New(CodeSessionRevoked)
	}
	sess, err := s.sessions.GetSession(ctx, rot.SessionID)
	if err != nil {
		return nil, ErrRegistry.New(CodeSessionRevoked)
	}

	// Claims are re-read so a refresh picks up role and account changes.
	roles, err := s.roles.RolesForUser(ctx, rot.UserID)
	if err != nil {
		return nil, err
	}
	acctIDs, err := s.accounts.AccountIDsForUser(ctx, rot.UserID)
	if err != nil {
		return nil, err
	}

	pair, err := s.mintPair(sess, roles, acctIDs, rot.NewJTI, rot.OldJTI)
	if err != nil {
		return nil, err
	}

	s.auditThenPublish(ctx, audit.Event{
		Type:    "token.refreshed",
		Subject: rot.UserID.Subject(),
		Payload: map[string]any{"session_id": rot.SessionID.String()},
	}, client, eventbus.TokenRefreshed(rot.UserID, rot.SessionID))

	return &LoginResult{UserID: rot.UserID, Session: sess, Tokens: pair}, nil
}

// onRefreshReuse records the replay and alerts the user. The store already
// burned the family and session before the error surfaced.
func (s *Service) onRefreshReuse(ctx context.Context, reuseErr error, client Client) {
	var e *errx.Error
	if !errx.As(reuseErr, &e) {
		return
	}
	userID := kernel.NewUserID(detailString(e, "user_id"))
	sid := kernel.NewSessionID(detailString(e, "session_id"))
	family := kernel.NewFamilyID(detailString(e, "family"))

	s.auditThenPublish(ctx, audit.Event{
		Type:    "refresh.reuse_detected",
		Subject: userID.Subject(),
		Payload: map[string]any{"session_id": sid.String(), "family": family.String()},
	}, client, eventbus.RefreshReuseDetected(userID, sid, family))

	if s.mailer == nil || userID.IsEmpty() {
		return
	}
	detectedAt := s.now().UTC().Format("2006-01-02 15:04 MST")
	ip := client.IP
	asyncx.Do(func() {
		mailCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		user, err := s.users.GetUser(mailCtx, userID)
		if err != nil {
			return
		}
		err = s.mailer.SendReuseAlert(mailCtx, user.Email, notifx.ReuseAlertData{
			DisplayName: user.DisplayName,
			IP:          ip,
			DetectedAt:  detectedAt,
		})
		if err != nil {
			logx.WithError(err).Warn("auth: reuse alert mail not sent")
		}
	})
}

// Logout revokes one session. Revoking an already-dead session succeeds.
func (s *Service) Logout(ctx context.Context, principal kernel.Principal, client Client) error {
	if err := s.sessions.RevokeSession(ctx, principal.SessionID); err != nil {
		return err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:    "logout",
		Subject: principal.UserID.Subject(),
		Payload: map[string]any{"session_id": principal.SessionID.String()},
	}, client, eventbus.Logout(principal.UserID, principal.SessionID))
	return nil
}

// LogoutAll revokes every session of the caller.
func (s *Service) LogoutAll(ctx context.Context, principal kernel.Principal, client Client) (int, error) {
	n, err := s.sessions.RevokeAllForUser(ctx, principal.UserID)
	if err != nil {
		return 0, err
	}
	s.auditThenPublish(ctx, audit.Event{
		Type:    "logout",
		Subject: principal.UserID.Subject(),
		Payload: map[string]any{"all_devices": true, "revoked": n},
	}, client, eventbus.SessionRevoked(principal.UserID, principal.SessionID, "logout_all"))
	return n, nil
}

// ListSessions lists the caller's live sessions.
func (s *Service) ListSessions(ctx context.Context, principal kernel.Principal) ([]session.Session, error) {
	return s.sessions.ListSessions(ctx, principal.UserID)
}

// ============================================================================
// Password reset
// ============================================================================

// RequestPasswordReset always succeeds so the endpoint cannot be used to
// enumerate which emails exist. The mail goes out asynchronously.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, client Client) error {
	email = identity.NormalizeEmail(email)

	rl, err := s.sessions.CheckRateLimit(ctx, resetRateScope, email, s.limits.LoginRateLimit, s.limits.LoginRateWindow)
	if err != nil || !rl.Allowed {
		return nil
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil
	}

	raw := newOpaqueToken()
	if err := s.sessions.PutResetToken(ctx, hashToken(raw), user.ID); err != nil {
		logx.WithError(err).Warn("auth: reset token not stored")
		return nil
	}

	s.auditThenPublish(ctx, audit.Event{
		Type:    "password.reset_requested",
		Subject: user.ID.Subject(),
	}, client, eventbus.Event{})

	if s.mailer == nil {
		return nil
	}
	link := fmt.Sprintf("%s?token=%s", s.limits.ResetURL, raw)
	to, name := user.Email, user.DisplayName
	ttl := s.limits.ResetTokenTTL
	asyncx.Do(func() {
		mailCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.mailer.SendPasswordReset(mailCtx, to, notifx.ResetMailData{
			DisplayName: name,
			ResetLink:   link,
			ExpiresIn:   fmt.Sprintf("%d minutes", int(ttl.Minutes())),
		})
		if err != nil {
			logx.WithError(err).Warn("auth: reset mail not sent")
		}
	})
	return nil
}

// ResetPassword consumes a reset token, replaces the password, and signs
// the user out everywhere.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string, client Client) error {
	userID, err := s.sessions.TakeResetToken(ctx, hashToken(rawToken))
	if err != nil {
		return ErrRegistry.New(CodeResetInvalid)
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := password.CheckStrength(newPassword, password.StrengthContext{
		Email: user.Email,
		Name:  user.DisplayName,
	}); err != nil {
		return err
	}

	var hash string
	err = s.hashPool.Submit(ctx, func() error {
		var err error
		hash, err = s.hasher.Hash(newPassword)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.users.SetPasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
		logx.WithError(err).WithField("user_id", userID.String()).Warn("auth: sessions not revoked after reset")
	}

	s.auditThenPublish(ctx, audit.Event{
		Type:    "password.changed",
		Subject: userID.Subject(),
	}, client, eventbus.PasswordChanged(userID))
	return nil
}

// ============================================================================
// OAuth (Google)
// ============================================================================

// oauthUserInfo is the subset of the provider's userinfo response we read.
type oauthUserInfo struct {
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
}

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// OAuthStart records a one-shot state and returns the provider consent URL.
func (s *Service) OAuthStart(ctx context.Context, redirectURI string) (string, error) {
	if s.oauth == nil {
		return "", ErrRegistry.New(CodeOAuthDisabled)
	}
	state := newOpaqueToken()
	err := s.sessions.PutOAuthState(ctx, state, session.OAuthState{
		RedirectURI: redirectURI,
		Nonce:       newOpaqueToken(),
	})
	if err != nil {
		return "", err
	}
	return s.oauth.AuthCodeURL(state), nil
}

// OAuthCallback exchanges the authorization code, then links or creates
// the user. Provider-verified emails skip PENDING_VERIFICATION.
func (s *Service) OAuthCallback(ctx context.Context, state, code string, client Client) (*LoginResult, string, error) {
	if s.oauth == nil {
		return nil, "", ErrRegistry.New(CodeOAuthDisabled)
	}

	st, err := s.sessions.TakeOAuthState(ctx, state)
	if err != nil {
		return nil, "", ErrRegistry.New(CodeChallengeExpired)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tok, err := s.oauth.Exchange(exchangeCtx, code)
	if err != nil {
		return nil, "", ErrRegistry.NewWithCause(CodeOAuthFailed, err)
	}

	info, err := s.fetchUserInfo(exchangeCtx, tok)
	if err != nil {
		return nil, "", err
	}
	if !info.VerifiedEmail {
		return nil, "", ErrRegistry.New(CodeEmailUnverified)
	}

	user, err := s.resolveOAuthUser(ctx, info, client)
	if err != nil {
		return nil, "", err
	}
	if !user.CanAuthenticate() {
		return nil, "", ErrRegistry.New(CodeAccountDisabled)
	}

	res, err := s.establishSession(ctx, user, client, false, true)
	if err != nil {
		return nil, "", err
	}
	return res, st.RedirectURI, nil
}

func (s *Service) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (*oauthUserInfo, error) {
	resp, err := s.oauth.Client(ctx, tok).Get(googleUserInfoURL)
	if err != nil {
		return nil, ErrRegistry.NewWithCause(CodeOAuthFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, ErrRegistry.New(CodeOAuthFailed).WithDetail("status", resp.StatusCode)
	}
	var info oauthUserInfo
	if err := decodeJSON(resp.Body, &info); err != nil {
		return nil, ErrRegistry.NewWithCause(CodeOAuthFailed, err)
	}
	return &info, nil
}

func (s *Service) resolveOAuthUser(ctx context.Context, info *oauthUserInfo, client Client) (*identity.User, error) {
	email := identity.NormalizeEmail(info.Email)

	user, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if user.Status == identity.StatusPendingVerification {
			// The provider vouched for the email.
			if err := s.users.SetStatus(ctx, user.ID, identity.StatusActive); err != nil {
				return nil, err
			}
			user.Status = identity.StatusActive
		}
		if user.OAuthProvider == "" {
			user.OAuthProvider = "google"
			if err := s.users.UpdateProfile(ctx, user); err != nil {
				return nil, err
			}
		}
		return user, nil

	case errx.TypeOf(err) == errx.TypeNotFound:
		user = &identity.User{
			ID:            kernel.NewUserID(newRandomID()),
			Email:         email,
			DisplayName:   info.Name,
			Status:        identity.StatusActive,
			OAuthProvider: "google",
		}
		if err := s.users.CreateUser(ctx, user); err != nil {
			return nil, err
		}
		if err := s.roles.AssignRole(ctx, user.ID, identity.DefaultRole, user.ID); err != nil {
			return nil, err
		}
		if err := s.prefs.SavePrefs(ctx, user.ID, identity.DefaultPrefs()); err != nil {
			logx.WithError(err).Warn("auth: default preferences not written")
		}
		s.auditThenPublish(ctx, audit.Event{
			Type:    "user.registered",
			Subject: user.ID.Subject(),
			Payload: map[string]any{"provider": "google"},
		}, client, eventbus.UserRegistered(user.ID, email))
		return user, nil

	default:
		return nil, err
	}
}

// ============================================================================
// Helpers
// ============================================================================

// auditThenPublish appends the audit record before the event goes out, so
// an event on the wire always has its durable record. Events with no type
// (suppressed publications) are skipped.
func (s *Service) auditThenPublish(ctx context.Context, rec audit.Event, client Client, event eventbus.Event) {
	rec.IP = client.IP
	rec.UserAgentHash = audit.HashUserAgent(client.UserAgent)
	if err := s.audit.Append(ctx, rec); err != nil {
		logx.WithError(err).WithField("type", rec.Type).Error("auth: audit append failed")
	}
	if event.Type != "" {
		s.bus.Publish(event)
	}
}

func passwordStrength(plaintext string, user *identity.User) error {
	return password.CheckStrength(plaintext, password.StrengthContext{
		Email: user.Email,
		Name:  user.DisplayName,
	})
}

func validateEmail(email string) error {
	if _, err := mail.ParseAddress(email); err != nil {
		return errx.Validation("invalid email address")
	}
	return nil
}

func newOpaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func newRandomID() string {
	return uuid.NewString()
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func detailString(e *errx.Error, key string) string {
	if v, ok := e.Details[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

package authcontainer

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/quantrail/identity/pkg/asyncx"
	"github.com/quantrail/identity/pkg/audit"
	"github.com/quantrail/identity/pkg/audit/auditinfra"
	"github.com/quantrail/identity/pkg/auth"
	"github.com/quantrail/identity/pkg/config"
	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/eventbus/eventbusredis"
	"github.com/quantrail/identity/pkg/identity/identityinfra"
	"github.com/quantrail/identity/pkg/jobx"
	"github.com/quantrail/identity/pkg/keyring"
	"github.com/quantrail/identity/pkg/keyring/keyringinfra"
	"github.com/quantrail/identity/pkg/logx"
	"github.com/quantrail/identity/pkg/mfa"
	"github.com/quantrail/identity/pkg/notifx"
	"github.com/quantrail/identity/pkg/notifx/notifxconsole"
	"github.com/quantrail/identity/pkg/notifx/notifxses"
	"github.com/quantrail/identity/pkg/password"
	"github.com/quantrail/identity/pkg/policy"
	"github.com/quantrail/identity/pkg/policy/policyinfra"
	"github.com/quantrail/identity/pkg/session"
	"github.com/quantrail/identity/pkg/session/sessioninfra"
	"github.com/quantrail/identity/pkg/token"
	"github.com/quantrail/identity/pkg/vault"
	"github.com/quantrail/identity/pkg/vault/vaultinfra"
)

// ---------------------------------------------------------------------------
// Deps: explicit external dependencies this module requires.
// No hidden globals, no ambient state: everything comes through here.
// ---------------------------------------------------------------------------

type Deps struct {
	DB    *sqlx.DB
	Redis *redis.Client
	Cfg   *config.Config
}

// ---------------------------------------------------------------------------
// Container: the public surface of the identity plane.
// Only expose what cmd/ or peer services actually need; repositories and
// infra details stay private.
// ---------------------------------------------------------------------------

type Container struct {
	Auth   *auth.Service
	Ring   *keyring.KeyRing
	Policy *policy.Engine
	Audit  *audit.Log
	Bus    *eventbus.Bus
	Jobs   *jobx.Runner

	// Exporter is nil unless an export bucket is configured.
	Exporter *auditinfra.S3Exporter
}

// ---------------------------------------------------------------------------
// New: constructs the entire dependency graph.
// Order matters: infra → stores → engines → orchestrator → jobs.
// ---------------------------------------------------------------------------

func New(ctx context.Context, deps Deps) (*Container, error) {
	logx.Info("🔧 Initializing identity container...")
	cfg := deps.Cfg

	c := &Container{}

	// ── Envelope-encryption master key ───────────────────────────────────

	var masterKMS vault.KMS
	if cfg.KMS.Provider == "aws" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.AWSRegion))
		if err != nil {
			return nil, err
		}
		masterKMS = vaultinfra.NewAWSKMS(kms.NewFromConfig(awsCfg))
		logx.Info("  ✅ Using AWS KMS master key")
	} else {
		local, err := vaultinfra.NewLocalKMS(cfg.KMS.LocalKeyHex)
		if err != nil {
			return nil, err
		}
		masterKMS = local
		logx.Warn("  ⚠️  Using process-local master key (not for production)")
	}

	// ── Stores ───────────────────────────────────────────────────────────

	users := identityinfra.NewPostgresUserStore(deps.DB)
	roles := identityinfra.NewPostgresRoleStore(deps.DB)
	accounts := identityinfra.NewPostgresAccountStore(deps.DB)
	prefs := identityinfra.NewPostgresPrefStore(deps.DB)
	totpStore := identityinfra.NewPostgresTotpStore(deps.DB)
	keyStore := keyringinfra.NewPostgresKeyStore(deps.DB, masterKMS, cfg.KMS.MasterKeyID)
	recordStore := vaultinfra.NewPostgresRecordStore(deps.DB)
	policyStore := policyinfra.NewPostgresPolicyStore(deps.DB)
	eventStore := auditinfra.NewPostgresEventStore(deps.DB)

	sessions := sessioninfra.NewRedisStore(deps.Redis, session.TTLs{
		Absolute:   cfg.Auth.SessionTTL,
		Short:      cfg.Auth.SessionTTLShort,
		Inactivity: cfg.Auth.SessionInactivityTTL,
		Refresh:    cfg.Auth.RefreshTokenTTL,
		Challenge:  cfg.Auth.MFAChallengeTTL,
		Reset:      cfg.Auth.PasswordResetTTL,
		OAuthState: cfg.Auth.OAuthStateTTL,
	})

	// ── Engines ──────────────────────────────────────────────────────────

	c.Ring = keyring.New(keyStore, cfg.Auth.KeyGracePeriod)

	issuer := token.NewIssuer(c.Ring, cfg.Auth.Issuer, cfg.Auth.Audience, token.TTLs{
		Access:  cfg.Auth.AccessTokenTTL,
		Refresh: cfg.Auth.RefreshTokenTTL,
		Service: cfg.Auth.ServiceTokenTTL,
	})

	vaultSvc := vault.NewService(recordStore, masterKMS, cfg.KMS.MasterKeyID)
	mfaEngine := mfa.NewEngine(cfg.App.Name, totpStore, vaultSvc, users)
	c.Policy = policy.NewEngine(policyStore, time.Minute)

	c.Audit = audit.NewLog(eventStore, audit.Config{
		BufferSize:    cfg.Jobs.AuditBufferSize,
		FlushInterval: cfg.Jobs.AuditFlushInterval,
	})
	if cfg.Export.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Export.AWSRegion))
		if err != nil {
			return nil, err
		}
		c.Exporter = auditinfra.NewS3Exporter(s3.NewFromConfig(awsCfg), cfg.Export.S3Bucket, c.Audit)
		logx.Info("  ✅ Audit exports go to S3")
	}

	c.Bus = eventbus.NewBus(eventbusredis.NewRedisTransport(deps.Redis))

	// ── Mail ─────────────────────────────────────────────────────────────

	var sender notifx.EmailSender
	if cfg.Notif.Provider == "ses" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Notif.AWSRegion))
		if err != nil {
			return nil, err
		}
		sender = notifxses.NewSESSender(ses.NewFromConfig(awsCfg))
		logx.Info("  ✅ Sending mail through SES")
	} else {
		sender = notifxconsole.NewConsoleSender()
		logx.Warn("  ⚠️  Mail goes to the console (not for production)")
	}
	mailer := notifx.NewMailer(sender, cfg.Notif.FromAddress, cfg.Notif.FromName)

	// ── OAuth ────────────────────────────────────────────────────────────

	var oauthCfg *oauth2.Config
	if cfg.OAuth.Google.Enabled {
		oauthCfg = &oauth2.Config{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.Google.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		}
		logx.Info("  ✅ Google OAuth enabled")
	}

	// ── Orchestrator ─────────────────────────────────────────────────────

	c.Auth = auth.New(auth.Deps{
		Users:    users,
		Roles:    roles,
		Accounts: accounts,
		Prefs:    prefs,
		Hasher:   password.NewHasher(cfg.Auth.BcryptCost),
		HashPool: asyncx.NewPool(cfg.Auth.HashWorkers),
		Sessions: sessions,
		Tokens:   issuer,
		Ring:     c.Ring,
		MFA:      mfaEngine,
		Vault:    vaultSvc,
		Policy:   c.Policy,
		Audit:    c.Audit,
		Bus:      c.Bus,
		Mailer:   mailer,
		OAuth:    oauthCfg,
		Limits: auth.Limits{
			LoginRateLimit:  cfg.Auth.LoginRateLimit,
			LoginRateWindow: cfg.Auth.LoginRateWindow,
			ResetTokenTTL:   cfg.Auth.PasswordResetTTL,
			ResetURL:        cfg.Notif.ResetURL,
		},
	})

	// ── Background jobs ──────────────────────────────────────────────────

	c.Jobs = jobx.NewRunner()
	if err := c.registerJobs(cfg, mfaEngine); err != nil {
		return nil, err
	}

	logx.Info("✅ Identity container initialized")
	return c, nil
}

// abandonedEnrollmentAge is how long a started-but-unconfirmed TOTP
// enrollment may linger before the sweeper discards it.
const abandonedEnrollmentAge = 24 * time.Hour

// registerJobs wires the periodic maintenance work.
func (c *Container) registerJobs(cfg *config.Config, mfaEngine *mfa.Engine) error {
	jobs := []jobx.Job{
		{
			Name:     "signing-key-rotation",
			Interval: cfg.Auth.KeyRotationInterval,
			Handler:  c.Ring.Rotate,
		},
		{
			Name:     "signing-key-purge",
			Interval: cfg.Jobs.SweepInterval,
			Handler:  c.Ring.PurgeExpired,
		},
		{
			Name:       "policy-reload",
			Interval:   time.Minute,
			Handler:    c.Policy.Reload,
			RunAtStart: true,
		},
		{
			Name:     "mfa-enrollment-sweep",
			Interval: cfg.Jobs.SweepInterval,
			Handler: func(ctx context.Context) error {
				n, err := mfaEngine.SweepAbandoned(ctx, abandonedEnrollmentAge)
				if n > 0 {
					logx.WithField("swept", n).Info("abandoned mfa enrollments discarded")
				}
				return err
			},
		},
		{
			Name:     "audit-retention",
			Interval: cfg.Jobs.SweepInterval,
			Handler: func(ctx context.Context) error {
				cutoff := time.Now().Add(-cfg.Jobs.AuditRetention)
				n, err := c.Audit.EvictBefore(ctx, cutoff)
				if n > 0 {
					logx.WithField("evicted", n).Info("audit retention pass done")
				}
				return err
			},
		},
		{
			Name:       "audit-spill-drain",
			Interval:   cfg.Jobs.SweepInterval,
			RunAtStart: true,
			Handler: func(ctx context.Context) error {
				n, err := c.Audit.DrainSpill(ctx)
				if n > 0 {
					logx.WithField("drained", n).Info("audit spill drained")
				}
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := c.Jobs.Register(j); err != nil {
			return err
		}
	}
	return nil
}

// StartEventSubscriptions attaches the cross-node cache invalidation hooks.
// Role, permission, and user lifecycle events from any node drop the
// subject's cached PDP decisions here.
func (c *Container) StartEventSubscriptions(ctx context.Context) error {
	invalidate := func(e eventbus.Event) {
		if e.Subject != "" {
			c.Policy.InvalidateSubject(e.Subject)
		} else {
			c.Policy.InvalidateAll()
		}
	}
	if err := c.Bus.Subscribe(ctx, eventbus.ChannelAuthz, invalidate); err != nil {
		return err
	}
	return c.Bus.Subscribe(ctx, eventbus.ChannelUser, invalidate)
}

// Close flushes and releases everything the container owns. The audit log
// goes down last so shutdown events still land.
func (c *Container) Close() {
	if err := c.Bus.Close(); err != nil {
		logx.WithError(err).Warn("event transport close failed")
	}
	c.Audit.Close()
}

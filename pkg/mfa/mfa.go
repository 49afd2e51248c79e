package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"image/png"
	"math/big"
	"net/http"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/logx"
	"github.com/quantrail/identity/pkg/vault"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("MFA")

var (
	CodeNotEnrolled     = ErrRegistry.Register("NOT_ENROLLED", errx.TypeNotFound, http.StatusNotFound, "No TOTP enrollment for this user")
	CodeAlreadyEnrolled = ErrRegistry.Register("ALREADY_ENROLLED", errx.TypeConflict, http.StatusConflict, "TOTP already enrolled and confirmed")
	CodeNotConfirmed    = ErrRegistry.Register("NOT_CONFIRMED", errx.TypeAuthentication, http.StatusUnauthorized, "TOTP enrollment not confirmed")
	CodeInvalidCode     = ErrRegistry.Register("INVALID_CODE", errx.TypeAuthentication, http.StatusUnauthorized, "Invalid one-time code")
)

// ============================================================================
// Engine
// ============================================================================

// Method reports which factor satisfied a verification.
type Method string

const (
	MethodTOTP   Method = "totp"
	MethodBackup Method = "backup_code"
)

const (
	secretLabel     = "mfa/totp"
	backupLabel     = "mfa/backup"
	backupCodeCount = 10
	totpPeriod      = 30
	qrSize          = 256
)

var validateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is what BeginEnrollment hands back for the user to scan and
// stash. Backup codes appear in plaintext exactly once, here.
type Enrollment struct {
	ProvisioningURI string
	QRPNG           []byte
	BackupCodes     []string
}

// Engine implements TOTP enrollment and verification. Secrets and backup
// codes live in the credential vault; this package only ever sees them
// transiently during a check.
type Engine struct {
	issuer  string
	secrets SecretStore
	vault   *vault.Service
	flags   UserFlags
	now     func() time.Time
}

func NewEngine(issuer string, secrets SecretStore, v *vault.Service, flags UserFlags) *Engine {
	return &Engine{
		issuer:  issuer,
		secrets: secrets,
		vault:   v,
		flags:   flags,
		now:     time.Now,
	}
}

// BeginEnrollment generates a fresh secret and backup codes. An unconfirmed
// prior enrollment is discarded and replaced; a confirmed one is refused so
// an attacker with a stolen session cannot silently swap the factor.
func (e *Engine) BeginEnrollment(ctx context.Context, userID kernel.UserID, accountName string) (*Enrollment, error) {
	if rec, err := e.secrets.GetTotp(ctx, userID); err == nil {
		if rec.Confirmed {
			return nil, ErrRegistry.New(CodeAlreadyEnrolled)
		}
		if err := e.discardEnrollment(ctx, userID); err != nil {
			return nil, err
		}
	} else if errx.TypeOf(err) != errx.TypeNotFound {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountName,
		SecretSize:  20,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, errx.Wrap(err, "generating totp secret", errx.TypeInternal)
	}

	secretRef, err := e.vault.Store(ctx, userID, secretLabel, []byte(key.Secret()))
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, backupCodeCount)
	refs := make([]kernel.VaultRef, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := newBackupCode()
		if err != nil {
			return nil, errx.Wrap(err, "generating backup code", errx.TypeInternal)
		}
		ref, err := e.vault.Store(ctx, userID, backupLabel, []byte(code))
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		refs = append(refs, ref)
	}

	if err := e.secrets.SaveTotp(ctx, TotpRecord{
		UserID:     userID,
		SecretRef:  secretRef,
		Confirmed:  false,
		BackupRefs: refs,
		CreatedAt:  e.now().UTC(),
	}); err != nil {
		return nil, err
	}

	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return nil, errx.Wrap(err, "rendering provisioning qr", errx.TypeInternal)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errx.Wrap(err, "encoding provisioning qr", errx.TypeInternal)
	}

	logx.WithField("user_id", userID.String()).Info("totp enrollment started")
	return &Enrollment{
		ProvisioningURI: key.URL(),
		QRPNG:           buf.Bytes(),
		BackupCodes:     codes,
	}, nil
}

// ConfirmEnrollment verifies the first code against the pending secret and
// activates MFA for the user.
func (e *Engine) ConfirmEnrollment(ctx context.Context, userID kernel.UserID, code string) error {
	rec, err := e.getRecord(ctx, userID)
	if err != nil {
		return err
	}
	if rec.Confirmed {
		return ErrRegistry.New(CodeAlreadyEnrolled)
	}

	ok, err := e.checkTOTP(ctx, rec, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRegistry.New(CodeInvalidCode)
	}

	if err := e.secrets.ConfirmTotp(ctx, userID); err != nil {
		return err
	}
	if err := e.flags.SetMFAEnabled(ctx, userID, true); err != nil {
		return err
	}
	logx.WithField("user_id", userID.String()).Info("totp enrollment confirmed")
	return nil
}

// Verify checks a code against the confirmed enrollment. TOTP is tried
// first; backup codes are one-shot and compared in constant time.
func (e *Engine) Verify(ctx context.Context, userID kernel.UserID, code string, allowBackup bool) (Method, error) {
	rec, err := e.getRecord(ctx, userID)
	if err != nil {
		return "", err
	}
	if !rec.Confirmed {
		return "", ErrRegistry.New(CodeNotConfirmed)
	}

	ok, err := e.checkTOTP(ctx, rec, code)
	if err != nil {
		return "", err
	}
	if ok {
		return MethodTOTP, nil
	}

	if allowBackup {
		for _, ref := range rec.BackupRefs {
			stored, err := e.vault.Fetch(ctx, ref)
			if err != nil {
				// A missing record means the code was consumed concurrently.
				continue
			}
			if subtle.ConstantTimeCompare(stored, []byte(code)) == 1 {
				if err := e.vault.Delete(ctx, ref); err != nil {
					return "", err
				}
				if err := e.secrets.RemoveBackupRef(ctx, userID, ref); err != nil {
					return "", err
				}
				logx.WithField("user_id", userID.String()).Warn("backup code consumed")
				return MethodBackup, nil
			}
		}
	}
	return "", ErrRegistry.New(CodeInvalidCode)
}

// Disable deletes the secret and every backup code after a fresh code check.
// The caller has already reverified the password.
func (e *Engine) Disable(ctx context.Context, userID kernel.UserID, code string) error {
	if _, err := e.Verify(ctx, userID, code, true); err != nil {
		return err
	}
	if err := e.discardEnrollment(ctx, userID); err != nil {
		return err
	}
	if err := e.flags.SetMFAEnabled(ctx, userID, false); err != nil {
		return err
	}
	logx.WithField("user_id", userID.String()).Info("mfa disabled")
	return nil
}

// RegenerateBackupCodes replaces all backup codes. Only a live TOTP code is
// accepted; a backup code cannot mint its own successors.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID kernel.UserID, code string) ([]string, error) {
	rec, err := e.getRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !rec.Confirmed {
		return nil, ErrRegistry.New(CodeNotConfirmed)
	}
	ok, err := e.checkTOTP(ctx, rec, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRegistry.New(CodeInvalidCode)
	}

	for _, ref := range rec.BackupRefs {
		if err := e.vault.Delete(ctx, ref); err != nil && errx.TypeOf(err) != errx.TypeNotFound {
			return nil, err
		}
	}

	codes := make([]string, 0, backupCodeCount)
	refs := make([]kernel.VaultRef, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		c, err := newBackupCode()
		if err != nil {
			return nil, errx.Wrap(err, "generating backup code", errx.TypeInternal)
		}
		ref, err := e.vault.Store(ctx, userID, backupLabel, []byte(c))
		if err != nil {
			return nil, err
		}
		codes = append(codes, c)
		refs = append(refs, ref)
	}
	if err := e.secrets.ReplaceBackupRefs(ctx, userID, refs); err != nil {
		return nil, err
	}
	logx.WithField("user_id", userID.String()).Info("backup codes regenerated")
	return codes, nil
}

// Enrolled reports whether the user has a confirmed enrollment.
func (e *Engine) Enrolled(ctx context.Context, userID kernel.UserID) (bool, error) {
	rec, err := e.secrets.GetTotp(ctx, userID)
	if err != nil {
		if errx.TypeOf(err) == errx.TypeNotFound {
			return false, nil
		}
		return false, err
	}
	return rec.Confirmed, nil
}

func (e *Engine) getRecord(ctx context.Context, userID kernel.UserID) (*TotpRecord, error) {
	rec, err := e.secrets.GetTotp(ctx, userID)
	if err != nil {
		if errx.TypeOf(err) == errx.TypeNotFound {
			return nil, ErrRegistry.New(CodeNotEnrolled)
		}
		return nil, err
	}
	return rec, nil
}

func (e *Engine) checkTOTP(ctx context.Context, rec *TotpRecord, code string) (bool, error) {
	secret, err := e.vault.Fetch(ctx, rec.SecretRef)
	if err != nil {
		return false, err
	}
	ok, err := totp.ValidateCustom(code, string(secret), e.now().UTC(), validateOpts)
	if err != nil {
		return false, nil // malformed code, not an engine failure
	}
	return ok, nil
}

// SweepAbandoned discards enrollments that were started but never
// confirmed within maxAge. Their vault entries die with them.
func (e *Engine) SweepAbandoned(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := e.now().UTC().Add(-maxAge)
	userIDs, err := e.secrets.ListUnconfirmed(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, userID := range userIDs {
		if err := e.discardEnrollment(ctx, userID); err != nil {
			logx.WithError(err).WithField("user_id", userID.String()).Warn("abandoned enrollment not discarded")
			continue
		}
		swept++
	}
	return swept, nil
}

func (e *Engine) discardEnrollment(ctx context.Context, userID kernel.UserID) error {
	if err := e.vault.DeleteByOwnerAndLabel(ctx, userID, "mfa/"); err != nil {
		return err
	}
	return e.secrets.DeleteTotp(ctx, userID)
}

func newBackupCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

package mfa_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/mfa"
	"github.com/quantrail/identity/pkg/vault"
	"github.com/quantrail/identity/pkg/vault/vaultinfra"
)

// memRecordStore is an in-memory vault.RecordStore.
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

func (m *memRecordStore) ListLive(_ context.Context) ([]vault.Record, error) {
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

// memSecretStore is an in-memory mfa.SecretStore.
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

func (m *memSecretStore) GetTotp(_ context.Context, userID kernel.UserID) (*mfa.TotpRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID]
	if !ok {
		return nil, errx.New("no totp record", errx.TypeNotFound)
	}
	cp := rec
	cp.BackupRefs = append([]kernel.VaultRef(nil), rec.BackupRefs...)
	return &cp, nil
}

func (m *memSecretStore) ConfirmTotp(_ context.Context, userID kernel.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recs[userID]
	rec.Confirmed = true
	m.recs[userID] = rec
	return nil
}

func (m *memSecretStore) ReplaceBackupRefs(_ context.Context, userID kernel.UserID, refs []kernel.VaultRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recs[userID]
	rec.BackupRefs = refs
	m.recs[userID] = rec
	return nil
}

func (m *memSecretStore) RemoveBackupRef(_ context.Context, userID kernel.UserID, ref kernel.VaultRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recs[userID]
	kept := rec.BackupRefs[:0]
	for _, r := range rec.BackupRefs {
		if r != ref {
			kept = append(kept, r)
		}
	}
	rec.BackupRefs = kept
	m.recs[userID] = rec
	return nil
}

func (m *memSecretStore) DeleteTotp(_ context.Context, userID kernel.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, userID)
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

type memFlags struct {
	mu      sync.Mutex
	enabled map[kernel.UserID]bool
}

func newMemFlags() *memFlags { return &memFlags{enabled: make(map[kernel.UserID]bool)} }

func (m *memFlags) SetMFAEnabled(_ context.Context, userID kernel.UserID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[userID] = enabled
	return nil
}

func (m *memFlags) get(userID kernel.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[userID]
}

func newTestEngine(t *testing.T) (*mfa.Engine, *memFlags) {
	t.Helper()
	kms, err := vaultinfra.NewLocalKMS("")
	if err != nil {
		t.Fatalf("local kms: %v", err)
	}
	v := vault.NewService(newMemRecordStore(), kms, "local")
	flags := newMemFlags()
	return mfa.NewEngine("Quantrail", newMemSecretStore(), v, flags), flags
}

// codeFromURI derives the current TOTP code from the provisioning URI, the
// way an authenticator app would.
func codeFromURI(t *testing.T, uri string, at time.Time) string {
	t.Helper()
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		t.Fatalf("parsing provisioning uri: %v", err)
	}
	code, err := totp.GenerateCodeCustom(key.Secret(), at, totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generating code: %v", err)
	}
	return code
}

func enroll(t *testing.T, eng *mfa.Engine, uid kernel.UserID) *mfa.Enrollment {
	t.Helper()
	ctx := context.Background()
	enr, err := eng.BeginEnrollment(ctx, uid, "trader@example.com")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := eng.ConfirmEnrollment(ctx, uid, codeFromURI(t, enr.ProvisioningURI, time.Now())); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return enr
}

func TestEnrollmentFlow(t *testing.T) {
	eng, flags := newTestEngine(t)
	ctx := context.Background()
	uid := kernel.NewUserID("u-1")

	enr, err := eng.BeginEnrollment(ctx, uid, "trader@example.com")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if len(enr.BackupCodes) != 10 {
		t.Fatalf("got %d backup codes, want 10", len(enr.BackupCodes))
	}
	for _, c := range enr.BackupCodes {
		if len(c) != 8 {
			t.Fatalf("backup code %q is not 8 digits", c)
		}
	}
	if !bytes.HasPrefix(enr.QRPNG, []byte("\x89PNG")) {
		t.Fatal("qr image is not a png")
	}
	if enrolled, _ := eng.Enrolled(ctx, uid); enrolled {
		t.Fatal("enrolled before confirmation")
	}
	if flags.get(uid) {
		t.Fatal("mfa flag set before confirmation")
	}

	if err := eng.ConfirmEnrollment(ctx, uid, codeFromURI(t, enr.ProvisioningURI, time.Now())); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if enrolled, _ := eng.Enrolled(ctx, uid); !enrolled {
		t.Fatal("not enrolled after confirmation")
	}
	if !flags.get(uid) {
		t.Fatal("mfa flag not set after confirmation")
	}
}

func TestConfirmRejectsBadCode(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	uid := kernel.NewUserID("u-1")

	if _, err := eng.BeginEnrollment(ctx, uid, "trader@example.com"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	err := eng.ConfirmEnrollment(ctx, uid, "000000")
	var e *errx.Error
	if !errx.As(err, &e) || e.Code != mfa.CodeInvalidCode.Code {
		t.Fatalf("expected invalid code, got %v", err)
	}
}

func TestReenrollRefusedWhenConfirmed(t *testing.T) {
	eng, _ := newTestEngine(t)
	uid := kernel.NewUserID("u-1")
	enroll(t, eng, uid)

	_, err := eng.BeginEnrollment(context.Background(), uid, "trader@example.com")
	var e *errx.Error
	if !errx.As(err, &e) || e.Code != mfa.CodeAlreadyEnrolled.Code {
		t.Fatalf("expected already enrolled, got %v", err)
	}
}

func TestVerifyWithinSkew(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	uid := kernel.NewUserID("u-1")
	enr := enroll(t, eng, uid)

	// A code from the previous 30 s step still verifies.
	method, err := eng.Verify(ctx, uid, codeFromURI(t, enr.ProvisioningURI, time.Now().Add(-30*time.Second)), true)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if method != mfa.MethodTOTP {
		t.Fatalf("method = %q, want totp", method)
	}

	// Two steps back is outside the skew.
	if _, err := eng.Verify(ctx, uid, codeFromURI(t, enr.ProvisioningURI, time.Now().Add(-90*time.Second)), true); err == nil {
		t.Fatal("stale code accepted")
	}
}

func TestBackupCodeIsOneShot(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	uid := kernel.NewUserID("u-1")
	enr := enroll(t, eng, uid)

	code := enr.BackupCodes[3]
	method, err := eng.Verify(ctx, uid, code, true)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if method != mfa.MethodBackup {
		t.Fatalf("method = %q, want backup_code", method)
	}

	if _, err := eng.Verify(ctx, uid, code, true); err == nil {
		t.Fatal("backup code reused")
	}
}

func TestBackupCodeRefusedWhenDisallowed(t *testing.T) {
	eng, _ := newTestEngine(t)
	uid := kernel.NewUserID("u-1")
	enr := enroll(t, eng, uid)

	if _, err := eng.Verify(context.Background(), uid, enr.BackupCodes[0], false); err == nil {
		t.Fatal("backup code accepted with allowBackup=false")
	}
}

func TestDisableRemovesEverything(t *testing.T) {
	eng, flags := newTestEngine(t)
	ctx := context.Background()
	uid := kernel.NewUserID("u-1")
	enr := enroll(t, eng, uid)

	if err := eng.Disable(ctx, uid, codeFromURI(t, enr.ProvisioningURI, time.Now())); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if flags.get(uid) {
		t.Fatal("mfa flag still set")
	}
	if enrolled, _ := eng.Enrolled(ctx, uid); enrolled {
		t.Fatal("still enrolled after disable")
	}
	// Old backup codes are gone with the enrollment.
	if _, err := eng.Verify(ctx, uid, enr.BackupCodes[0], true); err == nil {
		t.Fatal("backup code survived disable")
	}
}

func TestRegenerateBackupCodes(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	uid := kernel.NewUserID("u-1")
	enr := enroll(t, eng, uid)

	// A backup code cannot authorize regeneration.
	if _, err := eng.RegenerateBackupCodes(ctx, uid, enr.BackupCodes[0]); err == nil {
		t.Fatal("backup code authorized regeneration")
	}

	fresh, err := eng.RegenerateBackupCodes(ctx, uid, codeFromURI(t, enr.ProvisioningURI, time.Now()))
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(fresh) != 10 {
		t.Fatalf("got %d codes, want 10", len(fresh))
	}

	// Old codes are dead, new ones work.
	if _, err := eng.Verify(ctx, uid, enr.BackupCodes[1], true); err == nil {
		t.Fatal("old backup code survived regeneration")
	}
	if _, err := eng.Verify(ctx, uid, fresh[0], true); err != nil {
		t.Fatalf("new backup code rejected: %v", err)
	}
}

func TestSweepAbandonedEnrollments(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	abandoned := kernel.NewUserID("u-1")
	active := kernel.NewUserID("u-2")

	if _, err := eng.BeginEnrollment(ctx, abandoned, "trader@example.com"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	enroll(t, eng, active)

	// A generous age keeps both enrollments.
	if n, err := eng.SweepAbandoned(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("sweep = %d, %v, want 0", n, err)
	}

	// Age zero makes the unconfirmed one stale; the confirmed one stays.
	n, err := eng.SweepAbandoned(ctx, 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d enrollments, want 1", n)
	}
	if _, err := eng.BeginEnrollment(ctx, abandoned, "trader@example.com"); err != nil {
		t.Fatalf("re-enroll after sweep: %v", err)
	}
	if enrolled, _ := eng.Enrolled(ctx, active); !enrolled {
		t.Fatal("confirmed enrollment swept")
	}
}

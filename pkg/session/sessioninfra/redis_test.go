package sessioninfra_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/session"
	"github.com/quantrail/identity/pkg/session/sessioninfra"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*sessioninfra.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return sessioninfra.NewRedisStore(rdb, session.TTLs{
		Absolute:   90 * 24 * time.Hour,
		Short:      24 * time.Hour,
		Inactivity: 14 * 24 * time.Hour,
		Refresh:    90 * 24 * time.Hour,
		Challenge:  10 * time.Minute,
		Reset:      30 * time.Minute,
		OAuthState: 10 * time.Minute,
	}), mr
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var e *errx.Error
	if !errx.As(err, &e) {
		t.Fatalf("expected typed error, got %v", err)
	}
	return e.Code
}

func TestCreateAndGetSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, jti, err := store.CreateSession(ctx, kernel.NewUserID("u-1"), "fp-1", "10.0.0.1", true, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID.IsEmpty() || sess.Family.IsEmpty() || jti == "" {
		t.Fatalf("missing identifiers: %+v jti=%q", sess, jti)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u-1" || !got.MFAVerified || got.Persistent {
		t.Fatalf("round trip mangled: %+v", got)
	}
}

func TestRotateFamily(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, jti0, err := store.CreateSession(ctx, kernel.NewUserID("u-1"), "fp", "ip", false, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rot, err := store.RotateFamily(ctx, jti0)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rot.SessionID != sess.ID || rot.Family != sess.Family {
		t.Fatalf("rotation crossed sessions: %+v", rot)
	}
	if rot.NewJTI == jti0 {
		t.Fatal("rotation reused the old jti")
	}

	// The chain keeps rotating.
	rot2, err := store.RotateFamily(ctx, rot.NewJTI)
	if err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	if rot2.Family != sess.Family {
		t.Fatalf("family changed mid-chain: %+v", rot2)
	}
}

func TestReplayBurnsWholeFamily(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, jti0, err := store.CreateSession(ctx, kernel.NewUserID("u-1"), "fp", "ip", false, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rot, err := store.RotateFamily(ctx, jti0)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Replaying the consumed jti detects reuse and destroys everything.
	_, err = store.RotateFamily(ctx, jti0)
	if codeOf(t, err) != session.CodeReuseDetected.Code {
		t.Fatalf("expected reuse, got %v", err)
	}

	if _, err := store.GetSession(ctx, sess.ID); codeOf(t, err) != session.CodeNotFound.Code {
		t.Fatalf("session survived the burn: %v", err)
	}
	// The still-fresh head of the chain is dead too.
	if _, err := store.RotateFamily(ctx, rot.NewJTI); codeOf(t, err) != session.CodeUnknownToken.Code {
		t.Fatalf("family head survived the burn: %v", err)
	}
}

func TestRotateUnknownJTI(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.RotateFamily(context.Background(), "never-issued")
	if codeOf(t, err) != session.CodeUnknownToken.Code {
		t.Fatalf("expected unknown token, got %v", err)
	}
}

func TestRefreshIsolationBetweenSessions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	uid := kernel.NewUserID("u-1")

	sessA, jtiA, _ := store.CreateSession(ctx, uid, "fp-a", "ip", false, true)
	sessB, jtiB, _ := store.CreateSession(ctx, uid, "fp-b", "ip", false, true)

	if _, err := store.RotateFamily(ctx, jtiA); err != nil {
		t.Fatalf("rotate A: %v", err)
	}
	// Replay on A burns only A.
	if _, err := store.RotateFamily(ctx, jtiA); codeOf(t, err) != session.CodeReuseDetected.Code {
		t.Fatalf("expected reuse on A, got %v", err)
	}
	if _, err := store.GetSession(ctx, sessA.ID); err == nil {
		t.Fatal("session A should be gone")
	}
	if _, err := store.GetSession(ctx, sessB.ID); err != nil {
		t.Fatalf("session B collateral damage: %v", err)
	}
	if _, err := store.RotateFamily(ctx, jtiB); err != nil {
		t.Fatalf("rotate B after burning A: %v", err)
	}
}

func TestRevokeSessionIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, jti, _ := store.CreateSession(ctx, kernel.NewUserID("u-1"), "fp", "ip", false, true)
	if err := store.RevokeSession(ctx, sess.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// Second revoke of a gone session is a quiet no-op.
	if err := store.RevokeSession(ctx, sess.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if _, err := store.RotateFamily(ctx, jti); codeOf(t, err) != session.CodeUnknownToken.Code {
		t.Fatalf("jti survived revocation: %v", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	uid := kernel.NewUserID("u-1")

	store.CreateSession(ctx, uid, "fp-1", "ip", false, true)
	store.CreateSession(ctx, uid, "fp-2", "ip", false, true)
	other, _, _ := store.CreateSession(ctx, kernel.NewUserID("u-2"), "fp", "ip", false, true)

	n, err := store.RevokeAllForUser(ctx, uid)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 2 {
		t.Fatalf("revoked %d sessions, want 2", n)
	}
	if sessions, _ := store.ListSessions(ctx, uid); len(sessions) != 0 {
		t.Fatalf("sessions survived: %d", len(sessions))
	}
	if _, err := store.GetSession(ctx, other.ID); err != nil {
		t.Fatalf("other user's session collateral damage: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	uid := kernel.NewUserID("u-1")

	store.CreateSession(ctx, uid, "fp-1", "1.2.3.4", false, true)
	store.CreateSession(ctx, uid, "fp-2", "5.6.7.8", true, false)

	sessions, err := store.ListSessions(ctx, uid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
}

func TestRateLimitSlidingWindow(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := store.CheckRateLimit(ctx, "login", "a@example.com", 5, 15*time.Minute)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d denied under the limit", i+1)
		}
	}

	res, err := store.CheckRateLimit(ctx, "login", "a@example.com", 5, 15*time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatal("sixth attempt allowed")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("retry-after not set: %v", res.RetryAfter)
	}

	// Another identity in the same scope is unaffected.
	other, err := store.CheckRateLimit(ctx, "login", "b@example.com", 5, 15*time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !other.Allowed {
		t.Fatal("rate limit leaked across identities")
	}

	// After the window slides past, attempts flow again.
	mr.FastForward(16 * time.Minute)
	res, err = store.CheckRateLimit(ctx, "login", "a@example.com", 5, 15*time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed {
		t.Fatal("still denied after the window passed")
	}
}

func TestChallengeSingleUse(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.PutChallenge(ctx, "chal-1", kernel.NewUserID("u-1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	uid, err := store.TakeChallenge(ctx, "chal-1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if uid != "u-1" {
		t.Fatalf("uid = %q", uid)
	}
	if _, err := store.TakeChallenge(ctx, "chal-1"); codeOf(t, err) != session.CodeUnknownToken.Code {
		t.Fatalf("challenge reusable: %v", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.PutChallenge(ctx, "chal-1", kernel.NewUserID("u-1"))
	mr.FastForward(11 * time.Minute)
	if _, err := store.TakeChallenge(ctx, "chal-1"); err == nil {
		t.Fatal("expired challenge accepted")
	}
}

func TestOAuthStateRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	in := session.OAuthState{RedirectURI: "https://app.example.com/cb", Nonce: "n-1"}
	if err := store.PutOAuthState(ctx, "state-1", in); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := store.TakeOAuthState(ctx, "state-1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if *out != in {
		t.Fatalf("state mangled: %+v", out)
	}
	if _, err := store.TakeOAuthState(ctx, "state-1"); err == nil {
		t.Fatal("state reusable")
	}
}

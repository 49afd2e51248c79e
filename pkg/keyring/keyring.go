package keyring

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/logx"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("KEYRING")

var (
	CodeUnknownKey  = ErrRegistry.Register("UNKNOWN_KEY", errx.TypeAuthentication, http.StatusUnauthorized, "Unknown or retired signing key")
	CodeNoActiveKey = ErrRegistry.Register("NO_ACTIVE_KEY", errx.TypeInternal, http.StatusInternalServerError, "No active signing key loadable")
	CodeKeyGen      = ErrRegistry.Register("KEY_GENERATION_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Signing key generation failed")
)

func ErrUnknownKey() *errx.Error { return ErrRegistry.New(CodeUnknownKey) }

// ============================================================================
// Domain
// ============================================================================

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	StatusActive   KeyStatus = "ACTIVE"
	StatusRetiring KeyStatus = "RETIRING"
	StatusRetired  KeyStatus = "RETIRED"
)

// SigningKey is one asymmetric key pair with its lifecycle metadata. The
// private half exists only on issuer nodes; the public half is published in
// the JWKS until the key falls out of grace.
type SigningKey struct {
	KID       string
	Status    KeyStatus
	NotBefore time.Time
	NotAfter  *time.Time // set when demoted to Retiring
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
}

// inGrace reports whether the key should still be served for verification.
func (k *SigningKey) inGrace(now time.Time) bool {
	switch k.Status {
	case StatusActive:
		return true
	case StatusRetiring:
		return k.NotAfter == nil || now.Before(*k.NotAfter)
	default:
		return false
	}
}

// ============================================================================
// KeyRing
// ============================================================================

const keyBits = 2048

// KeyRing owns the signing keys: exactly one Active key signs new tokens;
// Retiring keys keep verifying in-flight tokens until the grace deadline.
// Rotation happens under a write lock, so new mints stall for well under a
// millisecond at the swap.
type KeyRing struct {
	store KeyStore
	grace time.Duration

	mu        sync.RWMutex
	keys      map[string]*SigningKey
	activeKID string
	jwksCache *JWKSet // last good snapshot, served even if a rebuild fails
}

// New creates an unloaded KeyRing. Call Load before use; it refuses to start
// without an Active key (operators provision the first key out of band or
// via Bootstrap).
func New(store KeyStore, grace time.Duration) *KeyRing {
	return &KeyRing{
		store: store,
		grace: grace,
		keys:  make(map[string]*SigningKey),
	}
}

// Load reads all keys from the store and fails if no Active key exists.
func (r *KeyRing) Load(ctx context.Context) error {
	keys, err := r.store.ListKeys(ctx)
	if err != nil {
		return errx.Wrap(err, "loading signing keys", errx.TypeDependency)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys = make(map[string]*SigningKey, len(keys))
	r.activeKID = ""
	for i := range keys {
		k := keys[i]
		r.keys[k.KID] = &k
		if k.Status == StatusActive {
			r.activeKID = k.KID
		}
	}
	if r.activeKID == "" {
		return ErrRegistry.New(CodeNoActiveKey)
	}
	r.rebuildJWKSLocked()
	return nil
}

// Bootstrap provisions the first key when the store is empty. It refuses to
// run when any key already exists, so it cannot shadow an operator-managed
// ring.
func (r *KeyRing) Bootstrap(ctx context.Context) error {
	keys, err := r.store.ListKeys(ctx)
	if err != nil {
		return errx.Wrap(err, "checking key store", errx.TypeDependency)
	}
	if len(keys) > 0 {
		return errx.Conflict("key store is not empty; bootstrap refused")
	}
	return r.Rotate(ctx)
}

// Current returns the Active key for signing.
func (r *KeyRing) Current() (kid string, key *rsa.PrivateKey, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[r.activeKID]
	if !ok {
		return "", nil, ErrRegistry.New(CodeNoActiveKey)
	}
	return k.KID, k.Private, nil
}

// Verifier returns the public key for kid, or UnknownKey if the kid is
// unknown or past its grace deadline.
func (r *KeyRing) Verifier(kid string) (*rsa.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[kid]
	if !ok || !k.inGrace(time.Now()) {
		return nil, ErrUnknownKey().WithDetail("kid", kid)
	}
	return k.Public, nil
}

// Rotate generates a new key pair, persists it, atomically promotes it to
// Active, and demotes the previous Active key to Retiring with a deadline of
// now + grace.
func (r *KeyRing) Rotate(ctx context.Context) error {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return ErrRegistry.NewWithCause(CodeKeyGen, err)
	}

	now := time.Now().UTC()
	newKey := SigningKey{
		KID:       newKID(),
		Status:    StatusActive,
		NotBefore: now,
		Private:   priv,
		Public:    &priv.PublicKey,
	}

	r.mu.RLock()
	prevKID := r.activeKID
	r.mu.RUnlock()

	// Persist before swapping so a crash mid-rotation never leaves the ring
	// signing with a key the store does not know.
	if err := r.store.SaveKey(ctx, newKey); err != nil {
		return errx.Wrap(err, "persisting new signing key", errx.TypeDependency)
	}
	deadline := now.Add(r.grace)
	if prevKID != "" {
		if err := r.store.UpdateStatus(ctx, prevKID, StatusRetiring, &deadline); err != nil {
			return errx.Wrap(err, "demoting previous signing key", errx.TypeDependency)
		}
	}

	r.mu.Lock()
	if prev, ok := r.keys[prevKID]; ok {
		prev.Status = StatusRetiring
		prev.NotAfter = &deadline
	}
	r.keys[newKey.KID] = &newKey
	r.activeKID = newKey.KID
	r.rebuildJWKSLocked()
	r.mu.Unlock()

	logx.WithFields(logx.Fields{"kid": newKey.KID, "previous": prevKID}).
		Info("signing key rotated")
	return nil
}

// PurgeExpired retires keys whose grace deadline has passed, removing them
// from the JWKS. Driven by the background sweeper.
func (r *KeyRing) PurgeExpired(ctx context.Context) error {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for kid, k := range r.keys {
		if k.Status == StatusRetiring && k.NotAfter != nil && now.After(*k.NotAfter) {
			k.Status = StatusRetired
			expired = append(expired, kid)
		}
	}
	if len(expired) > 0 {
		r.rebuildJWKSLocked()
	}
	r.mu.Unlock()

	for _, kid := range expired {
		if err := r.store.UpdateStatus(ctx, kid, StatusRetired, nil); err != nil {
			return errx.Wrap(err, "retiring signing key", errx.TypeDependency)
		}
		logx.WithField("kid", kid).Info("signing key retired")
	}
	return nil
}

// JWKS returns the public descriptors of the Active key and every Retiring
// key still within grace. It always serves the last good snapshot.
func (r *KeyRing) JWKS() *JWKSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jwksCache
}

// Grace returns the configured grace window.
func (r *KeyRing) Grace() time.Duration { return r.grace }

func newKID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is unrecoverable for a signing service.
		panic(err)
	}
	return hex.EncodeToString(b)
}

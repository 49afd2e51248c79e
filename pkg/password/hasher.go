package password

import (
	"net/http"

	"github.com/quantrail/identity/pkg/errx"
	"golang.org/x/crypto/bcrypt"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("PASSWORD")

var (
	CodeHashFailed   = ErrRegistry.Register("HASH_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Password hashing failed")
	CodeWeakPassword = ErrRegistry.Register("WEAK_PASSWORD", errx.TypeValidation, http.StatusBadRequest, "Password does not meet the strength policy")
)

// ============================================================================
// Hasher
// ============================================================================

// Hasher hashes and verifies passwords with bcrypt. The hash string is
// self-describing (algorithm, cost, salt, digest), so the cost can be raised
// without a schema change; Verify reports when a stored hash is below the
// configured cost so callers can rehash-and-store.
type Hasher struct {
	cost int
}

// NewHasher creates a Hasher with the given bcrypt cost. Costs below the
// bcrypt minimum are raised to the library default.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash hashes the password at the configured cost.
func (h *Hasher) Hash(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", ErrRegistry.NewWithCause(CodeHashFailed, err)
	}
	return string(digest), nil
}

// Verify checks password against a stored hash. The comparison inside bcrypt
// is constant-time; any parse failure verifies as false rather than erroring,
// so malformed rows cannot become an oracle. needsRehash is true when the
// stored hash was produced at a cost below the current target.
func (h *Hasher) Verify(password, stored string) (ok bool, needsRehash bool) {
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
		return false, false
	}
	cost, err := bcrypt.Cost([]byte(stored))
	if err != nil {
		return true, false
	}
	return true, cost < h.cost
}

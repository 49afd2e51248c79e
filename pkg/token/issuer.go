package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/quantrail/identity/pkg/keyring"
)

// clockSkew is the tolerance applied to nbf/exp on validation.
const clockSkew = 30 * time.Second

// wireClaims is the on-the-wire claim set for all three kinds.
type wireClaims struct {
	SessionID  string   `json:"sid,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	AccountIDs []string `json:"acct_ids,omitempty"`
	MFA        bool     `json:"mfa,omitempty"`
	Family     string   `json:"family,omitempty"`
	ParentJTI  string   `json:"parent_jti,omitempty"`
	Scope      string   `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// TTLs configures the lifetime per token kind.
type TTLs struct {
	Access  time.Duration
	Refresh time.Duration
	Service time.Duration
}

// Issuer mints and validates the platform's JWTs. Minting signs with the
// keyring's Active key; validation is stateless and resolves the public key
// by the token's kid header, so peer services can do the same from the JWKS.
type Issuer struct {
	ring     *keyring.KeyRing
	issuer   string
	audience string
	ttls     TTLs
}

func NewIssuer(ring *keyring.KeyRing, issuer, audience string, ttls TTLs) *Issuer {
	if ttls.Access == 0 {
		ttls.Access = 15 * time.Minute
	}
	if ttls.Refresh == 0 {
		ttls.Refresh = 90 * 24 * time.Hour
	}
	if ttls.Service == 0 {
		ttls.Service = time.Hour
	}
	return &Issuer{ring: ring, issuer: issuer, audience: audience, ttls: ttls}
}

func (i *Issuer) audienceFor(kind Kind) string {
	if kind == KindRefresh {
		// Refresh tokens are only ever presented back to this service.
		return i.issuer + ":refresh"
	}
	return i.audience
}

// TTL reports the configured lifetime for a token kind.
func (i *Issuer) TTL(kind Kind) time.Duration { return i.ttlFor(kind) }

func (i *Issuer) ttlFor(kind Kind) time.Duration {
	switch kind {
	case KindRefresh:
		return i.ttls.Refresh
	case KindService:
		return i.ttls.Service
	default:
		return i.ttls.Access
	}
}

// Mint signs a token of the given kind. The issuer stamps iss, aud, iat,
// nbf, exp, jti, and the kid header; refresh tokens get a fresh jti unless
// the caller supplied one from the session store.
func (i *Issuer) Mint(kind Kind, claims Claims) (string, error) {
	kid, key, err := i.ring.Current()
	if err != nil {
		return "", ErrRegistry.NewWithCause(CodeMintFailed, err)
	}

	now := time.Now()
	jti := claims.JTI
	if jti == "" {
		jti = uuid.NewString()
	}

	accountIDs := make([]string, 0, len(claims.AccountIDs))
	for _, id := range claims.AccountIDs {
		accountIDs = append(accountIDs, id.String())
	}

	wc := wireClaims{
		SessionID:  claims.SessionID.String(),
		Roles:      claims.Roles,
		AccountIDs: accountIDs,
		MFA:        claims.MFAVerified,
		Scope:      claims.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   claims.Subject,
			Audience:  []string{i.audienceFor(kind)},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttlFor(kind))),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	if kind == KindRefresh {
		wc.Family = claims.Family.String()
		wc.ParentJTI = claims.ParentJTI
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, wc)
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", ErrRegistry.NewWithCause(CodeMintFailed, err)
	}
	return signed, nil
}

// Validate parses and verifies a token of the expected kind, with ±30 s
// leeway on nbf/exp. No store lookup happens here; refresh tokens still need
// the session store's family-state check afterwards.
func (i *Issuer) Validate(tokenString string, kind Kind) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &wireClaims{},
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, keyring.ErrUnknownKey().WithDetail("reason", "missing kid header")
			}
			return i.ring.Verifier(kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(clockSkew),
		jwt.WithAudience(i.audienceFor(kind)),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, mapParseError(err)
	}

	wc, ok := parsed.Claims.(*wireClaims)
	if !ok || !parsed.Valid {
		return nil, ErrRegistry.New(CodeMalformed)
	}

	accountIDs := make([]kernel.AccountID, 0, len(wc.AccountIDs))
	for _, id := range wc.AccountIDs {
		accountIDs = append(accountIDs, kernel.NewAccountID(id))
	}

	claims := &Claims{
		Subject:     wc.Subject,
		SessionID:   kernel.NewSessionID(wc.SessionID),
		Roles:       wc.Roles,
		AccountIDs:  accountIDs,
		MFAVerified: wc.MFA,
		JTI:         wc.ID,
		Family:      kernel.NewFamilyID(wc.Family),
		ParentJTI:   wc.ParentJTI,
		Scope:       wc.Scope,
	}
	if wc.IssuedAt != nil {
		claims.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		claims.ExpiresAt = wc.ExpiresAt.Time
	}
	return claims, nil
}

func mapParseError(err error) error {
	// Keyfunc failures surface as typed errors; an unknown or retired kid
	// becomes this package's UnknownKey code.
	var e *errx.Error
	if errx.As(err, &e) {
		if e.Code == keyring.CodeUnknownKey.Code {
			return ErrRegistry.NewWithCause(CodeUnknownKey, e)
		}
		return e
	}

	switch {
	case errx.Is(err, jwt.ErrTokenExpired):
		return ErrRegistry.New(CodeExpired)
	case errx.Is(err, jwt.ErrTokenNotValidYet), errx.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrRegistry.New(CodeNotYetValid)
	case errx.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrRegistry.New(CodeBadSignature)
	case errx.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrRegistry.New(CodeWrongAudience)
	case errx.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrRegistry.New(CodeWrongAudience)
	case errx.Is(err, jwt.ErrTokenMalformed):
		return ErrRegistry.New(CodeMalformed)
	default:
		return ErrRegistry.NewWithCause(CodeMalformed, err)
	}
}

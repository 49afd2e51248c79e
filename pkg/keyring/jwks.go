package keyring

import (
	"encoding/base64"
	"math/big"
	"strings"
	"time"
)

// JWK is one public key descriptor as published to peer verifiers.
type JWK struct {
	KID    string `json:"kid"`
	Kty    string `json:"kty"`
	Use    string `json:"use"`
	Alg    string `json:"alg"`
	N      string `json:"n"`
	E      string `json:"e"`
	Status string `json:"status"` // "active" or "retiring"
}

// JWKSet is the JWKS document. Peers cache it for up to an hour, which is why
// the grace window must exceed the longest token lifetime.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// Lookup returns the JWK with the given kid, if present.
func (s *JWKSet) Lookup(kid string) (JWK, bool) {
	for _, k := range s.Keys {
		if k.KID == kid {
			return k, true
		}
	}
	return JWK{}, false
}

// rebuildJWKSLocked recomputes the snapshot. Callers hold the write lock.
func (r *KeyRing) rebuildJWKSLocked() {
	now := time.Now()
	set := &JWKSet{}
	for _, k := range r.keys {
		if !k.inGrace(now) {
			continue
		}
		set.Keys = append(set.Keys, JWK{
			KID:    k.KID,
			Kty:    "RSA",
			Use:    "sig",
			Alg:    "RS256",
			N:      b64BigInt(k.Public.N),
			E:      b64BigInt(big.NewInt(int64(k.Public.E))),
			Status: strings.ToLower(string(k.Status)),
		})
	}
	r.jwksCache = set
}

func b64BigInt(n *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(n.Bytes())
}

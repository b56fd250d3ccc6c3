// Package leolease mints and verifies the signed lease tokens every
// backend's Lock returns (spec: a Lease carries a signed token — holder id,
// location, and expiry — so Release can assert it is releasing its own
// lease rather than trusting a bare pointer, in the teacher's defensive
// cheap-self-check style seen in cmn/debug).
package leolease

import (
	"time"

	"github.com/golang-jwt/jwt/v4"

	leoerrors "github.com/leohq/leo/internal/errors"
)

// Claims identifies one lease: who holds it, what it locks, and when it
// expires. ExpiresAt is enforced by jwt.ParseWithClaims itself.
type Claims struct {
	HolderID  string `json:"holder_id"`
	Container string `json:"container"`
	BasePath  string `json:"base_path"`
	jwt.RegisteredClaims
}

// Signer mints and verifies lease tokens against one HMAC secret, shared by
// every backend adapter's Lock/Release. The zero value is not usable;
// construct with NewSigner.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer { return &Signer{secret: secret} }

// Sign mints a token for holderID's claim on container/basePath, expiring
// at expiry.
func (s *Signer) Sign(holderID, container, basePath string, expiry time.Time) (string, error) {
	claims := Claims{
		HolderID:  holderID,
		Container: container,
		BasePath:  basePath,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates token, returning its Claims. It fails closed
// on a bad signature, a malformed token, or an expired one.
func (s *Signer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, leoerrors.NewConfigurationError("leolease: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

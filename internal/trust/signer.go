package trust

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer mints platform tokens. It exists only for HMAC deployments;
// gateways configured with an RSA public key verify without minting.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner returns a Signer, or nil when no HMAC secret is configured.
func NewSigner(hmacSecret string, accessTokenTTL time.Duration) *Signer {
	if hmacSecret == "" {
		return nil
	}
	if accessTokenTTL <= 0 {
		accessTokenTTL = 15 * time.Minute
	}
	return &Signer{secret: []byte(hmacSecret), ttl: accessTokenTTL}
}

// MintAccess issues a fresh access token carrying the given identity.
func (s *Signer) MintAccess(subject, username string, roles []string, personaID string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username:  username,
		Roles:     roles,
		PersonaID: personaID,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("trust: sign token: %w", err)
	}
	return signed, nil
}

// AccessTokenTTL reports how long minted tokens live.
func (s *Signer) AccessTokenTTL() time.Duration { return s.ttl }

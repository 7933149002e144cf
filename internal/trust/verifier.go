// Package trust verifies bearer tokens and maintains the revocation
// set. It is the single entry point for turning an Authorization header
// into a Principal.
package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/studyhive/edge/internal/core"
)

// Claims is the token payload the platform issues.
type Claims struct {
	Username  string   `json:"username,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	PersonaID string   `json:"persona_id,omitempty"`
	TokenType string   `json:"type,omitempty"` // "" or "access"; "refresh" for refresh tokens
	jwt.RegisteredClaims
}

// Config selects the verification key and temporal slack.
type Config struct {
	HMACSecret       string
	RSAPublicKeyFile string
	Leeway           time.Duration
}

// Verifier checks token structure, signature, temporal validity and
// revocation state, in that order.
type Verifier struct {
	parser      *jwt.Parser
	keyFunc     jwt.Keyfunc
	revocations *RevocationSet
	log         *slog.Logger
}

// NewVerifier builds a Verifier for the configured key family. Exactly
// one of HMACSecret or RSAPublicKeyFile must be set.
func NewVerifier(cfg Config, revocations *RevocationSet, log *slog.Logger) (*Verifier, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 60 * time.Second
	}

	var (
		methods []string
		keyFunc jwt.Keyfunc
	)
	switch {
	case cfg.HMACSecret != "" && cfg.RSAPublicKeyFile != "":
		return nil, fmt.Errorf("trust: configure either hmac_secret or rsa_public_key_file, not both")
	case cfg.HMACSecret != "":
		methods = []string{"HS256"}
		secret := []byte(cfg.HMACSecret)
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		}
	case cfg.RSAPublicKeyFile != "":
		pem, err := os.ReadFile(cfg.RSAPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("trust: read rsa public key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("trust: parse rsa public key: %w", err)
		}
		methods = []string{"RS256", "RS384", "RS512"}
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return pub, nil
		}
	default:
		return nil, fmt.Errorf("trust: no verification key configured")
	}

	return &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods(methods),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithIssuedAt(),
		),
		keyFunc:     keyFunc,
		revocations: revocations,
		log:         log,
	}, nil
}

// BearerToken extracts the compact token from an Authorization header
// value. An absent header is ErrMissingToken; a present but unusable
// one (wrong scheme, empty payload, wrong segment count) is
// ErrMalformedToken.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMalformedToken
	}
	raw := strings.TrimSpace(header[len(prefix):])
	if raw == "" || strings.Count(raw, ".") != 2 {
		return "", ErrMalformedToken
	}
	return raw, nil
}

// Verify validates raw and returns the Principal it carries.
func (v *Verifier) Verify(ctx context.Context, raw string) (*core.Principal, error) {
	claims, err := v.Parse(raw)
	if err != nil {
		return nil, err
	}

	if v.revocations != nil {
		if err := v.checkRevoked(ctx, raw, claims); err != nil {
			return nil, err
		}
	}

	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}
	return &core.Principal{
		ID:        claims.Subject,
		Username:  claims.Username,
		Roles:     roles,
		PersonaID: claims.PersonaID,
		Provider:  core.AuthProvider,
	}, nil
}

// Parse checks structure, signature and temporal validity without
// consulting the revocation set.
func (v *Verifier) Parse(raw string) (*Claims, error) {
	if strings.Count(raw, ".") != 2 {
		return nil, ErrMalformedToken
	}
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrMalformedToken
	}
	return claims, nil
}

func (v *Verifier) checkRevoked(ctx context.Context, raw string, claims *Claims) error {
	fp := Fingerprint(raw)
	revoked, err := v.revocations.IsTokenRevoked(ctx, fp)
	if err != nil {
		// Revocation state is advisory when the cache is down: the
		// signature and expiry checks have already passed.
		v.log.Warn("revocation check unavailable", "error", err)
		return nil
	}
	if revoked {
		return ErrRevokedToken
	}

	if claims.IssuedAt == nil {
		return nil
	}
	notBefore, ok, err := v.revocations.SubjectRevokedSince(ctx, claims.Subject)
	if err != nil {
		v.log.Warn("subject revocation check unavailable", "error", err)
		return nil
	}
	if ok && !claims.IssuedAt.Time.After(notBefore) {
		return ErrRevokedToken
	}
	return nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrExpiredToken
	default:
		return ErrMalformedToken
	}
}

// Fingerprint returns the SHA-256 hex digest of the raw compact token,
// the key used in the revocation set.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

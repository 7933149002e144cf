// Package authsvc implements the session operations built on the trust
// layer: logout, subject-wide logout, validation and token refresh.
package authsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/studyhive/edge/internal/trust"
)

// ErrRefreshUnavailable is returned when no signing key is configured;
// handlers map it to 501.
var ErrRefreshUnavailable = errors.New("authsvc: token refresh requires an hmac signing secret")

// ErrNotRefreshToken is returned when the presented token is not a
// refresh token.
var ErrNotRefreshToken = errors.New("authsvc: token is not a refresh token")

// revocationSkew pads revocation TTLs so clock drift between nodes
// cannot resurrect a token at the edge of its lifetime.
const revocationSkew = 60 * time.Second

// Service wires the verifier, revocation set and optional signer.
type Service struct {
	verifier    *trust.Verifier
	revocations *trust.RevocationSet
	signer      *trust.Signer
	maxTokenTTL time.Duration
	log         *slog.Logger
}

func New(verifier *trust.Verifier, revocations *trust.RevocationSet, signer *trust.Signer, maxTokenTTL time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if maxTokenTTL <= 0 {
		maxTokenTTL = 24 * time.Hour
	}
	return &Service{
		verifier:    verifier,
		revocations: revocations,
		signer:      signer,
		maxTokenTTL: maxTokenTTL,
		log:         log,
	}
}

// Logout revokes the presented token for its remaining lifetime.
func (s *Service) Logout(ctx context.Context, raw string) error {
	claims, err := s.verifier.Parse(raw)
	if err != nil {
		return err
	}
	ttl := revocationSkew
	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining > 0 {
			ttl = remaining + revocationSkew
		}
	}
	if err := s.revocations.RevokeToken(ctx, trust.Fingerprint(raw), ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.log.Info("token revoked", "subject", claims.Subject)
	return nil
}

// LogoutAll revokes every token issued to the presented token's subject
// up to now. The entry outlives the longest-lived token the platform
// mints.
func (s *Service) LogoutAll(ctx context.Context, raw string) error {
	claims, err := s.verifier.Parse(raw)
	if err != nil {
		return err
	}
	if err := s.revocations.RevokeSubject(ctx, claims.Subject, time.Now(), s.maxTokenTTL+revocationSkew); err != nil {
		return fmt.Errorf("revoke subject: %w", err)
	}
	s.log.Info("subject revoked", "subject", claims.Subject)
	return nil
}

// ValidationResult reports the outcome of Validate.
type ValidationResult struct {
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	Subject   string `json:"sub,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Validate runs full verification, including revocation state.
func (s *Service) Validate(ctx context.Context, raw string) ValidationResult {
	if _, err := s.verifier.Verify(ctx, raw); err != nil {
		return ValidationResult{Valid: false, Reason: trust.Reason(err)}
	}
	claims, err := s.verifier.Parse(raw)
	if err != nil {
		return ValidationResult{Valid: false, Reason: trust.Reason(err)}
	}
	res := ValidationResult{Valid: true, Subject: claims.Subject}
	if claims.IssuedAt != nil {
		res.IssuedAt = claims.IssuedAt.Unix()
	}
	if claims.ExpiresAt != nil {
		res.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return res
}

// Refresh exchanges a refresh token for a fresh access token.
func (s *Service) Refresh(ctx context.Context, raw string) (string, error) {
	if s.signer == nil {
		return "", ErrRefreshUnavailable
	}
	claims, err := s.verifier.Parse(raw)
	if err != nil {
		return "", err
	}
	if claims.TokenType != "refresh" {
		return "", ErrNotRefreshToken
	}
	// A revoked refresh token must not mint new credentials.
	if _, err := s.verifier.Verify(ctx, raw); err != nil {
		return "", err
	}
	return s.signer.MintAccess(claims.Subject, claims.Username, claims.Roles, claims.PersonaID)
}

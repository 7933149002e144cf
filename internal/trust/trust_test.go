package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/edge/internal/cache"
	"github.com/studyhive/edge/internal/core"
)

const testSecret = "edge-test-secret"

func mintHS(t *testing.T, secret string, mutate func(*Claims)) string {
	t.Helper()
	now := time.Now()
	claims := &Claims{
		Username:  "testuser",
		Roles:     []string{"USER", "PREMIUM"},
		PersonaID: "p-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func newTestVerifier(t *testing.T) (*Verifier, *RevocationSet) {
	t.Helper()
	mem := cache.NewMemory()
	t.Cleanup(func() { mem.Close() })
	revocations := NewRevocationSet(mem)
	v, err := NewVerifier(Config{HMACSecret: testSecret}, revocations, nil)
	require.NoError(t, err)
	return v, revocations
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name, header string
		wantErr      error
	}{
		{"missing", "", ErrMissingToken},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ErrMalformedToken},
		{"empty payload", "Bearer ", ErrMalformedToken},
		{"bearer only", "Bearer", ErrMalformedToken},
		{"two segments", "Bearer aa.bb", ErrMalformedToken},
		{"four segments", "Bearer aa.bb.cc.dd", ErrMalformedToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BearerToken(tc.header)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	raw, err := BearerToken("Bearer aa.bb.cc")
	require.NoError(t, err)
	assert.Equal(t, "aa.bb.cc", raw)
}

func TestVerifyValidToken(t *testing.T) {
	v, _ := newTestVerifier(t)
	raw := mintHS(t, testSecret, nil)

	p, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-123", p.ID)
	assert.Equal(t, "testuser", p.Username)
	assert.Equal(t, []string{"USER", "PREMIUM"}, p.Roles)
	assert.Equal(t, "p-1", p.PersonaID)
	assert.Equal(t, "studyhive", p.Provider)
}

func TestVerifyEmptyRolesStayNonNil(t *testing.T) {
	v, _ := newTestVerifier(t)
	raw := mintHS(t, testSecret, func(c *Claims) { c.Roles = nil })

	p, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, p.Roles)
	assert.Empty(t, p.Roles)
}

func TestVerifyFailureReasons(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	t.Run("bad signature", func(t *testing.T) {
		raw := mintHS(t, "other-secret", nil)
		_, err := v.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("expired beyond leeway", func(t *testing.T) {
		raw := mintHS(t, testSecret, func(c *Claims) {
			c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-10 * time.Minute))
		})
		_, err := v.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("expired within leeway passes", func(t *testing.T) {
		raw := mintHS(t, testSecret, func(c *Claims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))
		})
		_, err := v.Verify(ctx, raw)
		assert.NoError(t, err)
	})

	t.Run("issued in the future", func(t *testing.T) {
		raw := mintHS(t, testSecret, func(c *Claims) {
			c.IssuedAt = jwt.NewNumericDate(time.Now().Add(10 * time.Minute))
		})
		_, err := v.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify(ctx, "aa.bb.cc")
		assert.ErrorIs(t, err, ErrMalformedToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		raw := mintHS(t, testSecret, func(c *Claims) { c.Subject = "" })
		_, err := v.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrMalformedToken)
	})
}

func TestVerifyRevokedFingerprint(t *testing.T) {
	v, revocations := newTestVerifier(t)
	ctx := context.Background()
	raw := mintHS(t, testSecret, nil)

	_, err := v.Verify(ctx, raw)
	require.NoError(t, err)

	require.NoError(t, revocations.RevokeToken(ctx, Fingerprint(raw), time.Hour))
	_, err = v.Verify(ctx, raw)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestVerifySubjectWideRevocation(t *testing.T) {
	v, revocations := newTestVerifier(t)
	ctx := context.Background()

	old := mintHS(t, testSecret, func(c *Claims) {
		c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	})
	require.NoError(t, revocations.RevokeSubject(ctx, "user-123", time.Now(), 24*time.Hour))

	_, err := v.Verify(ctx, old)
	assert.ErrorIs(t, err, ErrRevokedToken, "tokens issued before logout-all are revoked")

	fresh := mintHS(t, testSecret, func(c *Claims) {
		c.IssuedAt = jwt.NewNumericDate(time.Now().Add(30 * time.Second))
	})
	_, err = v.Verify(ctx, fresh)
	assert.NoError(t, err, "tokens issued after logout-all stay valid")
}

func TestVerifyRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemPath := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(pemPath, pem.EncodeToMemory(&pem.Block{
		Type: "PUBLIC KEY", Bytes: pubDER,
	}), 0o600))

	v, err := NewVerifier(Config{RSAPublicKeyFile: pemPath}, nil, nil)
	require.NoError(t, err)

	now := time.Now()
	claims := &Claims{
		Username: "rsa-user",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-9",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	p, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-9", p.ID)

	// HS256 tokens must not pass an RSA verifier.
	hs := mintHS(t, testSecret, nil)
	_, err = v.Verify(context.Background(), hs)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestIdentityHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-User-Id", "spoofed")
	StripIdentity(h)
	assert.Empty(t, h.Get("X-User-Id"))

	principal := mintedPrincipal()
	InjectIdentity(h, principal)
	assert.Equal(t, "user-123", h.Get("X-User-Id"))
	assert.Equal(t, "testuser", h.Get("X-Username"))
	assert.Equal(t, "USER,PREMIUM", h.Get("X-User-Roles"))
	assert.Equal(t, "p-1", h.Get("X-Persona-Id"))
	assert.Equal(t, "studyhive", h.Get("X-Auth-Provider"))

	got, ok := PrincipalFromHeaders(h)
	require.True(t, ok)
	assert.Equal(t, principal, got)
}

func TestSignerMintRoundTrip(t *testing.T) {
	v, _ := newTestVerifier(t)
	s := NewSigner(testSecret, 15*time.Minute)
	require.NotNil(t, s)

	raw, err := s.MintAccess("user-7", "seven", []string{"USER"}, "")
	require.NoError(t, err)

	claims, err := v.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.Subject)
	assert.Equal(t, "access", claims.TokenType)

	assert.Nil(t, NewSigner("", time.Minute), "no secret means no signer")
}

func mintedPrincipal() *core.Principal {
	return &core.Principal{
		ID:        "user-123",
		Username:  "testuser",
		Roles:     []string{"USER", "PREMIUM"},
		PersonaID: "p-1",
		Provider:  "studyhive",
	}
}

func TestFingerprintStable(t *testing.T) {
	raw := mintHS(t, testSecret, nil)
	assert.Equal(t, Fingerprint(raw), Fingerprint(raw))
	assert.Len(t, Fingerprint(raw), 64)
	assert.NotEqual(t, Fingerprint(raw), Fingerprint(raw+"x"))
}

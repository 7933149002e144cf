package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDsRoundTrip(t *testing.T) {
	ctx := WithRequestIDs(context.Background(), "corr-1", "req-1")
	assert.Equal(t, "corr-1", CorrelationID(ctx))
	assert.Equal(t, "req-1", RequestID(ctx))

	assert.Empty(t, CorrelationID(context.Background()))
	assert.Empty(t, RequestID(context.Background()))
}

func TestWithPrincipalMutatesExistingMeta(t *testing.T) {
	ctx := WithRequestIDs(context.Background(), "corr-1", "req-1")
	p := &Principal{ID: "user-123", Username: "testuser", Roles: []string{"USER", "PREMIUM"}}

	ctx2 := WithPrincipal(ctx, p)
	// Same context value: the meta struct is mutated, not re-wrapped.
	require.Equal(t, ctx, ctx2)

	got, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-123", got.ID)
	assert.Equal(t, "USER,PREMIUM", got.RolesJoined())
	assert.True(t, got.HasRole("PREMIUM"))
	assert.False(t, got.HasRole("ADMIN"))
}

func TestWithPrincipalWithoutMeta(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{ID: "u1"})
	got, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", got.ID)
}

func TestOperationName(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{"GET", "/hives/123", "hives:GET"},
		{"GET", "/health/gateway", "health:GET"},
		{"POST", "/auth/logout", "auth:POST"},
		{"POST", "/api/v1/notifications", "notifications:POST"},
		{"GET", "/api/v2/templates/WELCOME/languages", "templates:GET"},
		{"GET", "/api/v1/unknown", "api:GET"},
		{"GET", "/playlists/42/tracks", "playlists:GET"},
		{"DELETE", "/things/9f8b1c2d-3e4f-4a5b-8c6d-7e8f9a0b1c2d", "DELETE /things/:id"},
		{"GET", "/things/42", "GET /things/:id"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, OperationName(tc.method, tc.path), "%s %s", tc.method, tc.path)
	}
}

func TestSanitizePath(t *testing.T) {
	assert.Equal(t, "/a/:id/b/:id", SanitizePath("/a/123/b/9f8b1c2d-3e4f-4a5b-8c6d-7e8f9a0b1c2d"))
	assert.Equal(t, "/words/stay", SanitizePath("/words/stay"))
}

package trust

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/studyhive/edge/internal/cache"
)

const (
	tokenRevokedPrefix   = "auth:revoked:token:"
	subjectRevokedPrefix = "auth:revoked:subject:"
)

// RevocationSet is the cache-backed collection of revoked token
// fingerprints and subject-wide revocation marks.
type RevocationSet struct {
	cache cache.Cache
}

func NewRevocationSet(c cache.Cache) *RevocationSet {
	return &RevocationSet{cache: c}
}

// RevokeToken marks one token fingerprint revoked for ttl. The ttl
// should cover the token's remaining lifetime plus clock skew.
func (r *RevocationSet) RevokeToken(ctx context.Context, fingerprint string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return r.cache.Set(ctx, tokenRevokedPrefix+fingerprint, []byte("1"), ttl)
}

// RevokeSubject revokes every token for subject issued at or before
// notBefore. The entry lives for ttl, which must be at least the
// maximum token lifetime the platform issues.
func (r *RevocationSet) RevokeSubject(ctx context.Context, subject string, notBefore time.Time, ttl time.Duration) error {
	val := strconv.FormatInt(notBefore.Unix(), 10)
	return r.cache.Set(ctx, subjectRevokedPrefix+subject, []byte(val), ttl)
}

// IsTokenRevoked reports whether the fingerprint has a direct hit.
func (r *RevocationSet) IsTokenRevoked(ctx context.Context, fingerprint string) (bool, error) {
	_, err := r.cache.Get(ctx, tokenRevokedPrefix+fingerprint)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, cache.ErrMiss) {
		return false, nil
	}
	return false, err
}

// SubjectRevokedSince returns the subject-wide not-before mark, when
// one exists.
func (r *RevocationSet) SubjectRevokedSince(ctx context.Context, subject string) (time.Time, bool, error) {
	raw, err := r.cache.Get(ctx, subjectRevokedPrefix+subject)
	if errors.Is(err, cache.ErrMiss) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	unix, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(unix, 0), true, nil
}

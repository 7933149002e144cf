package trust

import "errors"

// Verification failure reasons. Handlers map all of them to 401; the
// reason string feeds logs and the validate endpoint.
var (
	ErrMissingToken   = errors.New("trust: missing token")
	ErrMalformedToken = errors.New("trust: malformed token")
	ErrBadSignature   = errors.New("trust: bad signature")
	ErrExpiredToken   = errors.New("trust: token expired or not yet valid")
	ErrRevokedToken   = errors.New("trust: token revoked")
)

// Reason returns the short label used in validate responses and logs.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing"
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrRevokedToken):
		return "revoked"
	default:
		return "invalid"
	}
}

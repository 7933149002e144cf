package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/studyhive/edge/internal/authsvc"
	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/respond"
	"github.com/studyhive/edge/internal/trust"
)

// Session endpoints served by the gateway itself. They operate on the
// presented token, so there is no verify-then-lookup indirection: the
// auth service parses and acts in one step.

func (g *Gateway) logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := requireBearer(w, r)
	if !ok {
		return
	}
	if err := g.auth.Logout(r.Context(), raw); err != nil {
		g.writeAuthError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (g *Gateway) logoutAll(w http.ResponseWriter, r *http.Request) {
	raw, ok := requireBearer(w, r)
	if !ok {
		return
	}
	if err := g.auth.LogoutAll(r.Context(), raw); err != nil {
		g.writeAuthError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "All sessions logged out"})
}

func (g *Gateway) validate(w http.ResponseWriter, r *http.Request) {
	raw, ok := requireBearer(w, r)
	if !ok {
		return
	}
	res := g.auth.Validate(r.Context(), raw)
	if !res.Valid {
		respond.Unauthorized(w, r)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

// validatePublic checks a token carried in the request body, for
// services that hold tokens but no session of their own. A missing or
// structurally malformed token is a caller error; anything else that
// fails verification is 401.
func (g *Gateway) validatePublic(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		respond.BadRequest(w, r, "Token is required")
		return
	}
	res := g.auth.Validate(r.Context(), body.Token)
	if !res.Valid {
		if res.Reason == "malformed" {
			respond.BadRequest(w, r, "Token is malformed")
			return
		}
		respond.Error(w, r, http.StatusUnauthorized, "Unauthorized", "Token is "+res.Reason)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

func (g *Gateway) refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		respond.BadRequest(w, r, "Refresh token is required")
		return
	}
	access, err := g.auth.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, authsvc.ErrRefreshUnavailable):
			respond.Error(w, r, http.StatusNotImplemented, "Not Implemented", "Token refresh is not enabled on this deployment")
		case errors.Is(err, authsvc.ErrNotRefreshToken):
			respond.BadRequest(w, r, "Presented token is not a refresh token")
		default:
			g.writeAuthError(w, r, err)
		}
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{
		"accessToken": access,
		"tokenType":   "Bearer",
	})
}

// requireBearer extracts the compact token from the Authorization
// header, writing the 401 itself when absent or malformed.
func requireBearer(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw, err := trust.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		respond.Unauthorized(w, r)
		return "", false
	}
	return raw, true
}

// writeAuthError maps session operation failures: verification
// problems are the caller's, everything else is the revocation store.
func (g *Gateway) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, trust.ErrMissingToken),
		errors.Is(err, trust.ErrMalformedToken),
		errors.Is(err, trust.ErrBadSignature),
		errors.Is(err, trust.ErrExpiredToken),
		errors.Is(err, trust.ErrRevokedToken):
		respond.Unauthorized(w, r)
	default:
		g.log.Error("session operation failed",
			"error", err,
			"correlation_id", core.CorrelationID(r.Context()),
		)
		respond.ServiceUnavailable(w, r, "Session store is temporarily unavailable")
	}
}

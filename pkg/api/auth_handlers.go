package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/middleware"
)

// RefreshRequest carries the refresh token when it is not sent as a Bearer header
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// MFAVerifyRequest carries a TOTP code
type MFAVerifyRequest struct {
	Code string `json:"code"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	raw := httputil.BearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		var req RefreshRequest
		if err := httputil.ParseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		raw = req.RefreshToken
	}
	if raw == "" {
		httputil.WriteUnauthorized(w)
		return
	}

	pair, err := s.cfg.Sessions.Refresh(r.Context(), raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, pair, "Tokens refreshed")
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFrom(r)
	if err := s.cfg.Sessions.Logout(r.Context(), identity.SubjectID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteMessage(w, "Logged out successfully")
}

func (s *Server) verifyMFA(w http.ResponseWriter, r *http.Request) {
	var req MFAVerifyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Code, "code") {
		return
	}

	pair, err := s.cfg.Sessions.VerifyMFA(r.Context(), middleware.IdentityFrom(r), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, pair, "MFA verification successful")
}

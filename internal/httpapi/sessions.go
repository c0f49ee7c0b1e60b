package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/verisite/verisite-offline/internal/remote"
	"github.com/verisite/verisite-offline/internal/session"
)

type loginReq struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	CompanyID string `json:"companyId,omitempty"`
}

type loginResp struct {
	Session  session.State `json:"session"`
	Switched bool          `json:"switched"`
}

// Login handles POST /v1/login
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	switched, err := s.Session.Login(r.Context(), remote.Credentials{
		Username:  req.Username,
		Password:  req.Password,
		CompanyID: req.CompanyID,
	})
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		log.Error().Err(err).Msg("login failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if switched {
		// The previous identity's records were purged from disk; drop the
		// in-memory copies too or the next persist would resurrect them.
		if err := s.Queue.Clear(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.Evals.Load(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, loginResp{Session: s.Session.Current(), Switched: switched})
}

// LoginOffline handles POST /v1/login/offline, validating against locally
// stored credentials without touching the network.
func (s *Server) LoginOffline(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.Session.LoginOffline(r.Context(), remote.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, session.ErrBadCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, loginResp{Session: s.Session.Current()})
}

// Logout handles POST /v1/logout
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if err := s.Session.Logout(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Session.Current())
}

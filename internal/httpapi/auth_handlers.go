package httpapi

import (
	"errors"
	"net/http"
	"time"

	"authcore.dev/internal/auth"
	"authcore.dev/internal/authz"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Role      auth.Role `json:"role"`
}

type bootstrapRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := a.engine.Login(r.Context(), req.Username, req.Password, requestMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) || errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		UserID:    sess.UserID,
		Role:      sess.Role,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.engine.Logout(r.Context(), bearerToken(r))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := a.engine.CurrentPrincipal(r.Context(), bearerToken(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.engine.BootstrapAdmin(r.Context(), req.Username, req.Password, req.Email, requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req authz.NewUser
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.engine.RegisterUser(r.Context(), bearerToken(r), req, requestMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

package rest

import (
	"net/http"
	"time"

	"github.com/doseline/doseline/identity"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// userView never carries the password salt or hash.
type userView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func newUserView(u identity.User) userView {
	return userView{ID: u.ID, Email: u.Email, Name: u.Name, CreatedAt: u.CreatedAt}
}

type sessionResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerRequest
	if serr := s.decode(r, &req); serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	user, err := s.users.Register(ctx, req.Email, req.Name, req.Password)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	token, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusCreated, sessionResponse{Token: token, User: newUserView(user)})
}

func (s *Service) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginRequest
	if serr := s.decode(r, &req); serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	user, err := s.users.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	token, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusOK, sessionResponse{Token: token, User: newUserView(user)})
}

// deleteUser removes an account by email. The endpoint is unauthenticated;
// deployments should gate it behind an admin surface.
func (s *Service) deleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email := s.mux.Vars(r)["email"]
	if email == "" {
		s.writeError(ctx, w, Errf(KindInvalidInput, "missing email"))
		return
	}
	if err := s.users.DeleteByEmail(ctx, email); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusNoContent, nil)
}

type generateKeyRequest struct {
	Name        string   `json:"name" validate:"required"`
	Permissions []string `json:"permissions"`
}

type keyView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	Active      bool       `json:"active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newKeyView(k identity.APIKey) keyView {
	return keyView{
		ID: k.ID, Name: k.Name, Permissions: k.Permissions, Active: k.Active,
		LastUsedAt: k.LastUsedAt, ExpiresAt: k.ExpiresAt, CreatedAt: k.CreatedAt,
	}
}

type generateKeyResponse struct {
	keyView
	// Key is the plaintext, returned exactly once and never stored.
	Key string `json:"key"`
}

func (s *Service) generateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req generateKeyRequest
	if serr := s.decode(r, &req); serr != nil {
		s.writeError(ctx, w, serr)
		return
	}
	key, plaintext, err := s.keys.Issue(ctx, UserID(r), req.Name, req.Permissions)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusCreated, generateKeyResponse{keyView: newKeyView(key), Key: plaintext})
}

func (s *Service) listKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := s.keys.List(ctx, UserID(r))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, newKeyView(k))
	}
	s.respond(ctx, w, http.StatusOK, out)
}

func (s *Service) revokeKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.keys.Revoke(ctx, UserID(r), s.mux.Vars(r)["id"]); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.respond(ctx, w, http.StatusNoContent, nil)
}

package users

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spinachchain/spinachchain/pkg/authz"
)

// Handlers serves /auth.
type Handlers struct {
	store  *Store
	tokens *authz.TokenManager
	logger *slog.Logger
}

// NewHandlers creates Handlers. tokens may be nil, in which case login is
// unavailable.
func NewHandlers(store *Store, tokens *authz.TokenManager, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, tokens: tokens, logger: logger}
}

// Register handles POST /api/v1/auth/register
// Only an admin may create another admin or choose an address other than
// the username.
func (h *Handlers) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in RegisterInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		caller, _ := authz.IdentityFromContext(r.Context())
		if !caller.HasRole(authz.RoleAdmin) {
			if strings.EqualFold(strings.TrimSpace(in.Role), authz.RoleAdmin) {
				writeError(w, http.StatusForbidden, "only an admin can register an admin")
				return
			}
			if in.CustomAddress() {
				writeError(w, http.StatusForbidden, "only an admin can assign a custom address")
				return
			}
		}
		u, err := h.store.Register(r.Context(), in)
		if err != nil {
			switch {
			case errors.Is(err, ErrValidation):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, ErrConflict):
				writeError(w, http.StatusConflict, err.Error())
			default:
				h.logger.Error("failed to register user", "username", in.Username, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to register user")
			}
			return
		}
		h.logger.Info("user registered", "username", u.Username, "role", u.Role)
		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "user created",
			"user":    u,
		})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user"`
}

// Login handles POST /api/v1/auth/login
// The username field also accepts an email address.
func (h *Handlers) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.tokens == nil {
			writeError(w, http.StatusServiceUnavailable, "token issuance is not configured")
			return
		}
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		u, err := h.store.Authenticate(r.Context(), req.Username, req.Password)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			h.logger.Error("failed to authenticate", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to authenticate")
			return
		}
		token, exp, err := h.tokens.Issue(u.Address, u.Username, u.Role)
		if err != nil {
			h.logger.Error("failed to issue token", "username", u.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to issue token")
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresAt:   exp,
			User:        u,
		})
	}
}

// Me handles GET /api/v1/auth/me
func (h *Handlers) Me() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := authz.IdentityFromContext(r.Context())
		if !id.Authenticated() {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		resp := map[string]any{
			"address":  id.User,
			"username": id.Username,
			"roles":    id.Roles,
		}
		u, err := h.store.GetByAddress(r.Context(), id.User)
		if err != nil {
			h.logger.Error("failed to load user", "address", id.User, "error", err)
		}
		if u != nil {
			resp["user"] = u
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

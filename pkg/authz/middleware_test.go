package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type denyAuthorizer struct{}

func (d *denyAuthorizer) Authorize(_ context.Context, _ AuthzRequest) (bool, error) {
	return false, nil
}

type errorAuthorizer struct{}

func (e *errorAuthorizer) Authorize(_ context.Context, _ AuthzRequest) (bool, error) {
	return false, errors.New("policy backend unavailable")
}

type recordingAuthorizer struct {
	last AuthzRequest
}

func (r *recordingAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	r.last = req
	return true, nil
}

func decodeAuthBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestRequirePermission_Allowed(t *testing.T) {
	handler := RequirePermission(&NoopAuthorizer{}, ResourceBatches, VerbGet)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{User: "alice", Roles: []string{RoleFarmer}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestRequirePermission_Denied(t *testing.T) {
	handler := RequirePermission(&denyAuthorizer{}, ResourceBatches, VerbDelete)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called when denied")
		}),
	)

	req := httptest.NewRequest(http.MethodDelete, "/test", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{User: "bob"}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	body := decodeAuthBody(t, rr)
	if body["code"] != "forbidden" {
		t.Errorf("code = %q, want %q", body["code"], "forbidden")
	}
	if body["error"] == "" {
		t.Error("expected non-empty error message in response")
	}
}

func TestRequirePermission_Unauthenticated(t *testing.T) {
	handler := RequirePermission(&NoopAuthorizer{}, ResourceBatches, VerbGet)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called without identity")
		}),
	)

	for _, id := range []*Identity{nil, {User: Anonymous}} {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		if id != nil {
			req = req.WithContext(WithIdentity(req.Context(), *id))
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
		}
		if body := decodeAuthBody(t, rr); body["code"] != "unauthenticated" {
			t.Errorf("code = %q, want %q", body["code"], "unauthenticated")
		}
	}
}

func TestRequirePermission_AuthorizerError(t *testing.T) {
	handler := RequirePermission(&errorAuthorizer{}, ResourceBatches, VerbGet)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called on authorizer error")
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{User: "alice"}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestAuthzMiddleware_MapsRequest(t *testing.T) {
	rec := &recordingAuthorizer{}
	handler := AuthzMiddleware(rec)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches/B1/transfer", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{User: "0xalice", Roles: []string{RoleFarmer}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if rec.last.Resource != ResourceBatches || rec.last.Verb != VerbUpdate {
		t.Errorf("mapped to %s/%s, want batches/update", rec.last.Resource, rec.last.Verb)
	}
	if rec.last.User != "0xalice" {
		t.Errorf("User = %q, want %q", rec.last.User, "0xalice")
	}
}

func TestAuthzMiddleware_RoleDenied(t *testing.T) {
	handler := AuthzMiddleware(NewRoleAuthorizer(nil))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called when denied")
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches/B1/finalize", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{User: "dave", Roles: []string{RoleRetailer}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}

func TestAuthzMiddleware_UnknownEndpoint(t *testing.T) {
	handler := AuthzMiddleware(&NoopAuthorizer{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called for unknown endpoints")
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{User: "alice"}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}

package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"orchid/api/internal/config"
	"orchid/api/internal/realtime"
	"orchid/api/internal/store"
)

// memoryUsers backs the auth flow with an in-process user table.
func memoryUsers(data *fakeStore) {
	var mu sync.Mutex
	users := make(map[string]store.User)
	byEmail := make(map[string]string)

	data.createUser = func(_ context.Context, user store.User) error {
		mu.Lock()
		defer mu.Unlock()
		users[user.ID] = user
		byEmail[user.Email] = user.ID
		return nil
	}
	data.getUserByEmail = func(_ context.Context, email string) (store.User, error) {
		mu.Lock()
		defer mu.Unlock()
		id, ok := byEmail[email]
		if !ok {
			return store.User{}, sql.ErrNoRows
		}
		return users[id], nil
	}
	data.getUserByID = func(_ context.Context, id string) (store.User, error) {
		mu.Lock()
		defer mu.Unlock()
		user, ok := users[id]
		if !ok {
			return store.User{}, sql.ErrNoRows
		}
		return user, nil
	}
}

func newTestHandler(t *testing.T, data *fakeStore) http.Handler {
	t.Helper()
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}
	svc := newService(cfg, data, newFakeSessions(), realtime.NewRegistry(), nil)
	return NewHTTPServer(svc, realtime.NewRegistry(), "*").Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func signUpAs(t *testing.T, handler http.Handler, email, role string) (token, refresh string) {
	t.Helper()
	recorder := doJSON(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       email,
		"password":    "correct horse battery",
		"displayName": "Priya Mehta",
		"role":        role,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	token, _ = payload["accessToken"].(string)
	refresh, _ = payload["refreshToken"].(string)
	if token == "" || refresh == "" {
		t.Fatalf("signup returned empty tokens: %v", payload)
	}
	return token, refresh
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t, &fakeStore{})
	recorder := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health status = %d", recorder.Code)
	}
}

func TestRequestsWithoutBearerAreRejected(t *testing.T) {
	handler := newTestHandler(t, &fakeStore{})
	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/projects"},
		{http.MethodPost, "/api/projects"},
		{http.MethodGet, "/api/search?q=water"},
		{http.MethodGet, "/api/stock"},
	} {
		recorder := doJSON(t, handler, route.method, route.path, "", nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s status = %d, want 401", route.method, route.path, recorder.Code)
		}
	}
}

func TestSignUpThenCreateProject(t *testing.T) {
	data := &fakeStore{}
	memoryUsers(data)
	handler := newTestHandler(t, data)

	token, _ := signUpAs(t, handler, "priya@example.org", "project_manager")

	recorder := doJSON(t, handler, http.MethodPost, "/api/projects", token, map[string]any{
		"name": "Coastal Resilience",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create project status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["name"] != "Coastal Resilience" {
		t.Fatalf("project payload = %v", payload)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	data := &fakeStore{}
	memoryUsers(data)
	handler := newTestHandler(t, data)
	signUpAs(t, handler, "priya@example.org", "project_manager")

	recorder := doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "priya@example.org",
		"password": "wrong",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("signin status = %d, want 401", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("signin code = %v, want INVALID_CREDENTIALS", payload["code"])
	}
}

func TestFieldOfficerForbiddenFromCreatingProject(t *testing.T) {
	data := &fakeStore{}
	memoryUsers(data)
	handler := newTestHandler(t, data)

	token, _ := signUpAs(t, handler, "dan@example.org", "field_officer")

	recorder := doJSON(t, handler, http.MethodPost, "/api/projects", token, map[string]any{
		"name": "Coastal Resilience",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("create project status = %d, want 403", recorder.Code)
	}
}

func TestRefreshRotatesTheToken(t *testing.T) {
	data := &fakeStore{}
	memoryUsers(data)
	handler := newTestHandler(t, data)

	_, refresh := signUpAs(t, handler, "priya@example.org", "project_manager")

	recorder := doJSON(t, handler, http.MethodPost, "/api/auth/refresh", "", map[string]any{
		"refreshToken": refresh,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	next, _ := payload["refreshToken"].(string)
	if next == "" || next == refresh {
		t.Fatalf("refresh token was not rotated")
	}

	// The consumed token must not work a second time.
	recorder = doJSON(t, handler, http.MethodPost, "/api/auth/refresh", "", map[string]any{
		"refreshToken": refresh,
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh status = %d, want 401", recorder.Code)
	}
}

func TestSearchRejectsNonIntegerLimit(t *testing.T) {
	data := &fakeStore{}
	memoryUsers(data)
	handler := newTestHandler(t, data)
	token, _ := signUpAs(t, handler, "priya@example.org", "project_manager")

	recorder := doJSON(t, handler, http.MethodGet, "/api/search?q=water&limit=abc", token, nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("search status = %d, want 422", recorder.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	data := &fakeStore{}
	memoryUsers(data)
	handler := newTestHandler(t, data)
	token, _ := signUpAs(t, handler, "priya@example.org", "project_manager")

	recorder := doJSON(t, handler, http.MethodGet, "/api/nope", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestTaskUpdateParsesDatePatch(t *testing.T) {
	var got store.TaskPatch
	data := &fakeStore{
		patchTask: func(_ context.Context, id string, patch store.TaskPatch) (store.Task, error) {
			got = patch
			return store.Task{ID: id, Description: "Drill borehole", Status: store.TaskStatusPending}, nil
		},
	}
	memoryUsers(data)
	handler := newTestHandler(t, data)
	token, _ := signUpAs(t, handler, "priya@example.org", "project_manager")

	recorder := doJSON(t, handler, http.MethodPatch, "/api/tasks/tsk_1", token, map[string]any{
		"endDate":    "2026-09-15",
		"assigneeId": "",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if got.Description != nil || got.StartDate != nil {
		t.Fatalf("unexpected patch fields set: %+v", got)
	}
	if got.EndDate == nil || got.EndDate.Format("2006-01-02") != "2026-09-15" {
		t.Fatalf("end date patch = %v", got.EndDate)
	}
	if got.AssigneeID == nil || *got.AssigneeID != "" {
		t.Fatalf("assignee patch = %v, want pointer to empty string", got.AssigneeID)
	}
}

func TestDistributeStockConflictSurfacesAs409(t *testing.T) {
	data := &fakeStore{
		distribute: func(context.Context, string, string, int) (store.StockLevel, error) {
			return store.StockLevel{}, fmt.Errorf("check stock: %w", store.ErrInsufficientStock)
		},
	}
	memoryUsers(data)
	handler := newTestHandler(t, data)
	token, _ := signUpAs(t, handler, "priya@example.org", "project_manager")

	recorder := doJSON(t, handler, http.MethodPost, "/api/stock/distribute", token, map[string]any{
		"itemId":     "itm_1",
		"locationId": "loc_1",
		"quantity":   5,
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("distribute status = %d, want 409", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "INSUFFICIENT_STOCK" {
		t.Fatalf("code = %v, want INSUFFICIENT_STOCK", payload["code"])
	}
}

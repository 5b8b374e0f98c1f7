package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"wabot/internal/model"
	"wabot/internal/scheduler"
	"wabot/internal/storage"
)

type nopExecutor struct{}

func (nopExecutor) SendText(ctx context.Context, to, body string) error { return nil }
func (nopExecutor) SendMedia(ctx context.Context, to, body, mediaPath string) error {
	return nil
}

// newTestAPI builds an API with a real store and engine but no WhatsApp
// session. Routes touching the session are not exercised here.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_foreign_keys=on"
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sched := scheduler.New(store, nopExecutor{}, scheduler.Options{})
	t.Cleanup(sched.Stop)

	api := &API{
		Store:  store,
		Sched:  sched,
		Router: chi.NewRouter(),
		admin:  newAdminAuth("sekret", time.Hour),
	}
	api.routes()
	return api
}

func doJSON(t *testing.T, api *API, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	api.Router.ServeHTTP(w, req)
	return w
}

func TestCreateScheduleValidation(t *testing.T) {
	api := newTestAPI(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing to", `{"body":"hi","scheduled_time":"2031-01-01T10:00:00Z"}`},
		{"missing payload", `{"to":"628111","scheduled_time":"2031-01-01T10:00:00Z"}`},
		{"missing time", `{"to":"628111","body":"hi"}`},
		{"bad time format", `{"to":"628111","body":"hi","scheduled_time":"tomorrow"}`},
		{"recurring without cron", `{"to":"628111","body":"hi","scheduled_time":"2031-01-01T10:00:00Z","repeat":true}`},
		{"broken json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, api, http.MethodPost, "/api/schedule", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateAndCancelSchedule(t *testing.T) {
	api := newTestAPI(t)

	when := time.Now().Add(time.Hour).Format(time.RFC3339)
	w := doJSON(t, api, http.MethodPost, "/api/schedule",
		`{"to":"628111","body":"hi","scheduled_time":"`+when+`"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created model.ScheduledMessage
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != model.StatusPending {
		t.Fatalf("created status = %q, want pending", created.Status)
	}
	if !strings.HasSuffix(created.To, "@s.whatsapp.net") {
		t.Fatalf("recipient not normalized: %q", created.To)
	}
	if !api.Sched.Armed(created.ID) {
		t.Fatalf("new schedule should be armed")
	}

	w = doJSON(t, api, http.MethodDelete, "/api/schedule/"+created.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}
	if api.Sched.Armed(created.ID) {
		t.Fatalf("canceled schedule still armed")
	}

	// Cancel again: still 200
	w = doJSON(t, api, http.MethodDelete, "/api/schedule/"+created.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat cancel status = %d", w.Code)
	}
}

func TestCreateSchedulePastTimeReturnsFailedRecord(t *testing.T) {
	api := newTestAPI(t)

	when := time.Now().Add(-time.Hour).Format(time.RFC3339)
	w := doJSON(t, api, http.MethodPost, "/api/schedule",
		`{"to":"628111","body":"too late","scheduled_time":"`+when+`"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var created model.ScheduledMessage
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", created.Status)
	}
	if api.Sched.Armed(created.ID) {
		t.Fatalf("past-time schedule should not be armed")
	}
}

func TestGetScheduleReportsArmedState(t *testing.T) {
	api := newTestAPI(t)

	when := time.Now().Add(time.Hour).Format(time.RFC3339)
	w := doJSON(t, api, http.MethodPost, "/api/schedule",
		`{"to":"628111","body":"hi","scheduled_time":"`+when+`"}`, nil)
	var created model.ScheduledMessage
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, api, http.MethodGet, "/api/schedule/"+created.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got struct {
		Message model.ScheduledMessage `json:"message"`
		Armed   bool                   `json:"armed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Message.ID != created.ID || !got.Armed {
		t.Fatalf("got = %+v", got)
	}

	w = doJSON(t, api, http.MethodGet, "/api/schedule/unknown-id", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", w.Code)
	}
}

func TestAdminAuthFlow(t *testing.T) {
	api := newTestAPI(t)

	w := doJSON(t, api, http.MethodGet, "/admin/api/stats", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated stats = %d, want 401", w.Code)
	}

	w = doJSON(t, api, http.MethodPost, "/admin/api/login", `{"password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password login = %d, want 401", w.Code)
	}

	w = doJSON(t, api, http.MethodPost, "/admin/api/login", `{"password":"sekret"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d, body %s", w.Code, w.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil || login.Token == "" {
		t.Fatalf("login body %s, err %v", w.Body.String(), err)
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "admin_token" {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("admin_token cookie not set as HttpOnly")
	}

	w = doJSON(t, api, http.MethodGet, "/admin/api/stats", "", map[string]string{"X-Admin-Token": login.Token})
	if w.Code != http.StatusOK {
		t.Fatalf("authed stats = %d, body %s", w.Code, w.Body.String())
	}

	// Logout revokes the token
	w = doJSON(t, api, http.MethodPost, "/admin/api/logout", "", map[string]string{"X-Admin-Token": login.Token})
	if w.Code != http.StatusOK {
		t.Fatalf("logout = %d", w.Code)
	}
	w = doJSON(t, api, http.MethodGet, "/admin/api/stats", "", map[string]string{"X-Admin-Token": login.Token})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token stats = %d, want 401", w.Code)
	}
}

func TestAdminTokenExpiry(t *testing.T) {
	auth := newAdminAuth("pw", time.Millisecond)
	token := auth.issue()
	time.Sleep(5 * time.Millisecond)
	if auth.valid(token) {
		t.Fatalf("expired token still valid")
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	w := doJSON(t, api, http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
}

package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"wabot/internal/sender"
)

// adminAuth holds issued admin tokens in memory. Tokens die on restart,
// which is fine for a single-operator panel.
type adminAuth struct {
	password string
	ttl      time.Duration

	mu     sync.Mutex
	tokens map[string]time.Time
}

func newAdminAuth(password string, ttl time.Duration) *adminAuth {
	return &adminAuth{
		password: password,
		ttl:      ttl,
		tokens:   make(map[string]time.Time),
	}
}

func (a *adminAuth) issue() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	token := hex.EncodeToString(buf)
	a.mu.Lock()
	a.tokens[token] = time.Now().Add(a.ttl)
	a.mu.Unlock()
	return token
}

func (a *adminAuth) valid(token string) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(a.tokens, token)
		return false
	}
	return true
}

func (a *adminAuth) revoke(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

func (a *adminAuth) tokenFrom(r *http.Request) string {
	if c, err := r.Cookie("admin_token"); err == nil && c.Value != "" {
		return c.Value
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return r.Header.Get("X-Admin-Token")
}

func (a *adminAuth) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.valid(a.tokenFrom(r)) {
			writeErr(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type adminLoginReq struct {
	Password string `json:"password"`
}

func (a *API) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Password != a.admin.password {
		writeErr(w, http.StatusUnauthorized, "wrong password")
		return
	}
	token := a.admin.issue()
	http.SetCookie(w, &http.Cookie{
		Name:     "admin_token",
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.admin.ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (a *API) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	a.admin.revoke(a.admin.tokenFrom(r))
	http.SetCookie(w, &http.Cookie{
		Name:     "admin_token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
}

func (a *API) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Store.Stats()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type adminSendReq struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (a *API) handleAdminSend(w http.ResponseWriter, r *http.Request) {
	var req adminSendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.To == "" || req.Message == "" {
		writeErr(w, http.StatusBadRequest, "to and message required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if err := a.Sender.SendText(ctx, sender.NormalizeJID(req.To), req.Message); err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

func (a *API) handleAdminRestart(w http.ResponseWriter, r *http.Request) {
	if err := a.Manager.Restart(); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restarted": true})
}

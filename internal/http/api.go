package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"wabot/internal/media"
	"wabot/internal/model"
	"wabot/internal/scheduler"
	"wabot/internal/sender"
	"wabot/internal/storage"
	"wabot/internal/wa"
)

type API struct {
	Store   *storage.Store
	Manager *wa.Manager
	Sender  *sender.Sender
	Sched   *scheduler.Engine
	Media   *media.Handler
	Router  *chi.Mux

	admin *adminAuth
}

// NewRouter wires all routes. adminPassword and tokenTTL drive the admin
// token-cookie auth.
func NewRouter(store *storage.Store, manager *wa.Manager, snd *sender.Sender, sched *scheduler.Engine, mh *media.Handler, adminPassword string, tokenTTL time.Duration) *chi.Mux {
	api := &API{
		Store:   store,
		Manager: manager,
		Sender:  snd,
		Sched:   sched,
		Media:   mh,
		Router:  chi.NewRouter(),
		admin:   newAdminAuth(adminPassword, tokenTTL),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)
	a.Router.Get("/api/status", a.handleStatus)
	a.Router.Get("/api/pair/qr", a.handlePairQR)

	// Immediate and scheduled sends
	a.Router.Post("/api/send", a.handleSend)
	a.Router.Post("/api/schedule", a.handleCreateSchedule)
	a.Router.Get("/api/schedule", a.handleListSchedules)
	a.Router.Get("/api/schedule/{id}", a.handleGetSchedule)
	a.Router.Delete("/api/schedule/{id}", a.handleCancelSchedule)

	// Chat log
	a.Router.Get("/api/messages", a.handleListMessages)
	a.Router.Get("/api/messages/{id}/media", a.handleMessageMedia)

	// Media library
	a.Router.Get("/api/media", a.handleListMedia)
	a.Router.Get("/api/media/{id}", a.handleGetMedia)
	a.Router.Get("/api/media/{id}/download", a.handleDownloadMedia)
	a.Router.Delete("/api/media/{id}", a.handleDeleteMedia)
	a.Router.Post("/api/upload", a.handleUpload)

	// Admin panel API (token-cookie auth)
	a.Router.Route("/admin/api", func(r chi.Router) {
		r.Post("/login", a.handleAdminLogin)
		r.Post("/logout", a.handleAdminLogout)
		r.Group(func(r chi.Router) {
			r.Use(a.admin.require)
			r.Get("/stats", a.handleAdminStats)
			r.Post("/send", a.handleAdminSend)
			r.Post("/restart", a.handleAdminRestart)
		})
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"paired":     a.Manager.IsPaired(),
		"connected":  a.Manager.IsConnected(),
		"armed_jobs": a.Sched.JobCount(),
	})
}

func (a *API) handlePairQR(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	png, _, err := a.Manager.PairQR(ctx)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	// Avoid stale QR codes cached by browsers/proxies
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type sendReq struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Phone == "" || req.Message == "" {
		writeErr(w, http.StatusBadRequest, "phone and message required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if err := a.Sender.SendText(ctx, req.Phone, req.Message); err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

type scheduleReq struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	MediaPath      string `json:"media_path"`
	ScheduledTime  string `json:"scheduled_time"`
	Repeat         bool   `json:"repeat"`
	CronExpression string `json:"cron_expression"`
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.To == "" || req.ScheduledTime == "" || (req.Body == "" && req.MediaPath == "") {
		writeErr(w, http.StatusBadRequest, "to, scheduled_time and body or media_path required")
		return
	}
	when, err := time.ParseInLocation(time.RFC3339, req.ScheduledTime, time.Local)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "scheduled_time must be RFC3339")
		return
	}
	msg, err := a.Sched.ScheduleNew(scheduler.Request{
		To:             sender.NormalizeJID(req.To),
		Body:           req.Body,
		MediaPath:      req.MediaPath,
		ScheduledTime:  when,
		Repeat:         req.Repeat,
		CronExpression: req.CronExpression,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrMissingRecipient) ||
			errors.Is(err, scheduler.ErrEmptyPayload) ||
			errors.Is(err, scheduler.ErrMissingTime) ||
			errors.Is(err, scheduler.ErrMissingCron) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The record is returned even when arming immediately failed; clients
	// inspect status.
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)
	list, err := a.Store.ListScheduledMessages(limit, (page-1)*limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := a.Store.GetScheduledMessage(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeErr(w, http.StatusNotFound, "scheduled message not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": msg,
		"armed":   a.Sched.Armed(id),
	})
}

// Cancel stops the in-memory job. Idempotent: canceling an unknown or
// already-fired ID succeeds and reports armed=false.
func (a *API) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.Sched.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]any{"canceled": id, "armed": a.Sched.Armed(id)})
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)
	list, err := a.Store.ListMessages(limit, (page-1)*limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := a.Store.CountMessages()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":   list,
		"pagination": paginationMeta(page, limit, total),
	})
}

func (a *API) handleMessageMedia(w http.ResponseWriter, r *http.Request) {
	rowID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid message id")
		return
	}
	msg, err := a.Store.GetMessageByRowID(rowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeErr(w, http.StatusNotFound, "message not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !msg.HasMedia {
		writeErr(w, http.StatusNotFound, "message has no media")
		return
	}
	files, err := a.Store.ListMediaForMessage(msg.MessageID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     msg,
		"media_files": files,
	})
}

func (a *API) handleListMedia(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)
	fileType := r.URL.Query().Get("type")
	list, err := a.Store.ListMediaFiles(fileType, limit, (page-1)*limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := a.Store.CountMediaFiles(fileType)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files":      list,
		"pagination": paginationMeta(page, limit, total),
	})
}

func (a *API) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	f, err := a.Store.GetMediaFile(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeErr(w, http.StatusNotFound, "media file not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *API) handleDownloadMedia(w http.ResponseWriter, r *http.Request) {
	f, err := a.Store.GetMediaFile(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeErr(w, http.StatusNotFound, "media file not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	file, err := os.Open(f.FilePath)
	if err != nil {
		writeErr(w, http.StatusNotFound, "file no longer exists on disk")
		return
	}
	defer file.Close()
	w.Header().Set("Content-Type", f.Mimetype)
	w.Header().Set("Content-Disposition", `attachment; filename="`+f.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, file)
}

func (a *API) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := a.Store.GetMediaFile(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeErr(w, http.StatusNotFound, "media file not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.Media.Delete(f.FilePath); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := a.Store.DeleteMediaFile(id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}

// Upload a file (multipart) into the media library. The stored path can be
// referenced by scheduled sends as media_path.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(50 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, "parse multipart failed")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "file missing")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "read file failed")
		return
	}
	mimetype := header.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = http.DetectContentType(data)
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = "." + media.ExtensionFromMimetype(mimetype)
	}
	filename := uuid.NewString() + ext
	path, err := a.Media.Save(data, filename, mimetype)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "save file failed")
		return
	}
	f := &model.MediaFile{
		ID:       uuid.NewString(),
		Filename: filename,
		FilePath: path,
		Mimetype: mimetype,
		FileSize: int64(len(data)),
		FileType: media.TypeFromMimetype(mimetype),
	}
	if err := a.Store.InsertMediaFile(f); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         f.ID,
		"media_path": path,
		"mimetype":   mimetype,
	})
}

func pagination(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func paginationMeta(page, limit int, total int64) map[string]any {
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return map[string]any{
		"page":  page,
		"limit": limit,
		"total": total,
		"pages": pages,
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		log.Println("writeJSON err:", err)
	}
}

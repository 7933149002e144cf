package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/respond"
)

// Handlers exposes the notification surface under /api/v1/notifications.
type Handlers struct {
	svc *Service
	log *slog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(svc *Service, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{svc: svc, log: log}
}

// Mount registers the routes on a subrouter rooted at the notification
// prefix. Literal segments are registered before the {id} captures.
func (h *Handlers) Mount(r *mux.Router) {
	r.HandleFunc("", h.create).Methods(http.MethodPost)
	r.HandleFunc("", h.list).Methods(http.MethodGet)
	r.HandleFunc("/unread", h.listUnread).Methods(http.MethodGet)
	r.HandleFunc("/unread/count", h.countUnread).Methods(http.MethodGet)
	r.HandleFunc("/preferences", h.getPreferences).Methods(http.MethodGet)
	r.HandleFunc("/preferences", h.putPreferences).Methods(http.MethodPut)
	r.HandleFunc("/{id}/read", h.markRead).Methods(http.MethodPatch)
	r.HandleFunc("/{id}/archive", h.archive).Methods(http.MethodPatch)
	r.HandleFunc("/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/{id}", h.delete).Methods(http.MethodDelete)
}

// page is the list response envelope.
type page struct {
	Content       []*Notification `json:"content"`
	Page          int             `json:"page"`
	Size          int             `json:"size"`
	TotalElements int             `json:"totalElements"`
	TotalPages    int             `json:"totalPages"`
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, r, "Invalid request body")
		return
	}
	n, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, n)
}

// SyncUsers handles the registry push from the user service.
func (h *Handlers) SyncUsers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserIDs []string `json:"userIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, r, "Invalid request body")
		return
	}
	count, err := h.svc.SyncUsers(r.Context(), req.UserIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]int{"synced": count})
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	h.listPage(w, r, false)
}

func (h *Handlers) listUnread(w http.ResponseWriter, r *http.Request) {
	h.listPage(w, r, true)
}

func (h *Handlers) listPage(w http.ResponseWriter, r *http.Request, unreadOnly bool) {
	userID := requestUser(r)
	if userID == "" {
		respond.BadRequest(w, r, "User ID is required")
		return
	}
	pageNum := queryInt(r, "page", 0)
	size := queryInt(r, "size", defaultPageSize)

	items, total, err := h.svc.List(r.Context(), userID, pageNum, size, unreadOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if size <= 0 {
		size = defaultPageSize
	}
	totalPages := (total + size - 1) / size
	respond.JSON(w, http.StatusOK, page{
		Content:       items,
		Page:          pageNum,
		Size:          size,
		TotalElements: total,
		TotalPages:    totalPages,
	})
}

func (h *Handlers) countUnread(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		respond.BadRequest(w, r, "User ID is required")
		return
	}
	count, err := h.svc.CountUnread(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		respond.BadRequest(w, r, "User ID is required")
		return
	}
	n, err := h.svc.Get(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, n)
}

func (h *Handlers) markRead(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		respond.BadRequest(w, r, "User ID is required")
		return
	}
	n, err := h.svc.MarkRead(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, n)
}

func (h *Handlers) archive(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		respond.BadRequest(w, r, "User ID is required")
		return
	}
	n, err := h.svc.Archive(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, n)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		respond.BadRequest(w, r, "User ID is required")
		return
	}
	if err := h.svc.Delete(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) getPreferences(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		respond.BadRequest(w, r, "User ID is required")
		return
	}
	p, err := h.svc.Preferences(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, p)
}

func (h *Handlers) putPreferences(w http.ResponseWriter, r *http.Request) {
	var p Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respond.BadRequest(w, r, "Invalid request body")
		return
	}
	if userID := requestUser(r); userID != "" {
		p.UserID = userID
	}
	if p.UserID == "" {
		respond.BadRequest(w, r, "User ID is required")
		return
	}
	if err := h.svc.UpdatePreferences(r.Context(), &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, &p)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		respond.BadRequest(w, r, ve.Error())
	case errors.Is(err, ErrUserNotFound):
		respond.NotFound(w, r, "User not found")
	case errors.Is(err, ErrNotFound):
		respond.NotFound(w, r, "Notification not found")
	case errors.Is(err, ErrNotOwner):
		respond.BadRequest(w, r, "Notification does not belong to user")
	default:
		h.log.Error("notification request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		respond.Internal(w, r)
	}
}

// requestUser resolves the acting user: the verified principal when the
// trust middleware attached one, else the userId query parameter for
// service-to-service calls.
func requestUser(r *http.Request) string {
	if p, ok := core.PrincipalFrom(r.Context()); ok {
		return p.ID
	}
	return r.URL.Query().Get("userId")
}

func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

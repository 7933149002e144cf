package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/studyhive/edge/internal/respond"
)

// Handlers is the template REST surface, mounted by the notifier
// server under /api/v1/templates.
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

// Mount registers the routes on the (already prefixed) router.
func (h *Handlers) Mount(r *mux.Router) {
	r.HandleFunc("", h.create).Methods(http.MethodPost)
	r.HandleFunc("/statistics", h.statistics).Methods(http.MethodGet)
	r.HandleFunc("/bulk", h.bulkCreate).Methods(http.MethodPost)
	r.HandleFunc("/extract-variables", h.extractVariables).Methods(http.MethodPost)
	r.HandleFunc("/{id}", h.update).Methods(http.MethodPut)
	r.HandleFunc("/{id}", h.delete).Methods(http.MethodDelete)
	r.HandleFunc("/{type}/languages", h.listLanguages).Methods(http.MethodGet)
	r.HandleFunc("/{type}/{language}", h.find).Methods(http.MethodGet)
	r.HandleFunc("/{type}/{language}/validate", h.validate).Methods(http.MethodPost)
	r.HandleFunc("/{type}/{language}/process", h.render).Methods(http.MethodPost)
}

type templateRequest struct {
	Type     string `json:"type"`
	Language string `json:"language"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

func (tr *templateRequest) validate() string {
	switch {
	case tr.Type == "":
		return "type is required"
	case tr.Language == "":
		return "language is required"
	case tr.Subject == "" && tr.Body == "":
		return "subject or body is required"
	}
	return ""
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, r, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		respond.BadRequest(w, r, msg)
		return
	}
	t := &Template{Type: req.Type, Language: req.Language, Subject: req.Subject, Body: req.Body}
	if err := h.svc.Create(r.Context(), t); err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, t)
}

func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, r, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		respond.BadRequest(w, r, msg)
		return
	}
	t := &Template{
		ID:       mux.Vars(r)["id"],
		Type:     req.Type,
		Language: req.Language,
		Subject:  req.Subject,
		Body:     req.Body,
	}
	if err := h.svc.Update(r.Context(), t); err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, t)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) find(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := h.svc.Find(r.Context(), vars["type"], vars["language"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, t)
}

func (h *Handlers) listLanguages(w http.ResponseWriter, r *http.Request) {
	langs, err := h.svc.ListLanguages(r.Context(), mux.Vars(r)["type"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if langs == nil {
		langs = []string{}
	}
	respond.JSON(w, http.StatusOK, map[string][]string{"languages": langs})
}

func (h *Handlers) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Statistics(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{"countByType": stats})
}

func (h *Handlers) bulkCreate(w http.ResponseWriter, r *http.Request) {
	var reqs []templateRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		respond.BadRequest(w, r, "Invalid request body")
		return
	}
	tpls := make([]*Template, 0, len(reqs))
	for i, req := range reqs {
		if msg := req.validate(); msg != "" {
			respond.BadRequest(w, r, fmt.Sprintf("entry %d: %s", i, msg))
			return
		}
		tpls = append(tpls, &Template{Type: req.Type, Language: req.Language, Subject: req.Subject, Body: req.Body})
	}
	created, failed := h.svc.BulkCreate(r.Context(), tpls)
	if failed == nil {
		failed = []BulkFailure{}
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"created": created,
		"failed":  failed,
	})
}

func (h *Handlers) extractVariables(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, r, "Invalid request body")
		return
	}
	respond.JSON(w, http.StatusOK, map[string][]string{
		"variables": ExtractVariables(req.Subject, req.Body),
	})
}

func (h *Handlers) validate(w http.ResponseWriter, r *http.Request) {
	vars, ok := decodeVariables(w, r)
	if !ok {
		return
	}
	pathVars := mux.Vars(r)
	missing, err := h.svc.Validate(r.Context(), pathVars["type"], pathVars["language"], vars)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if missing == nil {
		missing = []string{}
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"valid":   len(missing) == 0,
		"missing": missing,
	})
}

func (h *Handlers) render(w http.ResponseWriter, r *http.Request) {
	vars, ok := decodeVariables(w, r)
	if !ok {
		return
	}
	pathVars := mux.Vars(r)
	processed, err := h.svc.Render(r.Context(), pathVars["type"], pathVars["language"], vars)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, processed)
}

// decodeVariables reads a {"variables": {...}} body, also accepting a
// bare variables object.
func decodeVariables(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	var req struct {
		Variables map[string]string `json:"variables"`
	}
	raw := json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		respond.BadRequest(w, r, "Invalid request body")
		return nil, false
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.Variables == nil {
		flat := map[string]string{}
		if err := json.Unmarshal(raw, &flat); err != nil {
			respond.BadRequest(w, r, "Invalid request body")
			return nil, false
		}
		return flat, true
	}
	return req.Variables, true
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		respond.NotFound(w, r, "Template not found")
	case errors.Is(err, ErrExists):
		respond.BadRequest(w, r, "Template already exists for this type and language")
	case errors.As(err, &verr):
		respond.BadRequest(w, r, verr.Error())
	default:
		h.log.Error("template operation failed", "error", err, "path", r.URL.Path)
		respond.Internal(w, r)
	}
}

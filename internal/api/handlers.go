package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/builtattic/bulkmailer/internal/campaign"
	"github.com/builtattic/bulkmailer/internal/domain"
	"github.com/builtattic/bulkmailer/internal/recipients"
	"github.com/builtattic/bulkmailer/internal/template"
)

// maxUploadBytes caps recipient CSV uploads at 1GB.
const maxUploadBytes = 1 << 30

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	svc    *campaign.Service
	engine *template.Engine
}

// NewHandlers creates the handler set.
func NewHandlers(svc *campaign.Service, engine *template.Engine) *Handlers {
	return &Handlers{svc: svc, engine: engine}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// CreateCampaign creates a draft campaign. max_retries is shadowed with a
// pointer so an explicit 0 (no retries) survives; absent means default.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		domain.Campaign
		MaxRetries *int `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c := req.Campaign
	c.MaxRetries = -1
	if req.MaxRetries != nil {
		c.MaxRetries = *req.MaxRetries
	}

	if err := h.svc.Create(r.Context(), &c); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// ListCampaigns returns campaigns, newest first.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	campaigns, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if campaigns == nil {
		campaigns = []domain.Campaign{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns})
}

// GetCampaign returns one campaign with its queue stats.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")

	c, err := h.svc.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	stats, err := h.svc.Stats(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaign": c,
		"stats":    stats,
	})
}

// UploadRecipients streams a CSV body into the campaign's queue. Accepts
// either a raw CSV body or a multipart form with a "file" field.
func (h *Handlers) UploadRecipients(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	reader := r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "multipart upload requires a 'file' field")
			return
		}
		defer file.Close()
		reader = file
	}

	result, err := h.svc.ImportRecipients(r.Context(), id, reader)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// SendCampaign launches a draft campaign.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")

	if err := h.svc.Launch(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "sending"})
}

// CancelCampaign stops a campaign; pending recipients are skipped.
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")

	if err := h.svc.Cancel(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetProgress returns the campaign's latest progress snapshot.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")

	p, err := h.svc.Progress(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// GetErrors returns the campaign's error report.
func (h *Handlers) GetErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")

	report, err := h.svc.Errors(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if report == nil {
		report = []domain.SendError{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"errors": report})
}

// ValidateTemplate parses a template and reports syntax errors plus
// variables missing from a sample context.
func (h *Handlers) ValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Template string                 `json:"template"`
		Context  map[string]interface{} `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Template == "" {
		respondError(w, http.StatusBadRequest, "template is required")
		return
	}

	rendered, warnings, err := h.engine.RenderWithMode(req.Template, req.Context, template.RenderModeStrict)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	if warnings == nil {
		warnings = []template.ValidationError{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":    true,
		"rendered": rendered,
		"warnings": warnings,
	})
}

// respondServiceError maps service errors to HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrNotDraft),
		errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, campaign.ErrAlreadyFinished):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, recipients.ErrMissingEmailColumn),
		errors.Is(err, recipients.ErrEmptyFile):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] Encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

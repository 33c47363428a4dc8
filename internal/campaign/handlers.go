package campaign

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handlers provides HTTP handlers for the campaign API
type Handlers struct {
	store   *Store
	service *Service
}

// NewHandlers creates new campaign handlers
func NewHandlers(store *Store, service *Service) *Handlers {
	return &Handlers{store: store, service: service}
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps domain errors onto HTTP statuses. A paused
// queue gets its own code so clients can tell it apart from a rejected
// request.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		transErr *InvalidTransitionError
		sysErr   *SystemicTransportError
	)
	switch {
	case errors.Is(err, ErrQueuePaused):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
			"code":  "queue_paused",
		})
	case errors.Is(err, ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case IsValidation(err):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &transErr):
		respondError(w, http.StatusConflict, transErr.Error())
	case errors.As(err, &sysErr):
		respondError(w, http.StatusBadGateway, sysErr.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func actorID(r *http.Request) string {
	if actor := r.Header.Get("X-Actor-ID"); actor != "" {
		return actor
	}
	return "anonymous"
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

// HealthCheck reports liveness
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Campaign handlers

// HandleCreateCampaign creates a draft campaign
func (h *Handlers) HandleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var spec CampaignSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.service.CreateCampaign(r.Context(), actorID(r), spec)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// HandleGetCampaigns returns all campaigns
func (h *Handlers) HandleGetCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	campaigns, err := h.store.GetCampaigns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get campaigns")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"total":     len(campaigns),
	})
}

// HandleGetCampaign returns a campaign with its job status rollup
func (h *Handlers) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(r, "campaignId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign ID")
		return
	}

	c, err := h.service.GetCampaignWithStats(r.Context(), campaignID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// HandleSendCampaign dispatches a campaign now, or schedules it when the
// body carries a future scheduled_at.
func (h *Handlers) HandleSendCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(r, "campaignId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign ID")
		return
	}

	var req struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	summary, err := h.service.SendCampaign(r.Context(), actorID(r), campaignID, req.ScheduledAt)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// HandlePreviewCampaign renders subject and body without sending
func (h *Handlers) HandlePreviewCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(r, "campaignId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign ID")
		return
	}

	var req struct {
		Variables JSON       `json:"variables"`
		ContactID *uuid.UUID `json:"contact_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	subject, content, err := h.service.PreviewCampaign(r.Context(), campaignID, req.Variables, req.ContactID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"subject": subject,
		"content": content,
	})
}

// HandleRetryCampaignJobs requeues every failed job of a campaign
func (h *Handlers) HandleRetryCampaignJobs(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(r, "campaignId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign ID")
		return
	}

	retried, err := h.service.RetryFailedJobs(r.Context(), actorID(r), &campaignID, nil)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"retried": retried})
}

// HandleGetCampaignJobs returns a campaign's jobs, optionally filtered
// by status
func (h *Handlers) HandleGetCampaignJobs(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(r, "campaignId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign ID")
		return
	}

	jobs, err := h.store.GetJobsByCampaign(r.Context(), campaignID, r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get jobs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// HandleRetryJobs requeues an explicit set of failed jobs
func (h *Handlers) HandleRetryJobs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobIDs []uuid.UUID `json:"job_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	retried, err := h.service.RetryFailedJobs(r.Context(), actorID(r), nil, req.JobIDs)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"retried": retried})
}

// Queue handlers

// HandlePauseQueue halts new batches across all dispatches
func (h *Handlers) HandlePauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.service.PauseQueue(r.Context(), actorID(r)); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"is_paused": true})
}

// HandleResumeQueue clears the pause flag
func (h *Handlers) HandleResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResumeQueue(r.Context(), actorID(r)); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"is_paused": false})
}

// HandleGetQueueSettings returns the live queue limits
func (h *Handlers) HandleGetQueueSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.QueueSettings(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get queue settings")
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// HandleUpdateQueueSettings updates queue limits. Running dispatches
// pick the new values up at their next batch boundary.
func (h *Handlers) HandleUpdateQueueSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RateLimitPerMinute *int `json:"rate_limit_per_minute"`
		BatchSize          *int `json:"batch_size"`
		BatchDelayMs       *int `json:"batch_delay_ms"`
		MaxRetryAttempts   *int `json:"max_retry_attempts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updates := map[string]*int{
		SettingRateLimitPerMinute: req.RateLimitPerMinute,
		SettingBatchSize:          req.BatchSize,
		SettingBatchDelayMs:       req.BatchDelayMs,
		SettingMaxRetryAttempts:   req.MaxRetryAttempts,
	}
	for key, value := range updates {
		if value == nil {
			continue
		}
		if *value <= 0 {
			respondError(w, http.StatusBadRequest, key+" must be positive")
			return
		}
		if err := h.store.SetQueueSetting(r.Context(), key, strconv.Itoa(*value)); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to update "+key)
			return
		}
	}

	settings, err := h.store.QueueSettings(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get queue settings")
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// List handlers

// HandleGetLists returns all lists with their cached member counts
func (h *Handlers) HandleGetLists(w http.ResponseWriter, r *http.Request) {
	lists, err := h.store.GetLists(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get lists")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"lists": lists,
		"total": len(lists),
	})
}

// HandleCreateList creates a new list
func (h *Handlers) HandleCreateList(w http.ResponseWriter, r *http.Request) {
	var list ContactList
	if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if list.Name == "" {
		respondError(w, http.StatusBadRequest, "name must not be empty")
		return
	}

	if err := h.store.CreateList(r.Context(), &list); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create list")
		return
	}
	respondJSON(w, http.StatusCreated, list)
}

// HandleGetList returns a single list
func (h *Handlers) HandleGetList(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathUUID(r, "listId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid list ID")
		return
	}

	list, err := h.store.GetList(r.Context(), listID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get list")
		return
	}
	if list == nil {
		respondError(w, http.StatusNotFound, "list not found")
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// HandleRecalculateLists audits and repairs every list's cached count
func (h *Handlers) HandleRecalculateLists(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.RecalculateListCounts(r.Context(), actorID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"corrected": results,
		"total":     len(results),
	})
}

// Contact handlers

// HandleCreateContact creates a contact with optional list memberships
func (h *Handlers) HandleCreateContact(w http.ResponseWriter, r *http.Request) {
	var contact Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.CreateContact(r.Context(), &contact); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, contact)
}

// HandleGetContact returns a single contact with its memberships
func (h *Handlers) HandleGetContact(w http.ResponseWriter, r *http.Request) {
	contactID, ok := pathUUID(r, "contactId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact ID")
		return
	}

	contact, err := h.store.GetContact(r.Context(), contactID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get contact")
		return
	}
	if contact == nil {
		respondError(w, http.StatusNotFound, "contact not found")
		return
	}
	respondJSON(w, http.StatusOK, contact)
}

// HandleUpdateContact updates a contact and reconciles its memberships
func (h *Handlers) HandleUpdateContact(w http.ResponseWriter, r *http.Request) {
	contactID, ok := pathUUID(r, "contactId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact ID")
		return
	}

	var contact Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	contact.ID = contactID

	if err := h.service.UpdateContact(r.Context(), &contact); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, contact)
}

// HandleDeleteContact removes a contact and recounts its lists
func (h *Handlers) HandleDeleteContact(w http.ResponseWriter, r *http.Request) {
	contactID, ok := pathUUID(r, "contactId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact ID")
		return
	}

	if err := h.service.DeleteContact(r.Context(), contactID); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddListMember adds a contact to a list
func (h *Handlers) HandleAddListMember(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathUUID(r, "listId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid list ID")
		return
	}
	contactID, ok := pathUUID(r, "contactId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact ID")
		return
	}

	if err := h.service.AddContactToList(r.Context(), contactID, listID); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRemoveListMember removes a contact from a list
func (h *Handlers) HandleRemoveListMember(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathUUID(r, "listId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid list ID")
		return
	}
	contactID, ok := pathUUID(r, "contactId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact ID")
		return
	}

	if err := h.service.RemoveContactFromList(r.Context(), contactID, listID); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Template handlers

// HandleCreateTemplate creates a reusable template
func (h *Handlers) HandleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if tmpl.Name == "" {
		respondError(w, http.StatusBadRequest, "name must not be empty")
		return
	}

	if err := h.store.CreateTemplate(r.Context(), &tmpl); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create template")
		return
	}
	respondJSON(w, http.StatusCreated, tmpl)
}

// HandleGetTemplate returns a single template with its variable schema
func (h *Handlers) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	templateID, ok := pathUUID(r, "templateId")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid template ID")
		return
	}

	tmpl, err := h.store.GetTemplate(r.Context(), templateID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get template")
		return
	}
	if tmpl == nil {
		respondError(w, http.StatusNotFound, "template not found")
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

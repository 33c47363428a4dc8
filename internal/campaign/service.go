package campaign

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// campaignTransitions defines the campaign state machine:
// draft -> scheduled -> sending -> {sent | failed}
// draft -> sending (immediate path)
// any pre-send state <-> paused
// failed -> sending (systemic-failure retry)
var campaignTransitions = map[string][]string{
	StatusDraft:     {StatusScheduled, StatusSending, StatusPaused},
	StatusScheduled: {StatusSending, StatusPaused, StatusDraft},
	StatusPaused:    {StatusDraft, StatusScheduled, StatusSending},
	StatusSending:   {StatusSent, StatusFailed, StatusPaused},
	StatusFailed:    {StatusSending},
	StatusSent:      {},
}

// CanTransitionCampaign reports whether a campaign may move between the
// two statuses
func CanTransitionCampaign(from, to string) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sendableStates are the source states sendCampaign accepts. failed is
// included so a campaign that hit a systemic transport outage can be
// retried with its prior counts intact.
var sendableStates = map[string]bool{
	StatusDraft:  true,
	StatusPaused: true,
	StatusFailed: true,
}

// Service exposes the campaign engine's operations: create, send,
// preview, retry, queue control, and list-count reconciliation.
type Service struct {
	store      *Store
	templates  *TemplateService
	listSync   *ListSynchronizer
	dispatcher Dispatcher
	audit      AuditSink
}

// NewService wires the campaign service
func NewService(store *Store, templates *TemplateService, listSync *ListSynchronizer, dispatcher Dispatcher, audit AuditSink) *Service {
	if audit == nil {
		audit = LogAuditSink{}
	}
	return &Service{
		store:      store,
		templates:  templates,
		listSync:   listSync,
		dispatcher: dispatcher,
		audit:      audit,
	}
}

// CampaignSpec is the createCampaign request payload
type CampaignSpec struct {
	Name        string      `json:"name"`
	TemplateID  *uuid.UUID  `json:"template_id"`
	ListIDs     []uuid.UUID `json:"list_ids"`
	Subject     string      `json:"subject"`
	Body        string      `json:"body"`
	FromName    string      `json:"from_name"`
	FromEmail   string      `json:"from_email"`
	ReplyTo     string      `json:"reply_to"`
	Variables   JSON        `json:"variables"`
	ScheduledAt *time.Time  `json:"scheduled_at"`
}

// SendSummary is what sendCampaign returns to the caller
type SendSummary struct {
	Status          string `json:"status"`
	SentCount       int    `json:"sent_count"`
	FailedCount     int    `json:"failed_count"`
	TotalRecipients int    `json:"total_recipients"`
}

// CreateCampaign validates a spec and creates a draft campaign.
// Malformed input is rejected synchronously; nothing is queued.
func (svc *Service) CreateCampaign(ctx context.Context, actorID string, spec CampaignSpec) (*Campaign, error) {
	if spec.Name == "" {
		return nil, NewValidationError("name", "must not be empty")
	}
	if len(spec.ListIDs) == 0 {
		return nil, NewValidationError("list_ids", "at least one target list is required")
	}
	if !ValidateEmailAddress(spec.FromEmail) {
		return nil, NewValidationError("from_email", "%q is not a valid email address", spec.FromEmail)
	}
	if spec.ReplyTo != "" && !ValidateEmailAddress(spec.ReplyTo) {
		return nil, NewValidationError("reply_to", "%q is not a valid email address", spec.ReplyTo)
	}

	c := &Campaign{
		Name:        spec.Name,
		TemplateID:  spec.TemplateID,
		ListIDs:     spec.ListIDs,
		Subject:     spec.Subject,
		Body:        spec.Body,
		FromName:    spec.FromName,
		FromEmail:   NormalizeEmail(spec.FromEmail),
		ReplyTo:     spec.ReplyTo,
		Variables:   spec.Variables,
		ScheduledAt: spec.ScheduledAt,
		Status:      StatusDraft,
	}

	// Inline content may come from a template instead
	if spec.TemplateID != nil {
		tmpl, err := svc.store.GetTemplate(ctx, *spec.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("load template: %w", err)
		}
		if tmpl == nil {
			return nil, NewValidationError("template_id", "template %s not found", spec.TemplateID)
		}
		if c.Subject == "" {
			c.Subject = tmpl.Subject
		}
		if c.Body == "" {
			c.Body = tmpl.Body
		}
	}
	if c.Subject == "" {
		return nil, NewValidationError("subject", "must not be empty")
	}
	if c.Body == "" {
		return nil, NewValidationError("body", "must not be empty")
	}

	for _, listID := range spec.ListIDs {
		list, err := svc.store.GetList(ctx, listID)
		if err != nil {
			return nil, fmt.Errorf("load list: %w", err)
		}
		if list == nil {
			return nil, NewValidationError("list_ids", "list %s not found", listID)
		}
	}

	if err := svc.store.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	svc.audit.Record(ctx, actorID, "campaign.create", "campaign", c.ID.String(), map[string]interface{}{
		"name": c.Name, "lists": len(c.ListIDs),
	})
	return c, nil
}

// validateForSend runs the campaign-validation checks that gate leaving
// draft: declared template variable types and required variables.
func (svc *Service) validateForSend(ctx context.Context, c *Campaign) error {
	if c.TemplateID == nil {
		return nil
	}
	tmpl, err := svc.store.GetTemplate(ctx, *c.TemplateID)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	return ValidateCampaignVariables(tmpl, c.Variables)
}

// SendCampaign dispatches a campaign immediately, or schedules it when
// scheduledAt is in the future. Send is only valid from draft, paused,
// or failed; any other source state is a validation error, never a
// silent no-op. A paused queue rejects the send and leaves the campaign
// untouched.
func (svc *Service) SendCampaign(ctx context.Context, actorID string, campaignID uuid.UUID, scheduledAt *time.Time) (*SendSummary, error) {
	c, err := svc.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}

	if !sendableStates[c.Status] {
		return nil, &InvalidTransitionError{Entity: "campaign", From: c.Status, To: StatusSending}
	}
	if err := svc.validateForSend(ctx, c); err != nil {
		return nil, err
	}

	if scheduledAt != nil && scheduledAt.After(time.Now()) {
		if err := svc.store.UpdateCampaignSchedule(ctx, c.ID, *scheduledAt); err != nil {
			return nil, fmt.Errorf("schedule campaign: %w", err)
		}
		svc.audit.Record(ctx, actorID, "campaign.schedule", "campaign", c.ID.String(), map[string]interface{}{
			"scheduled_at": scheduledAt.Format(time.RFC3339),
		})
		return &SendSummary{Status: StatusScheduled}, nil
	}

	settings, err := svc.store.QueueSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queue settings: %w", err)
	}
	if settings.IsPaused {
		return nil, ErrQueuePaused
	}

	result, err := svc.dispatcher.Dispatch(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	svc.audit.Record(ctx, actorID, "campaign.send", "campaign", c.ID.String(), map[string]interface{}{
		"status": result.Status, "sent": len(result.Successful), "failed": len(result.Failed),
	})
	return &SendSummary{
		Status:          result.Status,
		SentCount:       len(result.Successful),
		FailedCount:     len(result.Failed),
		TotalRecipients: result.TotalRecipients,
	}, nil
}

// PreviewCampaign renders a campaign's subject and body against an
// optional sample contact and override variables, without sending.
func (svc *Service) PreviewCampaign(ctx context.Context, campaignID uuid.UUID, overrides JSON, contactID *uuid.UUID) (subject, content string, err error) {
	c, err := svc.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return "", "", fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return "", "", fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}

	var tmpl *Template
	if c.TemplateID != nil {
		if tmpl, err = svc.store.GetTemplate(ctx, *c.TemplateID); err != nil {
			return "", "", fmt.Errorf("load template: %w", err)
		}
	}

	contact := &Contact{
		Email:     "preview@example.com",
		FirstName: "Preview",
		LastName:  "Contact",
	}
	if contactID != nil {
		loaded, err := svc.store.GetContact(ctx, *contactID)
		if err != nil {
			return "", "", fmt.Errorf("load contact: %w", err)
		}
		if loaded == nil {
			return "", "", fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
		}
		contact = loaded
	}

	layers := []map[string]interface{}{
		TemplateDefaults(tmpl),
		c.Variables,
		overrides,
		ContactVariables(contact),
	}
	return svc.templates.Render(c.Subject, layers...),
		svc.templates.Render(c.Body, layers...),
		nil
}

// RetryFailedJobs is the operator bulk retry: failed jobs return to
// queued with error cleared and retry count reset to zero. Rows are
// mutated in place, never duplicated. Either a campaign id or an
// explicit job id set may be given.
func (svc *Service) RetryFailedJobs(ctx context.Context, actorID string, campaignID *uuid.UUID, jobIDs []uuid.UUID) (int, error) {
	var (
		retried int
		err     error
		target  string
	)
	switch {
	case campaignID != nil:
		retried, err = svc.store.ResetFailedJobsForCampaign(ctx, *campaignID)
		target = campaignID.String()
	case len(jobIDs) > 0:
		retried, err = svc.store.ResetJobsByID(ctx, jobIDs)
		target = fmt.Sprintf("%d jobs", len(jobIDs))
	default:
		return 0, NewValidationError("", "campaign_id or job_ids is required")
	}
	if err != nil {
		return 0, fmt.Errorf("reset failed jobs: %w", err)
	}

	svc.audit.Record(ctx, actorID, "jobs.retry", "job", target, map[string]interface{}{
		"retried": retried,
	})
	return retried, nil
}

// PauseQueue stops new batches across all dispatches. In-flight batches
// finish.
func (svc *Service) PauseQueue(ctx context.Context, actorID string) error {
	if err := svc.store.SetQueuePaused(ctx, true); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	log.Println("[Queue] paused")
	svc.audit.Record(ctx, actorID, "queue.pause", "queue", "global", nil)
	return nil
}

// ResumeQueue clears the pause flag
func (svc *Service) ResumeQueue(ctx context.Context, actorID string) error {
	if err := svc.store.SetQueuePaused(ctx, false); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	log.Println("[Queue] resumed")
	svc.audit.Record(ctx, actorID, "queue.resume", "queue", "global", nil)
	return nil
}

// RecalculateListCounts audits and repairs every list's cached count
func (svc *Service) RecalculateListCounts(ctx context.Context, actorID string) ([]RecountResult, error) {
	results, err := svc.listSync.RecalculateAll(ctx)
	if err != nil {
		return nil, err
	}
	svc.audit.Record(ctx, actorID, "lists.recalculate", "list", "all", map[string]interface{}{
		"corrected": len(results),
	})
	return results, nil
}

// ---------------------------------------------------------------------------
// Contact mutations. Every path that can change membership recounts the
// affected lists through the synchronizer.

// CreateContact validates and creates a contact, then recounts its lists
func (svc *Service) CreateContact(ctx context.Context, c *Contact) error {
	if !ValidateEmailAddress(c.Email) {
		return NewValidationError("email", "%q is not a valid email address", c.Email)
	}
	existing, err := svc.store.GetContactByEmail(ctx, c.Email)
	if err != nil {
		return fmt.Errorf("check duplicate email: %w", err)
	}
	if existing != nil {
		return NewValidationError("email", "contact %q already exists", NormalizeEmail(c.Email))
	}

	if err := svc.store.CreateContact(ctx, c); err != nil {
		return fmt.Errorf("create contact: %w", err)
	}
	return svc.listSync.RecountAll(ctx, c.ListIDs)
}

// UpdateContact updates a contact and, when its membership set changes,
// recounts every list in the symmetric difference of old and new sets.
func (svc *Service) UpdateContact(ctx context.Context, c *Contact) error {
	if !ValidateEmailAddress(c.Email) {
		return NewValidationError("email", "%q is not a valid email address", c.Email)
	}
	if err := svc.store.UpdateContact(ctx, c); err != nil {
		return fmt.Errorf("update contact: %w", err)
	}

	old, err := svc.store.ReplaceContactLists(ctx, c.ID, c.ListIDs)
	if err != nil {
		return fmt.Errorf("replace memberships: %w", err)
	}
	return svc.listSync.RecountAll(ctx, SymmetricDiff(old, c.ListIDs))
}

// DeleteContact removes a contact and recounts every list it was in
func (svc *Service) DeleteContact(ctx context.Context, contactID uuid.UUID) error {
	old, err := svc.store.DeleteContact(ctx, contactID)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	return svc.listSync.RecountAll(ctx, old)
}

// AddContactToList adds a membership edge and recounts the list
func (svc *Service) AddContactToList(ctx context.Context, contactID, listID uuid.UUID) error {
	if err := svc.store.AddContactToList(ctx, contactID, listID); err != nil {
		return fmt.Errorf("add membership: %w", err)
	}
	_, err := svc.listSync.Recount(ctx, listID)
	return err
}

// RemoveContactFromList removes a membership edge and recounts the list
func (svc *Service) RemoveContactFromList(ctx context.Context, contactID, listID uuid.UUID) error {
	if err := svc.store.RemoveContactFromList(ctx, contactID, listID); err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	_, err := svc.listSync.Recount(ctx, listID)
	return err
}

// CampaignWithStats pairs a campaign with its per-status job counts
type CampaignWithStats struct {
	*Campaign
	JobCounts map[string]int `json:"job_counts"`
}

// GetCampaignWithStats loads a campaign and its job status rollup
func (svc *Service) GetCampaignWithStats(ctx context.Context, campaignID uuid.UUID) (*CampaignWithStats, error) {
	c, err := svc.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}
	counts, err := svc.store.CountJobsByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignWithStats{Campaign: c, JobCounts: counts}, nil
}

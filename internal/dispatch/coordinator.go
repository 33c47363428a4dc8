package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/campaign"
)

// Store is the persistence surface the coordinator drives. Implemented
// by *campaign.Store; tests swap in fakes.
type Store interface {
	GetCampaign(ctx context.Context, campaignID uuid.UUID) (*campaign.Campaign, error)
	GetTemplate(ctx context.Context, templateID uuid.UUID) (*campaign.Template, error)
	UpdateCampaignStatus(ctx context.Context, campaignID uuid.UUID, status string) error
	SetCampaignTotalRecipients(ctx context.Context, campaignID uuid.UUID, total int) error
	FinalizeCampaignCounts(ctx context.Context, campaignID uuid.UUID, sent, failed int) error
	ResolveRecipients(ctx context.Context, listIDs []uuid.UUID) ([]*campaign.Contact, error)
	QueueSettings(ctx context.Context) (campaign.QueueSettings, error)

	EnsureJob(ctx context.Context, campaignID, contactID uuid.UUID) (*campaign.Job, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*campaign.Job, error)
	MarkJobSending(ctx context.Context, jobID uuid.UUID) error
	MarkJobSent(ctx context.Context, jobID uuid.UUID, messageID string) error
	MarkJobFailed(ctx context.Context, jobID uuid.UUID, errMsg string) error
	MarkJobRetrying(ctx context.Context, jobID uuid.UUID) error
}

// Coordinator drives the batched send loop: resolve, personalize,
// transport, classify. Batches run strictly sequentially with the
// configured delay between them — that delay is the system's only
// backpressure. Recipients inside a batch are sent concurrently.
type Coordinator struct {
	store       Store
	transport   Transport
	templates   *campaign.TemplateService
	limiter     RateLimiter // nil disables the shared budget check
	sendTimeout time.Duration
}

// NewCoordinator wires a dispatch coordinator
func NewCoordinator(store Store, transport Transport, templates *campaign.TemplateService, limiter RateLimiter, sendTimeout time.Duration) *Coordinator {
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:       store,
		transport:   transport,
		templates:   templates,
		limiter:     limiter,
		sendTimeout: sendTimeout,
	}
}

// sendResult is one recipient's outcome within a pass
type sendResult struct {
	contact      *campaign.Contact
	jobID        uuid.UUID
	messageID    string
	errMsg       string
	connectivity bool // failure looked like the transport being down
	skipped      bool // already sent in a prior run
}

// Dispatch runs the full batched send loop for one campaign and rolls
// the outcome into its counters. Per-recipient failures never abort the
// run; a systemic transport outage fails the campaign wholesale with
// counts-so-far preserved.
func (c *Coordinator) Dispatch(ctx context.Context, campaignID uuid.UUID) (*campaign.DispatchResult, error) {
	camp, err := c.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if camp == nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, campaign.ErrNotFound)
	}

	settings, err := c.store.QueueSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queue settings: %w", err)
	}
	if settings.IsPaused {
		return nil, campaign.ErrQueuePaused
	}

	// The recipient set is always resolved fresh at dispatch time; any
	// count stored at draft time is only an estimate.
	recipients, err := c.store.ResolveRecipients(ctx, camp.ListIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if err := c.store.SetCampaignTotalRecipients(ctx, campaignID, len(recipients)); err != nil {
		return nil, fmt.Errorf("store recipient count: %w", err)
	}

	result := &campaign.DispatchResult{
		CampaignID:      campaignID,
		TotalRecipients: len(recipients),
	}

	// Zero eligible recipients is a completed send, not an error.
	if len(recipients) == 0 {
		if err := c.finish(ctx, campaignID, campaign.StatusSent, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	var tmpl *campaign.Template
	if camp.TemplateID != nil {
		if tmpl, err = c.store.GetTemplate(ctx, *camp.TemplateID); err != nil {
			return nil, fmt.Errorf("load template: %w", err)
		}
	}

	if err := c.store.UpdateCampaignStatus(ctx, campaignID, campaign.StatusSending); err != nil {
		return nil, fmt.Errorf("mark sending: %w", err)
	}

	successes := make(map[uuid.UUID]campaign.SendOutcome)
	failures := make(map[uuid.UUID]campaign.SendOutcome)

	pending := recipients
	batchesRun := 0
	retryPass := false

	for len(pending) > 0 {
		var retryable []*campaign.Contact

		for start := 0; start < len(pending); start += settings.BatchSize {
			// Limits are re-read before every batch: a pause or a new
			// batch size becomes visible at the next batch boundary
			// while the in-flight batch finishes undisturbed.
			settings, err = c.store.QueueSettings(ctx)
			if err != nil {
				return c.abort(ctx, campaignID, result, recipients, successes, failures,
					fmt.Errorf("read queue settings: %w", err))
			}
			if settings.IsPaused {
				log.Printf("[Dispatch] campaign %s paused after %d batches", campaignID, batchesRun)
				assemble(result, recipients, successes, failures)
				if err := c.finish(ctx, campaignID, campaign.StatusPaused, result); err != nil {
					return nil, err
				}
				return result, nil
			}

			end := start + settings.BatchSize
			if end > len(pending) {
				end = len(pending)
			}
			batch := pending[start:end]

			if batchesRun > 0 {
				if err := sleepCtx(ctx, settings.BatchDelay); err != nil {
					return c.abort(ctx, campaignID, result, recipients, successes, failures, err)
				}
			}
			if err := c.reserveBudget(ctx, len(batch), settings.RateLimitPerMinute); err != nil {
				return c.abort(ctx, campaignID, result, recipients, successes, failures, err)
			}

			outcomes := c.sendBatch(ctx, camp, tmpl, batch, retryPass)
			batchesRun++

			connectivityFailures := 0
			skippedCount := 0
			for _, o := range outcomes {
				if o.skipped {
					skippedCount++
				}
				if o.errMsg == "" {
					successes[o.contact.ID] = campaign.SendOutcome{
						ContactID: o.contact.ID,
						Email:     o.contact.Email,
						MessageID: o.messageID,
					}
					delete(failures, o.contact.ID)
					continue
				}

				failures[o.contact.ID] = campaign.SendOutcome{
					ContactID: o.contact.ID,
					Email:     o.contact.Email,
					Error:     o.errMsg,
				}
				if o.connectivity {
					connectivityFailures++
				}
				if c.eligibleForRetry(ctx, o.jobID, settings.MaxRetryAttempts) {
					retryable = append(retryable, o.contact)
				}
			}

			if skippedCount > 0 {
				log.Printf("[Dispatch] campaign %s: %d already-sent jobs skipped", campaignID, skippedCount)
			}

			// Every send in the batch failing at the network layer is a
			// transport outage, not recipient trouble.
			if connectivityFailures == len(batch) && len(batch) > 0 {
				assemble(result, recipients, successes, failures)
				if err := c.finish(ctx, campaignID, campaign.StatusFailed, result); err != nil {
					return nil, err
				}
				return result, &campaign.SystemicTransportError{
					Err: fmt.Errorf("all %d sends in batch failed to reach transport", len(batch)),
				}
			}
		}

		pending = retryable
		retryPass = true
	}

	assemble(result, recipients, successes, failures)
	if err := c.finish(ctx, campaignID, campaign.StatusSent, result); err != nil {
		return nil, err
	}
	log.Printf("[Dispatch] campaign %s complete: %d sent, %d failed of %d",
		campaignID, len(result.Successful), len(result.Failed), result.TotalRecipients)
	return result, nil
}

// abort finalizes a run that died mid-flight. Counts-so-far are
// preserved and the campaign lands in failed, a sendable state, so it
// stays retryable instead of wedged in sending.
func (c *Coordinator) abort(ctx context.Context, campaignID uuid.UUID, result *campaign.DispatchResult, recipients []*campaign.Contact, successes, failures map[uuid.UUID]campaign.SendOutcome, cause error) (*campaign.DispatchResult, error) {
	log.Printf("[Dispatch] campaign %s aborted mid-run: %v", campaignID, cause)
	assemble(result, recipients, successes, failures)
	if err := c.finish(ctx, campaignID, campaign.StatusFailed, result); err != nil {
		log.Printf("[Dispatch] campaign %s: finalize aborted run: %v", campaignID, err)
	}
	return result, cause
}

// finish writes the terminal (or paused) status and the outcome
// counters. Runs on a fresh context when the dispatch context is gone:
// a dead client must not leave the campaign in sending.
func (c *Coordinator) finish(ctx context.Context, campaignID uuid.UUID, status string, result *campaign.DispatchResult) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	result.Status = status
	if err := c.store.FinalizeCampaignCounts(ctx, campaignID, len(result.Successful), len(result.Failed)); err != nil {
		return fmt.Errorf("finalize counts: %w", err)
	}
	if err := c.store.UpdateCampaignStatus(ctx, campaignID, status); err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	return nil
}

// reserveBudget blocks until the shared per-minute budget admits the
// batch. A batch larger than the whole minute budget is reserved in
// limit-sized chunks; a single oversized reservation could never be
// granted.
func (c *Coordinator) reserveBudget(ctx context.Context, n, limitPerMinute int) error {
	if c.limiter == nil || limitPerMinute <= 0 {
		return nil
	}
	remaining := n
	for remaining > 0 {
		chunk := remaining
		if chunk > limitPerMinute {
			chunk = limitPerMinute
		}
		allowed, wait, err := c.limiter.Reserve(ctx, chunk, limitPerMinute)
		if err != nil {
			// The limiter being down must not stall sending; the batch
			// delay still bounds throughput.
			log.Printf("[Dispatch] rate limiter unavailable: %v", err)
			return nil
		}
		if allowed {
			remaining -= chunk
			continue
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// sendBatch sends one batch with bounded concurrency: at most one
// in-flight transport call per batch slot.
func (c *Coordinator) sendBatch(ctx context.Context, camp *campaign.Campaign, tmpl *campaign.Template, batch []*campaign.Contact, retry bool) []sendResult {
	outcomes := make([]sendResult, len(batch))
	var wg sync.WaitGroup
	for i, contact := range batch {
		wg.Add(1)
		go func(i int, contact *campaign.Contact) {
			defer wg.Done()
			outcomes[i] = c.sendOne(ctx, camp, tmpl, contact, retry)
		}(i, contact)
	}
	wg.Wait()
	return outcomes
}

// sendOne runs the full per-recipient path: job row, render, transport,
// classify. It always leaves the job in sent or failed — never sending.
func (c *Coordinator) sendOne(ctx context.Context, camp *campaign.Campaign, tmpl *campaign.Template, contact *campaign.Contact, retry bool) sendResult {
	res := sendResult{contact: contact}

	job, err := c.store.EnsureJob(ctx, camp.ID, contact.ID)
	if err != nil {
		res.errMsg = fmt.Sprintf("create job: %v", err)
		return res
	}
	res.jobID = job.ID

	// A rerun of a failed campaign must not resend what already went out.
	if job.Status == campaign.JobSent {
		res.messageID = job.MessageID
		res.skipped = true
		return res
	}

	status := job.Status
	if retry || status == campaign.JobFailed {
		if err := c.store.MarkJobRetrying(ctx, job.ID); err != nil {
			log.Printf("[Dispatch] mark job %s retrying: %v", job.ID, err)
		} else if status == campaign.JobFailed {
			status = campaign.JobRetrying
		}
	}

	// A row still in sending belongs to a run that never classified it;
	// fail it here so the retry pass can reclaim it.
	if !campaign.CanTransitionJob(status, campaign.JobSending) {
		res.errMsg = fmt.Sprintf("job in %s cannot start sending", status)
		c.failJob(ctx, job.ID, res.errMsg)
		return res
	}

	if err := c.store.MarkJobSending(ctx, job.ID); err != nil {
		res.errMsg = fmt.Sprintf("mark job sending: %v", err)
		c.failJob(ctx, job.ID, res.errMsg)
		return res
	}

	layers := []map[string]interface{}{
		campaign.TemplateDefaults(tmpl),
		camp.Variables,
		campaign.ContactVariables(contact),
	}
	subject := c.templates.Render(camp.Subject, layers...)
	html := c.templates.Render(camp.Body, layers...)

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	messageID, err := c.transport.Send(sendCtx, Message{
		To:        contact.Email,
		Subject:   subject,
		HTML:      html,
		FromName:  camp.FromName,
		FromEmail: camp.FromEmail,
		ReplyTo:   camp.ReplyTo,
	})
	if err != nil {
		terr := &campaign.TransportError{Recipient: contact.Email, Err: err}
		res.errMsg = terr.Error()
		res.connectivity = isConnectivityError(err) || sendCtx.Err() == context.DeadlineExceeded
		c.failJob(ctx, job.ID, res.errMsg)
		return res
	}

	if err := c.store.MarkJobSent(ctx, job.ID, messageID); err != nil {
		log.Printf("[Dispatch] mark job %s sent: %v", job.ID, err)
	}
	res.messageID = messageID
	return res
}

// failJob records the failure with an incremented retry count. Uses a
// fresh context so a canceled dispatch still classifies its jobs.
func (c *Coordinator) failJob(ctx context.Context, jobID uuid.UUID, errMsg string) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := c.store.MarkJobFailed(ctx, jobID, errMsg); err != nil {
		log.Printf("[Dispatch] mark job %s failed: %v", jobID, err)
	}
}

// eligibleForRetry reports whether a failed job may take another
// automatic attempt in this run
func (c *Coordinator) eligibleForRetry(ctx context.Context, jobID uuid.UUID, maxRetryAttempts int) bool {
	if jobID == uuid.Nil {
		return false
	}
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == campaign.JobFailed && !campaign.JobIsTerminal(job, maxRetryAttempts)
}

// assemble rebuilds the result slices in recipient order from the final
// per-contact classification.
func assemble(result *campaign.DispatchResult, recipients []*campaign.Contact, successes, failures map[uuid.UUID]campaign.SendOutcome) {
	result.Successful = result.Successful[:0]
	result.Failed = result.Failed[:0]
	for _, contact := range recipients {
		if o, ok := successes[contact.ID]; ok {
			result.Successful = append(result.Successful, o)
		} else if o, ok := failures[contact.ID]; ok {
			result.Failed = append(result.Failed, o)
		}
	}
}

// sleepCtx waits for d or until the context is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

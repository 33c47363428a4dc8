package dispatch

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/campaign"
)

// memStore is an in-memory Store for coordinator tests
type memStore struct {
	mu         sync.Mutex
	campaign   *campaign.Campaign
	template   *campaign.Template
	recipients []*campaign.Contact
	settings   campaign.QueueSettings

	// pauseAfterReads flips IsPaused on once QueueSettings has been read
	// this many times (0 disables)
	pauseAfterReads int
	settingsReads   int

	statusHistory []string
	totalWritten  int
	sentCount     int
	failedCount   int
	jobs          map[uuid.UUID]*campaign.Job // by job id
	jobsByContact map[uuid.UUID]uuid.UUID     // contact id -> job id
}

func newMemStore(c *campaign.Campaign, recipients []*campaign.Contact) *memStore {
	return &memStore{
		campaign:   c,
		recipients: recipients,
		settings: campaign.QueueSettings{
			RateLimitPerMinute: 1000,
			BatchSize:          2,
			BatchDelay:         time.Millisecond,
			MaxRetryAttempts:   3,
		},
		jobs:          make(map[uuid.UUID]*campaign.Job),
		jobsByContact: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *memStore) GetCampaign(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.campaign == nil || m.campaign.ID != id {
		return nil, nil
	}
	c := *m.campaign
	return &c, nil
}

func (m *memStore) GetTemplate(ctx context.Context, id uuid.UUID) (*campaign.Template, error) {
	return m.template, nil
}

func (m *memStore) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusHistory = append(m.statusHistory, status)
	m.campaign.Status = status
	return nil
}

func (m *memStore) SetCampaignTotalRecipients(ctx context.Context, id uuid.UUID, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalWritten = total
	return nil
}

func (m *memStore) FinalizeCampaignCounts(ctx context.Context, id uuid.UUID, sent, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentCount, m.failedCount = sent, failed
	return nil
}

func (m *memStore) ResolveRecipients(ctx context.Context, listIDs []uuid.UUID) ([]*campaign.Contact, error) {
	return m.recipients, nil
}

func (m *memStore) QueueSettings(ctx context.Context) (campaign.QueueSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settingsReads++
	if m.pauseAfterReads > 0 && m.settingsReads > m.pauseAfterReads {
		m.settings.IsPaused = true
	}
	return m.settings, nil
}

func (m *memStore) EnsureJob(ctx context.Context, campaignID, contactID uuid.UUID) (*campaign.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if jobID, ok := m.jobsByContact[contactID]; ok {
		j := *m.jobs[jobID]
		return &j, nil
	}
	j := &campaign.Job{
		ID:         uuid.New(),
		CampaignID: campaignID,
		ContactID:  contactID,
		Status:     campaign.JobQueued,
	}
	m.jobs[j.ID] = j
	m.jobsByContact[contactID] = j.ID
	copied := *j
	return &copied, nil
}

func (m *memStore) GetJob(ctx context.Context, jobID uuid.UUID) (*campaign.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	copied := *j
	return &copied, nil
}

func (m *memStore) MarkJobSending(ctx context.Context, jobID uuid.UUID) error {
	return m.setJob(jobID, func(j *campaign.Job) { j.Status = campaign.JobSending })
}

func (m *memStore) MarkJobSent(ctx context.Context, jobID uuid.UUID, messageID string) error {
	return m.setJob(jobID, func(j *campaign.Job) {
		j.Status = campaign.JobSent
		j.MessageID = messageID
		j.ErrorMessage = ""
	})
}

func (m *memStore) MarkJobFailed(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	return m.setJob(jobID, func(j *campaign.Job) {
		j.Status = campaign.JobFailed
		j.ErrorMessage = errMsg
		j.RetryCount++
	})
}

func (m *memStore) MarkJobRetrying(ctx context.Context, jobID uuid.UUID) error {
	return m.setJob(jobID, func(j *campaign.Job) {
		if j.Status == campaign.JobFailed {
			j.Status = campaign.JobRetrying
		}
	})
}

func (m *memStore) setJob(jobID uuid.UUID, f func(*campaign.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	f(j)
	return nil
}

func (m *memStore) jobForContact(contactID uuid.UUID) *campaign.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobID, ok := m.jobsByContact[contactID]
	if !ok {
		return nil
	}
	copied := *m.jobs[jobID]
	return &copied
}

// fakeTransport fails addresses listed in failFor; connectivity makes
// every send fail like the provider being down.
type fakeTransport struct {
	mu           sync.Mutex
	sends        []string
	failFor      map[string]int // email -> number of attempts to fail
	connectivity bool
}

func (f *fakeTransport) Send(ctx context.Context, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg.To)
	if f.connectivity {
		return "", &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	}
	if remaining, ok := f.failFor[msg.To]; ok && remaining != 0 {
		if remaining > 0 {
			f.failFor[msg.To] = remaining - 1
		}
		return "", errors.New("smtp 550 mailbox unavailable")
	}
	return "msg-" + msg.To, nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func testCampaign() *campaign.Campaign {
	return &campaign.Campaign{
		ID:        uuid.New(),
		Name:      "Launch",
		Subject:   "Hi {{first_name}}",
		Body:      "<p>Hello {{first_name}}</p>",
		FromName:  "Acme",
		FromEmail: "news@acme.com",
		Status:    campaign.StatusDraft,
		ListIDs:   []uuid.UUID{uuid.New()},
	}
}

func testContacts(n int) []*campaign.Contact {
	contacts := make([]*campaign.Contact, n)
	for i := range contacts {
		contacts[i] = &campaign.Contact{
			ID:        uuid.New(),
			Email:     string(rune('a'+i)) + "@example.com",
			FirstName: "User",
			Status:    campaign.ContactActive,
		}
	}
	return contacts
}

func TestDispatchZeroRecipients(t *testing.T) {
	c := testCampaign()
	store := newMemStore(c, nil)
	transport := &fakeTransport{}
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	result, err := coord.Dispatch(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if result.Status != campaign.StatusSent {
		t.Errorf("Status = %s, want sent", result.Status)
	}
	if result.TotalRecipients != 0 {
		t.Errorf("TotalRecipients = %d", result.TotalRecipients)
	}
	if transport.sendCount() != 0 {
		t.Error("no sends expected for an empty recipient set")
	}
	if store.campaign.Status != campaign.StatusSent {
		t.Errorf("campaign status = %s", store.campaign.Status)
	}
}

func TestDispatchHappyPath(t *testing.T) {
	c := testCampaign()
	contacts := testContacts(5)
	store := newMemStore(c, contacts)
	transport := &fakeTransport{}
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	result, err := coord.Dispatch(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if result.Status != campaign.StatusSent {
		t.Errorf("Status = %s", result.Status)
	}
	if len(result.Successful) != 5 || len(result.Failed) != 0 {
		t.Errorf("successful = %d, failed = %d", len(result.Successful), len(result.Failed))
	}
	if store.totalWritten != 5 {
		t.Errorf("total_recipients = %d", store.totalWritten)
	}
	if store.sentCount != 5 || store.failedCount != 0 {
		t.Errorf("final counts = %d/%d", store.sentCount, store.failedCount)
	}
	for _, contact := range contacts {
		j := store.jobForContact(contact.ID)
		if j == nil || j.Status != campaign.JobSent {
			t.Errorf("job for %s = %+v, want sent", contact.Email, j)
		}
	}
}

func TestDispatchPausedQueueAtStart(t *testing.T) {
	c := testCampaign()
	store := newMemStore(c, testContacts(2))
	store.settings.IsPaused = true
	coord := NewCoordinator(store, &fakeTransport{}, campaign.NewTemplateService(), nil, time.Second)

	_, err := coord.Dispatch(context.Background(), c.ID)
	if !errors.Is(err, campaign.ErrQueuePaused) {
		t.Errorf("expected ErrQueuePaused, got %v", err)
	}
	if len(store.statusHistory) != 0 {
		t.Errorf("campaign must stay untouched, history = %v", store.statusHistory)
	}
}

func TestDispatchPauseBetweenBatches(t *testing.T) {
	c := testCampaign()
	contacts := testContacts(6) // 3 batches of 2
	store := newMemStore(c, contacts)
	// read 1: cycle start; read 2: before batch 1; pause visible at read 3
	store.pauseAfterReads = 2
	transport := &fakeTransport{}
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	result, err := coord.Dispatch(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("a mid-run pause is not an error: %v", err)
	}
	if result.Status != campaign.StatusPaused {
		t.Errorf("Status = %s, want paused", result.Status)
	}
	if transport.sendCount() != 2 {
		t.Errorf("sends = %d, want only the first batch", transport.sendCount())
	}
	if store.campaign.Status != campaign.StatusPaused {
		t.Errorf("campaign status = %s", store.campaign.Status)
	}
	// work already done stays recorded
	if len(result.Successful) != 2 {
		t.Errorf("successful = %d", len(result.Successful))
	}
}

func TestDispatchPerRecipientFailureIsolated(t *testing.T) {
	c := testCampaign()
	contacts := testContacts(3)
	store := newMemStore(c, contacts)
	transport := &fakeTransport{failFor: map[string]int{contacts[1].Email: -1}} // always fails
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	result, err := coord.Dispatch(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("per-recipient failures must not abort the run: %v", err)
	}
	if result.Status != campaign.StatusSent {
		t.Errorf("Status = %s", result.Status)
	}
	if len(result.Successful) != 2 || len(result.Failed) != 1 {
		t.Errorf("successful = %d, failed = %d", len(result.Successful), len(result.Failed))
	}
	if result.Failed[0].Email != contacts[1].Email {
		t.Errorf("failed recipient = %s", result.Failed[0].Email)
	}

	j := store.jobForContact(contacts[1].ID)
	if j.Status != campaign.JobFailed {
		t.Errorf("job status = %s, want failed", j.Status)
	}
	if !strings.Contains(j.ErrorMessage, contacts[1].Email) {
		t.Errorf("error message %q should name the recipient", j.ErrorMessage)
	}
	// initial attempt + automatic retries up to the ceiling
	if j.RetryCount < store.settings.MaxRetryAttempts {
		t.Errorf("retry count = %d, want >= %d", j.RetryCount, store.settings.MaxRetryAttempts)
	}
}

func TestDispatchAutomaticRetrySucceeds(t *testing.T) {
	c := testCampaign()
	contacts := testContacts(2)
	store := newMemStore(c, contacts)
	transport := &fakeTransport{failFor: map[string]int{contacts[0].Email: 1}} // fails once
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	result, err := coord.Dispatch(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if len(result.Successful) != 2 || len(result.Failed) != 0 {
		t.Errorf("successful = %d, failed = %d; retry should have recovered",
			len(result.Successful), len(result.Failed))
	}

	j := store.jobForContact(contacts[0].ID)
	if j.Status != campaign.JobSent {
		t.Errorf("recovered job status = %s", j.Status)
	}
	if j.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", j.RetryCount)
	}
}

func TestDispatchSystemicOutage(t *testing.T) {
	c := testCampaign()
	store := newMemStore(c, testContacts(4))
	transport := &fakeTransport{connectivity: true}
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	result, err := coord.Dispatch(context.Background(), c.ID)
	if !campaign.IsSystemic(err) {
		t.Fatalf("expected systemic transport error, got %v", err)
	}
	if result == nil || result.Status != campaign.StatusFailed {
		t.Fatalf("result = %+v, want failed with counts preserved", result)
	}
	if store.campaign.Status != campaign.StatusFailed {
		t.Errorf("campaign status = %s", store.campaign.Status)
	}
	// only the first batch is attempted before the run aborts
	if transport.sendCount() != store.settings.BatchSize {
		t.Errorf("sends = %d, want %d", transport.sendCount(), store.settings.BatchSize)
	}
}

func TestDispatchSkipsAlreadySentJobs(t *testing.T) {
	c := testCampaign()
	contacts := testContacts(2)
	store := newMemStore(c, contacts)

	// simulate a prior partial run that already delivered to contact 0
	prior, _ := store.EnsureJob(context.Background(), c.ID, contacts[0].ID)
	store.MarkJobSent(context.Background(), prior.ID, "msg-prior")

	transport := &fakeTransport{}
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	result, err := coord.Dispatch(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if len(result.Successful) != 2 {
		t.Errorf("successful = %d", len(result.Successful))
	}
	if transport.sendCount() != 1 {
		t.Errorf("sends = %d, want 1 (already-sent contact skipped)", transport.sendCount())
	}
}

func TestDispatchCampaignNotFound(t *testing.T) {
	store := newMemStore(testCampaign(), nil)
	coord := NewCoordinator(store, &fakeTransport{}, campaign.NewTemplateService(), nil, time.Second)

	_, err := coord.Dispatch(context.Background(), uuid.New())
	if !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDispatchRendersPersonalizedContent(t *testing.T) {
	c := testCampaign()
	contacts := []*campaign.Contact{{
		ID:        uuid.New(),
		Email:     "ada@example.com",
		FirstName: "Ada",
		Status:    campaign.ContactActive,
	}}
	store := newMemStore(c, contacts)

	var captured Message
	transport := &captureTransport{onSend: func(msg Message) { captured = msg }}
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	if _, err := coord.Dispatch(context.Background(), c.ID); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if captured.Subject != "Hi Ada" {
		t.Errorf("subject = %q", captured.Subject)
	}
	if captured.HTML != "<p>Hello Ada</p>" {
		t.Errorf("html = %q", captured.HTML)
	}
	if captured.FromEmail != "news@acme.com" {
		t.Errorf("from = %q", captured.FromEmail)
	}
}

type captureTransport struct {
	mu     sync.Mutex
	onSend func(Message)
}

func (c *captureTransport) Send(ctx context.Context, msg Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend(msg)
	return "msg-1", nil
}

// chunkLimiter grants any reservation that fits inside one minute's
// budget and denies anything larger, like the shared redis window does.
type chunkLimiter struct {
	mu     sync.Mutex
	grants []int
}

func (l *chunkLimiter) Reserve(ctx context.Context, n, limitPerMinute int) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > limitPerMinute {
		return false, time.Millisecond, nil
	}
	l.grants = append(l.grants, n)
	return true, 0, nil
}

func TestDispatchBatchLargerThanRateBudget(t *testing.T) {
	c := testCampaign()
	contacts := testContacts(5)
	store := newMemStore(c, contacts)
	store.settings.BatchSize = 5
	store.settings.RateLimitPerMinute = 2

	limiter := &chunkLimiter{}
	coord := NewCoordinator(store, &fakeTransport{}, campaign.NewTemplateService(), limiter, time.Second)

	// the deadline turns a reservation livelock into a test failure
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := coord.Dispatch(ctx, c.ID)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if result.Status != campaign.StatusSent || len(result.Successful) != 5 {
		t.Errorf("status = %s, successful = %d", result.Status, len(result.Successful))
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	total := 0
	for _, g := range limiter.grants {
		if g > 2 {
			t.Errorf("reservation of %d exceeds the minute budget", g)
		}
		total += g
	}
	if total != 5 {
		t.Errorf("reserved %d sends in total, want 5", total)
	}
}

func TestDispatchClientGoneMidRunFailsCampaign(t *testing.T) {
	c := testCampaign()
	contacts := testContacts(4) // 2 batches of 2
	store := newMemStore(c, contacts)
	store.settings.BatchDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := &captureTransport{onSend: func(Message) { cancel() }}
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	result, err := coord.Dispatch(ctx, c.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result == nil || result.Status != campaign.StatusFailed {
		t.Fatalf("result = %+v, want failed with counts preserved", result)
	}
	if store.campaign.Status != campaign.StatusFailed {
		t.Errorf("campaign status = %s, must never stay in sending", store.campaign.Status)
	}
	// the first batch's work is finalized, and failed is sendable again
	if store.sentCount != 2 || len(result.Successful) != 2 {
		t.Errorf("finalized = %d/%d successful, want the first batch", store.sentCount, len(result.Successful))
	}
}

func TestDispatchReclaimsStuckSendingJob(t *testing.T) {
	c := testCampaign()
	contacts := testContacts(2)
	store := newMemStore(c, contacts)

	// a crashed run left contact 0 mid-flight
	prior, _ := store.EnsureJob(context.Background(), c.ID, contacts[0].ID)
	store.setJob(prior.ID, func(j *campaign.Job) { j.Status = campaign.JobSending })

	transport := &fakeTransport{}
	coord := NewCoordinator(store, transport, campaign.NewTemplateService(), nil, time.Second)

	result, err := coord.Dispatch(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if len(result.Successful) != 2 || len(result.Failed) != 0 {
		t.Errorf("successful = %d, failed = %d", len(result.Successful), len(result.Failed))
	}

	j := store.jobForContact(contacts[0].ID)
	if j.Status != campaign.JobSent {
		t.Errorf("reclaimed job status = %s, want sent", j.Status)
	}
	// the in-flight row is failed first, then retried
	if j.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", j.RetryCount)
	}
	if transport.sendCount() != 2 {
		t.Errorf("sends = %d, want 2 (no send while the row looked in-flight)", transport.sendCount())
	}
}

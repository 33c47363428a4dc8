package campaign

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// jobTransitions defines the legal job state machine:
// queued -> sending -> {sent | failed}
// failed -> retrying -> sending -> {sent | failed}
var jobTransitions = map[string][]string{
	JobQueued:   {JobSending},
	JobSending:  {JobSent, JobFailed},
	JobFailed:   {JobRetrying, JobQueued}, // queued only via operator bulk retry
	JobRetrying: {JobSending},
	JobSent:     {},
}

// CanTransitionJob reports whether a job may move from one status to
// another
func CanTransitionJob(from, to string) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobIsTerminal reports whether a job can make no further automatic
// progress. sent is always terminal; failed is terminal once the retry
// ceiling is reached.
func JobIsTerminal(j *Job, maxRetryAttempts int) bool {
	switch j.Status {
	case JobSent:
		return true
	case JobFailed:
		return j.RetryCount >= maxRetryAttempts
	}
	return false
}

// EnsureJob creates the (campaign, contact) job row if it does not
// exist, or returns the existing row untouched. Exactly one row per
// pair, ever; moving a failed row back into play is MarkJobRetrying's
// job, not the upsert's.
func (s *Store) EnsureJob(ctx context.Context, campaignID, contactID uuid.UUID) (*Job, error) {
	query := `INSERT INTO jobs (id, campaign_id, contact_id, status, retry_count, error_message, message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, '', '', NOW(), NOW())
		ON CONFLICT (campaign_id, contact_id) DO UPDATE SET updated_at = NOW()
		RETURNING id, campaign_id, contact_id, status, retry_count, error_message, message_id, sent_at, created_at, updated_at`

	j := &Job{}
	err := s.db.QueryRowContext(ctx, query, uuid.New(), campaignID, contactID, JobQueued).Scan(
		&j.ID, &j.CampaignID, &j.ContactID, &j.Status, &j.RetryCount,
		&j.ErrorMessage, &j.MessageID, &j.SentAt, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// MarkJobSending moves a job into the in-flight state
func (s *Store) MarkJobSending(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`,
		JobSending, jobID)
	return err
}

// MarkJobSent records a successful delivery with its transport message id
func (s *Store) MarkJobSent(ctx context.Context, jobID uuid.UUID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, message_id = $2, error_message = '', sent_at = NOW(), updated_at = NOW()
		WHERE id = $3`,
		JobSent, messageID, jobID)
	return err
}

// MarkJobFailed records a per-recipient failure. Automatic retries
// increment retry_count; the row is mutated, never duplicated.
func (s *Store) MarkJobFailed(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error_message = $2, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $3`,
		JobFailed, errMsg, jobID)
	return err
}

// MarkJobRetrying flags a failed job for another automatic attempt
func (s *Store) MarkJobRetrying(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		JobRetrying, jobID, JobFailed)
	return err
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	query := `SELECT id, campaign_id, contact_id, status, retry_count, error_message,
		message_id, sent_at, created_at, updated_at FROM jobs WHERE id = $1`

	j := &Job{}
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&j.ID, &j.CampaignID, &j.ContactID, &j.Status, &j.RetryCount,
		&j.ErrorMessage, &j.MessageID, &j.SentAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// GetJobsByCampaign retrieves a campaign's jobs, optionally filtered by
// status
func (s *Store) GetJobsByCampaign(ctx context.Context, campaignID uuid.UUID, status string) ([]*Job, error) {
	query := `SELECT id, campaign_id, contact_id, status, retry_count, error_message,
		message_id, sent_at, created_at, updated_at FROM jobs WHERE campaign_id = $1`
	args := []interface{}{campaignID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		err := rows.Scan(&j.ID, &j.CampaignID, &j.ContactID, &j.Status, &j.RetryCount,
			&j.ErrorMessage, &j.MessageID, &j.SentAt, &j.CreatedAt, &j.UpdatedAt)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus returns per-status job counts for a campaign
func (s *Store) CountJobsByStatus(ctx context.Context, campaignID uuid.UUID) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ResetFailedJobsForCampaign is the operator bulk retry: failed jobs go
// back to queued with error cleared and retry_count reset to 0. Returns
// the number of jobs reset.
func (s *Store) ResetFailedJobsForCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error_message = '', retry_count = 0, updated_at = NOW()
		WHERE campaign_id = $2 AND status = $3`,
		JobQueued, campaignID, JobFailed)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetJobsByID bulk-retries an explicit set of jobs; sent jobs are
// never touched.
func (s *Store) ResetJobsByID(ctx context.Context, jobIDs []uuid.UUID) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error_message = '', retry_count = 0, updated_at = NOW()
		WHERE id = ANY($2) AND status = $3`,
		JobQueued, pq.Array(uuidStrings(jobIDs)), JobFailed)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// StuckJobCutoff is how long a job may sit in sending before the
// recovery sweep reclassifies it as failed.
const StuckJobCutoff = 10 * time.Minute

// FailStuckJobs reclassifies jobs abandoned in sending (crashed worker,
// lost context) so no job is left in-flight forever.
func (s *Store) FailStuckJobs(ctx context.Context, cutoff time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error_message = 'send attempt abandoned', retry_count = retry_count + 1, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - ($3 * INTERVAL '1 second')`,
		JobFailed, JobSending, int(cutoff.Seconds()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

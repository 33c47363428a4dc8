package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestCanTransitionJob(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{JobQueued, JobSending, true},
		{JobSending, JobSent, true},
		{JobSending, JobFailed, true},
		{JobFailed, JobRetrying, true},
		{JobFailed, JobQueued, true}, // operator bulk retry
		{JobRetrying, JobSending, true},
		{JobSent, JobFailed, false},
		{JobSent, JobQueued, false},
		{JobQueued, JobSent, false},
		{JobRetrying, JobFailed, false},
		{JobFailed, JobSent, false},
	}

	for _, tt := range tests {
		if got := CanTransitionJob(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransitionJob(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		max  int
		want bool
	}{
		{"sent is always terminal", Job{Status: JobSent}, 3, true},
		{"failed under ceiling", Job{Status: JobFailed, RetryCount: 2}, 3, false},
		{"failed at ceiling", Job{Status: JobFailed, RetryCount: 3}, 3, true},
		{"failed over ceiling", Job{Status: JobFailed, RetryCount: 7}, 3, true},
		{"queued never terminal", Job{Status: JobQueued}, 3, false},
		{"sending never terminal", Job{Status: JobSending}, 3, false},
		{"retrying never terminal", Job{Status: JobRetrying, RetryCount: 9}, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JobIsTerminal(&tt.job, tt.max); got != tt.want {
				t.Errorf("JobIsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnsureJobUpsert(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewStore(db)

	campaignID, contactID, jobID := uuid.New(), uuid.New(), uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "contact_id", "status", "retry_count",
		"error_message", "message_id", "sent_at", "created_at", "updated_at",
	}).AddRow(jobID, campaignID, contactID, JobQueued, 0, "", "", nil, time.Now(), time.Now())

	mock.ExpectQuery(`INSERT INTO jobs .+ ON CONFLICT \(campaign_id, contact_id\)`).
		WillReturnRows(rows)

	job, err := store.EnsureJob(context.Background(), campaignID, contactID)
	if err != nil {
		t.Fatalf("EnsureJob() error: %v", err)
	}
	if job.ID != jobID {
		t.Errorf("job.ID = %s, want %s", job.ID, jobID)
	}
	if job.Status != JobQueued {
		t.Errorf("job.Status = %s", job.Status)
	}
}

func TestResetFailedJobsForCampaign(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewStore(db)

	campaignID := uuid.New()
	mock.ExpectExec(`UPDATE jobs SET status = \$1, error_message = '', retry_count = 0`).
		WithArgs(JobQueued, campaignID, JobFailed).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.ResetFailedJobsForCampaign(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("ResetFailedJobsForCampaign() error: %v", err)
	}
	if n != 4 {
		t.Errorf("reset count = %d, want 4", n)
	}
}

func TestResetJobsByIDEmpty(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewStore(db)

	n, err := store.ResetJobsByID(context.Background(), nil)
	if err != nil {
		t.Fatalf("ResetJobsByID(nil) error: %v", err)
	}
	if n != 0 {
		t.Errorf("reset count = %d, want 0", n)
	}
}

func TestMarkJobFailedIncrementsRetryCount(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewStore(db)

	jobID := uuid.New()
	mock.ExpectExec(`UPDATE jobs SET status = \$1, error_message = \$2, retry_count = retry_count \+ 1`).
		WithArgs(JobFailed, "smtp 550", jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkJobFailed(context.Background(), jobID, "smtp 550"); err != nil {
		t.Fatalf("MarkJobFailed() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestFailStuckJobs(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewStore(db)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, error_message = 'send attempt abandoned'`).
		WithArgs(JobFailed, JobSending, int(StuckJobCutoff.Seconds())).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.FailStuckJobs(context.Background(), StuckJobCutoff)
	if err != nil {
		t.Fatalf("FailStuckJobs() error: %v", err)
	}
	if n != 2 {
		t.Errorf("stuck count = %d, want 2", n)
	}
}

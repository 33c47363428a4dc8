package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store provides database operations for campaign entities
type Store struct {
	db *sql.DB
}

// NewStore creates a new campaign store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NormalizeEmail lowercases and trims an address. Contact identity is
// case-insensitive on email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ---------------------------------------------------------------------------
// Contact lists

// CreateList creates a new contact list
func (s *Store) CreateList(ctx context.Context, list *ContactList) error {
	list.ID = uuid.New()
	list.CreatedAt = time.Now()
	list.UpdatedAt = time.Now()

	query := `INSERT INTO contact_lists (id, name, description, contact_count, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5)`
	_, err := s.db.ExecContext(ctx, query, list.ID, list.Name, list.Description,
		list.CreatedAt, list.UpdatedAt)
	return err
}

// GetList retrieves a list by ID
func (s *Store) GetList(ctx context.Context, listID uuid.UUID) (*ContactList, error) {
	query := `SELECT id, name, description, contact_count, created_at, updated_at
		FROM contact_lists WHERE id = $1`

	list := &ContactList{}
	err := s.db.QueryRowContext(ctx, query, listID).Scan(
		&list.ID, &list.Name, &list.Description, &list.ContactCount,
		&list.CreatedAt, &list.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return list, err
}

// GetLists retrieves all contact lists
func (s *Store) GetLists(ctx context.Context) ([]*ContactList, error) {
	query := `SELECT id, name, description, contact_count, created_at, updated_at
		FROM contact_lists ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []*ContactList
	for rows.Next() {
		list := &ContactList{}
		err := rows.Scan(&list.ID, &list.Name, &list.Description,
			&list.ContactCount, &list.CreatedAt, &list.UpdatedAt)
		if err != nil {
			return nil, err
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

// GetListIDs returns the ids of every contact list
func (s *Store) GetListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM contact_lists ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountListMembers counts ground-truth membership for a list
func (s *Store) CountListMembers(ctx context.Context, listID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contact_list_members WHERE list_id = $1`, listID).Scan(&count)
	return count, err
}

// SetListContactCount writes the cached contact count for a list
func (s *Store) SetListContactCount(ctx context.Context, listID uuid.UUID, count int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contact_lists SET contact_count = $1, updated_at = NOW() WHERE id = $2`,
		count, listID)
	return err
}

// ---------------------------------------------------------------------------
// Contacts and membership

// CreateContact inserts a contact with its initial list memberships
func (s *Store) CreateContact(ctx context.Context, c *Contact) error {
	c.ID = uuid.New()
	c.Email = NormalizeEmail(c.Email)
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	if c.Status == "" {
		c.Status = ContactActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO contacts (id, email, first_name, last_name, status, custom_fields, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.ExecContext(ctx, query, c.ID, c.Email, c.FirstName, c.LastName,
		c.Status, c.CustomFields, c.CreatedAt, c.UpdatedAt); err != nil {
		return err
	}

	for _, listID := range c.ListIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contact_list_members (contact_id, list_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			c.ID, listID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetContact retrieves a contact with its membership set
func (s *Store) GetContact(ctx context.Context, contactID uuid.UUID) (*Contact, error) {
	query := `SELECT id, email, first_name, last_name, status, custom_fields, created_at, updated_at
		FROM contacts WHERE id = $1`

	c := &Contact{}
	err := s.db.QueryRowContext(ctx, query, contactID).Scan(
		&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Status, &c.CustomFields,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.ListIDs, err = s.GetContactListIDs(ctx, c.ID)
	return c, err
}

// GetContactByEmail retrieves a contact by its case-insensitive email
func (s *Store) GetContactByEmail(ctx context.Context, email string) (*Contact, error) {
	query := `SELECT id, email, first_name, last_name, status, custom_fields, created_at, updated_at
		FROM contacts WHERE email = $1`

	c := &Contact{}
	err := s.db.QueryRowContext(ctx, query, NormalizeEmail(email)).Scan(
		&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Status, &c.CustomFields,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetContactListIDs returns the list ids a contact belongs to
func (s *Store) GetContactListIDs(ctx context.Context, contactID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT list_id FROM contact_list_members WHERE contact_id = $1 ORDER BY list_id`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateContact updates profile fields and status
func (s *Store) UpdateContact(ctx context.Context, c *Contact) error {
	c.Email = NormalizeEmail(c.Email)
	query := `UPDATE contacts SET email = $1, first_name = $2, last_name = $3,
		status = $4, custom_fields = $5, updated_at = NOW() WHERE id = $6`
	_, err := s.db.ExecContext(ctx, query, c.Email, c.FirstName, c.LastName,
		c.Status, c.CustomFields, c.ID)
	return err
}

// ReplaceContactLists swaps a contact's membership set and returns the
// previous set so callers can recount every affected list.
func (s *Store) ReplaceContactLists(ctx context.Context, contactID uuid.UUID, listIDs []uuid.UUID) ([]uuid.UUID, error) {
	old, err := s.GetContactListIDs(ctx, contactID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM contact_list_members WHERE contact_id = $1`, contactID); err != nil {
		return nil, err
	}
	for _, listID := range listIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contact_list_members (contact_id, list_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			contactID, listID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return old, nil
}

// AddContactToList adds one membership edge
func (s *Store) AddContactToList(ctx context.Context, contactID, listID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contact_list_members (contact_id, list_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		contactID, listID)
	return err
}

// RemoveContactFromList removes one membership edge
func (s *Store) RemoveContactFromList(ctx context.Context, contactID, listID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM contact_list_members WHERE contact_id = $1 AND list_id = $2`,
		contactID, listID)
	return err
}

// DeleteContact removes a contact and returns the lists it belonged to
func (s *Store) DeleteContact(ctx context.Context, contactID uuid.UUID) ([]uuid.UUID, error) {
	old, err := s.GetContactListIDs(ctx, contactID)
	if err != nil {
		return nil, err
	}
	// membership rows cascade on delete
	_, err = s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = $1`, contactID)
	return old, err
}

// ---------------------------------------------------------------------------
// Templates

// CreateTemplate creates a template with its declared variable schema
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	t.UpdatedAt = time.Now()

	vars, err := json.Marshal(t.Variables)
	if err != nil {
		return err
	}

	query := `INSERT INTO templates (id, name, subject, body, variables, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.ExecContext(ctx, query, t.ID, t.Name, t.Subject, t.Body,
		vars, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTemplate retrieves a template by ID
func (s *Store) GetTemplate(ctx context.Context, templateID uuid.UUID) (*Template, error) {
	query := `SELECT id, name, subject, body, variables, created_at, updated_at
		FROM templates WHERE id = $1`

	t := &Template{}
	var vars []byte
	err := s.db.QueryRowContext(ctx, query, templateID).Scan(
		&t.ID, &t.Name, &t.Subject, &t.Body, &vars, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &t.Variables); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Campaigns

// CreateCampaign creates a new campaign in draft
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	if c.Status == "" {
		c.Status = StatusDraft
	}

	query := `INSERT INTO campaigns (id, name, template_id, list_ids, subject, body,
		from_name, from_email, reply_to, variables, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.TemplateID,
		pq.Array(uuidStrings(c.ListIDs)), c.Subject, c.Body, c.FromName, c.FromEmail,
		c.ReplyTo, c.Variables, c.Status, c.ScheduledAt, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCampaign retrieves a campaign by ID
func (s *Store) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*Campaign, error) {
	query := `SELECT id, name, template_id, list_ids, subject, body, from_name, from_email,
		reply_to, variables, status, total_recipients, sent_count, failed_count,
		delivered_count, opened_count, clicked_count, bounced_count, unsubscribed_count,
		scheduled_at, started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = $1`

	c := &Campaign{}
	var listIDs pq.StringArray
	err := s.db.QueryRowContext(ctx, query, campaignID).Scan(
		&c.ID, &c.Name, &c.TemplateID, &listIDs, &c.Subject, &c.Body,
		&c.FromName, &c.FromEmail, &c.ReplyTo, &c.Variables, &c.Status,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.DeliveredCount,
		&c.OpenedCount, &c.ClickedCount, &c.BouncedCount, &c.UnsubscribedCount,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ListIDs, err = parseUUIDs(listIDs)
	return c, err
}

// GetCampaigns retrieves campaigns ordered by creation time
func (s *Store) GetCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	query := `SELECT id, name, subject, from_name, from_email, status, total_recipients,
		sent_count, failed_count, scheduled_at, started_at, completed_at, created_at
		FROM campaigns ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c := &Campaign{}
		err := rows.Scan(&c.ID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
			&c.Status, &c.TotalRecipients, &c.SentCount, &c.FailedCount,
			&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// UpdateCampaignStatus moves a campaign to a new status, stamping
// started_at / completed_at at the sending and terminal edges.
func (s *Store) UpdateCampaignStatus(ctx context.Context, campaignID uuid.UUID, status string) error {
	query := `UPDATE campaigns SET status = $1, updated_at = NOW()`
	if status == StatusSending {
		query += ", started_at = NOW()"
	} else if status == StatusSent || status == StatusFailed {
		query += ", completed_at = NOW()"
	}
	query += " WHERE id = $2"
	_, err := s.db.ExecContext(ctx, query, status, campaignID)
	return err
}

// UpdateCampaignSchedule sets scheduled_at for a scheduled send
func (s *Store) UpdateCampaignSchedule(ctx context.Context, campaignID uuid.UUID, scheduledAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET scheduled_at = $1, status = $2, updated_at = NOW() WHERE id = $3`,
		scheduledAt, StatusScheduled, campaignID)
	return err
}

// SetCampaignTotalRecipients writes the freshly resolved recipient count
func (s *Store) SetCampaignTotalRecipients(ctx context.Context, campaignID uuid.UUID, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET total_recipients = $1, updated_at = NOW() WHERE id = $2`,
		total, campaignID)
	return err
}

// FinalizeCampaignCounts writes the dispatch outcome counters
func (s *Store) FinalizeCampaignCounts(ctx context.Context, campaignID uuid.UUID, sent, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET sent_count = $1, failed_count = $2, updated_at = NOW() WHERE id = $3`,
		sent, failed, campaignID)
	return err
}

// GetDueScheduledCampaigns returns scheduled campaigns whose send time
// has arrived
func (s *Store) GetDueScheduledCampaigns(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `SELECT id FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= NOW()
		ORDER BY scheduled_at LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

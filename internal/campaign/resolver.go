package campaign

import (
	"context"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ResolveRecipients expands list ids into the final recipient set:
// contacts whose memberships intersect the selected lists, filtered to
// active status, deduplicated by contact identity. A contact in several
// selected lists yields exactly one send. The caller recomputes
// total_recipients from this result at dispatch time; any earlier count
// is only an estimate.
func (s *Store) ResolveRecipients(ctx context.Context, listIDs []uuid.UUID) ([]*Contact, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}

	query := `SELECT DISTINCT c.id, c.email, c.first_name, c.last_name, c.status, c.custom_fields
		FROM contacts c
		JOIN contact_list_members m ON m.contact_id = c.id
		WHERE m.list_id = ANY($1) AND c.status = 'active'
		ORDER BY c.id`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(uuidStrings(listIDs)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c := &Contact{}
		err := rows.Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Status, &c.CustomFields)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

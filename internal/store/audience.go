package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/weblisite/newsletterfy-sub000/internal/segment"
)

// Newsletter is the slice of a newsletter record the dispatch engine
// reads: the fields needed to derive the sender identity and build the
// message body.
type Newsletter struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Name        string
	Subject     string
	Preheader   string
	HTMLContent string
	TextContent string
	OwnerEmail  string
}

// GetNewsletter loads a newsletter together with its owner's registered
// email address.
func (s *Store) GetNewsletter(ctx context.Context, id uuid.UUID) (*Newsletter, error) {
	var n Newsletter
	err := s.db.QueryRowContext(ctx, `
		SELECT n.id, n.user_id, n.name,
		       COALESCE(n.subject, ''), COALESCE(n.preheader, ''),
		       COALESCE(n.html_content, ''), COALESCE(n.plain_content, ''),
		       u.email
		FROM newsletters n
		JOIN users u ON u.id = n.user_id
		WHERE n.id = $1
	`, id).Scan(&n.ID, &n.UserID, &n.Name, &n.Subject, &n.Preheader,
		&n.HTMLContent, &n.TextContent, &n.OwnerEmail)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("newsletter %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListSubscribers returns the confirmed subscribers for a user, with
// engagement recency for segment filtering.
func (s *Store) ListSubscribers(ctx context.Context, userID uuid.UUID) ([]segment.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, COALESCE(name, ''), last_engaged_at
		FROM subscribers
		WHERE user_id = $1 AND status = 'confirmed'
		ORDER BY email
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []segment.Subscriber
	for rows.Next() {
		var sub segment.Subscriber
		var engaged sql.NullTime
		if err := rows.Scan(&sub.Email, &sub.Name, &engaged); err != nil {
			return nil, err
		}
		if engaged.Valid {
			t := engaged.Time
			sub.LastEngagedAt = &t
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

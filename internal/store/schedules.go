package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/weblisite/newsletterfy-sub000/internal/schedule"
)

// ListSchedules returns every pending schedule entry. The dispatch loop
// reads the full set each tick and decides due-ness itself.
func (s *Store) ListSchedules(ctx context.Context) ([]schedule.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, newsletter_id, user_id, send_date, send_time, timezone,
		       COALESCE(segment, 'all'), frequency,
		       COALESCE(repeat_interval, 0), COALESCE(repeat_unit, '')
		FROM newsletter_schedules
		ORDER BY send_date, send_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []schedule.Entry
	for rows.Next() {
		var e schedule.Entry
		var frequency, unit string
		if err := rows.Scan(
			&e.ID, &e.NewsletterID, &e.UserID,
			&e.SendDate, &e.SendTime, &e.Timezone,
			&e.Segment, &frequency, &e.RepeatInterval, &unit,
		); err != nil {
			return nil, err
		}
		e.Frequency = schedule.Frequency(frequency)
		e.RepeatUnit = schedule.Unit(unit)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteSchedule removes a completed one-time schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM newsletter_schedules WHERE id = $1`, id)
	return err
}

// AdvanceSchedule moves a recurring schedule to its next send date,
// leaving time and timezone untouched.
func (s *Store) AdvanceSchedule(ctx context.Context, id uuid.UUID, sendDate string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE newsletter_schedules
		SET send_date = $2, updated_at = NOW()
		WHERE id = $1
	`, id, sendDate)
	return err
}

package store

import (
	"context"
	"fmt"
)

// QueueRefresh records that an owner's metrics must be recomputed once their
// recalculation job reaches a terminal state. Queuing twice keeps one entry.
func (s *Store) QueueRefresh(ctx context.Context, ownerID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_refreshes (owner_id, requested_at) VALUES (?, ?)
		ON CONFLICT(owner_id) DO NOTHING
	`, ownerID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("queuing refresh: %w", err)
	}
	return nil
}

// PendingRefreshes returns queued owners in request order
func (s *Store) PendingRefreshes(ctx context.Context) ([]int64, error) {
	var out []int64
	if err := s.db.SelectContext(ctx, &out,
		`SELECT owner_id FROM pending_refreshes ORDER BY requested_at, owner_id`); err != nil {
		return nil, fmt.Errorf("listing pending refreshes: %w", err)
	}
	return out, nil
}

// RefreshQueued reports whether an owner is waiting for a refresh
func (s *Store) RefreshQueued(ctx context.Context, ownerID int64) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pending_refreshes WHERE owner_id = ?`, ownerID); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearRefresh removes an owner from the queue
func (s *Store) ClearRefresh(ctx context.Context, ownerID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_refreshes WHERE owner_id = ?`, ownerID)
	return err
}

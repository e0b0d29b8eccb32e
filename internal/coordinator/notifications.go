package coordinator

import (
	"context"
	"fmt"

	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

// Notifications returns the caller's notifications, newest first.
func (c *Coordinator) Notifications(ctx context.Context, userID string, unreadOnly bool) ([]*types.Notification, error) {
	out := []*types.Notification{}
	err := c.view(ctx, func(tx storage.Tx) error {
		if _, err := loadActor(tx, userID); err != nil {
			return err
		}
		return tx.Notifications(userID, func(n *types.Notification) error {
			if unreadOnly && n.IsRead {
				return nil
			}
			out = append(out, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkRead marks one of the caller's notifications read. Notifications of
// other users are reported as not found.
func (c *Coordinator) MarkRead(ctx context.Context, userID, notificationID string) (*types.Notification, error) {
	var out *types.Notification
	err := c.update(ctx, types.Actor{ID: userID}, func(ch *change) error {
		if _, err := loadActor(ch.tx, userID); err != nil {
			return err
		}
		n, err := ch.tx.Notification(userID, notificationID)
		if err == nil && n.UserID != userID {
			err = storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("coordinator: notification %s: %w", notificationID, err)
		}
		out = n
		if n.IsRead {
			return nil
		}
		n.IsRead = true
		return ch.tx.PutNotification(n)
	})
	return out, err
}

// MarkAllRead marks every unread notification of the caller read and returns
// how many changed.
func (c *Coordinator) MarkAllRead(ctx context.Context, userID string) (int, error) {
	n := 0
	err := c.update(ctx, types.Actor{ID: userID}, func(ch *change) error {
		if _, err := loadActor(ch.tx, userID); err != nil {
			return err
		}
		var unread []*types.Notification
		if err := ch.tx.Notifications(userID, func(x *types.Notification) error {
			if !x.IsRead {
				unread = append(unread, x)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, x := range unread {
			x.IsRead = true
			if err := ch.tx.PutNotification(x); err != nil {
				return err
			}
		}
		n = len(unread)
		return nil
	})
	return n, err
}

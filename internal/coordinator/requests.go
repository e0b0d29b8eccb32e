package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/snehjoshi/foodrelay/internal/lifecycle"
	"github.com/snehjoshi/foodrelay/internal/node"
	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

// RequestInput is an NGO's statement of need.
type RequestInput struct {
	RequestType     string        `json:"request_type"`
	QuantityNeeded  int           `json:"quantity_needed"`
	Urgency         types.Urgency `json:"urgency"`
	DeliveryAddress string        `json:"delivery_address"`
	RequiredBy      time.Time     `json:"required_by"`
	Description     string        `json:"description,omitempty"`
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	Status types.RequestStatus
	Mine   bool
}

// CreateRequest publishes an NGO request. High and critical requests are
// pushed to every active donor as a notification.
func (c *Coordinator) CreateRequest(ctx context.Context, userID string, in RequestInput) (*types.NGORequest, error) {
	if strings.TrimSpace(in.RequestType) == "" {
		return nil, invalid("request_type is required")
	}
	if in.QuantityNeeded <= 0 {
		return nil, invalid("quantity_needed must be positive")
	}
	if in.Urgency == "" {
		in.Urgency = types.UrgencyMedium
	}
	if !in.Urgency.Valid() {
		return nil, invalid("unknown urgency %q", in.Urgency)
	}

	var out *types.NGORequest
	err := c.update(ctx, types.Actor{ID: userID, Role: types.RoleNGO}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(p, types.RoleNGO); err != nil {
			return err
		}
		if !in.RequiredBy.After(ch.now) {
			return invalid("required_by must be in the future")
		}
		addr := strings.TrimSpace(in.DeliveryAddress)
		if addr == "" {
			addr = strings.TrimSpace(p.Address)
		}
		if addr == "" {
			return invalid("delivery_address is required")
		}
		id, err := node.NewID()
		if err != nil {
			return err
		}
		r := &types.NGORequest{
			ID:              id,
			NGOID:           userID,
			RequestType:     strings.TrimSpace(in.RequestType),
			QuantityNeeded:  in.QuantityNeeded,
			Urgency:         in.Urgency,
			DeliveryAddress: addr,
			RequiredBy:      in.RequiredBy.UTC(),
			Description:     in.Description,
			Status:          types.RequestOpen,
			CreatedAt:       ch.now,
			UpdatedAt:       ch.now,
		}
		if err := ch.tx.PutRequest(r); err != nil {
			return fmt.Errorf("coordinator: write request: %w", err)
		}
		out = r
		if r.Urgency != types.UrgencyHigh && r.Urgency != types.UrgencyCritical {
			return nil
		}
		return ch.tx.Profiles(func(donor *types.Profile) error {
			if donor.Role != types.RoleDonor || !donor.IsActive {
				return nil
			}
			return ch.notify(donor.ID, types.NotifyRequest, r.ID, "Urgent food request",
				"%s needs %d of %s by %s.", p.FullName, r.QuantityNeeded, r.RequestType,
				r.RequiredBy.Format(time.RFC1123))
		})
	})
	return out, err
}

// ListRequests returns NGO requests, newest first. Mine limits an NGO to its
// own requests.
func (c *Coordinator) ListRequests(ctx context.Context, userID string, f RequestFilter) ([]*types.NGORequest, error) {
	out := []*types.NGORequest{}
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		return tx.Requests(func(r *types.NGORequest) error {
			if f.Status != "" && r.Status != f.Status {
				return nil
			}
			if f.Mine && r.NGOID != p.ID {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// CloseRequest marks an open request fulfilled or cancelled. The owning NGO
// or an admin may close it.
func (c *Coordinator) CloseRequest(ctx context.Context, userID, requestID string, fulfilled bool) (*types.NGORequest, error) {
	to := types.RequestCancelled
	if fulfilled {
		to = types.RequestFulfilled
	}
	var out *types.NGORequest
	err := c.update(ctx, types.Actor{ID: userID}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		r, err := ch.tx.Request(requestID)
		if err != nil {
			return fmt.Errorf("coordinator: request %s: %w", requestID, err)
		}
		if p.Role != types.RoleAdmin && r.NGOID != p.ID {
			return forbidden("request %s belongs to another NGO", r.ID)
		}
		if r.Status != types.RequestOpen {
			return fmt.Errorf("%w: request %s is %s", lifecycle.ErrIllegalTransition, r.ID, r.Status)
		}
		r.Status = to
		r.UpdatedAt = ch.now
		out = r
		return ch.tx.PutRequest(r)
	})
	return out, err
}

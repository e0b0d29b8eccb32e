package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/snehjoshi/foodrelay/internal/lifecycle"
	"github.com/snehjoshi/foodrelay/internal/node"
	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

// StatusUpdate is a courier's progress report. To defaults to the next step
// on the delivery path.
type StatusUpdate struct {
	To    types.DeliveryStatus `json:"status,omitempty"`
	Notes string               `json:"notes,omitempty"`
	// Proof is stored as proof of pickup or delivery when To is picked_up or
	// delivered (usually a photo URL).
	Proof string `json:"proof,omitempty"`
}

// DeliveryView pairs a delivery with its donation.
type DeliveryView struct {
	Delivery *types.Delivery `json:"delivery"`
	Donation *types.Donation `json:"donation"`
	// DistanceToPickupKm is the caller's distance to the pickup point, when
	// both are known. Only set on the job board.
	DistanceToPickupKm *float64 `json:"distance_to_pickup_km,omitempty"`
}

func canViewDelivery(p *types.Profile, del *types.Delivery, d *types.Donation) bool {
	switch p.Role {
	case types.RoleAdmin:
		return true
	case types.RoleDonor:
		return d.DonorID == p.ID
	case types.RoleNGO:
		return d.ClaimedBy == p.ID
	case types.RoleDeliveryPartner:
		return del.PartnerID == p.ID || del.Status == types.DeliveryPending
	}
	return false
}

// Delivery returns one delivery with its donation if the caller may see it.
func (c *Coordinator) Delivery(ctx context.Context, userID, id string) (*DeliveryView, error) {
	var out *DeliveryView
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		del, err := loadDelivery(tx, id)
		if err != nil {
			return err
		}
		d, err := loadDonation(tx, del.DonationID)
		if err != nil {
			return err
		}
		if !canViewDelivery(p, del, d) {
			return forbidden("delivery %s is not visible to %s", id, userID)
		}
		out = &DeliveryView{Delivery: del, Donation: d}
		return nil
	})
	return out, err
}

// ListDeliveries returns the deliveries the caller is involved in, newest
// first. Admins see all of them. Open jobs are listed by OpenJobs instead.
func (c *Coordinator) ListDeliveries(ctx context.Context, userID string, status types.DeliveryStatus) ([]*DeliveryView, error) {
	out := []*DeliveryView{}
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		return tx.Deliveries(func(del *types.Delivery) error {
			if status != "" && del.Status != status {
				return nil
			}
			if p.Role == types.RoleDeliveryPartner && del.PartnerID != p.ID {
				return nil
			}
			d, err := tx.Donation(del.DonationID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if canViewDelivery(p, del, d) {
				out = append(out, &DeliveryView{Delivery: del, Donation: d})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Delivery.ID > out[j].Delivery.ID })
	return out, nil
}

// OpenJobs lists pending deliveries for a partner to pick from. Jobs the
// caller declined are hidden. With a known partner location the nearest
// jobs come first; otherwise the oldest.
func (c *Coordinator) OpenJobs(ctx context.Context, userID string) ([]*DeliveryView, error) {
	out := []*DeliveryView{}
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(p, types.RoleDeliveryPartner, types.RoleAdmin); err != nil {
			return err
		}
		var here *types.GeoPoint
		if dp, err := tx.Partner(userID); err == nil {
			here = dp.Location
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return tx.Deliveries(func(del *types.Delivery) error {
			if del.Status != types.DeliveryPending || declined(del, userID) {
				return nil
			}
			d, err := tx.Donation(del.DonationID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			out = append(out, &DeliveryView{
				Delivery:           del,
				Donation:           d,
				DistanceToPickupKm: distance(here, del.PickupLocation),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].DistanceToPickupKm, out[j].DistanceToPickupKm
		if (a == nil) != (b == nil) {
			return a != nil
		}
		if a != nil && *a != *b {
			return *a < *b
		}
		return out[i].Delivery.ID < out[j].Delivery.ID
	})
	return out, nil
}

func declined(del *types.Delivery, partnerID string) bool {
	for _, id := range del.DeclinedBy {
		if id == partnerID {
			return true
		}
	}
	return false
}

// partnerDelivery loads the caller's partner record and the delivery.
func partnerDelivery(tx storage.Tx, userID, deliveryID string) (*types.Profile, *types.DeliveryPartner, *types.Delivery, *types.Donation, error) {
	p, err := loadActor(tx, userID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := requireRole(p, types.RoleDeliveryPartner); err != nil {
		return nil, nil, nil, nil, err
	}
	dp, err := tx.Partner(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, nil, nil, invalid("delivery partner details are not set up")
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}
	del, err := loadDelivery(tx, deliveryID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	d, err := loadDonation(tx, del.DonationID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return p, dp, del, d, nil
}

// AcceptDelivery lets a partner take an open job or confirm one assigned to
// them. Taking an open job reserves the partner and moves the donation to
// assigned.
func (c *Coordinator) AcceptDelivery(ctx context.Context, userID, deliveryID string) (*DeliveryView, error) {
	var out *DeliveryView
	err := c.update(ctx, types.Actor{ID: userID, Role: types.RoleDeliveryPartner}, func(ch *change) error {
		p, dp, del, d, err := partnerDelivery(ch.tx, userID, deliveryID)
		if err != nil {
			return err
		}
		if c.cfg.Dispatch.RequireVerifiedPartner && !p.IsVerified {
			return fmt.Errorf("%w: delivery partner %s", ErrNotVerified, userID)
		}

		switch del.Status {
		case types.DeliveryPending:
			if declined(del, userID) {
				return forbidden("delivery %s was declined by %s", del.ID, userID)
			}
			if dp.ActiveDeliveryID != "" {
				return fmt.Errorf("%w: %s already holds delivery %s", ErrPartnerBusy, userID, dp.ActiveDeliveryID)
			}
			del.PartnerID = userID
			if err := ch.moveDelivery(del, d, types.DeliveryAccepted, p.Actor(), ""); err != nil {
				return err
			}
			d.AssignedTo = userID
			d.AssignedAt = timePtr(ch.now)
			if err := ch.moveDonation(d, types.DonationAssigned, p.Actor(), ""); err != nil {
				return err
			}
			if err := ch.reserve(dp, del.ID); err != nil {
				return err
			}
			ch.dispatch = append(ch.dispatch, "accepted")
			if err := ch.notify(d.ClaimedBy, types.NotifyDelivery, d.ID, "Delivery partner assigned",
				"%s accepted the delivery of your claimed donation.", p.FullName); err != nil {
				return err
			}
		case types.DeliveryAssigned:
			if del.PartnerID != userID {
				return forbidden("delivery %s is assigned to another partner", del.ID)
			}
			if err := ch.moveDelivery(del, d, types.DeliveryAccepted, p.Actor(), ""); err != nil {
				return err
			}
		default:
			return lifecycle.CheckDelivery(del.Status, types.DeliveryAccepted, p.Role)
		}
		out = &DeliveryView{Delivery: del, Donation: d}
		return nil
	})
	return out, err
}

// AdvanceDelivery moves a delivery one step along the courier path (or to
// u.To). The assigned partner or an admin may advance. Reaching picked_up or
// delivered drags the donation along; delivered also releases the partner
// and counts the job.
func (c *Coordinator) AdvanceDelivery(ctx context.Context, userID, deliveryID string, u StatusUpdate) (*DeliveryView, error) {
	if u.To == types.DeliveryCancelled {
		return nil, invalid("use decline or cancel to stop a delivery")
	}
	var out *DeliveryView
	err := c.update(ctx, types.Actor{ID: userID}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		ch.actor = p.Actor()
		del, err := loadDelivery(ch.tx, deliveryID)
		if err != nil {
			return err
		}
		switch p.Role {
		case types.RoleAdmin:
		case types.RoleDeliveryPartner:
			if del.PartnerID != p.ID {
				return forbidden("delivery %s is not assigned to %s", del.ID, p.ID)
			}
		default:
			return forbidden("role %q may not advance deliveries", p.Role)
		}
		d, err := loadDonation(ch.tx, del.DonationID)
		if err != nil {
			return err
		}

		to := u.To
		if to == "" {
			next, ok := lifecycle.NextDeliveryStatus(del.Status)
			if !ok {
				return &lifecycle.TransitionError{
					Kind: types.EntityDelivery,
					From: string(del.Status),
					To:   "next",
					Role: p.Role,
					Err:  lifecycle.ErrIllegalTransition,
				}
			}
			to = next
		}

		if notes := strings.TrimSpace(u.Notes); notes != "" {
			del.Notes = notes
		}
		switch to {
		case types.DeliveryPickedUp:
			del.ActualPickupTime = timePtr(ch.now)
			if u.Proof != "" {
				del.ProofOfPickup = u.Proof
			}
		case types.DeliveryDelivered:
			del.ActualDeliveryTime = timePtr(ch.now)
			if u.Proof != "" {
				del.ProofOfDelivery = u.Proof
			}
		}
		if err := ch.moveDelivery(del, d, to, p.Actor(), ""); err != nil {
			return err
		}

		if ds, ok := lifecycle.DonationStatusFor(to); ok {
			switch ds {
			case types.DonationPickedUp:
				d.PickupTime = timePtr(ch.now)
			case types.DonationDelivered:
				d.DeliveryTime = timePtr(ch.now)
			}
			if err := ch.moveDonation(d, ds, p.Actor(), ""); err != nil {
				return err
			}
		}

		switch to {
		case types.DeliveryPickedUp:
			for _, uid := range []string{d.DonorID, d.ClaimedBy} {
				if err := ch.notify(uid, types.NotifyDelivery, d.ID, "Food picked up",
					"%d %s has been picked up and is on its way.", d.Quantity, d.Unit); err != nil {
					return err
				}
			}
		case types.DeliveryDelivered:
			if err := ch.release(del.PartnerID, del.ID, true); err != nil {
				return err
			}
			for _, uid := range []string{d.DonorID, d.ClaimedBy} {
				if err := ch.notify(uid, types.NotifyDelivery, d.ID, "Donation delivered",
					"%d %s was delivered to %s.", d.Quantity, d.Unit, del.DeliveryAddress); err != nil {
					return err
				}
			}
		}
		out = &DeliveryView{Delivery: del, Donation: d}
		return nil
	})
	return out, err
}

// DeclineDelivery lets the holding partner give a job back before pickup.
// The delivery is cancelled, the donation returns to claimed and a fresh
// pending delivery opens; in auto mode it is offered straight to another
// partner, never the one who declined.
func (c *Coordinator) DeclineDelivery(ctx context.Context, userID, deliveryID, reason string) (*DeliveryView, error) {
	reason = strings.TrimSpace(reason)
	var out *DeliveryView
	err := c.update(ctx, types.Actor{ID: userID, Role: types.RoleDeliveryPartner}, func(ch *change) error {
		p, _, del, d, err := partnerDelivery(ch.tx, userID, deliveryID)
		if err != nil {
			return err
		}
		if del.PartnerID != userID {
			return forbidden("delivery %s is not held by %s", del.ID, userID)
		}
		job, err := c.reopen(ch, del, d, p.Actor(), reason, "Delivery partner declined",
			"The delivery partner declined your claimed donation; looking for another.")
		if err != nil {
			return err
		}
		out = &DeliveryView{Delivery: job, Donation: d}
		return nil
	})
	return out, err
}

// reopen cancels del, frees the partner holding it and opens a fresh pending
// job for the same donation, which goes back to claimed. The old partner is
// never offered the new job. The claiming NGO is told with title and msg.
func (c *Coordinator) reopen(ch *change, del *types.Delivery, d *types.Donation, by types.Actor, reason, title, msg string) (*types.Delivery, error) {
	partnerID := del.PartnerID
	if err := ch.moveDelivery(del, d, types.DeliveryCancelled, by, reason); err != nil {
		return nil, err
	}
	if err := ch.release(partnerID, del.ID, false); err != nil {
		return nil, err
	}

	next, err := node.NewID()
	if err != nil {
		return nil, err
	}
	job := &types.Delivery{
		ID:                    next,
		DonationID:            d.ID,
		PickupAddress:         del.PickupAddress,
		PickupLocation:        del.PickupLocation,
		DeliveryAddress:       del.DeliveryAddress,
		DeliveryLocation:      del.DeliveryLocation,
		Status:                types.DeliveryPending,
		EstimatedPickupTime:   timePtr(ch.now.Add(c.cfg.Dispatch.PickupETA())),
		EstimatedDeliveryTime: timePtr(ch.now.Add(c.cfg.Dispatch.DeliveryETA())),
		DistanceKm:            del.DistanceKm,
		DeclinedBy:            append(append([]string(nil), del.DeclinedBy...), partnerID),
		CreatedAt:             ch.now,
		UpdatedAt:             ch.now,
	}

	d.AssignedTo = ""
	d.AssignedAt = nil
	d.DeliveryID = job.ID
	if err := ch.moveDonation(d, types.DonationClaimed, by, reason, partnerID); err != nil {
		return nil, err
	}
	if err := ch.insertDelivery(job, d, by); err != nil {
		return nil, err
	}
	if err := ch.notify(d.ClaimedBy, types.NotifyDelivery, d.ID, title, "%s", msg); err != nil {
		return nil, err
	}
	if err := c.autoDispatch(ch, d, job); err != nil {
		return nil, err
	}
	return job, nil
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/snehjoshi/foodrelay/internal/config"
	"github.com/snehjoshi/foodrelay/internal/lifecycle"
	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

const earthRadiusKm = 6371.0

// haversineKm is the great-circle distance between a and b.
func haversineKm(a, b types.GeoPoint) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// distance returns the rounded distance between two optional points.
func distance(a, b *types.GeoPoint) *float64 {
	if a == nil || b == nil {
		return nil
	}
	km := math.Round(haversineKm(*a, *b)*100) / 100
	return &km
}

func validPoint(p *types.GeoPoint) error {
	if p == nil {
		return nil
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return invalid("location %.6f,%.6f is out of range", p.Lat, p.Lng)
	}
	return nil
}

// candidate is a free partner considered for a job.
type candidate struct {
	partner *types.DeliveryPartner
	km      float64
	located bool
}

// isFree reports whether dp can take a new job right now.
func (c *Coordinator) isFree(tx storage.Tx, dp *types.DeliveryPartner) (bool, error) {
	if !dp.IsAvailable || dp.ActiveDeliveryID != "" {
		return false, nil
	}
	p, err := tx.Profile(dp.ProfileID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !p.IsActive || p.Role != types.RoleDeliveryPartner {
		return false, nil
	}
	if c.cfg.Dispatch.RequireVerifiedPartner && !p.IsVerified {
		return false, nil
	}
	return true, nil
}

// selectPartner picks the free partner closest to pickup. Partners without a
// known location rank after located ones; ties go to the partner idle the
// longest, then the lowest ID. Returns nil when nobody is free.
func (c *Coordinator) selectPartner(tx storage.Tx, pickup *types.GeoPoint, exclude []string) (*types.DeliveryPartner, error) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var cands []candidate
	err := tx.Partners(func(dp *types.DeliveryPartner) error {
		if skip[dp.ProfileID] {
			return nil
		}
		ok, err := c.isFree(tx, dp)
		if err != nil || !ok {
			return err
		}
		cd := candidate{partner: dp}
		if pickup != nil && dp.Location != nil {
			cd.km = haversineKm(*pickup, *dp.Location)
			cd.located = true
		}
		cands = append(cands, cd)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: scan partners: %w", err)
	}
	if len(cands) == 0 {
		return nil, nil
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.located != b.located {
			return a.located
		}
		if a.located && a.km != b.km {
			return a.km < b.km
		}
		if !a.partner.UpdatedAt.Equal(b.partner.UpdatedAt) {
			return a.partner.UpdatedAt.Before(b.partner.UpdatedAt)
		}
		return a.partner.ProfileID < b.partner.ProfileID
	})
	return cands[0].partner, nil
}

// assign hands a pending delivery to dp: delivery pending → assigned,
// donation claimed → assigned, partner reserved.
func (ch *change) assign(d *types.Donation, del *types.Delivery, dp *types.DeliveryPartner, by types.Actor) error {
	del.PartnerID = dp.ProfileID
	if err := ch.moveDelivery(del, d, types.DeliveryAssigned, by, ""); err != nil {
		return err
	}
	d.AssignedTo = dp.ProfileID
	d.AssignedAt = timePtr(ch.now)
	if err := ch.moveDonation(d, types.DonationAssigned, by, ""); err != nil {
		return err
	}
	if err := ch.reserve(dp, del.ID); err != nil {
		return err
	}
	return ch.notifyAssigned(d, del)
}

func (ch *change) reserve(dp *types.DeliveryPartner, deliveryID string) error {
	dp.ActiveDeliveryID = deliveryID
	dp.UpdatedAt = ch.now
	if err := ch.tx.PutPartner(dp); err != nil {
		return fmt.Errorf("coordinator: reserve partner %s: %w", dp.ProfileID, err)
	}
	return nil
}

// release frees the partner holding deliveryID. completed counts the job.
func (ch *change) release(partnerID, deliveryID string, completed bool) error {
	if partnerID == "" {
		return nil
	}
	dp, err := ch.tx.Partner(partnerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if dp.ActiveDeliveryID == deliveryID {
		dp.ActiveDeliveryID = ""
	}
	if completed {
		dp.TotalDeliveries++
	}
	dp.UpdatedAt = ch.now
	if err := ch.tx.PutPartner(dp); err != nil {
		return fmt.Errorf("coordinator: release partner %s: %w", partnerID, err)
	}
	return nil
}

// standDown takes a deactivated partner off duty. A job they hold that is
// still before pickup is reopened for someone else; food already on board
// keeps them busy and the deactivation fails with ErrPartnerBusy.
func (c *Coordinator) standDown(ch *change, partnerID string, by types.Actor) error {
	dp, err := ch.tx.Partner(partnerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if dp.ActiveDeliveryID != "" {
		del, err := loadDelivery(ch.tx, dp.ActiveDeliveryID)
		if err != nil {
			return err
		}
		if del.PartnerID == partnerID && lifecycle.IsActiveDelivery(del.Status) {
			if !lifecycle.IsDeliveryPrePickup(del.Status) {
				return fmt.Errorf("%w: %s is carrying delivery %s", ErrPartnerBusy, partnerID, del.ID)
			}
			d, err := loadDonation(ch.tx, del.DonationID)
			if err != nil {
				return err
			}
			if _, err := c.reopen(ch, del, d, by, "delivery partner deactivated", "Delivery partner unavailable",
				"Your delivery partner is no longer available; looking for another."); err != nil {
				return err
			}
		}
		if dp, err = ch.tx.Partner(partnerID); err != nil {
			return err
		}
	}
	if !dp.IsAvailable {
		return nil
	}
	dp.IsAvailable = false
	dp.UpdatedAt = ch.now
	return ch.tx.PutPartner(dp)
}

func (ch *change) notifyAssigned(d *types.Donation, del *types.Delivery) error {
	if err := ch.notify(del.PartnerID, types.NotifyDelivery, del.ID, "New delivery assigned",
		"Pick up %d %s from %s.", d.Quantity, d.Unit, del.PickupAddress); err != nil {
		return err
	}
	return ch.notify(d.ClaimedBy, types.NotifyDelivery, d.ID, "Delivery partner assigned",
		"A delivery partner is on the way for your claimed donation.")
}

// autoDispatch assigns a pending delivery to the best free partner when the
// server runs in auto mode. It is a no-op otherwise or when nobody is free.
func (c *Coordinator) autoDispatch(ch *change, d *types.Donation, del *types.Delivery) error {
	if c.cfg.Dispatch.Mode != config.DispatchAuto {
		ch.dispatch = append(ch.dispatch, "pending")
		return nil
	}
	dp, err := c.selectPartner(ch.tx, d.PickupLocation, del.DeclinedBy)
	if err != nil {
		return err
	}
	if dp == nil {
		ch.dispatch = append(ch.dispatch, "pending")
		return nil
	}
	ch.dispatch = append(ch.dispatch, "assigned")
	return ch.assign(d, del, dp, types.SystemActor)
}

// dispatchOldestPending gives dp the oldest open job it has not declined.
func (c *Coordinator) dispatchOldestPending(ch *change, dp *types.DeliveryPartner) error {
	var job *types.Delivery
	errStop := errors.New("stop")
	err := ch.tx.Deliveries(func(del *types.Delivery) error {
		if del.Status != types.DeliveryPending {
			return nil
		}
		for _, id := range del.DeclinedBy {
			if id == dp.ProfileID {
				return nil
			}
		}
		job = del
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return err
	}
	if job == nil {
		return nil
	}
	d, err := loadDonation(ch.tx, job.DonationID)
	if err != nil {
		return err
	}
	if d.Status != types.DonationClaimed {
		return nil
	}
	ch.dispatch = append(ch.dispatch, "assigned")
	return ch.assign(d, job, dp, types.SystemActor)
}

// ─── partner operations ───────────────────────────────────────────────────────

// SetAvailability puts the caller on or off duty. Coming on duty in auto mode
// immediately hands them the oldest open job, if any.
func (c *Coordinator) SetAvailability(ctx context.Context, userID string, available bool) (*types.DeliveryPartner, error) {
	var out *types.DeliveryPartner
	err := c.update(ctx, types.Actor{ID: userID, Role: types.RoleDeliveryPartner}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(p, types.RoleDeliveryPartner); err != nil {
			return err
		}
		dp, err := ch.tx.Partner(userID)
		if errors.Is(err, storage.ErrNotFound) {
			return invalid("delivery partner details are not set up")
		}
		if err != nil {
			return err
		}
		dp.IsAvailable = available
		dp.UpdatedAt = ch.now
		if err := ch.tx.PutPartner(dp); err != nil {
			return err
		}
		out = dp
		if !available || c.cfg.Dispatch.Mode != config.DispatchAuto {
			return nil
		}
		free, err := c.isFree(ch.tx, dp)
		if err != nil || !free {
			return err
		}
		return c.dispatchOldestPending(ch, dp)
	})
	return out, err
}

// UpdateLocation records the caller's current position.
func (c *Coordinator) UpdateLocation(ctx context.Context, userID string, at types.GeoPoint) (*types.DeliveryPartner, error) {
	if err := validPoint(&at); err != nil {
		return nil, err
	}
	var out *types.DeliveryPartner
	err := c.update(ctx, types.Actor{ID: userID, Role: types.RoleDeliveryPartner}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(p, types.RoleDeliveryPartner); err != nil {
			return err
		}
		dp, err := ch.tx.Partner(userID)
		if errors.Is(err, storage.ErrNotFound) {
			return invalid("delivery partner details are not set up")
		}
		if err != nil {
			return err
		}
		dp.Location = &at
		dp.UpdatedAt = ch.now
		out = dp
		return ch.tx.PutPartner(dp)
	})
	return out, err
}

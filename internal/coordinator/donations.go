package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/snehjoshi/foodrelay/internal/config"
	"github.com/snehjoshi/foodrelay/internal/lifecycle"
	"github.com/snehjoshi/foodrelay/internal/node"
	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

// addressNotSet is the drop-off address used when the NGO has none on file.
const addressNotSet = "Address not set"

// DonationInput is the payload for listing a donation.
type DonationInput struct {
	FoodType           types.FoodType  `json:"food_type"`
	FoodCategory       string          `json:"food_category"`
	Quantity           int             `json:"quantity"`
	Unit               string          `json:"unit"`
	Description        string          `json:"description,omitempty"`
	PreparationTime    *time.Time      `json:"preparation_time,omitempty"`
	ExpiryTime         time.Time       `json:"expiry_time"`
	PickupAddress      string          `json:"pickup_address"`
	PickupLocation     *types.GeoPoint `json:"pickup_location,omitempty"`
	PickupInstructions string          `json:"pickup_instructions,omitempty"`
	FoodImages         []string        `json:"food_images,omitempty"`
}

func (in *DonationInput) validate(now time.Time, maxListing time.Duration) error {
	if !in.FoodType.Valid() {
		return invalid("unknown food_type %q", in.FoodType)
	}
	if in.Quantity <= 0 {
		return invalid("quantity must be positive")
	}
	if strings.TrimSpace(in.Unit) == "" {
		return invalid("unit is required")
	}
	if strings.TrimSpace(in.PickupAddress) == "" {
		return invalid("pickup_address is required")
	}
	if !in.ExpiryTime.After(now) {
		return invalid("expiry_time must be in the future")
	}
	if maxListing > 0 && in.ExpiryTime.After(now.Add(maxListing)) {
		return invalid("expiry_time may be at most %s ahead", maxListing)
	}
	if in.PreparationTime != nil && in.PreparationTime.After(in.ExpiryTime) {
		return invalid("preparation_time is after expiry_time")
	}
	return validPoint(in.PickupLocation)
}

// DonationFilter narrows ListDonations.
type DonationFilter struct {
	Status types.DonationStatus
	// Mine restricts to donations the caller listed (donor), claimed (NGO) or
	// carries (delivery partner).
	Mine bool
}

// ClaimResult is the outcome of a successful claim.
type ClaimResult struct {
	Donation *types.Donation `json:"donation"`
	Delivery *types.Delivery `json:"delivery"`
}

// CreateDonation lists surplus food on behalf of a donor and schedules its
// expiry.
func (c *Coordinator) CreateDonation(ctx context.Context, userID string, in DonationInput) (*types.Donation, error) {
	now := c.clock()
	var maxListing time.Duration
	if c.cfg.Expiry.MaxListingHours > 0 {
		maxListing = time.Duration(c.cfg.Expiry.MaxListingHours) * time.Hour
	}
	if err := in.validate(now, maxListing); err != nil {
		return nil, err
	}

	var out *types.Donation
	err := c.update(ctx, types.Actor{ID: userID, Role: types.RoleDonor}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(p, types.RoleDonor); err != nil {
			return err
		}
		id, err := node.NewID()
		if err != nil {
			return err
		}
		d := &types.Donation{
			ID:                 id,
			DonorID:            userID,
			FoodType:           in.FoodType,
			FoodCategory:       in.FoodCategory,
			Quantity:           in.Quantity,
			Unit:               strings.TrimSpace(in.Unit),
			Description:        in.Description,
			PreparationTime:    in.PreparationTime,
			ExpiryTime:         in.ExpiryTime.UTC(),
			PickupAddress:      strings.TrimSpace(in.PickupAddress),
			PickupLocation:     in.PickupLocation,
			PickupInstructions: in.PickupInstructions,
			FoodImages:         in.FoodImages,
			Status:             types.DonationAvailable,
			CreatedAt:          ch.now,
			UpdatedAt:          ch.now,
		}
		if d.FoodImages == nil {
			d.FoodImages = []string{}
		}
		if err := ch.tx.PutDonation(d); err != nil {
			return fmt.Errorf("coordinator: write donation: %w", err)
		}
		if err := ch.record(types.EntityDonation, d.ID, d, "", string(d.Status), "", p.Actor()); err != nil {
			return err
		}
		ch.schedule[d.ID] = d.ExpiryTime
		out = d
		return nil
	})
	return out, err
}

// canViewDonation applies the read policy: admins see everything, donors their
// own listings, NGOs open listings and their claims, partners what they carry
// and open jobs.
func canViewDonation(p *types.Profile, d *types.Donation, del *types.Delivery) bool {
	switch p.Role {
	case types.RoleAdmin:
		return true
	case types.RoleDonor:
		return d.DonorID == p.ID
	case types.RoleNGO:
		return d.Status == types.DonationAvailable || d.ClaimedBy == p.ID
	case types.RoleDeliveryPartner:
		if d.AssignedTo == p.ID {
			return true
		}
		return del != nil && (del.PartnerID == p.ID || del.Status == types.DeliveryPending)
	}
	return false
}

func currentDelivery(tx storage.Tx, d *types.Donation) (*types.Delivery, error) {
	if d.DeliveryID == "" {
		return nil, nil
	}
	del, err := tx.Delivery(d.DeliveryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return del, err
}

func isMine(p *types.Profile, d *types.Donation) bool {
	switch p.Role {
	case types.RoleDonor:
		return d.DonorID == p.ID
	case types.RoleNGO:
		return d.ClaimedBy == p.ID
	case types.RoleDeliveryPartner:
		return d.AssignedTo == p.ID
	}
	return true
}

// Donation returns one donation if the caller may see it.
func (c *Coordinator) Donation(ctx context.Context, userID, id string) (*types.Donation, error) {
	var out *types.Donation
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		d, err := loadDonation(tx, id)
		if err != nil {
			return err
		}
		del, err := currentDelivery(tx, d)
		if err != nil {
			return err
		}
		if !canViewDonation(p, d, del) {
			return forbidden("donation %s is not visible to %s", id, userID)
		}
		out = d
		return nil
	})
	return out, err
}

// ListDonations returns the donations visible to the caller, newest first.
func (c *Coordinator) ListDonations(ctx context.Context, userID string, f DonationFilter) ([]*types.Donation, error) {
	out := []*types.Donation{}
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		return tx.Donations(func(d *types.Donation) error {
			if f.Status != "" && d.Status != f.Status {
				return nil
			}
			if f.Mine && !isMine(p, d) {
				return nil
			}
			del, err := currentDelivery(tx, d)
			if err != nil {
				return err
			}
			if canViewDonation(p, d, del) {
				out = append(out, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// History returns the audit trail of a donation and its deliveries.
func (c *Coordinator) History(ctx context.Context, userID, donationID string) ([]types.Event, error) {
	out := []types.Event{}
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		d, err := loadDonation(tx, donationID)
		if err != nil {
			return err
		}
		del, err := currentDelivery(tx, d)
		if err != nil {
			return err
		}
		if !canViewDonation(p, d, del) && !isParty(p.ID, d) {
			return forbidden("donation %s is not visible to %s", donationID, userID)
		}
		return tx.Events(donationID, func(e *types.Event) error {
			out = append(out, *e)
			return nil
		})
	})
	return out, err
}

func isParty(userID string, d *types.Donation) bool {
	for _, id := range parties(d) {
		if id == userID {
			return true
		}
	}
	return false
}

// CanView reports whether userID may watch donationID's events. The
// WebSocket feed uses it before subscribing.
func (c *Coordinator) CanView(ctx context.Context, userID, donationID string) error {
	_, err := c.History(ctx, userID, donationID)
	return err
}

// IsAdmin reports whether userID is an active admin.
func (c *Coordinator) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		ok = p.Role == types.RoleAdmin
		return nil
	})
	return ok, err
}

// ─── claim ────────────────────────────────────────────────────────────────────

// Claim reserves an available donation for an NGO and opens its delivery.
//
// In auto dispatch mode with a free partner the donation goes straight to
// assigned; otherwise it is claimed with a pending job on the board. A
// donation whose expiry has already passed is expired in the same
// transaction and the call fails with ErrExpired.
func (c *Coordinator) Claim(ctx context.Context, userID, donationID string) (*ClaimResult, error) {
	var (
		out     *ClaimResult
		expired bool
	)
	err := c.update(ctx, types.Actor{ID: userID, Role: types.RoleNGO}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(p, types.RoleNGO); err != nil {
			return err
		}
		if c.cfg.Dispatch.RequireVerifiedNGO && !p.IsVerified {
			return fmt.Errorf("%w: NGO %s", ErrNotVerified, userID)
		}
		d, err := loadDonation(ch.tx, donationID)
		if err != nil {
			return err
		}
		if d.Status == types.DonationAvailable && !d.ExpiryTime.After(ch.now) {
			expired = true
			return c.expire(ch, d, "expiry time passed before claim")
		}
		if err := lifecycle.CheckDonation(d.Status, types.DonationClaimed, p.Role); err != nil {
			return err
		}

		delID, err := node.NewID()
		if err != nil {
			return err
		}
		dropAddr := strings.TrimSpace(p.Address)
		if dropAddr == "" {
			dropAddr = addressNotSet
		}
		del := &types.Delivery{
			ID:                    delID,
			DonationID:            d.ID,
			PickupAddress:         d.PickupAddress,
			PickupLocation:        d.PickupLocation,
			DeliveryAddress:       dropAddr,
			DeliveryLocation:      p.Location,
			Status:                types.DeliveryPending,
			EstimatedPickupTime:   timePtr(ch.now.Add(c.cfg.Dispatch.PickupETA())),
			EstimatedDeliveryTime: timePtr(ch.now.Add(c.cfg.Dispatch.DeliveryETA())),
			DistanceKm:            distance(d.PickupLocation, p.Location),
			CreatedAt:             ch.now,
			UpdatedAt:             ch.now,
		}

		d.ClaimedBy = p.ID
		d.ClaimedAt = timePtr(ch.now)
		d.DeliveryID = del.ID

		var dp *types.DeliveryPartner
		if c.cfg.Dispatch.Mode == config.DispatchAuto {
			if dp, err = c.selectPartner(ch.tx, d.PickupLocation, nil); err != nil {
				return err
			}
		}

		if dp == nil {
			ch.dispatch = append(ch.dispatch, "pending")
			if err := ch.moveDonation(d, types.DonationClaimed, p.Actor(), ""); err != nil {
				return err
			}
			if err := ch.insertDelivery(del, d, p.Actor()); err != nil {
				return err
			}
		} else {
			ch.dispatch = append(ch.dispatch, "assigned")
			d.AssignedTo = dp.ProfileID
			d.AssignedAt = timePtr(ch.now)
			if err := ch.moveDonation(d, types.DonationAssigned, p.Actor(), ""); err != nil {
				return err
			}
			del.Status = types.DeliveryAssigned
			del.PartnerID = dp.ProfileID
			if err := ch.insertDelivery(del, d, types.SystemActor); err != nil {
				return err
			}
			if err := ch.reserve(dp, del.ID); err != nil {
				return err
			}
			if err := ch.notifyAssigned(d, del); err != nil {
				return err
			}
		}

		if err := ch.notify(d.DonorID, types.NotifyDonation, d.ID, "Donation claimed",
			"Your donation of %d %s was claimed by %s.", d.Quantity, d.Unit, p.FullName); err != nil {
			return err
		}
		out = &ClaimResult{Donation: d, Delivery: del}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: %s", ErrExpired, donationID)
	}
	return out, nil
}

// Assign hands the open job of a claimed donation to a specific partner.
// Admin only.
func (c *Coordinator) Assign(ctx context.Context, adminID, donationID, partnerID string) (*ClaimResult, error) {
	var out *ClaimResult
	err := c.update(ctx, types.Actor{ID: adminID, Role: types.RoleAdmin}, func(ch *change) error {
		admin, err := loadActor(ch.tx, adminID)
		if err != nil {
			return err
		}
		if err := requireRole(admin, types.RoleAdmin); err != nil {
			return err
		}
		d, err := loadDonation(ch.tx, donationID)
		if err != nil {
			return err
		}
		del, err := currentDelivery(ch.tx, d)
		if err != nil {
			return err
		}
		if del == nil || del.Status != types.DeliveryPending {
			return &lifecycle.TransitionError{
				Kind: types.EntityDonation,
				From: string(d.Status),
				To:   string(types.DonationAssigned),
				Role: admin.Role,
				Err:  lifecycle.ErrIllegalTransition,
			}
		}
		dp, err := ch.tx.Partner(partnerID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s is not a delivery partner", ErrNoPartner, partnerID)
		}
		if err != nil {
			return err
		}
		free, err := c.isFree(ch.tx, dp)
		if err != nil {
			return err
		}
		if !free {
			return fmt.Errorf("%w: %s", ErrPartnerBusy, partnerID)
		}
		if err := ch.assign(d, del, dp, admin.Actor()); err != nil {
			return err
		}
		ch.dispatch = append(ch.dispatch, "assigned")
		out = &ClaimResult{Donation: d, Delivery: del}
		return nil
	})
	return out, err
}

// ─── cancel / expire ──────────────────────────────────────────────────────────

// CancelDonation withdraws a donation before pickup. The donor who listed it,
// the NGO that claimed it or an admin may cancel. Any open delivery is
// cancelled with it and its partner released.
func (c *Coordinator) CancelDonation(ctx context.Context, userID, donationID, reason string) (*types.Donation, error) {
	var out *types.Donation
	err := c.update(ctx, types.Actor{ID: userID}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		ch.actor = p.Actor()
		d, err := loadDonation(ch.tx, donationID)
		if err != nil {
			return err
		}
		switch p.Role {
		case types.RoleAdmin:
		case types.RoleDonor:
			if d.DonorID != p.ID {
				return forbidden("donation %s belongs to another donor", d.ID)
			}
		case types.RoleNGO:
			if d.ClaimedBy != p.ID {
				return forbidden("donation %s was not claimed by %s", d.ID, p.ID)
			}
		default:
			return forbidden("role %q may not cancel donations", p.Role)
		}
		reason = strings.TrimSpace(reason)
		d.CancellationReason = reason
		if err := c.terminate(ch, d, types.DonationCancelled, p.Actor(), reason); err != nil {
			return err
		}
		for _, uid := range parties(d) {
			if err := ch.notify(uid, types.NotifyAlert, d.ID, "Donation cancelled",
				"The donation of %d %s was cancelled. %s", d.Quantity, d.Unit, reason); err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	return out, err
}

// ExpireDonation moves a donation past its expiry time to expired. It is
// idempotent: donations already picked up or finished, or whose expiry is
// still ahead, are left alone (and rescheduled in the latter case).
func (c *Coordinator) ExpireDonation(ctx context.Context, donationID string) error {
	return c.update(ctx, types.SystemActor, func(ch *change) error {
		d, err := ch.tx.Donation(donationID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !lifecycle.IsPrePickup(d.Status) {
			return nil
		}
		if d.ExpiryTime.After(ch.now) {
			ch.schedule[d.ID] = d.ExpiryTime
			return nil
		}
		return c.expire(ch, d, "expiry time passed")
	})
}

func (c *Coordinator) expire(ch *change, d *types.Donation, reason string) error {
	if err := c.terminate(ch, d, types.DonationExpired, types.SystemActor, reason); err != nil {
		return err
	}
	ch.expired++
	if err := ch.notify(d.DonorID, types.NotifyAlert, d.ID, "Donation expired",
		"Your donation of %d %s expired before it was picked up.", d.Quantity, d.Unit); err != nil {
		return err
	}
	return ch.notify(d.ClaimedBy, types.NotifyAlert, d.ID, "Claimed donation expired",
		"A donation you claimed expired before pickup.")
}

// terminate moves a pre-pickup donation to cancelled or expired and cancels
// its delivery.
func (c *Coordinator) terminate(ch *change, d *types.Donation, to types.DonationStatus, by types.Actor, reason string) error {
	if err := lifecycle.CheckDonation(d.Status, to, by.Role); err != nil {
		return err
	}
	del, err := currentDelivery(ch.tx, d)
	if err != nil {
		return err
	}
	if err := ch.moveDonation(d, to, by, reason); err != nil {
		return err
	}
	ch.unschedule[d.ID] = struct{}{}
	if del == nil || lifecycle.IsTerminalDelivery(del.Status) {
		return nil
	}
	if err := ch.moveDelivery(del, d, types.DeliveryCancelled, by, reason); err != nil {
		return err
	}
	return ch.release(del.PartnerID, del.ID, false)
}

// LoadExpiries schedules every pre-pickup donation with the expiry
// scheduler. The server calls it once at start-up.
func (c *Coordinator) LoadExpiries(ctx context.Context) (int, error) {
	if c.expiry == nil {
		return 0, nil
	}
	n := 0
	err := c.view(ctx, func(tx storage.Tx) error {
		return tx.Donations(func(d *types.Donation) error {
			if lifecycle.IsPrePickup(d.Status) {
				c.expiry.Schedule(d.ID, d.ExpiryTime)
				n++
			}
			return nil
		})
	})
	return n, err
}

package coordinator

import (
	"context"
	"errors"

	"github.com/snehjoshi/foodrelay/internal/lifecycle"
	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

// AdminStats is the platform overview shown to administrators.
type AdminStats struct {
	TotalDonors           int `json:"total_donors"`
	TotalNGOs             int `json:"total_ngos"`
	TotalDeliveryPartners int `json:"total_delivery_partners"`
	TotalDonations        int `json:"total_donations"`
	ActiveDonations       int `json:"active_donations"`
	CompletedDonations    int `json:"completed_donations"`
	ExpiredDonations      int `json:"expired_donations"`
	CancelledDonations    int `json:"cancelled_donations"`
	TotalDeliveries       int `json:"total_deliveries"`
	ActiveDeliveries      int `json:"active_deliveries"`
	OpenRequests          int `json:"open_requests"`
	// PendingVerifications counts donor organisations whose profile is not
	// verified plus NGOs whose documents are not verified.
	PendingVerifications int `json:"pending_verifications"`
}

// UserStats is the dashboard summary for one user.
type UserStats struct {
	Role      types.Role `json:"role"`
	Total     int        `json:"total"`
	Active    int        `json:"active"`
	Completed int        `json:"completed"`
	Cancelled int        `json:"cancelled"`

	OpenRequests    int     `json:"open_requests,omitempty"`
	TotalDeliveries int     `json:"total_deliveries,omitempty"`
	Rating          float64 `json:"rating,omitempty"`
	IsAvailable     bool    `json:"is_available,omitempty"`
}

func isActiveDonation(s types.DonationStatus) bool {
	for _, a := range lifecycle.ActiveDonationStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// AdminStats computes the platform overview. Admin only.
func (c *Coordinator) AdminStats(ctx context.Context, userID string) (*AdminStats, error) {
	s := &AdminStats{}
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(p, types.RoleAdmin); err != nil {
			return err
		}
		if err := tx.Profiles(func(pr *types.Profile) error {
			switch pr.Role {
			case types.RoleDonor:
				s.TotalDonors++
				if _, err := tx.DonorOrganization(pr.ID); err == nil && !pr.IsVerified {
					s.PendingVerifications++
				} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
			case types.RoleNGO:
				s.TotalNGOs++
				if org, err := tx.NGOOrganization(pr.ID); err == nil && !org.DocumentsVerified {
					s.PendingVerifications++
				} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
			case types.RoleDeliveryPartner:
				s.TotalDeliveryPartners++
			}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Donations(func(d *types.Donation) error {
			s.TotalDonations++
			switch {
			case isActiveDonation(d.Status):
				s.ActiveDonations++
			case d.Status == types.DonationDelivered:
				s.CompletedDonations++
			case d.Status == types.DonationExpired:
				s.ExpiredDonations++
			case d.Status == types.DonationCancelled:
				s.CancelledDonations++
			}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Deliveries(func(del *types.Delivery) error {
			s.TotalDeliveries++
			if lifecycle.IsActiveDelivery(del.Status) {
				s.ActiveDeliveries++
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Requests(func(r *types.NGORequest) error {
			if r.Status == types.RequestOpen {
				s.OpenRequests++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MyStats summarises the caller's own work: listings for donors, claims for
// NGOs, deliveries for partners and the whole platform for admins.
func (c *Coordinator) MyStats(ctx context.Context, userID string) (*UserStats, error) {
	var s *UserStats
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		s = &UserStats{Role: p.Role}
		switch p.Role {
		case types.RoleDeliveryPartner:
			if dp, err := tx.Partner(p.ID); err == nil {
				s.TotalDeliveries = dp.TotalDeliveries
				s.Rating = dp.Rating
				s.IsAvailable = dp.IsAvailable
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			return tx.Deliveries(func(del *types.Delivery) error {
				if del.PartnerID != p.ID {
					return nil
				}
				s.Total++
				switch {
				case lifecycle.IsActiveDelivery(del.Status):
					s.Active++
				case del.Status == types.DeliveryDelivered:
					s.Completed++
				case del.Status == types.DeliveryCancelled:
					s.Cancelled++
				}
				return nil
			})
		case types.RoleNGO:
			if err := tx.Requests(func(r *types.NGORequest) error {
				if r.NGOID == p.ID && r.Status == types.RequestOpen {
					s.OpenRequests++
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return tx.Donations(func(d *types.Donation) error {
			if !isMine(p, d) {
				return nil
			}
			s.Total++
			switch {
			case isActiveDonation(d.Status):
				s.Active++
			case d.Status == types.DonationDelivered:
				s.Completed++
			case d.Status == types.DonationCancelled, d.Status == types.DonationExpired:
				s.Cancelled++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

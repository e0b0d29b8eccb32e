package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strings"

	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

// userIDPattern is the identity provider's ID alphabet: UUIDs, ULIDs and
// "provider|subject" style IDs all fit.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@:|+-]{0,127}$`)

// ProfileInput is the registration payload.
type ProfileInput struct {
	Email     string          `json:"email"`
	FullName  string          `json:"full_name"`
	Phone     string          `json:"phone"`
	Role      types.Role      `json:"role"`
	AvatarURL string          `json:"avatar_url,omitempty"`
	Address   string          `json:"address,omitempty"`
	City      string          `json:"city"`
	State     string          `json:"state"`
	Pincode   string          `json:"pincode,omitempty"`
	Location  *types.GeoPoint `json:"location,omitempty"`
}

func (in *ProfileInput) validate() error {
	if !in.Role.Valid() {
		return invalid("unknown role %q", in.Role)
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return invalid("email %q is not valid", in.Email)
	}
	if strings.TrimSpace(in.FullName) == "" {
		return invalid("full_name is required")
	}
	return validPoint(in.Location)
}

// ProfileView is a profile together with its role-specific record.
type ProfileView struct {
	Profile           *types.Profile           `json:"profile"`
	DonorOrganization *types.DonorOrganization `json:"donor_organization,omitempty"`
	NGOOrganization   *types.NGOOrganization   `json:"ngo_organization,omitempty"`
	Partner           *types.DeliveryPartner   `json:"delivery_partner,omitempty"`
}

// Register creates the profile for an identity-provider user. The admin role
// is only granted to IDs listed in auth.admin_ids; admins start verified.
func (c *Coordinator) Register(ctx context.Context, userID string, in ProfileInput) (*types.Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthenticated
	}
	if !userIDPattern.MatchString(userID) {
		return nil, invalid("user id %q contains unsupported characters", userID)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Role == types.RoleAdmin && !c.cfg.IsAdminID(userID) {
		return nil, forbidden("user %s may not register as admin", userID)
	}

	var out *types.Profile
	err := c.update(ctx, types.Actor{ID: userID, Role: in.Role}, func(ch *change) error {
		if _, err := ch.tx.Profile(userID); err == nil {
			return fmt.Errorf("%w: profile %s", ErrExists, userID)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		p := &types.Profile{
			ID:         userID,
			Email:      strings.TrimSpace(in.Email),
			FullName:   strings.TrimSpace(in.FullName),
			Phone:      in.Phone,
			Role:       in.Role,
			AvatarURL:  in.AvatarURL,
			Address:    in.Address,
			City:       in.City,
			State:      in.State,
			Pincode:    in.Pincode,
			Location:   in.Location,
			IsVerified: in.Role == types.RoleAdmin,
			IsActive:   true,
			CreatedAt:  ch.now,
			UpdatedAt:  ch.now,
		}
		if err := ch.tx.PutProfile(p); err != nil {
			return fmt.Errorf("coordinator: write profile: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("profile registered", "id", userID, "role", in.Role)
	return out, nil
}

// Profile returns the profile and role record of userID. Deactivated users
// can still read their own profile.
func (c *Coordinator) Profile(ctx context.Context, userID string) (*ProfileView, error) {
	var out *ProfileView
	err := c.view(ctx, func(tx storage.Tx) error {
		p, err := tx.Profile(userID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnauthenticated, userID)
		}
		if err != nil {
			return err
		}
		out, err = profileView(tx, p)
		return err
	})
	return out, err
}

func profileView(tx storage.Tx, p *types.Profile) (*ProfileView, error) {
	v := &ProfileView{Profile: p}
	var err error
	switch p.Role {
	case types.RoleDonor:
		v.DonorOrganization, err = tx.DonorOrganization(p.ID)
	case types.RoleNGO:
		v.NGOOrganization, err = tx.NGOOrganization(p.ID)
	case types.RoleDeliveryPartner:
		v.Partner, err = tx.Partner(p.ID)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return v, nil
}

// ListProfiles returns every profile, newest first, optionally filtered by
// role. Admin only.
func (c *Coordinator) ListProfiles(ctx context.Context, userID string, role types.Role) ([]*ProfileView, error) {
	if role != "" && !role.Valid() {
		return nil, invalid("unknown role %q", role)
	}
	var out []*ProfileView
	err := c.view(ctx, func(tx storage.Tx) error {
		actor, err := loadActor(tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(actor, types.RoleAdmin); err != nil {
			return err
		}
		return tx.Profiles(func(p *types.Profile) error {
			if role != "" && p.Role != role {
				return nil
			}
			v, err := profileView(tx, p)
			if err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Profile.CreatedAt.After(out[j].Profile.CreatedAt)
	})
	return out, nil
}

// VerifyProfile marks a profile verified. For NGOs it also marks the
// organisation's documents verified. Admin only.
func (c *Coordinator) VerifyProfile(ctx context.Context, adminID, profileID string) (*types.Profile, error) {
	var out *types.Profile
	err := c.update(ctx, types.Actor{ID: adminID, Role: types.RoleAdmin}, func(ch *change) error {
		admin, err := loadActor(ch.tx, adminID)
		if err != nil {
			return err
		}
		if err := requireRole(admin, types.RoleAdmin); err != nil {
			return err
		}
		p, err := ch.tx.Profile(profileID)
		if err != nil {
			return fmt.Errorf("coordinator: profile %s: %w", profileID, err)
		}
		p.IsVerified = true
		p.UpdatedAt = ch.now
		if err := ch.tx.PutProfile(p); err != nil {
			return err
		}
		if p.Role == types.RoleNGO {
			org, err := ch.tx.NGOOrganization(p.ID)
			switch {
			case err == nil:
				org.DocumentsVerified = true
				org.UpdatedAt = ch.now
				if err := ch.tx.PutNGOOrganization(org); err != nil {
					return err
				}
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}
		out = p
		return ch.notify(p.ID, types.NotifySystem, p.ID, "Account verified",
			"Your %s account has been verified.", roleLabel(p.Role))
	})
	return out, err
}

// SetProfileActive activates or deactivates a profile. Deactivating a
// delivery partner also takes them off duty and reopens a job they hold that
// is not yet picked up. Admin only; admins cannot deactivate themselves.
func (c *Coordinator) SetProfileActive(ctx context.Context, adminID, profileID string, active bool) (*types.Profile, error) {
	if adminID == profileID && !active {
		return nil, invalid("admins cannot deactivate their own account")
	}
	var out *types.Profile
	err := c.update(ctx, types.Actor{ID: adminID, Role: types.RoleAdmin}, func(ch *change) error {
		admin, err := loadActor(ch.tx, adminID)
		if err != nil {
			return err
		}
		if err := requireRole(admin, types.RoleAdmin); err != nil {
			return err
		}
		p, err := ch.tx.Profile(profileID)
		if err != nil {
			return fmt.Errorf("coordinator: profile %s: %w", profileID, err)
		}
		p.IsActive = active
		p.UpdatedAt = ch.now
		if err := ch.tx.PutProfile(p); err != nil {
			return err
		}
		if !active && p.Role == types.RoleDeliveryPartner {
			if err := c.standDown(ch, p.ID, admin.Actor()); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	return out, err
}

// ─── organisations ────────────────────────────────────────────────────────────

// DonorOrganizationInput describes a donor's business.
type DonorOrganizationInput struct {
	OrganizationName string `json:"organization_name"`
	OrganizationType string `json:"organization_type"`
	FSSAILicense     string `json:"fssai_license,omitempty"`
	GSTNumber        string `json:"gst_number,omitempty"`
	OperatingHours   string `json:"operating_hours,omitempty"`
}

// SetupDonorOrganization creates or replaces the caller's donor organisation.
func (c *Coordinator) SetupDonorOrganization(ctx context.Context, userID string, in DonorOrganizationInput) (*types.DonorOrganization, error) {
	if strings.TrimSpace(in.OrganizationName) == "" {
		return nil, invalid("organization_name is required")
	}
	var out *types.DonorOrganization
	err := c.update(ctx, types.Actor{ID: userID, Role: types.RoleDonor}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(p, types.RoleDonor); err != nil {
			return err
		}
		org := &types.DonorOrganization{ProfileID: userID, CreatedAt: ch.now}
		if prev, err := ch.tx.DonorOrganization(userID); err == nil {
			org.CreatedAt = prev.CreatedAt
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		org.OrganizationName = strings.TrimSpace(in.OrganizationName)
		org.OrganizationType = in.OrganizationType
		org.FSSAILicense = in.FSSAILicense
		org.GSTNumber = in.GSTNumber
		org.OperatingHours = in.OperatingHours
		org.UpdatedAt = ch.now
		out = org
		return ch.tx.PutDonorOrganization(org)
	})
	return out, err
}

// NGOOrganizationInput describes an NGO.
type NGOOrganizationInput struct {
	NGOName            string   `json:"ngo_name"`
	RegistrationNumber string   `json:"registration_number"`
	BeneficiaryCount   int      `json:"beneficiary_count"`
	BeneficiaryTypes   []string `json:"beneficiary_type"`
	OperatingAreas     []string `json:"operating_areas"`
}

// SetupNGOOrganization creates or replaces the caller's NGO record. The
// documents_verified flag is only ever set by VerifyProfile.
func (c *Coordinator) SetupNGOOrganization(ctx context.Context, userID string, in NGOOrganizationInput) (*types.NGOOrganization, error) {
	if strings.TrimSpace(in.NGOName) == "" || strings.TrimSpace(in.RegistrationNumber) == "" {
		return nil, invalid("ngo_name and registration_number are required")
	}
	if in.BeneficiaryCount < 0 {
		return nil, invalid("beneficiary_count must not be negative")
	}
	var out *types.NGOOrganization
	err := c.update(ctx, types.Actor{ID: userID, Role: types.RoleNGO}, func(ch *change) error {
		p, err := loadActor(ch.tx, userID)
		if err != nil {
			return err
		}
		if err := requireRole(p, types.RoleNGO); err != nil {
			return err
		}
		org := &types.NGOOrganization{ProfileID: userID, CreatedAt: ch.now}
		if prev, err := ch.tx.NGOOrganization(userID); err == nil {
			org.CreatedAt = prev.CreatedAt
			org.DocumentsVerified = prev.DocumentsVerified
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		org.NGOName = strings.TrimSpace(in.NGOName)
		org.RegistrationNumber = strings.TrimSpace(in.RegistrationNumber)
		org.BeneficiaryCount = in.BeneficiaryCount
		org.BeneficiaryTypes = in.BeneficiaryTypes
		org.OperatingAreas = in.OperatingAreas
		org.UpdatedAt = ch.now
		out = org
		return ch.tx.PutNGOOrganization(org)
	})
	return out, err
}

// PartnerInput describes a courier's vehicle and licence.
type PartnerInput struct {
	VehicleType   string `json:"vehicle_type"`
	VehicleNumber string `json:"vehicle_number"`
	LicenseNumber string `json:"license_number"`
}

// defaultRating is the rating a new delivery partner starts with.
const defaultRating = 5.0

// SetupPartner creates or replaces the caller's courier record, keeping
// availability, location, rating and delivery counters.
func (c *Coordinator) SetupPartner(ctx context.Context, userID string, in PartnerInput) (*types.DeliveryPartner, error) {
	if strings.TrimSpace(in.VehicleType) == "" || strings.TrimSpace(in.LicenseNumber) == "" {
		return nil, invalid("vehicle_type and license_number are required")
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
		switch {
		case errors.Is(err, storage.ErrNotFound):
			dp = &types.DeliveryPartner{ProfileID: userID, Rating: defaultRating, CreatedAt: ch.now}
		case err != nil:
			return err
		}
		dp.VehicleType = strings.TrimSpace(in.VehicleType)
		dp.VehicleNumber = in.VehicleNumber
		dp.LicenseNumber = strings.TrimSpace(in.LicenseNumber)
		dp.UpdatedAt = ch.now
		out = dp
		return ch.tx.PutPartner(dp)
	})
	return out, err
}

func roleLabel(r types.Role) string {
	switch r {
	case types.RoleNGO:
		return "NGO"
	case types.RoleDeliveryPartner:
		return "delivery partner"
	}
	return string(r)
}

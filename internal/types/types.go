// Package types contains the core domain types shared across all foodrelay
// internal packages. It deliberately has zero imports of other foodrelay
// packages so that storage, lifecycle and coordinator can all depend on it
// without creating import cycles.
//
// All records serialise to JSON with snake_case keys; that is both the bbolt
// value encoding and the HTTP wire format.
package types

import "time"

// Role is the kind of party acting on the system.
type Role string

const (
	RoleDonor           Role = "donor"
	RoleNGO             Role = "ngo"
	RoleDeliveryPartner Role = "delivery_partner"
	RoleAdmin           Role = "admin"
	// RoleSystem is the internal actor used by the expiry sweeper and by
	// automatic dispatch. It is never assignable to a profile.
	RoleSystem Role = "system"
)

// Valid reports whether r is a role a profile may hold.
func (r Role) Valid() bool {
	switch r {
	case RoleDonor, RoleNGO, RoleDeliveryPartner, RoleAdmin:
		return true
	}
	return false
}

// Actor identifies who performs an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is the actor recorded for sweeper and dispatch transitions.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// FoodType classifies a donation.
type FoodType string

const (
	FoodCooked   FoodType = "cooked"
	FoodRaw      FoodType = "raw"
	FoodPackaged FoodType = "packaged"
	FoodBakery   FoodType = "bakery"
)

// Valid reports whether f is a known food type.
func (f FoodType) Valid() bool {
	switch f {
	case FoodCooked, FoodRaw, FoodPackaged, FoodBakery:
		return true
	}
	return false
}

// DonationStatus is the lifecycle state of a donation.
type DonationStatus string

const (
	DonationAvailable DonationStatus = "available"
	DonationClaimed   DonationStatus = "claimed"
	DonationAssigned  DonationStatus = "assigned"
	DonationPickedUp  DonationStatus = "picked_up"
	DonationDelivered DonationStatus = "delivered"
	DonationCancelled DonationStatus = "cancelled"
	DonationExpired   DonationStatus = "expired"
)

// DeliveryStatus is the lifecycle state of a courier job.
type DeliveryStatus string

const (
	// DeliveryPending is an open job no partner holds yet.
	DeliveryPending             DeliveryStatus = "pending"
	DeliveryAssigned            DeliveryStatus = "assigned"
	DeliveryAccepted            DeliveryStatus = "accepted"
	DeliveryInTransitToPickup   DeliveryStatus = "in_transit_to_pickup"
	DeliveryAtPickup            DeliveryStatus = "at_pickup"
	DeliveryPickedUp            DeliveryStatus = "picked_up"
	DeliveryInTransitToDelivery DeliveryStatus = "in_transit_to_delivery"
	DeliveryAtDelivery          DeliveryStatus = "at_delivery"
	DeliveryDelivered           DeliveryStatus = "delivered"
	DeliveryCancelled           DeliveryStatus = "cancelled"
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Profile is one registered user. ID is the identity provider's user ID.
type Profile struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	FullName   string    `json:"full_name"`
	Phone      string    `json:"phone"`
	Role       Role      `json:"role"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	Address    string    `json:"address,omitempty"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	Pincode    string    `json:"pincode,omitempty"`
	Location   *GeoPoint `json:"location,omitempty"`
	IsVerified bool      `json:"is_verified"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Actor returns the profile as an acting party.
func (p *Profile) Actor() Actor { return Actor{ID: p.ID, Role: p.Role} }

// DonorOrganization is the business behind a donor profile.
type DonorOrganization struct {
	ProfileID        string    `json:"profile_id"`
	OrganizationName string    `json:"organization_name"`
	OrganizationType string    `json:"organization_type"`
	FSSAILicense     string    `json:"fssai_license,omitempty"`
	GSTNumber        string    `json:"gst_number,omitempty"`
	OperatingHours   string    `json:"operating_hours,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NGOOrganization is the charity behind an NGO profile.
type NGOOrganization struct {
	ProfileID          string    `json:"profile_id"`
	NGOName            string    `json:"ngo_name"`
	RegistrationNumber string    `json:"registration_number"`
	BeneficiaryCount   int       `json:"beneficiary_count"`
	BeneficiaryTypes   []string  `json:"beneficiary_type"`
	OperatingAreas     []string  `json:"operating_areas"`
	DocumentsVerified  bool      `json:"documents_verified"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DeliveryPartner is the courier record behind a delivery_partner profile.
type DeliveryPartner struct {
	ProfileID       string    `json:"profile_id"`
	VehicleType     string    `json:"vehicle_type"`
	VehicleNumber   string    `json:"vehicle_number"`
	LicenseNumber   string    `json:"license_number"`
	IsAvailable     bool      `json:"is_available"`
	Location        *GeoPoint `json:"current_location,omitempty"`
	Rating          float64   `json:"rating"`
	TotalDeliveries int       `json:"total_deliveries"`
	// ActiveDeliveryID is the job the partner currently holds, if any.
	ActiveDeliveryID string    `json:"active_delivery_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Donation is a listed surplus-food item.
type Donation struct {
	ID                 string         `json:"id"`
	DonorID            string         `json:"donor_id"`
	FoodType           FoodType       `json:"food_type"`
	FoodCategory       string         `json:"food_category"`
	Quantity           int            `json:"quantity"`
	Unit               string         `json:"unit"`
	Description        string         `json:"description,omitempty"`
	PreparationTime    *time.Time     `json:"preparation_time,omitempty"`
	ExpiryTime         time.Time      `json:"expiry_time"`
	PickupAddress      string         `json:"pickup_address"`
	PickupLocation     *GeoPoint      `json:"pickup_location,omitempty"`
	PickupInstructions string         `json:"pickup_instructions,omitempty"`
	FoodImages         []string       `json:"food_images"`
	Status             DonationStatus `json:"status"`
	ClaimedBy          string         `json:"claimed_by,omitempty"`
	AssignedTo         string         `json:"assigned_to,omitempty"`
	DeliveryID         string         `json:"delivery_id,omitempty"`
	ClaimedAt          *time.Time     `json:"claimed_at,omitempty"`
	AssignedAt         *time.Time     `json:"assigned_at,omitempty"`
	PickupTime         *time.Time     `json:"pickup_time,omitempty"`
	DeliveryTime       *time.Time     `json:"delivery_time,omitempty"`
	CancellationReason string         `json:"cancellation_reason,omitempty"`
	// Version is bumped by the store on every write.
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Delivery is a courier job linking a claimed donation to a drop-off.
type Delivery struct {
	ID                    string         `json:"id"`
	DonationID            string         `json:"donation_id"`
	PartnerID             string         `json:"delivery_partner_id,omitempty"`
	PickupAddress         string         `json:"pickup_address"`
	PickupLocation        *GeoPoint      `json:"pickup_location,omitempty"`
	DeliveryAddress       string         `json:"delivery_address"`
	DeliveryLocation      *GeoPoint      `json:"delivery_location,omitempty"`
	Status                DeliveryStatus `json:"status"`
	EstimatedPickupTime   *time.Time     `json:"estimated_pickup_time,omitempty"`
	ActualPickupTime      *time.Time     `json:"actual_pickup_time,omitempty"`
	EstimatedDeliveryTime *time.Time     `json:"estimated_delivery_time,omitempty"`
	ActualDeliveryTime    *time.Time     `json:"actual_delivery_time,omitempty"`
	DistanceKm            *float64       `json:"distance_km,omitempty"`
	Notes                 string         `json:"notes,omitempty"`
	ProofOfPickup         string         `json:"proof_of_pickup,omitempty"`
	ProofOfDelivery       string         `json:"proof_of_delivery,omitempty"`
	// DeclinedBy lists partners that turned this donation down. Automatic
	// dispatch skips them.
	DeclinedBy []string  `json:"declined_by,omitempty"`
	Version    uint64    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Urgency ranks an NGO request.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// RequestStatus is the state of an NGO request.
type RequestStatus string

const (
	RequestOpen      RequestStatus = "open"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestCancelled RequestStatus = "cancelled"
)

// NGORequest is an NGO advertising what food it needs.
type NGORequest struct {
	ID              string        `json:"id"`
	NGOID           string        `json:"ngo_id"`
	RequestType     string        `json:"request_type"`
	QuantityNeeded  int           `json:"quantity_needed"`
	Urgency         Urgency       `json:"urgency"`
	DeliveryAddress string        `json:"delivery_address"`
	RequiredBy      time.Time     `json:"required_by"`
	Description     string        `json:"description,omitempty"`
	Status          RequestStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NotificationType groups notifications for display.
type NotificationType string

const (
	NotifyDonation NotificationType = "donation"
	NotifyRequest  NotificationType = "request"
	NotifyDelivery NotificationType = "delivery"
	NotifySystem   NotificationType = "system"
	NotifyAlert    NotificationType = "alert"
)

// Notification is a message for one user.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	RelatedID string           `json:"related_id,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

// EntityKind names what an Event is about.
type EntityKind string

const (
	EntityDonation EntityKind = "donation"
	EntityDelivery EntityKind = "delivery"
)

// Event is the audit record of one status transition.
type Event struct {
	ID         string     `json:"id"`
	Kind       EntityKind `json:"kind"`
	EntityID   string     `json:"entity_id"`
	DonationID string     `json:"donation_id"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	ActorID    string     `json:"actor_id"`
	ActorRole  Role       `json:"actor_role"`
	Reason     string     `json:"reason,omitempty"`
	// Parties lists every profile involved in the donation at the time of
	// the event. Feeds use it to route events.
	Parties []string  `json:"parties,omitempty"`
	At      time.Time `json:"at"`
}

// Involves reports whether userID is one of the event's parties.
func (e *Event) Involves(userID string) bool {
	for _, p := range e.Parties {
		if p == userID {
			return true
		}
	}
	return false
}

// Package lifecycle holds the donation and delivery state machines.
//
// Donation:
//
//	AVAILABLE ──claim──► CLAIMED ──accept/assign──► ASSIGNED ──► PICKED_UP ──► DELIVERED
//	    │  └──claim + dispatch───────────────────────►  │  ▲
//	    │                   ▲                           │  │
//	    │                   └──────decline/release──────┘  │
//	    └──► CANCELLED / EXPIRED (any pre-pickup state)
//
// Delivery:
//
//	PENDING ──► ASSIGNED ──► ACCEPTED ──► IN_TRANSIT_TO_PICKUP ──► AT_PICKUP ──► PICKED_UP
//	   └──────────────────────►┘                                                   │
//	                    IN_TRANSIT_TO_DELIVERY ◄───────────────────────────────────┘
//	                           └──► AT_DELIVERY ──► DELIVERED
//	CANCELLED is reachable from every state before PICKED_UP.
//
// Every edge lists the roles allowed to drive it. Whether a specific user of
// that role may act on a specific record (ownership) is decided by the
// coordinator.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/foodrelay/internal/types"
)

var (
	// ErrIllegalTransition is returned for an edge that does not exist.
	ErrIllegalTransition = errors.New("lifecycle: illegal transition")
	// ErrForbidden is returned when the edge exists but the role may not drive it.
	ErrForbidden = errors.New("lifecycle: role not permitted")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	Kind types.EntityKind
	From string
	To   string
	Role types.Role
	Err  error
}

func (e *TransitionError) Error() string {
	if errors.Is(e.Err, ErrForbidden) {
		return fmt.Sprintf("%s %s → %s is not allowed for role %q", e.Kind, e.From, e.To, e.Role)
	}
	return fmt.Sprintf("%s %s → %s is not a valid transition", e.Kind, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return e.Err }

type edge struct{ from, to string }

var (
	donor   = types.RoleDonor
	ngo     = types.RoleNGO
	partner = types.RoleDeliveryPartner
	admin   = types.RoleAdmin
	system  = types.RoleSystem
)

var donationEdges = map[edge][]types.Role{
	{"available", "claimed"}:   {ngo},
	{"available", "assigned"}:  {ngo},
	{"claimed", "assigned"}:    {partner, admin, system},
	{"assigned", "claimed"}:    {partner, admin, system},
	{"assigned", "picked_up"}:  {partner, admin},
	{"picked_up", "delivered"}: {partner, admin},

	{"available", "cancelled"}: {donor, admin},
	{"claimed", "cancelled"}:   {donor, ngo, admin},
	{"assigned", "cancelled"}:  {donor, ngo, admin},

	{"available", "expired"}: {system},
	{"claimed", "expired"}:   {system},
	{"assigned", "expired"}:  {system},
}

// Ordered courier progression; NextDeliveryStatus walks it.
var deliveryPath = []types.DeliveryStatus{
	types.DeliveryAccepted,
	types.DeliveryInTransitToPickup,
	types.DeliveryAtPickup,
	types.DeliveryPickedUp,
	types.DeliveryInTransitToDelivery,
	types.DeliveryAtDelivery,
	types.DeliveryDelivered,
}

var deliveryEdges = func() map[edge][]types.Role {
	m := map[edge][]types.Role{
		{"pending", "assigned"}:  {admin, system},
		{"pending", "accepted"}:  {partner},
		{"assigned", "accepted"}: {partner},

		{"pending", "cancelled"}: {admin, system, donor, ngo},
	}
	for i := 0; i+1 < len(deliveryPath); i++ {
		m[edge{string(deliveryPath[i]), string(deliveryPath[i+1])}] = []types.Role{partner, admin}
	}
	for _, s := range []types.DeliveryStatus{
		types.DeliveryAssigned,
		types.DeliveryAccepted,
		types.DeliveryInTransitToPickup,
		types.DeliveryAtPickup,
	} {
		m[edge{string(s), "cancelled"}] = []types.Role{partner, admin, system, donor, ngo}
	}
	return m
}()

func check(kind types.EntityKind, edges map[edge][]types.Role, from, to string, role types.Role) error {
	roles, ok := edges[edge{from, to}]
	if !ok {
		return &TransitionError{Kind: kind, From: from, To: to, Role: role, Err: ErrIllegalTransition}
	}
	for _, r := range roles {
		if r == role {
			return nil
		}
	}
	return &TransitionError{Kind: kind, From: from, To: to, Role: role, Err: ErrForbidden}
}

// CheckDonation validates a donation transition for role.
func CheckDonation(from, to types.DonationStatus, role types.Role) error {
	return check(types.EntityDonation, donationEdges, string(from), string(to), role)
}

// CheckDelivery validates a delivery transition for role.
func CheckDelivery(from, to types.DeliveryStatus, role types.Role) error {
	return check(types.EntityDelivery, deliveryEdges, string(from), string(to), role)
}

// ValidDonationTransition reports whether from → to is an edge for any role.
func ValidDonationTransition(from, to types.DonationStatus) bool {
	_, ok := donationEdges[edge{string(from), string(to)}]
	return ok
}

// ValidDeliveryTransition reports whether from → to is an edge for any role.
func ValidDeliveryTransition(from, to types.DeliveryStatus) bool {
	_, ok := deliveryEdges[edge{string(from), string(to)}]
	return ok
}

// NextDeliveryStatus returns the courier's next step from s.
// ok is false for pending, terminal states and anything off the path.
func NextDeliveryStatus(s types.DeliveryStatus) (types.DeliveryStatus, bool) {
	if s == types.DeliveryAssigned {
		return types.DeliveryAccepted, true
	}
	for i := 0; i+1 < len(deliveryPath); i++ {
		if deliveryPath[i] == s {
			return deliveryPath[i+1], true
		}
	}
	return "", false
}

// DonationStatusFor returns the donation status a delivery status drags along.
func DonationStatusFor(s types.DeliveryStatus) (types.DonationStatus, bool) {
	switch s {
	case types.DeliveryPickedUp:
		return types.DonationPickedUp, true
	case types.DeliveryDelivered:
		return types.DonationDelivered, true
	}
	return "", false
}

// IsTerminalDonation reports whether no further donation transition exists.
func IsTerminalDonation(s types.DonationStatus) bool {
	switch s {
	case types.DonationDelivered, types.DonationCancelled, types.DonationExpired:
		return true
	}
	return false
}

// IsTerminalDelivery reports whether no further delivery transition exists.
func IsTerminalDelivery(s types.DeliveryStatus) bool {
	return s == types.DeliveryDelivered || s == types.DeliveryCancelled
}

// IsPrePickup reports whether a donation may still be cancelled or expire.
func IsPrePickup(s types.DonationStatus) bool {
	switch s {
	case types.DonationAvailable, types.DonationClaimed, types.DonationAssigned:
		return true
	}
	return false
}

// IsActiveDelivery reports whether a partner holds the job and it is not finished.
func IsActiveDelivery(s types.DeliveryStatus) bool {
	return s != types.DeliveryPending && !IsTerminalDelivery(s)
}

// IsDeliveryPrePickup reports whether a delivery can still be declined or cancelled.
func IsDeliveryPrePickup(s types.DeliveryStatus) bool {
	return ValidDeliveryTransition(s, types.DeliveryCancelled)
}

// ActiveDonationStatuses are the statuses dashboards count as "active".
var ActiveDonationStatuses = []types.DonationStatus{
	types.DonationAvailable,
	types.DonationClaimed,
	types.DonationAssigned,
	types.DonationPickedUp,
}

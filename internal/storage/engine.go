// Package storage defines the transactional persistence contract used by the
// coordinator.
//
// The coordinator (and every layer above it) must ONLY interact with storage
// through this interface. An operation that touches several records (claim =
// donation write + delivery insert + partner reservation + notifications +
// audit events) runs inside a single Update so it commits or rolls back as a
// unit.
package storage

import (
	"errors"

	"github.com/snehjoshi/foodrelay/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a versioned record was modified since it was read.
var ErrConflict = errors.New("storage: version conflict")

// Engine runs read-only and read-write transactions.
//
// Implementations:
//   - bolt.Store: single-node, bbolt-backed
//
// All methods must be safe for concurrent use. Writers are serialised.
type Engine interface {
	// View runs fn in a read-only transaction.
	View(fn func(Tx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error
	// every write made through the Tx is discarded.
	Update(fn func(Tx) error) error

	// Close releases the underlying database.
	Close() error
}

// Tx is the typed view of one transaction. Getters return ErrNotFound for
// missing records. Iterators walk records in key (creation) order and stop
// at the first error fn returns.
type Tx interface {
	Profile(id string) (*types.Profile, error)
	PutProfile(p *types.Profile) error
	Profiles(fn func(*types.Profile) error) error

	DonorOrganization(profileID string) (*types.DonorOrganization, error)
	PutDonorOrganization(o *types.DonorOrganization) error

	NGOOrganization(profileID string) (*types.NGOOrganization, error)
	PutNGOOrganization(o *types.NGOOrganization) error

	Partner(profileID string) (*types.DeliveryPartner, error)
	PutPartner(p *types.DeliveryPartner) error
	Partners(fn func(*types.DeliveryPartner) error) error

	// PutDonation and PutDelivery are version-checked: a new record must
	// carry Version 0, an existing one the version last read. On success the
	// record's Version is incremented in place. A mismatch is ErrConflict.
	Donation(id string) (*types.Donation, error)
	PutDonation(d *types.Donation) error
	Donations(fn func(*types.Donation) error) error

	Delivery(id string) (*types.Delivery, error)
	PutDelivery(d *types.Delivery) error
	Deliveries(fn func(*types.Delivery) error) error

	Request(id string) (*types.NGORequest, error)
	PutRequest(r *types.NGORequest) error
	Requests(fn func(*types.NGORequest) error) error

	Notification(userID, id string) (*types.Notification, error)
	PutNotification(n *types.Notification) error
	// Notifications walks one user's notifications, oldest first.
	Notifications(userID string, fn func(*types.Notification) error) error

	AppendEvent(e *types.Event) error
	// Events walks the audit trail of one donation, oldest first.
	Events(donationID string, fn func(*types.Event) error) error
}

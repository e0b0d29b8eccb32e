// Package bolt implements storage.Engine on a single bbolt file.
//
// bbolt gives foodrelay what the hosted datastore never did for the
// original client-side flow: a serialised writer and ACID transactions
// spanning several records. Values are JSON; keys are ULIDs, so iteration
// order is creation order.
//
// Layout (one bucket per kind):
//
//	profiles       profileID            → Profile
//	donor_orgs     profileID            → DonorOrganization
//	ngo_orgs       profileID            → NGOOrganization
//	partners       profileID            → DeliveryPartner
//	donations      donationID           → Donation
//	deliveries     deliveryID           → Delivery
//	requests       requestID            → NGORequest
//	notifications  userID NUL notifID   → Notification
//	events         donationID NUL evtID → Event
package bolt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

var (
	bucketProfiles      = []byte("profiles")
	bucketDonorOrgs     = []byte("donor_orgs")
	bucketNGOOrgs       = []byte("ngo_orgs")
	bucketPartners      = []byte("partners")
	bucketDonations     = []byte("donations")
	bucketDeliveries    = []byte("deliveries")
	bucketRequests      = []byte("requests")
	bucketNotifications = []byte("notifications")
	bucketEvents        = []byte("events")

	allBuckets = [][]byte{
		bucketProfiles, bucketDonorOrgs, bucketNGOOrgs, bucketPartners,
		bucketDonations, bucketDeliveries, bucketRequests,
		bucketNotifications, bucketEvents,
	}
)

// Store is a bbolt-backed storage.Engine.
type Store struct {
	db *bbolt.DB
}

var _ storage.Engine = (*Store)(nil)

// Open opens (or creates) the database at path and ensures every bucket exists.
// timeout bounds the wait for the file lock held by another process.
func Open(path string, timeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("bolt: create dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(storage.Tx) error) error {
	return s.db.View(func(tx *bbolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

// Update runs fn in a read-write transaction.
func (s *Store) Update(fn func(storage.Tx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- generic helpers -------------------------------------------------------

func get[T any](tx *bbolt.Tx, bucket []byte, key string) (*T, error) {
	raw := tx.Bucket(bucket).Get([]byte(key))
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("bolt: decode %s/%s: %w", bucket, key, err)
	}
	return v, nil
}

func put(tx *bbolt.Tx, bucket []byte, key string, v any) error {
	if key == "" {
		return fmt.Errorf("bolt: put %s: empty key", bucket)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bolt: encode %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket(bucket).Put([]byte(key), raw)
}

func each[T any](tx *bbolt.Tx, bucket []byte, prefix string, fn func(*T) error) error {
	c := tx.Bucket(bucket).Cursor()
	p := []byte(prefix)
	for k, raw := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, raw = c.Next() {
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("bolt: decode %s/%s: %w", bucket, k, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// putVersioned enforces the optimistic version contract shared by donations
// and deliveries. cur is the version carried by the caller's copy.
func putVersioned(tx *bbolt.Tx, bucket []byte, key string, cur *uint64, v any, load func() (uint64, error)) error {
	stored, err := load()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if *cur != 0 {
			return fmt.Errorf("%w: %s/%s no longer exists", storage.ErrConflict, bucket, key)
		}
	case err != nil:
		return err
	case stored != *cur:
		return fmt.Errorf("%w: %s/%s at version %d, write based on %d", storage.ErrConflict, bucket, key, stored, *cur)
	}
	*cur++
	if err := put(tx, bucket, key, v); err != nil {
		*cur--
		return err
	}
	return nil
}

// keySep joins a parent ID and a child ID. NUL cannot occur in either, so a
// parent prefix never matches another parent's keys.
const keySep = "\x00"

func compositeKey(parent, id string) string { return parent + keySep + id }

// ---- Tx --------------------------------------------------------------------

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) Profile(id string) (*types.Profile, error) {
	return get[types.Profile](t.tx, bucketProfiles, id)
}

func (t *boltTx) PutProfile(p *types.Profile) error {
	return put(t.tx, bucketProfiles, p.ID, p)
}

func (t *boltTx) Profiles(fn func(*types.Profile) error) error {
	return each(t.tx, bucketProfiles, "", fn)
}

func (t *boltTx) DonorOrganization(profileID string) (*types.DonorOrganization, error) {
	return get[types.DonorOrganization](t.tx, bucketDonorOrgs, profileID)
}

func (t *boltTx) PutDonorOrganization(o *types.DonorOrganization) error {
	return put(t.tx, bucketDonorOrgs, o.ProfileID, o)
}

func (t *boltTx) NGOOrganization(profileID string) (*types.NGOOrganization, error) {
	return get[types.NGOOrganization](t.tx, bucketNGOOrgs, profileID)
}

func (t *boltTx) PutNGOOrganization(o *types.NGOOrganization) error {
	return put(t.tx, bucketNGOOrgs, o.ProfileID, o)
}

func (t *boltTx) Partner(profileID string) (*types.DeliveryPartner, error) {
	return get[types.DeliveryPartner](t.tx, bucketPartners, profileID)
}

func (t *boltTx) PutPartner(p *types.DeliveryPartner) error {
	return put(t.tx, bucketPartners, p.ProfileID, p)
}

func (t *boltTx) Partners(fn func(*types.DeliveryPartner) error) error {
	return each(t.tx, bucketPartners, "", fn)
}

func (t *boltTx) Donation(id string) (*types.Donation, error) {
	return get[types.Donation](t.tx, bucketDonations, id)
}

func (t *boltTx) PutDonation(d *types.Donation) error {
	return putVersioned(t.tx, bucketDonations, d.ID, &d.Version, d, func() (uint64, error) {
		cur, err := t.Donation(d.ID)
		if err != nil {
			return 0, err
		}
		return cur.Version, nil
	})
}

func (t *boltTx) Donations(fn func(*types.Donation) error) error {
	return each(t.tx, bucketDonations, "", fn)
}

func (t *boltTx) Delivery(id string) (*types.Delivery, error) {
	return get[types.Delivery](t.tx, bucketDeliveries, id)
}

func (t *boltTx) PutDelivery(d *types.Delivery) error {
	return putVersioned(t.tx, bucketDeliveries, d.ID, &d.Version, d, func() (uint64, error) {
		cur, err := t.Delivery(d.ID)
		if err != nil {
			return 0, err
		}
		return cur.Version, nil
	})
}

func (t *boltTx) Deliveries(fn func(*types.Delivery) error) error {
	return each(t.tx, bucketDeliveries, "", fn)
}

func (t *boltTx) Request(id string) (*types.NGORequest, error) {
	return get[types.NGORequest](t.tx, bucketRequests, id)
}

func (t *boltTx) PutRequest(r *types.NGORequest) error {
	return put(t.tx, bucketRequests, r.ID, r)
}

func (t *boltTx) Requests(fn func(*types.NGORequest) error) error {
	return each(t.tx, bucketRequests, "", fn)
}

func (t *boltTx) Notification(userID, id string) (*types.Notification, error) {
	return get[types.Notification](t.tx, bucketNotifications, compositeKey(userID, id))
}

func (t *boltTx) PutNotification(n *types.Notification) error {
	return put(t.tx, bucketNotifications, compositeKey(n.UserID, n.ID), n)
}

func (t *boltTx) Notifications(userID string, fn func(*types.Notification) error) error {
	return each(t.tx, bucketNotifications, userID+keySep, fn)
}

func (t *boltTx) AppendEvent(e *types.Event) error {
	return put(t.tx, bucketEvents, compositeKey(e.DonationID, e.ID), e)
}

func (t *boltTx) Events(donationID string, fn func(*types.Event) error) error {
	return each(t.tx, bucketEvents, donationID+keySep, fn)
}

package coordinator_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/foodrelay/internal/config"
	"github.com/snehjoshi/foodrelay/internal/coordinator"
	"github.com/snehjoshi/foodrelay/internal/events"
	"github.com/snehjoshi/foodrelay/internal/storage/bolt"
	"github.com/snehjoshi/foodrelay/internal/types"
)

const adminID = "admin"

var ctx = context.Background()

// fakeExpiry records what the coordinator asks the sweeper to do.
type fakeExpiry struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
}

func (f *fakeExpiry) Schedule(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[id] = at
}

func (f *fakeExpiry) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, id)
}

func (f *fakeExpiry) get(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.scheduled[id]
	return at, ok
}

type harness struct {
	t      *testing.T
	c      *coordinator.Coordinator
	cfg    *config.Config
	bus    *events.Bus
	expiry *fakeExpiry

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.AdminIDs = []string{adminID}
	for _, m := range mutate {
		m(cfg)
	}

	store, err := bolt.Open(filepath.Join(t.TempDir(), "foodrelay.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		t:      t,
		cfg:    cfg,
		bus:    events.NewBus(),
		expiry: &fakeExpiry{scheduled: make(map[string]time.Time)},
		now:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(h.bus.Close)
	h.c = coordinator.New(store, cfg,
		coordinator.WithBus(h.bus),
		coordinator.WithExpiryScheduler(h.expiry),
		coordinator.WithClock(h.clock),
	)

	_, err = h.c.Register(ctx, adminID, coordinator.ProfileInput{
		Email: "admin@foodrelay.test", FullName: "Admin", Role: types.RoleAdmin,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) register(id string, role types.Role, loc *types.GeoPoint) *types.Profile {
	h.t.Helper()
	p, err := h.c.Register(ctx, id, coordinator.ProfileInput{
		Email:    id + "@foodrelay.test",
		FullName: id,
		Role:     role,
		Address:  "1 " + id + " Street",
		City:     "Pune",
		Location: loc,
	})
	require.NoError(h.t, err)
	return p
}

func (h *harness) donor(id string) *types.Profile {
	return h.register(id, types.RoleDonor, nil)
}

// ngo registers and verifies an NGO at loc.
func (h *harness) ngo(id string, loc *types.GeoPoint) *types.Profile {
	h.t.Helper()
	h.register(id, types.RoleNGO, loc)
	_, err := h.c.SetupNGOOrganization(ctx, id, coordinator.NGOOrganizationInput{
		NGOName: id + " Trust", RegistrationNumber: "REG-" + id,
	})
	require.NoError(h.t, err)
	p, err := h.c.VerifyProfile(ctx, adminID, id)
	require.NoError(h.t, err)
	return p
}

// partner registers an on-duty delivery partner at loc.
func (h *harness) partner(id string, loc *types.GeoPoint) {
	h.t.Helper()
	h.register(id, types.RoleDeliveryPartner, nil)
	_, err := h.c.SetupPartner(ctx, id, coordinator.PartnerInput{VehicleType: "bike", LicenseNumber: "LIC-" + id})
	require.NoError(h.t, err)
	if loc != nil {
		_, err = h.c.UpdateLocation(ctx, id, *loc)
		require.NoError(h.t, err)
	}
	_, err = h.c.SetAvailability(ctx, id, true)
	require.NoError(h.t, err)
}

func (h *harness) donation(donorID string, loc *types.GeoPoint) *types.Donation {
	h.t.Helper()
	d, err := h.c.CreateDonation(ctx, donorID, h.donationInput(loc))
	require.NoError(h.t, err)
	return d
}

func (h *harness) donationInput(loc *types.GeoPoint) coordinator.DonationInput {
	return coordinator.DonationInput{
		FoodType:       types.FoodCooked,
		FoodCategory:   "meals",
		Quantity:       40,
		Unit:           "plates",
		ExpiryTime:     h.clock().Add(6 * time.Hour),
		PickupAddress:  "5 Market Road",
		PickupLocation: loc,
	}
}

func (h *harness) getDonation(id string) *types.Donation {
	h.t.Helper()
	d, err := h.c.Donation(ctx, adminID, id)
	require.NoError(h.t, err)
	return d
}

func (h *harness) getDelivery(id string) *types.Delivery {
	h.t.Helper()
	v, err := h.c.Delivery(ctx, adminID, id)
	require.NoError(h.t, err)
	return v.Delivery
}

func (h *harness) partnerRecord(id string) *types.DeliveryPartner {
	h.t.Helper()
	v, err := h.c.Profile(ctx, id)
	require.NoError(h.t, err)
	require.NotNil(h.t, v.Partner)
	return v.Partner
}

func (h *harness) notificationTitles(userID string) []string {
	h.t.Helper()
	ns, err := h.c.Notifications(ctx, userID, false)
	require.NoError(h.t, err)
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Title)
	}
	return out
}

func pt(lat, lng float64) *types.GeoPoint { return &types.GeoPoint{Lat: lat, Lng: lng} }

func poolMode(c *config.Config) { c.Dispatch.Mode = config.DispatchPool }

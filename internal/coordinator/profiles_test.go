package coordinator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/foodrelay/internal/coordinator"
	"github.com/snehjoshi/foodrelay/internal/lifecycle"
	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

func TestRegister(t *testing.T) {
	h := newHarness(t)
	p := h.donor("donor")
	assert.True(t, p.IsActive)
	assert.False(t, p.IsVerified)

	_, err := h.c.Register(ctx, "donor", coordinator.ProfileInput{
		Email: "again@foodrelay.test", FullName: "Again", Role: types.RoleDonor,
	})
	assert.ErrorIs(t, err, coordinator.ErrExists)

	_, err = h.c.Register(ctx, "mallory", coordinator.ProfileInput{
		Email: "m@foodrelay.test", FullName: "Mallory", Role: types.RoleAdmin,
	})
	assert.ErrorIs(t, err, coordinator.ErrForbidden)

	_, err = h.c.Register(ctx, "bad", coordinator.ProfileInput{
		Email: "not-an-email", FullName: "Bad", Role: types.RoleDonor,
	})
	assert.ErrorIs(t, err, coordinator.ErrInvalidInput)

	_, err = h.c.Register(ctx, "bad", coordinator.ProfileInput{
		Email: "bad@foodrelay.test", FullName: "Bad", Role: types.RoleSystem,
	})
	assert.ErrorIs(t, err, coordinator.ErrInvalidInput)

	v, err := h.c.Profile(ctx, adminID)
	require.NoError(t, err)
	assert.True(t, v.Profile.IsVerified, "admins start verified")

	_, err = h.c.Profile(ctx, "nobody")
	assert.ErrorIs(t, err, coordinator.ErrUnauthenticated)
}

func TestVerifyProfile_NGO(t *testing.T) {
	h := newHarness(t)
	h.register("ngo", types.RoleNGO, nil)
	_, err := h.c.SetupNGOOrganization(ctx, "ngo", coordinator.NGOOrganizationInput{
		NGOName: "Hope Trust", RegistrationNumber: "REG-1", BeneficiaryCount: 120,
	})
	require.NoError(t, err)

	_, err = h.c.VerifyProfile(ctx, "ngo", "ngo")
	require.ErrorIs(t, err, coordinator.ErrForbidden)

	p, err := h.c.VerifyProfile(ctx, adminID, "ngo")
	require.NoError(t, err)
	assert.True(t, p.IsVerified)

	v, err := h.c.Profile(ctx, "ngo")
	require.NoError(t, err)
	require.NotNil(t, v.NGOOrganization)
	assert.True(t, v.NGOOrganization.DocumentsVerified)
	assert.Equal(t, []string{"Account verified"}, h.notificationTitles("ngo"))

	// Re-submitting the organisation keeps the verification.
	_, err = h.c.SetupNGOOrganization(ctx, "ngo", coordinator.NGOOrganizationInput{
		NGOName: "Hope Trust", RegistrationNumber: "REG-1", BeneficiaryCount: 150,
	})
	require.NoError(t, err)
	v, err = h.c.Profile(ctx, "ngo")
	require.NoError(t, err)
	assert.True(t, v.NGOOrganization.DocumentsVerified)
	assert.Equal(t, 150, v.NGOOrganization.BeneficiaryCount)

	_, err = h.c.VerifyProfile(ctx, adminID, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetProfileActive(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.partner("p1", nil)

	_, err := h.c.SetProfileActive(ctx, adminID, "donor", false)
	require.NoError(t, err)

	_, err = h.c.CreateDonation(ctx, "donor", h.donationInput(nil))
	assert.ErrorIs(t, err, coordinator.ErrInactive)

	v, err := h.c.Profile(ctx, "donor")
	require.NoError(t, err, "deactivated users can read their profile")
	assert.False(t, v.Profile.IsActive)

	_, err = h.c.SetProfileActive(ctx, adminID, "p1", false)
	require.NoError(t, err)
	assert.False(t, h.partnerRecord("p1").IsAvailable)

	_, err = h.c.SetProfileActive(ctx, adminID, adminID, false)
	assert.ErrorIs(t, err, coordinator.ErrInvalidInput)

	_, err = h.c.SetProfileActive(ctx, adminID, "donor", true)
	require.NoError(t, err)
	_, err = h.c.CreateDonation(ctx, "donor", h.donationInput(nil))
	assert.NoError(t, err)
}

func TestSetProfileActive_PartnerJobIsReopened(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)

	res, err := h.c.Claim(ctx, "ngo", h.donation("donor", nil).ID)
	require.NoError(t, err)
	require.Equal(t, "p1", res.Delivery.PartnerID)
	h.partner("p2", nil)

	_, err = h.c.SetProfileActive(ctx, adminID, "p1", false)
	require.NoError(t, err)

	assert.Equal(t, types.DeliveryCancelled, h.getDelivery(res.Delivery.ID).Status)
	rec := h.partnerRecord("p1")
	assert.Empty(t, rec.ActiveDeliveryID)
	assert.False(t, rec.IsAvailable)

	d := h.getDonation(res.Donation.ID)
	assert.Equal(t, types.DonationAssigned, d.Status)
	assert.Equal(t, "p2", d.AssignedTo)
	assert.NotEqual(t, res.Delivery.ID, d.DeliveryID)
	assert.Contains(t, h.notificationTitles("ngo"), "Delivery partner unavailable")
}

func TestSetProfileActive_PartnerCarryingFoodIsBusy(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)

	res, err := h.c.Claim(ctx, "ngo", h.donation("donor", nil).ID)
	require.NoError(t, err)
	_, err = h.c.AcceptDelivery(ctx, "p1", res.Delivery.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = h.c.AdvanceDelivery(ctx, "p1", res.Delivery.ID, coordinator.StatusUpdate{})
		require.NoError(t, err)
	}
	require.Equal(t, types.DeliveryPickedUp, h.getDelivery(res.Delivery.ID).Status)

	_, err = h.c.SetProfileActive(ctx, adminID, "p1", false)
	assert.ErrorIs(t, err, coordinator.ErrPartnerBusy)

	v, err := h.c.Profile(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, v.Profile.IsActive, "refused deactivation leaves the profile untouched")
	assert.Equal(t, res.Delivery.ID, h.partnerRecord("p1").ActiveDeliveryID)
}

func TestSetupPartner_DefaultsAndUpsert(t *testing.T) {
	h := newHarness(t)
	h.register("p1", types.RoleDeliveryPartner, nil)

	_, err := h.c.SetAvailability(ctx, "p1", true)
	require.ErrorIs(t, err, coordinator.ErrInvalidInput, "no courier record yet")

	dp, err := h.c.SetupPartner(ctx, "p1", coordinator.PartnerInput{VehicleType: "bike", LicenseNumber: "L1"})
	require.NoError(t, err)
	assert.Equal(t, 5.0, dp.Rating)
	assert.False(t, dp.IsAvailable)

	_, err = h.c.SetAvailability(ctx, "p1", true)
	require.NoError(t, err)
	_, err = h.c.UpdateLocation(ctx, "p1", types.GeoPoint{Lat: 18.5, Lng: 73.8})
	require.NoError(t, err)

	dp, err = h.c.SetupPartner(ctx, "p1", coordinator.PartnerInput{VehicleType: "van", LicenseNumber: "L1"})
	require.NoError(t, err)
	assert.Equal(t, "van", dp.VehicleType)
	assert.True(t, dp.IsAvailable)
	require.NotNil(t, dp.Location)

	_, err = h.c.UpdateLocation(ctx, "p1", types.GeoPoint{Lat: 0, Lng: 200})
	assert.ErrorIs(t, err, coordinator.ErrInvalidInput)

	h.donor("donor")
	_, err = h.c.SetupPartner(ctx, "donor", coordinator.PartnerInput{VehicleType: "bike", LicenseNumber: "L2"})
	assert.ErrorIs(t, err, coordinator.ErrForbidden)
}

func TestListProfiles(t *testing.T) {
	h := newHarness(t)
	h.donor("d1")
	h.donor("d2")
	h.ngo("ngo", nil)

	all, err := h.c.ListProfiles(ctx, adminID, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	donors, err := h.c.ListProfiles(ctx, adminID, types.RoleDonor)
	require.NoError(t, err)
	assert.Len(t, donors, 2)

	_, err = h.c.ListProfiles(ctx, "d1", "")
	assert.ErrorIs(t, err, coordinator.ErrForbidden)
	_, err = h.c.ListProfiles(ctx, adminID, "chef")
	assert.ErrorIs(t, err, coordinator.ErrInvalidInput)
}

func TestRequests(t *testing.T) {
	h := newHarness(t)
	h.donor("d1")
	h.donor("d2")
	h.ngo("ngo", nil)
	h.ngo("other", nil)
	_, err := h.c.SetProfileActive(ctx, adminID, "d2", false)
	require.NoError(t, err)

	in := coordinator.RequestInput{
		RequestType:    "cooked meals",
		QuantityNeeded: 100,
		RequiredBy:     h.clock().Add(24 * time.Hour),
	}
	r, err := h.c.CreateRequest(ctx, "ngo", in)
	require.NoError(t, err)
	assert.Equal(t, types.UrgencyMedium, r.Urgency)
	assert.Equal(t, types.RequestOpen, r.Status)
	assert.Equal(t, "1 ngo Street", r.DeliveryAddress)
	assert.Empty(t, h.notificationTitles("d1"), "medium urgency is not pushed")

	in.Urgency = types.UrgencyCritical
	in.DeliveryAddress = "9 Shelter Lane"
	urgent, err := h.c.CreateRequest(ctx, "ngo", in)
	require.NoError(t, err)
	assert.Equal(t, "9 Shelter Lane", urgent.DeliveryAddress)
	assert.Equal(t, []string{"Urgent food request"}, h.notificationTitles("d1"))
	assert.Empty(t, h.notificationTitles("d2"), "inactive donors are skipped")

	in.RequiredBy = h.clock().Add(-time.Hour)
	_, err = h.c.CreateRequest(ctx, "ngo", in)
	assert.ErrorIs(t, err, coordinator.ErrInvalidInput)
	_, err = h.c.CreateRequest(ctx, "d1", coordinator.RequestInput{
		RequestType: "x", QuantityNeeded: 1, RequiredBy: h.clock().Add(time.Hour),
	})
	assert.ErrorIs(t, err, coordinator.ErrForbidden)

	list, err := h.c.ListRequests(ctx, "d1", coordinator.RequestFilter{Status: types.RequestOpen})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, urgent.ID, list[0].ID, "newest first")

	mine, err := h.c.ListRequests(ctx, "other", coordinator.RequestFilter{Mine: true})
	require.NoError(t, err)
	assert.Empty(t, mine)

	_, err = h.c.CloseRequest(ctx, "other", r.ID, true)
	assert.ErrorIs(t, err, coordinator.ErrForbidden)

	closed, err := h.c.CloseRequest(ctx, "ngo", r.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.RequestFulfilled, closed.Status)

	_, err = h.c.CloseRequest(ctx, adminID, r.ID, false)
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)

	cancelled, err := h.c.CloseRequest(ctx, adminID, urgent.ID, false)
	require.NoError(t, err)
	assert.Equal(t, types.RequestCancelled, cancelled.Status)
}

func TestNotifications_ReadState(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.ngo("ngo2", nil)
	a := h.donation("donor", nil)
	b := h.donation("donor", nil)
	_, err := h.c.Claim(ctx, "ngo", a.ID)
	require.NoError(t, err)
	_, err = h.c.Claim(ctx, "ngo2", b.ID)
	require.NoError(t, err)

	ns, err := h.c.Notifications(ctx, "donor", false)
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Contains(t, ns[0].Message, "ngo2", "newest first")

	_, err = h.c.MarkRead(ctx, "ngo", ns[0].ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "another user's notification")

	n, err := h.c.MarkRead(ctx, "donor", ns[0].ID)
	require.NoError(t, err)
	assert.True(t, n.IsRead)

	unread, err := h.c.Notifications(ctx, "donor", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, ns[1].ID, unread[0].ID)

	count, err := h.c.MarkAllRead(ctx, "donor")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = h.c.MarkAllRead(ctx, "donor")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRegister_RejectsIDsOutsideProviderAlphabet(t *testing.T) {
	h := newHarness(t)
	h.ngo("ngo", nil)

	for _, id := range []string{"ngo/evil", "ngo\x00x", " ngo", "-lead", "a b"} {
		_, err := h.c.Register(ctx, id, coordinator.ProfileInput{
			Email: "x@foodrelay.test", FullName: "X", Role: types.RoleNGO,
		})
		assert.ErrorIs(t, err, coordinator.ErrInvalidInput, id)
	}
	for _, id := range []string{"auth0|5f1c", "0b7c3d1e-8f2a-4c55-9d1e-2a6f0c9e7b11", "ngo.two@example.org"} {
		_, err := h.c.Register(ctx, id, coordinator.ProfileInput{
			Email: "y@foodrelay.test", FullName: "Y", Role: types.RoleDonor,
		})
		assert.NoError(t, err, id)
	}

	// A user whose ID extends another's must not see or mark that user's
	// notifications.
	_, err := h.c.Register(ctx, "ngo.evil", coordinator.ProfileInput{
		Email: "e@foodrelay.test", FullName: "E", Role: types.RoleNGO,
	})
	require.NoError(t, err)
	_, err = h.c.VerifyProfile(ctx, adminID, "ngo.evil")
	require.NoError(t, err)

	theirs, err := h.c.Notifications(ctx, "ngo.evil", false)
	require.NoError(t, err)
	require.NotEmpty(t, theirs)

	mine, err := h.c.Notifications(ctx, "ngo", false)
	require.NoError(t, err)
	for _, n := range mine {
		assert.Equal(t, "ngo", n.UserID)
	}
	_, err = h.c.MarkRead(ctx, "ngo", theirs[0].ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.c.MarkRead(ctx, "ngo", ".evil\x00"+theirs[0].ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.donor("d1")
	h.donor("d2")
	_, err := h.c.SetupDonorOrganization(ctx, "d2", coordinator.DonorOrganizationInput{
		OrganizationName: "Corner Bakery", OrganizationType: "bakery",
	})
	require.NoError(t, err)
	h.ngo("ngo", nil)
	h.register("ngo2", types.RoleNGO, nil)
	_, err = h.c.SetupNGOOrganization(ctx, "ngo2", coordinator.NGOOrganizationInput{
		NGOName: "Second Trust", RegistrationNumber: "REG-2",
	})
	require.NoError(t, err)
	h.partner("p1", nil)

	delivered := h.donation("d1", nil)
	res, err := h.c.Claim(ctx, "ngo", delivered.ID)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err = h.c.AdvanceDelivery(ctx, "p1", res.Delivery.ID, coordinator.StatusUpdate{})
		require.NoError(t, err)
	}
	cancelled := h.donation("d1", nil)
	_, err = h.c.CancelDonation(ctx, "d1", cancelled.ID, "")
	require.NoError(t, err)
	expired := h.donation("d2", nil)
	h.advance(7 * time.Hour)
	require.NoError(t, h.c.ExpireDonation(ctx, expired.ID))
	h.donation("d2", nil)
	_, err = h.c.CreateRequest(ctx, "ngo", coordinator.RequestInput{
		RequestType: "rice", QuantityNeeded: 20, RequiredBy: h.clock().Add(time.Hour),
	})
	require.NoError(t, err)

	s, err := h.c.AdminStats(ctx, adminID)
	require.NoError(t, err)
	assert.Equal(t, coordinator.AdminStats{
		TotalDonors:           2,
		TotalNGOs:             2,
		TotalDeliveryPartners: 1,
		TotalDonations:        4,
		ActiveDonations:       1,
		CompletedDonations:    1,
		ExpiredDonations:      1,
		CancelledDonations:    1,
		TotalDeliveries:       1,
		ActiveDeliveries:      0,
		OpenRequests:          1,
		PendingVerifications:  2,
	}, *s)

	_, err = h.c.AdminStats(ctx, "d1")
	assert.ErrorIs(t, err, coordinator.ErrForbidden)

	d1, err := h.c.MyStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, d1.Total)
	assert.Equal(t, 1, d1.Completed)
	assert.Equal(t, 1, d1.Cancelled)
	assert.Zero(t, d1.Active)

	d2, err := h.c.MyStats(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, 2, d2.Total)
	assert.Equal(t, 1, d2.Active)
	assert.Equal(t, 1, d2.Cancelled)

	ngo, err := h.c.MyStats(ctx, "ngo")
	require.NoError(t, err)
	assert.Equal(t, 1, ngo.Total)
	assert.Equal(t, 1, ngo.Completed)
	assert.Equal(t, 1, ngo.OpenRequests)

	p1, err := h.c.MyStats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleDeliveryPartner, p1.Role)
	assert.Equal(t, 1, p1.Total)
	assert.Equal(t, 1, p1.Completed)
	assert.Equal(t, 1, p1.TotalDeliveries)
	assert.Equal(t, 5.0, p1.Rating)
	assert.True(t, p1.IsAvailable)
}

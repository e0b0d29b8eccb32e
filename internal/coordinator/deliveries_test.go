package coordinator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/foodrelay/internal/coordinator"
	"github.com/snehjoshi/foodrelay/internal/lifecycle"
	"github.com/snehjoshi/foodrelay/internal/types"
)

func TestAdvanceDelivery_FullPath(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)

	d := h.donation("donor", nil)
	res, err := h.c.Claim(ctx, "ngo", d.ID)
	require.NoError(t, err)
	delID := res.Delivery.ID

	want := []struct {
		delivery types.DeliveryStatus
		donation types.DonationStatus
	}{
		{types.DeliveryAccepted, types.DonationAssigned},
		{types.DeliveryInTransitToPickup, types.DonationAssigned},
		{types.DeliveryAtPickup, types.DonationAssigned},
		{types.DeliveryPickedUp, types.DonationPickedUp},
		{types.DeliveryInTransitToDelivery, types.DonationPickedUp},
		{types.DeliveryAtDelivery, types.DonationPickedUp},
		{types.DeliveryDelivered, types.DonationDelivered},
	}
	for _, step := range want {
		u := coordinator.StatusUpdate{}
		if step.delivery == types.DeliveryPickedUp || step.delivery == types.DeliveryDelivered {
			u.Proof = "https://img.test/" + string(step.delivery) + ".jpg"
		}
		v, err := h.c.AdvanceDelivery(ctx, "p1", delID, u)
		require.NoError(t, err, "advance to %s", step.delivery)
		assert.Equal(t, step.delivery, v.Delivery.Status)
		assert.Equal(t, step.donation, v.Donation.Status)
	}

	del := h.getDelivery(delID)
	require.NotNil(t, del.ActualPickupTime)
	require.NotNil(t, del.ActualDeliveryTime)
	assert.Equal(t, "https://img.test/picked_up.jpg", del.ProofOfPickup)
	assert.Equal(t, "https://img.test/delivered.jpg", del.ProofOfDelivery)

	got := h.getDonation(d.ID)
	require.NotNil(t, got.PickupTime)
	require.NotNil(t, got.DeliveryTime)

	rec := h.partnerRecord("p1")
	assert.Empty(t, rec.ActiveDeliveryID)
	assert.Equal(t, 1, rec.TotalDeliveries)

	assert.Contains(t, h.notificationTitles("donor"), "Food picked up")
	assert.Contains(t, h.notificationTitles("ngo"), "Donation delivered")

	_, err = h.c.AdvanceDelivery(ctx, "p1", delID, coordinator.StatusUpdate{})
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
}

func TestAdvanceDelivery_OnlyHolderOrAdmin(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)

	res, err := h.c.Claim(ctx, "ngo", h.donation("donor", nil).ID)
	require.NoError(t, err)
	h.partner("p2", nil)

	_, err = h.c.AdvanceDelivery(ctx, "p2", res.Delivery.ID, coordinator.StatusUpdate{})
	assert.ErrorIs(t, err, coordinator.ErrForbidden)
	_, err = h.c.AdvanceDelivery(ctx, "ngo", res.Delivery.ID, coordinator.StatusUpdate{})
	assert.ErrorIs(t, err, coordinator.ErrForbidden)

	// An admin cannot accept on the courier's behalf.
	_, err = h.c.AdvanceDelivery(ctx, adminID, res.Delivery.ID, coordinator.StatusUpdate{})
	assert.ErrorIs(t, err, coordinator.ErrForbidden)
	assert.Equal(t, types.DeliveryAssigned, h.getDelivery(res.Delivery.ID).Status)

	_, err = h.c.AcceptDelivery(ctx, "p1", res.Delivery.ID)
	require.NoError(t, err)
	v, err := h.c.AdvanceDelivery(ctx, adminID, res.Delivery.ID, coordinator.StatusUpdate{})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryInTransitToPickup, v.Delivery.Status)
}

func TestAdvanceDelivery_RejectsSkipsAndCancel(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)

	res, err := h.c.Claim(ctx, "ngo", h.donation("donor", nil).ID)
	require.NoError(t, err)

	_, err = h.c.AdvanceDelivery(ctx, "p1", res.Delivery.ID, coordinator.StatusUpdate{To: types.DeliveryDelivered})
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)

	_, err = h.c.AdvanceDelivery(ctx, "p1", res.Delivery.ID, coordinator.StatusUpdate{To: types.DeliveryCancelled})
	assert.ErrorIs(t, err, coordinator.ErrInvalidInput)

	assert.Equal(t, types.DeliveryAssigned, h.getDelivery(res.Delivery.ID).Status)
}

func TestAcceptDelivery_PoolMode(t *testing.T) {
	h := newHarness(t, poolMode)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", pt(18.5, 73.8))
	h.partner("p2", nil)

	d1 := h.donation("donor", pt(18.6, 73.8))
	d2 := h.donation("donor", pt(18.51, 73.8))
	r1, err := h.c.Claim(ctx, "ngo", d1.ID)
	require.NoError(t, err)
	r2, err := h.c.Claim(ctx, "ngo", d2.ID)
	require.NoError(t, err)

	jobs, err := h.c.OpenJobs(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, r2.Delivery.ID, jobs[0].Delivery.ID, "nearest first")
	require.NotNil(t, jobs[0].DistanceToPickupKm)

	v, err := h.c.AcceptDelivery(ctx, "p1", r2.Delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryAccepted, v.Delivery.Status)
	assert.Equal(t, "p1", v.Delivery.PartnerID)
	assert.Equal(t, types.DonationAssigned, v.Donation.Status)
	assert.Equal(t, "p1", v.Donation.AssignedTo)
	assert.Equal(t, r2.Delivery.ID, h.partnerRecord("p1").ActiveDeliveryID)
	assert.Contains(t, h.notificationTitles("ngo"), "Delivery partner assigned")

	_, err = h.c.AcceptDelivery(ctx, "p1", r1.Delivery.ID)
	assert.ErrorIs(t, err, coordinator.ErrPartnerBusy)

	_, err = h.c.AcceptDelivery(ctx, "p2", r2.Delivery.ID)
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)

	jobs, err = h.c.OpenJobs(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, r1.Delivery.ID, jobs[0].Delivery.ID)
	assert.Nil(t, jobs[0].DistanceToPickupKm)

	_, err = h.c.OpenJobs(ctx, "ngo")
	assert.ErrorIs(t, err, coordinator.ErrForbidden)
}

func TestAcceptDelivery_AssignedToAnother(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)

	res, err := h.c.Claim(ctx, "ngo", h.donation("donor", nil).ID)
	require.NoError(t, err)
	h.partner("p2", nil)

	_, err = h.c.AcceptDelivery(ctx, "p2", res.Delivery.ID)
	assert.ErrorIs(t, err, coordinator.ErrForbidden)

	v, err := h.c.AcceptDelivery(ctx, "p1", res.Delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryAccepted, v.Delivery.Status)
}

func TestDeclineDelivery_RedispatchesToAnotherPartner(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", pt(18.5, 73.8))
	h.partner("p2", pt(18.9, 73.8))

	d := h.donation("donor", pt(18.5, 73.8))
	res, err := h.c.Claim(ctx, "ngo", d.ID)
	require.NoError(t, err)
	require.Equal(t, "p1", res.Delivery.PartnerID)

	v, err := h.c.DeclineDelivery(ctx, "p1", res.Delivery.ID, "flat tyre")
	require.NoError(t, err)
	assert.NotEqual(t, res.Delivery.ID, v.Delivery.ID)
	assert.Equal(t, types.DeliveryAssigned, v.Delivery.Status)
	assert.Equal(t, "p2", v.Delivery.PartnerID)
	assert.Equal(t, []string{"p1"}, v.Delivery.DeclinedBy)

	assert.Equal(t, types.DeliveryCancelled, h.getDelivery(res.Delivery.ID).Status)
	got := h.getDonation(d.ID)
	assert.Equal(t, types.DonationAssigned, got.Status)
	assert.Equal(t, "p2", got.AssignedTo)
	assert.Equal(t, v.Delivery.ID, got.DeliveryID)

	assert.Empty(t, h.partnerRecord("p1").ActiveDeliveryID)
	assert.Equal(t, v.Delivery.ID, h.partnerRecord("p2").ActiveDeliveryID)
	assert.Contains(t, h.notificationTitles("ngo"), "Delivery partner declined")
	assert.Contains(t, h.notificationTitles("p2"), "New delivery assigned")
}

func TestDeclineDelivery_NoOtherPartnerLeavesPendingJob(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)

	d := h.donation("donor", nil)
	res, err := h.c.Claim(ctx, "ngo", d.ID)
	require.NoError(t, err)

	v, err := h.c.DeclineDelivery(ctx, "p1", res.Delivery.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryPending, v.Delivery.Status)
	assert.Empty(t, v.Delivery.PartnerID)
	assert.Equal(t, types.DonationClaimed, h.getDonation(d.ID).Status)

	// The decliner neither sees nor gets the job back.
	jobs, err := h.c.OpenJobs(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
	_, err = h.c.AcceptDelivery(ctx, "p1", v.Delivery.ID)
	assert.ErrorIs(t, err, coordinator.ErrForbidden)

	_, err = h.c.SetAvailability(ctx, "p1", false)
	require.NoError(t, err)
	_, err = h.c.SetAvailability(ctx, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryPending, h.getDelivery(v.Delivery.ID).Status)

	jobs, err = h.c.OpenJobs(ctx, adminID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestDeclineDelivery_NotAfterPickup(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)

	res, err := h.c.Claim(ctx, "ngo", h.donation("donor", nil).ID)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = h.c.AdvanceDelivery(ctx, "p1", res.Delivery.ID, coordinator.StatusUpdate{})
		require.NoError(t, err)
	}

	_, err = h.c.DeclineDelivery(ctx, "p1", res.Delivery.ID, "")
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
	assert.Equal(t, res.Delivery.ID, h.partnerRecord("p1").ActiveDeliveryID)
}

func TestSetAvailability_PicksUpOldestPendingJob(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)

	d1 := h.donation("donor", nil)
	d2 := h.donation("donor", nil)
	r1, err := h.c.Claim(ctx, "ngo", d1.ID)
	require.NoError(t, err)
	_, err = h.c.Claim(ctx, "ngo", d2.ID)
	require.NoError(t, err)

	h.partner("p1", nil)

	assert.Equal(t, types.DeliveryAssigned, h.getDelivery(r1.Delivery.ID).Status)
	assert.Equal(t, "p1", h.getDonation(d1.ID).AssignedTo)
	assert.Equal(t, types.DonationClaimed, h.getDonation(d2.ID).Status)
	assert.Equal(t, r1.Delivery.ID, h.partnerRecord("p1").ActiveDeliveryID)
}

func TestSetAvailability_OffDutyPartnerIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)
	_, err := h.c.SetAvailability(ctx, "p1", false)
	require.NoError(t, err)

	res, err := h.c.Claim(ctx, "ngo", h.donation("donor", nil).ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryPending, res.Delivery.Status)

	_, err = h.c.SetAvailability(ctx, "donor", true)
	assert.ErrorIs(t, err, coordinator.ErrForbidden)
}

func TestAssign_ByAdmin(t *testing.T) {
	h := newHarness(t, poolMode)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.partner("p1", nil)
	h.partner("p2", nil)

	d := h.donation("donor", nil)
	_, err := h.c.Claim(ctx, "ngo", d.ID)
	require.NoError(t, err)

	_, err = h.c.Assign(ctx, "ngo", d.ID, "p1")
	assert.ErrorIs(t, err, coordinator.ErrForbidden)
	_, err = h.c.Assign(ctx, adminID, d.ID, "donor")
	assert.ErrorIs(t, err, coordinator.ErrNoPartner)

	res, err := h.c.Assign(ctx, adminID, d.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryAssigned, res.Delivery.Status)
	assert.Equal(t, types.DonationAssigned, res.Donation.Status)
	assert.Equal(t, "p1", res.Donation.AssignedTo)
	assert.Contains(t, h.notificationTitles("p1"), "New delivery assigned")

	_, err = h.c.Assign(ctx, adminID, d.ID, "p2")
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)

	d2 := h.donation("donor", nil)
	_, err = h.c.Claim(ctx, "ngo", d2.ID)
	require.NoError(t, err)
	_, err = h.c.Assign(ctx, adminID, d2.ID, "p1")
	assert.ErrorIs(t, err, coordinator.ErrPartnerBusy)
}

func TestListDeliveries_PerRole(t *testing.T) {
	h := newHarness(t)
	h.donor("donor")
	h.ngo("ngo", nil)
	h.ngo("other", nil)
	h.partner("p1", nil)

	res, err := h.c.Claim(ctx, "ngo", h.donation("donor", nil).ID)
	require.NoError(t, err)

	for _, id := range []string{"donor", "ngo", "p1", adminID} {
		vs, err := h.c.ListDeliveries(ctx, id, "")
		require.NoError(t, err)
		require.Len(t, vs, 1, id)
		assert.Equal(t, res.Delivery.ID, vs[0].Delivery.ID)
	}
	vs, err := h.c.ListDeliveries(ctx, "other", "")
	require.NoError(t, err)
	assert.Empty(t, vs)

	vs, err = h.c.ListDeliveries(ctx, adminID, types.DeliveryDelivered)
	require.NoError(t, err)
	assert.Empty(t, vs)

	_, err = h.c.Delivery(ctx, "other", res.Delivery.ID)
	assert.ErrorIs(t, err, coordinator.ErrForbidden)
}

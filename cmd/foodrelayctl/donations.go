package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/foodrelay/internal/types"
	"github.com/snehjoshi/foodrelay/pkg/client"
)

func (a *app) donationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "donations",
		Aliases: []string{"donation", "d"},
		Short:   "List, create, claim and cancel donations",
	}
	cmd.AddCommand(
		a.donationsListCmd(),
		a.donationsCreateCmd(),
		a.donationsClaimCmd(),
		a.donationsCancelCmd(),
		a.donationsHistoryCmd(),
	)
	return cmd
}

func (a *app) donationsListCmd() *cobra.Command {
	var q client.DonationQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the donations you can see, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := a.client().ListDonations(cmd.Context(), q)
			if err != nil {
				return err
			}
			return a.print(ds)
		},
	}
	cmd.Flags().StringVar(&q.Status, "status", "", "only donations in this status")
	cmd.Flags().BoolVar(&q.Mine, "mine", false, "only donations you listed, claimed or carry")
	return cmd
}

func (a *app) donationsCreateCmd() *cobra.Command {
	var (
		in        client.DonationInput
		foodType  string
		expiresIn time.Duration
		lat, lng  float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "List surplus food as a donor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if expiresIn <= 0 {
				return errors.New("--expires-in must be positive")
			}
			in.FoodType = types.FoodType(foodType)
			in.ExpiryTime = time.Now().Add(expiresIn).UTC()
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				in.PickupLocation = &client.GeoPoint{Lat: lat, Lng: lng}
			}
			d, err := a.client().CreateDonation(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.print(d)
		},
	}
	f := cmd.Flags()
	f.StringVar(&foodType, "food-type", "", "cooked | raw | packaged | bakery")
	f.StringVar(&in.FoodCategory, "category", "", "free-form category, e.g. meals")
	f.IntVar(&in.Quantity, "quantity", 0, "amount of food")
	f.StringVar(&in.Unit, "unit", "", "unit of quantity, e.g. plates or kg")
	f.StringVar(&in.Description, "description", "", "optional description")
	f.DurationVar(&expiresIn, "expires-in", 4*time.Hour, "how long the food stays safe to eat")
	f.StringVar(&in.PickupAddress, "address", "", "pickup address")
	f.StringVar(&in.PickupInstructions, "instructions", "", "pickup instructions")
	f.Float64Var(&lat, "lat", 0, "pickup latitude")
	f.Float64Var(&lng, "lng", 0, "pickup longitude")
	for _, name := range []string{"food-type", "quantity", "unit", "address"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) donationsClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <donation-id>",
		Short: "Claim an available donation for your NGO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client().Claim(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
}

func (a *app) donationsCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <donation-id>",
		Short: "Withdraw a donation before pickup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.client().CancelDonation(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return a.print(d)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the donation is withdrawn")
	return cmd
}

func (a *app) donationsHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <donation-id>",
		Short: "Show every status change of a donation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evts, err := a.client().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(evts)
		},
	}
}

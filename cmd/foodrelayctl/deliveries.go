package main

import (
	"github.com/spf13/cobra"

	"github.com/snehjoshi/foodrelay/internal/types"
	"github.com/snehjoshi/foodrelay/pkg/client"
)

func (a *app) deliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deliveries",
		Aliases: []string{"delivery", "jobs"},
		Short:   "Work the delivery board as a partner",
	}
	cmd.AddCommand(
		a.deliveriesListCmd(),
		a.deliveriesJobsCmd(),
		a.deliveriesAcceptCmd(),
		a.deliveriesAdvanceCmd(),
		a.deliveriesDeclineCmd(),
	)
	return cmd
}

func (a *app) deliveriesListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the deliveries you can see",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vs, err := a.client().ListDeliveries(cmd.Context(), status)
			if err != nil {
				return err
			}
			return a.print(vs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only deliveries in this status")
	return cmd
}

func (a *app) deliveriesJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "Show open jobs, nearest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vs, err := a.client().OpenJobs(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(vs)
		},
	}
}

func (a *app) deliveriesAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <delivery-id>",
		Short: "Take an open or assigned job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.client().Accept(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(v)
		},
	}
}

func (a *app) deliveriesAdvanceCmd() *cobra.Command {
	var (
		to string
		u  client.StatusUpdate
	)
	cmd := &cobra.Command{
		Use:   "advance <delivery-id>",
		Short: "Move a delivery to its next step",
		Long: `Move a delivery along accepted → in_transit_to_pickup → at_pickup →
picked_up → in_transit_to_delivery → at_delivery → delivered.

Without --to the delivery moves one step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u.To = types.DeliveryStatus(to)
			v, err := a.client().Advance(cmd.Context(), args[0], u)
			if err != nil {
				return err
			}
			return a.print(v)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status (defaults to the next step)")
	cmd.Flags().StringVar(&u.Notes, "notes", "", "note for the donor and NGO")
	cmd.Flags().StringVar(&u.Proof, "proof", "", "proof of pickup or delivery, usually a photo URL")
	return cmd
}

func (a *app) deliveriesDeclineCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "decline <delivery-id>",
		Short: "Hand a job back for redispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.client().Decline(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return a.print(v)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the job is declined")
	return cmd
}

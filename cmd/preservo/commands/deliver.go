package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/preservo/preservo/pkg/config"
	"github.com/preservo/preservo/pkg/engine"
)

func newDeliverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver converted copies of objects",
		Long: `Deliver an object converted to another format without storing the
result in the archive. The converted files are written below the delivery
root in a directory named after the delivery.`,
	}

	cmd.AddCommand(newDeliverCreateCommand())
	cmd.AddCommand(newDeliverGetCommand())
	cmd.AddCommand(newDeliverStartCommand())

	return cmd
}

func newDeliverCreateCommand() *cobra.Command {
	var (
		specFile string
		start    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a delivery from a specification file",
		Example: `  # delivery.yaml
  object: urn:preservo:6f1c0c1e-8d9a-4c55-9d4e-0f5b1f0a8e21
  owner: alice
  target_format: fmt/18
  destination: reading-room

  preservo deliver create -f delivery.yaml --start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, err := config.NewSpecParser()
			if err != nil {
				return err
			}
			spec, err := parser.LoadDeliverySpec(specFile)
			if err != nil {
				return err
			}

			var plan *engine.DeliveryPlan
			err = withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				plan, err = a.manager.CreateDeliveryPlan(ctx, *spec)
				return err
			})
			if err != nil {
				return err
			}
			if start {
				if plan, err = startDelivery(cmd.Context(), plan.ID); err != nil {
					return err
				}
			}
			return printDelivery(plan)
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "", "delivery specification (YAML, JSON or CUE)")
	cmd.Flags().BoolVar(&start, "start", false, "start the delivery on the running server")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newDeliverGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get DELIVERY_ID",
		Short: "Show a delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				plan, err := a.manager.GetDeliveryPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printDelivery(plan)
			})
		},
	}
	return cmd
}

func newDeliverStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start DELIVERY_ID",
		Short: "Start a delivery on the running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := startDelivery(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printDelivery(plan)
		},
	}
	return cmd
}

func startDelivery(ctx context.Context, id string) (*engine.DeliveryPlan, error) {
	client, err := newAPIClient()
	if err != nil {
		return nil, err
	}
	var plan engine.DeliveryPlan
	if err := client.post(ctx, "/v1/deliveries/"+id+"/start", nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func printDelivery(plan *engine.DeliveryPlan) error {
	if jsonOutput() {
		return printJSON(plan)
	}
	fmt.Printf("Delivery: %s\n", plan.ID)
	fmt.Printf("Object:   %s\n", plan.ObjectIdentifier)
	fmt.Printf("Status:   %s\n", plan.Status)
	fmt.Printf("Formats:  %s -> %s\n", plan.SourceFormat, plan.TargetFormat)
	if path, ok := plan.ActivePath(); ok {
		fmt.Printf("Path:     %s\n", path)
	}
	if plan.WaitingFor != "" {
		fmt.Printf("Waiting:  %s\n", plan.WaitingFor)
	}
	if plan.ResultLocation != "" {
		fmt.Printf("Result:   %s\n", plan.ResultLocation)
	}
	if plan.Error != "" {
		fmt.Printf("Error:    %s\n", plan.Error)
	}
	return nil
}

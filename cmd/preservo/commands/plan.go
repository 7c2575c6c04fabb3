package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/preservo/preservo/pkg/config"
	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/stores"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage migration plans",
		Long: `Create, inspect and control migration plans.

A plan converts every object matching its condition from a source format to
a target format along a chain of services. Plans move through
new -> ready -> running <-> paused -> finished.

start, pause and finish are sent to a running 'preservo serve'.`,
	}

	cmd.AddCommand(newPlanCreateCommand())
	cmd.AddCommand(newPlanListCommand())
	cmd.AddCommand(newPlanGetCommand())
	cmd.AddCommand(newPlanSetPathCommand())
	cmd.AddCommand(newPlanActionCommand("start", "Start or resume a plan"))
	cmd.AddCommand(newPlanActionCommand("pause", "Pause a running plan"))
	cmd.AddCommand(newPlanActionCommand("finish", "Finish a plan"))
	cmd.AddCommand(newPlanDeleteCommand())
	cmd.AddCommand(newPlanEventsCommand())

	return cmd
}

func newPlanCreateCommand() *cobra.Command {
	var specFile string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan from a specification file",
		Example: `  # plan.yaml
  name: tiff to jp2
  owner: alice
  kind: conversion
  source_format: fmt/353
  target_format: x-fmt/392
  condition:
    type: by_owner
    owner: alice

  preservo plan create -f plan.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, err := config.NewSpecParser()
			if err != nil {
				return err
			}
			spec, err := parser.LoadPlanSpec(specFile)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				plan, err := a.manager.CreatePlan(ctx, *spec)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(plan)
				}
				fmt.Printf("Created plan %s (%s, %d objects, %d paths)\n",
					plan.ID, plan.Status, len(plan.Items), len(plan.Paths))
				printPaths(plan.Paths, plan.ActivePathID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "", "plan specification (YAML, JSON or CUE)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newPlanListCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := engine.PlanStatus(status)
			if status != "" {
				if err := st.Validate(); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				plans, err := a.manager.ListPlans(ctx, st)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Owner", "Kind", "Source", "Target", "Updated"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.OwnerID, p.Kind, p.SourceFormat, p.TargetFormat,
						p.UpdatedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only plans in this status")

	return cmd
}

func newPlanGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get PLAN_ID",
		Short: "Show a plan with its paths and items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				plan, err := a.manager.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(plan)
				}
				printPlan(plan)
				return nil
			})
		},
	}
	return cmd
}

func printPlan(plan *engine.MigrationPlan) {
	fmt.Printf("Plan:    %s (%s)\n", plan.ID, plan.Name)
	fmt.Printf("Status:  %s\n", plan.Status)
	fmt.Printf("Owner:   %s\n", plan.OwnerID)
	fmt.Printf("Formats: %s -> %s (%s)\n", plan.SourceFormat, plan.TargetFormat, plan.Kind)
	if plan.WaitingFor != "" {
		fmt.Printf("Waiting: %s (confirmed: %t)\n", plan.WaitingFor, plan.WaitConfirmed)
	}
	if plan.LastError != "" {
		fmt.Printf("Error:   %s\n", plan.LastError)
	}

	counts := plan.ItemCounts()
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Printf("  %-18s %d\n", st, counts[engine.ItemStatus(st)])
	}
	fmt.Println()

	printPaths(plan.Paths, plan.ActivePathID)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Identifier", "Status", "Result", "Error"})
	for _, item := range plan.Items {
		tw.AppendRow(table.Row{item.Position, item.Identifier, item.Status, item.ResultIdentifier, item.Error})
	}
	tw.Render()
}

func printPaths(paths []engine.MigrationPath, active string) {
	if len(paths) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"", "Path", "Hops"})
	for _, p := range paths {
		marker := ""
		if p.ID == active {
			marker = "*"
		}
		tw.AppendRow(table.Row{marker, p.ID, p.String()})
	}
	tw.Render()
}

func newPlanSetPathCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-path PLAN_ID PATH_ID",
		Short: "Choose the path a plan runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.manager.SetActivePath(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Plan %s will run path %s\n", args[0], args[1])
				return nil
			})
		},
	}
	return cmd
}

// planResponse mirrors the body of the plan endpoints.
type planResponse struct {
	Plan   *engine.MigrationPlan     `json:"plan"`
	Counts map[engine.ItemStatus]int `json:"counts"`
}

func newPlanActionCommand(action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " PLAN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var res planResponse
			if err := client.post(cmd.Context(), "/v1/plans/"+args[0]+"/"+action, nil, &res); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(res)
			}
			fmt.Printf("Plan %s is %s\n", args[0], res.Plan.Status)
			return nil
		},
	}
	return cmd
}

func newPlanDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete PLAN_ID",
		Short: "Delete a plan that is not running or paused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.manager.DeletePlan(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted plan %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func newPlanEventsCommand() *cobra.Command {
	var (
		types []string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events PLAN_ID",
		Short: "Show the event history of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				events, err := a.store.ListEvents(ctx, stores.EventQuery{PlanID: args[0], Types: types, Limit: limit})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Type", "Level", "Identifier", "Message"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.Timestamp.Local().Format(time.DateTime), e.Type, e.Level, e.Identifier, e.Message})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&types, "type", nil, "only events of these types")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events")

	return cmd
}

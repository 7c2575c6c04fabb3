package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newNotifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify KEY",
		Short: "Report that an object or service result is available",
		Long: `Tell the running server that KEY became available. KEY is an object
identifier or the token of an asynchronous service call. Plans and
deliveries waiting for it are restarted.`,
		Example: `  preservo notify urn:preservo:6f1c0c1e-8d9a-4c55-9d4e-0f5b1f0a8e21`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.post(cmd.Context(), "/v1/notifications/available", map[string]string{"key": args[0]}, nil); err != nil {
				return err
			}
			if !jsonOutput() {
				fmt.Printf("Notified %s\n", args[0])
			}
			return nil
		},
	}
	return cmd
}

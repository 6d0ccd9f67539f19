package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewNotifyCmd создаёт команду доставки внешнего результата
// асинхронному узлу.
func NewNotifyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var outputs []string

	cmd := &cobra.Command{
		Use:   "notify CORRELATION_ID",
		Short: "Deliver an external result to a waiting node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseKeyValues(outputs)
			if err != nil {
				return err
			}

			err = clientFn().Notify(NotificationRequest{
				CorrelationID: args[0],
				Status:        status,
				Outputs:       values,
			})
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Notification accepted: %s %s", args[0], status))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "SUCCEEDED", "Terminal status (SUCCEEDED, FAILED, ...)")
	cmd.Flags().StringSliceVar(&outputs, "output", nil, "Output values as KEY=VALUE (repeatable)")

	return cmd
}

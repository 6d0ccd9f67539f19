package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewNodeCmd создаёт группу команд для interrupt'ов отдельных узлов.
func NewNodeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Intervene on a single node execution",
	}

	cmd.AddCommand(
		newNodeInterruptCmd("retry", "RETRY", "Retry a paused node", clientFn, outputFn),
		newNodeInterruptCmd("ignore", "IGNORE", "Ignore the failure of a paused node", clientFn, outputFn),
		newNodeInterruptCmd("abort", "ABORT", "Abort a node and its children", clientFn, outputFn),
		newNodeInterruptCmd("mark-success", "MARK_SUCCESS", "Finish a node as succeeded", clientFn, outputFn),
		newNodeInterruptCmd("mark-failed", "MARK_FAILED", "Finish a node as failed", clientFn, outputFn),
	)

	return cmd
}

func newNodeInterruptCmd(use, interruptType, short string, clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   use + " EXECUTION_ID NODE_EXECUTION_ID",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			intr, err := clientFn().Interrupt(args[0], InterruptRequest{
				Type:            interruptType,
				NodeExecutionID: args[1],
				Reason:          reason,
			})
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("%s accepted for node %s", intr.Type, intr.NodeExecutionID))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the interrupt")
	return cmd
}

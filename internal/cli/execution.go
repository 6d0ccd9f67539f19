package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewExecutionCmd создаёт группу команд для управления выполнениями.
func NewExecutionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Manage plan executions",
	}

	cmd.AddCommand(
		newExecutionListCmd(clientFn, outputFn),
		newExecutionStartCmd(clientFn, outputFn),
		newExecutionShowCmd(clientFn, outputFn),
		newExecutionNodesCmd(clientFn, outputFn),
		newPlanInterruptCmd("abort", "ABORT_ALL", "Abort the whole execution", clientFn, outputFn),
		newPlanInterruptCmd("pause", "PAUSE_ALL", "Pause activation of new nodes", clientFn, outputFn),
		newPlanInterruptCmd("resume", "RESUME_ALL", "Resume a paused execution", clientFn, outputFn),
	)

	return cmd
}

func newExecutionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var planID string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			pes, err := clientFn().ListExecutions(ListExecutionsOpts{PlanID: planID, Limit: limit})
			if err != nil {
				return err
			}

			headers := []string{"ID", "PLAN_ID", "STATUS", "CREATED"}
			rows := make([][]string, len(pes))
			for i, pe := range pes {
				rows[i] = []string{pe.ID, pe.PlanID, pe.Status, pe.CreatedAt}
			}

			outputFn().Print(headers, rows, pes)
			return nil
		},
	}

	cmd.Flags().StringVar(&planID, "plan-id", "", "Filter by plan ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newExecutionStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var inputs []string
	var key string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "start PLAN_ID",
		Short: "Start a plan execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			values, err := parseKeyValues(inputs)
			if err != nil {
				return err
			}

			pe, err := client.StartExecution(args[0], StartExecutionRequest{Inputs: values, IdempotencyKey: key})
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Execution started: %s", pe.ID))

			if wait > 0 {
				if pe, err = waitFinished(client, pe.ID, wait); err != nil {
					return err
				}
			}

			out.Print(
				[]string{"ID", "PLAN_ID", "STATUS", "ERROR"},
				[][]string{{pe.ID, pe.PlanID, pe.Status, pe.Error}},
				pe,
			)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE, VALUE may be JSON (repeatable)")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Return the existing execution if the key was used before")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the execution to finish")

	return cmd
}

func newExecutionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show execution details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := clientFn().GetExecution(args[0])
			if err != nil {
				return err
			}

			outputFn().Detail([][2]string{
				{"ID", pe.ID},
				{"Plan", pe.PlanID},
				{"Status", pe.Status},
				{"Error", pe.Error},
				{"Idempotency key", pe.IdempotencyKey},
				{"Started", pe.StartedAt},
				{"Finished", pe.FinishedAt},
			}, pe)
			return nil
		},
	}
}

func newExecutionNodesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes ID",
		Short: "List node executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nes, err := clientFn().ListNodeExecutions(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "NODE", "STATUS", "MODE", "RETRY", "FAILURE"}
			rows := make([][]string, len(nes))
			for i, ne := range nes {
				failure := ""
				if ne.Failure != nil {
					failure = ne.Failure.Kind + ": " + ne.Failure.Message
				}
				rows[i] = []string{ne.ID, ne.NodeID, ne.Status, ne.Mode, strconv.Itoa(ne.RetryCount), failure}
			}

			outputFn().Print(headers, rows, nes)
			return nil
		},
	}
}

func newPlanInterruptCmd(use, interruptType, short string, clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intr, err := clientFn().Interrupt(args[0], InterruptRequest{Type: interruptType, Reason: reason})
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("%s accepted for %s", intr.Type, intr.PlanExecutionID))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the interrupt")
	return cmd
}

// terminalStatuses — итоговые статусы выполнения плана.
var terminalStatuses = map[string]bool{
	"SUCCEEDED": true,
	"FAILED":    true,
	"ABORTED":   true,
	"EXPIRED":   true,
}

// pollInterval — период опроса в waitFinished.
var pollInterval = time.Second

// waitFinished опрашивает выполнение, пока оно не завершится.
func waitFinished(client *Client, id string, timeout time.Duration) (*ExecutionResponse, error) {
	deadline := time.Now().Add(timeout)
	for {
		pe, err := client.GetExecution(id)
		if err != nil {
			return nil, err
		}
		if terminalStatuses[pe.Status] {
			return pe, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("execution %s is still %s after %s", id, pe.Status, timeout)
		}
		time.Sleep(pollInterval)
	}
}

// parseKeyValues разбирает KEY=VALUE. VALUE, похожий на JSON, декодируется.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

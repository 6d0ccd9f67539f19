package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewPlanCmd создаёт группу команд для управления планами.
func NewPlanCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans",
	}

	cmd.AddCommand(
		newPlanListCmd(clientFn, outputFn),
		newPlanCreateCmd(clientFn, outputFn),
		newPlanShowCmd(clientFn, outputFn),
	)

	return cmd
}

func newPlanListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := clientFn().ListPlans()
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "START", "CREATED"}
			rows := make([][]string, len(plans))
			for i, p := range plans {
				rows[i] = []string{p.ID, p.Name, p.StartNodeID, p.CreatedAt}
			}

			outputFn().Print(headers, rows, plans)
			return nil
		},
	}
}

func newPlanCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "create FILE",
		Short: "Upload a plan from a YAML or JSON file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}

			plan, err := clientFn().CreatePlan(data)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Plan created: %s", plan.ID))
			out.Print(
				[]string{"ID", "NAME", "START", "NODES"},
				[][]string{{plan.ID, plan.Name, plan.StartNodeID, strconv.Itoa(len(plan.Nodes))}},
				plan,
			)
			return nil
		},
	}
}

func newPlanShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show plan nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := clientFn().GetPlan(args[0])
			if err != nil {
				return err
			}

			headers := []string{"NODE", "TYPE", "NEXT", "CHILDREN"}
			rows := make([][]string, len(plan.Nodes))
			for i, n := range plan.Nodes {
				id := n.ID
				if n.ID == plan.StartNodeID {
					id += " *"
				}
				rows[i] = []string{id, n.StepType, n.Next, strings.Join(n.Children, ",")}
			}

			outputFn().Print(headers, rows, plan)
			return nil
		},
	}
}

package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewExecCmd создаёт группу команд для управления выполнениями.
func NewExecCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Manage executions",
	}

	cmd.AddCommand(
		newExecListCmd(clientFn, outputFn),
		newExecStartCmd(clientFn, outputFn),
		newExecShowCmd(clientFn, outputFn),
		newExecCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newExecListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			executions, err := client.ListExecutions(ListExecutionsOpts{
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "PLAYBOOK_ID", "VERSION", "STATUS", "CREATED"}
			rows := make([][]string, len(executions))
			for i, e := range executions {
				rows[i] = []string{e.ID, e.PlaybookID, strconv.Itoa(e.Version), e.Status, e.CreatedAt}
			}

			out.Print(headers, rows, executions)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (RUNNING, OK, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newExecStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var version int
	var inputs []string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "start PLAYBOOK_ID",
		Short: "Start a new execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateExecutionRequest{
				IdempotencyKey: idempotencyKey,
			}

			if cmd.Flags().Changed("version") {
				req.Version = &version
			}

			if len(inputs) > 0 {
				req.Input = make(map[string]any)
				for _, kv := range inputs {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
					}
					req.Input[parts[0]] = parts[1]
				}
			}

			exec, err := client.StartExecution(args[0], req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Execution started: %s", exec.ID))
			out.Print(
				[]string{"ID", "PLAYBOOK_ID", "VERSION", "STATUS", "CREATED"},
				[][]string{{exec.ID, exec.PlaybookID, strconv.Itoa(exec.Version), exec.Status, exec.CreatedAt}},
				exec,
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Playbook version (latest if not specified)")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for safe retries")

	return cmd
}

func newExecShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show execution details with step statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			exec, err := client.GetExecution(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(exec)
				return nil
			}

			out.Table(
				[]string{"ID", "PLAYBOOK_ID", "VERSION", "STATUS", "ERROR", "CREATED"},
				[][]string{{exec.ID, exec.PlaybookID, strconv.Itoa(exec.Version), exec.Status, exec.Error, exec.CreatedAt}},
			)

			if len(exec.Steps) > 0 {
				fmt.Println()
				rows := make([][]string, len(exec.Steps))
				for i, st := range exec.Steps {
					rows[i] = []string{st.StepID, st.Status, BoolCell(st.OK), st.Error}
				}
				out.Table([]string{"STEP", "STATUS", "OK", "ERROR"}, rows)
			}
			return nil
		},
	}
}

func newExecCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			exec, err := client.CancelExecution(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Execution cancelled: %s", exec.ID))
			return nil
		},
	}
}

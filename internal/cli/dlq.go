package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewDLQCmd создаёт группу команд для работы с dead letter queue.
func NewDLQCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letter queue entries",
	}

	cmd.AddCommand(
		newDLQListCmd(clientFn, outputFn),
		newDLQShowCmd(clientFn, outputFn),
		newDLQReplayCmd(clientFn, outputFn),
		newDLQDiscardCmd(clientFn, outputFn),
	)

	return cmd
}

func newDLQListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var executionID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List DLQ entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			entries, err := client.ListDLQ(ListDLQOpts{
				ExecutionID: executionID,
				Status:      status,
				Limit:       limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"MESSAGE_ID", "EXECUTION_ID", "STEP", "KIND", "ATTEMPTS", "CLASS", "STATUS"}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{e.MessageID, e.ExecutionID, e.StepID, e.Kind, strconv.Itoa(e.Attempts), e.ErrorClass, e.Status}
			}

			out.Print(headers, rows, entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&executionID, "execution-id", "", "Filter by execution ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, REPLAYED, DISCARDED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newDLQShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show MESSAGE_ID",
		Short: "Show DLQ entry details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			entry, err := client.GetDLQEntry(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(entry)
				return nil
			}

			out.Table(
				[]string{"MESSAGE_ID", "EXECUTION_ID", "STEP", "KIND", "ATTEMPTS", "CLASS", "STATUS"},
				[][]string{{entry.MessageID, entry.ExecutionID, entry.StepID, entry.Kind, strconv.Itoa(entry.Attempts), entry.ErrorClass, entry.Status}},
			)
			fmt.Println()
			fmt.Println("Last error:", entry.LastError)
			return nil
		},
	}
}

func newDLQReplayCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var patchFile string

	cmd := &cobra.Command{
		Use:   "replay MESSAGE_ID",
		Short: "Requeue a DLQ entry, optionally with a patched payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var patch map[string]any
			if patchFile != "" {
				data, err := os.ReadFile(patchFile)
				if err != nil {
					return fmt.Errorf("failed to read patch file: %w", err)
				}
				if err := json.Unmarshal(data, &patch); err != nil {
					return fmt.Errorf("patch file is not a valid JSON object: %w", err)
				}
			}

			if err := client.ReplayDLQ(args[0], patch); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Replayed: %s", args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&patchFile, "patch-file", "", "Path to JSON file replacing the message payload")

	return cmd
}

func newDLQDiscardCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "discard MESSAGE_ID",
		Short: "Discard a DLQ entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DiscardDLQ(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Discarded: %s", args[0]))
			return nil
		},
	}
}

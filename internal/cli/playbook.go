package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewPlaybookCmd создаёт группу команд для управления playbooks.
func NewPlaybookCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "playbook",
		Short: "Manage playbooks",
	}

	cmd.AddCommand(
		newPlaybookListCmd(clientFn, outputFn),
		newPlaybookPublishCmd(clientFn, outputFn),
		newPlaybookShowCmd(clientFn, outputFn),
		newPlaybookVersionCmd(clientFn, outputFn),
	)

	return cmd
}

func newPlaybookListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			playbooks, err := client.ListPlaybooks()
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "VERSION", "CREATED"}
			rows := make([][]string, len(playbooks))
			for i, pb := range playbooks {
				rows[i] = []string{pb.ID, pb.Name, strconv.Itoa(pb.Version), pb.CreatedAt}
			}

			out.Print(headers, rows, playbooks)
			return nil
		},
	}
}

func newPlaybookPublishCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string
	var specFile string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a playbook version from spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			data, err := os.ReadFile(specFile)
			if err != nil {
				return fmt.Errorf("failed to read spec file: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("spec file is not valid JSON")
			}

			pb, err := client.PublishPlaybook(name, json.RawMessage(data))
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Published %s version %d", pb.Name, pb.Version))
			out.Print(
				[]string{"ID", "NAME", "VERSION", "CREATED"},
				[][]string{{pb.ID, pb.Name, strconv.Itoa(pb.Version), pb.CreatedAt}},
				pb,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Playbook name (required)")
	cmd.Flags().StringVar(&specFile, "spec-file", "", "Path to spec JSON file (required)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("spec-file")

	return cmd
}

func newPlaybookShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show latest playbook version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			pb, err := client.GetPlaybook(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "NAME", "VERSION", "CREATED"},
				[][]string{{pb.ID, pb.Name, strconv.Itoa(pb.Version), pb.CreatedAt}},
				pb,
			)
			return nil
		},
	}
}

func newPlaybookVersionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "version ID VERSION",
		Short: "Show a specific playbook version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[1])
			}

			pb, err := client.GetPlaybookVersion(args[0], version)
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "NAME", "VERSION", "CREATED"},
				[][]string{{pb.ID, pb.Name, strconv.Itoa(pb.Version), pb.CreatedAt}},
				pb,
			)
			return nil
		},
	}
}

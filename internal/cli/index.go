package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zczc/nano-agent-team/internal/index"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Work with shared indices",
	}
	cmd.AddCommand(newIndexCreateCmd())
	cmd.AddCommand(newIndexReadCmd())
	cmd.AddCommand(newIndexUpdateCmd())
	cmd.AddCommand(newIndexAppendCmd())
	cmd.AddCommand(newIndexListCmd())
	return cmd
}

// readContent takes document content from --file (or stdin with "-").
func readContent(file string) (string, error) {
	if file == "-" {
		raw, err := io.ReadAll(os.Stdin)
		return string(raw), err
	}
	raw, err := os.ReadFile(file)
	return string(raw), err
}

func newIndexCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new index from a full document (frontmatter required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			content, err := readContent(file)
			if err != nil {
				return err
			}
			if err := store.Create(args[0], content); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "Document file, or - for stdin")
	return cmd
}

func newIndexReadCmd() *cobra.Command {
	var withChecksum bool
	cmd := &cobra.Command{
		Use:   "read <name>",
		Short: "Print an index document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			doc, err := store.Read(args[0])
			if err != nil {
				return err
			}
			if withChecksum {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "checksum: %s\n", doc.Checksum)
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), doc.Raw)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withChecksum, "checksum", false, "Print the CAS checksum first")
	return cmd
}

func newIndexUpdateCmd() *cobra.Command {
	var file, expected string
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Replace an index document (requires the checksum from your read)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			content, err := readContent(file)
			if err != nil {
				return err
			}
			sum, err := store.Update(args[0], content, expected)
			if index.IsChecksumConflict(err) {
				return fmt.Errorf("%w (re-read the index and retry)", err)
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated %s (checksum %s)\n", args[0], sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "Document file, or - for stdin")
	cmd.Flags().StringVar(&expected, "checksum", "", "Checksum returned by the preceding read")
	_ = cmd.MarkFlagRequired("checksum")
	return cmd
}

func newIndexAppendCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "append <name>",
		Short: "Append a fragment to an index (no checksum needed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Append(args[0], text); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Appended to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Fragment to append")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newIndexListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indices with their descriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			entries, err := store.List()
			if err != nil {
				return err
			}
			out, err := index.MarshalEntries(entries)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	return cmd
}

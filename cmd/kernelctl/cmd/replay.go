package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/kernel/eventbus"
)

// NewReplayCommand creates the replay command
func NewReplayCommand() *cobra.Command {
	var (
		from uint64
		to   uint64
	)

	cmd := &cobra.Command{
		Use:   "replay <event-log-file>",
		Short: "Print events from a JSON-lines event log",
		Long: `Reads an event log written with run --event-log and prints the events
whose ids fall in [--from, --to] inclusive, in log order. --to 0 means
through the end of the log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open event log: %w", err)
			}
			defer func() { _ = f.Close() }()

			dec := json.NewDecoder(f)
			out := cmd.OutOrStdout()
			count := 0
			for {
				var event eventbus.Event
				if err := dec.Decode(&event); err != nil {
					if errors.Is(err, io.EOF) {
						break
					}
					return fmt.Errorf("corrupt event log: %w", err)
				}
				if event.ID < from || (to != 0 && event.ID > to) {
					continue
				}
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\n",
					event.ID, event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), event.Type, event.Source)
				count++
			}
			fmt.Fprintf(out, "%d events\n", count)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 1, "first event id to print")
	cmd.Flags().Uint64Var(&to, "to", 0, "last event id to print (0 = end of log)")
	return cmd
}

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/captp/internal/trace"
)

// NewTraceCommand creates the trace command: print a frame journal.
func NewTraceCommand(env *Env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "trace <journal.db>",
		Short: "Print the frames recorded in a journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := trace.Open(args[0], "")
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Frames()
			if err != nil {
				return err
			}
			for _, e := range entries {
				if asJSON {
					out, err := json.Marshal(map[string]any{
						"seq":     e.Seq,
						"session": e.Session,
						"dir":     e.Dir,
						"type":    e.FrameType,
						"frame":   e.Frame,
					})
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%6d %s %-4s %s\n", e.Seq, e.Session, e.Dir, e.FrameType)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per frame")
	return cmd
}
